package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/storefront/internal/auth"
	"github.com/MarcoPoloResearchLab/storefront/internal/catalog"
	"github.com/MarcoPoloResearchLab/storefront/internal/checkout"
	"github.com/MarcoPoloResearchLab/storefront/internal/config"
	"github.com/MarcoPoloResearchLab/storefront/internal/database"
	"github.com/MarcoPoloResearchLab/storefront/internal/logging"
	"github.com/MarcoPoloResearchLab/storefront/internal/server"
	"github.com/MarcoPoloResearchLab/storefront/internal/storefront"
	"github.com/MarcoPoloResearchLab/storefront/internal/store"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "storefront-api",
		Short: "Storefront session and cart backend",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to a dotenv file loaded before configuration")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("allowed-origins", defaults.GetString("http.allowed_origins"), "Comma separated CORS origins")
	cmd.PersistentFlags().String("store-driver", defaults.GetString("store.driver"), "Scoped store driver (sqlite, redis)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("redis-url", defaults.GetString("redis.url"), "Redis URL for the redis store driver")
	cmd.PersistentFlags().String("catalog-base-url", defaults.GetString("catalog.base_url"), "Remote product, user and cart service URL")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Scope token TTL in minutes")
	cmd.PersistentFlags().String("mail-provider", defaults.GetString("mail.provider"), "Order confirmation provider (log, sendgrid, emailjs)")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Scope token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "store.driver", "store-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "redis.url", "redis-url")
	bindFlag(cmd, "catalog.base_url", "catalog-base-url")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "mail.provider", "mail-provider")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if err := loadEnvFile(envFile); err != nil {
		return err
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// loadEnvFile exports the dotenv file into the process environment. A missing
// file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	backend, closeBackend, err := openStoreBackend(ctx, appConfig, logger)
	if err != nil {
		return err
	}
	defer closeBackend()

	catalogClient, err := catalog.NewClient(catalog.ClientConfig{
		BaseURL: appConfig.CatalogBaseURL,
		Timeout: appConfig.CatalogTimeout,
	})
	if err != nil {
		return err
	}

	dispatcher, err := newDispatcher(appConfig, logger)
	if err != nil {
		return err
	}
	checkoutService, err := checkout.NewService(checkout.ServiceConfig{
		Dispatcher: dispatcher,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	realtime := server.NewRealtimeDispatcher()
	registry, err := storefront.NewRegistry(storefront.RegistryConfig{
		Backend:      backend,
		Catalog:      catalogClient,
		Checkout:     checkoutService,
		Logger:       logger,
		OnCartChange: realtime.PublishCartChange,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager:   tokenManager,
		Storefronts:    registry,
		Catalog:        catalogClient,
		Realtime:       realtime,
		Logger:         logger,
		AllowedOrigins: appConfig.AllowedOrigins,
		RatePerMinute:  appConfig.RatePerMinute,
		RateBurst:      appConfig.RateBurst,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("store_driver", appConfig.StoreDriver),
			zap.String("mail_provider", appConfig.MailProvider))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func openStoreBackend(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (store.Backend, func(), error) {
	switch appConfig.StoreDriver {
	case config.StoreDriverRedis:
		client, err := store.NewRedisClient(ctx, appConfig.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		backend, err := store.NewRedisBackend(client, appConfig.StoreTTL)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return backend, func() { _ = client.Close() }, nil
	default:
		db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
		if err != nil {
			return nil, nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, err
		}
		backend, err := store.NewSQLiteBackend(db, time.Now)
		if err != nil {
			_ = sqlDB.Close()
			return nil, nil, err
		}
		return backend, func() { _ = sqlDB.Close() }, nil
	}
}

func newDispatcher(appConfig config.AppConfig, logger *zap.Logger) (checkout.Dispatcher, error) {
	switch appConfig.MailProvider {
	case config.MailProviderSendGrid:
		return checkout.NewSendGridDispatcher(checkout.SendGridConfig{
			APIKey: appConfig.SendGridAPIKey,
			From:   appConfig.MailFrom,
			Logger: logger,
		})
	case config.MailProviderEmailJS:
		return checkout.NewEmailJSDispatcher(checkout.EmailJSConfig{
			ServiceID:  appConfig.EmailJSServiceID,
			TemplateID: appConfig.EmailJSTemplateID,
			PublicKey:  appConfig.EmailJSPublicKey,
			Endpoint:   appConfig.EmailJSEndpoint,
			Logger:     logger,
		})
	default:
		return checkout.NewLogDispatcher(logger), nil
	}
}
