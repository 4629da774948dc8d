package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "STOREFRONT"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabasePath    = "storefront.db"
	defaultLogLevel        = "info"
	defaultLogFormat       = "json"
	defaultStoreDriver     = StoreDriverSQLite
	defaultCatalogBaseURL  = "https://fakestoreapi.com"
	defaultCatalogTimeout  = 10
	defaultTokenTTLMinutes = 30 * 24 * 60
	defaultMailProvider    = MailProviderLog
	defaultEmailJSEndpoint = "https://api.emailjs.com/api/v1.0/email/send"
	defaultRatePerMinute   = 120
	defaultRateBurst       = 40
)

// Supported store drivers.
const (
	StoreDriverSQLite = "sqlite"
	StoreDriverRedis  = "redis"
)

// Supported order confirmation providers.
const (
	MailProviderLog      = "log"
	MailProviderSendGrid = "sendgrid"
	MailProviderEmailJS  = "emailjs"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string
	LogLevel       string
	LogFormat      string

	StoreDriver  string
	DatabasePath string
	RedisURL     string
	StoreTTL     time.Duration

	CatalogBaseURL string
	CatalogTimeout time.Duration

	SigningSecret string
	TokenTTL      time.Duration

	MailProvider      string
	MailFrom          string
	SendGridAPIKey    string
	EmailJSServiceID  string
	EmailJSTemplateID string
	EmailJSPublicKey  string
	EmailJSEndpoint   string

	RatePerMinute int
	RateBurst     int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", "*")
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("store.driver", defaultStoreDriver)
	configViper.SetDefault("store.ttl_hours", 0)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("redis.url", "")
	configViper.SetDefault("catalog.base_url", defaultCatalogBaseURL)
	configViper.SetDefault("catalog.timeout_seconds", defaultCatalogTimeout)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("mail.provider", defaultMailProvider)
	configViper.SetDefault("mail.from", "")
	configViper.SetDefault("sendgrid.api_key", "")
	configViper.SetDefault("emailjs.service_id", "")
	configViper.SetDefault("emailjs.template_id", "")
	configViper.SetDefault("emailjs.public_key", "")
	configViper.SetDefault("emailjs.endpoint", defaultEmailJSEndpoint)
	configViper.SetDefault("ratelimit.per_minute", defaultRatePerMinute)
	configViper.SetDefault("ratelimit.burst", defaultRateBurst)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		AllowedOrigins:    splitList(configViper.GetString("http.allowed_origins")),
		LogLevel:          configViper.GetString("log.level"),
		LogFormat:         configViper.GetString("log.format"),
		StoreDriver:       strings.ToLower(strings.TrimSpace(configViper.GetString("store.driver"))),
		DatabasePath:      configViper.GetString("database.path"),
		RedisURL:          configViper.GetString("redis.url"),
		StoreTTL:          time.Duration(configViper.GetInt("store.ttl_hours")) * time.Hour,
		CatalogBaseURL:    strings.TrimRight(configViper.GetString("catalog.base_url"), "/"),
		CatalogTimeout:    time.Duration(configViper.GetInt("catalog.timeout_seconds")) * time.Second,
		SigningSecret:     configViper.GetString("auth.signing_secret"),
		TokenTTL:          time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		MailProvider:      strings.ToLower(strings.TrimSpace(configViper.GetString("mail.provider"))),
		MailFrom:          configViper.GetString("mail.from"),
		SendGridAPIKey:    configViper.GetString("sendgrid.api_key"),
		EmailJSServiceID:  configViper.GetString("emailjs.service_id"),
		EmailJSTemplateID: configViper.GetString("emailjs.template_id"),
		EmailJSPublicKey:  configViper.GetString("emailjs.public_key"),
		EmailJSEndpoint:   configViper.GetString("emailjs.endpoint"),
		RatePerMinute:     configViper.GetInt("ratelimit.per_minute"),
		RateBurst:         configViper.GetInt("ratelimit.burst"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.CatalogBaseURL) == "" {
		return fmt.Errorf("catalog.base_url is required")
	}
	if c.CatalogTimeout <= 0 {
		return fmt.Errorf("catalog.timeout_seconds must be positive")
	}

	switch c.StoreDriver {
	case StoreDriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case StoreDriverRedis:
		if strings.TrimSpace(c.RedisURL) == "" {
			return fmt.Errorf("redis.url is required when store.driver is redis")
		}
	default:
		return fmt.Errorf("unsupported store.driver %q", c.StoreDriver)
	}

	switch c.MailProvider {
	case MailProviderLog:
	case MailProviderSendGrid:
		if strings.TrimSpace(c.SendGridAPIKey) == "" {
			return fmt.Errorf("sendgrid.api_key is required")
		}
		if strings.TrimSpace(c.MailFrom) == "" {
			return fmt.Errorf("mail.from is required")
		}
	case MailProviderEmailJS:
		if strings.TrimSpace(c.EmailJSServiceID) == "" || strings.TrimSpace(c.EmailJSTemplateID) == "" || strings.TrimSpace(c.EmailJSPublicKey) == "" {
			return fmt.Errorf("emailjs.service_id, emailjs.template_id and emailjs.public_key are required")
		}
	default:
		return fmt.Errorf("unsupported mail.provider %q", c.MailProvider)
	}

	if c.RatePerMinute <= 0 || c.RateBurst <= 0 {
		return fmt.Errorf("ratelimit.per_minute and ratelimit.burst must be positive")
	}
	return nil
}

func splitList(value string) []string {
	var items []string
	for _, item := range strings.Split(value, ",") {
		item = strings.TrimRight(strings.TrimSpace(item), "/")
		if item != "" {
			items = append(items, item)
		}
	}
	return items
}
