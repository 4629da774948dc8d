package storefront

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MarcoPoloResearchLab/storefront/internal/cart"
	"github.com/MarcoPoloResearchLab/storefront/internal/chat"
	"github.com/MarcoPoloResearchLab/storefront/internal/checkout"
	"github.com/MarcoPoloResearchLab/storefront/internal/session"
	"github.com/MarcoPoloResearchLab/storefront/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	errMissingBackend = errors.New("storefront: store backend required")
	errMissingCatalog = errors.New("storefront: catalog required")
)

// Catalog is the remote user, cart and product service.
type Catalog interface {
	session.UserDirectory
	cart.RemoteSource
}

// RegistryConfig describes the dependencies shared by every scope.
type RegistryConfig struct {
	Backend      store.Backend
	Catalog      Catalog
	Checkout     *checkout.Service
	Logger       *zap.Logger
	Concurrency  int
	RandomID     func() int
	OnCartChange func(scopeID string, snapshot cart.Snapshot)
}

// Registry builds one Storefront per scope and keeps it for later requests.
type Registry struct {
	backend      store.Backend
	catalog      Catalog
	checkout     *checkout.Service
	synchronizer *cart.Synchronizer
	logger       *zap.Logger
	randomID     func() int
	onCartChange func(string, cart.Snapshot)

	scopes sync.Map
}

// NewRegistry constructs a Registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Backend == nil {
		return nil, errMissingBackend
	}
	if cfg.Catalog == nil {
		return nil, errMissingCatalog
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	synchronizer, err := cart.NewSynchronizer(cart.SynchronizerConfig{
		Source:      cfg.Catalog,
		Logger:      logger,
		Concurrency: cfg.Concurrency,
	})
	if err != nil {
		return nil, err
	}
	return &Registry{
		backend:      cfg.Backend,
		catalog:      cfg.Catalog,
		checkout:     cfg.Checkout,
		synchronizer: synchronizer,
		logger:       logger,
		randomID:     cfg.RandomID,
		onCartChange: cfg.OnCartChange,
	}, nil
}

// NewScope issues a fresh scope id.
func (r *Registry) NewScope() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("storefront: new scope id: %w", err)
	}
	return id.String(), nil
}

// Get returns the storefront of scopeID, building and restoring it on first
// use.
func (r *Registry) Get(ctx context.Context, scopeID string) (*Storefront, error) {
	if existing, ok := r.scopes.Load(scopeID); ok {
		storefront := existing.(*Storefront)
		storefront.ensureRestored(ctx)
		return storefront, nil
	}

	built, err := r.build(scopeID)
	if err != nil {
		return nil, err
	}
	actual, _ := r.scopes.LoadOrStore(scopeID, built)
	storefront := actual.(*Storefront)
	storefront.ensureRestored(ctx)
	return storefront, nil
}

// Forget drops the cached storefront of scopeID. Persisted data is kept.
func (r *Registry) Forget(scopeID string) {
	r.scopes.Delete(scopeID)
}

func (r *Registry) build(scopeID string) (*Storefront, error) {
	scoped, err := r.backend.Scope(scopeID)
	if err != nil {
		return nil, fmt.Errorf("storefront: scope %q: %w", scopeID, err)
	}
	scopeLogger := r.logger.With(zap.String("scope", scopeID))

	manager, err := session.NewManager(session.ManagerConfig{
		Store:     scoped,
		Directory: r.catalog,
		Logger:    scopeLogger,
		RandomID:  r.randomID,
	})
	if err != nil {
		return nil, err
	}

	var onChange func(cart.Snapshot)
	if r.onCartChange != nil {
		onChange = func(snapshot cart.Snapshot) {
			r.onCartChange(scopeID, snapshot)
		}
	}
	carts, err := cart.NewService(cart.ServiceConfig{
		Store:        scoped,
		Synchronizer: r.synchronizer,
		Logger:       scopeLogger,
		OnChange:     onChange,
	})
	if err != nil {
		return nil, err
	}

	history, err := chat.NewHistory(chat.HistoryConfig{Store: scoped, Logger: scopeLogger})
	if err != nil {
		return nil, err
	}

	return &Storefront{
		scopeID:  scopeID,
		sessions: manager,
		carts:    carts,
		chat:     history,
		products: r.catalog,
		checkout: r.checkout,
		logger:   scopeLogger,
	}, nil
}
