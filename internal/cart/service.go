package cart

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MarcoPoloResearchLab/storefront/internal/catalog"
	"github.com/MarcoPoloResearchLab/storefront/internal/session"
	"github.com/MarcoPoloResearchLab/storefront/internal/store"
	"go.uber.org/zap"
)

var (
	// ErrStaleSynchronization is returned when the identity changed while a
	// synchronization was in flight; its result was discarded.
	ErrStaleSynchronization = errors.New("cart: identity changed during synchronization")
	errMissingSynchronizer  = errors.New("cart: synchronizer required")
	noOpLogger              = zap.NewNop()
)

const (
	opServiceNew     = "cart.service.new"
	opSetIdentity    = "cart.set_identity"
	opAddItem        = "cart.add_item"
	opRemoveItem     = "cart.remove_item"
	opChangeQuantity = "cart.change_quantity"
	opClear          = "cart.clear"
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Snapshot is a read-only view of the cart with its derived totals.
type Snapshot struct {
	Email string
	Items Cart
	Total float64
	Count int
	Ready bool
}

// ServiceConfig describes the dependencies of a Service.
type ServiceConfig struct {
	Store        store.Store
	Synchronizer *Synchronizer
	Logger       *zap.Logger
	OnChange     func(Snapshot)
}

// Service holds the in-memory cart of one scope and persists every change of
// it under the active identity's snapshot key.
type Service struct {
	store        store.Store
	synchronizer *Synchronizer
	logger       *zap.Logger
	onChange     func(Snapshot)

	mu         sync.Mutex
	cart       Cart
	identity   *session.Identity
	generation uint64
	ready      bool
}

// NewService constructs a Service with an empty, ready cart and no identity.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	if cfg.Synchronizer == nil {
		return nil, newServiceError(opServiceNew, "missing_synchronizer", errMissingSynchronizer)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		store:        cfg.Store,
		synchronizer: cfg.Synchronizer,
		logger:       logger,
		onChange:     cfg.OnChange,
		cart:         Cart{},
		ready:        true,
	}, nil
}

// SetIdentity switches the cart to identity (nil signs out) and blocks until
// the synchronized cart is committed. A result whose identity was superseded
// meanwhile is dropped and ErrStaleSynchronization returned. A failed
// synchronization commits an empty cart and returns the cause.
func (s *Service) SetIdentity(ctx context.Context, identity *session.Identity) (Snapshot, error) {
	var owned *session.Identity
	if identity != nil {
		copied := *identity
		owned = &copied
	}

	s.mu.Lock()
	s.generation++
	generation := s.generation
	s.identity = owned
	s.ready = false
	s.mu.Unlock()

	loaded, origin, syncErr := s.synchronizer.Load(ctx, s.store, owned)

	s.mu.Lock()
	if s.generation != generation {
		s.mu.Unlock()
		s.logger.Debug("stale cart synchronization discarded", zap.String("origin", string(origin)))
		return Snapshot{}, newServiceError(opSetIdentity, "stale", ErrStaleSynchronization)
	}
	s.cart = loaded
	s.ready = true
	if owned != nil && syncErr == nil {
		if err := s.persistLocked(ctx, loaded); err != nil {
			s.mu.Unlock()
			s.logError(opSetIdentity, "persist_failed", err, zap.String("email", owned.Email))
			return s.Snapshot(), newServiceError(opSetIdentity, "persist_failed", err)
		}
	}
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snapshot)
	if syncErr != nil {
		return snapshot, newServiceError(opSetIdentity, "sync_failed", syncErr)
	}
	return snapshot, nil
}

// AddItem increments product's line or appends it with quantity 1.
func (s *Service) AddItem(ctx context.Context, product catalog.Product) (Snapshot, error) {
	return s.mutate(ctx, opAddItem, func(current Cart) Cart {
		return current.Add(product)
	})
}

// RemoveItem deletes the line of productID; unknown ids are a no-op.
func (s *Service) RemoveItem(ctx context.Context, productID int) (Snapshot, error) {
	return s.mutate(ctx, opRemoveItem, func(current Cart) Cart {
		return current.Remove(productID)
	})
}

// ChangeQuantity adds delta to the line of productID, never going below 1.
func (s *Service) ChangeQuantity(ctx context.Context, productID, delta int) (Snapshot, error) {
	return s.mutate(ctx, opChangeQuantity, func(current Cart) Cart {
		return current.ChangeQuantity(productID, delta)
	})
}

// Clear empties the cart.
func (s *Service) Clear(ctx context.Context) (Snapshot, error) {
	return s.mutate(ctx, opClear, func(current Cart) Cart {
		return current.Clear()
	})
}

// Snapshot returns the current cart and totals.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// mutate applies change and persists the result. A failed write leaves the
// previous cart in place.
func (s *Service) mutate(ctx context.Context, operation string, change func(Cart) Cart) (Snapshot, error) {
	s.mu.Lock()
	next := change(s.cart)
	if s.identity != nil {
		if err := s.persistLocked(ctx, next); err != nil {
			email := s.identity.Email
			s.mu.Unlock()
			s.logError(operation, "persist_failed", err, zap.String("email", email))
			return s.Snapshot(), newServiceError(operation, "persist_failed", err)
		}
	}
	s.cart = next
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snapshot)
	return snapshot, nil
}

func (s *Service) persistLocked(ctx context.Context, value Cart) error {
	if value == nil {
		value = Cart{}
	}
	return store.PutJSON(ctx, s.store, store.CartKey(s.identity.Email), value)
}

func (s *Service) snapshotLocked() Snapshot {
	items := s.cart.clone()
	snapshot := Snapshot{
		Items: items,
		Total: items.Total(),
		Count: items.Count(),
		Ready: s.ready,
	}
	if s.identity != nil {
		snapshot.Email = s.identity.Email
	}
	return snapshot
}

func (s *Service) notify(snapshot Snapshot) {
	if s.onChange != nil {
		s.onChange(snapshot)
	}
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("cart service error", attrs...)
}
