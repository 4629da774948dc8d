package cart

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/storefront/internal/catalog"
	"github.com/MarcoPoloResearchLab/storefront/internal/session"
	"github.com/MarcoPoloResearchLab/storefront/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultEnrichmentConcurrency = 8

// Origin tells where a synchronized cart came from.
type Origin string

const (
	OriginNone     Origin = "none"
	OriginSnapshot Origin = "snapshot"
	OriginRemote   Origin = "remote"
	OriginEmpty    Origin = "empty"
	OriginFailed   Origin = "failed"
)

var (
	// ErrSyncFailed marks a synchronization that fell back to an empty cart.
	ErrSyncFailed     = errors.New("cart: synchronization failed")
	errMissingSource  = errors.New("cart: remote source required")
	errMissingStore   = errors.New("cart: store required")
	errInvalidProduct = errors.New("cart: invalid product")
)

// RemoteSource provides remote carts and product details.
type RemoteSource interface {
	CartsForUser(ctx context.Context, userID int) ([]catalog.Cart, error)
	GetProduct(ctx context.Context, productID int) (catalog.Product, error)
}

// SynchronizerConfig describes the dependencies of a Synchronizer.
type SynchronizerConfig struct {
	Source      RemoteSource
	Logger      *zap.Logger
	Concurrency int
}

// Synchronizer loads the cart that belongs to an identity.
type Synchronizer struct {
	source      RemoteSource
	logger      *zap.Logger
	concurrency int
}

// NewSynchronizer constructs a Synchronizer.
func NewSynchronizer(cfg SynchronizerConfig) (*Synchronizer, error) {
	if cfg.Source == nil {
		return nil, errMissingSource
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultEnrichmentConcurrency
	}
	return &Synchronizer{source: cfg.Source, logger: logger, concurrency: concurrency}, nil
}

// Load resolves the cart of identity: the persisted snapshot when present,
// otherwise the first remote cart of the identity's remote id with every line
// enriched from the product service. A malformed snapshot counts as absent.
// Any other failure yields an empty cart and an
// error wrapping ErrSyncFailed.
func (s *Synchronizer) Load(ctx context.Context, scoped store.Store, identity *session.Identity) (Cart, Origin, error) {
	if identity == nil {
		return Cart{}, OriginNone, nil
	}

	var snapshot Cart
	found, err := store.GetJSON(ctx, scoped, store.CartKey(identity.Email), &snapshot)
	switch {
	case err != nil && !errors.Is(err, store.ErrMalformed):
		return s.fail(identity, fmt.Errorf("%w: read snapshot: %v", ErrSyncFailed, err))
	case err != nil:
		s.logger.Warn("cart snapshot ignored",
			zap.String("key", store.CartKey(identity.Email).String()),
			zap.Error(err))
	case found:
		return snapshot.normalize(), OriginSnapshot, nil
	}

	if !identity.HasRemoteID() {
		return Cart{}, OriginEmpty, nil
	}

	carts, err := s.source.CartsForUser(ctx, identity.ID)
	if err != nil {
		return s.fail(identity, fmt.Errorf("%w: remote carts: %v", ErrSyncFailed, err))
	}
	if len(carts) == 0 {
		return Cart{}, OriginEmpty, nil
	}

	enriched, err := s.enrich(ctx, carts[0].Products)
	if err != nil {
		return s.fail(identity, fmt.Errorf("%w: %v", ErrSyncFailed, err))
	}
	return enriched, OriginRemote, nil
}

// enrich fetches every distinct product of lines concurrently. All fetches
// must succeed; a single failure discards the whole cart.
func (s *Synchronizer) enrich(ctx context.Context, lines []catalog.CartLine) (Cart, error) {
	merged := make([]catalog.CartLine, 0, len(lines))
	positions := make(map[int]int, len(lines))
	for _, line := range lines {
		if index, seen := positions[line.ProductID]; seen {
			merged[index].Quantity += line.Quantity
			continue
		}
		positions[line.ProductID] = len(merged)
		merged = append(merged, line)
	}

	products := make([]catalog.Product, len(merged))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.concurrency)
	for index, line := range merged {
		group.Go(func() error {
			product, err := s.source.GetProduct(groupCtx, line.ProductID)
			if err != nil {
				return fmt.Errorf("product %d: %w", line.ProductID, err)
			}
			if product.ID != line.ProductID {
				return fmt.Errorf("%w: requested %d, received %d", errInvalidProduct, line.ProductID, product.ID)
			}
			products[index] = product
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	result := make(Cart, 0, len(merged))
	for index, line := range merged {
		result = append(result, lineFromProduct(products[index], line.Quantity))
	}
	return result, nil
}

func (s *Synchronizer) fail(identity *session.Identity, err error) (Cart, Origin, error) {
	s.logger.Warn("cart synchronization failed",
		zap.String("email", identity.Email),
		zap.Int("remote_user_id", identity.ID),
		zap.Error(err))
	return Cart{}, OriginFailed, err
}
