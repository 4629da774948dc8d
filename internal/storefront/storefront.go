// Package storefront composes the session, cart and checkout of one client
// scope into a single application context.
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
	"go.uber.org/zap"
)

// ErrCheckoutUnavailable is returned when no checkout service is configured.
var ErrCheckoutUnavailable = errors.New("storefront: checkout unavailable")

// State is the session and cart of a scope at one point in time.
type State struct {
	Identity *session.Identity
	Cart     cart.Snapshot
}

// Storefront is the application context of one scope. Identity transitions
// are serialized so the cart always follows the latest identity.
type Storefront struct {
	scopeID  string
	sessions *session.Manager
	carts    *cart.Service
	chat     *chat.History
	products cart.RemoteSource
	checkout *checkout.Service
	logger   *zap.Logger

	transitions sync.Mutex
	restoreOnce sync.Once
}

// ScopeID returns the scope the storefront belongs to.
func (s *Storefront) ScopeID() string {
	return s.scopeID
}

// State returns the active identity and the cart snapshot.
func (s *Storefront) State() State {
	state := State{Cart: s.carts.Snapshot()}
	if identity, ok := s.sessions.Current(); ok {
		state.Identity = &identity
	}
	return state
}

// Restore adopts the persisted identity, if any, and synchronizes its cart.
func (s *Storefront) Restore(ctx context.Context) State {
	s.transitions.Lock()
	defer s.transitions.Unlock()

	identity, ok := s.sessions.RestoreSession(ctx)
	if !ok {
		s.synchronize(ctx, nil)
		return s.State()
	}
	s.logger.Debug("session restored", zap.String("scope", s.scopeID), zap.String("email", identity.Email))
	s.synchronize(ctx, &identity)
	return s.State()
}

func (s *Storefront) ensureRestored(ctx context.Context) {
	s.restoreOnce.Do(func() {
		s.Restore(ctx)
	})
}

// Login authenticates the scope and loads the cart of the new identity. A
// failed cart synchronization leaves the login successful with an empty cart.
func (s *Storefront) Login(ctx context.Context, email, password string) (session.Result, State) {
	s.transitions.Lock()
	defer s.transitions.Unlock()

	result := s.sessions.Authenticate(ctx, email, password)
	if !result.OK {
		return result, s.State()
	}
	identity := result.Identity
	s.synchronize(ctx, &identity)
	return result, s.State()
}

// Register creates a user, signs it in and loads its cart.
func (s *Storefront) Register(ctx context.Context, email, password, username string) (session.Result, State) {
	s.transitions.Lock()
	defer s.transitions.Unlock()

	result := s.sessions.Register(ctx, email, password, username)
	if !result.OK {
		return result, s.State()
	}
	identity := result.Identity
	s.synchronize(ctx, &identity)
	return result, s.State()
}

// Logout signs the scope out and empties the in-memory cart. The persisted
// cart snapshot of the former identity is kept.
func (s *Storefront) Logout(ctx context.Context) (State, error) {
	s.transitions.Lock()
	defer s.transitions.Unlock()

	signOutErr := s.sessions.SignOut(ctx)
	s.synchronize(ctx, nil)
	if signOutErr != nil {
		return s.State(), signOutErr
	}
	return s.State(), nil
}

// AddItem looks the product up and adds one unit of it to the cart.
func (s *Storefront) AddItem(ctx context.Context, productID int) (cart.Snapshot, error) {
	product, err := s.products.GetProduct(ctx, productID)
	if err != nil {
		return s.carts.Snapshot(), fmt.Errorf("storefront: product %d: %w", productID, err)
	}
	return s.carts.AddItem(ctx, product)
}

// RemoveItem removes the product's line from the cart.
func (s *Storefront) RemoveItem(ctx context.Context, productID int) (cart.Snapshot, error) {
	return s.carts.RemoveItem(ctx, productID)
}

// ChangeQuantity adjusts the product's quantity by delta, never below one.
func (s *Storefront) ChangeQuantity(ctx context.Context, productID, delta int) (cart.Snapshot, error) {
	return s.carts.ChangeQuantity(ctx, productID, delta)
}

// ClearCart empties the cart.
func (s *Storefront) ClearCart(ctx context.Context) (cart.Snapshot, error) {
	return s.carts.Clear(ctx)
}

// Checkout places an order for the current cart and clears the cart once the
// confirmation was delivered. A failed order leaves the cart untouched.
// Identity transitions wait until the order is settled, so the cart that is
// cleared is always the one that was ordered.
func (s *Storefront) Checkout(ctx context.Context, request checkout.Request) (checkout.Confirmation, error) {
	if s.checkout == nil {
		return checkout.Confirmation{}, ErrCheckoutUnavailable
	}
	s.transitions.Lock()
	defer s.transitions.Unlock()

	snapshot := s.carts.Snapshot()
	confirmation, err := s.checkout.PlaceOrder(ctx, snapshot.Items, request)
	if err != nil {
		return checkout.Confirmation{}, err
	}
	if _, err := s.carts.Clear(ctx); err != nil {
		s.logger.Warn("cart not cleared after order",
			zap.String("scope", s.scopeID),
			zap.Int("order_id", confirmation.OrderID),
			zap.Error(err))
	}
	return confirmation, nil
}

// ChatMessages returns the chat history of the scope, oldest first.
func (s *Storefront) ChatMessages(ctx context.Context) ([]chat.Message, error) {
	return s.chat.Messages(ctx)
}

// PostChatMessage appends a message to the chat history.
func (s *Storefront) PostChatMessage(ctx context.Context, role chat.Role, content string) (chat.Message, error) {
	return s.chat.Append(ctx, role, content)
}

// ClearChat removes the whole chat history.
func (s *Storefront) ClearChat(ctx context.Context) error {
	return s.chat.Clear(ctx)
}

func (s *Storefront) synchronize(ctx context.Context, identity *session.Identity) {
	if _, err := s.carts.SetIdentity(ctx, identity); err != nil {
		s.logger.Warn("cart synchronization incomplete",
			zap.String("scope", s.scopeID),
			zap.Error(err))
	}
}
