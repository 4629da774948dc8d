// Package session resolves and persists the identity of a store scope.
package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"

	"github.com/MarcoPoloResearchLab/storefront/internal/catalog"
	"github.com/MarcoPoloResearchLab/storefront/internal/store"
	"go.uber.org/zap"
)

// MessageInvalidCredentials is returned when neither credential source matches.
const MessageInvalidCredentials = "Invalid email or password"

const maxFallbackID = 1000

var (
	// ErrInvalidCredentials marks an authentication mismatch.
	ErrInvalidCredentials = errors.New("session: invalid credentials")
	errMissingStore       = errors.New("session: store required")
	errMissingDirectory   = errors.New("session: user directory required")
)

// UserDirectory is the remote user catalog.
type UserDirectory interface {
	ListUsers(ctx context.Context) ([]catalog.User, error)
	CreateUser(ctx context.Context, user catalog.User) (int, error)
}

// Result is the outcome of Authenticate and Register. A failed result carries
// a user-facing Message and, for service failures, the underlying Err.
type Result struct {
	OK       bool
	Identity Identity
	Message  string
	Err      error
}

func success(identity Identity) Result {
	return Result{OK: true, Identity: identity}
}

func failure(err error) Result {
	if errors.Is(err, ErrInvalidCredentials) {
		return Result{Message: MessageInvalidCredentials, Err: err}
	}
	return Result{Message: err.Error(), Err: err}
}

// ManagerConfig describes the dependencies of a Manager.
type ManagerConfig struct {
	Store     store.Store
	Directory UserDirectory
	Logger    *zap.Logger
	RandomID  func() int
}

// Manager owns the active identity of one scope.
type Manager struct {
	store     store.Store
	directory UserDirectory
	logger    *zap.Logger
	randomID  func() int

	mu      sync.RWMutex
	current *Identity
}

// NewManager constructs a Manager with no active identity.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Directory == nil {
		return nil, errMissingDirectory
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	randomID := cfg.RandomID
	if randomID == nil {
		randomID = func() int { return rand.IntN(maxFallbackID-1) + 1 }
	}
	return &Manager{
		store:     cfg.Store,
		directory: cfg.Directory,
		logger:    logger,
		randomID:  randomID,
	}, nil
}

// Current returns the active identity, if any.
func (m *Manager) Current() (Identity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return Identity{}, false
	}
	return *m.current, true
}

// RestoreSession adopts the persisted identity without any network call.
// Missing or unreadable data leaves the scope signed out.
func (m *Manager) RestoreSession(ctx context.Context) (Identity, bool) {
	var identity Identity
	found, err := store.GetJSON(ctx, m.store, store.IdentityKey(), &identity)
	if err != nil {
		m.logger.Warn("persisted identity ignored", zap.String("key", store.IdentityKey().String()), zap.Error(err))
	}
	if !found || err != nil || identity.Email == "" {
		m.setCurrent(nil)
		return Identity{}, false
	}
	m.setCurrent(&identity)
	return identity, true
}

// Authenticate matches email and password against the locally registered
// records first and the remote user catalog second. The first match wins;
// only the earliest local record of an email is ever considered.
func (m *Manager) Authenticate(ctx context.Context, email, password string) Result {
	local, err := m.localRecords(ctx)
	if err != nil {
		return failure(err)
	}
	for _, record := range local {
		if record.Email != email {
			continue
		}
		if record.matches(email, password) {
			return m.activate(ctx, record.identity())
		}
		break
	}

	users, err := m.directory.ListUsers(ctx)
	if err != nil {
		m.logger.Warn("remote user lookup failed", zap.Error(err))
		return failure(fmt.Errorf("session: user lookup failed: %w", err))
	}
	for _, user := range users {
		record := recordFromUser(user)
		if record.matches(email, password) {
			return m.activate(ctx, record.identity())
		}
	}

	return failure(ErrInvalidCredentials)
}

// Register submits a new credential record, appends it to the local list and
// signs it in. Registering an email twice keeps both records.
func (m *Manager) Register(ctx context.Context, email, password, username string) Result {
	record := newCredentialRecord(email, password, username)
	records, err := m.localRecords(ctx)
	if err != nil {
		return failure(err)
	}

	assignedID, err := m.directory.CreateUser(ctx, record.toUser())
	if err != nil {
		m.logger.Warn("remote user registration failed", zap.Error(err))
		return failure(fmt.Errorf("session: registration failed: %w", err))
	}
	if assignedID <= 0 {
		assignedID = m.randomID()
	}
	record.ID = assignedID

	records = append(records, record)
	if err := store.PutJSON(ctx, m.store, store.LocalUsersKey(), records); err != nil {
		return failure(fmt.Errorf("session: persist local users: %w", err))
	}

	return m.activate(ctx, record.identity())
}

// SignOut clears the active identity and its persisted keys. It is idempotent.
func (m *Manager) SignOut(ctx context.Context) error {
	m.setCurrent(nil)
	if err := m.store.Delete(ctx, store.IdentityKeys()...); err != nil {
		m.logger.Warn("failed to remove persisted identity", zap.Error(err))
		return fmt.Errorf("session: sign out: %w", err)
	}
	return nil
}

func (m *Manager) activate(ctx context.Context, identity Identity) Result {
	if err := m.persist(ctx, identity); err != nil {
		return failure(fmt.Errorf("session: persist identity: %w", err))
	}
	m.setCurrent(&identity)
	return success(identity)
}

func (m *Manager) persist(ctx context.Context, identity Identity) error {
	if err := store.PutJSON(ctx, m.store, store.IdentityKey(), identity); err != nil {
		return err
	}
	if err := m.store.Put(ctx, store.UserNameKey(), []byte(identity.Username)); err != nil {
		return err
	}
	return m.store.Put(ctx, store.UserIDKey(), []byte(strconv.Itoa(identity.ID)))
}

// localRecords returns the locally registered records. A malformed list is
// treated as empty; a failed read is returned.
func (m *Manager) localRecords(ctx context.Context) ([]CredentialRecord, error) {
	var records []CredentialRecord
	_, err := store.GetJSON(ctx, m.store, store.LocalUsersKey(), &records)
	switch {
	case err == nil:
		return records, nil
	case errors.Is(err, store.ErrMalformed):
		m.logger.Warn("local users ignored", zap.String("key", store.LocalUsersKey().String()), zap.Error(err))
		return nil, nil
	default:
		m.logger.Warn("local users unavailable", zap.Error(err))
		return nil, fmt.Errorf("session: read local users: %w", err)
	}
}

func (m *Manager) setCurrent(identity *Identity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = identity
}
