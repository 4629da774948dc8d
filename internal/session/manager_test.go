package session

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/storefront/internal/catalog"
	"github.com/MarcoPoloResearchLab/storefront/internal/store"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type stubDirectory struct {
	users      []catalog.User
	listErr    error
	createID   int
	createErr  error
	listCalls  int
	registered []catalog.User
}

func (d *stubDirectory) ListUsers(context.Context) ([]catalog.User, error) {
	d.listCalls++
	return d.users, d.listErr
}

func (d *stubDirectory) CreateUser(_ context.Context, user catalog.User) (int, error) {
	d.registered = append(d.registered, user)
	return d.createID, d.createErr
}

func newScopedStore(t *testing.T) store.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "session.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&store.Entry{}); err != nil {
		t.Fatalf("failed to migrate store schema: %v", err)
	}
	backend, err := store.NewSQLiteBackend(db, nil)
	if err != nil {
		t.Fatalf("failed to build backend: %v", err)
	}
	scoped, err := backend.Scope("scope-1")
	if err != nil {
		t.Fatalf("failed to scope store: %v", err)
	}
	return scoped
}

func newManager(t *testing.T, scoped store.Store, directory *stubDirectory) *Manager {
	t.Helper()
	manager, err := NewManager(ManagerConfig{
		Store:     scoped,
		Directory: directory,
		RandomID:  func() int { return 424 },
	})
	if err != nil {
		t.Fatalf("failed to build manager: %v", err)
	}
	return manager
}

func TestRestoreSessionAdoptsPersistedIdentity(t *testing.T) {
	ctx := context.Background()
	scoped := newScopedStore(t)
	if err := store.PutJSON(ctx, scoped, store.IdentityKey(), Identity{Email: "a@example.com", Username: "a", ID: 3}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	directory := &stubDirectory{}
	manager := newManager(t, scoped, directory)

	identity, ok := manager.RestoreSession(ctx)
	if !ok {
		t.Fatalf("expected identity to be restored")
	}
	if identity.Email != "a@example.com" || identity.ID != 3 {
		t.Fatalf("unexpected identity: %#v", identity)
	}
	if directory.listCalls != 0 {
		t.Fatalf("restore must not call the remote directory")
	}
}

func TestRestoreSessionTreatsCorruptDataAsAbsent(t *testing.T) {
	ctx := context.Background()
	scoped := newScopedStore(t)
	if err := scoped.Put(ctx, store.IdentityKey(), []byte(`{"email":`)); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	manager := newManager(t, scoped, &stubDirectory{})

	if _, ok := manager.RestoreSession(ctx); ok {
		t.Fatalf("expected corrupt identity to be ignored")
	}
	if _, ok := manager.Current(); ok {
		t.Fatalf("expected no active identity")
	}
}

func TestAuthenticatePrefersLocalRecords(t *testing.T) {
	ctx := context.Background()
	scoped := newScopedStore(t)
	local := []CredentialRecord{{Email: "a@example.com", Password: "pw", Username: "local-a", ID: 77}}
	if err := store.PutJSON(ctx, scoped, store.LocalUsersKey(), local); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	directory := &stubDirectory{users: []catalog.User{{ID: 1, Email: "a@example.com", Password: "pw", Username: "remote-a"}}}
	manager := newManager(t, scoped, directory)

	result := manager.Authenticate(ctx, "a@example.com", "pw")
	if !result.OK {
		t.Fatalf("expected success, got %#v", result)
	}
	if result.Identity.Username != "local-a" || result.Identity.ID != 77 {
		t.Fatalf("expected local record to win, got %#v", result.Identity)
	}
	if directory.listCalls != 0 {
		t.Fatalf("expected no remote lookup after a local match")
	}

	var persisted Identity
	if found, err := store.GetJSON(ctx, scoped, store.IdentityKey(), &persisted); err != nil || !found {
		t.Fatalf("expected identity to be persisted, found=%v err=%v", found, err)
	}
	if persisted != result.Identity {
		t.Fatalf("persisted identity mismatch: %#v", persisted)
	}
	raw, found, _ := scoped.Get(ctx, store.UserIDKey())
	if !found || string(raw) != "77" {
		t.Fatalf("expected user id key to be persisted, got %q", raw)
	}
}

func TestAuthenticateFallsBackToRemoteCatalog(t *testing.T) {
	ctx := context.Background()
	directory := &stubDirectory{users: []catalog.User{
		{ID: 1, Email: "john@gmail.com", Password: "m38rmF$", Username: "johnd"},
	}}
	manager := newManager(t, newScopedStore(t), directory)

	result := manager.Authenticate(ctx, "john@gmail.com", "m38rmF$")
	if !result.OK {
		t.Fatalf("expected remote match, got %#v", result)
	}
	if result.Identity.ID != 1 || result.Identity.Username != "johnd" {
		t.Fatalf("unexpected identity: %#v", result.Identity)
	}
	current, ok := manager.Current()
	if !ok || current != result.Identity {
		t.Fatalf("expected identity to be active, got %#v", current)
	}
}

func TestAuthenticateMismatchReturnsMessage(t *testing.T) {
	ctx := context.Background()
	directory := &stubDirectory{users: []catalog.User{{ID: 1, Email: "john@gmail.com", Password: "right"}}}
	manager := newManager(t, newScopedStore(t), directory)

	result := manager.Authenticate(ctx, "john@gmail.com", "wrong")
	if result.OK {
		t.Fatalf("expected failure")
	}
	if result.Message != MessageInvalidCredentials {
		t.Fatalf("unexpected message %q", result.Message)
	}
	if !errors.Is(result.Err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", result.Err)
	}
	if _, ok := manager.Current(); ok {
		t.Fatalf("expected no active identity after mismatch")
	}
}

func TestAuthenticateSurfacesNetworkFailure(t *testing.T) {
	networkErr := errors.New("dial tcp: connection refused")
	manager := newManager(t, newScopedStore(t), &stubDirectory{listErr: networkErr})

	result := manager.Authenticate(context.Background(), "a@example.com", "pw")
	if result.OK {
		t.Fatalf("expected failure")
	}
	if !errors.Is(result.Err, networkErr) {
		t.Fatalf("expected network cause, got %v", result.Err)
	}
}

func TestRegisterTwiceFirstMatchWins(t *testing.T) {
	ctx := context.Background()
	scoped := newScopedStore(t)
	directory := &stubDirectory{createID: 11}
	manager := newManager(t, scoped, directory)

	if result := manager.Register(ctx, "dup@example.com", "first", ""); !result.OK {
		t.Fatalf("first registration failed: %#v", result)
	}
	if result := manager.Register(ctx, "dup@example.com", "second", "dup2"); !result.OK {
		t.Fatalf("second registration failed: %#v", result)
	}

	var records []CredentialRecord
	if _, err := store.GetJSON(ctx, scoped, store.LocalUsersKey(), &records); err != nil {
		t.Fatalf("failed to read local users: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected two local records, got %d", len(records))
	}

	if result := manager.Authenticate(ctx, "dup@example.com", "first"); !result.OK {
		t.Fatalf("expected first password to authenticate, got %#v", result)
	}
	if result := manager.Authenticate(ctx, "dup@example.com", "second"); result.OK {
		t.Fatalf("expected second password to be shadowed by the first record")
	}
}

func TestRegisterFillsDefaultsAndFallbackID(t *testing.T) {
	ctx := context.Background()
	directory := &stubDirectory{}
	manager := newManager(t, newScopedStore(t), directory)

	result := manager.Register(ctx, "jane@example.com", "pw", "")
	if !result.OK {
		t.Fatalf("expected success, got %#v", result)
	}
	if result.Identity.Username != "jane" {
		t.Fatalf("expected username derived from email, got %q", result.Identity.Username)
	}
	if result.Identity.ID != 424 {
		t.Fatalf("expected fallback id, got %d", result.Identity.ID)
	}
	if len(directory.registered) != 1 || directory.registered[0].Name.Firstname != "John" {
		t.Fatalf("expected default profile to be submitted, got %#v", directory.registered)
	}
}

func TestRegisterFailsWhenSubmissionFails(t *testing.T) {
	ctx := context.Background()
	scoped := newScopedStore(t)
	manager := newManager(t, scoped, &stubDirectory{createErr: errors.New("timeout")})

	result := manager.Register(ctx, "jane@example.com", "pw", "jane")
	if result.OK || result.Err == nil {
		t.Fatalf("expected failure with cause, got %#v", result)
	}
	if _, found, _ := scoped.Get(ctx, store.LocalUsersKey()); found {
		t.Fatalf("expected no local record after failed submission")
	}
	if _, ok := manager.Current(); ok {
		t.Fatalf("expected no active identity")
	}
}

func TestSignOutIsIdempotent(t *testing.T) {
	ctx := context.Background()
	scoped := newScopedStore(t)
	manager := newManager(t, scoped, &stubDirectory{createID: 5})
	if result := manager.Register(ctx, "a@example.com", "pw", "a"); !result.OK {
		t.Fatalf("registration failed: %#v", result)
	}

	if err := manager.SignOut(ctx); err != nil {
		t.Fatalf("sign out failed: %v", err)
	}
	if err := manager.SignOut(ctx); err != nil {
		t.Fatalf("second sign out failed: %v", err)
	}
	if _, ok := manager.Current(); ok {
		t.Fatalf("expected no active identity")
	}
	for _, key := range store.IdentityKeys() {
		if _, found, _ := scoped.Get(ctx, key); found {
			t.Fatalf("expected %s to be removed", key)
		}
	}
	if _, found, _ := scoped.Get(ctx, store.LocalUsersKey()); !found {
		t.Fatalf("sign out must keep locally registered users")
	}
}

// flakyStore fails the next read of failKey once.
type flakyStore struct {
	store.Store
	failKey store.Key
	failErr error
}

func (s *flakyStore) Get(ctx context.Context, key store.Key) ([]byte, bool, error) {
	if s.failErr != nil && key == s.failKey {
		err := s.failErr
		s.failErr = nil
		return nil, false, err
	}
	return s.Store.Get(ctx, key)
}

func TestRegisterKeepsLocalUsersWhenReadFails(t *testing.T) {
	ctx := context.Background()
	scoped := &flakyStore{Store: newScopedStore(t), failKey: store.LocalUsersKey()}
	directory := &stubDirectory{createID: 11}
	manager := newManager(t, scoped, directory)

	if result := manager.Register(ctx, "first@example.com", "pw1", ""); !result.OK {
		t.Fatalf("first registration failed: %#v", result)
	}

	lockedErr := errors.New("database is locked")
	scoped.failErr = lockedErr
	result := manager.Register(ctx, "second@example.com", "pw2", "")
	if result.OK || !errors.Is(result.Err, lockedErr) {
		t.Fatalf("expected read failure to surface, got %#v", result)
	}
	if len(directory.registered) != 1 {
		t.Fatalf("expected no remote submission after a failed read, got %d", len(directory.registered))
	}

	var records []CredentialRecord
	if _, err := store.GetJSON(ctx, scoped, store.LocalUsersKey(), &records); err != nil {
		t.Fatalf("failed to read local users: %v", err)
	}
	if len(records) != 1 || records[0].Email != "first@example.com" {
		t.Fatalf("expected the first record to survive, got %#v", records)
	}
	if result := manager.Authenticate(ctx, "first@example.com", "pw1"); !result.OK {
		t.Fatalf("expected first registration to authenticate, got %#v", result)
	}
}

func TestAuthenticateSurfacesLocalReadFailure(t *testing.T) {
	ctx := context.Background()
	lockedErr := errors.New("database is locked")
	scoped := &flakyStore{Store: newScopedStore(t), failKey: store.LocalUsersKey(), failErr: lockedErr}
	directory := &stubDirectory{users: []catalog.User{{ID: 1, Email: "a@example.com", Password: "pw"}}}
	manager := newManager(t, scoped, directory)

	result := manager.Authenticate(ctx, "a@example.com", "pw")
	if result.OK || !errors.Is(result.Err, lockedErr) {
		t.Fatalf("expected read failure, got %#v", result)
	}
	if directory.listCalls != 0 {
		t.Fatalf("expected no remote lookup after a failed local read")
	}
}

func TestAuthenticateIgnoresMalformedLocalUsers(t *testing.T) {
	ctx := context.Background()
	scoped := newScopedStore(t)
	if err := scoped.Put(ctx, store.LocalUsersKey(), []byte(`[{"email":`)); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	directory := &stubDirectory{users: []catalog.User{{ID: 1, Email: "a@example.com", Password: "pw"}}}
	manager := newManager(t, scoped, directory)

	if result := manager.Authenticate(ctx, "a@example.com", "pw"); !result.OK {
		t.Fatalf("expected remote match, got %#v", result)
	}
}
