package auth

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/authcore/internal/alert"
	"github.com/nerrad567/authcore/internal/infrastructure/config"
	"github.com/nerrad567/authcore/internal/infrastructure/database"
	"github.com/nerrad567/authcore/migrations"
)

var testSecret = []byte("test-signing-secret-0123456789abcdef")

// testDB creates a temporary SQLite database with every migration applied.
func testDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := database.Open(config.DatabaseConfig{
		Path:        filepath.Join(t.TempDir(), "auth-test.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(t.Context(), migrations.FS); err != nil {
		t.Fatalf("applying migrations: %v", err)
	}
	return db.DB
}

// seedTestUser inserts an active user with password "test-password-1" and returns it.
func seedTestUser(t *testing.T, db *sql.DB, email string, role Role) *User {
	t.Helper()

	hash, err := HashPassword("test-password-1")
	if err != nil {
		t.Fatalf("hashing password: %v", err)
	}

	repo := NewUserRepository(db)
	user := &User{
		Email:        email,
		DisplayName:  email,
		PasswordHash: hash,
		Role:         role,
		IsActive:     true,
	}
	if err := repo.Create(t.Context(), user); err != nil {
		t.Fatalf("creating test user %s: %v", email, err)
	}
	return user
}

// testClock is a settable clock for token expiry tests.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// staticResolver resolves identities from a map.
type staticResolver struct {
	mu  sync.Mutex
	ids map[string]Identity
	err error
}

func newStaticResolver(ids ...Identity) *staticResolver {
	r := &staticResolver{ids: make(map[string]Identity)}
	for _, id := range ids {
		r.ids[id.ID] = id
	}
	return r
}

func (r *staticResolver) ResolveIdentity(_ context.Context, userID string) (Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return Identity{}, r.err
	}
	id, ok := r.ids[userID]
	if !ok {
		return Identity{}, ErrUserNotFound
	}
	return id, nil
}

func (r *staticResolver) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *staticResolver) set(id Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids[id.ID] = id
}

// failingStore is a RevocationStore whose every call fails.
type failingStore struct{ err error }

func (f failingStore) IsRevoked(context.Context, string) (bool, error) { return false, f.err }
func (f failingStore) Revoke(context.Context, string, time.Time) error { return f.err }
func (f failingStore) RevokeIfActive(context.Context, string, time.Time) (bool, error) {
	return false, f.err
}
func (f failingStore) Prune(context.Context, time.Time) (int64, error) { return 0, f.err }

// blockingStore blocks until ctx is done, to exercise the store timeout.
type blockingStore struct{}

func (blockingStore) IsRevoked(ctx context.Context, _ string) (bool, error) {
	<-ctx.Done()
	return false, ctx.Err()
}
func (blockingStore) Revoke(ctx context.Context, _ string, _ time.Time) error {
	<-ctx.Done()
	return ctx.Err()
}
func (blockingStore) RevokeIfActive(ctx context.Context, _ string, _ time.Time) (bool, error) {
	<-ctx.Done()
	return false, ctx.Err()
}
func (blockingStore) Prune(ctx context.Context, _ time.Time) (int64, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

// recordingNotifier captures alerts.
type recordingNotifier struct {
	mu     sync.Mutex
	alerts []string
}

func (n *recordingNotifier) Notify(_ context.Context, a alert.Alert) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a.Component)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.alerts)
}

var alice = Identity{ID: "usr-alice", Email: "alice@example.com", Role: RoleBasic}

// newTestService builds a TokenService over a memory store with a fixed clock.
func newTestService(t *testing.T, opts ...Option) (*TokenService, *testClock, *MemoryRevocationStore, *staticResolver) {
	t.Helper()
	clock := newTestClock()
	store := NewMemoryRevocationStore()
	resolver := newStaticResolver(alice)
	all := append([]Option{WithClock(clock.Now)}, opts...)
	svc, err := NewTokenService(testSecret, store, resolver, all...)
	if err != nil {
		t.Fatalf("NewTokenService() error = %v", err)
	}
	return svc, clock, store, resolver
}
