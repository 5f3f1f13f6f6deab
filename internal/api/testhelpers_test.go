package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/authcore/internal/audit"
	"github.com/nerrad567/authcore/internal/auth"
	"github.com/nerrad567/authcore/internal/guard"
	"github.com/nerrad567/authcore/internal/infrastructure/config"
	"github.com/nerrad567/authcore/internal/infrastructure/database"
	"github.com/nerrad567/authcore/internal/infrastructure/logging"
	"github.com/nerrad567/authcore/internal/infrastructure/metrics"
	"github.com/nerrad567/authcore/migrations"
)

const (
	testSecret   = "api-test-signing-secret-0123456789abcdef"
	testPassword = "correct-horse-battery"
)

// testClock drives token expiry in tests.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// testEnv is a fully wired server over a temporary SQLite database.
type testEnv struct {
	srv       *Server
	handler   http.Handler
	db        *sql.DB
	users     *auth.SQLiteUserRepository
	tokens    *auth.TokenService
	clock     *testClock
	auditRepo *audit.SQLiteRepository
	auditLog  *audit.Logger
	hub       *Hub
	metrics   *metrics.Metrics
}

type envOption func(*Deps)

func withRateLimit(perMinute, burst int) envOption {
	return func(d *Deps) {
		d.Security.RateLimit = config.RateLimitConfig{Enabled: true, RequestsPerMinute: perMinute, Burst: burst}
	}
}

func withHealth(name string, c HealthChecker) envOption {
	return func(d *Deps) {
		if d.Health == nil {
			d.Health = make(map[string]HealthChecker)
		}
		d.Health[name] = c
	}
}

func withOmitBodyTokens() envOption {
	return func(d *Deps) { d.Security.Cookies.OmitBodyTokens = true }
}

func withCORS(origins ...string) envOption {
	return func(d *Deps) { d.Config.CORS.AllowedOrigins = origins }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	db, err := database.Open(config.DatabaseConfig{
		Path:        filepath.Join(t.TempDir(), "api-test.db"),
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

	log := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
	m := metrics.New()
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	users := auth.NewUserRepository(db.DB)
	tokens, err := auth.NewTokenService([]byte(testSecret),
		auth.NewSQLRevocationStore(db.DB, auth.DialectSQLite), users,
		auth.WithClock(clock.Now),
		auth.WithStoreTimeout(5*time.Second),
		auth.WithMetrics(m),
	)
	if err != nil {
		t.Fatalf("NewTokenService() error = %v", err)
	}
	authn, err := auth.NewAuthenticator(users, auth.WithAuthMetrics(m))
	if err != nil {
		t.Fatalf("NewAuthenticator() error = %v", err)
	}

	hub := NewHub(config.WebSocketConfig{MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10}, log)
	auditRepo := audit.NewSQLiteRepository(db.DB)
	auditLog := audit.NewLogger(auditRepo,
		audit.WithTimeout(5*time.Second),
		audit.WithSubscribers(hub),
		audit.WithMetrics(m),
	)

	deps := Deps{
		Config: config.APIConfig{
			Host:     "127.0.0.1",
			Timeouts: config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5},
		},
		WS:            config.WebSocketConfig{MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10},
		Security:      config.SecurityConfig{Cookies: config.CookieConfig{Secure: true}},
		Logger:        log,
		Metrics:       m,
		Tokens:        tokens,
		Authenticator: authn,
		Users:         users,
		Recorder:      auditLog,
		AuditRepo:     auditRepo,
		Hub:           hub,
		Version:       "test",
	}
	for _, opt := range opts {
		opt(&deps)
	}

	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	return &testEnv{
		srv:       srv,
		handler:   srv.Handler(),
		db:        db.DB,
		users:     users,
		tokens:    tokens,
		clock:     clock,
		auditRepo: auditRepo,
		auditLog:  auditLog,
		hub:       hub,
		metrics:   m,
	}
}

// createUser inserts an active account with testPassword.
func (e *testEnv) createUser(t *testing.T, email string, role auth.Role) *auth.User {
	t.Helper()

	hash, err := auth.HashPassword(testPassword)
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	u := &auth.User{Email: email, DisplayName: email, PasswordHash: hash, Role: role, IsActive: true}
	if err := e.users.Create(t.Context(), u); err != nil {
		t.Fatalf("creating user %s: %v", email, err)
	}
	return u
}

// do sends a request through the full router.
func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func jsonRequest(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func bearer(req *http.Request, token string) *http.Request {
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

// login performs POST /auth/login and returns the decoded body and cookies.
func (e *testEnv) login(t *testing.T, email string) (tokenResponse, []*http.Cookie) {
	t.Helper()

	w := e.do(jsonRequest(t, http.MethodPost, "/api/v1/auth/login", loginRequest{Email: email, Password: testPassword}))
	if w.Code != http.StatusOK {
		t.Fatalf("login(%s) status = %d, body = %s", email, w.Code, w.Body.String())
	}
	var resp tokenResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding login response: %v", err)
	}
	return resp, w.Result().Cookies()
}

// refreshWith performs POST /auth/refresh with the token in the refresh cookie.
func (e *testEnv) refreshWith(t *testing.T, refreshToken string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/refresh", nil)
	req.AddCookie(&http.Cookie{Name: RefreshCookieName, Value: refreshToken})
	return e.do(req)
}

// decodeError decodes a structured error or rejection body. Both share
// the status/code/message shape.
func decodeError(t *testing.T, w *httptest.ResponseRecorder) guard.Rejection {
	t.Helper()

	var body guard.Rejection
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding error body %q: %v", w.Body.String(), err)
	}
	return body
}

// lastAudit returns the newest audit record.
func (e *testEnv) lastAudit(t *testing.T) audit.Record {
	t.Helper()

	res, err := e.auditRepo.List(t.Context(), audit.Filter{Limit: 1})
	if err != nil {
		t.Fatalf("listing audit records: %v", err)
	}
	if len(res.Records) == 0 {
		t.Fatal("audit trail is empty")
	}
	return res.Records[0]
}

func findCookie(cookies []*http.Cookie, name string) *http.Cookie {
	for _, c := range cookies {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// fakeChecker is a HealthChecker with a fixed result.
type fakeChecker struct{ err error }

func (f fakeChecker) HealthCheck(context.Context) error { return f.err }
