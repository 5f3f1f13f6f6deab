package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/authcore/internal/audit"
	"github.com/nerrad567/authcore/internal/auth"
	"github.com/nerrad567/authcore/internal/guard"
)

func TestLogin_Success(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "alice@example.com", auth.RoleBasic)

	resp, cookies := env.login(t, "alice@example.com")

	if resp.AccessToken == "" || resp.RefreshToken == "" {
		t.Fatal("login response is missing tokens")
	}
	if resp.TokenType != "Bearer" {
		t.Errorf("TokenType = %q, want Bearer", resp.TokenType)
	}
	if resp.User.ID != user.ID || resp.User.Role != auth.RoleBasic {
		t.Errorf("User = %+v, want id %s role basic", resp.User, user.ID)
	}
	if resp.ExpiresIn != int(env.tokens.AccessTTL().Seconds()) {
		t.Errorf("ExpiresIn = %d, want %d", resp.ExpiresIn, int(env.tokens.AccessTTL().Seconds()))
	}

	access := findCookie(cookies, AccessCookieName)
	refresh := findCookie(cookies, RefreshCookieName)
	if access == nil || refresh == nil {
		t.Fatalf("cookies = %v, want access and refresh cookies", cookies)
	}
	for _, c := range []*http.Cookie{access, refresh} {
		if !c.HttpOnly {
			t.Errorf("cookie %s is not HttpOnly", c.Name)
		}
		if !c.Secure {
			t.Errorf("cookie %s is not Secure", c.Name)
		}
		if c.SameSite != http.SameSiteStrictMode {
			t.Errorf("cookie %s SameSite = %v, want Strict", c.Name, c.SameSite)
		}
	}
	if access.Path != "/" {
		t.Errorf("access cookie path = %q, want /", access.Path)
	}
	if refresh.Path != "/api/v1/auth" {
		t.Errorf("refresh cookie path = %q, want /api/v1/auth", refresh.Path)
	}
	if access.Value != resp.AccessToken {
		t.Error("access cookie does not carry the issued access token")
	}

	rec := env.lastAudit(t)
	if rec.Resource != audit.ResourceSessions || rec.Action != "login" {
		t.Errorf("audit = %s/%s, want sessions/login", rec.Resource, rec.Action)
	}
	if rec.Outcome != audit.OutcomeAllowed || rec.ActorID != user.ID {
		t.Errorf("audit outcome/actor = %s/%s, want ALLOWED/%s", rec.Outcome, rec.ActorID, user.ID)
	}
}

func TestLogin_InvalidCredentials(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, "alice@example.com", auth.RoleBasic)

	tests := []struct {
		name     string
		email    string
		password string
	}{
		{"wrong password", "alice@example.com", "not-the-right-one"},
		{"unknown email", "nobody@example.com", testPassword},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(jsonRequest(t, http.MethodPost, "/api/v1/auth/login",
				loginRequest{Email: tt.email, Password: tt.password}))

			if w.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", w.Code)
			}
			body := decodeError(t, w)
			if body.Code != ErrCodeInvalidLogin {
				t.Errorf("code = %q, want %q", body.Code, ErrCodeInvalidLogin)
			}
			if len(w.Result().Cookies()) != 0 {
				t.Error("failed login set cookies")
			}

			rec := env.lastAudit(t)
			if rec.Outcome != audit.OutcomeDenied || rec.Reason != "invalid_credentials" {
				t.Errorf("audit = %s/%s, want DENIED/invalid_credentials", rec.Outcome, rec.Reason)
			}
		})
	}
}

func TestLogin_BadRequest(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", "{not json"},
		{"missing password", `{"email":"alice@example.com"}`},
		{"missing email", `{"password":"correct-horse-battery"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(tt.body))
			w := env.do(req)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestRefresh_ViaCookieAndBody(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, "alice@example.com", auth.RoleBasic)

	first, _ := env.login(t, "alice@example.com")

	w := env.refreshWith(t, first.RefreshToken)
	if w.Code != http.StatusOK {
		t.Fatalf("cookie refresh status = %d, body = %s", w.Code, w.Body.String())
	}
	var second tokenResponse
	if err := json.Unmarshal(w.Body.Bytes(), &second); err != nil {
		t.Fatalf("decoding refresh response: %v", err)
	}
	if second.RefreshToken == first.RefreshToken {
		t.Error("refresh did not rotate the refresh token")
	}
	if findCookie(w.Result().Cookies(), RefreshCookieName) == nil {
		t.Error("refresh did not set a new refresh cookie")
	}

	w = env.do(jsonRequest(t, http.MethodPost, "/api/v1/auth/refresh", refreshRequest{RefreshToken: second.RefreshToken}))
	if w.Code != http.StatusOK {
		t.Fatalf("body refresh status = %d, body = %s", w.Code, w.Body.String())
	}

	rec := env.lastAudit(t)
	if rec.Action != "refresh" || rec.Reason != "token_rotated" {
		t.Errorf("audit = %s/%s, want refresh/token_rotated", rec.Action, rec.Reason)
	}
}

func TestRefresh_Rejections(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, "alice@example.com", auth.RoleBasic)
	pair, _ := env.login(t, "alice@example.com")

	t.Run("missing token", func(t *testing.T) {
		w := env.do(httptest.NewRequest(http.MethodPost, "/api/v1/auth/refresh", nil))
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", w.Code)
		}
		if got := decodeError(t, w).Code; got != guard.ReasonMissingToken {
			t.Errorf("code = %q, want %q", got, guard.ReasonMissingToken)
		}
	})

	t.Run("access token presented as refresh", func(t *testing.T) {
		w := env.refreshWith(t, pair.AccessToken)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", w.Code)
		}
		if got := decodeError(t, w).Code; got != guard.ReasonInvalidToken {
			t.Errorf("code = %q, want %q", got, guard.ReasonInvalidToken)
		}
		if c := findCookie(w.Result().Cookies(), RefreshCookieName); c == nil || c.MaxAge >= 0 {
			t.Error("rejected refresh did not clear the refresh cookie")
		}
	})

	t.Run("expired refresh token", func(t *testing.T) {
		env.clock.Advance(env.tokens.RefreshTTL() + time.Second)
		w := env.refreshWith(t, pair.RefreshToken)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", w.Code)
		}
		body := decodeError(t, w)
		if body.Code != guard.ReasonExpiredToken || !body.Expired {
			t.Errorf("body = %+v, want expired_token with expired=true", body)
		}
	})
}

func TestVerify(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "alice@example.com", auth.RoleOperator)
	pair, _ := env.login(t, "alice@example.com")

	w := env.do(bearer(httptest.NewRequest(http.MethodGet, "/api/v1/auth/verify", nil), pair.AccessToken))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var id auth.Identity
	if err := json.Unmarshal(w.Body.Bytes(), &id); err != nil {
		t.Fatalf("decoding identity: %v", err)
	}
	if id.ID != user.ID || id.Role != auth.RoleOperator {
		t.Errorf("identity = %+v, want %s/operator", id, user.ID)
	}

	rec := env.lastAudit(t)
	if rec.Action != "verify" || rec.Reason != guard.ReasonAuthenticated {
		t.Errorf("audit = %s/%s, want verify/authenticated", rec.Action, rec.Reason)
	}

	w = env.do(httptest.NewRequest(http.MethodGet, "/api/v1/auth/verify", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated verify status = %d, want 401", w.Code)
	}
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "alice@example.com", auth.RoleBasic)
	pair, _ := env.login(t, "alice@example.com")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/logout", nil)
	req.AddCookie(&http.Cookie{Name: RefreshCookieName, Value: pair.RefreshToken})
	w := env.do(req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	for _, name := range []string{AccessCookieName, RefreshCookieName} {
		c := findCookie(w.Result().Cookies(), name)
		if c == nil || c.MaxAge >= 0 || c.Value != "" {
			t.Errorf("cookie %s not cleared: %+v", name, c)
		}
	}

	rec := env.lastAudit(t)
	if rec.Action != "logout" || rec.ActorID != user.ID || rec.Outcome != audit.OutcomeAllowed {
		t.Errorf("audit = %+v, want ALLOWED logout by %s", rec, user.ID)
	}
}

func TestLogout_WithoutTokenSucceeds(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(httptest.NewRequest(http.MethodPost, "/api/v1/auth/logout", nil))
	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", w.Code)
	}

	w = env.do(jsonRequest(t, http.MethodPost, "/api/v1/auth/logout", refreshRequest{RefreshToken: "garbage"}))
	if w.Code != http.StatusNoContent {
		t.Errorf("garbage token status = %d, want 204", w.Code)
	}
}

// Scenario A: a basic user attempts an admin-only operation.
func TestScenario_BasicUserDeniedAdminOperation(t *testing.T) {
	env := newTestEnv(t)
	basic := env.createUser(t, "basic@example.com", auth.RoleBasic)
	target := env.createUser(t, "target@example.com", auth.RoleBasic)
	pair, _ := env.login(t, "basic@example.com")

	req := bearer(jsonRequest(t, http.MethodPatch, "/api/v1/users/"+target.ID+"/role",
		updateRoleRequest{Role: "admin"}), pair.AccessToken)
	w := env.do(req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	if got := decodeError(t, w).Code; got != guard.ReasonPermissionDenied {
		t.Errorf("code = %q, want %q", got, guard.ReasonPermissionDenied)
	}

	rec := env.lastAudit(t)
	if rec.Outcome != audit.OutcomeDenied || rec.Reason != guard.ReasonPermissionDenied {
		t.Errorf("audit = %s/%s, want DENIED/permission_denied", rec.Outcome, rec.Reason)
	}
	if rec.ActorID != basic.ID || rec.Resource != "users" || rec.Action != "manage" {
		t.Errorf("audit = %s %s:%s, want %s users:manage", rec.ActorID, rec.Resource, rec.Action, basic.ID)
	}

	u, err := env.users.GetByID(t.Context(), target.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if u.Role != auth.RoleBasic {
		t.Errorf("target role = %s, want unchanged basic", u.Role)
	}
}

// Scenario B: an access token expires, the client refreshes and retries.
func TestScenario_ExpiredAccessTokenRefreshAndRetry(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, "alice@example.com", auth.RoleBasic)
	pair, _ := env.login(t, "alice@example.com")

	env.clock.Advance(env.tokens.AccessTTL() + time.Second)

	w := env.do(bearer(httptest.NewRequest(http.MethodGet, "/api/v1/me", nil), pair.AccessToken))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expired status = %d, want 401", w.Code)
	}
	body := decodeError(t, w)
	if body.Code != guard.ReasonExpiredToken || !body.Expired {
		t.Errorf("body = %+v, want expired_token with expired=true", body)
	}
	if w.Header().Get("X-Token-Expired") != "true" {
		t.Error("X-Token-Expired header missing")
	}

	w = env.refreshWith(t, pair.RefreshToken)
	if w.Code != http.StatusOK {
		t.Fatalf("refresh status = %d, body = %s", w.Code, w.Body.String())
	}
	var fresh tokenResponse
	if err := json.Unmarshal(w.Body.Bytes(), &fresh); err != nil {
		t.Fatalf("decoding refresh: %v", err)
	}

	w = env.do(bearer(httptest.NewRequest(http.MethodGet, "/api/v1/me", nil), fresh.AccessToken))
	if w.Code != http.StatusOK {
		t.Fatalf("retry status = %d, body = %s", w.Code, w.Body.String())
	}
}

// Scenario C: a refresh token is unusable after logout.
func TestScenario_RefreshAfterLogoutRejected(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, "alice@example.com", auth.RoleBasic)
	pair, _ := env.login(t, "alice@example.com")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/logout", nil)
	req.AddCookie(&http.Cookie{Name: RefreshCookieName, Value: pair.RefreshToken})
	if w := env.do(req); w.Code != http.StatusNoContent {
		t.Fatalf("logout status = %d, want 204", w.Code)
	}

	w := env.refreshWith(t, pair.RefreshToken)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("refresh status = %d, want 401", w.Code)
	}
	if got := decodeError(t, w).Code; got != guard.ReasonRevokedToken {
		t.Errorf("code = %q, want %q", got, guard.ReasonRevokedToken)
	}

	rec := env.lastAudit(t)
	if rec.Outcome != audit.OutcomeDenied || rec.Reason != guard.ReasonRevokedToken {
		t.Errorf("audit = %s/%s, want DENIED/revoked_token", rec.Outcome, rec.Reason)
	}
}

// Scenario D: concurrent refreshes with one token; exactly one wins.
func TestScenario_ConcurrentRefreshSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, "alice@example.com", auth.RoleBasic)
	pair, _ := env.login(t, "alice@example.com")

	const n = 8
	codes := make([]int, n)
	reasons := make([]string, n)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/refresh", nil)
			req.AddCookie(&http.Cookie{Name: RefreshCookieName, Value: pair.RefreshToken})
			w := env.do(req)
			codes[i] = w.Code
			if w.Code != http.StatusOK {
				var body guard.Rejection
				if err := json.Unmarshal(w.Body.Bytes(), &body); err == nil {
					reasons[i] = body.Code
				}
			}
		}(i)
	}
	close(start)
	wg.Wait()

	var ok, revoked int
	for i, code := range codes {
		switch {
		case code == http.StatusOK:
			ok++
		case code == http.StatusUnauthorized && reasons[i] == guard.ReasonRevokedToken:
			revoked++
		default:
			t.Errorf("request %d: status %d reason %q", i, code, reasons[i])
		}
	}
	if ok != 1 || revoked != n-1 {
		t.Errorf("got %d OK and %d revoked, want 1 and %d", ok, revoked, n-1)
	}

	res, err := env.auditRepo.List(t.Context(), audit.Filter{Resource: audit.ResourceSessions, Limit: 50})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	var refreshes int
	for _, rec := range res.Records {
		if rec.Action == "refresh" {
			refreshes++
		}
	}
	if refreshes != n {
		t.Errorf("refresh audit records = %d, want %d", refreshes, n)
	}
}

func TestRateLimit_AuthRoutes(t *testing.T) {
	env := newTestEnv(t, withRateLimit(60, 2))

	var limited int
	for i := range 4 {
		req := jsonRequest(t, http.MethodPost, "/api/v1/auth/login",
			loginRequest{Email: fmt.Sprintf("user%d@example.com", i), Password: "wrong-password-123"})
		w := env.do(req)
		if w.Code == http.StatusTooManyRequests {
			limited++
			if w.Header().Get("Retry-After") == "" {
				t.Error("429 without Retry-After")
			}
			if got := decodeError(t, w).Code; got != ErrCodeRateLimited {
				t.Errorf("code = %q, want %q", got, ErrCodeRateLimited)
			}
		}
	}
	if limited != 2 {
		t.Errorf("rate limited requests = %d, want 2", limited)
	}

	// Verify is not rate limited.
	for range 4 {
		w := env.do(httptest.NewRequest(http.MethodGet, "/api/v1/auth/verify", nil))
		if w.Code == http.StatusTooManyRequests {
			t.Fatal("verify route was rate limited")
		}
	}
}

func TestLogin_OmitBodyTokens(t *testing.T) {
	env := newTestEnv(t, withOmitBodyTokens())
	env.createUser(t, "alice@example.com", auth.RoleBasic)

	resp, cookies := env.login(t, "alice@example.com")
	if resp.AccessToken != "" || resp.RefreshToken != "" {
		t.Error("tokens present in the body with cookie-only delivery")
	}
	if resp.User.Email != "alice@example.com" || resp.ExpiresIn <= 0 {
		t.Errorf("response = %+v, want user and expiry", resp)
	}
	refresh := findCookie(cookies, RefreshCookieName)
	if refresh == nil || refresh.Value == "" {
		t.Fatal("refresh cookie not set")
	}

	w := env.refreshWith(t, refresh.Value)
	if w.Code != http.StatusOK {
		t.Fatalf("refresh status = %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "refresh_token") {
		t.Errorf("refresh body carries tokens: %s", w.Body.String())
	}
}

// A failed user lookup during refresh must leave the refresh token usable.
func TestRefresh_TransientFailureKeepsSession(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "alice@example.com", auth.RoleBasic)
	pair, _ := env.login(t, "alice@example.com")

	if _, err := env.db.ExecContext(t.Context(), `ALTER TABLE users RENAME TO users_offline`); err != nil {
		t.Fatalf("taking users offline: %v", err)
	}
	w := env.refreshWith(t, pair.RefreshToken)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status during outage = %d, want 500", w.Code)
	}
	rec := env.lastAudit(t)
	if rec.Action != "refresh" || rec.Outcome != audit.OutcomeDenied || rec.Reason != "internal_error" || rec.ActorID != user.ID {
		t.Errorf("audit = %+v, want DENIED refresh internal_error by %s", rec, user.ID)
	}

	if _, err := env.db.ExecContext(t.Context(), `ALTER TABLE users_offline RENAME TO users`); err != nil {
		t.Fatalf("restoring users: %v", err)
	}
	w = env.refreshWith(t, pair.RefreshToken)
	if w.Code != http.StatusOK {
		t.Fatalf("retry status = %d, body = %s", w.Code, w.Body.String())
	}
	var next tokenResponse
	if err := json.Unmarshal(w.Body.Bytes(), &next); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if w := env.refreshWith(t, next.RefreshToken); w.Code != http.StatusOK {
		t.Errorf("follow-up refresh status = %d, want 200", w.Code)
	}
}
