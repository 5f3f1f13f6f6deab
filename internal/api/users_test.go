package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"

	"github.com/nerrad567/authcore/internal/auth"
	"github.com/nerrad567/authcore/internal/guard"
)

func TestMe(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "alice@example.com", auth.RoleBasic)
	pair, _ := env.login(t, "alice@example.com")

	w := env.do(bearer(httptest.NewRequest(http.MethodGet, "/api/v1/me", nil), pair.AccessToken))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp meResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if resp.ID != user.ID || resp.Email != "alice@example.com" || resp.Role != auth.RoleBasic {
		t.Errorf("identity = %+v", resp.Identity)
	}
	if !slices.Contains(resp.Permissions, "orders:create") {
		t.Errorf("permissions = %v, want orders:create", resp.Permissions)
	}
	if slices.Contains(resp.Permissions, "users:read") {
		t.Errorf("permissions = %v, basic must not read users", resp.Permissions)
	}
}

func TestMe_CookieAuth(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, "alice@example.com", auth.RoleBasic)
	_, cookies := env.login(t, "alice@example.com")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
	req.AddCookie(findCookie(cookies, AccessCookieName))

	if w := env.do(req); w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 via access cookie", w.Code)
	}
}

func TestListUsers(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, "admin@example.com", auth.RoleAdmin)
	env.createUser(t, "op@example.com", auth.RoleOperator)
	env.createUser(t, "basic@example.com", auth.RoleBasic)

	tests := []struct {
		name  string
		email string
		want  int
	}{
		{"admin", "admin@example.com", http.StatusOK},
		{"operator", "op@example.com", http.StatusOK},
		{"basic", "basic@example.com", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pair, _ := env.login(t, tt.email)
			w := env.do(bearer(httptest.NewRequest(http.MethodGet, "/api/v1/users/", nil), pair.AccessToken))
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
			if tt.want != http.StatusOK {
				return
			}

			var resp struct {
				Users []auth.User `json:"users"`
				Count int         `json:"count"`
			}
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decoding: %v", err)
			}
			if resp.Count != 3 || len(resp.Users) != 3 {
				t.Errorf("count = %d (%d users), want 3", resp.Count, len(resp.Users))
			}
			if strings.Contains(w.Body.String(), "$argon2id$") || strings.Contains(w.Body.String(), "password_hash") {
				t.Error("user listing leaked a password hash")
			}
		})
	}
}

func TestCreateUser(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, "admin@example.com", auth.RoleAdmin)
	env.createUser(t, "taken@example.com", auth.RoleBasic)
	admin, _ := env.login(t, "admin@example.com")

	tests := []struct {
		name     string
		body     createUserRequest
		want     int
		wantRole auth.Role
	}{
		{"defaults to basic", createUserRequest{Email: "new@example.com", Password: "a-long-enough-pass"}, http.StatusCreated, auth.RoleBasic},
		{"explicit operator", createUserRequest{Email: "op2@example.com", Password: "a-long-enough-pass", Role: "operator"}, http.StatusCreated, auth.RoleOperator},
		{"duplicate email", createUserRequest{Email: "taken@example.com", Password: "a-long-enough-pass"}, http.StatusConflict, ""},
		{"short password", createUserRequest{Email: "short@example.com", Password: "short"}, http.StatusUnprocessableEntity, ""},
		{"bad role", createUserRequest{Email: "role@example.com", Password: "a-long-enough-pass", Role: "root"}, http.StatusUnprocessableEntity, ""},
		{"bad email", createUserRequest{Email: "not-an-email", Password: "a-long-enough-pass"}, http.StatusUnprocessableEntity, ""},
		{"missing password", createUserRequest{Email: "np@example.com"}, http.StatusBadRequest, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(bearer(jsonRequest(t, http.MethodPost, "/api/v1/users/", tt.body), admin.AccessToken))
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
			if tt.want != http.StatusCreated {
				return
			}
			var u auth.User
			if err := json.Unmarshal(w.Body.Bytes(), &u); err != nil {
				t.Fatalf("decoding: %v", err)
			}
			if u.ID == "" || u.Role != tt.wantRole || !u.IsActive {
				t.Errorf("created = %+v, want role %s active", u, tt.wantRole)
			}
		})
	}
}

func TestCreateUser_OperatorForbidden(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, "op@example.com", auth.RoleOperator)
	op, _ := env.login(t, "op@example.com")

	w := env.do(bearer(jsonRequest(t, http.MethodPost, "/api/v1/users/",
		createUserRequest{Email: "x@example.com", Password: "a-long-enough-pass"}), op.AccessToken))
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
}

// A role change is visible on the next refresh; the outstanding access
// token keeps the old role until it expires.
func TestUpdateUserRole_TakesEffectOnRefresh(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, "admin@example.com", auth.RoleAdmin)
	target := env.createUser(t, "target@example.com", auth.RoleBasic)
	admin, _ := env.login(t, "admin@example.com")
	before, _ := env.login(t, "target@example.com")

	w := env.do(bearer(jsonRequest(t, http.MethodPatch, "/api/v1/users/"+target.ID+"/role",
		updateRoleRequest{Role: "operator"}), admin.AccessToken))
	if w.Code != http.StatusOK {
		t.Fatalf("role change status = %d, body = %s", w.Code, w.Body.String())
	}
	var updated auth.User
	if err := json.Unmarshal(w.Body.Bytes(), &updated); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if updated.Role != auth.RoleOperator {
		t.Errorf("role = %s, want operator", updated.Role)
	}

	w = env.do(bearer(httptest.NewRequest(http.MethodGet, "/api/v1/users/", nil), before.AccessToken))
	if w.Code != http.StatusForbidden {
		t.Errorf("old access token status = %d, want 403", w.Code)
	}

	w = env.refreshWith(t, before.RefreshToken)
	if w.Code != http.StatusOK {
		t.Fatalf("refresh status = %d", w.Code)
	}
	var after tokenResponse
	if err := json.Unmarshal(w.Body.Bytes(), &after); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if after.User.Role != auth.RoleOperator {
		t.Errorf("refreshed role = %s, want operator", after.User.Role)
	}

	w = env.do(bearer(httptest.NewRequest(http.MethodGet, "/api/v1/users/", nil), after.AccessToken))
	if w.Code != http.StatusOK {
		t.Errorf("new access token status = %d, want 200", w.Code)
	}
}

func TestUpdateUserRole_Errors(t *testing.T) {
	env := newTestEnv(t)
	adminUser := env.createUser(t, "admin@example.com", auth.RoleAdmin)
	target := env.createUser(t, "target@example.com", auth.RoleBasic)
	admin, _ := env.login(t, "admin@example.com")

	tests := []struct {
		name string
		id   string
		role string
		want int
	}{
		{"own role", adminUser.ID, "basic", http.StatusForbidden},
		{"unknown user", "usr-missing", "operator", http.StatusNotFound},
		{"invalid role", target.ID, "superuser", http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(bearer(jsonRequest(t, http.MethodPatch, "/api/v1/users/"+tt.id+"/role",
				updateRoleRequest{Role: tt.role}), admin.AccessToken))
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestDeactivatedUserCannotRefresh(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "alice@example.com", auth.RoleBasic)
	pair, _ := env.login(t, "alice@example.com")

	if err := env.users.SetActive(t.Context(), user.ID, false); err != nil {
		t.Fatalf("SetActive() error = %v", err)
	}

	w := env.refreshWith(t, pair.RefreshToken)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if got := decodeError(t, w).Code; got != guard.ReasonRevokedToken {
		t.Errorf("code = %q, want %q", got, guard.ReasonRevokedToken)
	}
}
