package auth

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
)

// Role represents an authorisation tier. Roles are totally ordered by privilege.
type Role string

const (
	// RoleBasic is an ordinary customer account: own profile, own orders.
	RoleBasic Role = "basic"

	// RoleOperator runs a restaurant: menus, incoming orders, staff lookups.
	RoleOperator Role = "operator"

	// RoleAdmin has full control over users and every resource, and may read the audit trail.
	RoleAdmin Role = "admin"
)

// ValidRoles lists every role, lowest privilege first.
var ValidRoles = []Role{RoleBasic, RoleOperator, RoleAdmin}

// Rank returns the privilege rank of the role (higher is more privileged).
// Unknown roles rank 0, below every valid role.
func (r Role) Rank() int {
	for i, v := range ValidRoles {
		if r == v {
			return i + 1
		}
	}
	return 0
}

// Valid reports whether r is one of the enumerated roles.
func (r Role) Valid() bool {
	return r.Rank() > 0
}

// AtLeast reports whether r is at least as privileged as other.
// An unknown role is never at least anything.
func (r Role) AtLeast(other Role) bool {
	return r.Valid() && r.Rank() >= other.Rank()
}

// ParseRole converts a string into a Role. Values outside the enumeration are
// rejected with ErrInvalidRole; nothing is coerced.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
	return r, nil
}

// Identity is the authenticated actor attached to a request context.
// Downstream handlers read it but never mutate it.
type Identity struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  Role   `json:"role"`
}

// User represents a stored account.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"display_name"`
	PasswordHash string    `json:"-"` // never serialised
	Role         Role      `json:"role"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Identity returns the token-facing view of the user.
func (u *User) Identity() Identity {
	return Identity{ID: u.ID, Email: u.Email, Role: u.Role}
}

// maxEmailLength is the RFC 5321 limit on an address.
const maxEmailLength = 254

// NormaliseEmail lower-cases and trims an address and checks it parses as a
// bare addr-spec. It returns ErrInvalidEmail otherwise.
func NormaliseEmail(email string) (string, error) {
	e := strings.ToLower(strings.TrimSpace(email))
	if e == "" || len(e) > maxEmailLength {
		return "", ErrInvalidEmail
	}
	addr, err := mail.ParseAddress(e)
	if err != nil || addr.Address != e {
		return "", ErrInvalidEmail
	}
	return e, nil
}

// TokenPair is the result of login and refresh.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`

	// Server-side bookkeeping only.
	Identity       Identity `json:"-"`
	RefreshTokenID string   `json:"-"`
	FamilyID       string   `json:"-"`
}

// Sentinel errors for auth operations.
var (
	ErrInvalidCredentials    = errors.New("invalid credentials")
	ErrUserNotFound          = errors.New("user not found")
	ErrUserInactive          = errors.New("user account is inactive")
	ErrEmailExists           = errors.New("email already registered")
	ErrInvalidEmail          = errors.New("invalid email address")
	ErrInvalidRole           = errors.New("invalid role")
	ErrWeakPassword          = errors.New("password too short")
	ErrTokenExpired          = errors.New("token has expired")
	ErrTokenRevoked          = errors.New("token has been revoked")
	ErrTokenInvalid          = errors.New("invalid token")
	ErrRevocationUnavailable = errors.New("revocation store unavailable")
	ErrWeakSecret            = errors.New("signing secret must be at least 32 bytes")
	ErrInvalidMatrix         = errors.New("permission matrix is not total")
)
