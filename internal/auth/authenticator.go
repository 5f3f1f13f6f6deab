package auth

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/sync/semaphore"

	"github.com/nerrad567/authcore/internal/infrastructure/logging"
	"github.com/nerrad567/authcore/internal/infrastructure/metrics"
)

// CredentialStore is the part of the user repository login needs.
type CredentialStore interface {
	GetByEmail(ctx context.Context, email string) (*User, error)
	UpdatePassword(ctx context.Context, id, passwordHash string) error
}

// Authenticator verifies email/password credentials.
//
// Each Argon2id verification allocates 64 MiB, so concurrent hashing is
// bounded by a weighted semaphore sized to the CPU count.
type Authenticator struct {
	users     CredentialStore
	dummyHash string
	hashing   *semaphore.Weighted
	logger    *logging.Logger
	metrics   *metrics.Metrics
}

// AuthenticatorOption configures an Authenticator.
type AuthenticatorOption func(*Authenticator)

// WithAuthLogger sets the authenticator logger.
func WithAuthLogger(l *logging.Logger) AuthenticatorOption {
	return func(a *Authenticator) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithAuthMetrics records login attempts.
func WithAuthMetrics(m *metrics.Metrics) AuthenticatorOption {
	return func(a *Authenticator) { a.metrics = m }
}

// WithMaxConcurrentHashes overrides the hashing concurrency limit.
func WithMaxConcurrentHashes(n int64) AuthenticatorOption {
	return func(a *Authenticator) {
		if n > 0 {
			a.hashing = semaphore.NewWeighted(n)
		}
	}
}

// NewAuthenticator creates an Authenticator. It hashes a throwaway password
// once so that unknown emails cost the same as a real verification.
func NewAuthenticator(users CredentialStore, opts ...AuthenticatorOption) (*Authenticator, error) {
	dummy, err := HashPassword("authcore-timing-equaliser")
	if err != nil {
		return nil, fmt.Errorf("preparing dummy hash: %w", err)
	}
	a := &Authenticator{
		users:     users,
		dummyHash: dummy,
		hashing:   semaphore.NewWeighted(int64(runtime.NumCPU())),
		logger:    logging.Discard(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Authenticate returns the identity for valid credentials.
//
// Unknown email, inactive account and wrong password all yield exactly
// ErrInvalidCredentials. Storage failures are returned wrapped so they
// surface as server errors, never as a credential hint.
func (a *Authenticator) Authenticate(ctx context.Context, email, password string) (Identity, error) {
	user, err := a.users.GetByEmail(ctx, email)
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		a.metrics.LoginAttempt("error")
		return Identity{}, fmt.Errorf("looking up user: %w", err)
	}

	stored := a.dummyHash
	if user != nil {
		stored = user.PasswordHash
	}

	if err := a.hashing.Acquire(ctx, 1); err != nil {
		a.metrics.LoginAttempt("error")
		return Identity{}, fmt.Errorf("waiting for hash slot: %w", err)
	}
	ok := VerifyPassword(password, stored)
	a.hashing.Release(1)

	if user == nil || !ok || !user.IsActive {
		a.metrics.LoginAttempt("invalid")
		return Identity{}, ErrInvalidCredentials
	}

	if NeedsRehash(user.PasswordHash) {
		a.rehash(ctx, user, password)
	}

	a.metrics.LoginAttempt("success")
	return user.Identity(), nil
}

// rehash upgrades a legacy or weak hash. Failure is logged and ignored;
// the old hash still verifies.
func (a *Authenticator) rehash(ctx context.Context, user *User, password string) {
	hash, err := HashPassword(password)
	if err == nil {
		err = a.users.UpdatePassword(ctx, user.ID, hash)
	}
	if err != nil {
		a.logger.Warn("password rehash failed", "user_id", user.ID, "error", err)
		return
	}
	a.logger.Info("password hash upgraded", "user_id", user.ID)
}
