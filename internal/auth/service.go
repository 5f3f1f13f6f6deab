package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/nerrad567/authcore/internal/alert"
	"github.com/nerrad567/authcore/internal/infrastructure/logging"
	"github.com/nerrad567/authcore/internal/infrastructure/metrics"
)

// Defaults applied by NewTokenService.
const (
	DefaultAccessTTL    = 15 * time.Minute
	DefaultRefreshTTL   = 7 * 24 * time.Hour
	DefaultIssuer       = "authcore"
	DefaultStoreTimeout = 500 * time.Millisecond
	DefaultReuseGrace   = 10 * time.Second

	// MinSecretLength is the shortest accepted HS256 signing secret.
	MinSecretLength = 32
)

// TokenService issues, verifies, rotates and revokes token pairs.
//
// The signing secret is copied at construction and never changes. The
// revocation store is the only mutable state the service touches.
type TokenService struct {
	secret     []byte
	store      RevocationStore
	identities IdentityResolver

	now            func() time.Time
	accessTTL      time.Duration
	refreshTTL     time.Duration
	issuer         string
	storeTimeout   time.Duration
	reuseDetection bool
	reuseGrace     time.Duration

	// Rotation attempts seen by this process within the last reuseGrace.
	attemptsMu sync.Mutex
	attempts   map[string]*rotationAttempt

	alerts  alert.Notifier
	metrics *metrics.Metrics
	logger  *logging.Logger
}

// Option configures a TokenService.
type Option func(*TokenService)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *TokenService) { s.now = now }
}

// WithAccessTTL sets the access token lifetime.
func WithAccessTTL(ttl time.Duration) Option {
	return func(s *TokenService) {
		if ttl > 0 {
			s.accessTTL = ttl
		}
	}
}

// WithRefreshTTL sets the refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) Option {
	return func(s *TokenService) {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
	}
}

// WithIssuer sets the "iss" claim. Tokens from another issuer are rejected.
func WithIssuer(iss string) Option {
	return func(s *TokenService) { s.issuer = iss }
}

// WithStoreTimeout bounds every revocation store call.
func WithStoreTimeout(d time.Duration) Option {
	return func(s *TokenService) {
		if d > 0 {
			s.storeTimeout = d
		}
	}
}

// WithReuseDetection makes a replayed refresh token revoke its whole family.
func WithReuseDetection(enabled bool) Option {
	return func(s *TokenService) { s.reuseDetection = enabled }
}

// WithReuseGrace sets how long after a successful rotation a second
// presentation of the same token is treated as a concurrent duplicate
// rather than a replay. Duplicates still fail with ErrTokenRevoked but do
// not revoke the family. Zero disables the window.
func WithReuseGrace(d time.Duration) Option {
	return func(s *TokenService) {
		if d >= 0 {
			s.reuseGrace = d
		}
	}
}

// WithAlerts sets the notifier for revocation store failures.
func WithAlerts(n alert.Notifier) Option {
	return func(s *TokenService) {
		if n != nil {
			s.alerts = n
		}
	}
}

// WithMetrics records token operation outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *TokenService) { s.metrics = m }
}

// WithLogger sets the service logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *TokenService) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewTokenService creates a TokenService. The secret must be at least
// MinSecretLength bytes.
func NewTokenService(secret []byte, store RevocationStore, identities IdentityResolver, opts ...Option) (*TokenService, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrWeakSecret
	}
	if store == nil || identities == nil {
		return nil, errors.New("token service requires a revocation store and identity resolver")
	}

	s := &TokenService{
		secret:         append([]byte(nil), secret...),
		store:          store,
		identities:     identities,
		now:            time.Now,
		accessTTL:      DefaultAccessTTL,
		refreshTTL:     DefaultRefreshTTL,
		issuer:         DefaultIssuer,
		storeTimeout:   DefaultStoreTimeout,
		reuseDetection: true,
		reuseGrace:     DefaultReuseGrace,
		attempts:       make(map[string]*rotationAttempt),
		alerts:         alert.Discard{},
		logger:         logging.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// AccessTTL returns the configured access token lifetime.
func (s *TokenService) AccessTTL() time.Duration { return s.accessTTL }

// RefreshTTL returns the configured refresh token lifetime.
func (s *TokenService) RefreshTTL() time.Duration { return s.refreshTTL }

// IssuePair mints an access/refresh pair in a new token family.
func (s *TokenService) IssuePair(identity Identity) (TokenPair, error) {
	if identity.ID == "" || !identity.Role.Valid() {
		return TokenPair{}, fmt.Errorf("%w: incomplete identity", ErrTokenInvalid)
	}
	pair, err := s.mint(identity, uuid.NewString())
	s.metrics.TokenOp("issue", resultLabel(err))
	return pair, err
}

// VerifyAccess checks an access token and returns the identity it carries.
//
// ErrTokenExpired is returned only when the signature, type and claims are
// all valid and the expiry alone has passed; every other failure is
// ErrTokenInvalid.
func (s *TokenService) VerifyAccess(raw string) (Identity, error) {
	claims, err := s.parse(raw, TokenTypeAccess)
	if err != nil {
		return Identity{}, err
	}
	return Identity{ID: claims.Subject, Email: claims.Email, Role: claims.Role}, nil
}

// Rotate consumes a refresh token and returns a new pair in the same family.
//
// The identity is resolved first, so role changes and deactivation take
// effect here and a failed lookup leaves the token usable for a retry. The
// consumed token ID is then revoked with an atomic check-and-set; of any
// number of concurrent calls with the same token exactly one succeeds and
// the others get ErrTokenRevoked.
func (s *TokenService) Rotate(ctx context.Context, raw string) (TokenPair, error) {
	pair, err := s.rotate(ctx, raw)
	s.metrics.TokenOp("rotate", resultLabel(err))
	return pair, err
}

func (s *TokenService) rotate(ctx context.Context, raw string) (TokenPair, error) {
	claims, err := s.parse(raw, TokenTypeRefresh)
	if err != nil {
		return TokenPair{}, err
	}

	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()

	familyRevoked, err := s.store.IsRevoked(storeCtx, claims.FamilyID)
	if err != nil {
		return TokenPair{}, s.storeFailure(ctx, "rotate", err)
	}
	if familyRevoked {
		return TokenPair{}, fmt.Errorf("%w: family revoked", ErrTokenRevoked)
	}

	identity, err := s.identities.ResolveIdentity(storeCtx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) || errors.Is(err, ErrUserInactive) {
			if rerr := s.revokeFamily(storeCtx, claims.FamilyID); rerr != nil {
				_ = s.storeFailure(ctx, "revoke_family", rerr)
			}
			return TokenPair{}, fmt.Errorf("%w: %w", ErrTokenRevoked, err)
		}
		return TokenPair{}, fmt.Errorf("resolving identity: %w", err)
	}

	s.noteAttempt(claims.ID)
	won, err := s.store.RevokeIfActive(storeCtx, claims.ID, claims.ExpiresAt.Time)
	if err != nil {
		return TokenPair{}, s.storeFailure(ctx, "rotate", err)
	}
	if !won {
		s.handleReuse(ctx, storeCtx, claims)
		return TokenPair{}, ErrTokenRevoked
	}

	return s.mint(identity, claims.FamilyID)
}

// handleReuse deals with a refresh token that lost the check-and-set. A
// loser that another attempt in this process beat within the grace window
// is a concurrent duplicate; anything else is a replay.
func (s *TokenService) handleReuse(ctx, storeCtx context.Context, claims *Claims) {
	if !s.reuseDetection {
		return
	}
	if s.duplicateWithinGrace(claims.ID) {
		s.logger.Debug("concurrent refresh of a just-rotated token",
			"user_id", claims.Subject,
			"family_id", claims.FamilyID,
		)
		return
	}
	s.logger.Warn("refresh token reuse detected, revoking family",
		"user_id", claims.Subject,
		"family_id", claims.FamilyID,
	)
	if err := s.revokeFamily(storeCtx, claims.FamilyID); err != nil {
		_ = s.storeFailure(ctx, "revoke_family", err)
	}
}

type rotationAttempt struct {
	first time.Time
	count int
}

// noteAttempt is called before every check-and-set, so by the time a
// loser looks, the winner's attempt is already counted.
func (s *TokenService) noteAttempt(tokenID string) {
	if s.reuseGrace == 0 {
		return
	}
	now := s.now()
	s.attemptsMu.Lock()
	defer s.attemptsMu.Unlock()
	for id, a := range s.attempts {
		if now.Sub(a.first) > s.reuseGrace {
			delete(s.attempts, id)
		}
	}
	if a, ok := s.attempts[tokenID]; ok {
		a.count++
		return
	}
	s.attempts[tokenID] = &rotationAttempt{first: now, count: 1}
}

func (s *TokenService) duplicateWithinGrace(tokenID string) bool {
	if s.reuseGrace == 0 {
		return false
	}
	s.attemptsMu.Lock()
	defer s.attemptsMu.Unlock()
	a, ok := s.attempts[tokenID]
	return ok && a.count > 1 && s.now().Sub(a.first) <= s.reuseGrace
}

// Revoke revokes a token or family ID. Revoking twice is not an error.
func (s *TokenService) Revoke(ctx context.Context, tokenID string) error {
	if tokenID == "" {
		return fmt.Errorf("%w: empty token id", ErrTokenInvalid)
	}
	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()

	err := s.store.Revoke(storeCtx, tokenID, s.now().Add(s.refreshTTL))
	if err != nil {
		err = s.storeFailure(ctx, "revoke", err)
	}
	s.metrics.TokenOp("revoke", resultLabel(err))
	return err
}

// Logout revokes a refresh token and its family. An already expired token
// needs no revocation and succeeds.
func (s *TokenService) Logout(ctx context.Context, raw string) error {
	claims, err := s.parse(raw, TokenTypeRefresh)
	if errors.Is(err, ErrTokenExpired) {
		return nil
	}
	if err != nil {
		return err
	}

	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()

	if err := s.store.Revoke(storeCtx, claims.ID, claims.ExpiresAt.Time); err != nil {
		return s.storeFailure(ctx, "logout", err)
	}
	if err := s.revokeFamily(storeCtx, claims.FamilyID); err != nil {
		return s.storeFailure(ctx, "logout", err)
	}
	s.metrics.TokenOp("logout", "ok")
	return nil
}

// Subject returns the subject of a correctly signed token of either type,
// ignoring expiry, or "" if the signature does not verify. It is used to
// attribute audit records and must not be used for authorisation.
func (s *TokenService) Subject(raw string) string {
	claims, err := parseClaims(raw, s.secret)
	if err != nil {
		return ""
	}
	return claims.Subject
}

// RunPruner drops expired revocation entries every interval until ctx is
// cancelled.
func (s *TokenService) RunPruner(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.PruneOnce(ctx)
		}
	}
}

// PruneOnce runs a single prune pass and returns the number of entries removed.
func (s *TokenService) PruneOnce(ctx context.Context) int64 {
	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()

	n, err := s.store.Prune(storeCtx, s.now())
	if err != nil {
		s.logger.Warn("revocation prune failed", "error", err)
		s.metrics.RevocationError("prune")
		return 0
	}
	s.metrics.RevocationPruned(n)
	if n > 0 {
		s.logger.Debug("pruned expired revocations", "count", n)
	}
	return n
}

func (s *TokenService) mint(identity Identity, familyID string) (TokenPair, error) {
	now := s.now()
	issuedAt := jwt.NewNumericDate(now)

	access := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.ID,
			Issuer:    s.issuer,
			IssuedAt:  issuedAt,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
			ID:        uuid.NewString(),
		},
		Type:  TokenTypeAccess,
		Email: identity.Email,
		Role:  identity.Role,
	}
	refresh := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.ID,
			Issuer:    s.issuer,
			IssuedAt:  issuedAt,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.refreshTTL)),
			ID:        uuid.NewString(),
		},
		Type:     TokenTypeRefresh,
		FamilyID: familyID,
	}

	accessToken, err := signClaims(access, s.secret)
	if err != nil {
		return TokenPair{}, err
	}
	refreshToken, err := signClaims(refresh, s.secret)
	if err != nil {
		return TokenPair{}, err
	}

	return TokenPair{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		TokenType:        "Bearer",
		AccessExpiresAt:  access.ExpiresAt.Time,
		RefreshExpiresAt: refresh.ExpiresAt.Time,
		Identity:         identity,
		RefreshTokenID:   refresh.ID,
		FamilyID:         familyID,
	}, nil
}

// parse verifies the signature, then the token type and required claims,
// and checks expiry last so ErrTokenExpired implies everything else held.
func (s *TokenService) parse(raw, wantType string) (*Claims, error) {
	claims, err := parseClaims(raw, s.secret)
	if err != nil {
		return nil, err
	}
	if claims.Type != wantType {
		return nil, fmt.Errorf("%w: expected %s token", ErrTokenInvalid, wantType)
	}
	if claims.Subject == "" || claims.ExpiresAt == nil {
		return nil, fmt.Errorf("%w: missing claims", ErrTokenInvalid)
	}
	if s.issuer != "" && claims.Issuer != s.issuer {
		return nil, fmt.Errorf("%w: unexpected issuer", ErrTokenInvalid)
	}
	switch wantType {
	case TokenTypeAccess:
		if !claims.Role.Valid() {
			return nil, fmt.Errorf("%w: unknown role", ErrTokenInvalid)
		}
	case TokenTypeRefresh:
		if claims.ID == "" || claims.FamilyID == "" {
			return nil, fmt.Errorf("%w: missing token id", ErrTokenInvalid)
		}
	}
	if !s.now().Before(claims.ExpiresAt.Time) {
		return nil, ErrTokenExpired
	}
	return claims, nil
}

func (s *TokenService) revokeFamily(ctx context.Context, familyID string) error {
	return s.store.Revoke(ctx, familyID, s.now().Add(s.refreshTTL))
}

// storeContext detaches store calls from client cancellation so a
// disconnecting client cannot abandon a half-finished rotation, and bounds
// them by the store timeout.
func (s *TokenService) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.storeTimeout)
}

// storeFailure fails closed: the caller gets ErrRevocationUnavailable and
// operators get an alert.
func (s *TokenService) storeFailure(ctx context.Context, op string, err error) error {
	s.metrics.RevocationError(op)
	s.alerts.Notify(ctx, alert.Alert{
		Component: "revocation",
		Message:   "revocation store unavailable",
		Err:       err,
		Attrs:     map[string]string{"op": op},
	})
	return fmt.Errorf("%w: %w", ErrRevocationUnavailable, err)
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrRevocationUnavailable):
		return "unavailable"
	case errors.Is(err, ErrTokenExpired):
		return "expired"
	case errors.Is(err, ErrTokenRevoked):
		return "revoked"
	case errors.Is(err, ErrTokenInvalid):
		return "invalid"
	default:
		return "error"
	}
}
