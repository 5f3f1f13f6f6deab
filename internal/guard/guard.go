package guard

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/nerrad567/authcore/internal/audit"
	"github.com/nerrad567/authcore/internal/auth"
	"github.com/nerrad567/authcore/internal/infrastructure/logging"
	"github.com/nerrad567/authcore/internal/infrastructure/metrics"
)

// State is a step of the guard's per-request walk.
type State string

// Guard states.
const (
	StateStart           State = "START"
	StateExtractToken    State = "EXTRACT_TOKEN"
	StateVerifyToken     State = "VERIFY_TOKEN"
	StateCheckPermission State = "CHECK_PERMISSION"
	StateAllow           State = "ALLOW"
	StateReject401       State = "REJECT_401"
	StateReject403       State = "REJECT_403"
)

// Terminal reports whether s ends the walk.
func (s State) Terminal() bool {
	return s == StateAllow || s == StateReject401 || s == StateReject403
}

// Machine-readable reason codes. They appear in audit records and in the
// "code" field of rejection bodies.
const (
	ReasonGranted               = "permission_granted"
	ReasonAuthenticated         = "authenticated"
	ReasonMissingToken          = "missing_token"
	ReasonInvalidToken          = "invalid_token"
	ReasonExpiredToken          = "expired_token"
	ReasonRevokedToken          = "revoked_token"
	ReasonPermissionDenied      = "permission_denied"
	ReasonRevocationUnavailable = "revocation_unavailable"
)

// DefaultCookieName is the cookie consulted when no Authorization header is sent.
const DefaultCookieName = "authcore_access"

// Verifier checks access tokens. *auth.TokenService satisfies it.
type Verifier interface {
	VerifyAccess(raw string) (auth.Identity, error)

	// Subject returns the subject of a correctly signed token regardless of
	// expiry, for attributing audit records only.
	Subject(raw string) string
}

// Recorder persists audit records. *audit.Logger satisfies it.
type Recorder interface {
	Record(ctx context.Context, rec audit.Record) (audit.Record, error)
}

// Decision is the outcome of one walk.
type Decision struct {
	State    State
	Path     []State
	Reason   string
	Identity auth.Identity

	// ActorID is the verified subject, or the signed subject of an expired
	// token, or empty when nothing trustworthy is known.
	ActorID  string
	Resource string
	Action   string

	// Expired tells the client to refresh and retry.
	Expired bool
}

// Allowed reports whether the request may proceed.
func (d Decision) Allowed() bool { return d.State == StateAllow }

// Status is the HTTP status for the decision: 200, 401 or 403.
func (d Decision) Status() int {
	switch d.State {
	case StateAllow:
		return http.StatusOK
	case StateReject403:
		return http.StatusForbidden
	default:
		return http.StatusUnauthorized
	}
}

// Outcome maps the decision to its audit outcome.
func (d Decision) Outcome() audit.Outcome {
	if d.Allowed() {
		return audit.OutcomeAllowed
	}
	return audit.OutcomeDenied
}

func (d *Decision) enter(s State) {
	d.State = s
	d.Path = append(d.Path, s)
}

// Guard evaluates requests against the permission matrix.
type Guard struct {
	verifier   Verifier
	recorder   Recorder
	matrix     auth.Matrix
	cookieName string
	trustProxy bool
	metrics    *metrics.Metrics
	logger     *logging.Logger
}

// Option configures a Guard.
type Option func(*Guard)

// WithMatrix replaces auth.DefaultMatrix.
func WithMatrix(m auth.Matrix) Option {
	return func(g *Guard) { g.matrix = m }
}

// WithCookieName sets the access-token cookie name.
func WithCookieName(name string) Option {
	return func(g *Guard) {
		if name != "" {
			g.cookieName = name
		}
	}
}

// WithTrustProxy takes the audit origin from X-Forwarded-For.
func WithTrustProxy(trust bool) Option {
	return func(g *Guard) { g.trustProxy = trust }
}

// WithMetrics counts decisions by outcome and reason.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Guard) { g.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(g *Guard) {
		if l != nil {
			g.logger = l
		}
	}
}

// New creates a Guard.
func New(verifier Verifier, recorder Recorder, opts ...Option) *Guard {
	g := &Guard{
		verifier:   verifier,
		recorder:   recorder,
		matrix:     auth.DefaultMatrix,
		cookieName: DefaultCookieName,
		logger:     logging.Discard(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Matrix returns the permission matrix decisions are made against.
func (g *Guard) Matrix() auth.Matrix { return g.matrix }

// Authorize walks all states for r against the declared resource and
// action. It has no side effects.
func (g *Guard) Authorize(r *http.Request, resource auth.Resource, action auth.Action) Decision {
	d := g.authenticate(r)
	d.Resource, d.Action = string(resource), string(action)
	if d.State.Terminal() {
		return d
	}

	d.enter(StateCheckPermission)
	if !g.matrix.Check(d.Identity.Role, resource, action) {
		d.Reason = ReasonPermissionDenied
		d.enter(StateReject403)
		return d
	}
	d.Reason = ReasonGranted
	d.enter(StateAllow)
	return d
}

// Authenticate extracts and verifies the access token without a permission
// check. The decision is attributed to the sessions resource.
func (g *Guard) Authenticate(r *http.Request) Decision {
	d := g.authenticate(r)
	d.Resource, d.Action = audit.ResourceSessions, "verify"
	if !d.State.Terminal() {
		d.Reason = ReasonAuthenticated
		d.enter(StateAllow)
	}
	return d
}

func (g *Guard) authenticate(r *http.Request) Decision {
	var d Decision
	d.enter(StateStart)

	d.enter(StateExtractToken)
	raw, ok := g.extractToken(r)
	if !ok {
		d.Reason = ReasonMissingToken
		d.enter(StateReject401)
		return d
	}

	d.enter(StateVerifyToken)
	identity, err := g.verifier.VerifyAccess(raw)
	if err != nil {
		d.Reason = ReasonFor(err)
		d.Expired = d.Reason == ReasonExpiredToken
		if d.Expired {
			d.ActorID = g.verifier.Subject(raw)
		}
		d.enter(StateReject401)
		return d
	}

	d.Identity = identity
	d.ActorID = identity.ID
	return d
}

// Require returns middleware protecting a route with (resource, action).
//
// The decision is recorded synchronously before anything is written to the
// client. An audit failure is logged and the decision stands.
func (g *Guard) Require(resource auth.Resource, action auth.Action) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := g.Authorize(r, resource, action)
			g.Record(r, d)

			if !d.Allowed() {
				WriteRejection(w, d)
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), d.Identity)))
		})
	}
}

// Record writes the audit record for a terminal decision and counts it.
// It returns the audit error, which callers may ignore: the logger has
// already escalated it.
func (g *Guard) Record(r *http.Request, d Decision) error {
	g.metrics.GuardDecision(string(d.Outcome()), d.Reason)

	_, err := g.recorder.Record(r.Context(), g.auditRecord(r, d))
	if err != nil {
		g.logger.Warn("access decision not audited",
			"reason", d.Reason,
			"resource", d.Resource,
			"action", d.Action,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
	}
	return err
}

func (g *Guard) auditRecord(r *http.Request, d Decision) audit.Record {
	return audit.Record{
		ActorID:   d.ActorID,
		Role:      string(d.Identity.Role),
		Resource:  d.Resource,
		Action:    d.Action,
		Outcome:   d.Outcome(),
		Reason:    d.Reason,
		Origin:    ClientIP(r, g.trustProxy),
		RequestID: middleware.GetReqID(r.Context()),
		Method:    r.Method,
		Path:      r.URL.Path,
	}
}

// ReasonFor maps a token service error to its reason code. Unknown errors
// map to invalid_token so nothing internal leaks into the code.
func ReasonFor(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, auth.ErrRevocationUnavailable):
		return ReasonRevocationUnavailable
	case errors.Is(err, auth.ErrTokenExpired):
		return ReasonExpiredToken
	case errors.Is(err, auth.ErrTokenRevoked):
		return ReasonRevokedToken
	default:
		return ReasonInvalidToken
	}
}
