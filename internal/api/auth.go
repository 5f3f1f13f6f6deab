package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/nerrad567/authcore/internal/audit"
	"github.com/nerrad567/authcore/internal/auth"
	"github.com/nerrad567/authcore/internal/guard"
)

// Cookie names and paths. The refresh cookie is scoped to the auth routes
// so it is never sent to ordinary API calls.
const (
	AccessCookieName  = guard.DefaultCookieName
	RefreshCookieName = "authcore_refresh"

	accessCookiePath  = "/"
	refreshCookiePath = "/api/v1/auth"
)

// Session actions and reasons recorded against the sessions resource.
const (
	sessionLogin   = "login"
	sessionRefresh = "refresh"
	sessionLogout  = "logout"

	reasonLoginSucceeded     = "login_succeeded"
	reasonInvalidCredentials = "invalid_credentials"
	reasonTokenRotated       = "token_rotated"
	reasonLoggedOut          = "logged_out"
	reasonInternalError      = "internal_error"
)

// loginRequest is the request body for POST /auth/login.
type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// refreshRequest is the optional body for refresh and logout when the
// client does not use cookies.
type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// tokenResponse is returned by login and refresh. The tokens are left out
// when the deployment delivers them in cookies only.
type tokenResponse struct {
	AccessToken      string        `json:"access_token,omitempty"`
	RefreshToken     string        `json:"refresh_token,omitempty"`
	TokenType        string        `json:"token_type"`
	ExpiresIn        int           `json:"expires_in"`
	AccessExpiresAt  time.Time     `json:"access_expires_at"`
	RefreshExpiresAt time.Time     `json:"refresh_expires_at"`
	User             auth.Identity `json:"user"`
}

// handleLogin verifies credentials and issues a token pair in a new family.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Email == "" || req.Password == "" {
		writeBadRequest(w, "email and password are required")
		return
	}

	identity, err := s.authn.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			s.recordSession(r, sessionLogin, guard.StateReject401, reasonInvalidCredentials, auth.Identity{})
			writeError(w, http.StatusUnauthorized, ErrCodeInvalidLogin, "invalid email or password")
			return
		}
		s.logger.Error("login failed", "error", err)
		s.recordSession(r, sessionLogin, guard.StateReject401, reasonInternalError, auth.Identity{})
		writeInternalError(w, "login failed")
		return
	}

	pair, err := s.tokens.IssuePair(identity)
	if err != nil {
		s.logger.Error("issuing token pair failed", "user_id", identity.ID, "error", err)
		s.recordSession(r, sessionLogin, guard.StateReject401, reasonInternalError, identity)
		writeInternalError(w, "login failed")
		return
	}

	s.recordSession(r, sessionLogin, guard.StateAllow, reasonLoginSucceeded, identity)
	s.logger.Info("user logged in", "user_id", identity.ID, "role", identity.Role)

	s.setTokenCookies(w, pair)
	writeJSON(w, http.StatusOK, s.tokenResponse(pair))
}

// handleRefresh rotates a refresh token taken from the refresh cookie or,
// failing that, from the JSON body.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	raw := refreshTokenFrom(r)
	if raw == "" {
		s.recordSession(r, sessionRefresh, guard.StateReject401, guard.ReasonMissingToken, auth.Identity{})
		guard.WriteReason(w, http.StatusUnauthorized, guard.ReasonMissingToken)
		return
	}

	pair, err := s.tokens.Rotate(r.Context(), raw)
	if err != nil {
		if !isTokenError(err) {
			// The token was not consumed; the client may retry it.
			s.logger.Error("refresh failed", "error", err)
			s.recordSessionActor(r, sessionRefresh, guard.StateReject401, reasonInternalError, s.tokens.Subject(raw))
			writeInternalError(w, "refresh failed")
			return
		}
		reason := guard.ReasonFor(err)
		s.recordSessionActor(r, sessionRefresh, guard.StateReject401, reason, s.tokens.Subject(raw))
		if reason != guard.ReasonRevocationUnavailable {
			s.clearTokenCookies(w)
		}
		guard.WriteReason(w, http.StatusUnauthorized, reason)
		return
	}

	s.recordSession(r, sessionRefresh, guard.StateAllow, reasonTokenRotated, pair.Identity)
	s.setTokenCookies(w, pair)
	writeJSON(w, http.StatusOK, s.tokenResponse(pair))
}

// handleVerify reports the identity carried by the access token. It checks
// the token only; no permission is required.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	d := s.guard.Authenticate(r)
	s.guard.Record(r, d) //nolint:errcheck // audit failures are escalated by the logger

	if !d.Allowed() {
		guard.WriteRejection(w, d)
		return
	}
	writeJSON(w, http.StatusOK, d.Identity)
}

// handleLogout revokes the presented refresh token and its family, then
// clears both cookies. Logging out without a usable token still succeeds.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	raw := refreshTokenFrom(r)
	if raw != "" {
		err := s.tokens.Logout(r.Context(), raw)
		switch {
		case errors.Is(err, auth.ErrRevocationUnavailable):
			s.recordSessionActor(r, sessionLogout, guard.StateReject401, guard.ReasonRevocationUnavailable, s.tokens.Subject(raw))
			guard.WriteReason(w, http.StatusUnauthorized, guard.ReasonRevocationUnavailable)
			return
		case err != nil:
			s.logger.Debug("logout with unusable refresh token", "error", err)
		default:
			s.recordSessionActor(r, sessionLogout, guard.StateAllow, reasonLoggedOut, s.tokens.Subject(raw))
		}
	}

	s.clearTokenCookies(w)
	w.WriteHeader(http.StatusNoContent)
}

// refreshTokenFrom prefers the refresh cookie and falls back to a JSON body.
func refreshTokenFrom(r *http.Request) string {
	if c, err := r.Cookie(RefreshCookieName); err == nil && c.Value != "" {
		return c.Value
	}
	if r.Body == nil {
		return ""
	}
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return ""
	}
	return req.RefreshToken
}

// isTokenError reports whether err belongs to the token taxonomy and may
// be answered with a 401 reason code.
func isTokenError(err error) bool {
	return errors.Is(err, auth.ErrTokenInvalid) ||
		errors.Is(err, auth.ErrTokenExpired) ||
		errors.Is(err, auth.ErrTokenRevoked) ||
		errors.Is(err, auth.ErrRevocationUnavailable)
}

func (s *Server) tokenResponse(pair auth.TokenPair) tokenResponse {
	resp := tokenResponse{
		TokenType:        pair.TokenType,
		ExpiresIn:        int(s.tokens.AccessTTL().Seconds()),
		AccessExpiresAt:  pair.AccessExpiresAt,
		RefreshExpiresAt: pair.RefreshExpiresAt,
		User:             pair.Identity,
	}
	if !s.secCfg.Cookies.OmitBodyTokens {
		resp.AccessToken = pair.AccessToken
		resp.RefreshToken = pair.RefreshToken
	}
	return resp
}

func (s *Server) recordSession(r *http.Request, action string, state guard.State, reason string, id auth.Identity) {
	d := guard.Decision{
		State:    state,
		Path:     []guard.State{state},
		Reason:   reason,
		Identity: id,
		ActorID:  id.ID,
		Resource: audit.ResourceSessions,
		Action:   action,
	}
	s.guard.Record(r, d) //nolint:errcheck // audit failures are escalated by the logger
}

func (s *Server) recordSessionActor(r *http.Request, action string, state guard.State, reason, actorID string) {
	d := guard.Decision{
		State:    state,
		Path:     []guard.State{state},
		Reason:   reason,
		ActorID:  actorID,
		Resource: audit.ResourceSessions,
		Action:   action,
	}
	s.guard.Record(r, d) //nolint:errcheck // audit failures are escalated by the logger
}

// ─── Cookies ───────────────────────────────────────────────────────

func (s *Server) setTokenCookies(w http.ResponseWriter, pair auth.TokenPair) {
	http.SetCookie(w, s.cookie(AccessCookieName, pair.AccessToken, accessCookiePath, s.tokens.AccessTTL()))
	http.SetCookie(w, s.cookie(RefreshCookieName, pair.RefreshToken, refreshCookiePath, s.tokens.RefreshTTL()))
}

func (s *Server) clearTokenCookies(w http.ResponseWriter) {
	http.SetCookie(w, s.cookie(AccessCookieName, "", accessCookiePath, -1))
	http.SetCookie(w, s.cookie(RefreshCookieName, "", refreshCookiePath, -1))
}

// cookie builds a token cookie. HttpOnly and SameSite=Strict are fixed;
// only Secure follows configuration. A negative ttl deletes the cookie.
func (s *Server) cookie(name, value, path string, ttl time.Duration) *http.Cookie {
	c := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		Domain:   s.secCfg.Cookies.Domain,
		HttpOnly: true,
		Secure:   s.secCfg.Cookies.Secure,
		SameSite: http.SameSiteStrictMode,
	}
	if ttl < 0 {
		c.MaxAge = -1
	} else {
		c.MaxAge = int(ttl.Seconds())
	}
	return c
}
