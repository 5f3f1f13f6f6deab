package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/authcore/internal/auth"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.securityHeadersMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeNotFound(w, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, ErrCodeMethodNotAllow, "method not allowed")
	})

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Route("/auth", func(r chi.Router) {
			r.With(s.rateLimitMiddleware).Post("/login", s.handleLogin)
			r.With(s.rateLimitMiddleware).Post("/refresh", s.handleRefresh)
			r.Get("/verify", s.handleVerify)
			r.Post("/logout", s.handleLogout)
		})

		r.With(s.guard.Require(auth.ResourceProfile, auth.ActionRead)).Get("/me", s.handleMe)

		r.Route("/users", func(r chi.Router) {
			r.With(s.guard.Require(auth.ResourceUsers, auth.ActionRead)).Get("/", s.handleListUsers)
			r.With(s.guard.Require(auth.ResourceUsers, auth.ActionCreate)).Post("/", s.handleCreateUser)
			r.With(s.guard.Require(auth.ResourceUsers, auth.ActionManage)).Patch("/{id}/role", s.handleUpdateUserRole)
		})

		r.Route("/audit", func(r chi.Router) {
			r.Use(s.guard.Require(auth.ResourceAudit, auth.ActionRead))
			r.Get("/", s.handleListAudit)
			r.Get("/verify", s.handleVerifyAudit)
			r.Get("/stream", s.handleAuditStream)
		})
	})

	return r
}

// handleHealth reports the server version and the state of each optional
// component. A failing component degrades the status but the endpoint still
// answers 200: the auth core itself is up.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	components := make(map[string]string, len(s.health))
	for name, checker := range s.health {
		if err := checker.HealthCheck(r.Context()); err != nil {
			s.logger.Warn("health check failed", "component", name, "error", err)
			components[name] = "unavailable"
			status = "degraded"
			continue
		}
		components[name] = "ok"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     status,
		"version":    s.version,
		"components": components,
	})
}
