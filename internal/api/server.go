package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/authcore/internal/audit"
	"github.com/nerrad567/authcore/internal/auth"
	"github.com/nerrad567/authcore/internal/guard"
	"github.com/nerrad567/authcore/internal/infrastructure/config"
	"github.com/nerrad567/authcore/internal/infrastructure/logging"
	"github.com/nerrad567/authcore/internal/infrastructure/metrics"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// HealthChecker is implemented by every component the health endpoint reports on.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger
	Metrics  *metrics.Metrics

	Tokens        *auth.TokenService
	Authenticator *auth.Authenticator
	Users         auth.UserRepository

	// Recorder receives one audit record per decision (normally *audit.Logger).
	Recorder  guard.Recorder
	AuditRepo audit.Repository

	// Hub streams audit records to WebSocket clients. It must also be
	// registered as an audit subscriber to receive anything.
	Hub *Hub

	// Health lists optional components by name (database, mqtt, influxdb).
	Health map[string]HealthChecker

	Version string
}

// Server is the HTTP API server for authcore.
//
// It manages the HTTP listener, routes, middleware and the audit stream hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg     config.APIConfig
	wsCfg   config.WebSocketConfig
	secCfg  config.SecurityConfig
	logger  *logging.Logger
	metrics *metrics.Metrics

	tokens    *auth.TokenService
	authn     *auth.Authenticator
	users     auth.UserRepository
	guard     *guard.Guard
	auditRepo audit.Repository
	hub       *Hub
	health    map[string]HealthChecker
	limiter   *ipLimiter
	version   string

	server *http.Server
	cancel context.CancelFunc
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Tokens == nil || deps.Authenticator == nil {
		return nil, fmt.Errorf("token service and authenticator are required")
	}
	if deps.Users == nil {
		return nil, fmt.Errorf("user repository is required")
	}
	if deps.Recorder == nil || deps.AuditRepo == nil {
		return nil, fmt.Errorf("audit recorder and repository are required")
	}

	logger := deps.Logger.With("component", "api")
	s := &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		secCfg:    deps.Security,
		logger:    logger,
		metrics:   deps.Metrics,
		tokens:    deps.Tokens,
		authn:     deps.Authenticator,
		users:     deps.Users,
		auditRepo: deps.AuditRepo,
		hub:       deps.Hub,
		health:    deps.Health,
		version:   deps.Version,
		guard: guard.New(deps.Tokens, deps.Recorder,
			guard.WithTrustProxy(deps.Config.TrustProxy),
			guard.WithMetrics(deps.Metrics),
			guard.WithLogger(logger),
		),
	}
	if s.hub == nil {
		s.hub = NewHub(deps.WS, logger)
	}
	if rl := deps.Security.RateLimit; rl.Enabled {
		s.limiter = newIPLimiter(rl.RequestsPerMinute, rl.Burst)
	}

	return s, nil
}

// Handler returns the fully wired router. Useful for tests and for serving
// the API from a caller-owned listener.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start begins listening for HTTP connections in a background goroutine.
// The server can be stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(srvCtx)
	if s.limiter != nil {
		go s.limiter.cleanupLoop(srvCtx)
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       s.cfg.Timeouts.ReadTimeout(),
		ReadHeaderTimeout: s.cfg.Timeouts.ReadTimeout(),
		WriteTimeout:      s.cfg.Timeouts.WriteTimeout(),
		IdleTimeout:       s.cfg.Timeouts.IdleTimeout(),
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server, waiting up to 10 seconds for
// in-flight requests.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
