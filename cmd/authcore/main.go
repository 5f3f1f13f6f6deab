// authcore - authentication and authorisation core.
//
// authcore verifies credentials, issues and rotates HS256 token pairs,
// enforces a static role/resource permission matrix on every protected
// route and writes a hash-chained audit record for each access decision.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/authcore/internal/alert"
	"github.com/nerrad567/authcore/internal/api"
	"github.com/nerrad567/authcore/internal/audit"
	"github.com/nerrad567/authcore/internal/auth"
	"github.com/nerrad567/authcore/internal/infrastructure/config"
	"github.com/nerrad567/authcore/internal/infrastructure/database"
	"github.com/nerrad567/authcore/internal/infrastructure/influxdb"
	"github.com/nerrad567/authcore/internal/infrastructure/logging"
	"github.com/nerrad567/authcore/internal/infrastructure/metrics"
	"github.com/nerrad567/authcore/internal/infrastructure/mqtt"
	"github.com/nerrad567/authcore/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the application proper, separated from main for testability.
// It returns nil on a clean shutdown.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting authcore",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"path", configPath,
		"jwt_secret", logging.Fingerprint(cfg.Security.JWT.Secret),
		"revocation_backend", cfg.Revocation.Backend,
	)

	// The matrix is compiled in; a hole in it is a build defect.
	if err := auth.DefaultMatrix.Validate(); err != nil {
		return fmt.Errorf("permission matrix: %w", err)
	}

	m := metrics.New()

	db, err := database.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if err := db.Migrate(ctx, migrations.FS); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	log.Info("database migrations complete")

	health := map[string]api.HealthChecker{"database": db}

	// MQTT is optional: alerts and audit records are published when it is up.
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			log.Warn("MQTT unavailable, continuing without publishing", "error", err)
		} else {
			defer func() {
				log.Info("disconnecting from MQTT")
				if closeErr := mqttClient.Close(); closeErr != nil {
					log.Error("error closing MQTT", "error", closeErr)
				}
			}()
			mqttClient.SetLogger(log)
			mqttClient.SetOnConnect(func() { log.Info("MQTT reconnected") })
			mqttClient.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })
			health["mqtt"] = mqttClient
			log.Info("MQTT connected",
				"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
				"client_id", cfg.MQTT.Broker.ClientID,
			)
		}
	} else {
		log.Info("MQTT disabled")
	}

	alertOpts := []alert.Option{alert.WithMetrics(m)}
	if mqttClient != nil {
		alertOpts = append(alertOpts, alert.WithPublisher(mqttClient, mqttClient.Topics().Alerts()))
	}
	alerts := alert.NewChannel(log, 0, alertOpts...)

	store, closeStore, err := openRevocationStore(ctx, cfg, db, health)
	if err != nil {
		return err
	}
	defer closeStore()

	users := auth.NewUserRepository(db.DB)
	if _, err := auth.SeedAdmin(ctx, users, cfg.Security.Bootstrap.AdminEmail, log); err != nil {
		return fmt.Errorf("seeding admin: %w", err)
	}

	influxClient, err := influxdb.Connect(ctx, cfg.InfluxDB,
		influxdb.WithErrorHandler(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		}))
	switch {
	case errors.Is(err, influxdb.ErrDisabled):
		log.Info("InfluxDB disabled")
	case err != nil:
		log.Warn("InfluxDB unavailable, continuing without decision metrics", "error", err)
		influxClient = nil
	default:
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		health["influxdb"] = influxClient
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	}

	hub := api.NewHub(cfg.WebSocket, log)
	subscribers := []audit.Subscriber{hub}
	if mqttClient != nil {
		subscribers = append(subscribers, audit.NewMQTTSink(mqttClient, mqttClient.Topics()))
	}
	if influxClient != nil {
		subscribers = append(subscribers, audit.NewInfluxSink(influxClient))
	}

	auditRepo := audit.NewSQLiteRepository(db.DB)
	auditLog := audit.NewLogger(auditRepo,
		audit.WithTimeout(cfg.AuditTimeout()),
		audit.WithFanoutBuffer(cfg.Audit.FanoutBuffer),
		audit.WithSubscribers(subscribers...),
		audit.WithAlerts(alerts),
		audit.WithMetrics(m),
		audit.WithLogger(log),
	)

	tokens, err := auth.NewTokenService([]byte(cfg.Security.JWT.Secret), store, users,
		auth.WithAccessTTL(cfg.AccessTTL()),
		auth.WithRefreshTTL(cfg.RefreshTTL()),
		auth.WithIssuer(cfg.Security.JWT.Issuer),
		auth.WithStoreTimeout(cfg.StoreTimeout()),
		auth.WithReuseDetection(cfg.Security.JWT.ReuseDetection),
		auth.WithReuseGrace(cfg.ReuseGrace()),
		auth.WithAlerts(alerts),
		auth.WithMetrics(m),
		auth.WithLogger(log),
	)
	if err != nil {
		return fmt.Errorf("creating token service: %w", err)
	}

	authn, err := auth.NewAuthenticator(users,
		auth.WithAuthLogger(log),
		auth.WithAuthMetrics(m),
	)
	if err != nil {
		return fmt.Errorf("creating authenticator: %w", err)
	}

	srv, err := api.New(api.Deps{
		Config:        cfg.API,
		WS:            cfg.WebSocket,
		Security:      cfg.Security,
		Logger:        log,
		Metrics:       m,
		Tokens:        tokens,
		Authenticator: authn,
		Users:         users,
		Recorder:      auditLog,
		AuditRepo:     auditRepo,
		Hub:           hub,
		Health:        health,
		Version:       version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return alerts.Run(gctx) })
	g.Go(func() error { return auditLog.Run(gctx) })
	if interval := cfg.PruneInterval(); interval > 0 {
		g.Go(func() error { return tokens.RunPruner(gctx, interval) })
	}

	if err := srv.Start(gctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	g.Go(func() error {
		<-gctx.Done()
		return srv.Close()
	})

	log.Info("initialisation complete, waiting for shutdown signal")

	if err := g.Wait(); err != nil {
		return err
	}

	// Deferred Close() calls run in reverse order:
	// InfluxDB, revocation store, MQTT, database.
	log.Info("authcore stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses AUTHCORE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("AUTHCORE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// openRevocationStore builds the configured revocation backend. The returned
// close func is always safe to call.
func openRevocationStore(ctx context.Context, cfg *config.Config, db *database.DB, health map[string]api.HealthChecker) (auth.RevocationStore, func(), error) {
	noop := func() {}

	switch cfg.Revocation.Backend {
	case config.RevocationBackendMemory:
		return auth.NewMemoryRevocationStore(), noop, nil

	case config.RevocationBackendPostgres:
		pg, err := database.OpenPostgres(cfg.Revocation.PostgresDSN)
		if err != nil {
			return nil, noop, fmt.Errorf("opening revocation store: %w", err)
		}
		store := auth.NewSQLRevocationStore(pg.DB, auth.DialectPostgres)
		if err := store.EnsureSchema(ctx); err != nil {
			pg.Close() //nolint:errcheck // already failing
			return nil, noop, fmt.Errorf("creating revocation schema: %w", err)
		}
		health["revocation"] = pg
		return store, func() { pg.Close() }, nil //nolint:errcheck // best-effort on shutdown

	default:
		return auth.NewSQLRevocationStore(db.DB, auth.DialectSQLite), noop, nil
	}
}
