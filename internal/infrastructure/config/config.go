package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Revocation store backends.
const (
	RevocationBackendSQLite   = "sqlite"
	RevocationBackendPostgres = "postgres"
	RevocationBackendMemory   = "memory"
)

// minJWTSecretLength is the minimum accepted HMAC signing secret length.
const minJWTSecretLength = 32

// Config is the authcore process configuration: YAML file first, then
// AUTHCORE_* environment overrides.
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Revocation RevocationConfig `yaml:"revocation"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	API        APIConfig        `yaml:"api"`
	WebSocket  WebSocketConfig  `yaml:"websocket"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
	Logging    LoggingConfig    `yaml:"logging"`
	Security   SecurityConfig   `yaml:"security"`
	Audit      AuditConfig      `yaml:"audit"`
}

// DatabaseConfig locates the SQLite file holding users, audit records and
// (by default) revocations.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// RevocationConfig selects and tunes the refresh-token revocation store.
type RevocationConfig struct {
	// Backend is one of "sqlite", "postgres" or "memory".
	Backend     string `yaml:"backend"`
	PostgresDSN string `yaml:"postgres_dsn"`

	// StoreTimeout bounds every lookup/write against the store (milliseconds).
	// A timed-out lookup is treated as revoked.
	StoreTimeout int `yaml:"store_timeout_ms"`

	// PruneInterval is how often expired entries are deleted (seconds). 0 disables pruning.
	PruneInterval int `yaml:"prune_interval"`
}

// MQTTConfig configures the optional broker that carries the audit feed
// and operational alerts.
type MQTTConfig struct {
	Enabled     bool                `yaml:"enabled"`
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	QoS         int                 `yaml:"qos"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`
	TopicPrefix string              `yaml:"topic_prefix"`
}

// MQTTBrokerConfig addresses the broker.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig holds broker credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings (seconds).
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig configures the HTTP listener.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`

	// TrustProxy makes the server take the caller origin from X-Forwarded-For.
	// Only enable behind a reverse proxy that overwrites the header.
	TrustProxy bool `yaml:"trust_proxy"`
}

// TLSConfig enables HTTPS on the listener.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings (seconds).
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig lists the browser origins allowed to call the API and open
// the audit stream.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains settings for the live audit stream.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// InfluxDBConfig configures the optional decision-point sink.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig groups token signing, cookies and rate limiting.
type SecurityConfig struct {
	JWT       JWTConfig       `yaml:"jwt"`
	Cookies   CookieConfig    `yaml:"cookies"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Bootstrap BootstrapConfig `yaml:"bootstrap"`
}

// JWTConfig contains token settings. TTLs are in minutes.
type JWTConfig struct {
	Secret          string `yaml:"secret"`
	Issuer          string `yaml:"issuer"`
	AccessTokenTTL  int    `yaml:"access_token_ttl"`
	RefreshTokenTTL int    `yaml:"refresh_token_ttl"`

	// ReuseDetection revokes a whole refresh-token family when an
	// already-rotated token is presented again.
	ReuseDetection bool `yaml:"reuse_detection"`

	// ReuseGrace (seconds) is how long after a rotation a second
	// presentation of the same token counts as a concurrent duplicate and
	// leaves the family alive. 0 disables it.
	ReuseGrace int `yaml:"reuse_grace"`
}

// CookieConfig controls token cookie attributes. HttpOnly and SameSite=Strict
// are always set; only Secure may be relaxed for local development.
type CookieConfig struct {
	Secure bool   `yaml:"secure"`
	Domain string `yaml:"domain"`

	// OmitBodyTokens keeps tokens out of login/refresh JSON bodies so
	// browser deployments hold them only in HttpOnly cookies. Bearer
	// clients need it off.
	OmitBodyTokens bool `yaml:"omit_body_tokens"`
}

// RateLimitConfig contains per-IP rate limiting for the auth routes.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	Burst             int  `yaml:"burst"`
}

// BootstrapConfig controls first-boot administrator seeding.
type BootstrapConfig struct {
	AdminEmail string `yaml:"admin_email"`
}

// AuditConfig contains audit logger settings.
type AuditConfig struct {
	// Timeout bounds a single audit write on the request path (milliseconds).
	Timeout int `yaml:"timeout_ms"`

	// FanoutBuffer is the queue size for best-effort subscribers (MQTT, InfluxDB, WebSocket).
	FanoutBuffer int `yaml:"fanout_buffer"`
}

// Load builds a Config from defaults, then the YAML file at path, then the
// environment, and validates the result.
//
// Environment variables follow the pattern AUTHCORE_SECTION_KEY,
// for example AUTHCORE_DATABASE_PATH or AUTHCORE_JWT_SECRET.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig holds every default except the signing secret.
func defaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:        "./data/authcore.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Revocation: RevocationConfig{
			Backend:       RevocationBackendSQLite,
			StoreTimeout:  500,
			PruneInterval: 900,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "authcore",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
			TopicPrefix: "authcore",
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 4096,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				Issuer:          "authcore",
				AccessTokenTTL:  15,
				RefreshTokenTTL: 7 * 24 * 60,
				ReuseDetection:  true,
				ReuseGrace:      10,
			},
			Cookies: CookieConfig{
				Secure: true,
			},
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerMinute: 30,
				Burst:             10,
			},
			Bootstrap: BootstrapConfig{
				AdminEmail: "admin@localhost",
			},
		},
		Audit: AuditConfig{
			Timeout:      250,
			FanoutBuffer: 256,
		},
	}
}

// applyEnvOverrides copies AUTHCORE_* variables over file values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AUTHCORE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("AUTHCORE_REVOCATION_BACKEND"); v != "" {
		cfg.Revocation.Backend = v
	}
	if v := os.Getenv("AUTHCORE_REVOCATION_POSTGRES_DSN"); v != "" {
		cfg.Revocation.PostgresDSN = v
	}

	if v := os.Getenv("AUTHCORE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("AUTHCORE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("AUTHCORE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("AUTHCORE_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("AUTHCORE_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	if v := os.Getenv("AUTHCORE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// The signing secret should only ever come from the environment in production.
	if v := os.Getenv("AUTHCORE_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}

	if v := os.Getenv("AUTHCORE_BOOTSTRAP_ADMIN_EMAIL"); v != "" {
		cfg.Security.Bootstrap.AdminEmail = v
	}
}

// Validate reports every invalid setting in a single error.
func (c *Config) Validate() error {
	var errs []string

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	switch c.Revocation.Backend {
	case RevocationBackendSQLite, RevocationBackendMemory:
	case RevocationBackendPostgres:
		if c.Revocation.PostgresDSN == "" {
			errs = append(errs, "revocation.postgres_dsn is required for the postgres backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("revocation.backend %q is not one of sqlite, postgres, memory", c.Revocation.Backend))
	}
	if c.Revocation.StoreTimeout <= 0 {
		errs = append(errs, "revocation.store_timeout_ms must be positive")
	}
	if c.Revocation.PruneInterval < 0 {
		errs = append(errs, "revocation.prune_interval must not be negative")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	jwt := c.Security.JWT
	if jwt.Secret == "" {
		errs = append(errs, "security.jwt.secret is required (set AUTHCORE_JWT_SECRET environment variable)")
	} else if len(jwt.Secret) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters")
	}
	if jwt.AccessTokenTTL <= 0 {
		errs = append(errs, "security.jwt.access_token_ttl must be positive")
	}
	if jwt.RefreshTokenTTL <= jwt.AccessTokenTTL {
		errs = append(errs, "security.jwt.refresh_token_ttl must be longer than access_token_ttl")
	}
	if jwt.ReuseGrace < 0 {
		errs = append(errs, "security.jwt.reuse_grace must not be negative")
	}

	if c.Security.RateLimit.Enabled && c.Security.RateLimit.RequestsPerMinute <= 0 {
		errs = append(errs, "security.rate_limit.requests_per_minute must be positive when enabled")
	}

	if c.Audit.Timeout <= 0 {
		errs = append(errs, "audit.timeout_ms must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// AccessTTL returns the access token lifetime.
func (c *Config) AccessTTL() time.Duration {
	return time.Duration(c.Security.JWT.AccessTokenTTL) * time.Minute
}

// RefreshTTL returns the refresh token lifetime.
func (c *Config) RefreshTTL() time.Duration {
	return time.Duration(c.Security.JWT.RefreshTokenTTL) * time.Minute
}

// StoreTimeout returns the revocation store operation timeout.
func (c *Config) StoreTimeout() time.Duration {
	return time.Duration(c.Revocation.StoreTimeout) * time.Millisecond
}

// PruneInterval returns the revocation pruning interval (zero disables pruning).
func (c *Config) PruneInterval() time.Duration {
	return time.Duration(c.Revocation.PruneInterval) * time.Second
}

// ReuseGrace returns the concurrent-refresh grace window.
func (c *Config) ReuseGrace() time.Duration {
	return time.Duration(c.Security.JWT.ReuseGrace) * time.Second
}

// AuditTimeout returns the bounded audit write timeout.
func (c *Config) AuditTimeout() time.Duration {
	return time.Duration(c.Audit.Timeout) * time.Millisecond
}

// ReadTimeout is Read as a Duration.
func (t APITimeoutConfig) ReadTimeout() time.Duration { return time.Duration(t.Read) * time.Second }

// WriteTimeout is Write as a Duration.
func (t APITimeoutConfig) WriteTimeout() time.Duration { return time.Duration(t.Write) * time.Second }

// IdleTimeout is Idle as a Duration.
func (t APITimeoutConfig) IdleTimeout() time.Duration { return time.Duration(t.Idle) * time.Second }
