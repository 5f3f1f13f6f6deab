package influxdb

import (
	"context"
	"fmt"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/nerrad567/authcore/internal/infrastructure/config"
)

const (
	connectTimeout = 10 * time.Second
	pingTimeout    = 5 * time.Second

	fallbackBatchSize     = 100
	fallbackFlushInterval = 10 // seconds
)

// Client exports access decisions to an InfluxDB v2 bucket.
//
// Points are queued on the library's asynchronous write API and flushed in
// batches, so the guard never waits on the time-series store. The audit
// repository stays the record of truth; a lost point only thins a dashboard.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - A nil *Client behaves as a closed one.
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI

	mu        sync.RWMutex
	connected bool

	// onWriteError receives failures reported by the write API after the
	// fact. Fixed at Connect.
	onWriteError func(err error)
}

// Option configures a Client at Connect.
type Option func(*Client)

// WithErrorHandler routes asynchronous write failures to fn. Each error
// wraps ErrWriteFailed. Without a handler they are discarded.
func WithErrorHandler(fn func(err error)) Option {
	return func(c *Client) {
		c.onWriteError = fn
	}
}

// Connect opens the decision export.
//
// It pings the server before returning so a misconfigured URL or token is
// reported at startup instead of on the first denied request. The handler
// from WithErrorHandler is installed before any point can be written.
//
// Parameters:
//   - ctx: bounds the initial ping, together with a 10 second ceiling
//   - cfg: the influxdb section of config.yaml
//   - opts: optional error handler
//
// Returns:
//   - *Client: ready for WriteAccessDecision
//   - error: ErrDisabled when export is switched off, ErrConnectionFailed
//     when the server cannot be reached or reports itself unhealthy
func Connect(ctx context.Context, cfg config.InfluxDBConfig, opts ...Option) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	batch, flushMs := writeTuning(cfg)
	raw := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().SetBatchSize(batch).SetFlushInterval(flushMs))

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	if err := ping(pingCtx, raw); err != nil {
		raw.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	c := &Client{
		client:    raw,
		writeAPI:  raw.WriteAPI(cfg.Org, cfg.Bucket),
		connected: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.drainErrors(c.writeAPI.Errors())

	return c, nil
}

// writeTuning converts the configured batch size and flush interval (in
// seconds) into the library's units, substituting fallbacks for values that
// are unset or negative.
func writeTuning(cfg config.InfluxDBConfig) (batch, flushMs uint) {
	size, every := cfg.BatchSize, cfg.FlushInterval
	if size <= 0 {
		size = fallbackBatchSize
	}
	if every <= 0 {
		every = fallbackFlushInterval
	}
	// #nosec G115 -- both values are positive here
	return uint(size), uint(every) * uint(time.Second/time.Millisecond)
}

func ping(ctx context.Context, raw influxdb2.Client) error {
	healthy, err := raw.Ping(ctx)
	if err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	if !healthy {
		return fmt.Errorf("server not healthy")
	}
	return nil
}

// drainErrors runs until the write API closes its error channel on Close.
// The channel must be read even without a handler or the writer stalls.
func (c *Client) drainErrors(errs <-chan error) {
	for err := range errs {
		if c.onWriteError != nil {
			c.onWriteError(fmt.Errorf("%w: %w", ErrWriteFailed, err))
		}
	}
}

// Close flushes queued decisions and releases the connection.
//
// Returns:
//   - error: always nil; present so Close fits the shutdown chain
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}

	c.mu.Lock()
	wasConnected := c.connected
	c.connected = false
	c.mu.Unlock()
	if !wasConnected {
		return nil
	}

	c.writeAPI.Flush()
	c.client.Close()
	return nil
}

// HealthCheck pings the server for the /health endpoint.
//
// Parameters:
//   - ctx: caller deadline; a 5 second ceiling applies on top
//
// Returns:
//   - error: ErrNotConnected after Close, otherwise the ping failure
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	checkCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := ping(checkCtx, c.client); err != nil {
		return fmt.Errorf("influxdb health check failed: %w", err)
	}
	return nil
}

// IsConnected reports whether Close has not yet run. It does not contact
// the server; use HealthCheck for that.
func (c *Client) IsConnected() bool {
	if c == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Flush blocks until queued decisions are sent. No-op once closed.
func (c *Client) Flush() {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.Flush()
}
