// Package alert carries operational alerts (revocation store outages,
// audit write failures) out of the request path.
//
// Alerts are queued on a buffered channel and drained by Run, which logs
// each at ERROR, counts it in Prometheus and publishes it to the MQTT
// alerts topic when a broker is connected. A full queue never blocks the
// caller: the alert is logged synchronously instead.
package alert

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nerrad567/authcore/internal/infrastructure/logging"
	"github.com/nerrad567/authcore/internal/infrastructure/metrics"
)

// defaultBuffer is the queue size when none is configured.
const defaultBuffer = 64

// Alert is a single operational alert.
type Alert struct {
	Component string
	Message   string
	Err       error
	Attrs     map[string]string
	At        time.Time
}

// Notifier accepts alerts. Implementations must not block.
type Notifier interface {
	Notify(ctx context.Context, a Alert)
}

// Publisher is the subset of the MQTT client the channel publishes through.
type Publisher interface {
	IsConnected() bool
	PublishDefault(topic string, payload []byte) error
}

// Channel is the process-wide Notifier.
type Channel struct {
	ch      chan Alert
	logger  *logging.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	publisher Publisher
	topic     string
}

// Option configures a Channel.
type Option func(*Channel)

// WithPublisher publishes drained alerts to topic.
func WithPublisher(p Publisher, topic string) Option {
	return func(c *Channel) {
		c.publisher = p
		c.topic = topic
	}
}

// WithMetrics counts alerts per component.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Channel) { c.metrics = m }
}

// WithClock overrides the alert timestamp source.
func WithClock(now func() time.Time) Option {
	return func(c *Channel) { c.now = now }
}

// NewChannel creates a Channel with the given queue size.
func NewChannel(logger *logging.Logger, buffer int, opts ...Option) *Channel {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if logger == nil {
		logger = logging.Discard()
	}
	c := &Channel{
		ch:     make(chan Alert, buffer),
		logger: logger.With("component", "alert"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Notify queues a. When the queue is full the alert is emitted inline so it
// is never lost.
func (c *Channel) Notify(_ context.Context, a Alert) {
	if a.At.IsZero() {
		a.At = c.now()
	}
	select {
	case c.ch <- a:
	default:
		c.emit(a)
	}
}

// Run drains the queue until ctx is cancelled, then flushes what is left.
func (c *Channel) Run(ctx context.Context) error {
	for {
		select {
		case a := <-c.ch:
			c.emit(a)
		case <-ctx.Done():
			for {
				select {
				case a := <-c.ch:
					c.emit(a)
				default:
					return nil
				}
			}
		}
	}
}

// Pending reports queued alerts.
func (c *Channel) Pending() int {
	return len(c.ch)
}

type payload struct {
	Component string            `json:"component"`
	Message   string            `json:"message"`
	Error     string            `json:"error,omitempty"`
	Attrs     map[string]string `json:"attrs,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (c *Channel) emit(a Alert) {
	args := []any{"alert_component", a.Component}
	if a.Err != nil {
		args = append(args, "error", a.Err)
	}
	for k, v := range a.Attrs {
		args = append(args, k, v)
	}
	c.logger.Error(a.Message, args...)
	c.metrics.Alert(a.Component)

	if c.publisher == nil || !c.publisher.IsConnected() {
		return
	}

	p := payload{
		Component: a.Component,
		Message:   a.Message,
		Attrs:     a.Attrs,
		Timestamp: a.At.UTC().Format(time.RFC3339Nano),
	}
	if a.Err != nil {
		p.Error = a.Err.Error()
	}
	b, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := c.publisher.PublishDefault(c.topic, b); err != nil {
		c.logger.Warn("alert publish failed", "error", err)
	}
}

// Discard is a Notifier that drops every alert.
type Discard struct{}

// Notify implements Notifier.
func (Discard) Notify(context.Context, Alert) {}
