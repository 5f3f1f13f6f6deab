package audit

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/semaphore"

	"github.com/nerrad567/authcore/internal/alert"
	"github.com/nerrad567/authcore/internal/infrastructure/logging"
	"github.com/nerrad567/authcore/internal/infrastructure/metrics"
)

// Defaults applied by NewLogger.
const (
	DefaultTimeout      = 250 * time.Millisecond
	DefaultFanoutBuffer = 256
)

// Subscriber receives committed records on a best-effort basis.
type Subscriber interface {
	Name() string
	Deliver(ctx context.Context, rec Record) error
}

// Logger appends records to the primary store and fans them out.
//
// Appends are serialised by a weight-one semaphore that also guards the
// chain head; waiting for it counts against the write timeout.
type Logger struct {
	store   Store
	timeout time.Duration
	now     func() time.Time

	sem        *semaphore.Weighted
	headLoaded bool
	headSeq    int64
	headHash   string
	entropy    *ulid.MonotonicEntropy

	fanout      chan Record
	subscribers []Subscriber

	alerts  alert.Notifier
	metrics *metrics.Metrics
	logger  *logging.Logger
}

// LoggerOption configures a Logger.
type LoggerOption func(*Logger)

// WithTimeout bounds each primary store write.
func WithTimeout(d time.Duration) LoggerOption {
	return func(l *Logger) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithFanoutBuffer sets the subscriber queue size.
func WithFanoutBuffer(n int) LoggerOption {
	return func(l *Logger) {
		if n > 0 {
			l.fanout = make(chan Record, n)
		}
	}
}

// WithSubscribers adds best-effort subscribers.
func WithSubscribers(subs ...Subscriber) LoggerOption {
	return func(l *Logger) { l.subscribers = append(l.subscribers, subs...) }
}

// WithClock overrides the record timestamp source.
func WithClock(now func() time.Time) LoggerOption {
	return func(l *Logger) { l.now = now }
}

// WithAlerts sets the notifier for write failures.
func WithAlerts(n alert.Notifier) LoggerOption {
	return func(l *Logger) {
		if n != nil {
			l.alerts = n
		}
	}
}

// WithMetrics records audit counters.
func WithMetrics(m *metrics.Metrics) LoggerOption {
	return func(l *Logger) { l.metrics = m }
}

// WithLogger sets the structured logger.
func WithLogger(lg *logging.Logger) LoggerOption {
	return func(l *Logger) {
		if lg != nil {
			l.logger = lg
		}
	}
}

// NewLogger creates a Logger writing to store.
func NewLogger(store Store, opts ...LoggerOption) *Logger {
	l := &Logger{
		store:   store,
		timeout: DefaultTimeout,
		now:     time.Now,
		sem:     semaphore.NewWeighted(1),
		entropy: ulid.Monotonic(rand.Reader, 0),
		fanout:  make(chan Record, DefaultFanoutBuffer),
		alerts:  alert.Discard{},
		logger:  logging.Discard(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record assigns ID, sequence, timestamp and chain link to rec, persists it
// and queues it for subscribers. The write is bounded by the logger timeout
// and survives cancellation of ctx.
//
// On failure the record is not in the trail, the error wraps ErrTimeout or
// ErrWriteFailed, and an alert has been raised. Callers keep their decision.
func (l *Logger) Record(ctx context.Context, rec Record) (Record, error) {
	if rec.Resource == "" || rec.Action == "" || !rec.Outcome.Valid() || rec.Reason == "" {
		return rec, fmt.Errorf("%w: resource, action, outcome and reason are required", ErrInvalidRecord)
	}
	if rec.ActorID == "" {
		rec.ActorID = ActorAnonymous
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
	defer cancel()

	if err := l.sem.Acquire(writeCtx, 1); err != nil {
		return rec, l.fail(ctx, rec, fmt.Errorf("%w: waiting for chain head", ErrTimeout))
	}
	defer l.sem.Release(1)

	if !l.headLoaded {
		seq, hash, err := l.store.Head(writeCtx)
		if err != nil {
			return rec, l.fail(ctx, rec, classify(writeCtx, err))
		}
		l.headSeq, l.headHash, l.headLoaded = seq, hash, true
	}

	now := l.now().UTC()
	id, err := ulid.New(ulid.Timestamp(now), l.entropy)
	if err != nil {
		return rec, l.fail(ctx, rec, fmt.Errorf("%w: generating id: %w", ErrWriteFailed, err))
	}

	rec.ID = id.String()
	rec.Seq = l.headSeq + 1
	rec.Timestamp = now
	rec.PrevHash = l.headHash
	rec.Hash = ComputeHash(rec)

	if err := l.store.Append(writeCtx, &rec); err != nil {
		// The row may or may not have landed; re-read the head next time.
		l.headLoaded = false
		return rec, l.fail(ctx, rec, classify(writeCtx, err))
	}

	l.headSeq, l.headHash = rec.Seq, rec.Hash
	l.metrics.AuditRecorded()

	select {
	case l.fanout <- rec:
	default:
		l.metrics.AuditFanoutDropped("queue")
	}

	return rec, nil
}

// Run delivers queued records to subscribers until ctx is cancelled, then
// drains what is left.
func (l *Logger) Run(ctx context.Context) error {
	for {
		select {
		case rec := <-l.fanout:
			l.deliver(ctx, rec)
		case <-ctx.Done():
			flushCtx := context.WithoutCancel(ctx)
			for {
				select {
				case rec := <-l.fanout:
					l.deliver(flushCtx, rec)
				default:
					return nil
				}
			}
		}
	}
}

func (l *Logger) deliver(ctx context.Context, rec Record) {
	for _, sub := range l.subscribers {
		if err := sub.Deliver(ctx, rec); err != nil {
			l.metrics.AuditFanoutDropped(sub.Name())
			l.logger.Debug("audit subscriber delivery failed",
				"subscriber", sub.Name(),
				"seq", rec.Seq,
				"error", err,
			)
		}
	}
}

func (l *Logger) fail(ctx context.Context, rec Record, err error) error {
	kind := "error"
	if errors.Is(err, ErrTimeout) {
		kind = "timeout"
	}
	l.metrics.AuditWriteFailure(kind)
	l.alerts.Notify(ctx, alert.Alert{
		Component: "audit",
		Message:   "audit record not persisted",
		Err:       err,
		Attrs: map[string]string{
			"actor_id": rec.ActorID,
			"resource": rec.Resource,
			"action":   rec.Action,
			"outcome":  string(rec.Outcome),
			"reason":   rec.Reason,
		},
	})
	return err
}

func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrWriteFailed, err)
}
