package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "authcore"

// Metrics holds every collector authcore records to.
type Metrics struct {
	registry *prometheus.Registry

	httpInFlight        prometheus.Gauge
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	guardDecisions  *prometheus.CounterVec
	auditRecorded   prometheus.Counter
	auditFailures   *prometheus.CounterVec
	auditDropped    *prometheus.CounterVec
	tokenOps        *prometheus.CounterVec
	revocationErrs  *prometheus.CounterVec
	revocationPrune prometheus.Counter
	alerts          *prometheus.CounterVec
	loginAttempts   *prometheus.CounterVec
	rateLimited     *prometheus.CounterVec
}

// New creates and registers all collectors on a fresh registry, together
// with the Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_in_flight_requests",
			Help:      "In-flight HTTP requests.",
		}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latencies in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		guardDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guard_decisions_total",
			Help:      "Access guard decisions by outcome and reason.",
		}, []string{"outcome", "reason"}),
		auditRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_records_total",
			Help:      "Audit records durably written.",
		}),
		auditFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_write_failures_total",
			Help:      "Audit records that could not be written to the primary store.",
		}, []string{"kind"}),
		auditDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_fanout_dropped_total",
			Help:      "Audit records not delivered to a best-effort subscriber.",
		}, []string{"sink"}),
		tokenOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_operations_total",
			Help:      "Token service operations by result.",
		}, []string{"op", "result"}),
		revocationErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "revocation_store_errors_total",
			Help:      "Revocation store failures (each one fails closed).",
		}, []string{"op"}),
		revocationPrune: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "revocation_pruned_total",
			Help:      "Expired revocation entries removed.",
		}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Operational alerts raised by component.",
		}, []string{"component"}),
		loginAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "login_attempts_total",
			Help:      "Login attempts by result.",
		}, []string{"result"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-IP rate limiter.",
		}, []string{"route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpInFlight, m.httpRequestsTotal, m.httpRequestDuration,
		m.guardDecisions, m.auditRecorded, m.auditFailures, m.auditDropped,
		m.tokenOps, m.revocationErrs, m.revocationPrune,
		m.alerts, m.loginAttempts, m.rateLimited,
	)
	return m
}

// Registry returns the underlying registry (for tests and custom collectors).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the Prometheus exposition format for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// InFlight adjusts the in-flight request gauge by delta.
func (m *Metrics) InFlight(delta float64) {
	if m == nil {
		return
	}
	m.httpInFlight.Add(delta)
}

// ObserveHTTP records one finished request. route is the matched route
// pattern, never the raw path, to keep label cardinality bounded.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	code := strconv.Itoa(status)
	m.httpRequestsTotal.WithLabelValues(method, route, code).Inc()
	m.httpRequestDuration.WithLabelValues(method, route, code).Observe(d.Seconds())
}

// GuardDecision counts one access guard decision.
func (m *Metrics) GuardDecision(outcome, reason string) {
	if m == nil {
		return
	}
	m.guardDecisions.WithLabelValues(outcome, reason).Inc()
}

// AuditRecorded counts one durable audit write.
func (m *Metrics) AuditRecorded() {
	if m == nil {
		return
	}
	m.auditRecorded.Inc()
}

// AuditWriteFailure counts one failed audit write. kind is e.g. "timeout" or "store".
func (m *Metrics) AuditWriteFailure(kind string) {
	if m == nil {
		return
	}
	m.auditFailures.WithLabelValues(kind).Inc()
}

// AuditFanoutDropped counts one record a subscriber did not receive.
func (m *Metrics) AuditFanoutDropped(sink string) {
	if m == nil {
		return
	}
	m.auditDropped.WithLabelValues(sink).Inc()
}

// TokenOp counts one token service operation.
func (m *Metrics) TokenOp(op, result string) {
	if m == nil {
		return
	}
	m.tokenOps.WithLabelValues(op, result).Inc()
}

// RevocationError counts one revocation store failure.
func (m *Metrics) RevocationError(op string) {
	if m == nil {
		return
	}
	m.revocationErrs.WithLabelValues(op).Inc()
}

// RevocationPruned adds n pruned entries.
func (m *Metrics) RevocationPruned(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.revocationPrune.Add(float64(n))
}

// Alert counts one operational alert.
func (m *Metrics) Alert(component string) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(component).Inc()
}

// LoginAttempt counts one login attempt. result is "success", "invalid" or "error".
func (m *Metrics) LoginAttempt(result string) {
	if m == nil {
		return
	}
	m.loginAttempts.WithLabelValues(result).Inc()
}

// RateLimited counts one request rejected by the rate limiter.
func (m *Metrics) RateLimited(route string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(route).Inc()
}
