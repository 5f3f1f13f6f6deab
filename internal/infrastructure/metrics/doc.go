// Package metrics exposes authcore's Prometheus instrumentation.
//
// A Metrics value owns its own registry so tests can create as many as they
// like. Every method is safe to call on a nil *Metrics, which turns
// instrumentation off without guarding each call site.
package metrics
