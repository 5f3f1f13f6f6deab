// Package api implements the HTTP surface of authcore.
//
// This package provides:
//   - Session endpoints: login, refresh, verify and logout
//   - Guarded user and audit endpoints, each declaring its (resource, action)
//   - A WebSocket stream of audit decisions for operators
//   - Middleware stack (request ID, security headers, logging, recovery,
//     metrics, CORS, body limit, per-IP rate limiting)
//   - Prometheus exposition on /metrics
//
// # Security
//
// Tokens travel as HttpOnly, SameSite=Strict cookies and in the JSON body of
// login and refresh. Every protected route goes through guard.Require, which
// records one audit entry per decision before the response is written.
// Session events are audited against the "sessions" pseudo-resource.
//
// Error responses never carry internal detail: token failures map to a fixed
// set of reason codes, everything else to a generic message.
package api
