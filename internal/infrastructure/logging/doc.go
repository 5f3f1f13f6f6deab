// Package logging provides structured logging for authcore.
//
// It wraps log/slog so every component logs with the same default fields
// (service, version) and the same level filtering.
//
// Configuration:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Never log passwords, password hashes, or raw tokens. Use Fingerprint when
// a token needs to be correlated across log lines.
package logging
