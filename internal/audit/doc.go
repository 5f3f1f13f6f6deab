// Package audit records every access-control decision in an append-only,
// hash-chained trail.
//
// Each Record links to its predecessor through PrevHash, and its own Hash
// is sha256(PrevHash || canonical JSON of the record). Editing, deleting or
// reordering rows breaks the chain, which VerifyChain detects. The SQLite
// table additionally rejects UPDATE and DELETE with triggers.
//
// Logger.Record writes synchronously to the primary store under a short
// timeout that is independent of the caller's cancellation, then hands the
// record to best-effort subscribers (MQTT, InfluxDB, WebSocket) through a
// bounded queue drained by Logger.Run. A subscriber can never delay or fail
// a request.
package audit
