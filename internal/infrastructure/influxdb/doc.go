// Package influxdb writes access-decision points to InfluxDB v2.
//
// It wraps influxdb-client-go v2 with connection verification, a batched
// non-blocking write API and asynchronous error reporting. Writes on a
// disconnected client are dropped silently; the audit store remains the
// authoritative record and this package only feeds dashboards.
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // run without time-series export
//	}
//	defer client.Close()
//
//	client.WriteAccessDecision(influxdb.AccessDecision{
//	    Outcome: "deny", Resource: "orders", Action: "delete", Role: "basic",
//	    At: time.Now(),
//	})
package influxdb
