package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// MeasurementAccessDecisions holds one point per guard decision.
const MeasurementAccessDecisions = "access_decisions"

// AccessDecision is the low-cardinality projection of an audit record.
// Actor IDs are deliberately not tagged.
type AccessDecision struct {
	Outcome  string
	Reason   string
	Resource string
	Action   string
	Role     string
	At       time.Time
}

// WriteAccessDecision queues a point on the access_decisions measurement.
func (c *Client) WriteAccessDecision(d AccessDecision) {
	tags := map[string]string{
		"outcome":  d.Outcome,
		"resource": d.Resource,
		"action":   d.Action,
	}
	if d.Role != "" {
		tags["role"] = d.Role
	}
	if d.Reason != "" {
		tags["reason"] = d.Reason
	}

	at := d.At
	if at.IsZero() {
		at = time.Now()
	}

	c.WritePointWithTime(MeasurementAccessDecisions, tags, map[string]any{"count": 1}, at)
}

// WritePoint queues a point stamped with the current time.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	c.WritePointWithTime(measurement, tags, fields, time.Now())
}

// WritePointWithTime queues a point with an explicit timestamp. Points
// written while disconnected are dropped.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]any, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, timestamp))
}
