package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nerrad567/authcore/internal/infrastructure/influxdb"
	"github.com/nerrad567/authcore/internal/infrastructure/mqtt"
)

// errSinkOffline is returned by sinks whose transport is disconnected.
var errSinkOffline = errors.New("audit sink offline")

// MQTTPublisher is the subset of mqtt.Client the MQTT sink uses.
type MQTTPublisher interface {
	IsConnected() bool
	PublishDefault(topic string, payload []byte) error
}

// MQTTSink publishes each record as JSON to {prefix}/audit/{outcome}.
type MQTTSink struct {
	pub    MQTTPublisher
	topics mqtt.Topics
}

// NewMQTTSink creates an MQTT subscriber.
func NewMQTTSink(pub MQTTPublisher, topics mqtt.Topics) *MQTTSink {
	return &MQTTSink{pub: pub, topics: topics}
}

// Name implements Subscriber.
func (s *MQTTSink) Name() string { return "mqtt" }

// Deliver implements Subscriber.
func (s *MQTTSink) Deliver(_ context.Context, rec Record) error {
	if !s.pub.IsConnected() {
		return errSinkOffline
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding audit record: %w", err)
	}
	return s.pub.PublishDefault(s.topics.Audit(string(rec.Outcome)), payload)
}

// DecisionWriter is the subset of influxdb.Client the InfluxDB sink uses.
type DecisionWriter interface {
	IsConnected() bool
	WriteAccessDecision(d influxdb.AccessDecision)
}

// InfluxSink writes one access_decisions point per record. Actor IDs are
// left out to keep series cardinality bounded.
type InfluxSink struct {
	w DecisionWriter
}

// NewInfluxSink creates an InfluxDB subscriber.
func NewInfluxSink(w DecisionWriter) *InfluxSink {
	return &InfluxSink{w: w}
}

// Name implements Subscriber.
func (s *InfluxSink) Name() string { return "influxdb" }

// Deliver implements Subscriber.
func (s *InfluxSink) Deliver(_ context.Context, rec Record) error {
	if !s.w.IsConnected() {
		return errSinkOffline
	}
	s.w.WriteAccessDecision(influxdb.AccessDecision{
		Outcome:  string(rec.Outcome),
		Reason:   rec.Reason,
		Resource: rec.Resource,
		Action:   rec.Action,
		Role:     rec.Role,
		At:       rec.Timestamp,
	})
	return nil
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc struct {
	SinkName string
	Fn       func(ctx context.Context, rec Record) error
}

// Name implements Subscriber.
func (f SubscriberFunc) Name() string { return f.SinkName }

// Deliver implements Subscriber.
func (f SubscriberFunc) Deliver(ctx context.Context, rec Record) error { return f.Fn(ctx, rec) }
