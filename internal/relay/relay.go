// Package relay pushes readings and alerts from the bus to live dashboard
// clients over SSE and websockets.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"

	"go.uber.org/zap"

	"vitals-alerting/internal/eventing"
	"vitals-alerting/internal/observability/logging"
)

// Event names seen by clients.
const (
	EventVitalUpdate = "vital_update"
	EventNewAlert    = "new_alert"
)

// Event is one message pushed to live clients.
type Event struct {
	Name      string
	PatientID string
	Data      json.RawMessage
}

// Sink receives relayed events. Broadcast must not block.
type Sink interface {
	Broadcast(event Event)
}

// Relay subscribes to the reading and alert streams and forwards every
// message to its sinks, preserving each stream's order.
type Relay struct {
	bus     eventing.Subscriber
	streams eventing.Streams
	sinks   []Sink
	logger  *zap.Logger

	mu   sync.Mutex
	subs []eventing.Subscription
}

// New constructs a relay.
func New(bus eventing.Subscriber, streams eventing.Streams, logger *zap.Logger, sinks ...Sink) (*Relay, error) {
	if bus == nil {
		return nil, errors.New("relay: nil bus")
	}
	if err := streams.Validate(); err != nil {
		return nil, err
	}
	r := &Relay{bus: bus, streams: streams, logger: logging.OrNop(logger)}
	for _, sink := range sinks {
		if sink != nil {
			r.sinks = append(r.sinks, sink)
		}
	}
	return r, nil
}

// Start subscribes to both streams.
func (r *Relay) Start(ctx context.Context) error {
	routes := []struct {
		stream string
		event  string
	}{
		{r.streams.Readings, EventVitalUpdate},
		{r.streams.Alerts, EventNewAlert},
	}
	for _, route := range routes {
		name := route.event
		sub, err := r.bus.Subscribe(ctx, route.stream, func(_ context.Context, msg eventing.Message) error {
			r.forward(name, msg)
			return nil
		})
		if err != nil {
			r.Close()
			return err
		}
		r.mu.Lock()
		r.subs = append(r.subs, sub)
		r.mu.Unlock()
	}
	r.logger.Info("relay started",
		zap.String("readings_stream", r.streams.Readings),
		zap.String("alerts_stream", r.streams.Alerts))
	return nil
}

// Close drops the stream subscriptions.
func (r *Relay) Close() {
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Close()
	}
}

// forward compacts the payload to a single line; SSE framing ends a data
// field at the first newline.
func (r *Relay) forward(name string, msg eventing.Message) {
	var compact bytes.Buffer
	if err := json.Compact(&compact, msg.Payload); err != nil {
		r.logger.Warn("relay skipped non-JSON payload",
			zap.String("stream", msg.Stream),
			zap.String("message_id", msg.ID))
		return
	}
	event := Event{
		Name:      name,
		PatientID: patientOf(msg),
		Data:      json.RawMessage(compact.Bytes()),
	}
	for _, sink := range r.sinks {
		sink.Broadcast(event)
	}
}

func patientOf(msg eventing.Message) string {
	if msg.Key != "" {
		return msg.Key
	}
	var body struct {
		PatientID string `json:"patientId"`
	}
	_ = json.Unmarshal(msg.Payload, &body)
	return body.PatientID
}

// visible reports whether a client scoped to patientID may see event.
// An empty scope sees everything.
func visible(scope string, event Event) bool {
	return scope == "" || scope == event.PatientID
}
