package application

import (
	"context"
	"errors"

	alerts "vitals-alerting/internal/alerts/domain"
	"vitals-alerting/internal/eventing"
)

// StreamPublisher publishes alerts as JSON on the alert stream, keyed by patient.
type StreamPublisher struct {
	bus    eventing.Publisher
	stream string
}

// NewStreamPublisher constructs an alert stream publisher.
func NewStreamPublisher(bus eventing.Publisher, stream string) (*StreamPublisher, error) {
	if bus == nil {
		return nil, errors.New("alerts: nil bus")
	}
	if stream == "" {
		return nil, eventing.ErrEmptyStream
	}
	return &StreamPublisher{bus: bus, stream: stream}, nil
}

// PublishAlert implements AlertPublisher.
func (p *StreamPublisher) PublishAlert(ctx context.Context, alert alerts.Alert) error {
	return eventing.PublishJSON(ctx, p.bus, p.stream, alert.PatientID, alert)
}
