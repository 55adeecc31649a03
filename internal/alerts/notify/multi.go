package notify

import (
	"context"
	"errors"
	"fmt"

	"vitals-alerting/internal/observability/metrics"
)

// MultiChannel delivers a message to every configured channel. One failing
// channel does not stop the others.
type MultiChannel struct {
	channels []Channel
}

// NewMultiChannel constructs a MultiChannel, skipping nil channels.
func NewMultiChannel(channels ...Channel) *MultiChannel {
	m := &MultiChannel{}
	for _, ch := range channels {
		if ch != nil {
			m.channels = append(m.channels, ch)
		}
	}
	return m
}

// Len reports how many channels are configured.
func (m *MultiChannel) Len() int {
	if m == nil {
		return 0
	}
	return len(m.channels)
}

// Name implements Channel.
func (m *MultiChannel) Name() string { return "multi" }

// Send implements Channel.
func (m *MultiChannel) Send(ctx context.Context, msg Message) error {
	if m == nil {
		return nil
	}
	var errs []error
	for _, ch := range m.channels {
		if err := ch.Send(ctx, msg); err != nil {
			metrics.IncNotification(ch.Name(), metrics.ResultError)
			errs = append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
			continue
		}
		metrics.IncNotification(ch.Name(), metrics.ResultSuccess)
	}
	return errors.Join(errs...)
}
