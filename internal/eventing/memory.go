package eventing

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"vitals-alerting/internal/observability/logging"
	"vitals-alerting/internal/observability/metrics"
)

// MemoryBus is an in-process bus for single-instance deployments and tests.
type MemoryBus struct {
	mu     sync.RWMutex
	closed bool
	fanout *fanout
}

// NewMemoryBus constructs an in-memory bus; queueSize bounds each
// subscription's backlog.
func NewMemoryBus(queueSize int, logger *zap.Logger) *MemoryBus {
	return &MemoryBus{fanout: newFanout(queueSize, logging.OrNop(logger))}
}

// Publish enqueues payload for current subscribers of stream.
func (b *MemoryBus) Publish(_ context.Context, stream, key string, payload []byte) error {
	if stream == "" {
		return ErrEmptyStream
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return publishFailed(stream, ErrClosed)
	}
	b.fanout.dispatch(Message{
		ID:         NewMessageID(),
		Stream:     stream,
		Key:        key,
		Payload:    append([]byte(nil), payload...),
		ReceivedAt: time.Now().UTC(),
	})
	metrics.IncBusMessage(stream, metrics.DirectionOut)
	return nil
}

// Subscribe implements Subscriber.
func (b *MemoryBus) Subscribe(ctx context.Context, stream string, handler Handler, _ ...SubscribeOption) (Subscription, error) {
	if stream == "" {
		return nil, ErrEmptyStream
	}
	if handler == nil {
		return nil, ErrNilHandler
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}
	return b.fanout.add(ctx, stream, handler, nil), nil
}

// Close stops every subscription.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	b.fanout.closeAll()
	return nil
}
