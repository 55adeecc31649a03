package eventing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"vitals-alerting/internal/observability/logging"
	"vitals-alerting/internal/observability/metrics"
)

// RedisBus maps streams to Redis pub/sub channels. Delivery is broadcast and
// best effort; subscribers that are not connected miss messages.
type RedisBus struct {
	client redis.UniversalClient
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
	subs   map[*redisSubscription]struct{}
}

// NewRedisBus verifies connectivity and constructs a bus. The caller owns client.
func NewRedisBus(ctx context.Context, client redis.UniversalClient, logger *zap.Logger) (*RedisBus, error) {
	if client == nil {
		return nil, errors.New("eventing: nil redis client")
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("eventing: redis ping: %w", err)
	}
	return &RedisBus{
		client: client,
		logger: logging.OrNop(logger),
		subs:   make(map[*redisSubscription]struct{}),
	}, nil
}

// Publish implements Publisher.
func (b *RedisBus) Publish(ctx context.Context, stream, _ string, payload []byte) error {
	if stream == "" {
		return ErrEmptyStream
	}
	if b.isClosed() {
		return publishFailed(stream, ErrClosed)
	}
	if err := b.client.Publish(ctx, stream, payload).Err(); err != nil {
		return publishFailed(stream, err)
	}
	metrics.IncBusMessage(stream, metrics.DirectionOut)
	return nil
}

// Subscribe implements Subscriber. It returns once Redis confirmed the
// subscription.
func (b *RedisBus) Subscribe(ctx context.Context, stream string, handler Handler, _ ...SubscribeOption) (Subscription, error) {
	if stream == "" {
		return nil, ErrEmptyStream
	}
	if handler == nil {
		return nil, ErrNilHandler
	}
	if b.isClosed() {
		return nil, ErrClosed
	}

	pubsub := b.client.Subscribe(ctx, stream)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("eventing: redis subscribe %s: %w", stream, err)
	}

	sub := &redisSubscription{bus: b, pubsub: pubsub, done: make(chan struct{})}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	ch := pubsub.Channel()
	go func() {
		defer close(sub.done)
		for {
			select {
			case <-ctx.Done():
				_ = sub.release()
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				deliver(ctx, b.logger, handler, Message{
					ID:         NewMessageID(),
					Stream:     m.Channel,
					Payload:    []byte(m.Payload),
					ReceivedAt: time.Now().UTC(),
				})
			}
		}
	}()
	return sub, nil
}

// Close unsubscribes every subscription. The client stays open.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*redisSubscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	var firstErr error
	for _, sub := range subs {
		if err := sub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (b *RedisBus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

type redisSubscription struct {
	bus    *RedisBus
	pubsub *redis.PubSub
	once   sync.Once
	err    error
	done   chan struct{}
}

// Close unsubscribes and waits for the delivery goroutine to exit.
func (s *redisSubscription) Close() error {
	err := s.release()
	<-s.done
	return err
}

func (s *redisSubscription) release() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		s.err = s.pubsub.Close()
	})
	return s.err
}
