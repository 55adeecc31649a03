// Package eventing carries raw-reading and alert messages between producers
// and consumers over a pluggable publish/subscribe transport.
package eventing

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	// ErrClosed is returned by operations on a closed bus.
	ErrClosed = errors.New("eventing: bus closed")
	// ErrEmptyStream is returned when a stream name is missing.
	ErrEmptyStream = errors.New("eventing: empty stream")
	// ErrNilHandler is returned when subscribing without a handler.
	ErrNilHandler = errors.New("eventing: nil handler")
)

// Message is one delivery on a stream.
type Message struct {
	ID         string
	Stream     string
	Key        string
	Payload    []byte
	ReceivedAt time.Time
}

// Handler processes a delivered message. Messages of one subscription are
// handed to its handler one at a time in stream order.
type Handler func(ctx context.Context, msg Message) error

// Subscription is an active stream subscription.
type Subscription interface {
	Close() error
}

// Publisher sends payloads to a stream without waiting for subscribers.
type Publisher interface {
	Publish(ctx context.Context, stream, key string, payload []byte) error
}

// Subscriber registers handlers on a stream. Only messages published after
// Subscribe returns are delivered.
type Subscriber interface {
	Subscribe(ctx context.Context, stream string, handler Handler, opts ...SubscribeOption) (Subscription, error)
}

// Bus is a publish/subscribe transport.
type Bus interface {
	Publisher
	Subscriber
	Close() error
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscribeConfig)

type subscribeConfig struct {
	group string
}

// WithGroup joins a consumer group so that instances sharing the group split
// the stream between them. Broadcast transports ignore it.
func WithGroup(group string) SubscribeOption {
	return func(c *subscribeConfig) {
		c.group = strings.TrimSpace(group)
	}
}

func applySubscribeOptions(opts []SubscribeOption) subscribeConfig {
	var cfg subscribeConfig
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// Streams names the two logical streams.
type Streams struct {
	Readings string
	Alerts   string
}

// Validate checks that both streams are named and distinct.
func (s Streams) Validate() error {
	if strings.TrimSpace(s.Readings) == "" || strings.TrimSpace(s.Alerts) == "" {
		return ErrEmptyStream
	}
	if s.Readings == s.Alerts {
		return errors.New("eventing: readings and alerts streams must differ")
	}
	return nil
}

// PublishJSON encodes v and publishes it.
func PublishJSON(ctx context.Context, publisher Publisher, stream, key string, v any) error {
	if publisher == nil {
		return errors.New("eventing: nil publisher")
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return publisher.Publish(ctx, stream, key, payload)
}
