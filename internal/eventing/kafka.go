package eventing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"vitals-alerting/internal/observability/logging"
	"vitals-alerting/internal/observability/metrics"
)

const (
	headerMessageID   = "message-id"
	kafkaRetryBackoff = time.Second
)

// KafkaConfig configures the Kafka transport.
type KafkaConfig struct {
	Brokers     []string
	GroupPrefix string
	DialTimeout time.Duration
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type readerFactory func(topic, group string) kafkaReader

// KafkaBus maps streams to Kafka topics. Messages are keyed, so one patient's
// messages stay on one partition and keep their order.
type KafkaBus struct {
	writer      kafkaWriter
	newReader   readerFactory
	groupPrefix string
	logger      *zap.Logger

	mu     sync.Mutex
	closed bool
	subs   map[*kafkaSubscription]struct{}
}

// ParseBrokers splits a comma-separated broker list.
func ParseBrokers(brokers string) []string {
	var out []string
	for _, broker := range strings.Split(brokers, ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			out = append(out, broker)
		}
	}
	return out
}

// NewKafkaBus dials the first broker to fail fast, then constructs the bus.
func NewKafkaBus(ctx context.Context, cfg KafkaConfig, logger *zap.Logger) (*KafkaBus, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("eventing: kafka brokers required")
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, err := kafka.DialContext(dialCtx, "tcp", cfg.Brokers[0])
	if err != nil {
		return nil, fmt.Errorf("eventing: kafka dial %s: %w", cfg.Brokers[0], err)
	}
	_ = conn.Close()

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
	}
	brokers := append([]string(nil), cfg.Brokers...)
	factory := func(topic, group string) kafkaReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:        brokers,
			Topic:          topic,
			GroupID:        group,
			MinBytes:       1,
			MaxBytes:       10e6,
			MaxWait:        500 * time.Millisecond,
			CommitInterval: time.Second,
			StartOffset:    kafka.LastOffset,
		})
	}
	return newKafkaBus(writer, factory, cfg.GroupPrefix, logger), nil
}

func newKafkaBus(writer kafkaWriter, factory readerFactory, groupPrefix string, logger *zap.Logger) *KafkaBus {
	if groupPrefix == "" {
		groupPrefix = "vitals-alerting"
	}
	return &KafkaBus{
		writer:      writer,
		newReader:   factory,
		groupPrefix: groupPrefix,
		logger:      logging.OrNop(logger),
		subs:        make(map[*kafkaSubscription]struct{}),
	}
}

// Publish implements Publisher.
func (b *KafkaBus) Publish(ctx context.Context, stream, key string, payload []byte) error {
	if stream == "" {
		return ErrEmptyStream
	}
	if b.isClosed() {
		return publishFailed(stream, ErrClosed)
	}
	msg := kafka.Message{
		Topic:   stream,
		Value:   payload,
		Headers: []kafka.Header{{Key: headerMessageID, Value: []byte(NewMessageID())}},
	}
	if key != "" {
		msg.Key = []byte(key)
	}
	if err := b.writer.WriteMessages(ctx, msg); err != nil {
		return publishFailed(stream, err)
	}
	metrics.IncBusMessage(stream, metrics.DirectionOut)
	return nil
}

// Subscribe implements Subscriber. Without WithGroup every subscription gets
// its own consumer group and so sees the whole topic from the latest offset.
// Explicit groups are namespaced by the bus group prefix so deployments
// sharing a cluster never join each other's groups.
func (b *KafkaBus) Subscribe(ctx context.Context, stream string, handler Handler, opts ...SubscribeOption) (Subscription, error) {
	if stream == "" {
		return nil, ErrEmptyStream
	}
	if handler == nil {
		return nil, ErrNilHandler
	}
	if b.isClosed() {
		return nil, ErrClosed
	}
	cfg := applySubscribeOptions(opts)
	group := b.groupPrefix + "-" + stream + "-" + NewMessageID()
	if cfg.group != "" {
		group = b.groupPrefix + "-" + cfg.group
	}

	loopCtx, cancel := context.WithCancel(ctx)
	sub := &kafkaSubscription{
		bus:    b,
		reader: b.newReader(stream, group),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go sub.run(loopCtx, handler)
	return sub, nil
}

// Close stops all readers and flushes the writer.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*kafkaSubscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	return b.writer.Close()
}

func (b *KafkaBus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

type kafkaSubscription struct {
	bus    *KafkaBus
	reader kafkaReader
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	err    error
}

func (s *kafkaSubscription) run(ctx context.Context, handler Handler) {
	defer close(s.done)
	for {
		m, err := s.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			s.bus.logger.Warn("eventing: kafka read failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(kafkaRetryBackoff):
			}
			continue
		}
		deliver(ctx, s.bus.logger, handler, Message{
			ID:         headerValue(m.Headers, headerMessageID),
			Stream:     m.Topic,
			Key:        string(m.Key),
			Payload:    m.Value,
			ReceivedAt: time.Now().UTC(),
		})
	}
}

// Close stops the read loop and closes the reader.
func (s *kafkaSubscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		s.cancel()
		<-s.done
		s.err = s.reader.Close()
	})
	return s.err
}

func headerValue(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
