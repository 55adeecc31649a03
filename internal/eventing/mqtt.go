package eventing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"vitals-alerting/internal/observability/logging"
	"vitals-alerting/internal/observability/metrics"
)

// MQTTConfig configures the MQTT transport.
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
	Timeout  time.Duration
}

// mqttClient is the subset of mqtt.Client used by the bus.
type mqttClient interface {
	IsConnected() bool
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
}

// MQTTBus maps streams to MQTT topics. The broker subscription for a topic is
// shared by all local subscribers of that stream.
type MQTTBus struct {
	client  mqttClient
	qos     byte
	timeout time.Duration
	logger  *zap.Logger
	fanout  *fanout

	mu     sync.Mutex
	closed bool
	topics map[string]bool
}

// NewMQTTBus connects to the broker and constructs a bus.
func NewMQTTBus(cfg MQTTConfig, logger *zap.Logger) (*MQTTBus, error) {
	if cfg.Broker == "" {
		return nil, errors.New("eventing: mqtt broker required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "vitals-alerting-" + NewMessageID()
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(true)

	// A clean session loses broker subscriptions on every reconnect.
	bus := newMQTTBus(nil, cfg.QoS, cfg.Timeout, logger)
	opts.SetOnConnectHandler(func(mqtt.Client) { bus.resubscribe() })
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		bus.logger.Warn("eventing: mqtt connection lost", zap.Error(err))
	})

	client := mqtt.NewClient(opts)
	bus.client = client
	token := client.Connect()
	if !token.WaitTimeout(bus.timeout) {
		return nil, fmt.Errorf("eventing: mqtt connect %s: timeout", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("eventing: mqtt connect %s: %w", cfg.Broker, err)
	}
	return bus, nil
}

func newMQTTBus(client mqttClient, qos byte, timeout time.Duration, logger *zap.Logger) *MQTTBus {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if qos > 2 {
		qos = 1
	}
	logger = logging.OrNop(logger)
	return &MQTTBus{
		client:  client,
		qos:     qos,
		timeout: timeout,
		logger:  logger,
		fanout:  newFanout(defaultQueueSize, logger),
		topics:  make(map[string]bool),
	}
}

// Publish implements Publisher.
func (b *MQTTBus) Publish(_ context.Context, stream, _ string, payload []byte) error {
	if stream == "" {
		return ErrEmptyStream
	}
	if b.isClosed() {
		return publishFailed(stream, ErrClosed)
	}
	if err := b.wait(b.client.Publish(stream, b.qos, false, payload)); err != nil {
		return publishFailed(stream, err)
	}
	metrics.IncBusMessage(stream, metrics.DirectionOut)
	return nil
}

// Subscribe implements Subscriber.
func (b *MQTTBus) Subscribe(ctx context.Context, stream string, handler Handler, _ ...SubscribeOption) (Subscription, error) {
	if stream == "" {
		return nil, ErrEmptyStream
	}
	if handler == nil {
		return nil, ErrNilHandler
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if !b.topics[stream] {
		if err := b.wait(b.client.Subscribe(stream, b.qos, b.onMessage)); err != nil {
			return nil, fmt.Errorf("eventing: mqtt subscribe %s: %w", stream, err)
		}
		b.topics[stream] = true
	}

	return b.fanout.add(ctx, stream, handler, func() { b.unsubscribe(stream) }), nil
}

// Close drops all subscriptions and disconnects.
func (b *MQTTBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.fanout.closeAll()
	b.client.Disconnect(250)
	return nil
}

func (b *MQTTBus) onMessage(_ mqtt.Client, m mqtt.Message) {
	b.fanout.dispatch(Message{
		ID:         strconv.FormatUint(uint64(m.MessageID()), 10),
		Stream:     m.Topic(),
		Payload:    append([]byte(nil), m.Payload()...),
		ReceivedAt: time.Now().UTC(),
	})
}

// resubscribe restores the broker subscription of every active stream. It
// runs on each (re)connect.
func (b *MQTTBus) resubscribe() {
	b.mu.Lock()
	if b.closed || b.client == nil {
		b.mu.Unlock()
		return
	}
	streams := make([]string, 0, len(b.topics))
	for stream := range b.topics {
		streams = append(streams, stream)
	}
	b.mu.Unlock()

	for _, stream := range streams {
		if err := b.wait(b.client.Subscribe(stream, b.qos, b.onMessage)); err != nil {
			b.logger.Error("eventing: mqtt resubscribe failed", zap.String("stream", stream), zap.Error(err))
			continue
		}
		b.logger.Info("eventing: mqtt resubscribed", zap.String("stream", stream))
	}
}

func (b *MQTTBus) unsubscribe(stream string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.topics[stream] || b.fanout.count(stream) > 0 {
		return
	}
	delete(b.topics, stream)
	if b.closed {
		return
	}
	if err := b.wait(b.client.Unsubscribe(stream)); err != nil {
		b.logger.Warn("eventing: mqtt unsubscribe failed", zap.String("stream", stream), zap.Error(err))
	}
}

func (b *MQTTBus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *MQTTBus) wait(token mqtt.Token) error {
	if !token.WaitTimeout(b.timeout) {
		return errors.New("timeout")
	}
	return token.Error()
}
