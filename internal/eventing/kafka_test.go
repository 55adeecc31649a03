package eventing

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeKafka routes written messages to readers of the same topic.
type fakeKafka struct {
	mu       sync.Mutex
	written  []kafka.Message
	readers  map[string][]*fakeKafkaReader
	groups   []string
	writeErr error
	closed   bool
}

func newFakeKafka() *fakeKafka {
	return &fakeKafka{readers: make(map[string][]*fakeKafkaReader)}
}

func (f *fakeKafka) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	for _, m := range msgs {
		f.written = append(f.written, m)
		for _, r := range f.readers[m.Topic] {
			r.ch <- m
		}
	}
	return nil
}

func (f *fakeKafka) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeKafka) factory(topic, group string) kafkaReader {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := &fakeKafkaReader{ch: make(chan kafka.Message, 16)}
	f.readers[topic] = append(f.readers[topic], r)
	f.groups = append(f.groups, group)
	return r
}

type fakeKafkaReader struct {
	ch     chan kafka.Message
	mu     sync.Mutex
	closed bool
}

func (r *fakeKafkaReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	case m := <-r.ch:
		return m, nil
	}
}

func (r *fakeKafkaReader) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

func TestKafkaBus_PublishSubscribe(t *testing.T) {
	fk := newFakeKafka()
	bus := newKafkaBus(fk, fk.factory, "", nil)
	ctx := context.Background()

	got := make(chan Message, 4)
	_, err := bus.Subscribe(ctx, "alerts-channel", func(_ context.Context, msg Message) error {
		got <- msg
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, "alerts-channel", "p1", []byte("a1")))
	require.NoError(t, bus.Publish(ctx, "alerts-channel", "p1", []byte("a2")))

	msgs := collect(t, got, 2)
	assert.Equal(t, "a1", string(msgs[0].Payload))
	assert.Equal(t, "a2", string(msgs[1].Payload))
	assert.Equal(t, "p1", msgs[0].Key)
	assert.NotEmpty(t, msgs[0].ID)

	require.Len(t, fk.written, 2)
	assert.Equal(t, []byte("p1"), fk.written[0].Key)
	assert.Equal(t, "alerts-channel", fk.written[0].Topic)

	require.NoError(t, bus.Close())
	assert.True(t, fk.closed)
}

func TestKafkaBus_Groups(t *testing.T) {
	fk := newFakeKafka()
	bus := newKafkaBus(fk, fk.factory, "vitals", nil)
	defer bus.Close()
	ctx := context.Background()

	_, err := bus.Subscribe(ctx, "vitals-channel", func(context.Context, Message) error { return nil }, WithGroup("pipeline"))
	require.NoError(t, err)
	_, err = bus.Subscribe(ctx, "vitals-channel", func(context.Context, Message) error { return nil })
	require.NoError(t, err)
	_, err = bus.Subscribe(ctx, "vitals-channel", func(context.Context, Message) error { return nil })
	require.NoError(t, err)

	require.Len(t, fk.groups, 3)
	assert.Equal(t, "vitals-pipeline", fk.groups[0])
	assert.Contains(t, fk.groups[1], "vitals-vitals-channel-")
	assert.NotEqual(t, fk.groups[1], fk.groups[2])
}

func TestKafkaBus_ExplicitGroupsStayPerDeployment(t *testing.T) {
	fk := newFakeKafka()
	ward := newKafkaBus(fk, fk.factory, "ward-a", nil)
	defer ward.Close()
	icu := newKafkaBus(fk, fk.factory, "icu", nil)
	defer icu.Close()
	ctx := context.Background()

	_, err := ward.Subscribe(ctx, "alerts-channel", func(context.Context, Message) error { return nil }, WithGroup("notifier"))
	require.NoError(t, err)
	_, err = icu.Subscribe(ctx, "alerts-channel", func(context.Context, Message) error { return nil }, WithGroup("notifier"))
	require.NoError(t, err)

	require.Len(t, fk.groups, 2)
	assert.Equal(t, []string{"ward-a-notifier", "icu-notifier"}, fk.groups)
}

func TestKafkaBus_PublishError(t *testing.T) {
	fk := newFakeKafka()
	fk.writeErr = errors.New("leader not available")
	bus := newKafkaBus(fk, fk.factory, "", nil)

	err := bus.Publish(context.Background(), "alerts-channel", "", []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "leader not available")
}

func TestKafkaBus_SubscriptionClose(t *testing.T) {
	fk := newFakeKafka()
	bus := newKafkaBus(fk, fk.factory, "", nil)
	sub, err := bus.Subscribe(context.Background(), "alerts-channel", func(context.Context, Message) error { return nil })
	require.NoError(t, err)

	require.NoError(t, sub.Close())
	reader := fk.readers["alerts-channel"][0]
	reader.mu.Lock()
	defer reader.mu.Unlock()
	assert.True(t, reader.closed)
}

func TestParseBrokers(t *testing.T) {
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, ParseBrokers(" k1:9092, ,k2:9092 "))
	assert.Nil(t, ParseBrokers(""))
}
