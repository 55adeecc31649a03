package eventing

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedisBus(t *testing.T) (*miniredis.Miniredis, *RedisBus) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	bus, err := NewRedisBus(context.Background(), client, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })
	return mr, bus
}

func TestRedisBus_PublishSubscribe(t *testing.T) {
	_, bus := setupRedisBus(t)
	ctx := context.Background()

	got := make(chan Message, 4)
	_, err := bus.Subscribe(ctx, "vitals-channel", func(_ context.Context, msg Message) error {
		got <- msg
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, "vitals-channel", "p1", []byte(`{"patientId":"p1"}`)))
	require.NoError(t, bus.Publish(ctx, "vitals-channel", "p1", []byte(`{"patientId":"p2"}`)))

	msgs := collect(t, got, 2)
	assert.Equal(t, `{"patientId":"p1"}`, string(msgs[0].Payload))
	assert.Equal(t, `{"patientId":"p2"}`, string(msgs[1].Payload))
	assert.Equal(t, "vitals-channel", msgs[0].Stream)
}

func TestRedisBus_OtherChannelNotDelivered(t *testing.T) {
	_, bus := setupRedisBus(t)
	ctx := context.Background()

	got := make(chan Message, 4)
	_, err := bus.Subscribe(ctx, "alerts-channel", func(_ context.Context, msg Message) error {
		got <- msg
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, "vitals-channel", "", []byte("r")))

	select {
	case msg := <-got:
		t.Fatalf("unexpected delivery %s", msg.Payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRedisBus_CloseSubscription(t *testing.T) {
	mr, bus := setupRedisBus(t)
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "alerts-channel", func(context.Context, Message) error { return nil })
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub("alerts-channel")["alerts-channel"] == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, sub.Close())
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub("alerts-channel")["alerts-channel"] == 0
	}, time.Second, 10*time.Millisecond)
}

func TestNewRedisBus_Unreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	defer client.Close()

	_, err := NewRedisBus(context.Background(), client, nil)
	require.Error(t, err)
}
