package eventing

import (
	"context"
	"errors"
	"testing"
	"time"
)

func collect(t *testing.T, ch <-chan Message, n int) []Message {
	t.Helper()
	out := make([]Message, 0, n)
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case msg := <-ch:
			out = append(out, msg)
		case <-timeout:
			t.Fatalf("timed out after %d of %d messages", len(out), n)
		}
	}
	return out
}

func TestMemoryBusOrderPerStream(t *testing.T) {
	bus := NewMemoryBus(16, nil)
	defer bus.Close()
	ctx := context.Background()

	got := make(chan Message, 16)
	if _, err := bus.Subscribe(ctx, "alerts", func(_ context.Context, msg Message) error {
		got <- msg
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	for _, body := range []string{"a1", "a2", "a3"} {
		if err := bus.Publish(ctx, "alerts", "p1", []byte(body)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	msgs := collect(t, got, 3)
	for i, want := range []string{"a1", "a2", "a3"} {
		if string(msgs[i].Payload) != want {
			t.Fatalf("message %d: expected %s, got %s", i, want, msgs[i].Payload)
		}
		if msgs[i].Stream != "alerts" || msgs[i].ID == "" {
			t.Fatalf("unexpected metadata %+v", msgs[i])
		}
	}
}

func TestMemoryBusStreamsAreIndependent(t *testing.T) {
	bus := NewMemoryBus(16, nil)
	defer bus.Close()
	ctx := context.Background()

	readings := make(chan Message, 4)
	alerts := make(chan Message, 4)
	_, _ = bus.Subscribe(ctx, "readings", func(_ context.Context, msg Message) error { readings <- msg; return nil })
	_, _ = bus.Subscribe(ctx, "alerts", func(_ context.Context, msg Message) error { alerts <- msg; return nil })

	_ = bus.Publish(ctx, "readings", "", []byte("r1"))
	_ = bus.Publish(ctx, "alerts", "", []byte("a1"))

	if msg := collect(t, readings, 1)[0]; string(msg.Payload) != "r1" {
		t.Fatalf("readings got %s", msg.Payload)
	}
	if msg := collect(t, alerts, 1)[0]; string(msg.Payload) != "a1" {
		t.Fatalf("alerts got %s", msg.Payload)
	}
}

func TestMemoryBusNoReplayForLateSubscriber(t *testing.T) {
	bus := NewMemoryBus(16, nil)
	defer bus.Close()
	ctx := context.Background()

	_ = bus.Publish(ctx, "alerts", "", []byte("early"))

	got := make(chan Message, 4)
	_, _ = bus.Subscribe(ctx, "alerts", func(_ context.Context, msg Message) error { got <- msg; return nil })
	_ = bus.Publish(ctx, "alerts", "", []byte("late"))

	if msg := collect(t, got, 1)[0]; string(msg.Payload) != "late" {
		t.Fatalf("expected only late message, got %s", msg.Payload)
	}
	select {
	case msg := <-got:
		t.Fatalf("unexpected extra message %s", msg.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBusSlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	bus := NewMemoryBus(1, nil)
	defer bus.Close()
	ctx := context.Background()

	block := make(chan struct{})
	defer close(block)
	_, _ = bus.Subscribe(ctx, "alerts", func(context.Context, Message) error {
		<-block
		return nil
	})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			_ = bus.Publish(ctx, "alerts", "", []byte("x"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publisher blocked on slow subscriber")
	}
}

func TestMemoryBusHandlerPanicIsIsolated(t *testing.T) {
	bus := NewMemoryBus(8, nil)
	defer bus.Close()
	ctx := context.Background()

	got := make(chan Message, 4)
	_, _ = bus.Subscribe(ctx, "readings", func(_ context.Context, msg Message) error {
		if string(msg.Payload) == "boom" {
			panic("bad payload")
		}
		got <- msg
		return nil
	})
	_ = bus.Publish(ctx, "readings", "", []byte("boom"))
	_ = bus.Publish(ctx, "readings", "", []byte("ok"))

	if msg := collect(t, got, 1)[0]; string(msg.Payload) != "ok" {
		t.Fatalf("expected ok after panic, got %s", msg.Payload)
	}
}

func TestMemoryBusUnsubscribeAndClose(t *testing.T) {
	bus := NewMemoryBus(8, nil)
	ctx := context.Background()

	got := make(chan Message, 4)
	sub, _ := bus.Subscribe(ctx, "alerts", func(_ context.Context, msg Message) error { got <- msg; return nil })
	_ = sub.Close()
	_ = bus.Publish(ctx, "alerts", "", []byte("after"))
	select {
	case msg := <-got:
		t.Fatalf("closed subscription received %s", msg.Payload)
	case <-time.After(50 * time.Millisecond):
	}

	_ = bus.Close()
	if err := bus.Publish(ctx, "alerts", "", nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := bus.Subscribe(ctx, "alerts", func(context.Context, Message) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestMessageContext(t *testing.T) {
	bus := NewMemoryBus(8, nil)
	defer bus.Close()

	got := make(chan Message, 1)
	_, _ = bus.Subscribe(context.Background(), "alerts", func(ctx context.Context, _ Message) error {
		meta, ok := MessageFromContext(ctx)
		if !ok {
			return errors.New("missing message in context")
		}
		got <- meta
		return nil
	})
	_ = bus.Publish(context.Background(), "alerts", "p9", []byte("x"))
	meta := collect(t, got, 1)[0]
	if meta.Key != "p9" || meta.Payload != nil {
		t.Fatalf("unexpected context metadata %+v", meta)
	}
}

func TestStreamsValidate(t *testing.T) {
	if err := (Streams{Readings: "vitals-channel", Alerts: "alerts-channel"}).Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if err := (Streams{Readings: "x", Alerts: "x"}).Validate(); err == nil {
		t.Fatalf("expected error for identical streams")
	}
	if err := (Streams{Readings: "x"}).Validate(); !errors.Is(err, ErrEmptyStream) {
		t.Fatalf("expected ErrEmptyStream, got %v", err)
	}
}
