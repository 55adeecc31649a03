package eventing

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

const defaultQueueSize = 1024

// fanout hands each message to every local subscription of its stream. Every
// subscription owns a queue drained by one goroutine, so a slow handler never
// blocks the publisher or other subscribers.
type fanout struct {
	mu     sync.RWMutex
	subs   map[string]map[*queueSub]struct{}
	buffer int
	logger *zap.Logger
}

func newFanout(buffer int, logger *zap.Logger) *fanout {
	if buffer <= 0 {
		buffer = defaultQueueSize
	}
	return &fanout{
		subs:   make(map[string]map[*queueSub]struct{}),
		buffer: buffer,
		logger: logger,
	}
}

type queueSub struct {
	f       *fanout
	stream  string
	ch      chan Message
	done    chan struct{}
	once    sync.Once
	onEmpty func()
}

// add registers a subscription. onEmpty, if set, runs when the last
// subscription of stream closes.
func (f *fanout) add(ctx context.Context, stream string, handler Handler, onEmpty func()) *queueSub {
	sub := &queueSub{
		f:       f,
		stream:  stream,
		ch:      make(chan Message, f.buffer),
		done:    make(chan struct{}),
		onEmpty: onEmpty,
	}
	f.mu.Lock()
	set, ok := f.subs[stream]
	if !ok {
		set = make(map[*queueSub]struct{})
		f.subs[stream] = set
	}
	set[sub] = struct{}{}
	f.mu.Unlock()

	go func() {
		for {
			select {
			case <-sub.done:
				return
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg := <-sub.ch:
				deliver(ctx, f.logger, handler, msg)
			}
		}
	}()
	return sub
}

func (f *fanout) count(stream string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs[stream])
}

// dispatch enqueues msg for every subscription of its stream and returns how
// many queues accepted it.
func (f *fanout) dispatch(msg Message) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	accepted := 0
	for sub := range f.subs[msg.Stream] {
		select {
		case sub.ch <- msg:
			accepted++
		default:
			f.logger.Warn("eventing: subscriber queue full, message dropped",
				zap.String("stream", msg.Stream),
				zap.String("message_id", msg.ID))
		}
	}
	return accepted
}

func (f *fanout) closeAll() {
	f.mu.RLock()
	var all []*queueSub
	for _, set := range f.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	f.mu.RUnlock()
	for _, sub := range all {
		_ = sub.Close()
	}
}

// Close removes the subscription. Pending messages are discarded.
func (s *queueSub) Close() error {
	s.once.Do(func() {
		s.f.mu.Lock()
		empty := false
		if set, ok := s.f.subs[s.stream]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(s.f.subs, s.stream)
				empty = true
			}
		}
		s.f.mu.Unlock()
		close(s.done)
		if empty && s.onEmpty != nil {
			s.onEmpty()
		}
	})
	return nil
}
