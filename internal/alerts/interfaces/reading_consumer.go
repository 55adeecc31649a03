// Package interfaces feeds bus messages into the alert pipeline.
package interfaces

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	alertapp "vitals-alerting/internal/alerts/application"
	alerts "vitals-alerting/internal/alerts/domain"
	"vitals-alerting/internal/eventing"
	"vitals-alerting/internal/observability/logging"
	"vitals-alerting/internal/observability/metrics"
)

const (
	defaultWorkers       = 8
	defaultQueueSize     = 256
	defaultHandleTimeout = 30 * time.Second
)

// ReadingHandler processes one reading.
type ReadingHandler interface {
	HandleReading(ctx context.Context, reading alerts.Reading) (alertapp.Result, error)
}

// ReadingConsumer adapts reading stream messages into the alert pipeline.
// Readings of one patient always land on the same worker so they are handled
// in arrival order; different patients proceed in parallel.
//
// Partitioning trades isolation for per-patient order: a reading whose
// inference call hangs holds its worker, delaying every patient hashed to the
// same partition until the handle timeout (and the inference client timeout)
// cut it off. Raise WithWorkers to shrink the set of patients sharing a stall.
type ReadingConsumer struct {
	handler   ReadingHandler
	logger    *zap.Logger
	workers   int
	queueSize int
	timeout   time.Duration

	mu      sync.RWMutex
	queues  []chan delivery
	started bool
	closed  bool
	wg      sync.WaitGroup
}

// delivery is a parsed reading plus the bus metadata it arrived with.
type delivery struct {
	reading alerts.Reading
	msg     eventing.Message
}

// ConsumerOption customizes the consumer.
type ConsumerOption func(*ReadingConsumer)

// WithWorkers sets the number of partitions.
func WithWorkers(n int) ConsumerOption {
	return func(c *ReadingConsumer) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithQueueSize bounds each partition's backlog.
func WithQueueSize(n int) ConsumerOption {
	return func(c *ReadingConsumer) {
		if n > 0 {
			c.queueSize = n
		}
	}
}

// WithHandleTimeout bounds a single reading's trip through the pipeline.
func WithHandleTimeout(d time.Duration) ConsumerOption {
	return func(c *ReadingConsumer) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithConsumerLogger assigns a logger.
func WithConsumerLogger(logger *zap.Logger) ConsumerOption {
	return func(c *ReadingConsumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewReadingConsumer constructs a consumer.
func NewReadingConsumer(handler ReadingHandler, opts ...ConsumerOption) (*ReadingConsumer, error) {
	if handler == nil {
		return nil, errors.New("alerts consumer: nil handler")
	}
	c := &ReadingConsumer{
		handler:   handler,
		logger:    logging.OrNop(nil),
		workers:   defaultWorkers,
		queueSize: defaultQueueSize,
		timeout:   defaultHandleTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Start launches the partition workers. Cancelling ctx does not abort
// readings already queued; Close drains them.
func (c *ReadingConsumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("alerts consumer: closed")
	}
	if c.started {
		return nil
	}
	c.started = true
	base := context.WithoutCancel(ctx)
	c.queues = make([]chan delivery, c.workers)
	for i := range c.queues {
		c.queues[i] = make(chan delivery, c.queueSize)
		c.wg.Add(1)
		go c.loop(base, c.queues[i])
	}
	c.logger.Info("reading consumer started",
		zap.Int("workers", c.workers),
		zap.Int("queue_size", c.queueSize))
	return nil
}

// Consume is an eventing.Handler for the reading stream. Malformed payloads
// and overflow are logged and dropped; they never fail the subscription.
func (c *ReadingConsumer) Consume(_ context.Context, msg eventing.Message) error {
	reading, err := alerts.ParseReading(msg.Payload)
	if err != nil {
		metrics.IncReading(string(alertapp.StateRejected))
		c.logger.Warn("reading rejected",
			zap.String("message_id", msg.ID),
			zap.Error(err))
		return nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.started || c.closed {
		return errors.New("alerts consumer: not running")
	}
	queue := c.queues[partition(reading.PatientID, len(c.queues))]
	select {
	case queue <- delivery{reading: reading, msg: eventing.Message{ID: msg.ID, Stream: msg.Stream, Key: msg.Key, ReceivedAt: msg.ReceivedAt}}:
	default:
		metrics.IncDispatchDropped()
		c.logger.Warn("reading dropped, partition queue full",
			zap.String("patient_id", reading.PatientID),
			zap.String("message_id", msg.ID))
	}
	return nil
}

// Close stops intake and waits for queued readings to finish.
func (c *ReadingConsumer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for _, q := range c.queues {
		close(q)
	}
	c.mu.Unlock()
	c.wg.Wait()
	c.logger.Info("reading consumer drained")
}

func (c *ReadingConsumer) loop(ctx context.Context, queue <-chan delivery) {
	defer c.wg.Done()
	for d := range queue {
		c.handle(eventing.WithMessage(ctx, d.msg), d.reading)
	}
}

func (c *ReadingConsumer) handle(ctx context.Context, reading alerts.Reading) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("reading handler panic",
				zap.String("patient_id", reading.PatientID),
				zap.Any("panic", r))
		}
	}()
	// The pipeline logs each failed terminal state itself.
	_, _ = c.handler.HandleReading(ctx, reading)
}

func partition(patientID string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(patientID) % uint64(n))
}
