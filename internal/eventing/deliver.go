package eventing

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"vitals-alerting/internal/observability/metrics"
)

// deliver runs handler for one message, isolating panics and errors so a bad
// message never stops the subscription.
func deliver(ctx context.Context, logger *zap.Logger, handler Handler, msg Message) {
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}
	metrics.IncBusMessage(msg.Stream, metrics.DirectionIn)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("eventing: handler panic",
				zap.String("stream", msg.Stream),
				zap.String("message_id", msg.ID),
				zap.String("panic", fmt.Sprint(r)))
		}
	}()
	if err := handler(WithMessage(ctx, msg), msg); err != nil {
		logger.Warn("eventing: handler error",
			zap.String("stream", msg.Stream),
			zap.String("message_id", msg.ID),
			zap.Error(err))
	}
}

func publishFailed(stream string, err error) error {
	metrics.IncBusPublishError(stream)
	return fmt.Errorf("eventing: publish %s: %w", stream, err)
}
