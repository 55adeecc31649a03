package eventing

import "context"

type contextKey string

const contextKeyMessage contextKey = "eventing.message"

// WithMessage attaches delivery metadata to context.
func WithMessage(ctx context.Context, msg Message) context.Context {
	return context.WithValue(ctx, contextKeyMessage, Message{
		ID:         msg.ID,
		Stream:     msg.Stream,
		Key:        msg.Key,
		ReceivedAt: msg.ReceivedAt,
	})
}

// MessageFromContext returns delivery metadata, without payload, if available.
func MessageFromContext(ctx context.Context) (Message, bool) {
	if ctx == nil {
		return Message{}, false
	}
	msg, ok := ctx.Value(contextKeyMessage).(Message)
	return msg, ok
}
