package notify

import "context"

// Message is a rendered notification.
type Message struct {
	Subject string
	Content string
}

// Channel delivers rendered notifications.
type Channel interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}
