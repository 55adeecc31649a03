package eventing

import "github.com/google/uuid"

// NewMessageID generates a random message identifier.
func NewMessageID() string {
	return uuid.NewString()
}
