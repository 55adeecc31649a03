package alerts

import "errors"

var (
	// ErrNotFound indicates a missing alert record.
	ErrNotFound = errors.New("alerts: not found")
	// ErrInvalidReading marks a reading that cannot be scored.
	ErrInvalidReading = errors.New("alerts: invalid reading")
)
