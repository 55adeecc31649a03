// Package dedup suppresses repeated alerts for the same patient and condition
// inside a cooldown window.
package dedup

import (
	"context"
	"errors"
	"strconv"
	"time"
)

// DefaultCooldown is the minimum interval between two alerts for one key.
const DefaultCooldown = 5 * time.Minute

// ErrNilClient is returned when a backend is constructed without a client.
var ErrNilClient = errors.New("dedup: nil client")

// Filter decides whether an alert for (patientID, condition) must be dropped.
// A call that is not suppressed records now as the last emission for the key;
// the check and the record happen atomically per key.
type Filter interface {
	ShouldSuppress(ctx context.Context, patientID, condition string, now time.Time) (bool, error)
}

// keyFor length-prefixes the patient ID so no (patient, condition) pair can
// spell another pair's key.
func keyFor(patientID, condition string) string {
	return strconv.Itoa(len(patientID)) + ":" + patientID + "|" + condition
}
