package realtime

import (
	"time"

	"happyinline/cmd/identity/ids"
)

// NewSessionID returns a ULID used as websocket session id.
func NewSessionID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// newEnvelopeID never fails: ULID generation only errors on a broken entropy source,
// in which case the frame still goes out with a time-only id.
func newEnvelopeID(now time.Time) string {
	id, err := ids.NewULID(now)
	if err != nil {
		return now.UTC().Format("20060102T150405.000000000")
	}
	return id
}
