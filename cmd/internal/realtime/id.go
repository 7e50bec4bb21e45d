package realtime

import (
	"time"

	"portal/cmd/identity/ids"
)

// NewConnectionID returns a ULID identifying one websocket connection.
func NewConnectionID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// NewEnvelopeID returns a ULID used as envelope id.
// ULID is preferable to random hex for tracing and ordering in logs.
func NewEnvelopeID(now time.Time) (string, error) {
	return ids.NewULID(now)
}
