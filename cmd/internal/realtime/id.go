package realtime

import (
	"time"

	"roomsync/cmd/internal/ids"
)

// NewSessionID returns a ULID used as connection session id.
func NewSessionID(now time.Time) string {
	return ids.MustULID(now)
}

// NewEnvelopeID returns a ULID used as envelope id.
// ULID is preferable to random hex for tracing and ordering in logs.
func NewEnvelopeID(now time.Time) string {
	return ids.MustULID(now)
}

// NewServerMsgID returns a ULID used as server_msg_id.
// Message ids sort in creation order, like seq.
func NewServerMsgID(now time.Time) string {
	return ids.MustULID(now)
}
