// Package ids provides id primitives shared by the server and the client core.
package ids

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewULID returns a new ULID string (26 chars).
// ULIDs sort by creation time, which keeps ids in logs and stores ordered.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustULID is NewULID for call sites where the entropy source cannot fail in practice.
// It falls back to a random hex id rather than panicking.
func MustULID(now time.Time) string {
	id, err := NewULID(now)
	if err != nil {
		return NewRandomHex(13)
	}
	return id
}

// ULIDTime extracts the embedded timestamp of a ULID string.
func ULIDTime(id string) (time.Time, bool) {
	u, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(u.Time()).UTC(), true
}
