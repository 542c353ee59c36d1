// Package ids provides the ID primitives shared across the chemchat services.
package ids

import (
	"crypto/rand"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewULID returns a new ULID string (26 chars).
// ULIDs are lexicographically sortable and work well in distributed systems.
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

// MustULID returns a new ULID string or panics.
// Use only where ID generation failure is unrecoverable anyway (process-local
// entropy exhaustion).
func MustULID(now time.Time) string {
	id, err := NewULID(now)
	if err != nil {
		panic(err)
	}
	return id
}

// NewCorrelationID returns a UUIDv4 used as broker correlation id.
// Correlation ids cross service boundaries, so the more widely recognized
// UUID format is used instead of ULID.
func NewCorrelationID() string {
	return uuid.NewString()
}
