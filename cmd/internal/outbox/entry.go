// Package outbox implements the transactional outbox: durable staging of
// domain events written in the same transaction as the state mutation they
// describe, drained asynchronously by the Dispatcher.
package outbox

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Entry is one staged domain event awaiting publication.
//
// Invariants:
//   - An entry with non-nil PublishedAt is immutable.
//   - RetryCount only increases.
//   - An entry whose RetryCount reaches the dispatcher ceiling is a
//     dead-letter candidate.
type Entry struct {
	ID            string
	TenantID      string // optional
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       json.RawMessage
	CreatedAt     time.Time
	PublishedAt   *time.Time
	RetryCount    int
}

// Published reports whether the entry has been published (terminal).
func (e Entry) Published() bool { return e.PublishedAt != nil }

// Validate checks the structural requirements for staging an entry.
func (e Entry) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return errors.New("outbox: missing entry id")
	}
	if strings.TrimSpace(e.AggregateType) == "" || strings.TrimSpace(e.AggregateID) == "" {
		return errors.New("outbox: missing aggregate reference")
	}
	if strings.TrimSpace(e.EventType) == "" {
		return errors.New("outbox: missing event type")
	}
	if len(e.Payload) == 0 {
		return errors.New("outbox: empty payload")
	}
	return nil
}
