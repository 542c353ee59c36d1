// Package broker bridges the outbox dispatcher and downstream consumers over
// a partitioned, ordered, durable log. Topic routing is per aggregate family
// with a parallel dead-letter topic; the aggregate id is the ordering key.
package broker

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SchemaVersion is the current envelope schema version.
const SchemaVersion = 1

// Metadata is the required envelope header block.
type Metadata struct {
	EventID       string    `json:"eventId"`
	EventType     string    `json:"eventType"`
	AggregateType string    `json:"aggregateType"`
	AggregateID   string    `json:"aggregateId"`
	TenantID      string    `json:"tenantId,omitempty"`
	CorrelationID string    `json:"correlationId,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	SchemaVersion int       `json:"schemaVersion"`
}

// Envelope is the broker wire format: `{metadata: {...}, data: <payload>}`.
type Envelope struct {
	Metadata Metadata        `json:"metadata"`
	Data     json.RawMessage `json:"data"`
}

// Validate checks the required metadata fields. A failure here is fatal to
// the message's processing: the envelope cannot be dispatched to handlers.
func (e Envelope) Validate() error {
	m := e.Metadata
	if strings.TrimSpace(m.EventID) == "" {
		return errors.New("broker: missing metadata.eventId")
	}
	if strings.TrimSpace(m.EventType) == "" {
		return errors.New("broker: missing metadata.eventType")
	}
	if strings.TrimSpace(m.AggregateType) == "" {
		return errors.New("broker: missing metadata.aggregateType")
	}
	if strings.TrimSpace(m.AggregateID) == "" {
		return errors.New("broker: missing metadata.aggregateId")
	}
	if m.Timestamp.IsZero() {
		return errors.New("broker: missing metadata.timestamp")
	}
	if m.SchemaVersion <= 0 {
		return fmt.Errorf("broker: invalid metadata.schemaVersion: %d", m.SchemaVersion)
	}
	return nil
}

// DecodeEnvelope deserializes and validates an envelope.
func DecodeEnvelope(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("broker: decode envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
