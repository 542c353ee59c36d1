// Package event defines the typed domain event payloads carried by outbox
// entries and broker envelopes.
//
// Payload shapes are a tagged union over known event types, with a generic
// fallback for forward compatibility: unknown types decode into RawEvent
// rather than failing the envelope.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Aggregate type names used for topic routing and partition keys.
const (
	AggregateMessage      = "message"
	AggregateConversation = "conversation"
	AggregateUser         = "user"
)

// Event type names (wire-stable).
const (
	TypeMessageCreated = "message.created"
	TypeMessageEdited  = "message.edited"
	TypeMessageDeleted = "message.deleted"

	TypeConversationCreated = "conversation.created"
	TypeMemberJoined        = "conversation.member_joined"
	TypeMemberLeft          = "conversation.member_left"
)

// Attachment mirrors the message attachment reference for event payloads.
type Attachment struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	URL      string `json:"url,omitempty"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// MessageCreated reports a newly persisted message.
type MessageCreated struct {
	MessageID      string          `json:"message_id"`
	TenantID       string          `json:"tenant_id,omitempty"`
	ConversationID string          `json:"conversation_id"`
	SenderID       string          `json:"sender_id,omitempty"`
	SubmissionID   string          `json:"submission_id,omitempty"`
	Seq            uint64          `json:"seq"`
	Kind           string          `json:"kind"`
	Text           string          `json:"text"`
	Attachments    []Attachment    `json:"attachments,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	ReplyToID      string          `json:"reply_to_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// MessageEdited reports a copy-on-write edit of an existing message.
type MessageEdited struct {
	MessageID      string    `json:"message_id"`
	TenantID       string    `json:"tenant_id,omitempty"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id,omitempty"`
	Seq            uint64    `json:"seq"`
	Text           string    `json:"text"`
	EditedAt       time.Time `json:"edited_at"`
}

// MessageDeleted reports a soft delete. The message row and its search
// document survive with the deleted flag set.
type MessageDeleted struct {
	MessageID      string    `json:"message_id"`
	TenantID       string    `json:"tenant_id,omitempty"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id,omitempty"`
	Seq            uint64    `json:"seq"`
	DeletedAt      time.Time `json:"deleted_at"`
}

// ConversationCreated reports a new conversation.
type ConversationCreated struct {
	ConversationID string    `json:"conversation_id"`
	TenantID       string    `json:"tenant_id,omitempty"`
	Kind           string    `json:"kind"`
	Name           string    `json:"name,omitempty"`
	OwnerID        string    `json:"owner_id,omitempty"`
	MemberIDs      []string  `json:"member_ids"`
	CreatedAt      time.Time `json:"created_at"`
}

// MemberEvent reports a membership change on a conversation.
type MemberEvent struct {
	ConversationID string    `json:"conversation_id"`
	TenantID       string    `json:"tenant_id,omitempty"`
	UserID         string    `json:"user_id"`
	Role           string    `json:"role,omitempty"`
	At             time.Time `json:"at"`
}

// RawEvent is the forward-compatible fallback for unknown event types.
type RawEvent struct {
	Type string
	Data json.RawMessage
}

// Decode turns an event type + raw payload into its typed representation.
// Unknown types return a RawEvent; malformed payloads of known types return
// an error.
func Decode(eventType string, data json.RawMessage) (any, error) {
	switch eventType {
	case TypeMessageCreated:
		var p MessageCreated
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("event: decode %s: %w", eventType, err)
		}
		return p, nil
	case TypeMessageEdited:
		var p MessageEdited
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("event: decode %s: %w", eventType, err)
		}
		return p, nil
	case TypeMessageDeleted:
		var p MessageDeleted
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("event: decode %s: %w", eventType, err)
		}
		return p, nil
	case TypeConversationCreated:
		var p ConversationCreated
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("event: decode %s: %w", eventType, err)
		}
		return p, nil
	case TypeMemberJoined, TypeMemberLeft:
		var p MemberEvent
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("event: decode %s: %w", eventType, err)
		}
		return p, nil
	default:
		return RawEvent{Type: eventType, Data: data}, nil
	}
}

// AggregateFor maps an event type to its aggregate family.
func AggregateFor(eventType string) string {
	switch eventType {
	case TypeMessageCreated, TypeMessageEdited, TypeMessageDeleted:
		return AggregateMessage
	case TypeConversationCreated, TypeMemberJoined, TypeMemberLeft:
		return AggregateConversation
	default:
		return ""
	}
}
