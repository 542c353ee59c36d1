// Package chat contains the chemchat message domain: conversations, messages,
// and the ingestion service that assigns sequence numbers, deduplicates client
// retries, and stages outbox events in the same transaction as the write.
package chat

import (
	"encoding/json"
	"strings"
	"time"
)

// MessageType enumerates the supported message kinds.
type MessageType string

const (
	MessageText   MessageType = "text"
	MessageImage  MessageType = "image"
	MessageFile   MessageType = "file"
	MessageSystem MessageType = "system"
)

// ValidMessageType reports whether t is a known message type.
func ValidMessageType(t MessageType) bool {
	switch t {
	case MessageText, MessageImage, MessageFile, MessageSystem:
		return true
	}
	return false
}

// Attachment is one attachment reference carried by a message.
type Attachment struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	URL      string `json:"url,omitempty"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Content is the message body: text plus zero or more attachments plus
// free-form metadata.
type Content struct {
	Text        string          `json:"text"`
	Attachments []Attachment    `json:"attachments,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// Message is an immutable snapshot of one chat message.
//
// Invariants:
//   - Seq is unique within a conversation.
//   - A message with non-nil DeletedAt cannot be edited.
//   - EditedAt, if set, is >= CreatedAt; DeletedAt, if set, is >= EditedAt
//     (when present) and >= CreatedAt.
//
// Edit/Delete produce new snapshots; the stored row history is never mutated
// in place and messages are never physically removed.
type Message struct {
	ID             string
	TenantID       string
	ConversationID string
	SenderID       string // empty for system messages
	SubmissionID   string // client-supplied idempotency key, optional
	Seq            uint64
	Type           MessageType
	Content        Content
	ReplyToID      string
	CreatedAt      time.Time
	EditedAt       *time.Time
	DeletedAt      *time.Time
}

// Deleted reports whether the message has been soft-deleted.
func (m Message) Deleted() bool { return m.DeletedAt != nil }

// Edited reports whether the message has been edited.
func (m Message) Edited() bool { return m.EditedAt != nil }

// WithEdit returns an edited copy of the message. It does not validate
// authorization or the deleted flag; the service is responsible for gating.
func (m Message) WithEdit(text string, at time.Time) Message {
	out := m
	out.Content.Text = text
	at = at.UTC()
	out.EditedAt = &at
	return out
}

// WithDelete returns a soft-deleted copy of the message.
func (m Message) WithDelete(at time.Time) Message {
	out := m
	at = at.UTC()
	out.DeletedAt = &at
	return out
}

// ConversationType enumerates conversation kinds.
type ConversationType string

const (
	ConversationDirect ConversationType = "direct"
	ConversationGroup  ConversationType = "group"
)

// Role is the per-member role inside a conversation.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// Member is one conversation participant.
type Member struct {
	UserID      string
	Role        Role
	LastReadSeq uint64
	JoinedAt    time.Time
}

// Conversation is the membership container for messages.
//
// Invariants:
//   - direct conversations have exactly two members and no name/owner
//   - group conversations require a name and an owner
type Conversation struct {
	ID        string
	TenantID  string
	Type      ConversationType
	Name      string // required for group, forbidden for direct
	OwnerID   string // required for group, forbidden for direct
	Members   []Member
	CreatedAt time.Time
}

// ValidateShape checks the structural invariants of a conversation.
func (c Conversation) ValidateShape() error {
	switch c.Type {
	case ConversationDirect:
		if len(c.Members) != 2 {
			return &OpError{Op: "conversation.validate", Kind: ErrValidation, Msg: "direct conversation requires exactly two members"}
		}
		if c.Name != "" || c.OwnerID != "" {
			return &OpError{Op: "conversation.validate", Kind: ErrValidation, Msg: "direct conversation must not carry name or owner"}
		}
	case ConversationGroup:
		if strings.TrimSpace(c.Name) == "" {
			return &OpError{Op: "conversation.validate", Kind: ErrValidation, Msg: "group conversation requires a name"}
		}
		if strings.TrimSpace(c.OwnerID) == "" {
			return &OpError{Op: "conversation.validate", Kind: ErrValidation, Msg: "group conversation requires an owner"}
		}
	default:
		return &OpError{Op: "conversation.validate", Kind: ErrValidation, Msg: "unknown conversation type"}
	}
	return nil
}

// MemberRole returns the role of userID, or false when not a member.
func (c Conversation) MemberRole(userID string) (Role, bool) {
	for _, m := range c.Members {
		if m.UserID == userID {
			return m.Role, true
		}
	}
	return "", false
}
