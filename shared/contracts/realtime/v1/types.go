// Package v1 defines the ChemChat Realtime Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeRoomJoin subscribes the connection to a conversation room (client -> server).
	TypeRoomJoin = "room_join"
	// TypeRoomJoined confirms a room subscription (server -> client).
	TypeRoomJoined = "room_joined"
	// TypeRoomLeave unsubscribes the connection from a room (client -> server).
	TypeRoomLeave = "room_leave"
	// TypeRoomLeft confirms an unsubscription (server -> client).
	TypeRoomLeft = "room_left"

	// TypeMessageSend requests sending a new message (client -> server).
	TypeMessageSend = "message_send"
	// TypeMessageAck acknowledges a send request (server -> client).
	TypeMessageAck = "message_ack"
	// TypeMessageNew broadcasts a newly accepted message (server -> room members).
	TypeMessageNew = "message_new"

	// TypeMessageEdit requests editing an existing message (client -> server).
	TypeMessageEdit = "message_edit"
	// TypeMessageEdited broadcasts an accepted edit (server -> room members).
	TypeMessageEdited = "message_edited"
	// TypeMessageDelete requests deleting an existing message (client -> server).
	TypeMessageDelete = "message_delete"
	// TypeMessageDeleted broadcasts an accepted delete (server -> room members).
	TypeMessageDeleted = "message_deleted"

	// TypeTypingStart / TypeTypingStop are advisory typing relays. Not persisted.
	TypeTypingStart = "typing_start"
	TypeTypingStop  = "typing_stop"

	// TypeHistoryFetch requests conversation history (client -> server).
	TypeHistoryFetch = "history_fetch"
	// TypeHistoryChunk returns a window of history (server -> client).
	TypeHistoryChunk = "history_chunk"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeRoomJoin,
		TypeRoomJoined,
		TypeRoomLeave,
		TypeRoomLeft,
		TypeMessageSend,
		TypeMessageAck,
		TypeMessageNew,
		TypeMessageEdit,
		TypeMessageEdited,
		TypeMessageDelete,
		TypeMessageDeleted,
		TypeTypingStart,
		TypeTypingStop,
		TypeHistoryFetch,
		TypeHistoryChunk,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloPayload carries the client credential for the session handshake.
// Token verification itself is a collaborator concern; the gateway only
// requires that it yields a user id and tenant id.
type HelloPayload struct {
	Token    string `json:"token"`
	DeviceID string `json:"device_id,omitempty"`
}

// HelloAckPayload confirms the handshake and returns the session identity.
type HelloAckPayload struct {
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
	TenantID     string `json:"tenant_id"`
}

// RoomJoinPayload requests a room subscription for a conversation.
type RoomJoinPayload struct {
	ConversationID string `json:"conversation_id"`
}

// RoomLeavePayload requests an unsubscription from a conversation room.
type RoomLeavePayload struct {
	ConversationID string `json:"conversation_id"`
}

// RoomEventPayload is broadcast for advisory room membership events.
type RoomEventPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

// Attachment describes one message attachment reference.
type Attachment struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	URL      string `json:"url,omitempty"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// MessageSendPayload requests sending a message into a conversation.
type MessageSendPayload struct {
	ConversationID string          `json:"conversation_id"`
	ClientMsgID    string          `json:"client_msg_id,omitempty"`
	Text           string          `json:"text"`
	Kind           string          `json:"kind,omitempty"`
	ReplyToID      string          `json:"reply_to_id,omitempty"`
	Attachments    []Attachment    `json:"attachments,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
}

// MessageAckPayload acknowledges a send request and returns the canonical server ids.
type MessageAckPayload struct {
	ConversationID string `json:"conversation_id"`
	ClientMsgID    string `json:"client_msg_id,omitempty"`
	MessageID      string `json:"message_id"`
	Seq            uint64 `json:"seq"`
}

// MessagePayload is the full message representation used for broadcasts and history.
type MessagePayload struct {
	MessageID      string       `json:"message_id"`
	ConversationID string       `json:"conversation_id"`
	ClientMsgID    string       `json:"client_msg_id,omitempty"`
	Seq            uint64       `json:"seq"`
	SenderID       string       `json:"sender_id,omitempty"`
	Kind           string       `json:"kind"`
	Text           string       `json:"text"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	ReplyToID      string       `json:"reply_to_id,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	EditedAt       *time.Time   `json:"edited_at,omitempty"`
	DeletedAt      *time.Time   `json:"deleted_at,omitempty"`
}

// MessageEditPayload requests an edit of an existing message.
type MessageEditPayload struct {
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
}

// MessageDeletePayload requests a soft delete of an existing message.
type MessageDeletePayload struct {
	MessageID string `json:"message_id"`
}

// TypingPayload is relayed to room members for typing indicators.
type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id,omitempty"`
}

// HistoryFetchPayload requests a history window for a conversation.
type HistoryFetchPayload struct {
	ConversationID string  `json:"conversation_id"`
	AfterSeq       *uint64 `json:"after_seq,omitempty"`
	Limit          int     `json:"limit,omitempty"`
}

// HistoryChunkPayload returns messages for a history fetch request.
type HistoryChunkPayload struct {
	ConversationID string           `json:"conversation_id"`
	Messages       []MessagePayload `json:"messages"`
	HasMore        bool             `json:"has_more"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
