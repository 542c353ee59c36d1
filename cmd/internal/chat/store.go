package chat

import (
	"context"

	"chemchat/cmd/internal/outbox"
)

// Store persists conversations and message snapshots.
//
// Requirements:
//   - CreateMessage/UpdateMessage write the message and its outbox entry in
//     one atomic unit: either both are durable or neither is. This is the
//     only hard transactional boundary in the pipeline.
//   - Message rows are never physically deleted; deletion is the soft flag.
type Store interface {
	// CreateMessage persists a new message snapshot together with its
	// "message created" outbox entry.
	CreateMessage(ctx context.Context, m Message, e outbox.Entry) error

	// UpdateMessage replaces the stored snapshot (edit or soft delete)
	// together with the outbox entry describing the change.
	UpdateMessage(ctx context.Context, m Message, e outbox.Entry) error

	// GetMessage returns the current snapshot by message id.
	GetMessage(ctx context.Context, id string) (Message, error)

	// GetBySubmissionID returns the message created for a client submission,
	// used on a dedup claim miss.
	GetBySubmissionID(ctx context.Context, conversationID, submissionID string) (Message, error)

	// History returns messages of one conversation ordered by seq ASC.
	History(ctx context.Context, in HistoryInput) (HistoryResult, error)

	// Scan pages through all messages ordered by (conversation, seq) for
	// search reindexing.
	Scan(ctx context.Context, cursor ScanCursor, limit int) (ScanResult, error)

	// CreateConversation persists a conversation and its outbox entry.
	CreateConversation(ctx context.Context, c Conversation, e outbox.Entry) error

	// GetConversation returns a conversation with its member list.
	GetConversation(ctx context.Context, id string) (Conversation, error)

	// IsMember reports whether userID is a member of conversationID.
	IsMember(ctx context.Context, conversationID, userID string) (bool, error)

	Close() error
}

// HistoryInput describes a history query request.
type HistoryInput struct {
	ConversationID string
	AfterSeq       *uint64
	Limit          int
}

// HistoryResult contains the retrieved history window.
type HistoryResult struct {
	Messages []Message
	HasMore  bool
}

// ScanCursor resumes a Scan strictly after (ConversationID, Seq). The zero
// value starts from the beginning.
type ScanCursor struct {
	ConversationID string
	Seq            uint64
}

// ScanResult is one page of a full message scan.
type ScanResult struct {
	Messages []Message
	Next     ScanCursor
	HasMore  bool
}
