package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"chemchat/cmd/internal/dedup"
	"chemchat/cmd/internal/event"
	"chemchat/cmd/internal/ids"
	"chemchat/cmd/internal/outbox"
	"chemchat/cmd/internal/sequence"
	v1 "chemchat/shared/contracts/realtime/v1"
)

// Broadcaster fans a wire envelope out to the online members of a
// conversation. Delivery is best-effort: the ingestion pipeline never blocks
// or fails on it.
type Broadcaster interface {
	Broadcast(conversationID string, env v1.Envelope)
}

// Service runs the message ingestion pipeline: dedup claim, sequence
// allocation, transactional write with outbox staging, then best-effort
// realtime fan-out.
type Service struct {
	store     Store
	seq       sequence.Sequencer
	dedup     dedup.Store
	broadcast Broadcaster
	log       *slog.Logger

	now        func() time.Time
	editWindow time.Duration // 0 disables the window check
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithBroadcaster attaches the realtime fan-out sink.
func WithBroadcaster(b Broadcaster) ServiceOption {
	return func(s *Service) error {
		s.broadcast = b
		return nil
	}
}

// WithLogger sets the service logger (default: slog.Default).
func WithLogger(log *slog.Logger) ServiceOption {
	return func(s *Service) error {
		if log == nil {
			return errors.New("chat: nil logger")
		}
		s.log = log
		return nil
	}
}

// WithEditWindow restricts edits to the given duration after creation.
// Zero disables the restriction.
func WithEditWindow(d time.Duration) ServiceOption {
	return func(s *Service) error {
		if d < 0 {
			return errors.New("chat: negative edit window")
		}
		s.editWindow = d
		return nil
	}
}

// WithClock overrides the wall clock (tests).
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) error {
		if now == nil {
			return errors.New("chat: nil clock")
		}
		s.now = now
		return nil
	}
}

// NewService constructs the ingestion service.
func NewService(store Store, seq sequence.Sequencer, d dedup.Store, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("chat: nil store")
	}
	if seq == nil {
		return nil, errors.New("chat: nil sequencer")
	}
	if d == nil {
		return nil, errors.New("chat: nil dedup store")
	}
	s := &Service{
		store: store,
		seq:   seq,
		dedup: d,
		log:   slog.Default(),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// SendInput describes one message submission.
type SendInput struct {
	TenantID       string
	ConversationID string
	SenderID       string
	SubmissionID   string // optional client idempotency key
	Type           MessageType
	Content        Content
	ReplyToID      string
}

// SendResult is the outcome of a Send. Duplicate is true when the submission
// was already processed and Message is the previously created one.
type SendResult struct {
	Message   Message
	Duplicate bool
}

// dedupFetch bounds how long Send waits for a concurrent claim holder to
// commit its message before giving up with a retryable error.
const (
	dedupFetchAttempts = 5
	dedupFetchBackoff  = 20 * time.Millisecond
)

// Send runs the full ingestion pipeline for one submission.
//
// Pipeline order matters: the dedup claim is taken BEFORE the sequence is
// allocated, so a duplicate submission never consumes a position. A claim
// whose write fails is released so a legitimate retry can proceed; positions
// consumed by failed writes are never reused (gaps are fine).
func (s *Service) Send(ctx context.Context, in SendInput) (SendResult, error) {
	const op = "chat.send"

	if err := validateSend(in); err != nil {
		return SendResult{}, err
	}

	member, err := s.store.IsMember(ctx, in.ConversationID, in.SenderID)
	if err != nil {
		return SendResult{}, Transient(op, err)
	}
	if !member {
		return SendResult{}, &OpError{Op: op, Kind: ErrForbidden, Msg: "sender is not a conversation member"}
	}

	claimed := false
	if in.SubmissionID != "" {
		claimed, err = s.dedup.Claim(ctx, in.ConversationID, in.SubmissionID)
		if err != nil {
			return SendResult{}, Transient(op, err)
		}
		if !claimed {
			m, err := s.fetchExisting(ctx, in.ConversationID, in.SubmissionID)
			if err != nil {
				return SendResult{}, err
			}
			return SendResult{Message: m, Duplicate: true}, nil
		}
	}

	seq, err := s.seq.Next(ctx, in.ConversationID)
	if err != nil {
		s.releaseClaim(ctx, claimed, in.ConversationID, in.SubmissionID)
		return SendResult{}, Transient(op, err)
	}

	now := s.now()
	id, err := ids.NewULID(now)
	if err != nil {
		s.releaseClaim(ctx, claimed, in.ConversationID, in.SubmissionID)
		return SendResult{}, Transient(op, err)
	}

	m := Message{
		ID:             id,
		TenantID:       in.TenantID,
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		SubmissionID:   in.SubmissionID,
		Seq:            seq,
		Type:           in.Type,
		Content:        in.Content,
		ReplyToID:      in.ReplyToID,
		CreatedAt:      now,
	}

	entry, err := s.newEntry(now, m.TenantID, event.AggregateMessage, m.ID, event.TypeMessageCreated, event.MessageCreated{
		MessageID:      m.ID,
		TenantID:       m.TenantID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		SubmissionID:   m.SubmissionID,
		Seq:            m.Seq,
		Kind:           string(m.Type),
		Text:           m.Content.Text,
		Attachments:    eventAttachments(m.Content.Attachments),
		Metadata:       m.Content.Metadata,
		ReplyToID:      m.ReplyToID,
		CreatedAt:      m.CreatedAt,
	})
	if err != nil {
		s.releaseClaim(ctx, claimed, in.ConversationID, in.SubmissionID)
		return SendResult{}, Transient(op, err)
	}

	if err := s.store.CreateMessage(ctx, m, entry); err != nil {
		s.releaseClaim(ctx, claimed, in.ConversationID, in.SubmissionID)
		return SendResult{}, Transient(op, err)
	}

	s.broadcastMessage(v1.TypeMessageNew, m)
	return SendResult{Message: m}, nil
}

// fetchExisting resolves the message behind a lost dedup claim. The claim
// holder may still be mid-transaction, so a short bounded wait covers the
// in-flight race before reporting a retryable miss.
func (s *Service) fetchExisting(ctx context.Context, conversationID, submissionID string) (Message, error) {
	const op = "chat.send"

	var lastErr error
	for attempt := 0; attempt < dedupFetchAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Message{}, ctx.Err()
			case <-time.After(dedupFetchBackoff):
			}
		}
		m, err := s.store.GetBySubmissionID(ctx, conversationID, submissionID)
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Message{}, Transient(op, err)
		}
		lastErr = err
	}
	return Message{}, Transient(op, lastErr)
}

func (s *Service) releaseClaim(ctx context.Context, claimed bool, conversationID, submissionID string) {
	if !claimed {
		return
	}
	if err := s.dedup.Release(ctx, conversationID, submissionID); err != nil {
		s.log.Error("chat.dedup.release.fail",
			"conversation_id", conversationID,
			"submission_id", submissionID,
			"err", err)
	}
}

// EditInput describes an edit request.
type EditInput struct {
	MessageID string
	EditorID  string
	Text      string
}

// Edit applies a copy-on-write edit. Only the original sender may edit, a
// deleted message cannot be edited, and when an edit window is configured
// the edit must fall inside it.
func (s *Service) Edit(ctx context.Context, in EditInput) (Message, error) {
	const op = "chat.edit"

	if strings.TrimSpace(in.Text) == "" {
		return Message{}, &OpError{Op: op, Kind: ErrValidation, Msg: "empty text"}
	}

	m, err := s.store.GetMessage(ctx, in.MessageID)
	if err != nil {
		return Message{}, err
	}
	if m.SenderID == "" || m.SenderID != in.EditorID {
		return Message{}, &OpError{Op: op, Kind: ErrForbidden, Msg: "only the sender may edit"}
	}
	if m.Deleted() {
		return Message{}, &OpError{Op: op, Kind: ErrConflict, Msg: "message is deleted"}
	}

	now := s.now()
	if s.editWindow > 0 && now.Sub(m.CreatedAt) > s.editWindow {
		return Message{}, &OpError{Op: op, Kind: ErrForbidden, Msg: "edit window elapsed"}
	}

	edited := m.WithEdit(in.Text, now)
	entry, err := s.newEntry(now, m.TenantID, event.AggregateMessage, m.ID, event.TypeMessageEdited, event.MessageEdited{
		MessageID:      m.ID,
		TenantID:       m.TenantID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Seq:            m.Seq,
		Text:           edited.Content.Text,
		EditedAt:       *edited.EditedAt,
	})
	if err != nil {
		return Message{}, Transient(op, err)
	}

	if err := s.store.UpdateMessage(ctx, edited, entry); err != nil {
		return Message{}, err
	}

	s.broadcastMessage(v1.TypeMessageEdited, edited)
	return edited, nil
}

// DeleteInput describes a soft-delete request.
type DeleteInput struct {
	MessageID   string
	RequesterID string
}

// Delete soft-deletes a message. The sender may always delete their own
// message; conversation owners and admins may delete any message. Deleting
// an already-deleted message is an idempotent no-op.
func (s *Service) Delete(ctx context.Context, in DeleteInput) (Message, error) {
	const op = "chat.delete"

	m, err := s.store.GetMessage(ctx, in.MessageID)
	if err != nil {
		return Message{}, err
	}
	if m.Deleted() {
		return m, nil
	}

	if m.SenderID != in.RequesterID {
		allowed, err := s.isModerator(ctx, m.ConversationID, in.RequesterID)
		if err != nil {
			return Message{}, Transient(op, err)
		}
		if !allowed {
			return Message{}, &OpError{Op: op, Kind: ErrForbidden, Msg: "requester may not delete this message"}
		}
	}

	now := s.now()
	deleted := m.WithDelete(now)
	entry, err := s.newEntry(now, m.TenantID, event.AggregateMessage, m.ID, event.TypeMessageDeleted, event.MessageDeleted{
		MessageID:      m.ID,
		TenantID:       m.TenantID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Seq:            m.Seq,
		DeletedAt:      *deleted.DeletedAt,
	})
	if err != nil {
		return Message{}, Transient(op, err)
	}

	if err := s.store.UpdateMessage(ctx, deleted, entry); err != nil {
		return Message{}, err
	}

	s.broadcastMessage(v1.TypeMessageDeleted, deleted)
	return deleted, nil
}

func (s *Service) isModerator(ctx context.Context, conversationID, userID string) (bool, error) {
	c, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return false, err
	}
	role, ok := c.MemberRole(userID)
	if !ok {
		return false, nil
	}
	return role == RoleOwner || role == RoleAdmin, nil
}

// HistoryRequest is a membership-gated history query.
type HistoryRequest struct {
	ConversationID string
	UserID         string
	AfterSeq       *uint64
	Limit          int
}

// History returns a seq-ordered window of a conversation for one of its
// members.
func (s *Service) History(ctx context.Context, req HistoryRequest) (HistoryResult, error) {
	const op = "chat.history"

	member, err := s.store.IsMember(ctx, req.ConversationID, req.UserID)
	if err != nil {
		return HistoryResult{}, Transient(op, err)
	}
	if !member {
		return HistoryResult{}, &OpError{Op: op, Kind: ErrForbidden, Msg: "not a conversation member"}
	}

	return s.store.History(ctx, HistoryInput{
		ConversationID: req.ConversationID,
		AfterSeq:       req.AfterSeq,
		Limit:          req.Limit,
	})
}

// Get returns the current snapshot of a message.
func (s *Service) Get(ctx context.Context, id string) (Message, error) {
	return s.store.GetMessage(ctx, id)
}

// IsMember reports conversation membership. Exposed for the realtime gateway
// room-join gate.
func (s *Service) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	return s.store.IsMember(ctx, conversationID, userID)
}

// CreateConversationInput describes a new conversation.
type CreateConversationInput struct {
	TenantID string
	Type     ConversationType
	Name     string
	OwnerID  string
	Members  []Member
}

// CreateConversation persists a conversation and stages its created event.
func (s *Service) CreateConversation(ctx context.Context, in CreateConversationInput) (Conversation, error) {
	const op = "chat.create_conversation"

	now := s.now()
	id, err := ids.NewULID(now)
	if err != nil {
		return Conversation{}, Transient(op, err)
	}

	c := Conversation{
		ID:        id,
		TenantID:  in.TenantID,
		Type:      in.Type,
		Name:      in.Name,
		OwnerID:   in.OwnerID,
		Members:   make([]Member, len(in.Members)),
		CreatedAt: now,
	}
	for i, m := range in.Members {
		if m.Role == "" {
			m.Role = RoleMember
		}
		if m.JoinedAt.IsZero() {
			m.JoinedAt = now
		}
		c.Members[i] = m
	}
	if err := c.ValidateShape(); err != nil {
		return Conversation{}, err
	}

	memberIDs := make([]string, len(c.Members))
	for i, m := range c.Members {
		memberIDs[i] = m.UserID
	}
	entry, err := s.newEntry(now, c.TenantID, event.AggregateConversation, c.ID, event.TypeConversationCreated, event.ConversationCreated{
		ConversationID: c.ID,
		TenantID:       c.TenantID,
		Kind:           string(c.Type),
		Name:           c.Name,
		OwnerID:        c.OwnerID,
		MemberIDs:      memberIDs,
		CreatedAt:      c.CreatedAt,
	})
	if err != nil {
		return Conversation{}, Transient(op, err)
	}

	if err := s.store.CreateConversation(ctx, c, entry); err != nil {
		return Conversation{}, err
	}
	return c, nil
}

// ---- helpers ----

func validateSend(in SendInput) error {
	const op = "chat.send"
	if strings.TrimSpace(in.ConversationID) == "" {
		return &OpError{Op: op, Kind: ErrValidation, Msg: "missing conversation_id"}
	}
	if strings.TrimSpace(in.SenderID) == "" {
		return &OpError{Op: op, Kind: ErrValidation, Msg: "missing sender_id"}
	}
	if in.Type == "" {
		return &OpError{Op: op, Kind: ErrValidation, Msg: "missing message type"}
	}
	if !ValidMessageType(in.Type) {
		return &OpError{Op: op, Kind: ErrValidation, Msg: "unknown message type"}
	}
	if strings.TrimSpace(in.Content.Text) == "" && len(in.Content.Attachments) == 0 {
		return &OpError{Op: op, Kind: ErrValidation, Msg: "empty content"}
	}
	return nil
}

func (s *Service) newEntry(now time.Time, tenantID, aggregateType, aggregateID, eventType string, payload any) (outbox.Entry, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return outbox.Entry{}, err
	}
	id, err := ids.NewULID(now)
	if err != nil {
		return outbox.Entry{}, err
	}
	return outbox.Entry{
		ID:            id,
		TenantID:      tenantID,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       data,
		CreatedAt:     now,
	}, nil
}

func (s *Service) broadcastMessage(envType string, m Message) {
	if s.broadcast == nil {
		return
	}
	env, err := wireEnvelope(envType, WirePayload(m), s.now())
	if err != nil {
		s.log.Error("chat.broadcast.encode.fail", "message_id", m.ID, "err", err)
		return
	}
	s.broadcast.Broadcast(m.ConversationID, env)
}

// WirePayload converts a message snapshot to its protocol representation.
func WirePayload(m Message) v1.MessagePayload {
	p := v1.MessagePayload{
		MessageID:      m.ID,
		ConversationID: m.ConversationID,
		ClientMsgID:    m.SubmissionID,
		Seq:            m.Seq,
		SenderID:       m.SenderID,
		Kind:           string(m.Type),
		Text:           m.Content.Text,
		ReplyToID:      m.ReplyToID,
		CreatedAt:      m.CreatedAt,
		EditedAt:       m.EditedAt,
		DeletedAt:      m.DeletedAt,
	}
	if m.Deleted() {
		// Deleted messages keep their position but drop their content.
		p.Text = ""
		return p
	}
	for _, a := range m.Content.Attachments {
		p.Attachments = append(p.Attachments, v1.Attachment(a))
	}
	return p
}

func wireEnvelope(envType string, payload any, now time.Time) (v1.Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return v1.Envelope{}, err
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    envType,
		ID:      ids.MustULID(now),
		TS:      now,
		Payload: raw,
	}, nil
}

func eventAttachments(in []Attachment) []event.Attachment {
	if len(in) == 0 {
		return nil
	}
	out := make([]event.Attachment, len(in))
	for i, a := range in {
		out[i] = event.Attachment(a)
	}
	return out
}
