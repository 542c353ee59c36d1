package chat

import (
	"context"
	"sort"
	"strings"
	"sync"

	"chemchat/cmd/internal/outbox"
)

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

// MemoryStore is an in-memory Store for tests and local development. Message
// and outbox writes happen under one lock so the atomicity contract holds.
type MemoryStore struct {
	mu            sync.Mutex
	messages      map[string]Message            // message id -> snapshot
	bySubmission  map[string]string             // conversation id + ":" + submission id -> message id
	conversations map[string]Conversation       // conversation id -> conversation
	outbox        *outbox.MemoryStore

	failCreate error // when set, CreateMessage fails after no writes
}

// NewMemoryStore constructs a memory store writing outbox entries into ob.
func NewMemoryStore(ob *outbox.MemoryStore) *MemoryStore {
	if ob == nil {
		ob = outbox.NewMemoryStore()
	}
	return &MemoryStore{
		messages:      make(map[string]Message),
		bySubmission:  make(map[string]string),
		conversations: make(map[string]Conversation),
		outbox:        ob,
	}
}

// Outbox exposes the backing outbox store.
func (s *MemoryStore) Outbox() *outbox.MemoryStore { return s.outbox }

// FailCreateWith makes subsequent CreateMessage calls fail with err without
// persisting anything. Pass nil to restore normal behavior.
func (s *MemoryStore) FailCreateWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCreate = err
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) CreateMessage(ctx context.Context, m Message, e outbox.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failCreate != nil {
		return s.failCreate
	}
	if _, ok := s.messages[m.ID]; ok {
		return &OpError{Op: "chat.create", Kind: ErrConflict, Msg: "message " + m.ID + " exists"}
	}
	if err := s.outbox.Append(ctx, e); err != nil {
		return err
	}
	s.messages[m.ID] = m
	if m.SubmissionID != "" {
		s.bySubmission[m.ConversationID+":"+m.SubmissionID] = m.ID
	}
	return nil
}

func (s *MemoryStore) UpdateMessage(ctx context.Context, m Message, e outbox.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[m.ID]; !ok {
		return &OpError{Op: "chat.update", Kind: ErrNotFound, Msg: "message " + m.ID}
	}
	if err := s.outbox.Append(ctx, e); err != nil {
		return err
	}
	s.messages[m.ID] = m
	return nil
}

func (s *MemoryStore) GetMessage(ctx context.Context, id string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return Message{}, &OpError{Op: "chat.get", Kind: ErrNotFound, Msg: "message " + id}
	}
	return m, nil
}

func (s *MemoryStore) GetBySubmissionID(ctx context.Context, conversationID, submissionID string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.bySubmission[conversationID+":"+submissionID]
	if !ok {
		return Message{}, &OpError{Op: "chat.get_by_submission", Kind: ErrNotFound, Msg: "submission " + submissionID}
	}
	return s.messages[id], nil
}

func (s *MemoryStore) History(ctx context.Context, in HistoryInput) (HistoryResult, error) {
	if err := ctx.Err(); err != nil {
		return HistoryResult{}, err
	}
	if in.ConversationID == "" {
		return HistoryResult{}, &OpError{Op: "chat.history", Kind: ErrValidation, Msg: "missing conversation_id"}
	}
	limit := clampHistoryLimit(in.Limit)

	s.mu.Lock()
	msgs := s.conversationMessagesLocked(in.ConversationID)
	s.mu.Unlock()

	if in.AfterSeq != nil {
		after := *in.AfterSeq
		filtered := msgs[:0]
		for _, m := range msgs {
			if m.Seq > after {
				filtered = append(filtered, m)
			}
		}
		msgs = filtered
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	return HistoryResult{Messages: msgs, HasMore: hasMore}, nil
}

func (s *MemoryStore) Scan(ctx context.Context, cursor ScanCursor, limit int) (ScanResult, error) {
	if err := ctx.Err(); err != nil {
		return ScanResult{}, err
	}
	if limit <= 0 {
		limit = 500
	}

	s.mu.Lock()
	all := make([]Message, 0, len(s.messages))
	for _, m := range s.messages {
		all = append(all, m)
	}
	s.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].ConversationID != all[j].ConversationID {
			return all[i].ConversationID < all[j].ConversationID
		}
		return all[i].Seq < all[j].Seq
	})

	start := 0
	if cursor != (ScanCursor{}) {
		start = sort.Search(len(all), func(i int) bool {
			if all[i].ConversationID != cursor.ConversationID {
				return all[i].ConversationID > cursor.ConversationID
			}
			return all[i].Seq > cursor.Seq
		})
	}
	all = all[start:]

	hasMore := len(all) > limit
	if hasMore {
		all = all[:limit]
	}
	out := ScanResult{Messages: all, HasMore: hasMore}
	if n := len(all); n > 0 {
		out.Next = ScanCursor{ConversationID: all[n-1].ConversationID, Seq: all[n-1].Seq}
	}
	return out, nil
}

func (s *MemoryStore) CreateConversation(ctx context.Context, c Conversation, e outbox.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.ValidateShape(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[c.ID]; ok {
		return &OpError{Op: "chat.create_conversation", Kind: ErrConflict, Msg: "conversation " + c.ID + " exists"}
	}
	if err := s.outbox.Append(ctx, e); err != nil {
		return err
	}
	s.conversations[c.ID] = c
	return nil
}

func (s *MemoryStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[id]
	if !ok {
		return Conversation{}, &OpError{Op: "chat.get_conversation", Kind: ErrNotFound, Msg: "conversation " + id}
	}
	return c, nil
}

func (s *MemoryStore) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	conversationID = strings.TrimSpace(conversationID)
	userID = strings.TrimSpace(userID)
	if conversationID == "" || userID == "" {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[conversationID]
	if !ok {
		return false, nil
	}
	_, member := c.MemberRole(userID)
	return member, nil
}

func (s *MemoryStore) conversationMessagesLocked(conversationID string) []Message {
	var msgs []Message
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			msgs = append(msgs, m)
		}
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Seq < msgs[j].Seq })
	return msgs
}
