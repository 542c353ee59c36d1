package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chemchat/cmd/internal/dedup"
	"chemchat/cmd/internal/event"
	"chemchat/cmd/internal/sequence"
	v1 "chemchat/shared/contracts/realtime/v1"
)

type fixture struct {
	svc   *Service
	store *MemoryStore
	dedup *dedup.MemoryStore
	conv  Conversation
}

func newFixture(t *testing.T, opts ...ServiceOption) *fixture {
	t.Helper()

	store := NewMemoryStore(nil)
	d := dedup.NewMemoryStore()

	svc, err := NewService(store, sequence.NewMemorySequencer(), d, opts...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	conv, err := svc.CreateConversation(context.Background(), CreateConversationInput{
		Type:    ConversationGroup,
		Name:    "engineering",
		OwnerID: "alice",
		Members: []Member{
			{UserID: "alice", Role: RoleOwner},
			{UserID: "bob"},
			{UserID: "carol", Role: RoleAdmin},
			{UserID: "dave"},
		},
	})
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	return &fixture{svc: svc, store: store, dedup: d, conv: conv}
}

func (f *fixture) send(t *testing.T, sender, submissionID, text string) Message {
	t.Helper()
	res, err := f.svc.Send(context.Background(), SendInput{
		ConversationID: f.conv.ID,
		SenderID:       sender,
		SubmissionID:   submissionID,
		Type:           MessageText,
		Content:        Content{Text: text},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	return res.Message
}

func TestSendValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	tests := []struct {
		name string
		in   SendInput
		kind error
	}{
		{
			name: "missing conversation",
			in:   SendInput{SenderID: "alice", Type: MessageText, Content: Content{Text: "hi"}},
			kind: ErrValidation,
		},
		{
			name: "missing sender",
			in:   SendInput{ConversationID: f.conv.ID, Type: MessageText, Content: Content{Text: "hi"}},
			kind: ErrValidation,
		},
		{
			name: "unknown type",
			in:   SendInput{ConversationID: f.conv.ID, SenderID: "alice", Type: "gif", Content: Content{Text: "hi"}},
			kind: ErrValidation,
		},
		{
			name: "empty content",
			in:   SendInput{ConversationID: f.conv.ID, SenderID: "alice", Type: MessageText},
			kind: ErrValidation,
		},
		{
			name: "non-member",
			in:   SendInput{ConversationID: f.conv.ID, SenderID: "mallory", Type: MessageText, Content: Content{Text: "hi"}},
			kind: ErrForbidden,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Send(context.Background(), tc.in)
			if !errors.Is(err, tc.kind) {
				t.Fatalf("Send error = %v, want kind %v", err, tc.kind)
			}
		})
	}
}

func TestSendAssignsSequentialPositions(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	for want := uint64(0); want < 5; want++ {
		m := f.send(t, "alice", "", "msg")
		if m.Seq != want {
			t.Fatalf("Seq = %d, want %d", m.Seq, want)
		}
	}
}

func TestSendStagesOutboxEntryAtomically(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	m := f.send(t, "bob", "", "hello")

	pending, err := f.store.Outbox().FetchPending(context.Background(), 10)
	if err != nil {
		t.Fatalf("FetchPending: %v", err)
	}
	// conversation.created + message.created
	if len(pending) != 2 {
		t.Fatalf("pending = %d entries, want 2", len(pending))
	}
	e := pending[1]
	if e.EventType != event.TypeMessageCreated {
		t.Fatalf("EventType = %q, want %q", e.EventType, event.TypeMessageCreated)
	}
	if e.AggregateID != m.ID || e.AggregateType != event.AggregateMessage {
		t.Fatalf("aggregate = %s/%s, want %s/%s", e.AggregateType, e.AggregateID, event.AggregateMessage, m.ID)
	}
}

func TestSendDuplicateSubmissionReturnsOriginal(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	first := f.send(t, "alice", "sub-1", "hello")

	res, err := f.svc.Send(context.Background(), SendInput{
		ConversationID: f.conv.ID,
		SenderID:       "alice",
		SubmissionID:   "sub-1",
		Type:           MessageText,
		Content:        Content{Text: "hello again"},
	})
	if err != nil {
		t.Fatalf("duplicate Send: %v", err)
	}
	if !res.Duplicate {
		t.Fatal("Duplicate = false, want true")
	}
	if res.Message.ID != first.ID || res.Message.Seq != first.Seq {
		t.Fatalf("duplicate returned %s/seq=%d, want original %s/seq=%d",
			res.Message.ID, res.Message.Seq, first.ID, first.Seq)
	}
	if res.Message.Content.Text != "hello" {
		t.Fatalf("duplicate text = %q, want original content", res.Message.Content.Text)
	}

	// A duplicate must not consume a position.
	next := f.send(t, "alice", "", "next")
	if next.Seq != first.Seq+1 {
		t.Fatalf("next Seq = %d, want %d", next.Seq, first.Seq+1)
	}
}

func TestSendConcurrentSameSubmission(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	const workers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		msgIDs  = make(map[string]struct{})
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.Send(context.Background(), SendInput{
				ConversationID: f.conv.ID,
				SenderID:       "bob",
				SubmissionID:   "burst-1",
				Type:           MessageText,
				Content:        Content{Text: "hi"},
			})
			if err != nil {
				t.Errorf("Send: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			msgIDs[res.Message.ID] = struct{}{}
			if !res.Duplicate {
				created++
			}
		}()
	}
	wg.Wait()

	if created != 1 {
		t.Fatalf("created = %d messages, want exactly 1", created)
	}
	if len(msgIDs) != 1 {
		t.Fatalf("distinct message ids = %d, want 1", len(msgIDs))
	}
}

func TestSendReleasesClaimOnWriteFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	boom := errors.New("disk on fire")
	f.store.FailCreateWith(boom)

	_, err := f.svc.Send(context.Background(), SendInput{
		ConversationID: f.conv.ID,
		SenderID:       "alice",
		SubmissionID:   "sub-retry",
		Type:           MessageText,
		Content:        Content{Text: "hello"},
	})
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("Send error = %v, want kind %v", err, ErrTransient)
	}

	// The claim was released, so the retry succeeds as a fresh message.
	f.store.FailCreateWith(nil)
	res, err := f.svc.Send(context.Background(), SendInput{
		ConversationID: f.conv.ID,
		SenderID:       "alice",
		SubmissionID:   "sub-retry",
		Type:           MessageText,
		Content:        Content{Text: "hello"},
	})
	if err != nil {
		t.Fatalf("retry Send: %v", err)
	}
	if res.Duplicate {
		t.Fatal("retry reported Duplicate = true, want fresh create")
	}
}

func TestEdit(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	m := f.send(t, "alice", "", "first draft")

	edited, err := f.svc.Edit(context.Background(), EditInput{
		MessageID: m.ID,
		EditorID:  "alice",
		Text:      "final",
	})
	if err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if edited.Content.Text != "final" {
		t.Fatalf("text = %q, want %q", edited.Content.Text, "final")
	}
	if !edited.Edited() {
		t.Fatal("EditedAt not set")
	}
	if edited.Seq != m.Seq || edited.ID != m.ID {
		t.Fatal("edit changed identity or position")
	}

	got, err := f.svc.Get(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Content.Text != "final" {
		t.Fatalf("stored text = %q, want %q", got.Content.Text, "final")
	}
}

func TestEditGating(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	m := f.send(t, "alice", "", "original")
	deleted := f.send(t, "alice", "", "gone soon")
	if _, err := f.svc.Delete(context.Background(), DeleteInput{MessageID: deleted.ID, RequesterID: "alice"}); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	tests := []struct {
		name string
		in   EditInput
		kind error
	}{
		{
			name: "empty text",
			in:   EditInput{MessageID: m.ID, EditorID: "alice"},
			kind: ErrValidation,
		},
		{
			name: "unknown message",
			in:   EditInput{MessageID: "nope", EditorID: "alice", Text: "x"},
			kind: ErrNotFound,
		},
		{
			name: "not the sender",
			in:   EditInput{MessageID: m.ID, EditorID: "bob", Text: "x"},
			kind: ErrForbidden,
		},
		{
			name: "deleted message",
			in:   EditInput{MessageID: deleted.ID, EditorID: "alice", Text: "x"},
			kind: ErrConflict,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Edit(context.Background(), tc.in)
			if !errors.Is(err, tc.kind) {
				t.Fatalf("Edit error = %v, want kind %v", err, tc.kind)
			}
		})
	}
}

func TestEditWindow(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	store := NewMemoryStore(nil)
	svc, err := NewService(store, sequence.NewMemorySequencer(), dedup.NewMemoryStore(),
		WithClock(clock), WithEditWindow(15*time.Minute))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	conv, err := svc.CreateConversation(context.Background(), CreateConversationInput{
		Type:    ConversationDirect,
		Members: []Member{{UserID: "alice"}, {UserID: "bob"}},
	})
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	res, err := svc.Send(context.Background(), SendInput{
		ConversationID: conv.ID,
		SenderID:       "alice",
		Type:           MessageText,
		Content:        Content{Text: "hi"},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	now = now.Add(14 * time.Minute)
	if _, err := svc.Edit(context.Background(), EditInput{MessageID: res.Message.ID, EditorID: "alice", Text: "inside"}); err != nil {
		t.Fatalf("Edit inside window: %v", err)
	}

	now = now.Add(2 * time.Minute)
	_, err = svc.Edit(context.Background(), EditInput{MessageID: res.Message.ID, EditorID: "alice", Text: "outside"})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("Edit outside window = %v, want kind %v", err, ErrForbidden)
	}
}

func TestDelete(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	m := f.send(t, "bob", "", "oops")

	deleted, err := f.svc.Delete(context.Background(), DeleteInput{MessageID: m.ID, RequesterID: "bob"})
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !deleted.Deleted() {
		t.Fatal("DeletedAt not set")
	}
	if deleted.Seq != m.Seq {
		t.Fatal("delete changed position")
	}

	// Idempotent: a second delete succeeds and changes nothing.
	again, err := f.svc.Delete(context.Background(), DeleteInput{MessageID: m.ID, RequesterID: "bob"})
	if err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	if !again.DeletedAt.Equal(*deleted.DeletedAt) {
		t.Fatal("second delete moved DeletedAt")
	}
}

func TestDeleteAuthorization(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	tests := []struct {
		name      string
		requester string
		wantErr   error
	}{
		{name: "sender", requester: "bob", wantErr: nil},
		{name: "owner", requester: "alice", wantErr: nil},
		{name: "admin", requester: "carol", wantErr: nil},
		{name: "plain member", requester: "dave", wantErr: ErrForbidden},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := f.send(t, "bob", "", "target")
			_, err := f.svc.Delete(context.Background(), DeleteInput{MessageID: m.ID, RequesterID: tc.requester})
			if tc.wantErr == nil {
				if err != nil {
					t.Fatalf("Delete: %v", err)
				}
				return
			}
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("Delete error = %v, want kind %v", err, tc.wantErr)
			}
		})
	}
}

func TestHistory(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	for i := 0; i < 7; i++ {
		f.send(t, "alice", "", "msg")
	}

	t.Run("membership gate", func(t *testing.T) {
		_, err := f.svc.History(context.Background(), HistoryRequest{ConversationID: f.conv.ID, UserID: "mallory"})
		if !errors.Is(err, ErrForbidden) {
			t.Fatalf("History error = %v, want kind %v", err, ErrForbidden)
		}
	})

	t.Run("full ordered window", func(t *testing.T) {
		res, err := f.svc.History(context.Background(), HistoryRequest{ConversationID: f.conv.ID, UserID: "bob"})
		if err != nil {
			t.Fatalf("History: %v", err)
		}
		if len(res.Messages) != 7 || res.HasMore {
			t.Fatalf("got %d messages (hasMore=%v), want 7 without more", len(res.Messages), res.HasMore)
		}
		for i, m := range res.Messages {
			if m.Seq != uint64(i) {
				t.Fatalf("messages[%d].Seq = %d, want %d", i, m.Seq, i)
			}
		}
	})

	t.Run("paged after seq", func(t *testing.T) {
		after := uint64(2)
		res, err := f.svc.History(context.Background(), HistoryRequest{
			ConversationID: f.conv.ID,
			UserID:         "bob",
			AfterSeq:       &after,
			Limit:          3,
		})
		if err != nil {
			t.Fatalf("History: %v", err)
		}
		if len(res.Messages) != 3 || !res.HasMore {
			t.Fatalf("got %d messages (hasMore=%v), want 3 with more", len(res.Messages), res.HasMore)
		}
		if res.Messages[0].Seq != 3 {
			t.Fatalf("first Seq = %d, want 3", res.Messages[0].Seq)
		}
	})
}

type captureBroadcaster struct {
	mu   sync.Mutex
	envs []v1.Envelope
}

func (b *captureBroadcaster) Broadcast(_ string, env v1.Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.envs = append(b.envs, env)
}

func (b *captureBroadcaster) types() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.envs))
	for i, e := range b.envs {
		out[i] = e.Type
	}
	return out
}

func TestLifecycleBroadcasts(t *testing.T) {
	t.Parallel()

	sink := &captureBroadcaster{}
	f := newFixture(t, WithBroadcaster(sink))

	m := f.send(t, "alice", "", "hello")
	if _, err := f.svc.Edit(context.Background(), EditInput{MessageID: m.ID, EditorID: "alice", Text: "hello!"}); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if _, err := f.svc.Delete(context.Background(), DeleteInput{MessageID: m.ID, RequesterID: "alice"}); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	want := []string{v1.TypeMessageNew, v1.TypeMessageEdited, v1.TypeMessageDeleted}
	got := sink.types()
	if len(got) != len(want) {
		t.Fatalf("broadcasts = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("broadcasts[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestConversationShapes(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	tests := []struct {
		name    string
		in      CreateConversationInput
		wantErr bool
	}{
		{
			name: "direct",
			in: CreateConversationInput{
				Type:    ConversationDirect,
				Members: []Member{{UserID: "a"}, {UserID: "b"}},
			},
		},
		{
			name: "direct with three members",
			in: CreateConversationInput{
				Type:    ConversationDirect,
				Members: []Member{{UserID: "a"}, {UserID: "b"}, {UserID: "c"}},
			},
			wantErr: true,
		},
		{
			name: "group without name",
			in: CreateConversationInput{
				Type:    ConversationGroup,
				OwnerID: "a",
				Members: []Member{{UserID: "a", Role: RoleOwner}},
			},
			wantErr: true,
		},
		{
			name: "group",
			in: CreateConversationInput{
				Type:    ConversationGroup,
				Name:    "ops",
				OwnerID: "a",
				Members: []Member{{UserID: "a", Role: RoleOwner}, {UserID: "b"}},
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.CreateConversation(context.Background(), tc.in)
			if tc.wantErr {
				if !errors.Is(err, ErrValidation) {
					t.Fatalf("CreateConversation error = %v, want kind %v", err, ErrValidation)
				}
				return
			}
			if err != nil {
				t.Fatalf("CreateConversation: %v", err)
			}
		})
	}
}

func TestDeletedMessageWirePayloadDropsContent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	m := f.send(t, "alice", "", "secret")
	deleted, err := f.svc.Delete(context.Background(), DeleteInput{MessageID: m.ID, RequesterID: "alice"})
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}

	p := WirePayload(deleted)
	if p.Text != "" || len(p.Attachments) != 0 {
		t.Fatalf("deleted payload still carries content: %+v", p)
	}
	if p.Seq != m.Seq || p.DeletedAt == nil {
		t.Fatal("deleted payload lost position or tombstone")
	}
}
