package search

import (
	"context"
	"errors"
	"testing"
	"time"

	"chemchat/cmd/internal/chat"
	"chemchat/cmd/internal/outbox"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := NewMemIndex()
	if err != nil {
		t.Fatalf("NewMemIndex: %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func seedDocs(t *testing.T, idx *Index) {
	t.Helper()
	base := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	docs := []Document{
		{MessageID: "m1", TenantID: "t1", ConversationID: "c1", ConversationTitle: "release crew", SenderID: "alice", SenderName: "Alice", Seq: 0, Kind: "text", Text: "deploy went fine", CreatedAt: base},
		{MessageID: "m2", TenantID: "t1", ConversationID: "c1", ConversationTitle: "release crew", SenderID: "bob", SenderName: "Bob", Seq: 1, Kind: "text", Text: "deploy rolled back", CreatedAt: base.Add(time.Minute)},
		{MessageID: "m3", TenantID: "t1", ConversationID: "c2", SenderID: "alice", SenderName: "Alice", Seq: 0, Kind: "image", Text: "lunch plans", CreatedAt: base.Add(2 * time.Minute)},
		{MessageID: "m4", TenantID: "t2", ConversationID: "c9", SenderID: "eve", SenderName: "Eve", Seq: 0, Kind: "text", Text: "deploy for tenant two", CreatedAt: base.Add(3 * time.Minute)},
	}
	for _, d := range docs {
		if err := idx.Upsert(d); err != nil {
			t.Fatalf("Upsert %s: %v", d.MessageID, err)
		}
	}
}

func hitIDs(res Result) []string {
	out := make([]string, len(res.Hits))
	for i, h := range res.Hits {
		out[i] = h.MessageID
	}
	return out
}

func TestSearchScopesToTenant(t *testing.T) {
	t.Parallel()

	idx := newTestIndex(t)
	seedDocs(t, idx)

	res, err := idx.Search(context.Background(), Query{TenantID: "t1", Text: "deploy"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res.Hits) != 2 {
		t.Fatalf("hits = %v, want m1 and m2 only", hitIDs(res))
	}
	for _, h := range res.Hits {
		if h.TenantID != "t1" {
			t.Fatalf("cross-tenant leak: %+v", h.Document)
		}
	}
}

func TestSearchFilters(t *testing.T) {
	t.Parallel()

	idx := newTestIndex(t)
	seedDocs(t, idx)
	ctx := context.Background()
	base := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		q    Query
		want []string
	}{
		{
			name: "by conversation",
			q:    Query{TenantID: "t1", ConversationID: "c1", Sort: SortSeq},
			want: []string{"m1", "m2"},
		},
		{
			name: "by sender",
			q:    Query{TenantID: "t1", SenderID: "alice", Sort: SortSeq},
			want: []string{"m1", "m3"},
		},
		{
			name: "by kind",
			q:    Query{TenantID: "t1", Kind: "image", Sort: SortSeq},
			want: []string{"m3"},
		},
		{
			name: "by date range",
			q:    Query{TenantID: "t1", CreatedAfter: base.Add(30 * time.Second), CreatedBefore: base.Add(90 * time.Second), Sort: SortSeq},
			want: []string{"m2"},
		},
		{
			name: "open-ended date range",
			q:    Query{TenantID: "t1", CreatedAfter: base.Add(90 * time.Second), Sort: SortSeq},
			want: []string{"m3"},
		},
		{
			name: "conversation title match",
			q:    Query{TenantID: "t1", Text: "release", Sort: SortSeq},
			want: []string{"m1", "m2"},
		},
		{
			name: "text and conversation",
			q:    Query{TenantID: "t1", ConversationID: "c1", Text: "rolled"},
			want: []string{"m2"},
		},
		{
			name: "sender name match",
			q:    Query{TenantID: "t1", Text: "bob"},
			want: []string{"m2"},
		},
		{
			name: "no matches",
			q:    Query{TenantID: "t1", Text: "kubernetes"},
			want: nil,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res, err := idx.Search(ctx, tc.q)
			if err != nil {
				t.Fatalf("Search: %v", err)
			}
			got := hitIDs(res)
			if len(got) != len(tc.want) {
				t.Fatalf("hits = %v, want %v", got, tc.want)
			}
			for i := range tc.want {
				if got[i] != tc.want[i] {
					t.Fatalf("hits = %v, want %v", got, tc.want)
				}
			}
		})
	}
}

func TestSearchSortByDate(t *testing.T) {
	t.Parallel()

	idx := newTestIndex(t)
	seedDocs(t, idx)

	res, err := idx.Search(context.Background(), Query{TenantID: "t1", Sort: SortDate})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	want := []string{"m3", "m2", "m1"}
	got := hitIDs(res)
	if len(got) != len(want) {
		t.Fatalf("hits = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("hits = %v, want newest first %v", got, want)
		}
	}
}

func TestFetchMiss(t *testing.T) {
	t.Parallel()

	idx := newTestIndex(t)
	_, err := idx.Fetch(context.Background(), "t1", "nope")
	if !errors.Is(err, ErrDocNotFound) {
		t.Fatalf("Fetch error = %v, want ErrDocNotFound", err)
	}
}

func TestFetchRoundTrip(t *testing.T) {
	t.Parallel()

	idx := newTestIndex(t)
	at := time.Date(2026, 4, 2, 10, 30, 0, 0, time.UTC)
	editedAt := at.Add(time.Minute)
	in := Document{
		MessageID:         "m1",
		TenantID:          "t1",
		ConversationID:    "c1",
		ConversationTitle: "ops",
		SenderID:          "alice",
		SenderName:        "Alice",
		Seq:               7,
		Kind:              "text",
		Text:              "round trip",
		CreatedAt:         at,
		EditedAt:          &editedAt,
	}
	if err := idx.Upsert(in); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := idx.Fetch(context.Background(), "t1", "m1")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got.Text != in.Text || got.Seq != in.Seq || got.Kind != in.Kind || got.ConversationTitle != in.ConversationTitle {
		t.Fatalf("got %+v, want %+v", got, in)
	}
	if !got.CreatedAt.Equal(in.CreatedAt) {
		t.Fatalf("CreatedAt = %v, want %v", got.CreatedAt, in.CreatedAt)
	}
	if got.EditedAt == nil || !got.EditedAt.Equal(editedAt) {
		t.Fatalf("EditedAt = %v, want %v", got.EditedAt, editedAt)
	}
}

func TestReindexRebuildsFromStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := chat.NewMemoryStore(nil)

	conv := chat.Conversation{
		ID:      "c1",
		Type:    chat.ConversationGroup,
		Name:    "release crew",
		OwnerID: "alice",
		Members: []chat.Member{
			{UserID: "alice", Role: chat.RoleOwner},
			{UserID: "bob", Role: chat.RoleMember},
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := store.CreateConversation(ctx, conv, testEntry("e0", "conversation", conv.ID)); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	base := time.Date(2026, 4, 3, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 7; i++ {
		m := chat.Message{
			ID:             "m" + string(rune('0'+i)),
			TenantID:       "t1",
			ConversationID: "c1",
			SenderID:       "alice",
			Seq:            uint64(i),
			Type:           chat.MessageText,
			Content:        chat.Content{Text: "message body"},
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		}
		if err := store.CreateMessage(ctx, m, testEntry("e"+m.ID, "message", m.ID)); err != nil {
			t.Fatalf("CreateMessage: %v", err)
		}
	}

	idx := newTestIndex(t)
	// Pre-existing stale content must not survive the rebuild.
	if err := idx.Upsert(Document{MessageID: "stale", TenantID: "t9", Text: "old world"}); err != nil {
		t.Fatalf("Upsert stale: %v", err)
	}

	titles, err := NewStoreTitles(store)
	if err != nil {
		t.Fatalf("NewStoreTitles: %v", err)
	}
	r, err := NewReindexer(idx, store, WithReindexBatchSize(3), WithReindexTitles(titles))
	if err != nil {
		t.Fatalf("NewReindexer: %v", err)
	}
	n, err := r.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n != 7 {
		t.Fatalf("reindexed %d documents, want 7", n)
	}

	count, err := idx.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 7 {
		t.Fatalf("DocCount = %d, want 7 (stale doc dropped)", count)
	}

	res, err := idx.Search(ctx, Query{TenantID: "t1", ConversationID: "c1", Text: "body", Sort: SortSeq})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res.Hits) != 7 {
		t.Fatalf("hits = %d, want 7", len(res.Hits))
	}
	for i, h := range res.Hits {
		if h.Seq != uint64(i) {
			t.Fatalf("hits[%d].Seq = %d, want %d", i, h.Seq, i)
		}
		if h.ConversationTitle != "release crew" {
			t.Fatalf("hits[%d].ConversationTitle = %q, want the conversation name", i, h.ConversationTitle)
		}
	}
}

func testEntry(id, aggregateType, aggregateID string) outbox.Entry {
	return outbox.Entry{
		ID:            id,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     aggregateType + ".created",
		Payload:       []byte(`{}`),
		CreatedAt:     time.Now().UTC(),
	}
}
