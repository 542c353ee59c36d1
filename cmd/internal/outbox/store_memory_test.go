package outbox

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestAppendValidation(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()

	cases := []struct {
		name  string
		entry Entry
	}{
		{"missing id", Entry{AggregateType: "message", AggregateID: "m1", EventType: "message.created", Payload: json.RawMessage(`{}`)}},
		{"missing aggregate", Entry{ID: "e1", EventType: "message.created", Payload: json.RawMessage(`{}`)}},
		{"missing event type", Entry{ID: "e1", AggregateType: "message", AggregateID: "m1", Payload: json.RawMessage(`{}`)}},
		{"empty payload", Entry{ID: "e1", AggregateType: "message", AggregateID: "m1", EventType: "message.created"}},
	}
	for _, tc := range cases {
		if err := store.Append(ctx, tc.entry); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}

	e := testEntry("e1", time.Now().UTC())
	if err := store.Append(ctx, e); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := store.Append(ctx, e); err == nil {
		t.Fatalf("expected duplicate id rejection")
	}
}

func TestFetchPendingOrdersAndLimits(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	entries := seedEntries(t, store, 5)
	ctx := context.Background()

	if err := store.MarkPublished(ctx, entries[0].ID, time.Now().UTC()); err != nil {
		t.Fatalf("MarkPublished: %v", err)
	}

	got, err := store.FetchPending(ctx, 3)
	if err != nil {
		t.Fatalf("FetchPending: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d entries, want 3", len(got))
	}
	for i, e := range got {
		if want := entries[i+1].ID; e.ID != want {
			t.Fatalf("got[%d]=%s, want %s", i, e.ID, want)
		}
	}
}

func TestMarkPublishedIsIdempotent(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	entries := seedEntries(t, store, 1)
	ctx := context.Background()

	first := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if err := store.MarkPublished(ctx, entries[0].ID, first); err != nil {
		t.Fatalf("MarkPublished: %v", err)
	}
	if err := store.MarkPublished(ctx, entries[0].ID, first.Add(time.Hour)); err != nil {
		t.Fatalf("MarkPublished replay: %v", err)
	}

	got, _ := store.Get(entries[0].ID)
	if got.PublishedAt == nil || !got.PublishedAt.Equal(first) {
		t.Fatalf("replay moved publication time: %v", got.PublishedAt)
	}

	// Published entries are immutable: retry bumps are no-ops.
	if err := store.IncrementRetry(ctx, entries[0].ID); err != nil {
		t.Fatalf("IncrementRetry: %v", err)
	}
	got, _ = store.Get(entries[0].ID)
	if got.RetryCount != 0 {
		t.Fatalf("retry count changed on published entry: %d", got.RetryCount)
	}
}

func TestMarkPublishedUnknownEntry(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	if err := store.MarkPublished(context.Background(), "nope", time.Now().UTC()); err == nil {
		t.Fatalf("expected error for unknown entry")
	}
}
