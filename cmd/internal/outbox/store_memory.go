package outbox

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used for unit tests and dev mode.
// The chat in-memory store appends into it under its own lock to emulate the
// transactional write-plus-outbox boundary.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// NewMemoryStore constructs an in-memory outbox Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Entry)}
}

// Append stages an entry. Duplicate ids are rejected.
func (s *MemoryStore) Append(_ context.Context, e Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[e.ID]; ok {
		return errors.New("outbox: duplicate entry id")
	}
	cp := e
	s.entries[e.ID] = &cp
	return nil
}

// FetchPending returns unpublished entries ordered by creation time ASC.
func (s *MemoryStore) FetchPending(ctx context.Context, limit int) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, limit)
	for _, e := range s.entries {
		if e.PublishedAt == nil {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkPublished stamps publication time; a replay on a published entry is a
// no-op.
func (s *MemoryStore) MarkPublished(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return errors.New("outbox: unknown entry")
	}
	if e.PublishedAt != nil {
		return nil
	}
	ts := at.UTC()
	e.PublishedAt = &ts
	return nil
}

// IncrementRetry bumps the retry counter of an unpublished entry.
func (s *MemoryStore) IncrementRetry(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return errors.New("outbox: unknown entry")
	}
	if e.PublishedAt != nil {
		return nil
	}
	e.RetryCount++
	return nil
}

// DeletePublishedBefore removes published entries older than cutoff.
func (s *MemoryStore) DeletePublishedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, e := range s.entries {
		if e.PublishedAt != nil && e.PublishedAt.Before(cutoff) {
			delete(s.entries, id)
			n++
		}
	}
	return n, nil
}

// Get returns a copy of the entry by id (test helper).
func (s *MemoryStore) Get(id string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Len returns the number of stored entries (test helper).
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
