package dedup

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// MemoryStore is a process-local dedup Store for unit tests and dev mode.
// Claims expire lazily on the next Claim for the same key.
type MemoryStore struct {
	mu     sync.Mutex
	claims map[string]time.Time // key -> expiry
	ttl    time.Duration
	now    func() time.Time
}

// NewMemoryStore constructs an in-memory dedup Store with the default TTL.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		claims: make(map[string]time.Time),
		ttl:    DefaultTTL,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetTTL overrides the claim TTL (test helper).
func (s *MemoryStore) SetTTL(ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ttl > 0 {
		s.ttl = ttl
	}
}

// SetClock overrides the time source (test helper).
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now != nil {
		s.now = now
	}
}

// Claim records the key if absent or expired.
func (s *MemoryStore) Claim(ctx context.Context, conversationID, submissionID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if strings.TrimSpace(conversationID) == "" || strings.TrimSpace(submissionID) == "" {
		return false, errors.New("dedup: missing key parts")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := Key(conversationID, submissionID)
	now := s.now()
	if exp, ok := s.claims[key]; ok && exp.After(now) {
		return false, nil
	}
	s.claims[key] = now.Add(s.ttl)
	return true, nil
}

// Release removes the claim.
func (s *MemoryStore) Release(ctx context.Context, conversationID, submissionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(conversationID) == "" || strings.TrimSpace(submissionID) == "" {
		return errors.New("dedup: missing key parts")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.claims, Key(conversationID, submissionID))
	return nil
}
