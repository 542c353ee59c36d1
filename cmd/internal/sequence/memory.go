package sequence

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// MemorySequencer is a process-local Sequencer for unit tests and dev mode.
type MemorySequencer struct {
	mu   sync.Mutex
	next map[string]uint64
}

// NewMemorySequencer constructs an in-memory Sequencer.
func NewMemorySequencer() *MemorySequencer {
	return &MemorySequencer{next: make(map[string]uint64)}
}

// Next returns the next position, starting at 0 per conversation.
func (s *MemorySequencer) Next(ctx context.Context, conversationID string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return 0, errors.New("sequence: missing conversation id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.next[conversationID]
	s.next[conversationID] = n + 1
	return n, nil
}
