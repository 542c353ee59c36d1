package search

import (
	"context"
	"errors"
	"strings"
	"sync"

	"chemchat/cmd/internal/chat"
)

// TitleResolver looks up the display title of a conversation. A miss is not
// an error: untitled conversations return ok=false and the document keeps an
// empty title.
type TitleResolver interface {
	Title(ctx context.Context, conversationID string) (title string, ok bool, err error)
}

// ConversationGetter is the slice of the chat store the title resolver needs.
type ConversationGetter interface {
	GetConversation(ctx context.Context, id string) (chat.Conversation, error)
}

// StoreTitles resolves titles from the store of record with a process-local
// cache. Titles change rarely; a stale entry is corrected by the next
// reindex.
type StoreTitles struct {
	store ConversationGetter

	mu    sync.RWMutex
	cache map[string]string
}

// NewStoreTitles constructs a TitleResolver backed by the chat store.
func NewStoreTitles(store ConversationGetter) (*StoreTitles, error) {
	if store == nil {
		return nil, errors.New("search: nil conversation store")
	}
	return &StoreTitles{store: store, cache: make(map[string]string)}, nil
}

// Title implements TitleResolver.
func (s *StoreTitles) Title(ctx context.Context, conversationID string) (string, bool, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return "", false, nil
	}

	s.mu.RLock()
	title, hit := s.cache[conversationID]
	s.mu.RUnlock()
	if hit {
		return title, title != "", nil
	}

	c, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			// Unknown conversations are a miss, not a failure; do not cache
			// so a late conversation write resolves on the next lookup.
			return "", false, nil
		}
		return "", false, err
	}

	title = strings.TrimSpace(c.Name)
	s.mu.Lock()
	s.cache[conversationID] = title
	s.mu.Unlock()
	return title, title != "", nil
}
