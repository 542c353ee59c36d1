package sequence

import (
	"context"
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "chemchat:seq:"

// RedisSequencer allocates positions with a single atomic INCR against a
// per-conversation counter key. The key is provisioned lazily: the first
// INCR creates it.
type RedisSequencer struct {
	client *redis.Client
	prefix string
}

// RedisOption configures RedisSequencer behavior.
type RedisOption func(*RedisSequencer) error

// WithKeyPrefix overrides the counter key prefix (default "chemchat:seq:").
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisSequencer) error {
		prefix = strings.TrimSpace(prefix)
		if prefix == "" {
			return errors.New("sequence: empty key prefix")
		}
		s.prefix = prefix
		return nil
	}
}

// NewRedisSequencer constructs a Redis-backed Sequencer.
func NewRedisSequencer(client *redis.Client, opts ...RedisOption) (*RedisSequencer, error) {
	s := &RedisSequencer{client: client, prefix: defaultKeyPrefix}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.client == nil {
		return nil, errors.New("sequence: nil redis client")
	}
	return s, nil
}

// Next returns the next position for conversationID.
// Redis INCR yields 1 for a fresh key, so the issued position is INCR-1 and
// the first message of a conversation gets position 0. If the increment
// fails, the whole ingestion attempt fails and the caller retries from
// scratch.
func (s *RedisSequencer) Next(ctx context.Context, conversationID string) (uint64, error) {
	if s == nil || s.client == nil {
		return 0, errors.New("sequence: nil sequencer")
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return 0, errors.New("sequence: missing conversation id")
	}

	n, err := s.client.Incr(ctx, s.prefix+conversationID).Result()
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("sequence: counter out of range")
	}
	return uint64(n - 1), nil
}
