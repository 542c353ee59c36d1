package dedup

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "chemchat:dedup:"

// RedisStore is a Store backed by Redis SETNX with TTL.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisOption configures RedisStore behavior.
type RedisOption func(*RedisStore) error

// WithTTL overrides the claim TTL (default 7 days).
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) error {
		if ttl <= 0 {
			return errors.New("dedup: non-positive ttl")
		}
		s.ttl = ttl
		return nil
	}
}

// WithKeyPrefix overrides the claim key prefix (default "chemchat:dedup:").
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) error {
		prefix = strings.TrimSpace(prefix)
		if prefix == "" {
			return errors.New("dedup: empty key prefix")
		}
		s.prefix = prefix
		return nil
	}
}

// NewRedisStore constructs a Redis-backed dedup Store.
func NewRedisStore(client *redis.Client, opts ...RedisOption) (*RedisStore, error) {
	s := &RedisStore{client: client, ttl: DefaultTTL, prefix: defaultKeyPrefix}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.client == nil {
		return nil, errors.New("dedup: nil redis client")
	}
	return s, nil
}

// Claim uses SET NX with expiry so concurrent duplicate submissions race
// safely on the shared store.
func (s *RedisStore) Claim(ctx context.Context, conversationID, submissionID string) (bool, error) {
	if s == nil || s.client == nil {
		return false, errors.New("dedup: nil store")
	}
	if strings.TrimSpace(conversationID) == "" || strings.TrimSpace(submissionID) == "" {
		return false, errors.New("dedup: missing key parts")
	}

	return s.client.SetNX(ctx, s.prefix+Key(conversationID, submissionID), "1", s.ttl).Result()
}

// Release deletes the claim key.
func (s *RedisStore) Release(ctx context.Context, conversationID, submissionID string) error {
	if s == nil || s.client == nil {
		return errors.New("dedup: nil store")
	}
	if strings.TrimSpace(conversationID) == "" || strings.TrimSpace(submissionID) == "" {
		return errors.New("dedup: missing key parts")
	}

	return s.client.Del(ctx, s.prefix+Key(conversationID, submissionID)).Err()
}
