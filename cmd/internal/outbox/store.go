package outbox

import (
	"context"
	"time"
)

// Store persists outbox entries.
//
// Appending happens inside the owning aggregate's transaction (see
// AppendTx for the Postgres implementation); Store covers the dispatcher
// side of the lifecycle.
type Store interface {
	// FetchPending returns up to limit unpublished entries ordered by
	// creation time ascending.
	FetchPending(ctx context.Context, limit int) ([]Entry, error)

	// MarkPublished stamps the publication time. It is an idempotent no-op
	// for entries that are already published: the entry stays published and
	// the retry count is unchanged.
	MarkPublished(ctx context.Context, id string, at time.Time) error

	// IncrementRetry bumps the retry counter of an unpublished entry.
	IncrementRetry(ctx context.Context, id string) error

	// DeletePublishedBefore removes published entries whose publication time
	// is older than cutoff. Returns the number of rows removed.
	DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
