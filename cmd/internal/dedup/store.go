// Package dedup implements the short-lived idempotency ledger keyed by
// (conversation id, client submission id).
//
// Presence of a key means "a message for this submission already exists";
// absence means "safe to proceed". The ledger is not a cache of the message:
// on a hit the ingestion path still fetches the canonical message.
package dedup

import (
	"context"
	"time"
)

// DefaultTTL bounds claim lifetime: long enough to cover realistic client
// retry windows, short enough to bound storage growth.
const DefaultTTL = 7 * 24 * time.Hour

// Store is the claim/release capability over the shared atomic store.
type Store interface {
	// Claim atomically records (conversationID, submissionID) if absent.
	// Exactly one concurrent caller observes claimed=true; all others
	// observe claimed=false and must look up the already-created message.
	Claim(ctx context.Context, conversationID, submissionID string) (claimed bool, err error)

	// Release removes a claim. Used only when the write that followed a
	// successful claim fails irrecoverably, so a legitimate retry can
	// proceed.
	Release(ctx context.Context, conversationID, submissionID string) error
}

// Key is the shared-store key format: "{conversationID}:{submissionID}".
func Key(conversationID, submissionID string) string {
	return conversationID + ":" + submissionID
}
