// Package sequence issues per-conversation message positions.
//
// Positions are strictly increasing and never repeated for a conversation.
// Gaps are tolerated: a position consumed by a write that later fails is
// simply never used again.
package sequence

import "context"

// Sequencer allocates the next position for a conversation.
//
// Requirements:
//   - Atomic under concurrent callers for the same conversation: no two
//     callers ever receive the same value.
//   - Monotonic: never returns a value below a previously issued one.
//   - The first position of a conversation is 0.
type Sequencer interface {
	Next(ctx context.Context, conversationID string) (uint64, error)
}
