package broker

import "context"

// PublishResult reports where a published envelope landed.
type PublishResult struct {
	Topic string
	// Key is the ordering key used for partition placement (aggregate id).
	Key string
}

// Producer publishes envelopes to a topic.
//
// Delivery contract is at-least-once: callers must tolerate duplicates
// downstream (consumers are idempotent by design).
type Producer interface {
	Publish(ctx context.Context, topic string, env Envelope) (PublishResult, error)

	// Healthy reports whether the underlying transport is usable. The
	// dispatcher skips its tick when the producer is unhealthy.
	Healthy() bool

	Close() error
}

// Handler processes one consumed envelope. Returning an error requests a
// bounded retry; the consumer moves the envelope to the dead-letter topic
// once the retry budget is exhausted.
type Handler func(ctx context.Context, env Envelope) error
