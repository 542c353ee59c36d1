package broker

import (
	"context"
	"errors"
	"sync"
)

// MemoryBroker is an in-process Producer used by unit tests and dev mode.
//
// Published envelopes are recorded per topic and dispatched synchronously to
// any registries subscribed to that topic. Failure injection covers the
// dispatcher outage scenarios.
type MemoryBroker struct {
	mu        sync.Mutex
	healthy   bool
	failure   error
	published map[string][]Envelope
	subs      map[string][]*Registry
}

// NewMemoryBroker constructs a healthy in-process broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		healthy:   true,
		published: make(map[string][]Envelope),
		subs:      make(map[string][]*Registry),
	}
}

// Publish records the envelope and dispatches it to subscribers.
func (b *MemoryBroker) Publish(ctx context.Context, topic string, env Envelope) (PublishResult, error) {
	if err := env.Validate(); err != nil {
		return PublishResult{}, err
	}

	b.mu.Lock()
	if b.failure != nil {
		err := b.failure
		b.mu.Unlock()
		return PublishResult{}, err
	}
	b.published[topic] = append(b.published[topic], env)
	subs := append([]*Registry(nil), b.subs[topic]...)
	b.mu.Unlock()

	for _, r := range subs {
		// Handler errors are the subscriber's concern; publication already
		// succeeded.
		_ = r.Dispatch(ctx, env)
	}
	return PublishResult{Topic: topic, Key: env.Metadata.AggregateID}, nil
}

// Healthy reports the injected health state.
func (b *MemoryBroker) Healthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.healthy
}

// Close marks the broker unhealthy.
func (b *MemoryBroker) Close() error {
	b.SetHealthy(false)
	return nil
}

// Subscribe attaches a registry to a topic for synchronous dispatch.
func (b *MemoryBroker) Subscribe(topic string, r *Registry) {
	if r == nil {
		return
	}
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], r)
	b.mu.Unlock()
}

// SetHealthy injects the health state reported to the dispatcher.
func (b *MemoryBroker) SetHealthy(v bool) {
	b.mu.Lock()
	b.healthy = v
	b.mu.Unlock()
}

// FailWith makes subsequent publishes fail with err (nil clears).
func (b *MemoryBroker) FailWith(err error) {
	b.mu.Lock()
	b.failure = err
	b.mu.Unlock()
}

// ErrPublishFailed is a generic injectable publish failure.
var ErrPublishFailed = errors.New("broker: publish failed")

// Published returns a copy of everything published to topic.
func (b *MemoryBroker) Published(topic string) []Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Envelope(nil), b.published[topic]...)
}
