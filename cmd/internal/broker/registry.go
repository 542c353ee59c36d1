package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Registry routes envelopes to handlers registered by event type.
//
// Handler failures are isolated: one handler's failure does not prevent the
// others from running. Dispatch returns the first handler error so callers
// can drive retry policy, but every registered handler is always invoked.
type Registry struct {
	log *slog.Logger

	mu       sync.RWMutex
	handlers map[string][]Handler
}

// NewRegistry constructs a handler registry.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:      log,
		handlers: make(map[string][]Handler),
	}
}

// Register adds a handler for an event type.
func (r *Registry) Register(eventType string, h Handler) {
	if r == nil || eventType == "" || h == nil {
		return
	}
	r.mu.Lock()
	r.handlers[eventType] = append(r.handlers[eventType], h)
	r.mu.Unlock()
}

// Dispatch invokes all handlers registered for the envelope's event type.
// Envelopes with no registered handler are dropped silently; that is normal
// for topics shared between consumer groups with different interests.
func (r *Registry) Dispatch(ctx context.Context, env Envelope) error {
	if r == nil {
		return nil
	}

	r.mu.RLock()
	hs := r.handlers[env.Metadata.EventType]
	r.mu.RUnlock()

	var first error
	for _, h := range hs {
		if err := r.invoke(ctx, env, h); err != nil {
			r.log.Error("broker.handler.fail",
				"event_type", env.Metadata.EventType,
				"event_id", env.Metadata.EventID,
				"aggregate_id", env.Metadata.AggregateID,
				"err", err,
			)
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// invoke runs one handler with panic isolation.
func (r *Registry) invoke(ctx context.Context, env Envelope, h Handler) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("broker.handler.panic",
				"event_type", env.Metadata.EventType,
				"event_id", env.Metadata.EventID,
				"panic", rec,
			)
			err = fmt.Errorf("broker: handler panic: %v", rec)
		}
	}()
	return h(ctx, env)
}
