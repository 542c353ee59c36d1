package outbox

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"chemchat/cmd/internal/broker"
	"chemchat/cmd/internal/ids"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultBatchSize    = 100
	defaultMaxRetries   = 10
	defaultConcurrency  = 8
)

// ErrPermanent marks work abandoned after the retry budget: the entry was
// moved to the dead-letter topic and will not be retried. Operator-visible
// only; callers never see it synchronously.
var ErrPermanent = errors.New("permanent failure: dead-lettered after exhausting retries")

// Dispatcher drains the outbox on a fixed polling interval.
//
// State machine per entry:
//
//	pending -> published                 (publish success)
//	pending -> pending (retryCount+1)    (publish failure)
//	pending -> dead-letter, published    (retryCount reached the ceiling)
//
// Concurrency discipline: only one dispatch cycle runs at a time per
// process; re-entrant ticks are skipped, not queued. Multiple processes are
// safe because MarkPublished is idempotent and downstream consumers tolerate
// double publication.
type Dispatcher struct {
	log      *slog.Logger
	store    Store
	producer broker.Producer

	interval    time.Duration
	batchSize   int
	maxRetries  int
	concurrency int

	inFlight atomic.Bool
	now      func() time.Time
}

// DispatcherOption configures Dispatcher behavior.
type DispatcherOption func(*Dispatcher) error

// WithPollInterval sets the tick interval (default 2s).
func WithPollInterval(d time.Duration) DispatcherOption {
	return func(dp *Dispatcher) error {
		if d <= 0 {
			return errors.New("outbox: non-positive poll interval")
		}
		dp.interval = d
		return nil
	}
}

// WithBatchSize bounds how many pending entries one tick fetches.
func WithBatchSize(n int) DispatcherOption {
	return func(dp *Dispatcher) error {
		if n <= 0 {
			return errors.New("outbox: non-positive batch size")
		}
		dp.batchSize = n
		return nil
	}
}

// WithMaxRetries sets the retry ceiling before dead-lettering (default 10).
func WithMaxRetries(n int) DispatcherOption {
	return func(dp *Dispatcher) error {
		if n <= 0 {
			return errors.New("outbox: non-positive retry ceiling")
		}
		dp.maxRetries = n
		return nil
	}
}

// WithPublishConcurrency bounds concurrent publishes per tick (default 8).
// Entries sharing an aggregate id are always published sequentially in
// creation order.
func WithPublishConcurrency(n int) DispatcherOption {
	return func(dp *Dispatcher) error {
		if n <= 0 {
			return errors.New("outbox: non-positive concurrency")
		}
		dp.concurrency = n
		return nil
	}
}

// WithClock overrides the time source (test helper).
func WithClock(now func() time.Time) DispatcherOption {
	return func(dp *Dispatcher) error {
		if now == nil {
			return errors.New("outbox: nil clock")
		}
		dp.now = now
		return nil
	}
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(log *slog.Logger, store Store, producer broker.Producer, opts ...DispatcherOption) (*Dispatcher, error) {
	if log == nil {
		log = slog.Default()
	}
	if store == nil {
		return nil, errors.New("outbox: nil store")
	}
	if producer == nil {
		return nil, errors.New("outbox: nil producer")
	}

	d := &Dispatcher{
		log:         log,
		store:       store,
		producer:    producer,
		interval:    defaultPollInterval,
		batchSize:   defaultBatchSize,
		maxRetries:  defaultMaxRetries,
		concurrency: defaultConcurrency,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Run ticks until ctx is canceled. The ticker is the sole timer-driven
// wakeup of the pipeline.
func (d *Dispatcher) Run(ctx context.Context) {
	t := time.NewTicker(d.interval)
	defer t.Stop()

	d.log.Info("dispatcher.start", "interval", d.interval, "batch", d.batchSize, "max_retries", d.maxRetries)

	for {
		select {
		case <-ctx.Done():
			d.log.Info("dispatcher.stop")
			return
		case <-t.C:
			if err := d.Tick(ctx); err != nil {
				d.log.Error("dispatcher.tick.fail", "err", err)
			}
		}
	}
}

// Tick runs one dispatch cycle: a publish pass over pending entries below
// the retry ceiling, then a dead-letter pass over entries at or past it.
func (d *Dispatcher) Tick(ctx context.Context) error {
	if !d.inFlight.CompareAndSwap(false, true) {
		// A previous cycle is still running; skip, never queue.
		return nil
	}
	defer d.inFlight.Store(false)

	if !d.producer.Healthy() {
		d.log.Warn("dispatcher.tick.skip", "reason", "producer unhealthy")
		ticksSkipped.Inc()
		return nil
	}

	entries, err := d.store.FetchPending(ctx, d.batchSize)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	var ready, dead []Entry
	for _, e := range entries {
		if e.RetryCount >= d.maxRetries {
			dead = append(dead, e)
			continue
		}
		ready = append(ready, e)
	}

	d.publishBatch(ctx, ready)
	d.deadLetterBatch(ctx, dead)
	return nil
}

// publishBatch publishes entries with per-entry failure isolation. Entries
// are grouped by aggregate id: groups run concurrently, entries within a
// group sequentially in creation order, preserving per-aggregate ordering.
func (d *Dispatcher) publishBatch(ctx context.Context, entries []Entry) {
	if len(entries) == 0 {
		return
	}

	groups := make(map[string][]Entry)
	order := make([]string, 0, len(entries))
	for _, e := range entries {
		key := e.AggregateType + "/" + e.AggregateID
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], e)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)

	for _, key := range order {
		group := groups[key]
		g.Go(func() error {
			for _, e := range group {
				if !d.publishOne(gctx, e) {
					// A failed entry blocks the rest of its aggregate group
					// for this pass to preserve creation order.
					return nil
				}
			}
			return nil
		})
	}
	_ = g.Wait()
}

// publishOne attempts a single publish and records the outcome. It returns
// true when the entry reached the published state.
func (d *Dispatcher) publishOne(ctx context.Context, e Entry) bool {
	topic, err := broker.TopicFor(e.AggregateType)
	if err != nil {
		// Unroutable entries can never publish; let them age into the
		// dead-letter pass.
		d.log.Error("dispatcher.route.fail", "entry_id", e.ID, "aggregate_type", e.AggregateType, "err", err)
		d.recordFailure(ctx, e)
		return false
	}

	if _, err := d.producer.Publish(ctx, topic, d.envelope(e)); err != nil {
		d.log.Warn("dispatcher.publish.fail", "entry_id", e.ID, "topic", topic, "retry_count", e.RetryCount, "err", err)
		d.recordFailure(ctx, e)
		return false
	}

	if err := d.store.MarkPublished(ctx, e.ID, d.now()); err != nil {
		// Publication happened but the mark failed: the next tick republishes
		// and downstream idempotency absorbs the duplicate.
		d.log.Error("dispatcher.mark.fail", "entry_id", e.ID, "err", err)
		return false
	}
	publishedTotal.Inc()
	return true
}

func (d *Dispatcher) recordFailure(ctx context.Context, e Entry) {
	publishFailedTotal.Inc()
	if err := d.store.IncrementRetry(ctx, e.ID); err != nil {
		d.log.Error("dispatcher.retry_increment.fail", "entry_id", e.ID, "err", err)
	}
}

// deadLetterBatch moves exhausted entries to the dead-letter topic and marks
// them published (terminal) so they stop being re-polled.
func (d *Dispatcher) deadLetterBatch(ctx context.Context, entries []Entry) {
	for _, e := range entries {
		topic, err := broker.TopicFor(e.AggregateType)
		if err != nil {
			topic = broker.TopicMessageEvents
		}

		if _, err := d.producer.Publish(ctx, broker.DLQ(topic), d.envelope(e)); err != nil {
			// DLQ publication failed; keep the entry pending and try again
			// next tick.
			d.log.Error("dispatcher.dead_letter.publish.fail", "entry_id", e.ID, "err", err)
			continue
		}
		if err := d.store.MarkPublished(ctx, e.ID, d.now()); err != nil {
			d.log.Error("dispatcher.dead_letter.mark.fail", "entry_id", e.ID, "err", err)
			continue
		}
		deadLetteredTotal.Inc()
		d.log.Error("dispatcher.dead_letter",
			"entry_id", e.ID,
			"event_type", e.EventType,
			"aggregate_id", e.AggregateID,
			"retry_count", e.RetryCount,
			"err", ErrPermanent,
		)
	}
}

func (d *Dispatcher) envelope(e Entry) broker.Envelope {
	return broker.Envelope{
		Metadata: broker.Metadata{
			EventID:       e.ID,
			EventType:     e.EventType,
			AggregateType: e.AggregateType,
			AggregateID:   e.AggregateID,
			TenantID:      e.TenantID,
			CorrelationID: ids.NewCorrelationID(),
			Timestamp:     e.CreatedAt,
			SchemaVersion: broker.SchemaVersion,
		},
		Data: e.Payload,
	}
}
