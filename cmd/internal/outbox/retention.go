package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
)

const (
	// Default: daily at 03:00, keep published entries for 72h.
	defaultRetentionCron   = "0 3 * * *"
	defaultRetentionWindow = 72 * time.Hour

	// The scheduler checks cron due-ness once per minute.
	retentionCheckInterval = time.Minute
)

// Sweeper periodically deletes published entries older than the retention
// window. Published entries are only needed for operator inspection; the
// events themselves already live on the broker.
type Sweeper struct {
	log    *slog.Logger
	store  Store
	cron   string
	window time.Duration
	now    func() time.Time
}

// SweeperOption configures Sweeper behavior.
type SweeperOption func(*Sweeper) error

// WithRetentionCron sets the sweep schedule (default "0 3 * * *").
func WithRetentionCron(expr string) SweeperOption {
	return func(s *Sweeper) error {
		if !gronx.IsValid(expr) {
			return fmt.Errorf("outbox: invalid retention cron expression: %s", expr)
		}
		s.cron = expr
		return nil
	}
}

// WithRetentionWindow sets how long published entries are kept (default 72h).
func WithRetentionWindow(d time.Duration) SweeperOption {
	return func(s *Sweeper) error {
		if d <= 0 {
			return errors.New("outbox: non-positive retention window")
		}
		s.window = d
		return nil
	}
}

// NewSweeper constructs a retention Sweeper.
func NewSweeper(log *slog.Logger, store Store, opts ...SweeperOption) (*Sweeper, error) {
	if log == nil {
		log = slog.Default()
	}
	if store == nil {
		return nil, errors.New("outbox: nil store")
	}

	s := &Sweeper{
		log:    log,
		store:  store,
		cron:   defaultRetentionCron,
		window: defaultRetentionWindow,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Run blocks until ctx is canceled, sweeping whenever the cron schedule is
// due.
func (s *Sweeper) Run(ctx context.Context) {
	s.log.Info("outbox.retention.start", "cron", s.cron, "window", s.window)

	gx := gronx.New()
	t := time.NewTicker(retentionCheckInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("outbox.retention.stop")
			return
		case <-t.C:
			due, err := gx.IsDue(s.cron, s.now())
			if err != nil || !due {
				continue
			}
			if err := s.SweepOnce(ctx); err != nil {
				s.log.Error("outbox.retention.sweep.fail", "err", err)
			}
		}
	}
}

// SweepOnce deletes published entries older than the retention window.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	cutoff := s.now().Add(-s.window)
	n, err := s.store.DeletePublishedBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	if n > 0 {
		retentionDeleted.Add(float64(n))
		s.log.Info("outbox.retention.swept", "deleted", n, "cutoff", cutoff)
	}
	return nil
}
