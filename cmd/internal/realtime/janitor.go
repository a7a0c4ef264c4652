package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
	"github.com/jonboulle/clockwork"
)

// DefaultJanitorCron runs the purge daily at 03:00 UTC.
const DefaultJanitorCron = "0 3 * * *"

// Janitor hard-deletes soft-deleted messages on a cron schedule once they are older than Retain.
type Janitor struct {
	log     *slog.Logger
	store   MessageStore
	metrics *Metrics
	cron    string
	retain  time.Duration
	clock   clockwork.Clock
}

// JanitorConfig configures NewJanitor.
type JanitorConfig struct {
	Cron   string
	Retain time.Duration
	Clock  clockwork.Clock
}

// NewJanitor validates the cron expression and constructs a Janitor.
func NewJanitor(log *slog.Logger, store MessageStore, metrics *Metrics, cfg JanitorConfig) (*Janitor, error) {
	if store == nil {
		return nil, fmt.Errorf("realtime: nil message store")
	}
	if cfg.Cron == "" {
		cfg.Cron = DefaultJanitorCron
	}
	if !gronx.IsValid(cfg.Cron) {
		return nil, fmt.Errorf("realtime: invalid janitor cron expression: %q", cfg.Cron)
	}
	if cfg.Retain < 0 {
		cfg.Retain = 0
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Janitor{
		log:     log,
		store:   store,
		metrics: metrics,
		cron:    cfg.Cron,
		retain:  cfg.Retain,
		clock:   cfg.Clock,
	}, nil
}

// RunOnce purges messages deleted more than Retain ago.
func (j *Janitor) RunOnce(ctx context.Context) (int64, error) {
	cutoff := j.clock.Now().UTC().Add(-j.retain)
	n, err := j.store.PurgeDeleted(ctx, cutoff)
	if err != nil {
		j.log.Error("janitor.purge.fail", "err", err)
		return 0, err
	}
	j.metrics.purgedMessages(n)
	j.log.Info("janitor.purge.ok", "purged", n, "cutoff", cutoff)
	return n, nil
}

// Next returns the next scheduled run strictly after now.
func (j *Janitor) Next(now time.Time) (time.Time, error) {
	return gronx.NextTickAfter(j.cron, now.UTC(), false)
}

// Run blocks until ctx is done, purging at every cron tick.
func (j *Janitor) Run(ctx context.Context) error {
	j.log.Info("janitor.start", "cron", j.cron, "retain", j.retain.String())
	for {
		next, err := j.Next(j.clock.Now())
		if err != nil {
			return fmt.Errorf("janitor next tick: %w", err)
		}

		t := j.clock.NewTimer(next.Sub(j.clock.Now()))
		select {
		case <-ctx.Done():
			t.Stop()
			j.log.Info("janitor.stop")
			return nil
		case <-t.Chan():
		}

		// A failed run is logged and retried at the next tick.
		_, _ = j.RunOnce(ctx)
	}
}
