package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Janitor purges terminal records past their retention horizon on a cron
// cadence. Purge failures are logged and retried on the next tick.
type Janitor struct {
	store    Store
	schedule cron.Schedule
	logger   *slog.Logger
}

// NewJanitor creates a Janitor running the purge on the given cron
// expression (standard five-field syntax). An empty expression defaults to
// every five minutes.
func NewJanitor(s Store, expr string, logger *slog.Logger) (*Janitor, error) {
	if expr == "" {
		expr = "*/5 * * * *"
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{store: s, schedule: sched, logger: logger}, nil
}

// Start blocks running purge sweeps until the context is cancelled.
func (j *Janitor) Start(ctx context.Context) error {
	for {
		next := j.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			if n, err := j.store.PurgeExpired(ctx, time.Now()); err != nil {
				j.logger.Error("purge sweep failed", "error", err)
			} else if n > 0 {
				j.logger.Info("purged expired jobs", "count", n)
			}
		}
	}
}
