// Package scheduler moves jobs through their lifecycle: a periodic sweep
// expires overdue executions and dispatches eligible work, while the
// Dispatcher it shares with the submission path performs the actual state
// transitions. All coordination happens through store CAS writes, so any
// number of gateway replicas can sweep the same table.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/docstream/workgate/pkg/distributor"
	"github.com/docstream/workgate/pkg/store"
)

// Config tunes the scheduling loop. Zero values take defaults.
type Config struct {
	// SweepInterval is the pause between sweeps.
	SweepInterval time.Duration

	// BatchLimit bounds how many eligible jobs one sweep may dispatch.
	BatchLimit int

	// BackoffCap bounds the exponential per-job retry delay.
	BackoffCap time.Duration

	// RequeueDelay defers a job whose dispatch lost the capacity race.
	RequeueDelay time.Duration

	// StorageRetry tunes backoff on transient store failures.
	StorageRetry RetryConfig
}

func (c *Config) withDefaults() {
	if c.SweepInterval <= 0 {
		c.SweepInterval = 2 * time.Second
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 100
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 5 * time.Minute
	}
	if c.RequeueDelay <= 0 {
		c.RequeueDelay = time.Second
	}
	if c.StorageRetry.MaxAttempts == 0 {
		c.StorageRetry = DefaultRetryConfig()
	}
}

// Scheduler runs the sweep loop.
type Scheduler struct {
	store      store.Store
	dispatcher *Dispatcher
	cfg        Config
	logger     *slog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// New builds a Scheduler sweeping st and dispatching through d. cfg should
// be the same Config d was built with.
func New(st store.Store, d *Dispatcher, cfg Config, opts ...Option) *Scheduler {
	cfg.withDefaults()
	s := &Scheduler{store: st, dispatcher: d, cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps until ctx ends, then waits for in-flight executions.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.dispatcher.Wait()
			return ctx.Err()
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass: expire overdue ACTIVE jobs, then dispatch eligible
// CREATED jobs while connection capacity lasts.
func (s *Scheduler) Sweep(ctx context.Context) {
	now := time.Now()
	s.expire(ctx, now)
	s.dispatch(ctx, now)
}

func (s *Scheduler) expire(ctx context.Context, now time.Time) {
	expired, err := s.store.ListExpired(ctx, now)
	if err != nil {
		s.logger.Error("list expired failed", "error", err)
		return
	}
	for _, w := range expired {
		s.logger.Warn("job exceeded its execution deadline",
			"job_id", w.ID, "name", w.Name, "deadline", w.Deadline)
		s.dispatcher.CancelRunning(w.ID)
		s.dispatcher.ExpireActive(ctx, w)
	}
}

func (s *Scheduler) dispatch(ctx context.Context, now time.Time) {
	capacity := s.dispatcher.runner.Capacity()
	if capacity <= 0 {
		return
	}
	limit := s.cfg.BatchLimit
	if capacity < limit {
		limit = capacity
	}

	eligible, err := s.store.ListEligible(ctx, now, limit)
	if err != nil {
		s.logger.Error("list eligible failed", "error", err)
		return
	}

	for _, w := range eligible {
		err := s.dispatcher.Dispatch(ctx, w)
		switch {
		case err == nil:
		case errors.Is(err, distributor.ErrNoCapacity):
			// The pool drained mid-sweep; the rest waits for the next one.
			return
		case errors.Is(err, store.ErrConflict):
			// Another replica claimed it first.
		case errors.Is(err, context.Canceled):
			return
		default:
			s.logger.Error("dispatch failed", "job_id", w.ID, "error", err)
		}
	}
}
