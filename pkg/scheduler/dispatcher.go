package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/docstream/workgate/pkg/distributor"
	"github.com/docstream/workgate/pkg/job"
	"github.com/docstream/workgate/pkg/security"
	"github.com/docstream/workgate/pkg/store"
)

// Dispatcher owns the CREATED → ACTIVE edge and everything that follows
// from it: it claims a job through the store CAS, hands it to the
// distributor, and finalizes the record when the execution resolves. The
// sweep loop and the manager's immediate-run path share one Dispatcher so
// both race through the same claim.
type Dispatcher struct {
	store   store.Store
	runner  distributor.Runner
	emitter *job.Emitter
	logger  *slog.Logger
	cfg     Config

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewDispatcher builds a Dispatcher. The emitter may be shared with other
// components; pass nil to disable events.
func NewDispatcher(st store.Store, runner distributor.Runner, emitter *job.Emitter, cfg Config, logger *slog.Logger) *Dispatcher {
	cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if emitter == nil {
		emitter = job.NewEmitter()
	}
	return &Dispatcher{
		store:   st,
		runner:  runner,
		emitter: emitter,
		logger:  logger,
		cfg:     cfg,
		running: make(map[string]context.CancelFunc),
	}
}

// Emitter returns the event emitter jobs report through.
func (d *Dispatcher) Emitter() *job.Emitter { return d.emitter }

// Dispatch claims w and starts executing it. store.ErrConflict means
// another dispatcher claimed it first; distributor.ErrNoCapacity means the
// claim was rolled back into CREATED with a short re-deferral and no retry
// budget consumed.
func (d *Dispatcher) Dispatch(ctx context.Context, w *job.WorkInfo) error {
	err := retryStore(ctx, d.cfg.StorageRetry, func() error {
		return d.store.UpdateState(ctx, w.ID, job.StateCreated, job.StateActive)
	})
	if err != nil {
		return err
	}

	claimed, err := d.store.Get(ctx, w.ID)
	if err != nil {
		return err
	}
	d.emitter.Emit(&job.Started{Job: claimed, Timestamp: time.Now()})
	d.logger.Info("job dispatched",
		"job_id", claimed.ID, "name", claimed.Name, "executor", claimed.Executor, "attempt", claimed.Attempt)

	// The execution must not die with the caller's request context, only
	// with an explicit cancel.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h, err := d.runner.Run(runCtx, claimed)
	if err != nil {
		cancel()
		if errors.Is(err, distributor.ErrNoCapacity) {
			// Roll the claim back without touching the retry budget.
			runAt := time.Now().Add(d.cfg.RequeueDelay)
			rbErr := retryStore(ctx, d.cfg.StorageRetry, func() error {
				return d.store.Reschedule(ctx, claimed.ID, job.StateActive, runAt, claimed.Attempt, claimed.LastError)
			})
			if rbErr != nil {
				d.logger.Error("capacity rollback failed", "job_id", claimed.ID, "error", rbErr)
			}
			return err
		}
		d.failActive(context.WithoutCancel(ctx), claimed, err)
		return err
	}

	d.track(claimed.ID, cancel)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer cancel()
		<-h.Done()
		d.untrack(claimed.ID)
		d.finalize(context.WithoutCancel(ctx), claimed, h)
	}()
	return nil
}

// CancelRunning aborts an in-flight execution. It reports whether a running
// job with that id was found.
func (d *Dispatcher) CancelRunning(id string) bool {
	d.mu.Lock()
	cancel, ok := d.running[id]
	d.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Running reports the number of in-flight executions.
func (d *Dispatcher) Running() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.running)
}

// Wait blocks until every in-flight execution has finalized.
func (d *Dispatcher) Wait() { d.wg.Wait() }

func (d *Dispatcher) track(id string, cancel context.CancelFunc) {
	d.mu.Lock()
	d.running[id] = cancel
	d.mu.Unlock()
}

func (d *Dispatcher) untrack(id string) {
	d.mu.Lock()
	delete(d.running, id)
	d.mu.Unlock()
}

func (d *Dispatcher) finalize(ctx context.Context, w *job.WorkInfo, h *distributor.Handle) {
	err := h.Err()
	switch {
	case err == nil:
		d.complete(ctx, w)
	case errors.Is(err, context.Canceled):
		// Whoever cancelled the run also owns the state transition.
		d.logger.Debug("execution cancelled", "job_id", w.ID)
	default:
		d.failActive(ctx, w, err)
	}
}

func (d *Dispatcher) complete(ctx context.Context, w *job.WorkInfo) {
	err := retryStore(ctx, d.cfg.StorageRetry, func() error {
		return d.store.UpdateState(ctx, w.ID, job.StateActive, job.StateCompleted)
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Another actor (cancel, expiry sweep) owned the job meanwhile.
			d.logger.Debug("completion lost the state race", "job_id", w.ID)
			return
		}
		d.logger.Error("mark completed failed", "job_id", w.ID, "error", err)
		return
	}

	var duration time.Duration
	if w.StartedAt != nil {
		duration = time.Since(*w.StartedAt)
	}
	d.logger.Info("job completed", "job_id", w.ID, "name", w.Name, "duration", duration)
	if w.OnComplete {
		if final, err := d.store.Get(ctx, w.ID); err == nil {
			d.emitter.Emit(&job.Completed{Job: final, Duration: duration, Timestamp: time.Now()})
		}
	}
}

// failActive moves an ACTIVE job to FAILED and, while retry budget remains,
// straight back to CREATED with its next run time. The expiry sweep uses it
// too, so a job that times out follows the same retry arithmetic as one
// whose node reported failure.
func (d *Dispatcher) failActive(ctx context.Context, w *job.WorkInfo, cause error) {
	// Node errors are untrusted input; bound and strip them before they
	// land in the store.
	msg := security.SanitizeErrorMessage(cause.Error())
	err := retryStore(ctx, d.cfg.StorageRetry, func() error {
		return d.store.Fail(ctx, w.ID, job.StateActive, msg)
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			d.logger.Debug("failure lost the state race", "job_id", w.ID)
			return
		}
		d.logger.Error("mark failed failed", "job_id", w.ID, "error", err)
		return
	}

	if !w.RetriesRemaining() {
		d.logger.Warn("job failed terminally",
			"job_id", w.ID, "name", w.Name, "attempt", w.Attempt, "error", msg)
		if final, err := d.store.Get(ctx, w.ID); err == nil {
			d.emitter.Emit(&job.Failed{Job: final, Err: cause, Timestamp: time.Now()})
		}
		return
	}

	nextAt := NextRetryAt(w, time.Now(), d.cfg.BackoffCap)
	attempt := w.Attempt + 1
	err = retryStore(ctx, d.cfg.StorageRetry, func() error {
		return d.store.Reschedule(ctx, w.ID, job.StateFailed, nextAt, attempt, msg)
	})
	if err != nil {
		d.logger.Error("retry reschedule failed", "job_id", w.ID, "error", err)
		return
	}
	d.logger.Info("job retrying",
		"job_id", w.ID, "name", w.Name, "attempt", attempt, "next_run_at", nextAt)
	if final, err := d.store.Get(ctx, w.ID); err == nil {
		d.emitter.Emit(&job.Retrying{Job: final, Attempt: attempt, NextRunAt: nextAt, Err: cause, Timestamp: time.Now()})
	}
}

// ExpireActive finalizes a job whose deadline elapsed without an answer.
func (d *Dispatcher) ExpireActive(ctx context.Context, w *job.WorkInfo) {
	// A handle may still resolve concurrently; the store CAS arbitrates.
	d.failActive(ctx, w, fmt.Errorf("%w: deadline elapsed", distributor.ErrTimeout))
}
