// Package manager is the submission surface of the gateway. It validates
// and admits jobs into the durable store, answers status and listing
// queries, cancels queued or running work, and hands freshly admitted jobs
// straight to the dispatcher when connection capacity is available.
package manager

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/docstream/workgate/pkg/distributor"
	"github.com/docstream/workgate/pkg/job"
	"github.com/docstream/workgate/pkg/scheduler"
	"github.com/docstream/workgate/pkg/security"
	"github.com/docstream/workgate/pkg/store"
)

// ErrTerminal is returned by Cancel when the job already finished.
var ErrTerminal = errors.New("manager: job already terminal")

// Config tunes admission behavior. Zero values take defaults.
type Config struct {
	// DefaultKeepFor sets keep_until for submissions that leave it unset.
	DefaultKeepFor time.Duration

	// MaxPayload bounds the payload size; 0 takes the package limit.
	MaxPayload int

	// DedupByContent derives a unique key from name + payload for
	// submissions that carry none, so identical re-submissions collapse
	// while the first is still in flight.
	DedupByContent bool
}

func (c *Config) withDefaults() {
	if c.DefaultKeepFor <= 0 {
		c.DefaultKeepFor = 7 * 24 * time.Hour
	}
}

// Manager admits and tracks jobs.
type Manager struct {
	store      store.Store
	dispatcher *scheduler.Dispatcher
	runner     distributor.Runner
	cfg        Config
	logger     *slog.Logger

	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithConfig overrides admission tuning.
func WithConfig(cfg Config) Option {
	return func(m *Manager) { m.cfg = cfg }
}

// New builds a Manager over st, dispatching through d.
func New(st store.Store, d *scheduler.Dispatcher, runner distributor.Runner, opts ...Option) *Manager {
	m := &Manager{
		store:      st,
		dispatcher: d,
		runner:     runner,
		logger:     slog.Default(),
		schemas:    make(map[string]*jsonschema.Schema),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.cfg.withDefaults()
	return m
}

// Events returns the emitter lifecycle events flow through.
func (m *Manager) Events() *job.Emitter { return m.dispatcher.Emitter() }

// Capacity is a best-effort hint of usable worker connections. It may be
// stale by the time a submission is dispatched; the dispatcher handles the
// race by re-deferring the job.
func (m *Manager) Capacity() int { return m.runner.Capacity() }

// RegisterSchema installs a JSON schema that payloads for executor must
// satisfy at submission time.
func (m *Manager) RegisterSchema(executor string, schema []byte) error {
	compiler := jsonschema.NewCompiler()
	name := executor + ".json"
	if err := compiler.AddResource(name, bytes.NewReader(schema)); err != nil {
		return fmt.Errorf("add schema for %s: %w", executor, err)
	}
	compiled, err := compiler.Compile(name)
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", executor, err)
	}
	m.mu.Lock()
	m.schemas[executor] = compiled
	m.mu.Unlock()
	return nil
}

// Submit validates and admits w, returning the minted job id. When the job
// is due and capacity looks available it is dispatched immediately instead
// of waiting for the next sweep.
func (m *Manager) Submit(ctx context.Context, w *job.WorkInfo) (string, error) {
	if err := m.validate(w); err != nil {
		return "", err
	}

	c := w.Clone()
	now := time.Now()
	if c.KeepUntil.IsZero() {
		base := now
		if c.StartAfter.After(base) {
			base = c.StartAfter
		}
		c.KeepUntil = base.Add(m.cfg.DefaultKeepFor)
	}
	c.RetryLimit = security.ClampRetries(c.RetryLimit)

	key := c.UniqueKey
	if key == "" && m.cfg.DedupByContent {
		key = security.HashedKey(c.Name, c.Data)
	}

	var id string
	var err error
	if key != "" {
		id, err = m.store.PutUnique(ctx, c, key)
	} else {
		id, err = m.store.Put(ctx, c)
	}
	if err != nil {
		return "", err
	}
	c.ID = id

	m.logger.Info("job submitted",
		"job_id", id, "name", c.Name, "executor", c.Executor, "priority", c.Priority)
	m.Events().Emit(&job.Submitted{Job: c, Timestamp: now})

	if c.Eligible(now) && m.runner.Capacity() > 0 {
		m.dispatchNow(ctx, c)
	}
	return id, nil
}

// dispatchNow races the sweep for a freshly admitted job. Losing the race
// is fine either way: a conflict means someone else claimed it, and a
// capacity miss re-defers it for the sweep.
func (m *Manager) dispatchNow(ctx context.Context, w *job.WorkInfo) {
	err := m.dispatcher.Dispatch(ctx, w)
	switch {
	case err == nil:
	case errors.Is(err, distributor.ErrNoCapacity), errors.Is(err, store.ErrConflict):
		m.logger.Debug("immediate dispatch deferred", "job_id", w.ID, "reason", err)
	default:
		m.logger.Error("immediate dispatch failed", "job_id", w.ID, "error", err)
	}
}

func (m *Manager) validate(w *job.WorkInfo) error {
	if err := security.ValidateJobName(w.Name); err != nil {
		return err
	}
	if err := security.ValidateExecutorName(w.Executor); err != nil {
		return err
	}
	if w.RetryLimit < 0 {
		return &job.ValidationError{Field: "retry_limit", Reason: "cannot be negative"}
	}
	if w.StartAfter.IsZero() {
		return &job.ValidationError{Field: "start_after", Reason: "is required"}
	}
	if !w.KeepUntil.IsZero() && w.KeepUntil.Before(w.StartAfter) {
		return &job.ValidationError{Field: "keep_until", Reason: "cannot precede start_after"}
	}
	if err := security.ValidatePayload(w.Data, m.cfg.MaxPayload); err != nil {
		return err
	}
	if err := security.ValidateUniqueKey(w.UniqueKey); err != nil {
		return err
	}

	m.mu.RLock()
	schema := m.schemas[w.Executor]
	m.mu.RUnlock()
	if schema != nil {
		var v any
		if err := json.Unmarshal(w.Data, &v); err != nil {
			return &job.ValidationError{Field: "data", Reason: "payload is not valid JSON"}
		}
		if err := schema.Validate(v); err != nil {
			return &job.ValidationError{Field: "data", Reason: err.Error()}
		}
	}
	return nil
}

// Status returns the current record for id.
func (m *Manager) Status(ctx context.Context, id string) (*job.WorkInfo, error) {
	return m.store.Get(ctx, id)
}

// Cancel stops a job. Queued jobs are cancelled in place; running jobs have
// their execution aborted after the state is settled. Terminal jobs return
// ErrTerminal.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	w, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}

	switch w.State {
	case job.StateCreated:
		if err := m.store.UpdateState(ctx, id, job.StateCreated, job.StateCancelled); err != nil {
			return err
		}
	case job.StateActive:
		// Settle the state first so the dispatcher's finalize, seeing the
		// cancelled run, leaves the record alone.
		if err := m.store.UpdateState(ctx, id, job.StateActive, job.StateCancelled); err != nil {
			return err
		}
		m.dispatcher.CancelRunning(id)
	default:
		return fmt.Errorf("%w: %s", ErrTerminal, w.State)
	}

	m.logger.Info("job cancelled", "job_id", id, "name", w.Name)
	if final, err := m.store.Get(ctx, id); err == nil {
		m.Events().Emit(&job.Cancelled{Job: final, Timestamp: time.Now()})
	}
	return nil
}

// List returns up to limit jobs in state; with an empty state it returns
// jobs across every state.
func (m *Manager) List(ctx context.Context, state job.State, limit int) ([]*job.WorkInfo, error) {
	if state != "" {
		return m.store.ListByState(ctx, state, limit)
	}
	var out []*job.WorkInfo
	for _, s := range []job.State{job.StateCreated, job.StateActive, job.StateCompleted, job.StateFailed, job.StateCancelled} {
		remaining := 0
		if limit > 0 {
			remaining = limit - len(out)
			if remaining <= 0 {
				break
			}
		}
		batch, err := m.store.ListByState(ctx, s, remaining)
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
	}
	return out, nil
}
