// Package store provides durable persistence for job records. Two backends
// satisfy the same contract: an in-memory map for tests and development, and
// a GORM-backed relational table. UpdateState is a compare-and-swap on the
// stored state and is the only cross-process mutual-exclusion mechanism in
// the system.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/docstream/workgate/pkg/job"
)

var (
	// ErrNotFound is returned when no record exists for the given id.
	ErrNotFound = errors.New("store: job not found")

	// ErrConflict is returned when a CAS update observes a state other than
	// the expected one. Callers should re-read and decide again.
	ErrConflict = errors.New("store: state conflict")

	// ErrDuplicate is returned by PutUnique when a non-terminal job with the
	// same unique key already exists.
	ErrDuplicate = errors.New("store: duplicate job")

	// ErrInvalidTransition is returned when the requested transition has no
	// edge in the state machine, regardless of the stored state.
	ErrInvalidTransition = errors.New("store: invalid state transition")
)

// Store is the persistence contract for WorkInfo records.
type Store interface {
	// Migrate prepares the backing medium (no-op for the in-memory store).
	Migrate(ctx context.Context) error

	// Put persists a new record in CREATED state and returns the minted id.
	Put(ctx context.Context, w *job.WorkInfo) (string, error)

	// PutUnique is Put, rejecting with ErrDuplicate while a non-terminal job
	// with the same key exists.
	PutUnique(ctx context.Context, w *job.WorkInfo, key string) (string, error)

	// Get returns the record for id or ErrNotFound.
	Get(ctx context.Context, id string) (*job.WorkInfo, error)

	// UpdateState transitions id from expected to next. If the stored state
	// differs from expected it fails with ErrConflict without overwriting.
	// Entering ACTIVE stamps started_at and materializes the execution
	// deadline; entering a terminal state stamps completed_at.
	UpdateState(ctx context.Context, id string, expected, next job.State) error

	// Fail transitions id from expected to FAILED, recording the failure
	// reason. Same CAS semantics as UpdateState.
	Fail(ctx context.Context, id string, expected job.State, lastErr string) error

	// Reschedule performs the FAILED → CREATED retry edge (or an explicit
	// re-deferral from ACTIVE when a dispatch found no capacity) in a single
	// CAS write, carrying the new start_after, attempt count and last error.
	Reschedule(ctx context.Context, id string, expected job.State, runAt time.Time, attempt int, lastErr string) error

	// ListEligible returns CREATED jobs with start_after <= now, ordered by
	// priority descending then start_after ascending.
	ListEligible(ctx context.Context, now time.Time, limit int) ([]*job.WorkInfo, error)

	// ListExpired returns ACTIVE jobs whose deadline has elapsed.
	ListExpired(ctx context.Context, now time.Time) ([]*job.WorkInfo, error)

	// ListByState returns up to limit jobs in the given state.
	ListByState(ctx context.Context, state job.State, limit int) ([]*job.WorkInfo, error)

	// PurgeExpired removes terminal records whose keep_until has elapsed and
	// reports how many were removed.
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// applyTransition stamps the bookkeeping fields both backends share when a
// CAS succeeds.
func applyTransition(w *job.WorkInfo, next job.State, now time.Time) {
	w.State = next
	w.UpdatedAt = now
	switch {
	case next == job.StateActive:
		started := now
		w.StartedAt = &started
		w.Deadline = nil
		if w.ExpireInSeconds > 0 {
			d := now.Add(time.Duration(w.ExpireInSeconds) * time.Second)
			w.Deadline = &d
		}
	case next.Terminal():
		completed := now
		w.CompletedAt = &completed
		w.Deadline = nil
	}
}
