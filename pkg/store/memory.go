package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/docstream/workgate/pkg/job"
)

// MemoryStore is a single-process, non-durable Store used for tests and
// development. It hands out clones so callers never alias its records.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*job.WorkInfo
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*job.WorkInfo)}
}

// Migrate is a no-op for the in-memory backend.
func (s *MemoryStore) Migrate(ctx context.Context) error { return nil }

// Put persists a new record in CREATED state and returns the minted id.
func (s *MemoryStore) Put(ctx context.Context, w *job.WorkInfo) (string, error) {
	if err := w.Validate(); err != nil {
		return "", err
	}
	c := w.Clone()
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	c.State = job.StateCreated
	now := time.Now()
	c.CreatedAt = now
	c.UpdatedAt = now

	s.mu.Lock()
	s.jobs[c.ID] = c
	s.mu.Unlock()
	return c.ID, nil
}

// PutUnique is Put, rejecting while a non-terminal job holds the same key.
func (s *MemoryStore) PutUnique(ctx context.Context, w *job.WorkInfo, key string) (string, error) {
	if err := w.Validate(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.jobs {
		if existing.UniqueKey == key && !existing.State.Terminal() {
			return "", ErrDuplicate
		}
	}
	c := w.Clone()
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	c.State = job.StateCreated
	c.UniqueKey = key
	now := time.Now()
	c.CreatedAt = now
	c.UpdatedAt = now
	s.jobs[c.ID] = c
	return c.ID, nil
}

// Get returns a copy of the record for id.
func (s *MemoryStore) Get(ctx context.Context, id string) (*job.WorkInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return w.Clone(), nil
}

// UpdateState transitions id from expected to next under the store lock.
func (s *MemoryStore) UpdateState(ctx context.Context, id string, expected, next job.State) error {
	if !expected.CanTransition(next) {
		return ErrInvalidTransition
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if w.State != expected {
		return ErrConflict
	}
	applyTransition(w, next, time.Now())
	return nil
}

// Fail CASes id into FAILED, recording the failure reason.
func (s *MemoryStore) Fail(ctx context.Context, id string, expected job.State, lastErr string) error {
	if !expected.CanTransition(job.StateFailed) {
		return ErrInvalidTransition
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if w.State != expected {
		return ErrConflict
	}
	applyTransition(w, job.StateFailed, time.Now())
	w.LastError = lastErr
	return nil
}

// Reschedule CASes id back to CREATED with new scheduling bookkeeping.
func (s *MemoryStore) Reschedule(ctx context.Context, id string, expected job.State, runAt time.Time, attempt int, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if w.State != expected {
		return ErrConflict
	}
	w.State = job.StateCreated
	w.StartAfter = runAt
	w.Attempt = attempt
	w.LastError = lastErr
	w.Deadline = nil
	w.CompletedAt = nil
	w.UpdatedAt = time.Now()
	return nil
}

// ListEligible returns CREATED jobs due at now, priority desc then
// start_after asc.
func (s *MemoryStore) ListEligible(ctx context.Context, now time.Time, limit int) ([]*job.WorkInfo, error) {
	s.mu.RLock()
	var out []*job.WorkInfo
	for _, w := range s.jobs {
		if w.Eligible(now) {
			out = append(out, w.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].StartAfter.Before(out[j].StartAfter)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListExpired returns ACTIVE jobs whose deadline has elapsed.
func (s *MemoryStore) ListExpired(ctx context.Context, now time.Time) ([]*job.WorkInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*job.WorkInfo
	for _, w := range s.jobs {
		if w.Expired(now) {
			out = append(out, w.Clone())
		}
	}
	return out, nil
}

// ListByState returns up to limit jobs in the given state.
func (s *MemoryStore) ListByState(ctx context.Context, state job.State, limit int) ([]*job.WorkInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*job.WorkInfo
	for _, w := range s.jobs {
		if w.State == state {
			out = append(out, w.Clone())
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// PurgeExpired removes terminal records past their retention horizon.
func (s *MemoryStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, w := range s.jobs {
		if w.State.Terminal() && w.KeepUntil.Before(now) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}
