package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/docstream/workgate/pkg/job"
)

// GormStore implements Store on a relational table via GORM. CAS semantics
// come from conditional UPDATE statements keyed on id + expected state: zero
// rows affected with an existing row means another writer won the race.
type GormStore struct {
	db *gorm.DB
}

var _ Store = (*GormStore)(nil)

// NewGormStore creates a GORM-backed store.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// DB returns the underlying *gorm.DB.
func (s *GormStore) DB() *gorm.DB { return s.db }

// Migrate creates the work_infos table.
func (s *GormStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&job.WorkInfo{})
}

// Put persists a new record in CREATED state and returns the minted id.
func (s *GormStore) Put(ctx context.Context, w *job.WorkInfo) (string, error) {
	if err := w.Validate(); err != nil {
		return "", err
	}
	c := w.Clone()
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	c.State = job.StateCreated
	if err := s.db.WithContext(ctx).Create(c).Error; err != nil {
		return "", err
	}
	return c.ID, nil
}

// PutUnique is Put, rejecting while a non-terminal job holds the same key.
func (s *GormStore) PutUnique(ctx context.Context, w *job.WorkInfo, key string) (string, error) {
	if err := w.Validate(); err != nil {
		return "", err
	}
	c := w.Clone()
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	c.State = job.StateCreated
	c.UniqueKey = key

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		err := tx.Model(&job.WorkInfo{}).
			Where("unique_key = ?", key).
			Where("state IN ?", []job.State{job.StateCreated, job.StateActive}).
			Count(&count).Error
		if err != nil {
			return err
		}
		if count > 0 {
			return ErrDuplicate
		}
		return tx.Create(c).Error
	})
	if err != nil {
		return "", err
	}
	return c.ID, nil
}

// Get returns the record for id or ErrNotFound.
func (s *GormStore) Get(ctx context.Context, id string) (*job.WorkInfo, error) {
	var w job.WorkInfo
	err := s.db.WithContext(ctx).First(&w, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// UpdateState transitions id from expected to next via a conditional UPDATE.
func (s *GormStore) UpdateState(ctx context.Context, id string, expected, next job.State) error {
	if !expected.CanTransition(next) {
		return ErrInvalidTransition
	}
	now := time.Now()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var w job.WorkInfo
		if err := tx.First(&w, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		updates := map[string]any{"state": next, "updated_at": now}
		switch {
		case next == job.StateActive:
			updates["started_at"] = now
			updates["deadline"] = nil
			if w.ExpireInSeconds > 0 {
				updates["deadline"] = now.Add(time.Duration(w.ExpireInSeconds) * time.Second)
			}
		case next.Terminal():
			updates["completed_at"] = now
			updates["deadline"] = nil
		}

		res := tx.Model(&job.WorkInfo{}).
			Where("id = ? AND state = ?", id, expected).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConflict
		}
		return nil
	})
}

// Fail CASes id into FAILED, recording the failure reason.
func (s *GormStore) Fail(ctx context.Context, id string, expected job.State, lastErr string) error {
	if !expected.CanTransition(job.StateFailed) {
		return ErrInvalidTransition
	}
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&job.WorkInfo{}).
		Where("id = ? AND state = ?", id, expected).
		Updates(map[string]any{
			"state":        job.StateFailed,
			"last_error":   lastErr,
			"completed_at": now,
			"deadline":     nil,
			"updated_at":   now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := s.db.WithContext(ctx).Model(&job.WorkInfo{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

// Reschedule CASes id back to CREATED carrying the retry bookkeeping.
func (s *GormStore) Reschedule(ctx context.Context, id string, expected job.State, runAt time.Time, attempt int, lastErr string) error {
	res := s.db.WithContext(ctx).Model(&job.WorkInfo{}).
		Where("id = ? AND state = ?", id, expected).
		Updates(map[string]any{
			"state":        job.StateCreated,
			"start_after":  runAt,
			"attempt":      attempt,
			"last_error":   lastErr,
			"deadline":     nil,
			"completed_at": nil,
			"updated_at":   time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := s.db.WithContext(ctx).Model(&job.WorkInfo{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

// ListEligible returns CREATED jobs due at now, priority desc then
// start_after asc.
func (s *GormStore) ListEligible(ctx context.Context, now time.Time, limit int) ([]*job.WorkInfo, error) {
	var out []*job.WorkInfo
	q := s.db.WithContext(ctx).
		Where("state = ?", job.StateCreated).
		Where("start_after <= ?", now).
		Order("priority DESC, start_after ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	return out, q.Find(&out).Error
}

// ListExpired returns ACTIVE jobs whose deadline has elapsed.
func (s *GormStore) ListExpired(ctx context.Context, now time.Time) ([]*job.WorkInfo, error) {
	var out []*job.WorkInfo
	err := s.db.WithContext(ctx).
		Where("state = ?", job.StateActive).
		Where("deadline IS NOT NULL AND deadline < ?", now).
		Find(&out).Error
	return out, err
}

// ListByState returns up to limit jobs in the given state.
func (s *GormStore) ListByState(ctx context.Context, state job.State, limit int) ([]*job.WorkInfo, error) {
	var out []*job.WorkInfo
	q := s.db.WithContext(ctx).Where("state = ?", state)
	if limit > 0 {
		q = q.Limit(limit)
	}
	return out, q.Find(&out).Error
}

// PurgeExpired removes terminal records past their retention horizon.
func (s *GormStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("state IN ?", []job.State{job.StateCompleted, job.StateFailed, job.StateCancelled}).
		Where("keep_until < ?", now).
		Delete(&job.WorkInfo{})
	return res.RowsAffected, res.Error
}
