package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/docstream/workgate/pkg/job"
)

// newTestGormStore creates a fresh in-memory SQLite store, fully migrated.
func newTestGormStore(t *testing.T) *GormStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err, "open in-memory sqlite")

	// A pooled second connection to :memory: would see a different database;
	// one connection also serializes the CAS races below the way a real
	// server would.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	s := NewGormStore(db)
	require.NoError(t, s.Migrate(context.Background()), "migrate schema")
	return s
}

// eachStore runs fn against both Store implementations. The contract is one;
// the backing medium must not matter.
func eachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
	t.Run("gorm", func(t *testing.T) {
		fn(t, newTestGormStore(t))
	})
}

func newWork(name string, priority int, startAfter time.Time) *job.WorkInfo {
	return &job.WorkInfo{
		Name:       name,
		Executor:   "extract",
		Priority:   priority,
		StartAfter: startAfter,
		KeepUntil:  startAfter.Add(24 * time.Hour),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Put / Get
// ──────────────────────────────────────────────────────────────────────────────

func TestPut_MintsIDAndStartsCreated(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id, err := s.Put(ctx, newWork("a", 0, time.Now()))
		require.NoError(t, err)
		require.NotEmpty(t, id)

		w, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, job.StateCreated, w.State)
		assert.Equal(t, "a", w.Name)
	})
}

func TestPut_NameReuseMintsDistinctIDs(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id1, err := s.Put(ctx, newWork("same", 0, time.Now()))
		require.NoError(t, err)
		id2, err := s.Put(ctx, newWork("same", 0, time.Now()))
		require.NoError(t, err)
		assert.NotEqual(t, id1, id2)
	})
}

func TestPut_RejectsInvalidRecord(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		w := newWork("bad", 0, time.Now())
		w.RetryLimit = -1
		_, err := s.Put(context.Background(), w)
		var verr *job.ValidationError
		require.ErrorAs(t, err, &verr)
	})
}

func TestGet_NotFound(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		_, err := s.Get(context.Background(), "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

// ──────────────────────────────────────────────────────────────────────────────
// PutUnique
// ──────────────────────────────────────────────────────────────────────────────

func TestPutUnique_RejectsWhileNonTerminal(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id, err := s.PutUnique(ctx, newWork("a", 0, time.Now()), "key-1")
		require.NoError(t, err)

		_, err = s.PutUnique(ctx, newWork("a", 0, time.Now()), "key-1")
		assert.ErrorIs(t, err, ErrDuplicate)

		// Terminal jobs release the key.
		require.NoError(t, s.UpdateState(ctx, id, job.StateCreated, job.StateCancelled))
		_, err = s.PutUnique(ctx, newWork("a", 0, time.Now()), "key-1")
		assert.NoError(t, err)
	})
}

// ──────────────────────────────────────────────────────────────────────────────
// UpdateState CAS
// ──────────────────────────────────────────────────────────────────────────────

func TestUpdateState_CASRejectsStaleExpectation(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id, err := s.Put(ctx, newWork("a", 0, time.Now()))
		require.NoError(t, err)

		require.NoError(t, s.UpdateState(ctx, id, job.StateCreated, job.StateActive))

		// Second CREATED→ACTIVE sees ACTIVE, must conflict without overwriting.
		err = s.UpdateState(ctx, id, job.StateCreated, job.StateActive)
		assert.ErrorIs(t, err, ErrConflict)

		w, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, job.StateActive, w.State)
	})
}

func TestUpdateState_RejectsMissingEdge(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id, err := s.Put(ctx, newWork("a", 0, time.Now()))
		require.NoError(t, err)

		err = s.UpdateState(ctx, id, job.StateCreated, job.StateCompleted)
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})
}

func TestUpdateState_ActivationStampsDeadline(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		w := newWork("a", 0, time.Now())
		w.ExpireInSeconds = 30
		id, err := s.Put(ctx, w)
		require.NoError(t, err)

		require.NoError(t, s.UpdateState(ctx, id, job.StateCreated, job.StateActive))

		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, got.StartedAt)
		require.NotNil(t, got.Deadline)
		assert.WithinDuration(t, got.StartedAt.Add(30*time.Second), *got.Deadline, time.Second)
	})
}

func TestUpdateState_TerminalStampsCompletedAt(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id, err := s.Put(ctx, newWork("a", 0, time.Now()))
		require.NoError(t, err)
		require.NoError(t, s.UpdateState(ctx, id, job.StateCreated, job.StateActive))
		require.NoError(t, s.UpdateState(ctx, id, job.StateActive, job.StateCompleted))

		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, got.CompletedAt)
		assert.Nil(t, got.Deadline)
	})
}

func TestUpdateState_ConcurrentActivationExactlyOneWins(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id, err := s.Put(ctx, newWork("a", 0, time.Now()))
		require.NoError(t, err)

		const racers = 16
		var wg sync.WaitGroup
		results := make(chan error, racers)
		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				results <- s.UpdateState(ctx, id, job.StateCreated, job.StateActive)
			}()
		}
		wg.Wait()
		close(results)

		wins := 0
		for err := range results {
			if err == nil {
				wins++
			} else {
				assert.ErrorIs(t, err, ErrConflict)
			}
		}
		assert.Equal(t, 1, wins, "exactly one racer must win the CAS")
	})
}

// ──────────────────────────────────────────────────────────────────────────────
// Reschedule
// ──────────────────────────────────────────────────────────────────────────────

func TestReschedule_RetryEdgeCarriesBookkeeping(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		w := newWork("a", 0, time.Now())
		w.RetryLimit = 2
		id, err := s.Put(ctx, w)
		require.NoError(t, err)

		require.NoError(t, s.UpdateState(ctx, id, job.StateCreated, job.StateActive))
		require.NoError(t, s.UpdateState(ctx, id, job.StateActive, job.StateFailed))

		runAt := time.Now().Add(5 * time.Second)
		require.NoError(t, s.Reschedule(ctx, id, job.StateFailed, runAt, 1, "boom"))

		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, job.StateCreated, got.State)
		assert.Equal(t, 1, got.Attempt)
		assert.Equal(t, "boom", got.LastError)
		assert.WithinDuration(t, runAt, got.StartAfter, time.Second)
	})
}

func TestReschedule_ConflictsOnStaleState(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id, err := s.Put(ctx, newWork("a", 0, time.Now()))
		require.NoError(t, err)

		err = s.Reschedule(ctx, id, job.StateFailed, time.Now(), 1, "")
		assert.ErrorIs(t, err, ErrConflict)

		err = s.Reschedule(ctx, "missing", job.StateFailed, time.Now(), 1, "")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestFail_RecordsReasonAndStampsCompletedAt(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id, err := s.Put(ctx, newWork("a", 0, time.Now()))
		require.NoError(t, err)
		require.NoError(t, s.UpdateState(ctx, id, job.StateCreated, job.StateActive))

		require.NoError(t, s.Fail(ctx, id, job.StateActive, "node unreachable"))

		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, job.StateFailed, got.State)
		assert.Equal(t, "node unreachable", got.LastError)
		require.NotNil(t, got.CompletedAt)
		assert.Nil(t, got.Deadline)
	})
}

func TestFail_CASAndEdgeChecks(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id, err := s.Put(ctx, newWork("a", 0, time.Now()))
		require.NoError(t, err)

		// CREATED has no edge to FAILED.
		assert.ErrorIs(t, s.Fail(ctx, id, job.StateCreated, "x"), ErrInvalidTransition)

		// Stale expectation conflicts without overwriting.
		assert.ErrorIs(t, s.Fail(ctx, id, job.StateActive, "x"), ErrConflict)
		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, job.StateCreated, got.State)

		assert.ErrorIs(t, s.Fail(ctx, "missing", job.StateActive, "x"), ErrNotFound)
	})
}

// ──────────────────────────────────────────────────────────────────────────────
// Listing
// ──────────────────────────────────────────────────────────────────────────────

func TestListEligible_OrderAndCutoff(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now()

		lowEarly, err := s.Put(ctx, newWork("low-early", 0, now.Add(-2*time.Minute)))
		require.NoError(t, err)
		lowLate, err := s.Put(ctx, newWork("low-late", 0, now.Add(-1*time.Minute)))
		require.NoError(t, err)
		high, err := s.Put(ctx, newWork("high", 5, now.Add(-1*time.Second)))
		require.NoError(t, err)
		_, err = s.Put(ctx, newWork("future", 9, now.Add(time.Hour)))
		require.NoError(t, err)

		got, err := s.ListEligible(ctx, now, 0)
		require.NoError(t, err)
		require.Len(t, got, 3, "future job must not be eligible")

		assert.Equal(t, high, got[0].ID, "higher priority first")
		assert.Equal(t, lowEarly, got[1].ID, "FIFO within priority band")
		assert.Equal(t, lowLate, got[2].ID)
	})
}

func TestListEligible_Limit(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now()
		for i := 0; i < 5; i++ {
			_, err := s.Put(ctx, newWork("n", 0, now.Add(-time.Minute)))
			require.NoError(t, err)
		}
		got, err := s.ListEligible(ctx, now, 2)
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})
}

func TestListExpired_OnlyElapsedDeadlines(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		w := newWork("short", 0, time.Now())
		w.ExpireInSeconds = 1
		short, err := s.Put(ctx, w)
		require.NoError(t, err)

		w2 := newWork("long", 0, time.Now())
		w2.ExpireInSeconds = 3600
		long, err := s.Put(ctx, w2)
		require.NoError(t, err)

		require.NoError(t, s.UpdateState(ctx, short, job.StateCreated, job.StateActive))
		require.NoError(t, s.UpdateState(ctx, long, job.StateCreated, job.StateActive))

		got, err := s.ListExpired(ctx, time.Now().Add(2*time.Second))
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, short, got[0].ID)
	})
}

// ──────────────────────────────────────────────────────────────────────────────
// Retention
// ──────────────────────────────────────────────────────────────────────────────

func TestPurgeExpired_OnlyTerminalPastKeepUntil(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now()

		done := newWork("done", 0, now.Add(-time.Hour))
		done.KeepUntil = now.Add(-time.Minute)
		doneID, err := s.Put(ctx, done)
		require.NoError(t, err)
		require.NoError(t, s.UpdateState(ctx, doneID, job.StateCreated, job.StateActive))
		require.NoError(t, s.UpdateState(ctx, doneID, job.StateActive, job.StateCompleted))

		// Terminal but retained.
		kept := newWork("kept", 0, now.Add(-time.Hour))
		kept.KeepUntil = now.Add(time.Hour)
		keptID, err := s.Put(ctx, kept)
		require.NoError(t, err)
		require.NoError(t, s.UpdateState(ctx, keptID, job.StateCreated, job.StateCancelled))

		// Past keep_until but not terminal.
		live := newWork("live", 0, now.Add(-time.Hour))
		live.KeepUntil = now.Add(-time.Minute)
		liveID, err := s.Put(ctx, live)
		require.NoError(t, err)

		n, err := s.PurgeExpired(ctx, now)
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		_, err = s.Get(ctx, doneID)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.Get(ctx, keptID)
		assert.NoError(t, err)
		_, err = s.Get(ctx, liveID)
		assert.NoError(t, err)
	})
}

func TestJanitor_PurgesOnTick(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	w := newWork("old", 0, time.Now().Add(-time.Hour))
	w.KeepUntil = time.Now().Add(-time.Minute)
	id, err := s.Put(ctx, w)
	require.NoError(t, err)
	require.NoError(t, s.UpdateState(ctx, id, job.StateCreated, job.StateCancelled))

	j, err := NewJanitor(s, "* * * * *", nil)
	require.NoError(t, err)
	// Drive one purge directly; Start is a thin loop over the schedule.
	n, err := j.store.PurgeExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestNewJanitor_RejectsBadExpression(t *testing.T) {
	_, err := NewJanitor(NewMemoryStore(), "not-cron", nil)
	assert.Error(t, err)
}
