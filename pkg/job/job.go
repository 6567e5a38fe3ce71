// Package job provides the domain model shared by every workgate component:
// the WorkInfo record, its state machine, and the lifecycle events emitted
// as jobs move through it.
package job

import (
	"time"
)

// State represents the current lifecycle state of a job.
type State string

const (
	StateCreated   State = "created"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// transitions is the explicit edge set of the state machine. FAILED keeps an
// edge back to CREATED; whether it may be taken depends on the retry budget,
// which the store checks at transition time.
var transitions = map[State][]State{
	StateCreated: {StateActive, StateCancelled},
	StateActive:  {StateCompleted, StateFailed, StateCancelled},
	StateFailed:  {StateCreated},
}

// CanTransition reports whether the state machine has an edge from s to next.
func (s State) CanTransition(next State) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Terminal reports whether s has no outgoing edges other than the
// retry-gated FAILED → CREATED edge.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// WorkInfo represents a unit of submitted work with scheduling metadata and
// an opaque payload. Names are not unique; the store mints the ID.
type WorkInfo struct {
	ID       string `gorm:"primaryKey;size:36"`
	Name     string `gorm:"index;size:255;not null"`
	Executor string `gorm:"index;size:255;not null"`
	Priority int    `gorm:"index;default:0"`
	Data     []byte `gorm:"type:bytes"`
	State    State  `gorm:"index;size:20;default:'created'"`

	// Retry policy. A job is attempted at most RetryLimit+1 times; Attempt
	// counts consumed retries.
	RetryLimit   int  `gorm:"default:0"`
	RetryDelay   int  `gorm:"default:0"` // seconds between attempts
	RetryBackoff bool `gorm:"default:false"`
	Attempt      int  `gorm:"default:0"`

	StartAfter      time.Time `gorm:"index"`
	ExpireInSeconds int       `gorm:"default:0"`
	KeepUntil       time.Time `gorm:"index"`
	OnComplete      bool      `gorm:"default:false"`

	// Deadline is materialized at activation (StartedAt + ExpireInSeconds)
	// so the expiry sweep is a plain indexed comparison.
	Deadline    *time.Time `gorm:"index"`
	StartedAt   *time.Time
	CompletedAt *time.Time
	LastError   string `gorm:"type:text"`

	UniqueKey string `gorm:"index;size:255"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// RetriesRemaining reports whether the job may re-enter CREATED after a
// failure. A job with RetryLimit == 0 never does.
func (w *WorkInfo) RetriesRemaining() bool {
	return w.Attempt < w.RetryLimit
}

// Eligible reports whether the job may be picked up by the scheduler at now.
func (w *WorkInfo) Eligible(now time.Time) bool {
	return w.State == StateCreated && !w.StartAfter.After(now)
}

// Expired reports whether an active job has outlived its execution deadline.
func (w *WorkInfo) Expired(now time.Time) bool {
	return w.State == StateActive && w.Deadline != nil && w.Deadline.Before(now)
}

// Clone returns a deep copy. The in-memory store hands out clones so callers
// never alias its records.
func (w *WorkInfo) Clone() *WorkInfo {
	c := *w
	if w.Data != nil {
		c.Data = append([]byte(nil), w.Data...)
	}
	if w.Deadline != nil {
		d := *w.Deadline
		c.Deadline = &d
	}
	if w.StartedAt != nil {
		t := *w.StartedAt
		c.StartedAt = &t
	}
	if w.CompletedAt != nil {
		t := *w.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
