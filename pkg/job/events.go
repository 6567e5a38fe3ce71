package job

import (
	"sync"
	"time"
)

// Event is the interface for all job lifecycle events.
type Event interface {
	JobID() string
}

// Submitted is emitted when a job is admitted into the store.
type Submitted struct {
	Job       *WorkInfo
	Timestamp time.Time
}

// Started is emitted when a job transitions CREATED → ACTIVE.
type Started struct {
	Job       *WorkInfo
	Timestamp time.Time
}

// Completed is emitted when a job finishes successfully.
type Completed struct {
	Job       *WorkInfo
	Duration  time.Duration
	Timestamp time.Time
}

// Failed is emitted when a job fails with no retries remaining.
type Failed struct {
	Job       *WorkInfo
	Err       error
	Timestamp time.Time
}

// Retrying is emitted when a failed job is rescheduled.
type Retrying struct {
	Job       *WorkInfo
	Attempt   int
	NextRunAt time.Time
	Err       error
	Timestamp time.Time
}

// Cancelled is emitted when a job is cancelled by a caller.
type Cancelled struct {
	Job       *WorkInfo
	Timestamp time.Time
}

func (e *Submitted) JobID() string { return e.Job.ID }
func (e *Started) JobID() string   { return e.Job.ID }
func (e *Completed) JobID() string { return e.Job.ID }
func (e *Failed) JobID() string    { return e.Job.ID }
func (e *Retrying) JobID() string  { return e.Job.ID }
func (e *Cancelled) JobID() string { return e.Job.ID }

// Emitter fans lifecycle events out to subscribers. Sends never block: a
// subscriber that falls behind loses events rather than stalling the
// scheduling path.
type Emitter struct {
	mu   sync.RWMutex
	subs []chan Event
}

// NewEmitter creates an empty Emitter.
func NewEmitter() *Emitter {
	return &Emitter{}
}

// Subscribe returns a channel receiving future events. Callers must
// Unsubscribe when done.
func (em *Emitter) Subscribe() <-chan Event {
	ch := make(chan Event, 100)
	em.mu.Lock()
	em.subs = append(em.subs, ch)
	em.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel created by Subscribe. The channel
// is not closed; no further events are sent after Unsubscribe returns.
func (em *Emitter) Unsubscribe(ch <-chan Event) {
	em.mu.Lock()
	defer em.mu.Unlock()
	for i, sub := range em.subs {
		if sub == ch {
			em.subs = append(em.subs[:i], em.subs[i+1:]...)
			return
		}
	}
}

// Emit delivers e to all subscribers, dropping on full buffers.
func (em *Emitter) Emit(e Event) {
	em.mu.RLock()
	subs := make([]chan Event, len(em.subs))
	copy(subs, em.subs)
	em.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- e:
		default:
		}
	}
}
