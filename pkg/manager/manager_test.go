package manager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docstream/workgate/pkg/balancer"
	"github.com/docstream/workgate/pkg/distributor"
	"github.com/docstream/workgate/pkg/job"
	"github.com/docstream/workgate/pkg/scheduler"
	"github.com/docstream/workgate/pkg/store"
	"github.com/docstream/workgate/pkg/transport"
)

// slowConn lets tests hold an execution open until released.
type slowConn struct {
	mu      sync.Mutex
	release chan struct{}
	calls   int
}

func (c *slowConn) Target() string { return "a:1" }
func (c *slowConn) Close() error   { return nil }

func (c *slowConn) Process(ctx context.Context, req *transport.ProcessRequest) (*transport.ProcessResponse, error) {
	c.mu.Lock()
	c.calls++
	release := c.release
	c.mu.Unlock()
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &transport.ProcessResponse{JobID: req.JobID, Status: "ok"}, nil
}

func (c *slowConn) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func newTestManager(t *testing.T, withNode bool, cfg Config) (*Manager, *store.MemoryStore, *slowConn) {
	t.Helper()
	st := store.NewMemoryStore()
	conn := &slowConn{}

	pool := balancer.NewPool(func(context.Context, string) (balancer.Conn, error) {
		return conn, nil
	})
	if withNode {
		pool.Update(context.Background(), map[string][]balancer.Node{
			"extract": {{Address: "a:1", Executor: "extract"}},
		})
	}
	t.Cleanup(func() { _ = pool.Close() })

	schedCfg := scheduler.Config{
		RequeueDelay: 10 * time.Millisecond,
		StorageRetry: scheduler.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, Multiplier: 2.0},
	}
	dist := distributor.New(pool)
	disp := scheduler.NewDispatcher(st, dist, job.NewEmitter(), schedCfg, nil)
	return New(st, disp, dist, WithConfig(cfg)), st, conn
}

func work(mutate func(*job.WorkInfo)) *job.WorkInfo {
	w := &job.WorkInfo{
		Name:       "extract-invoice",
		Executor:   "extract",
		Data:       []byte(`{"doc":"d-1"}`),
		StartAfter: time.Now(),
	}
	if mutate != nil {
		mutate(w)
	}
	return w
}

func waitState(t *testing.T, st *store.MemoryStore, id string, want job.State) *job.WorkInfo {
	t.Helper()
	var got *job.WorkInfo
	require.Eventually(t, func() bool {
		w, err := st.Get(context.Background(), id)
		if err != nil {
			return false
		}
		got = w
		return w.State == want
	}, 5*time.Second, 5*time.Millisecond)
	return got
}

func TestSubmit_AppliesDefaults(t *testing.T) {
	m, st, _ := newTestManager(t, false, Config{})
	ctx := context.Background()

	id, err := m.Submit(ctx, work(nil))
	require.NoError(t, err)

	got, err := st.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, job.StateCreated, got.State)
	assert.WithinDuration(t, got.StartAfter.Add(7*24*time.Hour), got.KeepUntil, time.Minute)
}

func TestSubmit_RejectsBadInput(t *testing.T) {
	m, _, _ := newTestManager(t, false, Config{MaxPayload: 64})
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*job.WorkInfo)
		field  string
	}{
		{"empty name", func(w *job.WorkInfo) { w.Name = "" }, "name"},
		{"bad name", func(w *job.WorkInfo) { w.Name = "has space" }, "name"},
		{"empty executor", func(w *job.WorkInfo) { w.Executor = "" }, "executor"},
		{"negative retry limit", func(w *job.WorkInfo) { w.RetryLimit = -1 }, "retry_limit"},
		{"missing start time", func(w *job.WorkInfo) { w.StartAfter = time.Time{} }, "start_after"},
		{"keep_until before start", func(w *job.WorkInfo) { w.KeepUntil = w.StartAfter.Add(-time.Hour) }, "keep_until"},
		{"oversized payload", func(w *job.WorkInfo) { w.Data = make([]byte, 65) }, "data"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.Submit(ctx, work(tc.mutate))
			var verr *job.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
		})
	}
}

func TestSubmit_SchemaValidation(t *testing.T) {
	m, _, _ := newTestManager(t, false, Config{})
	ctx := context.Background()

	schema := []byte(`{
		"type": "object",
		"required": ["doc"],
		"properties": {"doc": {"type": "string"}}
	}`)
	require.NoError(t, m.RegisterSchema("extract", schema))

	_, err := m.Submit(ctx, work(nil))
	assert.NoError(t, err, "conforming payload is admitted")

	_, err = m.Submit(ctx, work(func(w *job.WorkInfo) { w.Data = []byte(`{"other":1}`) }))
	var verr *job.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "data", verr.Field)

	_, err = m.Submit(ctx, work(func(w *job.WorkInfo) { w.Data = []byte(`not json`) }))
	require.ErrorAs(t, err, &verr)

	// Executors without a schema stay unchecked.
	_, err = m.Submit(ctx, work(func(w *job.WorkInfo) {
		w.Executor = "ner"
		w.Data = []byte(`anything goes`)
	}))
	assert.NoError(t, err)
}

func TestRegisterSchema_RejectsInvalidSchema(t *testing.T) {
	m, _, _ := newTestManager(t, false, Config{})
	assert.Error(t, m.RegisterSchema("extract", []byte(`{"type": 42}`)))
}

func TestSubmit_ExplicitUniqueKeyDedups(t *testing.T) {
	m, _, _ := newTestManager(t, false, Config{})
	ctx := context.Background()

	_, err := m.Submit(ctx, work(func(w *job.WorkInfo) { w.UniqueKey = "doc-1" }))
	require.NoError(t, err)

	_, err = m.Submit(ctx, work(func(w *job.WorkInfo) { w.UniqueKey = "doc-1" }))
	assert.ErrorIs(t, err, store.ErrDuplicate)
}

func TestSubmit_ContentDedupWhenEnabled(t *testing.T) {
	m, _, _ := newTestManager(t, false, Config{DedupByContent: true})
	ctx := context.Background()

	_, err := m.Submit(ctx, work(nil))
	require.NoError(t, err)

	_, err = m.Submit(ctx, work(nil))
	assert.ErrorIs(t, err, store.ErrDuplicate)

	// A different payload is different work.
	_, err = m.Submit(ctx, work(func(w *job.WorkInfo) { w.Data = []byte(`{"doc":"d-2"}`) }))
	assert.NoError(t, err)
}

func TestSubmit_ImmediateDispatchWithCapacity(t *testing.T) {
	m, st, conn := newTestManager(t, true, Config{})
	ctx := context.Background()

	id, err := m.Submit(ctx, work(nil))
	require.NoError(t, err)

	// No sweep is running; only the immediate path can complete it.
	waitState(t, st, id, job.StateCompleted)
	assert.Equal(t, 1, conn.callCount())
}

func TestSubmit_NoCapacityLeavesJobQueued(t *testing.T) {
	m, st, conn := newTestManager(t, false, Config{})
	ctx := context.Background()

	id, err := m.Submit(ctx, work(nil))
	require.NoError(t, err)

	got, err := st.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, job.StateCreated, got.State)
	assert.Equal(t, 0, conn.callCount())
}

func TestSubmit_DeferredJobNotDispatchedImmediately(t *testing.T) {
	m, st, conn := newTestManager(t, true, Config{})
	ctx := context.Background()

	id, err := m.Submit(ctx, work(func(w *job.WorkInfo) { w.StartAfter = time.Now().Add(time.Hour) }))
	require.NoError(t, err)

	got, err := st.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, job.StateCreated, got.State)
	assert.Equal(t, 0, conn.callCount())
}

func TestStatus(t *testing.T) {
	m, _, _ := newTestManager(t, false, Config{})
	ctx := context.Background()

	id, err := m.Submit(ctx, work(nil))
	require.NoError(t, err)

	got, err := m.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)

	_, err = m.Status(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCancel_QueuedJob(t *testing.T) {
	m, st, _ := newTestManager(t, false, Config{})
	ctx := context.Background()
	events := m.Events().Subscribe()
	defer m.Events().Unsubscribe(events)

	id, err := m.Submit(ctx, work(nil))
	require.NoError(t, err)
	require.NoError(t, m.Cancel(ctx, id))

	got, err := st.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, job.StateCancelled, got.State)

	assert.IsType(t, &job.Submitted{}, <-events)
	assert.IsType(t, &job.Cancelled{}, <-events)
}

func TestCancel_RunningJobAbortsExecution(t *testing.T) {
	m, st, conn := newTestManager(t, true, Config{})
	conn.release = make(chan struct{})
	ctx := context.Background()

	id, err := m.Submit(ctx, work(func(w *job.WorkInfo) { w.ExpireInSeconds = 60 }))
	require.NoError(t, err)
	waitState(t, st, id, job.StateActive)

	require.NoError(t, m.Cancel(ctx, id))
	got := waitState(t, st, id, job.StateCancelled)
	assert.NotNil(t, got.CompletedAt)

	// The cancelled state must survive the execution's unwinding.
	time.Sleep(50 * time.Millisecond)
	got, err = st.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, job.StateCancelled, got.State)
}

func TestCancel_TerminalJobRejected(t *testing.T) {
	m, st, _ := newTestManager(t, true, Config{})
	ctx := context.Background()

	id, err := m.Submit(ctx, work(nil))
	require.NoError(t, err)
	waitState(t, st, id, job.StateCompleted)

	err = m.Cancel(ctx, id)
	assert.ErrorIs(t, err, ErrTerminal)
}

func TestCancel_NotFound(t *testing.T) {
	m, _, _ := newTestManager(t, false, Config{})
	assert.ErrorIs(t, m.Cancel(context.Background(), "missing"), store.ErrNotFound)
}

func TestList_ByStateAndAcrossStates(t *testing.T) {
	m, st, _ := newTestManager(t, false, Config{})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := m.Submit(ctx, work(func(w *job.WorkInfo) { w.UniqueKey = "" }))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.NoError(t, st.UpdateState(ctx, ids[0], job.StateCreated, job.StateCancelled))

	created, err := m.List(ctx, job.StateCreated, 0)
	require.NoError(t, err)
	assert.Len(t, created, 2)

	all, err := m.List(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	limited, err := m.List(ctx, "", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestCapacity_TracksPool(t *testing.T) {
	m, _, _ := newTestManager(t, true, Config{})
	assert.Equal(t, 1, m.Capacity())

	m2, _, _ := newTestManager(t, false, Config{})
	assert.Equal(t, 0, m2.Capacity())
}

func TestSubmit_ClampsRetryLimit(t *testing.T) {
	m, st, _ := newTestManager(t, false, Config{})
	ctx := context.Background()

	id, err := m.Submit(ctx, work(func(w *job.WorkInfo) { w.RetryLimit = 100000 }))
	require.NoError(t, err)

	got, err := st.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 100, got.RetryLimit)
}

func TestSubmit_PreservesEventOrderForImmediateRun(t *testing.T) {
	m, st, _ := newTestManager(t, true, Config{})
	ctx := context.Background()
	events := m.Events().Subscribe()
	defer m.Events().Unsubscribe(events)

	id, err := m.Submit(ctx, work(func(w *job.WorkInfo) { w.OnComplete = true }))
	require.NoError(t, err)
	waitState(t, st, id, job.StateCompleted)

	var kinds []string
	deadline := time.After(time.Second)
	for len(kinds) < 3 {
		select {
		case ev := <-events:
			switch ev.(type) {
			case *job.Submitted:
				kinds = append(kinds, "submitted")
			case *job.Started:
				kinds = append(kinds, "started")
			case *job.Completed:
				kinds = append(kinds, "completed")
			}
		case <-deadline:
			t.Fatalf("saw only %v", kinds)
		}
	}
	assert.Equal(t, []string{"submitted", "started", "completed"}, kinds)
}

func TestSubmit_ErrorsDoNotAdmit(t *testing.T) {
	m, _, _ := newTestManager(t, false, Config{})
	ctx := context.Background()

	_, err := m.Submit(ctx, work(func(w *job.WorkInfo) { w.Name = "" }))
	require.Error(t, err)

	all, err := m.List(ctx, "", 0)
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.False(t, errors.Is(err, store.ErrDuplicate))
}
