// Package distributor hands activated jobs to discovered worker nodes. It
// acquires a pooled connection, streams the job over it, and classifies the
// outcome so the scheduler can decide between completion, retry, and
// re-admission.
package distributor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/docstream/workgate/pkg/balancer"
	"github.com/docstream/workgate/pkg/job"
	"github.com/docstream/workgate/pkg/transport"
)

var (
	// ErrNoCapacity means no usable connection exists for the job's
	// executor. The job was not sent anywhere.
	ErrNoCapacity = errors.New("distributor: no capacity")

	// ErrExecutionFailed means the node received the job and reported
	// failure, or the transport broke mid-call.
	ErrExecutionFailed = errors.New("distributor: execution failed")

	// ErrTimeout means the job's execution deadline expired before the
	// node answered.
	ErrTimeout = errors.New("distributor: execution timed out")
)

// statuses a node may report for a finished job.
const (
	statusOK        = "ok"
	statusCompleted = "completed"
)

// Handle tracks one in-flight execution. Done closes when the call
// finishes; Err is valid after that.
type Handle struct {
	JobID string
	Node  balancer.Node

	done chan struct{}
	resp *transport.ProcessResponse
	err  error
}

// Done closes when the execution finishes.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err reports the classified outcome. Only valid after Done is closed.
func (h *Handle) Err() error { return h.err }

// Response is the node's final frame, nil on error. Only valid after Done
// is closed.
func (h *Handle) Response() *transport.ProcessResponse { return h.resp }

// Wait blocks until the execution finishes or ctx ends.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return h.err
	}
}

// Runner is the slice of the distributor the scheduler and manager use.
type Runner interface {
	// Run starts executing an activated job. It returns ErrNoCapacity
	// without side effects when no connection is available; otherwise the
	// handle resolves when the node answers or the deadline passes.
	Run(ctx context.Context, w *job.WorkInfo) (*Handle, error)
	// Capacity is a best-effort count of usable connections.
	Capacity() int
}

// processConn is the call surface the distributor needs from a pooled
// connection. transport.Client satisfies it.
type processConn interface {
	Process(ctx context.Context, req *transport.ProcessRequest) (*transport.ProcessResponse, error)
}

// Distributor runs jobs over a balancer pool.
type Distributor struct {
	pool   *balancer.Pool
	logger *slog.Logger
}

// Option configures a Distributor.
type Option func(*Distributor)

// WithLogger sets the distributor's logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Distributor) { d.logger = l }
}

// New builds a Distributor over pool.
func New(pool *balancer.Pool, opts ...Option) *Distributor {
	d := &Distributor{pool: pool, logger: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Capacity reports the pool's usable connection count.
func (d *Distributor) Capacity() int { return d.pool.AvailableSlots() }

// Run acquires a connection for w's executor and streams the job to it.
// The job must already carry its materialized deadline; when it has none,
// ExpireInSeconds bounds the call from now.
func (d *Distributor) Run(ctx context.Context, w *job.WorkInfo) (*Handle, error) {
	acquired, err := d.pool.Acquire(w.Executor)
	if err != nil {
		if errors.Is(err, balancer.ErrNoConnection) {
			return nil, fmt.Errorf("%w: executor %s", ErrNoCapacity, w.Executor)
		}
		return nil, err
	}

	conn, ok := acquired.Conn.(processConn)
	if !ok {
		acquired.Release()
		return nil, fmt.Errorf("distributor: connection %s does not support process calls", acquired.Node.Address)
	}

	h := &Handle{JobID: w.ID, Node: acquired.Node, done: make(chan struct{})}
	go d.execute(ctx, w, acquired, conn, h)
	return h, nil
}

func (d *Distributor) execute(ctx context.Context, w *job.WorkInfo, acquired *balancer.Acquired, conn processConn, h *Handle) {
	defer close(h.done)

	callCtx := ctx
	var cancel context.CancelFunc
	switch {
	case w.Deadline != nil:
		callCtx, cancel = context.WithDeadline(ctx, *w.Deadline)
	case w.ExpireInSeconds > 0:
		callCtx, cancel = context.WithTimeout(ctx, time.Duration(w.ExpireInSeconds)*time.Second)
	}
	if cancel != nil {
		defer cancel()
	}

	req := &transport.ProcessRequest{
		JobID:    w.ID,
		Executor: w.Executor,
		Data:     w.Data,
	}
	if len(acquired.Node.Endpoints) > 0 {
		req.Endpoint = acquired.Node.Endpoints[0]
	}

	resp, err := conn.Process(callCtx, req)
	if err != nil {
		if errors.Is(err, context.Canceled) || callCtx.Err() == context.Canceled {
			// Cancelled by the caller, not a node problem.
			acquired.Release()
			h.err = fmt.Errorf("job %s on %s: %w", w.ID, acquired.Node.Address, context.Canceled)
			return
		}
		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() == context.DeadlineExceeded {
			// The node may be healthy; the job just ran too long.
			acquired.Release()
			h.err = fmt.Errorf("%w: job %s on %s", ErrTimeout, w.ID, acquired.Node.Address)
			return
		}
		acquired.Fail(err)
		h.err = fmt.Errorf("%w: job %s on %s: %v", ErrExecutionFailed, w.ID, acquired.Node.Address, err)
		return
	}

	acquired.Release()
	h.resp = resp
	if resp.Status != statusOK && resp.Status != statusCompleted {
		reason := resp.Error
		if reason == "" {
			reason = fmt.Sprintf("status %q", resp.Status)
		}
		h.err = fmt.Errorf("%w: job %s on %s: %s", ErrExecutionFailed, w.ID, acquired.Node.Address, reason)
		return
	}
	d.logger.Debug("job executed", "job_id", w.ID, "node", acquired.Node.Address)
}
