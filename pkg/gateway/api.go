package gateway

import (
	"time"

	"github.com/docstream/workgate/pkg/balancer"
	"github.com/docstream/workgate/pkg/job"
)

// SubmitRequest admits one job.
type SubmitRequest struct {
	Name            string     `json:"name"`
	Executor        string     `json:"executor"`
	Priority        int        `json:"priority,omitempty"`
	Data            []byte     `json:"data,omitempty"`
	RetryLimit      int        `json:"retry_limit,omitempty"`
	RetryDelay      int        `json:"retry_delay,omitempty"`
	RetryBackoff    bool       `json:"retry_backoff,omitempty"`
	StartAfter      *time.Time `json:"start_after,omitempty"`
	ExpireInSeconds int        `json:"expire_in_seconds,omitempty"`
	KeepUntil       *time.Time `json:"keep_until,omitempty"`
	OnComplete      bool       `json:"on_complete,omitempty"`
	UniqueKey       string     `json:"unique_key,omitempty"`
}

// SubmitResponse acknowledges an admitted job.
type SubmitResponse struct {
	JobID string `json:"job_id"`
}

// StatusRequest asks for one job's record.
type StatusRequest struct {
	JobID string `json:"job_id"`
}

// StatusResponse carries one job's record.
type StatusResponse struct {
	Job *JobView `json:"job"`
}

// CancelRequest stops one job.
type CancelRequest struct {
	JobID string `json:"job_id"`
}

// CancelResponse carries the record after cancellation.
type CancelResponse struct {
	Job *JobView `json:"job"`
}

// ListRequest filters jobs by state; empty state means all states.
type ListRequest struct {
	State string `json:"state,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// ListResponse carries the matching jobs.
type ListResponse struct {
	Jobs []*JobView `json:"jobs"`
}

// ListNodesRequest asks for the discovered worker topology.
type ListNodesRequest struct{}

// ListNodesResponse carries the pooled nodes and the capacity hint.
type ListNodesResponse struct {
	Nodes          []*NodeView `json:"nodes"`
	AvailableSlots int         `json:"available_slots"`
}

// JobView is the wire shape of a job record.
type JobView struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Executor        string     `json:"executor"`
	Priority        int        `json:"priority"`
	State           string     `json:"state"`
	Attempt         int        `json:"attempt"`
	RetryLimit      int        `json:"retry_limit"`
	StartAfter      time.Time  `json:"start_after"`
	ExpireInSeconds int        `json:"expire_in_seconds,omitempty"`
	Deadline        *time.Time `json:"deadline,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// NodeView is the wire shape of a discovered worker node.
type NodeView struct {
	Address   string   `json:"address"`
	Executor  string   `json:"executor"`
	Gateway   string   `json:"gateway"`
	Endpoints []string `json:"endpoints,omitempty"`
}

func viewOf(w *job.WorkInfo) *JobView {
	return &JobView{
		ID:              w.ID,
		Name:            w.Name,
		Executor:        w.Executor,
		Priority:        w.Priority,
		State:           string(w.State),
		Attempt:         w.Attempt,
		RetryLimit:      w.RetryLimit,
		StartAfter:      w.StartAfter,
		ExpireInSeconds: w.ExpireInSeconds,
		Deadline:        w.Deadline,
		StartedAt:       w.StartedAt,
		CompletedAt:     w.CompletedAt,
		LastError:       w.LastError,
		CreatedAt:       w.CreatedAt,
		UpdatedAt:       w.UpdatedAt,
	}
}

func nodeViewOf(n balancer.Node) *NodeView {
	return &NodeView{
		Address:   n.Address,
		Executor:  n.Executor,
		Gateway:   n.Gateway,
		Endpoints: n.Endpoints,
	}
}

func workOf(req *SubmitRequest) *job.WorkInfo {
	w := &job.WorkInfo{
		Name:            req.Name,
		Executor:        req.Executor,
		Priority:        req.Priority,
		Data:            req.Data,
		RetryLimit:      req.RetryLimit,
		RetryDelay:      req.RetryDelay,
		RetryBackoff:    req.RetryBackoff,
		ExpireInSeconds: req.ExpireInSeconds,
		OnComplete:      req.OnComplete,
		UniqueKey:       req.UniqueKey,
	}
	if req.StartAfter != nil {
		w.StartAfter = *req.StartAfter
	}
	if req.KeepUntil != nil {
		w.KeepUntil = *req.KeepUntil
	}
	return w
}
