package gateway

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/docstream/workgate/pkg/balancer"
	"github.com/docstream/workgate/pkg/job"
	"github.com/docstream/workgate/pkg/manager"
	"github.com/docstream/workgate/pkg/security"
	"github.com/docstream/workgate/pkg/store"
)

// Handler answers the control verbs. The gateway picks its handler at
// construction time: the live handler drives the real job manager, the
// dry-run handler validates traffic without admitting anything.
type Handler interface {
	Submit(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error)
	Status(ctx context.Context, req *StatusRequest) (*StatusResponse, error)
	Cancel(ctx context.Context, req *CancelRequest) (*CancelResponse, error)
	List(ctx context.Context, req *ListRequest) (*ListResponse, error)
	ListNodes(ctx context.Context, req *ListNodesRequest) (*ListNodesResponse, error)
}

// nodeSource is the pool view the handlers read.
type nodeSource interface {
	Nodes() []balancer.Node
	AvailableSlots() int
}

// liveHandler serves the verbs against the manager and pool.
type liveHandler struct {
	manager *manager.Manager
	nodes   nodeSource
}

func (h *liveHandler) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error) {
	id, err := h.manager.Submit(ctx, workOf(req))
	if err != nil {
		return nil, statusError(err)
	}
	return &SubmitResponse{JobID: id}, nil
}

func (h *liveHandler) Status(ctx context.Context, req *StatusRequest) (*StatusResponse, error) {
	w, err := h.manager.Status(ctx, req.JobID)
	if err != nil {
		return nil, statusError(err)
	}
	return &StatusResponse{Job: viewOf(w)}, nil
}

func (h *liveHandler) Cancel(ctx context.Context, req *CancelRequest) (*CancelResponse, error) {
	if err := h.manager.Cancel(ctx, req.JobID); err != nil {
		return nil, statusError(err)
	}
	w, err := h.manager.Status(ctx, req.JobID)
	if err != nil {
		return nil, statusError(err)
	}
	return &CancelResponse{Job: viewOf(w)}, nil
}

func (h *liveHandler) List(ctx context.Context, req *ListRequest) (*ListResponse, error) {
	jobs, err := h.manager.List(ctx, job.State(req.State), req.Limit)
	if err != nil {
		return nil, statusError(err)
	}
	resp := &ListResponse{Jobs: make([]*JobView, 0, len(jobs))}
	for _, w := range jobs {
		resp.Jobs = append(resp.Jobs, viewOf(w))
	}
	return resp, nil
}

func (h *liveHandler) ListNodes(ctx context.Context, _ *ListNodesRequest) (*ListNodesResponse, error) {
	nodes := h.nodes.Nodes()
	resp := &ListNodesResponse{
		Nodes:          make([]*NodeView, 0, len(nodes)),
		AvailableSlots: h.nodes.AvailableSlots(),
	}
	for _, n := range nodes {
		resp.Nodes = append(resp.Nodes, nodeViewOf(n))
	}
	return resp, nil
}

// dryRunHandler validates submissions without admitting them and answers
// queries with empty results. Useful for smoke-testing a deployment's
// connectivity and payload shapes.
type dryRunHandler struct {
	nodes nodeSource
}

func (h *dryRunHandler) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error) {
	w := workOf(req)
	if err := security.ValidateJobName(w.Name); err != nil {
		return nil, statusError(err)
	}
	if err := security.ValidateExecutorName(w.Executor); err != nil {
		return nil, statusError(err)
	}
	if err := security.ValidatePayload(w.Data, 0); err != nil {
		return nil, statusError(err)
	}
	return &SubmitResponse{JobID: "dry-run"}, nil
}

func (h *dryRunHandler) Status(ctx context.Context, req *StatusRequest) (*StatusResponse, error) {
	return nil, status.Error(codes.NotFound, "dry-run gateway holds no jobs")
}

func (h *dryRunHandler) Cancel(ctx context.Context, req *CancelRequest) (*CancelResponse, error) {
	return nil, status.Error(codes.NotFound, "dry-run gateway holds no jobs")
}

func (h *dryRunHandler) List(ctx context.Context, req *ListRequest) (*ListResponse, error) {
	return &ListResponse{Jobs: []*JobView{}}, nil
}

func (h *dryRunHandler) ListNodes(ctx context.Context, _ *ListNodesRequest) (*ListNodesResponse, error) {
	nodes := h.nodes.Nodes()
	resp := &ListNodesResponse{
		Nodes:          make([]*NodeView, 0, len(nodes)),
		AvailableSlots: h.nodes.AvailableSlots(),
	}
	for _, n := range nodes {
		resp.Nodes = append(resp.Nodes, nodeViewOf(n))
	}
	return resp, nil
}

// statusError maps domain errors onto gRPC status codes.
func statusError(err error) error {
	var verr *job.ValidationError
	switch {
	case errors.As(err, &verr):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, store.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, store.ErrDuplicate):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, store.ErrConflict), errors.Is(err, manager.ErrTerminal):
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// Control service plumbing. The descriptor is maintained by hand; requests
// and responses travel as JSON through the registered codec.

const (
	controlService  = "workgate.v1.Control"
	submitMethod    = "/workgate.v1.Control/Submit"
	statusMethod    = "/workgate.v1.Control/Status"
	cancelMethod    = "/workgate.v1.Control/Cancel"
	listMethod      = "/workgate.v1.Control/List"
	listNodesMethod = "/workgate.v1.Control/ListNodes"
)

// RegisterControlServer registers h on a gRPC server.
func RegisterControlServer(s grpc.ServiceRegistrar, h Handler) {
	s.RegisterService(&controlServiceDesc, h)
}

func unaryHandler[Req, Resp any](method string, call func(Handler, context.Context, *Req) (*Resp, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(Handler), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(Handler), ctx, req.(*Req))
		})
	}
}

var controlServiceDesc = grpc.ServiceDesc{
	ServiceName: controlService,
	HandlerType: (*Handler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Submit", Handler: unaryHandler(submitMethod, Handler.Submit)},
		{MethodName: "Status", Handler: unaryHandler(statusMethod, Handler.Status)},
		{MethodName: "Cancel", Handler: unaryHandler(cancelMethod, Handler.Cancel)},
		{MethodName: "List", Handler: unaryHandler(listMethod, Handler.List)},
		{MethodName: "ListNodes", Handler: unaryHandler(listNodesMethod, Handler.ListNodes)},
	},
}
