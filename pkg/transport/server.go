package transport

import (
	"context"

	"google.golang.org/grpc"
)

// ExecutorServer is the service a worker node implements. The descriptor is
// maintained by hand; the wire contract is the two methods above plus the
// standard gRPC health service.
type ExecutorServer interface {
	Capabilities(ctx context.Context, req *CapabilitiesRequest) (*CapabilitiesResponse, error)
	Process(stream ProcessStream) error
}

// ProcessStream is the server view of one Process call.
type ProcessStream interface {
	Send(*ProcessResponse) error
	Recv() (*ProcessRequest, error)
	Context() context.Context
}

type processStream struct {
	grpc.ServerStream
}

func (s *processStream) Send(resp *ProcessResponse) error { return s.SendMsg(resp) }

func (s *processStream) Recv() (*ProcessRequest, error) {
	req := new(ProcessRequest)
	if err := s.RecvMsg(req); err != nil {
		return nil, err
	}
	return req, nil
}

// RegisterExecutorServer registers srv on a gRPC server.
func RegisterExecutorServer(s grpc.ServiceRegistrar, srv ExecutorServer) {
	s.RegisterService(&executorServiceDesc, srv)
}

func capabilitiesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CapabilitiesRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ExecutorServer).Capabilities(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: capabilitiesMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ExecutorServer).Capabilities(ctx, req.(*CapabilitiesRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func processHandler(srv any, stream grpc.ServerStream) error {
	return srv.(ExecutorServer).Process(&processStream{stream})
}

var executorServiceDesc = grpc.ServiceDesc{
	ServiceName: "workgate.v1.Executor",
	HandlerType: (*ExecutorServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Capabilities",
			Handler:    capabilitiesHandler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Process",
			Handler:       processHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
}
