package transport

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	capabilitiesMethod = "/workgate.v1.Executor/Capabilities"
	processMethod      = "/workgate.v1.Executor/Process"
)

var processStreamDesc = &grpc.StreamDesc{
	StreamName:    "Process",
	ClientStreams: true,
	ServerStreams: true,
}

// Client is a connection to one worker node.
type Client struct {
	conn *grpc.ClientConn
	addr string
}

// Dial creates a client for addr. The connection is established lazily; use
// Check to probe readiness.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
	conn, err := grpc.NewClient(addr, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &Client{conn: conn, addr: addr}, nil
}

// NewClient wraps an established connection, mainly for tests.
func NewClient(conn *grpc.ClientConn, addr string) *Client {
	return &Client{conn: conn, addr: addr}
}

// Target returns the dialed address.
func (c *Client) Target() string { return c.addr }

// Close tears the connection down.
func (c *Client) Close() error { return c.conn.Close() }

// Check probes the node's health service and fails unless it reports
// SERVING.
func (c *Client) Check(ctx context.Context) error {
	resp, err := healthpb.NewHealthClient(c.conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return fmt.Errorf("health check %s: %w", c.addr, err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("health check %s: status %s", c.addr, resp.GetStatus())
	}
	return nil
}

// Capabilities enumerates the endpoints the node serves.
func (c *Client) Capabilities(ctx context.Context) (*CapabilitiesResponse, error) {
	out := new(CapabilitiesResponse)
	err := c.conn.Invoke(ctx, capabilitiesMethod, &CapabilitiesRequest{}, out, grpc.ForceCodec(codec{}))
	if err != nil {
		return nil, fmt.Errorf("capabilities %s: %w", c.addr, err)
	}
	return out, nil
}

// Process streams one request to the node and returns its final response
// frame. The context deadline is the job's hard execution deadline; on
// expiry the underlying call is cancelled.
func (c *Client) Process(ctx context.Context, req *ProcessRequest) (*ProcessResponse, error) {
	stream, err := c.conn.NewStream(ctx, processStreamDesc, processMethod, grpc.ForceCodec(codec{}))
	if err != nil {
		return nil, fmt.Errorf("process %s: %w", c.addr, err)
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, fmt.Errorf("process %s: send: %w", c.addr, err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("process %s: close send: %w", c.addr, err)
	}

	var last *ProcessResponse
	for {
		resp := new(ProcessResponse)
		err := stream.RecvMsg(resp)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("process %s: recv: %w", c.addr, err)
		}
		last = resp
	}
	if last == nil {
		return nil, fmt.Errorf("process %s: node closed stream without a response", c.addr)
	}
	return last, nil
}
