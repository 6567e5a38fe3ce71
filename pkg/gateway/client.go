package gateway

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/docstream/workgate/pkg/transport"
)

// Client calls the control verbs on a running gateway.
type Client struct {
	conn *grpc.ClientConn
}

// DialClient connects to a gateway control endpoint.
func DialClient(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	return NewControlClient(conn), nil
}

// NewControlClient wraps an existing connection.
func NewControlClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func invoke[Req, Resp any](ctx context.Context, c *Client, method string, req *Req) (*Resp, error) {
	resp := new(Resp)
	err := c.conn.Invoke(ctx, method, req, resp, grpc.ForceCodec(transport.Codec()))
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Submit admits a job and returns its identifier.
func (c *Client) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error) {
	return invoke[SubmitRequest, SubmitResponse](ctx, c, submitMethod, req)
}

// Status fetches one job's record.
func (c *Client) Status(ctx context.Context, jobID string) (*StatusResponse, error) {
	return invoke[StatusRequest, StatusResponse](ctx, c, statusMethod, &StatusRequest{JobID: jobID})
}

// Cancel stops a job and returns its record after the transition.
func (c *Client) Cancel(ctx context.Context, jobID string) (*CancelResponse, error) {
	return invoke[CancelRequest, CancelResponse](ctx, c, cancelMethod, &CancelRequest{JobID: jobID})
}

// List fetches jobs, optionally filtered by state.
func (c *Client) List(ctx context.Context, state string, limit int) (*ListResponse, error) {
	return invoke[ListRequest, ListResponse](ctx, c, listMethod, &ListRequest{State: state, Limit: limit})
}

// ListNodes fetches the discovered worker topology.
func (c *Client) ListNodes(ctx context.Context) (*ListNodesResponse, error) {
	return invoke[ListNodesRequest, ListNodesResponse](ctx, c, listNodesMethod, &ListNodesRequest{})
}
