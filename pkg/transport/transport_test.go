package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

// echoExecutor answers capabilities with a fixed endpoint list and echoes
// process payloads back, optionally after a delay.
type echoExecutor struct {
	endpoints []string
	delay     time.Duration
}

func (e *echoExecutor) Capabilities(ctx context.Context, _ *CapabilitiesRequest) (*CapabilitiesResponse, error) {
	return &CapabilitiesResponse{Endpoints: e.endpoints}, nil
}

func (e *echoExecutor) Process(stream ProcessStream) error {
	for {
		req, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if e.delay > 0 {
			select {
			case <-time.After(e.delay):
			case <-stream.Context().Done():
				return stream.Context().Err()
			}
		}
		resp := &ProcessResponse{JobID: req.JobID, Status: "ok", Data: req.Data}
		if err := stream.Send(resp); err != nil {
			return err
		}
	}
}

func newTestNode(t *testing.T, exec ExecutorServer) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)

	srv := grpc.NewServer()
	RegisterExecutorServer(srv, exec)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return NewClient(conn, "bufnet")
}

func TestCheck_Serving(t *testing.T) {
	c := newTestNode(t, &echoExecutor{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Check(ctx))
}

func TestCapabilities_EnumeratesEndpoints(t *testing.T) {
	c := newTestNode(t, &echoExecutor{endpoints: []string{"/extract", "/ner"}})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := c.Capabilities(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"/extract", "/ner"}, resp.Endpoints)
}

func TestProcess_RoundTrip(t *testing.T) {
	c := newTestNode(t, &echoExecutor{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := c.Process(ctx, &ProcessRequest{
		JobID:    "job-1",
		Executor: "extract",
		Data:     []byte(`{"page":1}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "job-1", resp.JobID)
	assert.Equal(t, "ok", resp.Status)
	assert.JSONEq(t, `{"page":1}`, string(resp.Data))
}

func TestProcess_HonorsDeadline(t *testing.T) {
	c := newTestNode(t, &echoExecutor{delay: 5 * time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.Process(ctx, &ProcessRequest{JobID: "job-2"})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second, "call must be cancelled at the deadline")
}

func TestCheck_FailsWhenNotServing(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.Error(t, NewClient(conn, "bufnet").Check(ctx))
}
