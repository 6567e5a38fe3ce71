package reconciler

import (
	"context"
	"strings"

	"github.com/docstream/workgate/pkg/transport"
)

// GRPCInspector probes discovered addresses over short-lived gRPC
// connections. Announced control addresses may carry a scheme prefix
// (grpc://host:port); the dialer wants the bare host:port.
type GRPCInspector struct{}

func dialTarget(addr string) string {
	if i := strings.Index(addr, "://"); i >= 0 {
		return addr[i+len("://"):]
	}
	return addr
}

func (GRPCInspector) Ready(ctx context.Context, addr string) error {
	client, err := transport.Dial(dialTarget(addr))
	if err != nil {
		return err
	}
	defer client.Close()
	return client.Check(ctx)
}

func (GRPCInspector) Endpoints(ctx context.Context, addr string) ([]string, error) {
	client, err := transport.Dial(dialTarget(addr))
	if err != nil {
		return nil, err
	}
	defer client.Close()
	resp, err := client.Capabilities(ctx)
	if err != nil {
		return nil, err
	}
	return resp.Endpoints, nil
}
