// Package transport is the wire boundary to discovered worker nodes: a
// lightweight health probe, an endpoint-discovery call, and a streamed
// data-processing call. Messages travel as JSON negotiated through gRPC's
// content-subtype mechanism, so the same server can keep serving the
// standard proto-encoded health service.
package transport

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// Name is the content-subtype the gateway and workers negotiate.
const Name = "json"

func init() {
	encoding.RegisterCodec(codec{})
}

// Codec returns the JSON codec for grpc.ForceCodec call options.
func Codec() encoding.Codec { return codec{} }

// codec marshals RPC messages as JSON.
type codec struct{}

func (codec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (codec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (codec) Name() string                       { return Name }

// CapabilitiesRequest asks a node which endpoints its executors serve.
type CapabilitiesRequest struct{}

// CapabilitiesResponse enumerates the endpoints a node serves.
type CapabilitiesResponse struct {
	Endpoints []string `json:"endpoints"`
}

// ProcessRequest carries one job to a worker node.
type ProcessRequest struct {
	JobID      string         `json:"job_id"`
	Executor   string         `json:"executor"`
	Endpoint   string         `json:"endpoint,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Data       []byte         `json:"data,omitempty"`
}

// ProcessResponse is one result frame from a worker node.
type ProcessResponse struct {
	JobID      string         `json:"job_id"`
	Status     string         `json:"status"`
	Error      string         `json:"error,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Data       []byte         `json:"data,omitempty"`
}
