// Package workgate is a job-coordination gateway for fleets of discovered
// worker nodes. It admits jobs into a durable store, watches service
// discovery for worker topology, balances executions across pooled
// connections, and exposes the whole thing over a gRPC control surface.
//
// This is the main package users should import. It re-exports the public
// types from the pkg/ packages for a clean API surface.
//
// Basic usage:
//
//	cfg := workgate.DefaultConfig()
//	cfg.Store.Driver = "memory"
//	gw, err := workgate.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := gw.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Submitting from another process:
//
//	client, _ := workgate.DialClient("localhost:52000")
//	resp, _ := client.Submit(ctx, &workgate.SubmitRequest{
//	    Name:     "extract-invoice",
//	    Executor: "extract",
//	    Data:     []byte(`{"doc":"d-1"}`),
//	})
package workgate

import (
	"github.com/docstream/workgate/pkg/config"
	"github.com/docstream/workgate/pkg/gateway"
	"github.com/docstream/workgate/pkg/job"
)

// Type aliases for the gateway surface.
type (
	// Config holds the full gateway configuration.
	Config = config.Config

	// Gateway is the assembled system.
	Gateway = gateway.Gateway

	// Option configures a Gateway before assembly.
	Option = gateway.Option

	// Client calls the control verbs on a running gateway.
	Client = gateway.Client

	// SubmitRequest admits one job.
	SubmitRequest = gateway.SubmitRequest

	// SubmitResponse acknowledges an admitted job.
	SubmitResponse = gateway.SubmitResponse

	// JobView is the wire shape of a job record.
	JobView = gateway.JobView

	// NodeView is the wire shape of a discovered worker node.
	NodeView = gateway.NodeView

	// WorkInfo is one job's durable record.
	WorkInfo = job.WorkInfo

	// State is a job lifecycle state.
	State = job.State
)

// Lifecycle states.
const (
	StateCreated   = job.StateCreated
	StateActive    = job.StateActive
	StateCompleted = job.StateCompleted
	StateFailed    = job.StateFailed
	StateCancelled = job.StateCancelled
)

// DefaultConfig returns the configuration the gateway ships with.
func DefaultConfig() *Config { return config.Default() }

// LoadConfig reads a YAML configuration file over the defaults.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// New assembles a Gateway from cfg.
func New(cfg *Config, opts ...Option) (*Gateway, error) { return gateway.New(cfg, opts...) }

// WithDryRun serves the control verbs without admitting or executing jobs.
func WithDryRun() Option { return gateway.WithDryRun() }

// DialClient connects to a gateway control endpoint.
func DialClient(addr string) (*Client, error) { return gateway.DialClient(addr) }
