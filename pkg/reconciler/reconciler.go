// Package reconciler is the single consumer of discovery events. It turns
// gateway announcements into routable worker nodes: probe the announcing
// gateway until it is ready, enumerate the endpoints behind each executor,
// then swap the rebuilt routing table into the connection pool.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/docstream/workgate/pkg/balancer"
	"github.com/docstream/workgate/pkg/discovery"
)

// Inspector probes a discovered address. Implemented over the transport
// client; tests substitute fakes.
type Inspector interface {
	// Ready reports whether the node at addr answers its health service.
	Ready(ctx context.Context, addr string) error
	// Endpoints enumerates the endpoints the node at addr serves.
	Endpoints(ctx context.Context, addr string) ([]string, error)
}

// Pool is the slice of the connection pool the reconciler drives.
type Pool interface {
	Update(ctx context.Context, topology map[string][]balancer.Node)
}

// Config tunes the reconciliation loop.
type Config struct {
	// ReadyTries is how many times a newly announced gateway is probed
	// before the event is given up on. The announcement is not removed; a
	// later event retries.
	ReadyTries int
	// ReadyInterval is the pause between readiness probes.
	ReadyInterval time.Duration
	// MaxErrors stops the loop after this many consecutive event-handling
	// failures. A handled event resets the count.
	MaxErrors int
}

func (c *Config) withDefaults() {
	if c.ReadyTries <= 0 {
		c.ReadyTries = 10
	}
	if c.ReadyInterval <= 0 {
		c.ReadyInterval = time.Second
	}
	if c.MaxErrors <= 0 {
		c.MaxErrors = 5
	}
}

// Reconciler owns the gateway-to-nodes table. All mutation happens on the
// Run goroutine; the pool only ever sees complete tables.
type Reconciler struct {
	resolver  discovery.Resolver
	inspector Inspector
	pool      Pool
	cfg       Config
	logger    *slog.Logger

	// byGateway maps a gateway control address to the nodes it announced.
	byGateway map[string]map[string][]balancer.Node
	// byKey remembers which gateway each registry key announced, so a
	// delete without a value still removes the right nodes.
	byKey map[string]string
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the reconciler's logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) { r.logger = l }
}

// WithConfig overrides loop tuning.
func WithConfig(cfg Config) Option {
	return func(r *Reconciler) { r.cfg = cfg }
}

// New builds a Reconciler over a resolver, an inspector, and a pool.
func New(resolver discovery.Resolver, inspector Inspector, pool Pool, opts ...Option) *Reconciler {
	r := &Reconciler{
		resolver:  resolver,
		inspector: inspector,
		pool:      pool,
		logger:    slog.Default(),
		byGateway: make(map[string]map[string][]balancer.Node),
		byKey:     make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.cfg.withDefaults()
	return r
}

// Run watches service until ctx ends or consecutive event failures exceed
// the configured cap. On a transient failure the last-known-good routing
// table stays in place.
func (r *Reconciler) Run(ctx context.Context, service string) error {
	events, err := r.resolver.Watch(ctx, service)
	if err != nil {
		return fmt.Errorf("watch %s: %w", service, err)
	}

	errorCount := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("watch %s: event stream closed", service)
			}
			if err := r.handle(ctx, ev); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				errorCount++
				r.logger.Error("discovery event failed",
					"type", ev.Type, "key", ev.Key, "errors", errorCount, "error", err)
				if errorCount >= r.cfg.MaxErrors {
					return fmt.Errorf("reconciler: %d consecutive event failures, last: %w", errorCount, err)
				}
				continue
			}
			errorCount = 0
		}
	}
}

func (r *Reconciler) handle(ctx context.Context, ev discovery.Event) error {
	switch ev.Type {
	case discovery.EventPut:
		return r.handlePut(ctx, ev)
	case discovery.EventDelete:
		return r.handleDelete(ctx, ev)
	default:
		r.logger.Warn("ignoring unknown event type", "type", ev.Type, "key", ev.Key)
		return nil
	}
}

func (r *Reconciler) handlePut(ctx context.Context, ev discovery.Event) error {
	ann, err := discovery.DecodeAnnouncement(ev.Value)
	if err != nil {
		return err
	}
	r.logger.Info("gateway announced", "key", ev.Key, "gateway", ann.Address)

	if err := r.waitReady(ctx, ann.Address); err != nil {
		return err
	}

	nodes := make(map[string][]balancer.Node, len(ann.Metadata))
	for executor, addrs := range ann.Metadata {
		for _, addr := range addrs {
			endpoints, err := r.inspector.Endpoints(ctx, addr)
			if err != nil {
				r.logger.Warn("endpoint discovery failed, skipping node",
					"executor", executor, "address", addr, "error", err)
				continue
			}
			node := balancer.Node{
				Address:   addr,
				Executor:  executor,
				Gateway:   ann.Address,
				Endpoints: endpoints,
			}
			nodes[executor] = append(nodes[executor], node)
			r.logger.Info("discovered node",
				"executor", executor, "address", addr, "endpoints", len(endpoints))
		}
	}

	// Re-announcement replaces the gateway's previous node set wholesale.
	r.byGateway[ann.Address] = nodes
	r.byKey[ev.Key] = ann.Address
	return r.swap(ctx)
}

func (r *Reconciler) handleDelete(ctx context.Context, ev discovery.Event) error {
	gateway := ""
	if len(ev.Value) > 0 {
		if ann, err := discovery.DecodeAnnouncement(ev.Value); err == nil {
			gateway = ann.Address
		}
	}
	if gateway == "" {
		gateway = r.byKey[ev.Key]
	}
	delete(r.byKey, ev.Key)
	if gateway == "" {
		r.logger.Warn("delete for unknown key", "key", ev.Key)
		return nil
	}
	if _, ok := r.byGateway[gateway]; !ok {
		return nil
	}
	r.logger.Info("gateway withdrawn", "key", ev.Key, "gateway", gateway)
	delete(r.byGateway, gateway)
	return r.swap(ctx)
}

// waitReady probes the gateway's health service until it answers or the
// try budget runs out.
func (r *Reconciler) waitReady(ctx context.Context, addr string) error {
	var lastErr error
	for try := 0; try < r.cfg.ReadyTries; try++ {
		if lastErr = r.inspector.Ready(ctx, addr); lastErr == nil {
			return nil
		}
		r.logger.Info("gateway not ready", "address", addr, "try", try+1, "error", lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.cfg.ReadyInterval):
		}
	}
	return fmt.Errorf("gateway %s not ready after %d tries: %w", addr, r.cfg.ReadyTries, lastErr)
}

// swap rebuilds the full executor table from every known gateway and hands
// it to the pool in one call.
func (r *Reconciler) swap(ctx context.Context) error {
	topology := make(map[string][]balancer.Node)
	for _, byExecutor := range r.byGateway {
		for executor, nodes := range byExecutor {
			topology[executor] = append(topology[executor], nodes...)
		}
	}
	r.pool.Update(ctx, topology)
	executors := len(topology)
	total := 0
	for _, nodes := range topology {
		total += len(nodes)
	}
	r.logger.Info("routing table swapped", "executors", executors, "nodes", total)
	return nil
}

// Nodes returns a snapshot of the current table, keyed by executor. Only
// safe to call from the Run goroutine's callers after Run has stopped, or
// through the gateway's list-nodes verb which reads the pool instead.
func (r *Reconciler) Nodes() map[string][]balancer.Node {
	out := make(map[string][]balancer.Node, len(r.byGateway))
	for _, byExecutor := range r.byGateway {
		for executor, nodes := range byExecutor {
			out[executor] = append(out[executor], nodes...)
		}
	}
	return out
}
