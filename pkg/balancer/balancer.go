// Package balancer maintains live connections to discovered worker nodes and
// selects one per outbound call under a pluggable policy. The node set is
// owned by the reconciliation loop; everything else only reads it through
// Acquire.
package balancer

import (
	"errors"
	"log/slog"
)

// Policy names a built-in selection policy.
type Policy string

const (
	// PolicyRoundRobin advances a cursor over the usable connection list and
	// wraps. Default.
	PolicyRoundRobin Policy = "round_robin"

	// PolicyLeastConnections picks the usable connection with the fewest
	// in-flight acquisitions.
	PolicyLeastConnections Policy = "least_connections"
)

// ErrNoConnection is returned by Acquire when no usable connection exists
// for the requested executor.
var ErrNoConnection = errors.New("balancer: no usable connection")

// Node is a discovered worker endpoint. Gateway is the control address of
// the gateway that announced it; a delete event for that gateway removes
// every node carrying its tag.
type Node struct {
	Address   string
	Executor  string
	Gateway   string
	Endpoints []string
}

// Conn is the transport handle the pool manages. Implemented by
// transport.Client; tests substitute fakes through the pool's dialer.
type Conn interface {
	Target() string
	Close() error
}

// Interceptor hooks fire synchronously on pool lifecycle events. Consumers
// must not block the calling path; panics are recovered and logged, never
// propagated.
type Interceptor interface {
	OnAcquired(node Node)
	OnReleased(node Node)
	OnFailed(node Node, err error)
	OnUpdated(nodes []Node)
}

// SlotInfo is the view a custom selector sees for one usable connection.
type SlotInfo struct {
	Node   Node
	Active int
}

// SelectFunc picks an index into the usable slot list. Installing one
// overrides the built-in policies.
type SelectFunc func(slots []SlotInfo) int

// notify runs fn guarding the scheduling path against hook panics.
func notify(logger *slog.Logger, event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("balancer interceptor panicked", "event", event, "panic", r)
		}
	}()
	fn()
}
