package balancer

import (
	"context"
	"log/slog"
	"sync"
)

// DialFunc establishes a connection to a node address.
type DialFunc func(ctx context.Context, addr string) (Conn, error)

type slot struct {
	node   Node
	conn   Conn
	failed bool
	active int
}

// Pool is the load-balanced connection pool. Update replaces the node set as
// one atomic swap; Acquire selects a usable connection under the configured
// policy. A connection reported through Fail leaves rotation until the next
// Update re-admits it.
type Pool struct {
	mu           sync.Mutex
	dial         DialFunc
	policy       Policy
	selectFn     SelectFunc
	byExec       map[string][]*slot
	cursor       map[string]int
	interceptors []Interceptor
	logger       *slog.Logger
}

// Option configures a Pool.
type Option func(*Pool)

// WithPolicy selects a built-in selection policy.
func WithPolicy(p Policy) Option {
	return func(pl *Pool) { pl.policy = p }
}

// WithSelectFunc installs a custom selector, overriding the policy.
func WithSelectFunc(fn SelectFunc) Option {
	return func(pl *Pool) { pl.selectFn = fn }
}

// WithInterceptors registers lifecycle hooks.
func WithInterceptors(ics ...Interceptor) Option {
	return func(pl *Pool) { pl.interceptors = append(pl.interceptors, ics...) }
}

// WithLogger sets the pool logger.
func WithLogger(l *slog.Logger) Option {
	return func(pl *Pool) { pl.logger = l }
}

// NewPool creates a Pool dialing nodes with dial.
func NewPool(dial DialFunc, opts ...Option) *Pool {
	p := &Pool{
		dial:   dial,
		policy: PolicyRoundRobin,
		byExec: make(map[string][]*slot),
		cursor: make(map[string]int),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Acquired is an exclusively held connection slot. Exactly one of Release or
// Fail must be called when the caller is done with it.
type Acquired struct {
	Node Node
	Conn Conn

	pool *Pool
	slot *slot
	done bool
}

// Acquire selects a usable connection for executor.
func (p *Pool) Acquire(executor string) (*Acquired, error) {
	p.mu.Lock()

	var usable []*slot
	for _, s := range p.byExec[executor] {
		if !s.failed {
			usable = append(usable, s)
		}
	}
	if len(usable) == 0 {
		p.mu.Unlock()
		return nil, ErrNoConnection
	}

	var chosen *slot
	switch {
	case p.selectFn != nil:
		infos := make([]SlotInfo, len(usable))
		for i, s := range usable {
			infos[i] = SlotInfo{Node: s.node, Active: s.active}
		}
		idx := p.selectFn(infos)
		if idx < 0 || idx >= len(usable) {
			idx = 0
		}
		chosen = usable[idx]
	case p.policy == PolicyLeastConnections:
		chosen = usable[0]
		for _, s := range usable[1:] {
			if s.active < chosen.active {
				chosen = s
			}
		}
	default: // round robin
		idx := p.cursor[executor] % len(usable)
		p.cursor[executor]++
		chosen = usable[idx]
	}

	chosen.active++
	a := &Acquired{Node: chosen.node, Conn: chosen.conn, pool: p, slot: chosen}
	p.mu.Unlock()

	p.fire("acquired", func(ic Interceptor) { ic.OnAcquired(a.Node) })
	return a, nil
}

// Release returns the slot to the pool.
func (a *Acquired) Release() {
	a.pool.mu.Lock()
	if a.done {
		a.pool.mu.Unlock()
		return
	}
	a.done = true
	a.slot.active--
	a.pool.mu.Unlock()

	a.pool.fire("released", func(ic Interceptor) { ic.OnReleased(a.Node) })
}

// Fail retires the slot from rotation until the next Update re-admits it.
func (a *Acquired) Fail(err error) {
	a.pool.mu.Lock()
	if a.done {
		a.pool.mu.Unlock()
		return
	}
	a.done = true
	a.slot.active--
	a.slot.failed = true
	a.pool.mu.Unlock()

	a.pool.fire("failed", func(ic Interceptor) { ic.OnFailed(a.Node, err) })
}

// Update atomically replaces the node set. Connections for addresses that
// survive the update are kept (a reconnect announcing an unchanged set
// leaves the connection count untouched) and their failed flags cleared;
// duplicate announcements of one address collapse to a single slot; removed
// addresses are closed.
func (p *Pool) Update(ctx context.Context, topology map[string][]Node) {
	p.mu.Lock()

	next := make(map[string][]*slot, len(topology))
	var all []Node
	var toClose []Conn

	for executor, nodes := range topology {
		seen := make(map[string]bool, len(nodes))
		for _, node := range nodes {
			if seen[node.Address] {
				continue
			}
			seen[node.Address] = true

			if s := findSlot(p.byExec[executor], node.Address); s != nil {
				s.node = node
				s.failed = false
				next[executor] = append(next[executor], s)
				all = append(all, node)
				continue
			}

			conn, err := p.dial(ctx, node.Address)
			if err != nil {
				p.logger.Warn("dial discovered node failed",
					"executor", executor, "address", node.Address, "error", err)
				continue
			}
			next[executor] = append(next[executor], &slot{node: node, conn: conn})
			all = append(all, node)
		}
	}

	// Close connections that did not survive.
	for executor, slots := range p.byExec {
		for _, s := range slots {
			if findSlot(next[executor], s.node.Address) == nil {
				toClose = append(toClose, s.conn)
			}
		}
	}

	p.byExec = next
	p.mu.Unlock()

	for _, c := range toClose {
		if err := c.Close(); err != nil {
			p.logger.Warn("close removed connection failed", "error", err)
		}
	}
	p.fire("updated", func(ic Interceptor) { ic.OnUpdated(all) })
}

func findSlot(slots []*slot, addr string) *slot {
	for _, s := range slots {
		if s.node.Address == addr {
			return s
		}
	}
	return nil
}

// AvailableSlots reports the number of usable connections across all
// executors. The job manager reads this as its admission-control hint.
func (p *Pool) AvailableSlots() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, slots := range p.byExec {
		for _, s := range slots {
			if !s.failed {
				n++
			}
		}
	}
	return n
}

// Nodes returns a snapshot of all pooled nodes.
func (p *Pool) Nodes() []Node {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Node
	for _, slots := range p.byExec {
		for _, s := range slots {
			out = append(out, s.node)
		}
	}
	return out
}

// Close releases every connection and empties the pool.
func (p *Pool) Close() error {
	p.mu.Lock()
	var conns []Conn
	for _, slots := range p.byExec {
		for _, s := range slots {
			conns = append(conns, s.conn)
		}
	}
	p.byExec = make(map[string][]*slot)
	p.mu.Unlock()

	var firstErr error
	for _, c := range conns {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (p *Pool) fire(event string, fn func(Interceptor)) {
	for _, ic := range p.interceptors {
		notify(p.logger, event, func() { fn(ic) })
	}
}
