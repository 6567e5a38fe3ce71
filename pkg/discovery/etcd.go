package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const defaultDialTimeout = 5 * time.Second

// EtcdResolver resolves gateway announcements stored under a key prefix in
// etcd. Keys look like <prefix>/<service>/<instance>; values are encoded
// announcements.
type EtcdResolver struct {
	client *clientv3.Client
	prefix string
	logger *slog.Logger
}

// EtcdOption configures an EtcdResolver.
type EtcdOption func(*EtcdResolver)

// WithEtcdLogger sets the resolver's logger.
func WithEtcdLogger(l *slog.Logger) EtcdOption {
	return func(r *EtcdResolver) { r.logger = l }
}

// WithEtcdPrefix overrides the key prefix announcements live under.
func WithEtcdPrefix(prefix string) EtcdOption {
	return func(r *EtcdResolver) { r.prefix = prefix }
}

// NewEtcdResolver connects to the etcd cluster at endpoints.
func NewEtcdResolver(endpoints []string, opts ...EtcdOption) (*EtcdResolver, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: defaultDialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connect etcd %v: %w", endpoints, err)
	}
	r := &EtcdResolver{
		client: client,
		prefix: "gateway/service",
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// NewEtcdResolverFromClient wraps an existing client, mainly for tests.
func NewEtcdResolverFromClient(client *clientv3.Client, opts ...EtcdOption) *EtcdResolver {
	r := &EtcdResolver{client: client, prefix: "gateway/service", logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *EtcdResolver) servicePrefix(service string) string {
	return path.Join(r.prefix, service) + "/"
}

// Resolve lists the announcements currently registered under service.
func (r *EtcdResolver) Resolve(ctx context.Context, service string) ([]Event, error) {
	resp, err := r.client.Get(ctx, r.servicePrefix(service), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", service, err)
	}
	events := make([]Event, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		events = append(events, Event{
			Type:    EventPut,
			Service: service,
			Key:     string(kv.Key),
			Value:   kv.Value,
		})
	}
	return events, nil
}

// Watch emits the current set as put events, then live changes. If the
// underlying watch drops, the full set is re-resolved and replayed as puts
// before watching resumes, so a consumer that treats puts as idempotent
// converges after any outage.
func (r *EtcdResolver) Watch(ctx context.Context, service string) (<-chan Event, error) {
	out := make(chan Event, 64)
	go r.watchLoop(ctx, service, out)
	return out, nil
}

func (r *EtcdResolver) watchLoop(ctx context.Context, service string, out chan<- Event) {
	defer close(out)
	prefix := r.servicePrefix(service)

	for {
		resp, err := r.client.Get(ctx, prefix, clientv3.WithPrefix())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("snapshot failed, retrying", "service", service, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, kv := range resp.Kvs {
			ev := Event{Type: EventPut, Service: service, Key: string(kv.Key), Value: kv.Value}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}

		wch := r.client.Watch(ctx, prefix, clientv3.WithPrefix(), clientv3.WithRev(resp.Header.Revision+1))
		if !r.drainWatch(ctx, service, wch, out) {
			return
		}
		r.logger.Warn("watch interrupted, re-resolving", "service", service)
	}
}

// drainWatch forwards watch responses until the channel drops. It returns
// false when ctx ended and true when the watch should be re-established.
func (r *EtcdResolver) drainWatch(ctx context.Context, service string, wch clientv3.WatchChan, out chan<- Event) bool {
	for resp := range wch {
		if err := resp.Err(); err != nil {
			r.logger.Warn("watch error", "service", service, "error", err)
			return ctx.Err() == nil
		}
		for _, wev := range resp.Events {
			ev := Event{Service: service, Key: string(wev.Kv.Key)}
			switch wev.Type {
			case clientv3.EventTypePut:
				ev.Type = EventPut
				ev.Value = wev.Kv.Value
			case clientv3.EventTypeDelete:
				ev.Type = EventDelete
				if wev.PrevKv != nil {
					ev.Value = wev.PrevKv.Value
				}
			default:
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return false
			}
		}
	}
	return ctx.Err() == nil
}

// Register announces a gateway under service with a lease so the key is
// withdrawn automatically if the gateway dies. The returned cancel stops
// the keepalive and deletes the key.
func (r *EtcdResolver) Register(ctx context.Context, service, instance string, ann *Announcement, ttl int64) (func(), error) {
	value, err := EncodeAnnouncement(ann)
	if err != nil {
		return nil, err
	}
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return nil, fmt.Errorf("grant lease: %w", err)
	}
	key := path.Join(r.servicePrefix(service), instance)
	if _, err := r.client.Put(ctx, key, string(value), clientv3.WithLease(lease.ID)); err != nil {
		return nil, fmt.Errorf("register %s: %w", key, err)
	}
	keepAlive, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return nil, fmt.Errorf("keepalive %s: %w", key, err)
	}
	go func() {
		for range keepAlive {
		}
	}()

	return func() {
		dctx, cancel := context.WithTimeout(context.Background(), defaultDialTimeout)
		defer cancel()
		if _, err := r.client.Delete(dctx, key); err != nil {
			r.logger.Warn("deregister failed", "key", key, "error", err)
		}
		_, _ = r.client.Revoke(dctx, lease.ID)
	}, nil
}

// Close releases the etcd client.
func (r *EtcdResolver) Close() error { return r.client.Close() }
