// Package discovery watches a service registry for worker gateways
// announcing themselves. Each announcement carries the gateway's control
// address and the executors it fronts; the reconciler turns those into
// routable nodes.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
)

// EventType distinguishes a registration from a withdrawal.
type EventType string

const (
	EventPut    EventType = "put"
	EventDelete EventType = "delete"
)

// Event is one change observed under the watched service prefix.
type Event struct {
	Type    EventType
	Service string
	Key     string
	Value   []byte
}

// Resolver surfaces the current set of announcements and a stream of
// changes. Watch must deliver the full current set as put events first,
// then live changes, and again the full set after any reconnect; the
// consumer treats puts as idempotent.
type Resolver interface {
	// Resolve returns the announcements currently registered under service.
	Resolve(ctx context.Context, service string) ([]Event, error)
	// Watch streams events until ctx is cancelled. The returned channel is
	// closed when the watch ends.
	Watch(ctx context.Context, service string) (<-chan Event, error)
	Close() error
}

// Announcement is the decoded value a gateway publishes: its control
// address and the deployment addresses of each executor behind it.
type Announcement struct {
	Address  string              `json:"address"`
	Metadata map[string][]string `json:"metadata"`
}

// DecodeAnnouncement parses an announced value. Some publishers nest the
// metadata map as a JSON-encoded string rather than an object; both forms
// decode to the same result.
func DecodeAnnouncement(value []byte) (*Announcement, error) {
	var raw struct {
		Address  string          `json:"address"`
		Metadata json.RawMessage `json:"metadata"`
	}
	if err := json.Unmarshal(value, &raw); err != nil {
		return nil, fmt.Errorf("decode announcement: %w", err)
	}
	if raw.Address == "" {
		return nil, fmt.Errorf("decode announcement: missing address")
	}
	ann := &Announcement{Address: raw.Address, Metadata: map[string][]string{}}
	if len(raw.Metadata) == 0 {
		return ann, nil
	}

	var nested string
	if err := json.Unmarshal(raw.Metadata, &nested); err == nil {
		raw.Metadata = []byte(nested)
	}
	if err := json.Unmarshal(raw.Metadata, &ann.Metadata); err != nil {
		return nil, fmt.Errorf("decode announcement metadata: %w", err)
	}
	return ann, nil
}

// EncodeAnnouncement is the inverse of DecodeAnnouncement, used by
// gateways registering themselves and by tests.
func EncodeAnnouncement(a *Announcement) ([]byte, error) {
	return json.Marshal(a)
}
