package distlock

import (
	"context"
	"errors"
	"sync"
	"time"

	"retrainlock/pkg/lockstore"
)

// fakeNode simulates one independent store node: its own entry table,
// its own clock view, and togglable reachability/latency.
type fakeNode struct {
	addr string

	mu          sync.Mutex
	entries     map[string]fakeEntry
	unreachable bool
	delay       time.Duration
}

type fakeEntry struct {
	value  string
	expiry time.Time
}

func newFakeNode(addr string) *fakeNode {
	return &fakeNode{
		addr:    addr,
		entries: make(map[string]fakeEntry),
	}
}

func (n *fakeNode) Addr() string { return n.addr }

func (n *fakeNode) setUnreachable(v bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.unreachable = v
}

func (n *fakeNode) setDelay(d time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.delay = d
}

func (n *fakeNode) holds(resource string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	e, ok := n.entries[resource]
	return ok && e.expiry.After(time.Now())
}

// pre reflects the reachability/latency toggles before an operation.
func (n *fakeNode) pre(ctx context.Context) (lockstore.Outcome, error, bool) {
	n.mu.Lock()
	unreachable, delay := n.unreachable, n.delay
	n.mu.Unlock()

	if unreachable {
		return lockstore.Unreachable, errors.New("dial: connection refused"), false
	}
	if delay > 0 {
		select {
		case <-ctx.Done():
			return lockstore.Unreachable, ctx.Err(), false
		case <-time.After(delay):
		}
	}
	return 0, nil, true
}

func (n *fakeNode) SetIfAbsent(ctx context.Context, resource, value string, ttl time.Duration) (lockstore.Outcome, error) {
	if o, err, ok := n.pre(ctx); !ok {
		return o, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	now := time.Now()
	if e, ok := n.entries[resource]; ok && e.expiry.After(now) {
		return lockstore.Refused, nil
	}
	n.entries[resource] = fakeEntry{value: value, expiry: now.Add(ttl)}
	return lockstore.OK, nil
}

func (n *fakeNode) ExtendIfMatch(ctx context.Context, resource, value string, ttl time.Duration) (lockstore.Outcome, error) {
	if o, err, ok := n.pre(ctx); !ok {
		return o, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	now := time.Now()
	e, ok := n.entries[resource]
	if !ok || e.value != value || !e.expiry.After(now) {
		return lockstore.Refused, nil
	}
	n.entries[resource] = fakeEntry{value: value, expiry: now.Add(ttl)}
	return lockstore.OK, nil
}

func (n *fakeNode) DeleteIfMatch(ctx context.Context, resource, value string) (lockstore.Outcome, error) {
	if o, err, ok := n.pre(ctx); !ok {
		return o, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	e, ok := n.entries[resource]
	if !ok || e.value != value {
		return lockstore.Refused, nil
	}
	delete(n.entries, resource)
	return lockstore.OK, nil
}

func newFakeCluster(n int) ([]*fakeNode, []Store) {
	nodes := make([]*fakeNode, n)
	stores := make([]Store, n)
	for i := range nodes {
		nodes[i] = newFakeNode("node-" + string(rune('a'+i)))
		stores[i] = nodes[i]
	}
	return nodes, stores
}
