package distlock

import (
	"context"
	"time"

	"retrainlock/pkg/lockstore"
)

// Store is the per-node contract the lock protocols drive: three
// conditional operations, each atomic at the node, each resolving to
// ok / refused / unreachable. *lockstore.Client satisfies it; tests
// substitute scriptable fakes.
type Store interface {
	SetIfAbsent(ctx context.Context, resource, value string, ttl time.Duration) (lockstore.Outcome, error)
	ExtendIfMatch(ctx context.Context, resource, value string, ttl time.Duration) (lockstore.Outcome, error)
	DeleteIfMatch(ctx context.Context, resource, value string) (lockstore.Outcome, error)
	Addr() string
}

// Backend is the uniform acquire/release/extend contract exposed by
// both the quorum protocol and the single-node fallback. The Manager
// selects one at startup and callers never see the difference.
type Backend interface {
	Acquire(ctx context.Context, resource string, ttl time.Duration) (Token, error)
	Release(ctx context.Context, token Token) error
	Extend(ctx context.Context, token Token, ttl time.Duration) (Token, error)
}
