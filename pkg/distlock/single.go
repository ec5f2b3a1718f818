package distlock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"retrainlock/pkg/lockstore"
)

// Single backs the lock contract with exactly one store node: no
// quorum voting, no drift margin, validity is t0+ttl exactly.
//
// The safety guarantee is strictly weaker than Quorum's: a slow node
// response mistaken for failure while the write actually landed leaves
// a lock nobody believes they hold until it expires. Accepted
// trade-off for deployments without multiple independent nodes.
type Single struct {
	store       Store
	nodeTimeout time.Duration
}

func NewSingle(store Store, nodeTimeout time.Duration) (*Single, error) {
	if store == nil {
		return nil, fmt.Errorf("store node required")
	}
	if nodeTimeout <= 0 {
		nodeTimeout = DefaultNodeTimeout
	}
	return &Single{store: store, nodeTimeout: nodeTimeout}, nil
}

func (f *Single) timeout(ttl time.Duration) time.Duration {
	t := f.nodeTimeout
	if half := ttl / 2; t > half {
		t = half
	}
	return t
}

func (f *Single) Acquire(ctx context.Context, resource string, ttl time.Duration) (Token, error) {
	if resource == "" {
		return Token{}, fmt.Errorf("resource required")
	}
	if ttl <= 0 {
		return Token{}, fmt.Errorf("ttl must be > 0")
	}

	value := uuid.NewString()
	t0 := time.Now()

	opCtx, cancel := context.WithTimeout(ctx, f.timeout(ttl))
	defer cancel()

	outcome, _ := f.store.SetIfAbsent(opCtx, resource, value, ttl)
	switch outcome {
	case lockstore.OK:
		return Token{
			Resource:         resource,
			Value:            value,
			TTL:              ttl,
			AcquiredAt:       t0,
			ValidityDeadline: t0.Add(ttl),
		}, nil
	case lockstore.Refused:
		return Token{}, &QuorumError{Op: "acquire", Refused: 1, Needed: 1}
	default:
		return Token{}, &QuorumError{Op: "acquire", Unreachable: 1, Needed: 1}
	}
}

func (f *Single) Release(ctx context.Context, token Token) error {
	if token.Resource == "" || token.Value == "" {
		return fmt.Errorf("invalid token")
	}

	opCtx, cancel := context.WithTimeout(ctx, f.nodeTimeout)
	defer cancel()

	outcome, _ := f.store.DeleteIfMatch(opCtx, token.Resource, token.Value)
	if outcome == lockstore.Refused {
		return ErrTokenMismatch
	}
	// Unreachable is not an error for release: the entry expires on
	// its own.
	return nil
}

func (f *Single) Extend(ctx context.Context, token Token, ttl time.Duration) (Token, error) {
	if token.Resource == "" || token.Value == "" {
		return Token{}, fmt.Errorf("invalid token")
	}
	if ttl <= 0 {
		return Token{}, fmt.Errorf("ttl must be > 0")
	}

	t0 := time.Now()

	opCtx, cancel := context.WithTimeout(ctx, f.timeout(ttl))
	defer cancel()

	outcome, _ := f.store.ExtendIfMatch(opCtx, token.Resource, token.Value, ttl)
	switch outcome {
	case lockstore.OK:
		return Token{
			Resource:         token.Resource,
			Value:            token.Value,
			TTL:              ttl,
			AcquiredAt:       t0,
			ValidityDeadline: t0.Add(ttl),
		}, nil
	case lockstore.Refused:
		return Token{}, &QuorumError{Op: "extend", Refused: 1, Needed: 1}
	default:
		return Token{}, &QuorumError{Op: "extend", Unreachable: 1, Needed: 1}
	}
}
