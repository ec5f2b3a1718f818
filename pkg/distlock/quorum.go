// Package distlock implements a lease-based mutual exclusion primitive
// over a set of independent, individually unreliable lock-store nodes.
//
// An acquisition needs a majority of node acknowledgements, and the
// usable validity window is the requested TTL minus the acquisition
// time minus a clock-drift allowance. Within those bounds, two callers
// can never both hold a valid lock for the same resource.
package distlock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"retrainlock/pkg/lockstore"
)

const (
	// DefaultDriftFactor is the fraction of the TTL deducted for
	// store-node clock skew.
	DefaultDriftFactor = 0.01

	// DefaultNodeTimeout bounds one node round-trip when the caller
	// does not configure one.
	DefaultNodeTimeout = 1 * time.Second
)

// Quorum drives N independent store nodes with majority voting and
// drift-compensated validity. N should be odd and at least 3; a single
// node is better served by Single, which the Manager selects
// automatically.
type Quorum struct {
	stores      []Store
	nodeTimeout time.Duration
	driftFactor float64
}

func NewQuorum(stores []Store, nodeTimeout time.Duration, driftFactor float64) (*Quorum, error) {
	if len(stores) == 0 {
		return nil, fmt.Errorf("at least one store node required")
	}
	if nodeTimeout <= 0 {
		nodeTimeout = DefaultNodeTimeout
	}
	if driftFactor <= 0 {
		driftFactor = DefaultDriftFactor
	}
	return &Quorum{
		stores:      stores,
		nodeTimeout: nodeTimeout,
		driftFactor: driftFactor,
	}, nil
}

func (q *Quorum) majority() int {
	return len(q.stores)/2 + 1
}

// perNodeTimeout keeps a hung node from stalling the attempt past
// usefulness: never more than half the requested TTL.
func (q *Quorum) perNodeTimeout(ttl time.Duration) time.Duration {
	t := q.nodeTimeout
	if half := ttl / 2; t > half {
		t = half
	}
	return t
}

func (q *Quorum) driftMargin(elapsed, ttl time.Duration) time.Duration {
	return elapsed + time.Duration(q.driftFactor*float64(ttl))
}

type nodeResult struct {
	store   Store
	outcome lockstore.Outcome
	err     error
}

// fanOut launches op against every node in parallel, each bounded by
// the per-node timeout, and delivers results on the returned channel.
func (q *Quorum) fanOut(ctx context.Context, timeout time.Duration,
	op func(ctx context.Context, s Store) (lockstore.Outcome, error)) <-chan nodeResult {

	ch := make(chan nodeResult, len(q.stores))
	for _, s := range q.stores {
		go func(s Store) {
			opCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			o, err := op(opCtx, s)
			ch <- nodeResult{store: s, outcome: o, err: err}
		}(s)
	}
	return ch
}

// Acquire attempts to take the lock on every node in parallel and
// succeeds only with a majority and a still-positive validity window.
// On failure it best-effort deletes the partial acquisitions so they
// don't block the next attempt until natural expiry.
func (q *Quorum) Acquire(ctx context.Context, resource string, ttl time.Duration) (Token, error) {
	if resource == "" {
		return Token{}, fmt.Errorf("resource required")
	}
	if ttl <= 0 {
		return Token{}, fmt.Errorf("ttl must be > 0")
	}

	value := uuid.NewString()
	t0 := time.Now()
	timeout := q.perNodeTimeout(ttl)

	ch := q.fanOut(ctx, timeout, func(ctx context.Context, s Store) (lockstore.Outcome, error) {
		return s.SetIfAbsent(ctx, resource, value, ttl)
	})

	need := q.majority()
	var ok, refused, unreachable int
	var okStores []Store
	pending := len(q.stores)

	// Stop waiting as soon as the outcome is decided either way; late
	// responders are handled by the reaper below.
	for pending > 0 {
		r := <-ch
		pending--
		switch r.outcome {
		case lockstore.OK:
			ok++
			okStores = append(okStores, r.store)
		case lockstore.Refused:
			refused++
		default:
			unreachable++
		}
		if ok >= need || ok+pending < need {
			break
		}
	}

	elapsed := time.Since(t0)

	if ok >= need {
		validity := ttl - q.driftMargin(elapsed, ttl)
		if validity > 0 {
			// Stragglers that still succeed hold our value; the
			// eventual release (or TTL) clears them.
			go drain(ch, pending)
			return Token{
				Resource:         resource,
				Value:            value,
				TTL:              ttl,
				AcquiredAt:       t0,
				ValidityDeadline: t0.Add(validity),
			}, nil
		}
		go q.reap(resource, value, okStores, ch, pending)
		return Token{}, ErrMarginExhausted
	}

	go q.reap(resource, value, okStores, ch, pending)
	return Token{}, &QuorumError{
		Op:          "acquire",
		OK:          ok,
		Refused:     refused,
		Unreachable: unreachable,
		Needed:      need,
	}
}

// reap deletes our value from every node that reported success on a
// failed attempt, including late responders still in flight. Purely
// best-effort: an unreachable node keeps its entry until TTL expiry.
func (q *Quorum) reap(resource, value string, okStores []Store, ch <-chan nodeResult, pending int) {
	del := func(s Store) {
		ctx, cancel := context.WithTimeout(context.Background(), q.nodeTimeout)
		defer cancel()
		_, _ = s.DeleteIfMatch(ctx, resource, value)
	}
	for _, s := range okStores {
		del(s)
	}
	for ; pending > 0; pending-- {
		r := <-ch
		if r.outcome == lockstore.OK {
			del(r.store)
		}
	}
}

// Release deletes the token's value from all nodes in one parallel
// fan-out. Unreachable nodes are not an error (their entries expire on
// their own) and release never retries. ErrTokenMismatch is returned
// only when nodes answered and none of them held our value.
func (q *Quorum) Release(ctx context.Context, token Token) error {
	if token.Resource == "" || token.Value == "" {
		return fmt.Errorf("invalid token")
	}

	ch := q.fanOut(ctx, q.nodeTimeout, func(ctx context.Context, s Store) (lockstore.Outcome, error) {
		return s.DeleteIfMatch(ctx, token.Resource, token.Value)
	})

	var ok, refused int
	for range q.stores {
		r := <-ch
		switch r.outcome {
		case lockstore.OK:
			ok++
		case lockstore.Refused:
			refused++
		}
	}

	if ok == 0 && refused > 0 {
		return ErrTokenMismatch
	}
	return nil
}

// Extend renews the lease with the same majority discipline as
// Acquire, recomputing the validity deadline from a fresh start time.
// On failure the caller must treat the lock as lost and stop the
// protected work at its next cancellation point, even though a
// minority of nodes may still nominally hold the value.
func (q *Quorum) Extend(ctx context.Context, token Token, ttl time.Duration) (Token, error) {
	if token.Resource == "" || token.Value == "" {
		return Token{}, fmt.Errorf("invalid token")
	}
	if ttl <= 0 {
		return Token{}, fmt.Errorf("ttl must be > 0")
	}

	t0 := time.Now()
	timeout := q.perNodeTimeout(ttl)

	ch := q.fanOut(ctx, timeout, func(ctx context.Context, s Store) (lockstore.Outcome, error) {
		return s.ExtendIfMatch(ctx, token.Resource, token.Value, ttl)
	})

	need := q.majority()
	var ok, refused, unreachable int
	pending := len(q.stores)

	for pending > 0 {
		r := <-ch
		pending--
		switch r.outcome {
		case lockstore.OK:
			ok++
		case lockstore.Refused:
			refused++
		default:
			unreachable++
		}
		if ok >= need || ok+pending < need {
			break
		}
	}
	go drain(ch, pending)

	elapsed := time.Since(t0)

	if ok >= need {
		validity := ttl - q.driftMargin(elapsed, ttl)
		if validity > 0 {
			return Token{
				Resource:         token.Resource,
				Value:            token.Value,
				TTL:              ttl,
				AcquiredAt:       t0,
				ValidityDeadline: t0.Add(validity),
			}, nil
		}
		return Token{}, ErrMarginExhausted
	}

	return Token{}, &QuorumError{
		Op:          "extend",
		OK:          ok,
		Refused:     refused,
		Unreachable: unreachable,
		Needed:      need,
	}
}

func drain(ch <-chan nodeResult, pending int) {
	for ; pending > 0; pending-- {
		<-ch
	}
}
