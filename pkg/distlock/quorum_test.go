package distlock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQuorum(t *testing.T, stores []Store, drift float64) *Quorum {
	t.Helper()
	q, err := NewQuorum(stores, 200*time.Millisecond, drift)
	require.NoError(t, err)
	return q
}

func TestAcquireAllNodesHealthy(t *testing.T) {
	_, stores := newFakeCluster(3)
	q := newTestQuorum(t, stores, 0.01)

	ttl := 10 * time.Second
	token, err := q.Acquire(context.Background(), "retrain", ttl)
	require.NoError(t, err)

	now := time.Now()
	require.True(t, token.Valid(now))
	// Deadline sits just under t0+ttl: the margin is only the (tiny)
	// acquisition time plus 1% of ttl.
	assert.LessOrEqual(t, token.Remaining(now), ttl)
	assert.Greater(t, token.Remaining(now), ttl-time.Second)
	assert.NotEmpty(t, token.Value)
	assert.Equal(t, "retrain", token.Resource)
}

func TestAcquireSurvivesMinorityFailure(t *testing.T) {
	nodes, stores := newFakeCluster(3)
	nodes[2].setUnreachable(true)
	q := newTestQuorum(t, stores, 0.01)

	token, err := q.Acquire(context.Background(), "retrain", 10*time.Second)
	require.NoError(t, err)
	require.True(t, token.Valid(time.Now()))

	assert.True(t, nodes[0].holds("retrain"))
	assert.True(t, nodes[1].holds("retrain"))
}

func TestAcquireFailsWithoutMajority(t *testing.T) {
	nodes, stores := newFakeCluster(3)
	nodes[1].setUnreachable(true)
	nodes[2].setUnreachable(true)
	q := newTestQuorum(t, stores, 0.01)

	_, err := q.Acquire(context.Background(), "retrain", 10*time.Second)
	require.ErrorIs(t, err, ErrQuorumNotReached)
	assert.Equal(t, "quorum_unavailable", FailureReason(err))

	var qe *QuorumError
	require.ErrorAs(t, err, &qe)
	assert.False(t, qe.HeldElsewhere())

	// The one successful write is reaped so it doesn't block the next
	// attempt until natural expiry.
	require.Eventually(t, func() bool {
		return !nodes[0].holds("retrain")
	}, time.Second, 10*time.Millisecond)
}

func TestAcquireFailsWhenHeldElsewhere(t *testing.T) {
	_, stores := newFakeCluster(3)
	q := newTestQuorum(t, stores, 0.01)

	_, err := q.Acquire(context.Background(), "retrain", 10*time.Second)
	require.NoError(t, err)

	_, err = q.Acquire(context.Background(), "retrain", 10*time.Second)
	require.ErrorIs(t, err, ErrQuorumNotReached)
	assert.Equal(t, "held", FailureReason(err))
}

func TestMutualExclusionUnderConcurrency(t *testing.T) {
	_, stores := newFakeCluster(5)
	q := newTestQuorum(t, stores, 0.01)

	const attempts = 32
	var wins int64
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := q.Acquire(context.Background(), "retrain", 10*time.Second)
			if err == nil && token.Valid(time.Now()) {
				atomic.AddInt64(&wins, 1)
			}
		}()
	}
	wg.Wait()

	// A split vote may leave zero winners (and that is the safe
	// outcome); two winners is the one thing that must never happen.
	assert.LessOrEqual(t, wins, int64(1), "at most one concurrent attempt may hold the lock")
}

func TestReleaseMakesResourceReacquirable(t *testing.T) {
	_, stores := newFakeCluster(3)
	q := newTestQuorum(t, stores, 0.01)

	token, err := q.Acquire(context.Background(), "retrain", 10*time.Second)
	require.NoError(t, err)
	require.NoError(t, q.Release(context.Background(), token))

	_, err = q.Acquire(context.Background(), "retrain", 10*time.Second)
	require.NoError(t, err)
}

func TestCrashedHolderExpiresViaTTL(t *testing.T) {
	_, stores := newFakeCluster(3)
	q := newTestQuorum(t, stores, 0.01)

	ttl := 300 * time.Millisecond
	token, err := q.Acquire(context.Background(), "retrain", ttl)
	require.NoError(t, err)

	// Holder "crashes" without releasing: acquirable strictly after
	// the deadline, never before.
	_, err = q.Acquire(context.Background(), "retrain", ttl)
	require.ErrorIs(t, err, ErrQuorumNotReached)

	time.Sleep(time.Until(token.ValidityDeadline) + ttl)

	_, err = q.Acquire(context.Background(), "retrain", 10*time.Second)
	require.NoError(t, err)
}

func TestReleaseWithForeignValueLeavesHolderIntact(t *testing.T) {
	nodes, stores := newFakeCluster(3)
	q := newTestQuorum(t, stores, 0.01)

	token, err := q.Acquire(context.Background(), "retrain", 10*time.Second)
	require.NoError(t, err)

	forged := token
	forged.Value = "someone-else"
	err = q.Release(context.Background(), forged)
	require.ErrorIs(t, err, ErrTokenMismatch)

	for _, n := range nodes {
		assert.True(t, n.holds("retrain"))
	}

	// The true holder can still extend.
	_, err = q.Extend(context.Background(), token, 10*time.Second)
	require.NoError(t, err)
}

func TestExtendPushesDeadline(t *testing.T) {
	_, stores := newFakeCluster(3)
	q := newTestQuorum(t, stores, 0.01)

	token, err := q.Acquire(context.Background(), "retrain", 2*time.Second)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	next, err := q.Extend(context.Background(), token, 2*time.Second)
	require.NoError(t, err)
	assert.True(t, next.ValidityDeadline.After(token.ValidityDeadline))
	assert.Equal(t, token.Value, next.Value)
}

func TestExtendWithForeignValueFails(t *testing.T) {
	_, stores := newFakeCluster(3)
	q := newTestQuorum(t, stores, 0.01)

	token, err := q.Acquire(context.Background(), "retrain", 10*time.Second)
	require.NoError(t, err)

	forged := token
	forged.Value = "someone-else"
	_, err = q.Extend(context.Background(), forged, 10*time.Second)
	require.ErrorIs(t, err, ErrQuorumNotReached)
}

func TestExtendFailsWithoutMajority(t *testing.T) {
	nodes, stores := newFakeCluster(3)
	q := newTestQuorum(t, stores, 0.01)

	token, err := q.Acquire(context.Background(), "retrain", 10*time.Second)
	require.NoError(t, err)

	nodes[0].setUnreachable(true)
	nodes[1].setUnreachable(true)

	_, err = q.Extend(context.Background(), token, 10*time.Second)
	require.ErrorIs(t, err, ErrQuorumNotReached)
}

func TestDriftMarginMonotonicity(t *testing.T) {
	q := &Quorum{driftFactor: 0.01}
	ttl := 10 * time.Second
	elapsed := 50 * time.Millisecond

	small := q.driftMargin(elapsed, ttl)
	q.driftFactor = 0.05
	mid := q.driftMargin(elapsed, ttl)
	q.driftFactor = 0.20
	large := q.driftMargin(elapsed, ttl)

	// A larger configured drift factor never widens the usable window.
	assert.Less(t, small, mid)
	assert.Less(t, mid, large)
	assert.Equal(t, elapsed+100*time.Millisecond, small)
}

func TestMarginExhausted(t *testing.T) {
	nodes, stores := newFakeCluster(3)
	// Margin = elapsed + 2*ttl always exceeds ttl.
	q := newTestQuorum(t, stores, 2.0)

	_, err := q.Acquire(context.Background(), "retrain", time.Second)
	require.ErrorIs(t, err, ErrMarginExhausted)
	assert.Equal(t, "margin_exhausted", FailureReason(err))

	// Partial writes are reaped even though a majority acknowledged.
	require.Eventually(t, func() bool {
		for _, n := range nodes {
			if n.holds("retrain") {
				return false
			}
		}
		return true
	}, time.Second, 10*time.Millisecond)
}

func TestMajorityCounts(t *testing.T) {
	for n, want := range map[int]int{1: 1, 3: 2, 5: 3, 7: 4} {
		_, stores := newFakeCluster(n)
		q := newTestQuorum(t, stores, 0.01)
		assert.Equal(t, want, q.majority(), "n=%d", n)
	}
}

func TestSlowMinorityDoesNotStallAcquire(t *testing.T) {
	nodes, stores := newFakeCluster(3)
	nodes[2].setDelay(5 * time.Second) // way past the per-node timeout
	q := newTestQuorum(t, stores, 0.01)

	start := time.Now()
	token, err := q.Acquire(context.Background(), "retrain", 10*time.Second)
	require.NoError(t, err)
	require.True(t, token.Valid(time.Now()))

	// The attempt returns on the fast majority, not the straggler.
	assert.Less(t, time.Since(start), time.Second)
}

func TestQuorumErrorClassification(t *testing.T) {
	held := &QuorumError{Op: "acquire", OK: 0, Refused: 3, Unreachable: 0, Needed: 2}
	assert.True(t, held.HeldElsewhere())
	assert.True(t, errors.Is(held, ErrQuorumNotReached))
	assert.Equal(t, "held", FailureReason(held))

	part := &QuorumError{Op: "acquire", OK: 1, Refused: 0, Unreachable: 2, Needed: 2}
	assert.False(t, part.HeldElsewhere())
	assert.Equal(t, "quorum_unavailable", FailureReason(part))

	assert.Equal(t, "margin_exhausted", FailureReason(ErrMarginExhausted))
	assert.Equal(t, "error", FailureReason(errors.New("boom")))
	assert.Equal(t, "", FailureReason(nil))
}
