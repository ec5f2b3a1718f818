package distlock

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"retrainlock/internal/obs"
)

func TestManagerModeSelection(t *testing.T) {
	_, stores := newFakeCluster(3)

	cases := []struct {
		name    string
		stores  []Store
		enabled bool
		want    Mode
	}{
		{"quorum enabled with three nodes", stores, true, ModeQuorum},
		{"quorum disabled", stores, false, ModeFallback},
		{"single node regardless of flag", stores[:1], true, ModeFallback},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, err := NewManager(tc.stores, Config{QuorumEnabled: tc.enabled}, nil, nil)
			require.NoError(t, err)
			assert.Equal(t, tc.want, m.Mode())
		})
	}
}

func TestManagerNoStores(t *testing.T) {
	_, err := NewManager(nil, Config{}, nil, nil)
	require.Error(t, err)
}

func TestManagerCountsOutcomes(t *testing.T) {
	nodes, stores := newFakeCluster(3)

	reg := prometheus.NewRegistry()
	metrics := obs.NewLockMetrics(reg)
	logger := obs.NewLoggerTo(io.Discard)

	m, err := NewManager(stores, Config{
		QuorumEnabled: true,
		NodeTimeout:   200 * time.Millisecond,
	}, metrics, logger)
	require.NoError(t, err)

	ctx := context.Background()

	token, err := m.Acquire(ctx, "retrain", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(
		metrics.AcquireTotal.WithLabelValues("retrain", "quorum")))

	// Second attempt is refused by the current holder.
	_, err = m.Acquire(ctx, "retrain", 10*time.Second)
	require.Error(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(
		metrics.AcquireFailedTotal.WithLabelValues("retrain", "quorum", "held")))

	next, err := m.Extend(ctx, token, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(
		metrics.ExtendTotal.WithLabelValues("retrain", "quorum")))

	require.NoError(t, m.Release(ctx, next))
	assert.Equal(t, 1.0, testutil.ToFloat64(
		metrics.ReleaseTotal.WithLabelValues("retrain", "quorum")))

	// Partition every node and count the unavailable-quorum failure.
	for _, n := range nodes {
		n.setUnreachable(true)
	}
	_, err = m.Acquire(ctx, "retrain", 10*time.Second)
	require.ErrorIs(t, err, ErrQuorumNotReached)
	assert.Equal(t, 1.0, testutil.ToFloat64(
		metrics.AcquireFailedTotal.WithLabelValues("retrain", "quorum", "quorum_unavailable")))
}

func TestManagerFallbackRoundTrip(t *testing.T) {
	_, stores := newFakeCluster(1)

	reg := prometheus.NewRegistry()
	metrics := obs.NewLockMetrics(reg)

	m, err := NewManager(stores, Config{}, metrics, obs.NewLoggerTo(io.Discard))
	require.NoError(t, err)
	require.Equal(t, ModeFallback, m.Mode())

	token, err := m.Acquire(context.Background(), "retrain", 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, m.Release(context.Background(), token))

	assert.Equal(t, 1.0, testutil.ToFloat64(
		metrics.AcquireTotal.WithLabelValues("retrain", "fallback")))
	assert.Equal(t, 1.0, testutil.ToFloat64(
		metrics.ReleaseTotal.WithLabelValues("retrain", "fallback")))
}
