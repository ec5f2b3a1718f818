package obs

import "github.com/prometheus/client_golang/prometheus"

// NodeMetrics instruments one lock-store node.
type NodeMetrics struct {
	AcquireTotal *prometheus.CounterVec // result=ok|refused|busy
	ExtendTotal  *prometheus.CounterVec // result=ok|refused|busy
	ReleaseTotal *prometheus.CounterVec // result=ok|refused|busy

	OpLatencyMS *prometheus.HistogramVec // op=acquire|extend|release

	DBBusyTotal *prometheus.CounterVec // op=acquire|extend|release
	EntriesHeld prometheus.Gauge
	ExpiredTotal prometheus.Counter
}

func NewNodeMetrics(reg prometheus.Registerer) *NodeMetrics {
	m := &NodeMetrics{
		AcquireTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lockstore_acquire_total",
				Help: "Total set-if-absent attempts by result",
			},
			[]string{"result"},
		),
		ExtendTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lockstore_extend_total",
				Help: "Total extend-if-match attempts by result",
			},
			[]string{"result"},
		),
		ReleaseTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lockstore_release_total",
				Help: "Total delete-if-match attempts by result",
			},
			[]string{"result"},
		),
		OpLatencyMS: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lockstore_op_latency_ms",
				Help:    "Latency of store operations (ms)",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1ms .. ~2048ms
			},
			[]string{"op"},
		),
		DBBusyTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lockstore_db_busy_total",
				Help: "Total sqlite busy/locked errors",
			},
			[]string{"op"},
		),
		EntriesHeld: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lockstore_entries_held",
			Help: "Number of currently held (unexpired) lock entries",
		}),
		ExpiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lockstore_expired_total",
			Help: "Total lock entries that expired and were swept",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.AcquireTotal,
			m.ExtendTotal,
			m.ReleaseTotal,
			m.OpLatencyMS,
			m.DBBusyTotal,
			m.EntriesHeld,
			m.ExpiredTotal,
		)
	}
	return m
}

// LockMetrics counts lock manager outcomes. This is the only place the
// lock subsystem is instrumented; the quorum and fallback backends stay
// free of metrics concerns.
type LockMetrics struct {
	AcquireTotal       *prometheus.CounterVec // resource, mode
	AcquireFailedTotal *prometheus.CounterVec // resource, mode, reason=held|quorum_unavailable|margin_exhausted
	ReleaseTotal       *prometheus.CounterVec // resource, mode
	ReleaseFailedTotal *prometheus.CounterVec // resource, mode
	ExtendTotal        *prometheus.CounterVec // resource, mode
	ExtendFailedTotal  *prometheus.CounterVec // resource, mode
}

func NewLockMetrics(reg prometheus.Registerer) *LockMetrics {
	m := &LockMetrics{
		AcquireTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lock_acquire_total",
				Help: "Total lock acquire attempts",
			},
			[]string{"resource", "mode"},
		),
		AcquireFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lock_acquire_failed_total",
				Help: "Failed lock acquire attempts by reason",
			},
			[]string{"resource", "mode", "reason"},
		),
		ReleaseTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lock_release_total",
				Help: "Total lock release attempts",
			},
			[]string{"resource", "mode"},
		),
		ReleaseFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lock_release_failed_total",
				Help: "Failed lock releases",
			},
			[]string{"resource", "mode"},
		),
		ExtendTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lock_extend_total",
				Help: "Total lock extend attempts",
			},
			[]string{"resource", "mode"},
		),
		ExtendFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lock_extend_failed_total",
				Help: "Failed lock extends",
			},
			[]string{"resource", "mode"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.AcquireTotal,
			m.AcquireFailedTotal,
			m.ReleaseTotal,
			m.ReleaseFailedTotal,
			m.ExtendTotal,
			m.ExtendFailedTotal,
		)
	}
	return m
}

// RetrainMetrics tracks terminal outcomes of retrain attempts.
type RetrainMetrics struct {
	SuccessTotal prometheus.Counter
	FailureTotal prometheus.Counter
	ExpiredTotal prometheus.Counter
	SkippedTotal *prometheus.CounterVec // reason=held_elsewhere|quorum_unavailable|in_progress
	Duration     prometheus.Histogram
}

func NewRetrainMetrics(reg prometheus.Registerer) *RetrainMetrics {
	m := &RetrainMetrics{
		SuccessTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "retrain_success_total",
			Help: "Number of successful retrains",
		}),
		FailureTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "retrain_failure_total",
			Help: "Number of failed retrains",
		}),
		ExpiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "retrain_expired_total",
			Help: "Number of retrains aborted after losing the lock",
		}),
		SkippedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "retrain_skipped_total",
				Help: "Retrain triggers skipped without running, by reason",
			},
			[]string{"reason"},
		),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "retrain_duration_seconds",
			Help:    "Time spent retraining",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s .. ~2.3h
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.SuccessTotal,
			m.FailureTotal,
			m.ExpiredTotal,
			m.SkippedTotal,
			m.Duration,
		)
	}
	return m
}
