package distlock

import (
	"context"
	"time"

	"retrainlock/internal/obs"
)

// Mode names the backing protocol a Manager selected at startup.
type Mode string

const (
	ModeQuorum   Mode = "quorum"
	ModeFallback Mode = "fallback"
)

// Config is the lock subsystem's whole configuration surface. Mode
// selection happens once at construction; there is no runtime
// reconfiguration.
type Config struct {
	// QuorumEnabled turns on majority voting when two or more nodes
	// are configured. With a single node (or disabled), the manager
	// degrades to the single-node fallback.
	QuorumEnabled bool
	NodeTimeout   time.Duration
	DriftFactor   float64
}

// Manager is the single entry point callers use. It exposes one
// uniform acquire/release/extend contract regardless of backing mode
// and is the only place lock outcome metrics are recorded, so the
// protocols and the callers stay free of instrumentation.
type Manager struct {
	backend Backend
	mode    Mode
	metrics *obs.LockMetrics
	logger  *obs.Logger
}

func NewManager(stores []Store, cfg Config, metrics *obs.LockMetrics, logger *obs.Logger) (*Manager, error) {
	mode := ModeFallback
	var backend Backend
	var err error

	if cfg.QuorumEnabled && len(stores) >= 2 {
		mode = ModeQuorum
		backend, err = NewQuorum(stores, cfg.NodeTimeout, cfg.DriftFactor)
	} else {
		var s Store
		if len(stores) > 0 {
			s = stores[0]
		}
		backend, err = NewSingle(s, cfg.NodeTimeout)
	}
	if err != nil {
		return nil, err
	}

	if logger != nil {
		logger = logger.With("component", "lockmgr")
	}
	return &Manager{
		backend: backend,
		mode:    mode,
		metrics: metrics,
		logger:  logger,
	}, nil
}

func (m *Manager) Mode() Mode { return m.mode }

func (m *Manager) Acquire(ctx context.Context, resource string, ttl time.Duration) (Token, error) {
	start := time.Now()
	if m.metrics != nil {
		m.metrics.AcquireTotal.WithLabelValues(resource, string(m.mode)).Inc()
	}

	token, err := m.backend.Acquire(ctx, resource, ttl)

	if err != nil {
		if m.metrics != nil {
			m.metrics.AcquireFailedTotal.WithLabelValues(resource, string(m.mode), FailureReason(err)).Inc()
		}
		if m.logger != nil {
			m.logger.Info(map[string]interface{}{
				"op":         "acquire",
				"resource":   resource,
				"mode":       string(m.mode),
				"acquired":   false,
				"reason":     FailureReason(err),
				"error":      err.Error(),
				"latency_ms": time.Since(start).Milliseconds(),
			})
		}
		return Token{}, err
	}

	if m.logger != nil {
		m.logger.Info(map[string]interface{}{
			"op":          "acquire",
			"resource":    resource,
			"mode":        string(m.mode),
			"acquired":    true,
			"validity_ms": token.Remaining(time.Now()).Milliseconds(),
			"latency_ms":  time.Since(start).Milliseconds(),
		})
	}
	return token, nil
}

func (m *Manager) Release(ctx context.Context, token Token) error {
	start := time.Now()
	if m.metrics != nil {
		m.metrics.ReleaseTotal.WithLabelValues(token.Resource, string(m.mode)).Inc()
	}

	err := m.backend.Release(ctx, token)

	fields := map[string]interface{}{
		"op":         "release",
		"resource":   token.Resource,
		"mode":       string(m.mode),
		"released":   err == nil,
		"latency_ms": time.Since(start).Milliseconds(),
	}
	if err != nil {
		if m.metrics != nil {
			m.metrics.ReleaseFailedTotal.WithLabelValues(token.Resource, string(m.mode)).Inc()
		}
		fields["error"] = err.Error()
	}
	if m.logger != nil {
		m.logger.Info(fields)
	}
	return err
}

func (m *Manager) Extend(ctx context.Context, token Token, ttl time.Duration) (Token, error) {
	start := time.Now()
	if m.metrics != nil {
		m.metrics.ExtendTotal.WithLabelValues(token.Resource, string(m.mode)).Inc()
	}

	next, err := m.backend.Extend(ctx, token, ttl)

	fields := map[string]interface{}{
		"op":         "extend",
		"resource":   token.Resource,
		"mode":       string(m.mode),
		"extended":   err == nil,
		"latency_ms": time.Since(start).Milliseconds(),
	}
	if err != nil {
		if m.metrics != nil {
			m.metrics.ExtendFailedTotal.WithLabelValues(token.Resource, string(m.mode)).Inc()
		}
		fields["error"] = err.Error()
	}
	if m.logger != nil {
		m.logger.Info(fields)
	}
	if err != nil {
		return Token{}, err
	}
	return next, nil
}
