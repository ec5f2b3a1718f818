package lease

import (
	"context"
	"database/sql"
	"time"

	"retrainlock/internal/obs"
)

// Sweeper periodically deletes expired entries and keeps the held-entries
// gauge current. Hygiene only: every read path already treats expired
// rows as absent, so correctness never depends on the sweep.
type Sweeper struct {
	db       *sql.DB
	logger   *obs.Logger
	metrics  *obs.NodeMetrics
	interval time.Duration
}

func NewSweeper(db *sql.DB, logger *obs.Logger, metrics *obs.NodeMetrics, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Sweeper{
		db:       db,
		logger:   logger,
		metrics:  metrics,
		interval: interval,
	}
}

func (m *Sweeper) Run(ctx context.Context) {
	t := time.NewTicker(m.interval)
	defer t.Stop()

	// Run once immediately
	m.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.sweepOnce(ctx)
		}
	}
}

func (m *Sweeper) sweepOnce(ctx context.Context) {
	start := time.Now()
	nowNs := time.Now().UnixNano()

	var heldCount int64
	err := m.db.QueryRowContext(ctx, `
SELECT COUNT(*)
FROM locks
WHERE value IS NOT NULL
  AND expiry_ns > ?;
`, nowNs).Scan(&heldCount)

	if err == nil && m.metrics != nil && m.metrics.EntriesHeld != nil {
		m.metrics.EntriesHeld.Set(float64(heldCount))
	}

	res, err2 := m.db.ExecContext(ctx, `
DELETE FROM locks
WHERE value IS NOT NULL
  AND expiry_ns > 0
  AND expiry_ns <= ?;
`, nowNs)

	var cleared int64
	if err2 == nil && res != nil {
		cleared, _ = res.RowsAffected()
		if cleared > 0 && m.metrics != nil && m.metrics.ExpiredTotal != nil {
			m.metrics.ExpiredTotal.Add(float64(cleared))
		}
	}

	if m.logger != nil {
		fields := map[string]interface{}{
			"op":         "expire_sweep",
			"held":       heldCount,
			"cleared":    cleared,
			"latency_ms": time.Since(start).Milliseconds(),
		}
		if err != nil {
			fields["count_err"] = err.Error()
		}
		if err2 != nil {
			fields["clear_err"] = err2.Error()
		}
		// Quiet unless something happened
		if cleared > 0 || err != nil || err2 != nil {
			m.logger.Info(fields)
		}
	}
}
