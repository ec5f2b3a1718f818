package retrain

import (
	"context"
	"time"

	"retrainlock/internal/obs"
)

// Scheduler fires the coordinator at a fixed interval. Each tick is a
// fresh independent attempt; a skipped tick is simply logged and the
// next tick tries again. Retry-with-backoff deliberately does not
// exist at the lock level, so TTL budgeting stays predictable.
type Scheduler struct {
	coord    *Coordinator
	interval time.Duration
	logger   *obs.Logger
}

func NewScheduler(coord *Coordinator, interval time.Duration, logger *obs.Logger) *Scheduler {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	if logger != nil {
		logger = logger.With("component", "scheduler")
	}
	return &Scheduler{
		coord:    coord,
		interval: interval,
		logger:   logger,
	}
}

func (s *Scheduler) Run(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()

	if s.logger != nil {
		s.logger.Info(map[string]interface{}{
			"op":          "scheduler_start",
			"interval_ms": s.interval.Milliseconds(),
		})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			out := s.coord.TryStart(ctx)
			if s.logger != nil {
				fields := map[string]interface{}{
					"op":      "schedule_tick",
					"started": out.Started,
				}
				if out.Reason != "" {
					fields["reason"] = out.Reason
				}
				s.logger.Info(fields)
			}
		}
	}
}
