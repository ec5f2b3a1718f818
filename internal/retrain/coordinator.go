// Package retrain wraps the retraining procedure in scoped distributed
// lock acquisition. The coordinator does not know what the work
// computes; it only guarantees that the work runs under a valid lock
// token and stops cooperatively once that can no longer be proven.
package retrain

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"retrainlock/internal/obs"
	"retrainlock/pkg/distlock"
)

// State of the current (or last) attempt. One attempt at a time per
// process, by construction.
type State int32

const (
	StateIdle State = iota
	StateAcquiring
	StateRunning
	StateReleasing
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateAcquiring:
		return "acquiring"
	case StateRunning:
		return "running"
	case StateReleasing:
		return "releasing"
	case StateExpired:
		return "expired"
	default:
		return "idle"
	}
}

// LockManager is the slice of the lock façade the coordinator needs.
// *distlock.Manager satisfies it.
type LockManager interface {
	Acquire(ctx context.Context, resource string, ttl time.Duration) (distlock.Token, error)
	Release(ctx context.Context, token distlock.Token) error
	Extend(ctx context.Context, token distlock.Token, ttl time.Duration) (distlock.Token, error)
}

// Outcome of a trigger: either the attempt started, or it was skipped
// with a reason. A skipped trigger is never retried here; the next
// schedule tick or manual call is a fresh independent attempt.
type Outcome struct {
	Started bool   `json:"started"`
	Reason  string `json:"reason,omitempty"`
}

const (
	SkipInProgress        = "retrain already in progress"
	SkipHeldElsewhere     = "lock held elsewhere"
	SkipQuorumUnavailable = "quorum unavailable"
)

// Status is a point-in-time view for the status endpoint.
type Status struct {
	State       string    `json:"state"`
	LastOutcome string    `json:"last_outcome,omitempty"`
	LastFinish  time.Time `json:"last_finish,omitzero"`
	LastError   string    `json:"last_error,omitempty"`
}

type Coordinator struct {
	locks    LockManager
	trainer  Trainer
	logger   *obs.Logger
	metrics  *obs.RetrainMetrics
	resource string
	ttl      time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Held for the whole attempt; TryLock gives in-process
	// single-flight without ever blocking a trigger.
	attempt sync.Mutex

	state atomic.Int32

	statusMu    sync.Mutex
	lastOutcome string
	lastFinish  time.Time
	lastErr     string
}

func NewCoordinator(locks LockManager, trainer Trainer, resource string, ttl time.Duration,
	metrics *obs.RetrainMetrics, logger *obs.Logger) *Coordinator {

	ctx, cancel := context.WithCancel(context.Background())
	if logger != nil {
		logger = logger.With("component", "retrain")
	}
	return &Coordinator{
		locks:    locks,
		trainer:  trainer,
		logger:   logger,
		metrics:  metrics,
		resource: resource,
		ttl:      ttl,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Close cancels any running attempt and waits for it to wind down.
func (c *Coordinator) Close() {
	c.cancel()
	c.wg.Wait()
}

func (c *Coordinator) Status() Status {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	return Status{
		State:       State(c.state.Load()).String(),
		LastOutcome: c.lastOutcome,
		LastFinish:  c.lastFinish,
		LastError:   c.lastErr,
	}
}

func (c *Coordinator) setState(s State) {
	c.state.Store(int32(s))
}

// TryStart handles one trigger (schedule tick or manual request). The
// acquire happens synchronously, bounded by the lock layer's timeouts;
// the protected work then runs in the background. A failed acquisition
// ends the attempt immediately with no retry.
func (c *Coordinator) TryStart(ctx context.Context) Outcome {
	if !c.attempt.TryLock() {
		c.skip(SkipInProgress, "in_progress")
		return Outcome{Started: false, Reason: SkipInProgress}
	}

	c.setState(StateAcquiring)
	token, err := c.locks.Acquire(ctx, c.resource, c.ttl)
	if err != nil {
		c.setState(StateIdle)
		c.attempt.Unlock()

		reason := SkipQuorumUnavailable
		metricReason := "quorum_unavailable"
		if distlock.FailureReason(err) == "held" {
			reason = SkipHeldElsewhere
			metricReason = "held_elsewhere"
		}
		c.skip(reason, metricReason)
		return Outcome{Started: false, Reason: reason}
	}

	c.setState(StateRunning)
	c.wg.Add(1)
	go c.run(token)
	return Outcome{Started: true}
}

func (c *Coordinator) skip(reason, metricReason string) {
	if c.metrics != nil {
		c.metrics.SkippedTotal.WithLabelValues(metricReason).Inc()
	}
	if c.logger != nil {
		c.logger.Info(map[string]interface{}{
			"op":      "retrain",
			"started": false,
			"reason":  reason,
		})
	}
}

// run executes the protected work under the token, renewing the lease
// while the work is in flight. Cancellation is cooperative: the work
// gets a context that is cancelled the moment exclusivity can no
// longer be proven, and the coordinator waits for the work to observe
// it rather than killing anything.
func (c *Coordinator) run(token distlock.Token) {
	defer c.wg.Done()
	defer c.attempt.Unlock()
	defer c.setState(StateIdle)

	start := time.Now()

	workCtx, cancelWork := context.WithCancel(c.ctx)
	defer cancelWork()

	stopRenew := make(chan struct{})
	lost := make(chan struct{})
	go c.renew(token, cancelWork, stopRenew, lost)

	trainErr := c.trainer.Train(workCtx)
	close(stopRenew)

	elapsed := time.Since(start)

	select {
	case <-lost:
		// Lock lost mid-run: the work was cancelled at its next
		// checkpoint. No release; the entries cannot be proven ours
		// and expire on their own.
		c.setState(StateExpired)
		c.finish("expired", trainErr)
		if c.metrics != nil {
			c.metrics.ExpiredTotal.Inc()
		}
		if c.logger != nil {
			c.logger.Warn(map[string]interface{}{
				"op":          "retrain",
				"outcome":     "expired",
				"duration_ms": elapsed.Milliseconds(),
			})
		}
		return
	default:
	}

	outcome := "success"
	if trainErr != nil {
		outcome = "failure"
	}

	// Release is a courtesy to the next holder, not a correctness
	// requirement: the recorded outcome stands whether or not it
	// lands.
	c.setState(StateReleasing)
	releaseCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = c.locks.Release(releaseCtx, token)

	c.finish(outcome, trainErr)
	if c.metrics != nil {
		if trainErr != nil {
			c.metrics.FailureTotal.Inc()
		} else {
			c.metrics.SuccessTotal.Inc()
			c.metrics.Duration.Observe(elapsed.Seconds())
		}
	}
	if c.logger != nil {
		fields := map[string]interface{}{
			"op":          "retrain",
			"outcome":     outcome,
			"duration_ms": elapsed.Milliseconds(),
		}
		if trainErr != nil {
			fields["error"] = trainErr.Error()
			c.logger.Error(fields)
		} else {
			c.logger.Info(fields)
		}
	}
}

// renew extends the lease at a third of its TTL and cancels the work
// once an extension fails or the deadline passes unextended; after
// that the coordinator can no longer prove exclusivity.
func (c *Coordinator) renew(token distlock.Token, cancelWork context.CancelFunc,
	stop <-chan struct{}, lost chan<- struct{}) {

	cur := token
	for {
		timer := time.NewTimer(cur.TTL / 3)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		}

		if !cur.Valid(time.Now()) {
			close(lost)
			cancelWork()
			return
		}

		next, err := c.locks.Extend(c.ctx, cur, cur.TTL)
		if err != nil {
			close(lost)
			cancelWork()
			return
		}
		cur = next
	}
}

func (c *Coordinator) finish(outcome string, err error) {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	c.lastOutcome = outcome
	c.lastFinish = time.Now()
	c.lastErr = ""
	if err != nil {
		c.lastErr = err.Error()
	}
}
