package lease

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"retrainlock/internal/obs"
)

// Service implements the store-node side of the lock contract: three
// conditional operations, each a single atomic step against this node.
// Expiry is always evaluated against this node's clock, so an expired
// row behaves exactly like an absent one.
type Service struct {
	db      *sql.DB
	logger  *obs.Logger
	metrics *obs.NodeMetrics
}

func NewService(db *sql.DB, logger *obs.Logger, metrics *obs.NodeMetrics) *Service {
	return &Service{
		db:      db,
		logger:  logger,
		metrics: metrics,
	}
}

func (s *Service) observeLatency(op string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.OpLatencyMS.WithLabelValues(op).Observe(float64(time.Since(start).Milliseconds()))
}

func (s *Service) incResult(op, result string) {
	if s.metrics == nil {
		return
	}
	switch op {
	case "acquire":
		s.metrics.AcquireTotal.WithLabelValues(result).Inc()
	case "extend":
		s.metrics.ExtendTotal.WithLabelValues(result).Inc()
	case "release":
		s.metrics.ReleaseTotal.WithLabelValues(result).Inc()
	}
}

func (s *Service) incBusy(op string) {
	if s.metrics == nil {
		return
	}
	s.metrics.DBBusyTotal.WithLabelValues(op).Inc()
	s.incResult(op, "busy")
}

func (s *Service) now(reqNow time.Time) time.Time {
	if !reqNow.IsZero() {
		return reqNow
	}
	return time.Now()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	if se, ok := err.(sqlite3.Error); ok {
		return se.Code == sqlite3.ErrBusy ||
			se.Code == sqlite3.ErrLocked
	}
	return false
}

// SetIfAbsent atomically creates the entry for req.Resource with
// req.Value and an expiry of now+TTL, succeeding only if no unexpired
// entry exists. A busy database is reported as Busy, never as acquired.
func (s *Service) SetIfAbsent(ctx context.Context, req SetIfAbsentRequest) (SetIfAbsentResult, error) {
	if req.Resource == "" || req.Value == "" {
		return SetIfAbsentResult{}, fmt.Errorf("resource and value required")
	}
	if req.TTL <= 0 {
		return SetIfAbsentResult{}, fmt.Errorf("ttl must be > 0")
	}
	start := time.Now()

	var (
		logAcquired bool
		logErrMsg   string
	)
	defer func() {
		if s.logger == nil {
			return
		}
		fields := map[string]interface{}{
			"op":         "acquire",
			"resource":   req.Resource,
			"acquired":   logAcquired,
			"latency_ms": time.Since(start).Milliseconds(),
		}
		if logErrMsg != "" {
			fields["error"] = logErrMsg
			s.logger.Error(fields)
		} else {
			s.logger.Info(fields)
		}
	}()

	now := s.now(req.Now)
	nowNs := now.UnixNano()
	expiryNs := now.Add(req.TTL).UnixNano()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		if isSQLiteBusy(err) {
			s.incBusy("acquire")
			s.observeLatency("acquire", start)
			return SetIfAbsentResult{Resource: req.Resource, Busy: true, RetryAfter: 50 * time.Millisecond}, nil
		}
		logErrMsg = err.Error()
		return SetIfAbsentResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		curValue sql.NullString
		curExpNs int64
	)
	err = tx.QueryRowContext(ctx, `
SELECT value, expiry_ns FROM locks WHERE resource = ?;
`, req.Resource).Scan(&curValue, &curExpNs)

	notFound := errors.Is(err, sql.ErrNoRows)
	if err != nil && !notFound {
		if isSQLiteBusy(err) {
			s.incBusy("acquire")
			s.observeLatency("acquire", start)
			return SetIfAbsentResult{Resource: req.Resource, Busy: true, RetryAfter: 50 * time.Millisecond}, nil
		}
		logErrMsg = err.Error()
		return SetIfAbsentResult{}, err
	}

	// Unexpired entry with a value => refused.
	if !notFound && curValue.Valid && curExpNs > nowNs {
		if err := tx.Commit(); err != nil {
			if isSQLiteBusy(err) {
				s.incBusy("acquire")
				s.observeLatency("acquire", start)
				return SetIfAbsentResult{Resource: req.Resource, Busy: true, RetryAfter: 50 * time.Millisecond}, nil
			}
			logErrMsg = err.Error()
			return SetIfAbsentResult{}, err
		}
		s.incResult("acquire", "refused")
		s.observeLatency("acquire", start)
		return SetIfAbsentResult{
			Acquired:      false,
			Resource:      req.Resource,
			CurrentExpiry: time.Unix(0, curExpNs),
		}, nil
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO locks(resource, value, expiry_ns, version, created_at_ns, updated_at_ns)
VALUES(?, ?, ?, 1, ?, ?)
ON CONFLICT(resource) DO UPDATE SET
  value = excluded.value,
  expiry_ns = excluded.expiry_ns,
  version = locks.version + 1,
  updated_at_ns = excluded.updated_at_ns;
`, req.Resource, req.Value, expiryNs, nowNs, nowNs)
	if err != nil {
		if isSQLiteBusy(err) {
			s.incBusy("acquire")
			s.observeLatency("acquire", start)
			return SetIfAbsentResult{Resource: req.Resource, Busy: true, RetryAfter: 50 * time.Millisecond}, nil
		}
		logErrMsg = err.Error()
		return SetIfAbsentResult{}, err
	}

	if err := tx.Commit(); err != nil {
		if isSQLiteBusy(err) {
			s.incBusy("acquire")
			s.observeLatency("acquire", start)
			return SetIfAbsentResult{Resource: req.Resource, Busy: true, RetryAfter: 50 * time.Millisecond}, nil
		}
		logErrMsg = err.Error()
		return SetIfAbsentResult{}, err
	}

	logAcquired = true
	s.incResult("acquire", "ok")
	s.observeLatency("acquire", start)

	return SetIfAbsentResult{
		Acquired: true,
		Resource: req.Resource,
		Value:    req.Value,
		Expiry:   time.Unix(0, expiryNs),
	}, nil
}

// ExtendIfMatch resets the expiry to now+TTL only if the current value
// matches and the entry has not already expired.
func (s *Service) ExtendIfMatch(ctx context.Context, req ExtendIfMatchRequest) (ExtendIfMatchResult, error) {
	if req.Resource == "" || req.Value == "" {
		return ExtendIfMatchResult{}, fmt.Errorf("resource and value required")
	}
	if req.TTL <= 0 {
		return ExtendIfMatchResult{}, fmt.Errorf("ttl must be > 0")
	}

	start := time.Now()
	var logExtended bool
	var logErrMsg string
	defer func() {
		if s.logger == nil {
			return
		}
		fields := map[string]interface{}{
			"op":         "extend",
			"resource":   req.Resource,
			"extended":   logExtended,
			"latency_ms": time.Since(start).Milliseconds(),
		}
		if logErrMsg != "" {
			fields["error"] = logErrMsg
			s.logger.Error(fields)
		} else {
			s.logger.Info(fields)
		}
	}()

	now := s.now(req.Now)
	nowNs := now.UnixNano()
	newExpNs := now.Add(req.TTL).UnixNano()

	res, err := s.db.ExecContext(ctx, `
UPDATE locks
SET expiry_ns = ?,
    version = version + 1,
    updated_at_ns = ?
WHERE resource = ?
  AND value = ?
  AND expiry_ns > ?;
`, newExpNs, nowNs, req.Resource, req.Value, nowNs)
	if err != nil {
		if isSQLiteBusy(err) {
			s.incBusy("extend")
			s.observeLatency("extend", start)
			return ExtendIfMatchResult{Busy: true}, nil
		}
		logErrMsg = err.Error()
		return ExtendIfMatchResult{}, err
	}

	aff, _ := res.RowsAffected()
	if aff != 1 {
		s.incResult("extend", "refused")
		s.observeLatency("extend", start)
		return ExtendIfMatchResult{Extended: false}, nil
	}

	logExtended = true
	s.incResult("extend", "ok")
	s.observeLatency("extend", start)
	return ExtendIfMatchResult{Extended: true, Expiry: time.Unix(0, newExpNs)}, nil
}

// DeleteIfMatch deletes the entry only if the current value matches.
// Deleting an already-expired entry with the same value still reports
// Released; either way the resource ends up acquirable.
func (s *Service) DeleteIfMatch(ctx context.Context, req DeleteIfMatchRequest) (DeleteIfMatchResult, error) {
	if req.Resource == "" || req.Value == "" {
		return DeleteIfMatchResult{}, fmt.Errorf("resource and value required")
	}

	start := time.Now()
	var logReleased bool
	var logErrMsg string
	defer func() {
		if s.logger == nil {
			return
		}
		fields := map[string]interface{}{
			"op":         "release",
			"resource":   req.Resource,
			"released":   logReleased,
			"latency_ms": time.Since(start).Milliseconds(),
		}
		if logErrMsg != "" {
			fields["error"] = logErrMsg
			s.logger.Error(fields)
		} else {
			s.logger.Info(fields)
		}
	}()

	res, err := s.db.ExecContext(ctx, `
DELETE FROM locks WHERE resource = ? AND value = ?;
`, req.Resource, req.Value)
	if err != nil {
		if isSQLiteBusy(err) {
			s.incBusy("release")
			s.observeLatency("release", start)
			return DeleteIfMatchResult{Busy: true}, nil
		}
		logErrMsg = err.Error()
		return DeleteIfMatchResult{}, err
	}

	aff, _ := res.RowsAffected()
	if aff == 1 {
		logReleased = true
		s.incResult("release", "ok")
		s.observeLatency("release", start)
		return DeleteIfMatchResult{Released: true}, nil
	}

	s.incResult("release", "refused")
	s.observeLatency("release", start)
	return DeleteIfMatchResult{Released: false}, nil
}

func (s *Service) Get(ctx context.Context, resource string, now time.Time) (Snapshot, error) {
	if resource == "" {
		return Snapshot{}, fmt.Errorf("resource required")
	}
	n := s.now(now).UnixNano()

	var (
		value sql.NullString
		expNs int64
		ver   int64
	)

	err := s.db.QueryRowContext(ctx, `
SELECT value, expiry_ns, version FROM locks WHERE resource = ?;
`, resource).Scan(&value, &expNs, &ver)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{Resource: resource, Held: false}, nil
	}
	if err != nil {
		return Snapshot{}, err
	}

	held := value.Valid && expNs > n
	return Snapshot{
		Resource: resource,
		Held:     held,
		Value:    value.String,
		Expiry:   time.Unix(0, expNs),
		Version:  ver,
	}, nil
}
