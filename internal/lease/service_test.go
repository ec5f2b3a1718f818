package lease_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"retrainlock/internal/lease"
	"retrainlock/internal/storage"
)

func openTestService(t *testing.T) *lease.Service {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "lockstored_test.db")

	db, err := storage.Open(context.Background(), storage.Config{
		Path:         dbPath,
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 20,
		MaxIdleConns: 20,
	})
	if err != nil {
		t.Fatalf("db open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	return lease.NewService(db.DB, nil, nil)
}

func TestSetIfAbsentBasic(t *testing.T) {
	svc := openTestService(t)
	ctx := context.Background()

	r1, err := svc.SetIfAbsent(ctx, lease.SetIfAbsentRequest{
		Resource: "retrain",
		Value:    "v-a",
		TTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("acquire err: %v", err)
	}
	if !r1.Acquired {
		t.Fatalf("expected acquired=true on empty store")
	}
	if r1.Expiry.IsZero() {
		t.Fatalf("expected expiry to be set")
	}

	// Same resource, different value: refused while unexpired.
	r2, err := svc.SetIfAbsent(ctx, lease.SetIfAbsentRequest{
		Resource: "retrain",
		Value:    "v-b",
		TTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("acquire err: %v", err)
	}
	if r2.Acquired {
		t.Fatalf("expected refusal while held")
	}
	if r2.Busy {
		t.Fatalf("a clean refusal must not be reported as busy")
	}
	if r2.CurrentExpiry.IsZero() {
		t.Fatalf("refusal should carry the current expiry")
	}

	// A different resource is independent.
	r3, err := svc.SetIfAbsent(ctx, lease.SetIfAbsentRequest{
		Resource: "other",
		Value:    "v-b",
		TTL:      time.Minute,
	})
	if err != nil || !r3.Acquired {
		t.Fatalf("expected independent resource to acquire; got %+v err=%v", r3, err)
	}
}

func TestExpiredEntryBehavesAsAbsent(t *testing.T) {
	svc := openTestService(t)
	ctx := context.Background()

	t0 := time.Now()
	if _, err := svc.SetIfAbsent(ctx, lease.SetIfAbsentRequest{
		Resource: "retrain",
		Value:    "v-a",
		TTL:      time.Second,
		Now:      t0,
	}); err != nil {
		t.Fatalf("acquire err: %v", err)
	}

	// One nanosecond before expiry: still held.
	held, err := svc.SetIfAbsent(ctx, lease.SetIfAbsentRequest{
		Resource: "retrain",
		Value:    "v-b",
		TTL:      time.Second,
		Now:      t0.Add(time.Second - time.Nanosecond),
	})
	if err != nil || held.Acquired {
		t.Fatalf("expected refusal just before expiry; got %+v err=%v", held, err)
	}

	// At expiry: the row behaves exactly like an absent one.
	free, err := svc.SetIfAbsent(ctx, lease.SetIfAbsentRequest{
		Resource: "retrain",
		Value:    "v-b",
		TTL:      time.Second,
		Now:      t0.Add(time.Second),
	})
	if err != nil || !free.Acquired {
		t.Fatalf("expected acquisition at expiry; got %+v err=%v", free, err)
	}
}

func TestExtendIfMatch(t *testing.T) {
	svc := openTestService(t)
	ctx := context.Background()

	t0 := time.Now()
	if _, err := svc.SetIfAbsent(ctx, lease.SetIfAbsentRequest{
		Resource: "retrain",
		Value:    "v-a",
		TTL:      time.Second,
		Now:      t0,
	}); err != nil {
		t.Fatalf("acquire err: %v", err)
	}

	// Holder extends: expiry moves to now+ttl.
	er, err := svc.ExtendIfMatch(ctx, lease.ExtendIfMatchRequest{
		Resource: "retrain",
		Value:    "v-a",
		TTL:      time.Second,
		Now:      t0.Add(500 * time.Millisecond),
	})
	if err != nil || !er.Extended {
		t.Fatalf("expected extend to succeed; got %+v err=%v", er, err)
	}
	want := t0.Add(1500 * time.Millisecond)
	if !er.Expiry.Equal(want) {
		t.Fatalf("expected expiry %v got %v", want, er.Expiry)
	}

	// Wrong value: refused, expiry untouched.
	er2, err := svc.ExtendIfMatch(ctx, lease.ExtendIfMatchRequest{
		Resource: "retrain",
		Value:    "v-b",
		TTL:      time.Minute,
		Now:      t0.Add(600 * time.Millisecond),
	})
	if err != nil || er2.Extended {
		t.Fatalf("expected refusal for non-holder; got %+v err=%v", er2, err)
	}

	// Expired entry cannot be extended even by the old holder.
	er3, err := svc.ExtendIfMatch(ctx, lease.ExtendIfMatchRequest{
		Resource: "retrain",
		Value:    "v-a",
		TTL:      time.Minute,
		Now:      t0.Add(10 * time.Second),
	})
	if err != nil || er3.Extended {
		t.Fatalf("expected refusal after expiry; got %+v err=%v", er3, err)
	}
}

func TestDeleteIfMatch(t *testing.T) {
	svc := openTestService(t)
	ctx := context.Background()

	if _, err := svc.SetIfAbsent(ctx, lease.SetIfAbsentRequest{
		Resource: "retrain",
		Value:    "v-a",
		TTL:      time.Minute,
	}); err != nil {
		t.Fatalf("acquire err: %v", err)
	}

	// Wrong value must not clobber the holder.
	dr, err := svc.DeleteIfMatch(ctx, lease.DeleteIfMatchRequest{
		Resource: "retrain",
		Value:    "v-b",
	})
	if err != nil || dr.Released {
		t.Fatalf("expected refusal for non-holder; got %+v err=%v", dr, err)
	}

	snap, err := svc.Get(ctx, "retrain", time.Now())
	if err != nil || !snap.Held {
		t.Fatalf("expected lock still held after foreign delete; got %+v err=%v", snap, err)
	}

	// Matching value deletes.
	dr2, err := svc.DeleteIfMatch(ctx, lease.DeleteIfMatchRequest{
		Resource: "retrain",
		Value:    "v-a",
	})
	if err != nil || !dr2.Released {
		t.Fatalf("expected release; got %+v err=%v", dr2, err)
	}

	// Repeat delete is a refusal, not an error: release is idempotent
	// at the protocol level.
	dr3, err := svc.DeleteIfMatch(ctx, lease.DeleteIfMatchRequest{
		Resource: "retrain",
		Value:    "v-a",
	})
	if err != nil || dr3.Released {
		t.Fatalf("expected refusal on repeat; got %+v err=%v", dr3, err)
	}

	snap, err = svc.Get(ctx, "retrain", time.Now())
	if err != nil || snap.Held {
		t.Fatalf("expected lock free; got %+v err=%v", snap, err)
	}
}

func TestSingleHolderUnderContention(t *testing.T) {
	svc := openTestService(t)

	const (
		resource = "hotlock"
		clients  = 40
	)
	ttl := 120 * time.Millisecond
	hold := 5 * time.Millisecond
	testDur := 3 * time.Second

	var acquireOK int64
	var acquireFail int64
	var releaseOK int64
	var opErrors int64
	var violations int64
	var inCrit int32

	runCtx, cancel := context.WithTimeout(context.Background(), testDur)
	defer cancel()

	wg := sync.WaitGroup{}
	wg.Add(clients)

	for i := 0; i < clients; i++ {
		i := i
		go func() {
			defer wg.Done()

			value := fmt.Sprintf("c-%d", i)

			for runCtx.Err() == nil {
				ar, err := svc.SetIfAbsent(runCtx, lease.SetIfAbsentRequest{
					Resource: resource,
					Value:    value,
					TTL:      ttl,
				})
				if err != nil {
					atomic.AddInt64(&opErrors, 1)
					continue
				}
				if ar.Busy {
					sleep := ar.RetryAfter
					if sleep <= 0 {
						sleep = 10 * time.Millisecond
					}
					time.Sleep(sleep)
					continue
				}
				if !ar.Acquired {
					atomic.AddInt64(&acquireFail, 1)
					time.Sleep(10 * time.Millisecond)
					continue
				}

				atomic.AddInt64(&acquireOK, 1)

				// Critical section: one holder at a time, always.
				if atomic.AddInt32(&inCrit, 1) != 1 {
					atomic.AddInt64(&violations, 1)
				}
				time.Sleep(hold)
				atomic.AddInt32(&inCrit, -1)

				rr, err := svc.DeleteIfMatch(runCtx, lease.DeleteIfMatchRequest{
					Resource: resource,
					Value:    value,
				})
				if err != nil {
					atomic.AddInt64(&opErrors, 1)
				} else if rr.Released {
					atomic.AddInt64(&releaseOK, 1)
				}

				time.Sleep(2 * time.Millisecond)
			}
		}()
	}

	wg.Wait()

	if acquireOK == 0 {
		t.Fatalf("no successful acquisitions; test exercised nothing")
	}
	if violations != 0 {
		t.Fatalf("mutual exclusion violated %d times", violations)
	}

	totalAttempts := acquireOK + acquireFail
	contentionRate := float64(acquireFail) / float64(totalAttempts) * 100

	t.Log("\n================= Lock Store Contention Report =================")
	t.Logf("Duration:            %v", testDur)
	t.Logf("Clients:             %d", clients)
	t.Logf("Acquire Success:     %d", acquireOK)
	t.Logf("Acquire Fail (held): %d", acquireFail)
	t.Logf("Contention Rate:     %.2f%%", contentionRate)
	t.Logf("Release Success:     %d", releaseOK)
	t.Logf("Operational Errors:  %d", opErrors)
	t.Logf("Exclusion Violations: %d", violations)
	t.Log("================================================================")
}
