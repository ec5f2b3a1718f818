// lockload hammers a set of lock-store nodes with concurrent quorum
// acquisitions and verifies mutual exclusion from the outside: at most
// one in-process worker may be inside the critical section while its
// token is valid.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"retrainlock/pkg/distlock"
	"retrainlock/pkg/lockstore"
)

func main() {
	var (
		nodes       = flag.String("nodes", "http://localhost:8080", "comma-separated store node base URLs")
		resource    = flag.String("resource", "loadlock", "resource name")
		clients     = flag.Int("clients", 20, "number of concurrent workers")
		duration    = flag.Duration("duration", 20*time.Second, "test duration")
		ttl         = flag.Duration("ttl", 2*time.Second, "lease ttl")
		hold        = flag.Duration("hold", 30*time.Millisecond, "time spent in critical section")
		nodeTimeout = flag.Duration("node-timeout", 500*time.Millisecond, "per-node timeout")
		drift       = flag.Float64("drift", 0.01, "clock drift factor")
	)
	flag.Parse()

	httpc := &http.Client{Timeout: *nodeTimeout}
	var stores []distlock.Store
	for _, addr := range strings.Split(*nodes, ",") {
		addr = strings.TrimSpace(addr)
		if addr != "" {
			stores = append(stores, lockstore.New(addr, httpc))
		}
	}

	quorum, err := distlock.NewQuorum(stores, *nodeTimeout, *drift)
	if err != nil {
		fmt.Println("setup:", err)
		return
	}

	var (
		acqOK      int64
		acqFail    int64
		releaseOK  int64
		violations int64
		inCrit     int32
	)

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	start := time.Now()
	var wg sync.WaitGroup

	for i := 0; i < *clients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for ctx.Err() == nil {
				token, err := quorum.Acquire(ctx, *resource, *ttl)
				if err != nil {
					atomic.AddInt64(&acqFail, 1)
					time.Sleep(time.Duration(10+rand.Intn(40)) * time.Millisecond)
					continue
				}
				atomic.AddInt64(&acqOK, 1)

				// Critical section: exactly one worker at a time while
				// tokens are honored.
				if atomic.AddInt32(&inCrit, 1) != 1 {
					atomic.AddInt64(&violations, 1)
				}
				holdFor := *hold
				if remaining := token.Remaining(time.Now()); holdFor > remaining {
					holdFor = remaining / 2
				}
				if holdFor > 0 {
					time.Sleep(holdFor)
				}
				atomic.AddInt32(&inCrit, -1)

				if err := quorum.Release(context.Background(), token); err == nil {
					atomic.AddInt64(&releaseOK, 1)
				}
			}
		}()
	}

	wg.Wait()
	elapsed := time.Since(start)

	fmt.Printf("elapsed=%s nodes=%d clients=%d\n", elapsed.Round(time.Millisecond), len(stores), *clients)
	fmt.Printf("acquire ok=%d fail=%d release ok=%d\n", acqOK, acqFail, releaseOK)
	fmt.Printf("mutual exclusion violations=%d\n", violations)
	if violations > 0 {
		fmt.Println("FAIL: overlapping critical sections observed")
	}
}
