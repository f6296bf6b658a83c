package main

import (
	"context"
	"flag"
	"log"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"

	"github.com/mirkobrombin/go-lease/v1/lease"
	"github.com/mirkobrombin/go-lease/v1/presets"
)

var (
	concurrency = flag.Int("c", 16, "Number of concurrent workers")
	requests    = flag.Int("n", 2000, "Total number of acquire/release cycles")
	keys        = flag.Int("k", 4, "Number of distinct keys")
	addr        = flag.String("addr", "", "Redis address (empty starts an in-process server)")
	maxWait     = flag.Duration("wait", 5*time.Second, "Maximum wait per acquire")
)

func main() {
	flag.Parse()

	if *addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			log.Fatalf("miniredis: %v", err)
		}
		defer mr.Close()
		*addr = mr.Addr()
	}
	log.Printf("Starting benchmark: %d cycles, %d workers, %d keys on %s", *requests, *concurrency, *keys, *addr)

	ctx := context.Background()
	s, err := presets.NewRedis(ctx, presets.RedisOptions{Addr: *addr, Provision: true},
		lease.WithTTL(10*time.Second), lease.WithAcquireCooldown(5*time.Millisecond))
	if err != nil {
		log.Fatalf("Setup failed: %v", err)
	}
	defer s.Close()

	prefix := uuid.NewString()
	names := make([]string, *keys)
	for i := range names {
		names[i] = prefix + "-" + string(rune('a'+i%26))
	}

	var (
		wg          sync.WaitGroup
		mu          sync.Mutex
		latencies   []time.Duration
		errorsCount int64
	)
	perWorker := *requests / *concurrency
	start := time.Now()
	for w := 0; w < *concurrency; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			local := make([]time.Duration, 0, perWorker)
			for j := 0; j < perWorker; j++ {
				key := names[(w+j)%len(names)]
				t0 := time.Now()
				l, err := s.AcquireTimeout(ctx, key, *maxWait)
				if err != nil {
					atomic.AddInt64(&errorsCount, 1)
					continue
				}
				local = append(local, time.Since(t0))
				l.Release()
			}
			mu.Lock()
			latencies = append(latencies, local...)
			mu.Unlock()
		}(w)
	}
	wg.Wait()
	elapsed := time.Since(start)

	if len(latencies) == 0 {
		log.Fatalf("No lease acquired, %d errors", errorsCount)
	}
	slices.Sort(latencies)
	pct := func(p float64) time.Duration { return latencies[int(float64(len(latencies)-1)*p)] }

	log.Printf("Finished in %v", elapsed)
	log.Printf("Throughput: %.2f leases/s", float64(len(latencies))/elapsed.Seconds())
	log.Printf("Acquire latency p50=%v p90=%v p99=%v max=%v", pct(0.5), pct(0.9), pct(0.99), latencies[len(latencies)-1])
	if errorsCount > 0 {
		log.Printf("Errors: %d", errorsCount)
	}
}
