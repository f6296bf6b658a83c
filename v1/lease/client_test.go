package lease

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/mirkobrombin/go-lease/v1/adapter"
	leaseerrors "github.com/mirkobrombin/go-lease/v1/errors"
	"github.com/mirkobrombin/go-lease/v1/syncbus"
	"github.com/mirkobrombin/go-lease/v1/validator"
)

func TestNewDefaults(t *testing.T) {
	b := newBackend(t, newFakeClock())
	c, err := New(context.Background(), b)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if c.Table() != "leases" || c.TTL() != 60*time.Second || c.RenewEvery() != 30*time.Second || c.AcquireCooldown() != time.Second {
		t.Fatalf("unexpected defaults: %s %v %v %v", c.Table(), c.TTL(), c.RenewEvery(), c.AcquireCooldown())
	}
}

func TestNewConfigErrorsBeforeBackend(t *testing.T) {
	cases := map[string]struct {
		opts []Option
		want error
	}{
		"ttl too short":      {[]Option{WithTTL(time.Second)}, ErrInvalidTTL},
		"ttl fractional":     {[]Option{WithTTL(2500 * time.Millisecond)}, ErrInvalidTTL},
		"renew equals ttl":   {[]Option{WithTTL(10 * time.Second), WithRenewEvery(10 * time.Second)}, ErrInvalidRenewPeriod},
		"renew above ttl":    {[]Option{WithTTL(10 * time.Second), WithRenewEvery(time.Minute)}, ErrInvalidRenewPeriod},
		"renew zero":         {[]Option{WithRenewEvery(0)}, ErrInvalidRenewPeriod},
		"cooldown zero":      {[]Option{WithAcquireCooldown(0)}, ErrInvalidCooldown},
		"cooldown negative":  {[]Option{WithAcquireCooldown(-time.Second)}, ErrInvalidCooldown},
		"cooldown short ttl": {[]Option{WithTTL(2 * time.Second), WithAcquireCooldown(-1)}, ErrInvalidCooldown},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			sb := &stubBackend{Backend: newBackend(t, newFakeClock())}
			if _, err := New(context.Background(), sb, tc.opts...); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if n := sb.calls.Load(); n != 0 {
				t.Fatalf("backend called %d times before config validation", n)
			}
		})
	}
}

func TestNewSchemaErrors(t *testing.T) {
	good := adapter.LeaseTable(DefaultTable)
	noHash := good
	noHash.Keys = []adapter.KeyAttribute{{Name: "id", Type: adapter.TypeString, Role: adapter.RoleHash}}
	wrongType := good
	wrongType.Keys = []adapter.KeyAttribute{{Name: adapter.KeyField, Type: adapter.TypeBinary, Role: adapter.RoleHash}}
	noExpiry := good
	noExpiry.ExpiryEnabled = false

	cases := map[string]struct {
		desc adapter.TableDescription
		want error
	}{
		"missing hash key": {noHash, validator.ErrKeySchema},
		"wrong key type":   {wrongType, validator.ErrKeyType},
		"no expiry":        {noExpiry, validator.ErrExpiry},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			b := adapter.NewInMemory(adapter.WithDescription(tc.desc))
			if _, err := New(context.Background(), b); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	if _, err := New(context.Background(), adapter.NewInMemory()); !errors.Is(err, adapter.ErrTableNotFound) {
		t.Fatalf("expected ErrTableNotFound, got %v", err)
	}
	if _, err := New(context.Background(), adapter.NewInMemory(), WithoutSchemaCheck()); err != nil {
		t.Fatalf("schema check not skipped: %v", err)
	}
}

func TestTryAcquireExactlyOneWinner(t *testing.T) {
	clock := newFakeClock()
	b := newBackend(t, clock)
	clients := make([]*Client, 8)
	for i := range clients {
		clients[i] = newClient(t, b, clock)
	}

	var (
		wg    sync.WaitGroup
		wins  atomic.Int32
		mu    sync.Mutex
		held  []*Lease
		start = make(chan struct{})
	)
	for _, c := range clients {
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func(c *Client) {
				defer wg.Done()
				<-start
				l, err := c.TryAcquire(context.Background(), "job")
				if err != nil {
					t.Errorf("try acquire: %v", err)
					return
				}
				if l != nil {
					wins.Add(1)
					mu.Lock()
					held = append(held, l)
					mu.Unlock()
				}
			}(c)
		}
	}
	close(start)
	wg.Wait()
	if n := wins.Load(); n != 1 {
		t.Fatalf("expected exactly one winner, got %d", n)
	}
	for _, l := range held {
		l.Release()
	}
}

func TestTryAcquireWhileHeld(t *testing.T) {
	clock := newFakeClock()
	b := newBackend(t, clock)
	c := newClient(t, b, clock)
	other := newClient(t, b, clock)
	ctx := context.Background()

	l, err := c.TryAcquire(ctx, "job")
	if err != nil || l == nil {
		t.Fatalf("first try acquire: %v %v", l, err)
	}
	defer l.Release()
	for i := 0; i < 2; i++ {
		if l2, err := c.TryAcquire(ctx, "job"); err != nil || l2 != nil {
			t.Fatalf("same client attempt %d: expected not acquired, got %v %v", i, l2, err)
		}
		if l2, err := other.TryAcquire(ctx, "job"); err != nil || l2 != nil {
			t.Fatalf("other client attempt %d: expected not acquired, got %v %v", i, l2, err)
		}
	}
	if n := other.locks.Len(); n != 0 {
		t.Fatalf("failed attempts leaked %d local lock entries", n)
	}
}

func TestReleaseThenReacquire(t *testing.T) {
	clock := newFakeClock()
	b := newBackend(t, clock)
	c := newClient(t, b, clock)
	other := newClient(t, b, clock)
	ctx := context.Background()

	l, err := c.TryAcquire(ctx, "job")
	if err != nil || l == nil {
		t.Fatalf("try acquire: %v %v", l, err)
	}
	l.Release()
	if n := c.locks.Len(); n != 0 {
		t.Fatalf("expected local lock table compacted, got %d", n)
	}

	var l2 *Lease
	eventually(t, time.Second, func() bool {
		l2, _ = other.TryAcquire(ctx, "job")
		return l2 != nil
	}, "lease not reacquired after release")
	l2.Release()

	var l3 *Lease
	eventually(t, time.Second, func() bool {
		l3, _ = c.TryAcquire(ctx, "job")
		return l3 != nil
	}, "lease not reacquired by first client")
	l3.Release()
}

func TestAcquireBlocksUntilRelease(t *testing.T) {
	clock := newFakeClock()
	b := newBackend(t, clock)
	holder := newClient(t, b, clock)
	waiter := newClient(t, b, clock, WithAcquireCooldown(50*time.Millisecond))
	ctx := context.Background()

	l, err := holder.TryAcquire(ctx, "job")
	if err != nil || l == nil {
		t.Fatalf("try acquire: %v %v", l, err)
	}

	got := make(chan *Lease, 1)
	go func() {
		l2, err := waiter.Acquire(ctx, "job")
		if err != nil {
			t.Errorf("acquire: %v", err)
		}
		got <- l2
	}()

	select {
	case <-got:
		t.Fatal("acquire returned while lease held")
	case <-time.After(150 * time.Millisecond):
	}

	released := time.Now()
	l.Release()
	select {
	case l2 := <-got:
		if d := time.Since(released); d > 500*time.Millisecond {
			t.Fatalf("acquire took %v after release", d)
		}
		l2.Release()
	case <-time.After(2 * time.Second):
		t.Fatal("acquire did not return after release")
	}
}

func TestAcquireWaitsOnLocalLock(t *testing.T) {
	clock := newFakeClock()
	c := newClient(t, newBackend(t, clock), clock)
	ctx := context.Background()

	l, err := c.Acquire(ctx, "job")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	got := make(chan *Lease, 1)
	go func() {
		l2, err := c.Acquire(ctx, "job")
		if err != nil {
			t.Errorf("acquire: %v", err)
		}
		got <- l2
	}()
	select {
	case <-got:
		t.Fatal("second acquire returned while lease held")
	case <-time.After(50 * time.Millisecond):
	}
	l.Release()
	select {
	case l2 := <-got:
		l2.Release()
	case <-time.After(2 * time.Second):
		t.Fatal("second acquire did not return")
	}
}

func TestAcquireTimeout(t *testing.T) {
	clock := newFakeClock()
	b := newBackend(t, clock)
	holder := newClient(t, b, clock)
	waiter := newClient(t, b, clock, WithAcquireCooldown(30*time.Millisecond))
	ctx := context.Background()

	l, err := holder.TryAcquire(ctx, "job")
	if err != nil || l == nil {
		t.Fatalf("try acquire: %v %v", l, err)
	}
	defer l.Release()

	maxWait := 100 * time.Millisecond
	start := time.Now()
	l2, err := waiter.AcquireTimeout(ctx, "job", maxWait)
	elapsed := time.Since(start)
	if !errors.Is(err, ErrTimeout) || l2 != nil {
		t.Fatalf("expected ErrTimeout, got %v %v", l2, err)
	}
	if elapsed < maxWait {
		t.Fatalf("gave up after %v, before max wait", elapsed)
	}
	if elapsed > maxWait+400*time.Millisecond {
		t.Fatalf("waited %v, far beyond max wait", elapsed)
	}
	if n := waiter.locks.Len(); n != 0 {
		t.Fatalf("timeout leaked %d local lock entries", n)
	}
}

func TestAcquireTimeoutOnLocalLock(t *testing.T) {
	clock := newFakeClock()
	c := newClient(t, newBackend(t, clock), clock)
	ctx := context.Background()

	l, err := c.TryAcquire(ctx, "job")
	if err != nil || l == nil {
		t.Fatalf("try acquire: %v %v", l, err)
	}
	start := time.Now()
	if _, err := c.AcquireTimeout(ctx, "job", 50*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("local wait took %v", elapsed)
	}
	l.Release()
	if n := c.locks.Len(); n != 0 {
		t.Fatalf("expected empty lock table, got %d", n)
	}
}

func TestAcquireTimeoutSucceeds(t *testing.T) {
	clock := newFakeClock()
	c := newClient(t, newBackend(t, clock), clock)
	l, err := c.AcquireTimeout(context.Background(), "job", time.Second)
	if err != nil || l == nil {
		t.Fatalf("acquire timeout: %v %v", l, err)
	}
	l.Release()
}

func TestAcquireContextCancel(t *testing.T) {
	clock := newFakeClock()
	b := newBackend(t, clock)
	holder := newClient(t, b, clock)
	waiter := newClient(t, b, clock)

	l, _ := holder.TryAcquire(context.Background(), "job")
	defer l.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	if _, err := waiter.Acquire(ctx, "job"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if n := waiter.locks.Len(); n != 0 {
		t.Fatalf("cancelled acquire leaked %d local lock entries", n)
	}
}

func TestCreateErrorPropagates(t *testing.T) {
	clock := newFakeClock()
	boom := errors.New("boom")
	sb := &stubBackend{Backend: newBackend(t, clock), createErr: boom}
	c := newClient(t, sb, clock)

	if _, err := c.TryAcquire(context.Background(), "job"); !errors.Is(err, boom) {
		t.Fatalf("try acquire: expected boom, got %v", err)
	}
	if _, err := c.Acquire(context.Background(), "job"); !errors.Is(err, boom) {
		t.Fatalf("acquire: expected boom, got %v", err)
	}
	if _, err := c.AcquireTimeout(context.Background(), "job", time.Second); !errors.Is(err, boom) {
		t.Fatalf("acquire timeout: expected boom, got %v", err)
	}
	if n := c.locks.Len(); n != 0 {
		t.Fatalf("errors leaked %d local lock entries", n)
	}
}

func TestBackendTimeoutIsNotAcquireTimeout(t *testing.T) {
	clock := newFakeClock()
	sb := &stubBackend{Backend: newBackend(t, clock), createErr: leaseerrors.ErrTimeout}
	c := newClient(t, sb, clock)
	ctx := context.Background()

	if _, err := c.TryAcquire(ctx, "job"); !errors.Is(err, leaseerrors.ErrTimeout) || errors.Is(err, ErrTimeout) {
		t.Fatalf("try acquire: expected backend timeout only, got %v", err)
	}
	if _, err := c.Acquire(ctx, "job"); !errors.Is(err, leaseerrors.ErrTimeout) || errors.Is(err, ErrTimeout) {
		t.Fatalf("acquire: expected backend timeout only, got %v", err)
	}
	if _, err := c.AcquireTimeout(ctx, "job", time.Second); errors.Is(err, ErrTimeout) {
		t.Fatalf("acquire timeout: backend timeout reported as deadline overrun: %v", err)
	}
}

func TestRedisCallTimeoutIsNotAcquireTimeout(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	ctx := context.Background()
	if err := adapter.NewRedis(rc).Provision(ctx, DefaultTable); err != nil {
		t.Fatalf("provision: %v", err)
	}

	c, err := New(ctx, adapter.NewRedis(rc, adapter.WithTimeout(time.Nanosecond)), WithoutSchemaCheck(), WithTTL(2*time.Second))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = c.Acquire(ctx, "job")
	if err == nil || errors.Is(err, ErrTimeout) {
		t.Fatalf("expected a backend error distinct from ErrTimeout, got %v", err)
	}
}

func TestBusWakesWaiter(t *testing.T) {
	clock := newFakeClock()
	b := newBackend(t, clock)
	bus := syncbus.NewInMemoryBus()
	holder := newClient(t, b, clock, WithBus(bus))
	waiter := newClient(t, b, clock, WithBus(bus), WithAcquireCooldown(10*time.Second))
	ctx := context.Background()

	l, _ := holder.TryAcquire(ctx, "job")
	got := make(chan *Lease, 1)
	go func() {
		l2, err := waiter.Acquire(ctx, "job")
		if err != nil {
			t.Errorf("acquire: %v", err)
		}
		got <- l2
	}()
	// let the waiter fail once and subscribe
	time.Sleep(100 * time.Millisecond)
	l.Release()

	select {
	case l2 := <-got:
		l2.Release()
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not woken by release notification")
	}
	if m := bus.Metrics(); m.Published == 0 {
		t.Fatal("release was not published")
	}
}

func TestAcquireMetricsAndTracing(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	clock := newFakeClock()
	reg := prometheus.NewRegistry()
	c := newClient(t, newBackend(t, clock), clock, WithMetrics(reg), WithTracerProvider(tp))
	l, err := c.TryAcquire(context.Background(), "job")
	if err != nil || l == nil {
		t.Fatalf("try acquire: %v %v", l, err)
	}
	l.Release()

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, mf := range mfs {
		if mf.GetName() == "lease_acquire_total" {
			found = true
		}
	}
	if !found {
		t.Fatal("lease_acquire_total not registered")
	}

	spans := sr.Ended()
	if len(spans) == 0 || spans[0].Name() != "Client.Acquire" {
		t.Fatalf("expected Client.Acquire span, got %d spans", len(spans))
	}
}
