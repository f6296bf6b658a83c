package lease

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mirkobrombin/go-lease/v1/adapter"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

// newFakeClock starts on a whole second so record expiry does not lose a
// fraction of the ttl to truncation.
func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// stubBackend counts calls and can fail them.
type stubBackend struct {
	adapter.Backend
	calls     atomic.Int32
	createErr error
	renewErr  error
	deleteErr error
}

func (s *stubBackend) Create(ctx context.Context, table string, rec adapter.Record) (bool, error) {
	s.calls.Add(1)
	if s.createErr != nil {
		return false, s.createErr
	}
	return s.Backend.Create(ctx, table, rec)
}

func (s *stubBackend) Renew(ctx context.Context, table, key, token string, next adapter.Record) (bool, error) {
	s.calls.Add(1)
	if s.renewErr != nil {
		return false, s.renewErr
	}
	return s.Backend.Renew(ctx, table, key, token, next)
}

func (s *stubBackend) Delete(ctx context.Context, table, key, token string) (bool, error) {
	s.calls.Add(1)
	if s.deleteErr != nil {
		return false, s.deleteErr
	}
	return s.Backend.Delete(ctx, table, key, token)
}

func (s *stubBackend) Describe(ctx context.Context, table string) (adapter.TableDescription, error) {
	s.calls.Add(1)
	return s.Backend.Describe(ctx, table)
}

// newBackend returns a provisioned in-memory backend driven by clock.
func newBackend(t *testing.T, clock *fakeClock) *adapter.InMemory {
	t.Helper()
	b := adapter.NewInMemory(adapter.WithClock(clock.Now))
	if err := b.Provision(context.Background(), DefaultTable); err != nil {
		t.Fatalf("provision: %v", err)
	}
	return b
}

func newClient(t *testing.T, b adapter.Backend, clock *fakeClock, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithTTL(2 * time.Second), WithAcquireCooldown(20 * time.Millisecond), WithClock(clock.Now)}, opts...)
	c, err := New(context.Background(), b, opts...)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

// eventually polls cond until it holds or the timeout passes.
func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}
