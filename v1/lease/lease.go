package lease

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"github.com/mirkobrombin/go-lease/v1/lock"
	"github.com/mirkobrombin/go-lease/v1/metrics"
	"github.com/mirkobrombin/go-lease/v1/syncbus"
)

// State is the lifecycle state of a Lease.
type State int32

const (
	// StateActive means the lease is held and renewed in the background.
	StateActive State = iota
	// StateLost means a renewal failed. The lease no longer protects the
	// resource and is not renewed any more.
	StateLost
	// StateReleased means Release was called or the Lease was collected.
	StateReleased
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateLost:
		return "lost"
	case StateReleased:
		return "released"
	}
	return "unknown"
}

// Lease is a held lease. Keep the handle reachable for the whole critical
// section and release it with defer l.Release(). A Lease dropped without
// Release is released after it is garbage collected; that is a backstop for
// leaked handles, not a way to end a critical section.
type Lease struct {
	st      *state
	cleanup runtime.Cleanup
}

// state is everything the renewal goroutine and the release path need. It
// must never point back to its Lease, otherwise the Lease stays reachable
// forever and is never collected.
type state struct {
	c     *Client
	key   string
	guard *lock.Guard

	// mu serializes renewal and release on token.
	mu    sync.Mutex
	token string

	status    atomic.Int32
	done      chan struct{}
	closeOnce sync.Once
}

func (c *Client) newLease(key, token string, g *lock.Guard) *Lease {
	st := &state{c: c, key: key, guard: g, token: token, done: make(chan struct{})}
	l := &Lease{st: st}
	l.cleanup = runtime.AddCleanup(l, func(st *state) { st.release() }, st)
	if c.metrics {
		metrics.ActiveGauge.Inc()
	}
	go c.renewLoop(weak.Make(l), st)
	return l
}

// Key returns the leased key.
func (l *Lease) Key() string {
	return l.st.key
}

// Token returns the last fencing token this process stored for the lease.
func (l *Lease) Token() string {
	l.st.mu.Lock()
	defer l.st.mu.Unlock()
	return l.st.token
}

// State returns the current state of the lease.
func (l *Lease) State() State {
	return State(l.st.status.Load())
}

// Done is closed once the lease is lost or released.
func (l *Lease) Done() <-chan struct{} {
	return l.st.done
}

// Release gives up the lease. It returns immediately: the local lock is
// freed at once and the record is deleted in the background. Calling it more
// than once is a no-op.
func (l *Lease) Release() {
	l.cleanup.Stop()
	l.st.release()
}

func (st *state) closeDone() {
	st.closeOnce.Do(func() { close(st.done) })
}

func (st *state) release() {
	for {
		cur := st.status.Load()
		if State(cur) == StateReleased {
			return
		}
		if st.status.CompareAndSwap(cur, int32(StateReleased)) {
			break
		}
	}
	st.closeDone()
	st.guard.Release()
	if st.c.metrics {
		metrics.ActiveGauge.Dec()
	}
	go st.c.deleteRecord(st)
}

// deleteRecord removes the remote record once any in-flight renewal has
// finished. Failures are logged and left to native expiry.
func (c *Client) deleteRecord(st *state) {
	st.mu.Lock()
	defer st.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.ttl)
	defer cancel()
	ok, err := c.release(ctx, st.key, st.token)
	switch {
	case err != nil:
		c.countRelease("error")
		c.logger.Warn("lease release failed, record left to expire", "key", st.key, "error", err)
		return
	case !ok:
		c.countRelease("absent")
		c.logger.Debug("lease already released", "key", st.key)
		return
	}
	c.countRelease("released")
	if c.bus != nil {
		if err := c.bus.Publish(ctx, syncbus.UnlockChannel(c.table, st.key)); err != nil {
			c.logger.Warn("release notification failed", "key", st.key, "error", err)
		}
	}
}

// renewLoop renews st every renew period until the lease is lost, released
// or collected. It holds l only weakly.
func (c *Client) renewLoop(l weak.Pointer[Lease], st *state) {
	ticker := time.NewTicker(c.renewEvery)
	defer ticker.Stop()
	for {
		select {
		case <-st.done:
			return
		case <-ticker.C:
		}
		held := l.Value()
		if held == nil {
			return
		}
		ok := c.renewState(st)
		runtime.KeepAlive(held)
		if !ok {
			return
		}
	}
}

// renewState renews the record under the token lock. Any failure marks the
// lease lost.
func (c *Client) renewState(st *state) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if State(st.status.Load()) != StateActive {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.ttl)
	defer cancel()
	token, ok, err := c.renew(ctx, st.key, st.token)
	if err == nil && ok {
		st.token = token
		c.countRenew("renewed")
		return true
	}

	if !st.status.CompareAndSwap(int32(StateActive), int32(StateLost)) {
		// released meanwhile
		return false
	}
	st.closeDone()
	if err != nil {
		c.countRenew("error")
		c.logger.Warn("lease renewal failed, lease lost", "key", st.key, "error", err)
	} else {
		c.countRenew("lost")
		c.logger.Warn("lease taken over or expired, lease lost", "key", st.key)
	}
	return false
}

func (c *Client) countRenew(result string) {
	if c.metrics {
		metrics.RenewCounter.WithLabelValues(result).Inc()
	}
}

func (c *Client) countRelease(result string) {
	if c.metrics {
		metrics.ReleaseCounter.WithLabelValues(result).Inc()
	}
}
