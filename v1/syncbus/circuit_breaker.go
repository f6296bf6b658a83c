package syncbus

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while a CircuitBreakerBus rejects calls.
var ErrCircuitOpen = errors.New("syncbus: circuit open")

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerProbing
)

// CircuitBreakerBus guards a remote Bus. After threshold consecutive failed
// calls it rejects Publish and Subscribe with ErrCircuitOpen for cooldown,
// then lets one probe call through; the probe's outcome closes or reopens
// the circuit. Lease waiters treat a rejected Subscribe as "no
// notifications" and poll, so an unreachable bus never blocks acquisition.
type CircuitBreakerBus struct {
	bus       Bus
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	state    breakerState
	failures int
	openedAt time.Time
}

// NewCircuitBreaker wraps bus. A threshold below 1 is treated as 1.
func NewCircuitBreaker(bus Bus, threshold int, cooldown time.Duration) *CircuitBreakerBus {
	return &CircuitBreakerBus{
		bus:       bus,
		threshold: max(threshold, 1),
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// IsHealthy reports whether the next call would reach the wrapped bus.
func (cb *CircuitBreakerBus) IsHealthy() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case breakerOpen:
		return cb.now().Sub(cb.openedAt) >= cb.cooldown
	case breakerProbing:
		return false
	}
	return true
}

func (cb *CircuitBreakerBus) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if cb.now().Sub(cb.openedAt) >= cb.cooldown {
			cb.state = breakerProbing
			return true
		}
	}
	return false
}

func (cb *CircuitBreakerBus) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err == nil {
		cb.state, cb.failures = breakerClosed, 0
		return
	}
	cb.failures++
	if cb.state == breakerProbing || cb.failures >= cb.threshold {
		cb.state, cb.openedAt = breakerOpen, cb.now()
	}
}

// Publish implements Bus.
func (cb *CircuitBreakerBus) Publish(ctx context.Context, key string) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}
	err := cb.bus.Publish(ctx, key)
	cb.record(err)
	return err
}

// Subscribe implements Bus.
func (cb *CircuitBreakerBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	if !cb.allow() {
		return nil, ErrCircuitOpen
	}
	ch, err := cb.bus.Subscribe(ctx, key)
	cb.record(err)
	return ch, err
}

// Unsubscribe implements Bus. It is never rejected.
func (cb *CircuitBreakerBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	return cb.bus.Unsubscribe(ctx, key, ch)
}
