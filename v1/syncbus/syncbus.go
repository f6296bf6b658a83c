// Package syncbus carries release notifications between lease clients. A
// holder that deletes its record publishes on the key's unlock channel and
// waiting acquirers retry right away instead of sleeping out their cooldown.
// Delivery is best effort; a missed notification only costs one cooldown.
package syncbus

import (
	"context"
	"sync"
	"sync/atomic"
)

// Bus provides a simple pub/sub mechanism used to propagate release
// notifications across processes.
type Bus interface {
	Publish(ctx context.Context, key string) error
	Subscribe(ctx context.Context, key string) (chan struct{}, error)
	Unsubscribe(ctx context.Context, key string, ch chan struct{}) error
}

// UnlockChannel returns the channel released leases of key in table are
// announced on.
func UnlockChannel(table, key string) string {
	return "unlock:" + table + ":" + key
}

// InMemoryBus is a local implementation of Bus for a single process.
type InMemoryBus struct {
	mu        sync.Mutex
	subs      map[string][]chan struct{}
	published uint64
	delivered uint64
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{subs: make(map[string][]chan struct{})}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	atomic.AddUint64(&b.published, 1)
	atomic.AddUint64(&b.delivered, deliver(b.subs[key]))
	return nil
}

// deliver notifies every channel without blocking and returns how many
// accepted. Channels are closed only under the owning bus mutex, which the
// caller holds.
func deliver(chans []chan struct{}) uint64 {
	var n uint64
	for _, ch := range chans {
		select {
		case ch <- struct{}{}:
			n++
		default:
		}
	}
	return n
}

// Subscribe implements Bus.Subscribe.
func (b *InMemoryBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	b.subs[key] = append(b.subs[key], ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	removeChan(b.subs, key, ch)
	return nil
}

// removeChan drops ch from subs[key], closing it, and deletes the key once
// no channel is left. It reports whether the key has no subscribers.
func removeChan(subs map[string][]chan struct{}, key string, ch chan struct{}) bool {
	list := subs[key]
	for i, c := range list {
		if c == ch {
			list[i] = list[len(list)-1]
			list = list[:len(list)-1]
			close(c)
			break
		}
	}
	if len(list) == 0 {
		delete(subs, key)
		return true
	}
	subs[key] = list
	return false
}

// Metrics reports how many notifications a bus sent and handed to
// subscribers.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{
		Published: atomic.LoadUint64(&b.published),
		Delivered: atomic.LoadUint64(&b.delivered),
	}
}
