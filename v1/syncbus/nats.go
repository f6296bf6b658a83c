package syncbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	nats "github.com/nats-io/nats.go"
)

const natsFlushTimeout = 5 * time.Second

// NATSBus implements Bus using a NATS backend. Each key maps to a subject.
type NATSBus struct {
	conn      *nats.Conn
	mu        sync.Mutex
	subs      map[string][]chan struct{}
	natsSubs  map[string]*nats.Subscription
	published uint64
	delivered uint64
}

// NewNATSBus returns a new NATSBus using the provided connection.
func NewNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{
		conn:     conn,
		subs:     make(map[string][]chan struct{}),
		natsSubs: make(map[string]*nats.Subscription),
	}
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.conn.Publish(key, []byte(uuid.NewString())); err != nil {
		return err
	}
	atomic.AddUint64(&b.published, 1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *NATSBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	if _, ok := b.natsSubs[key]; !ok {
		ns, err := b.conn.Subscribe(key, func(_ *nats.Msg) {
			b.mu.Lock()
			atomic.AddUint64(&b.delivered, deliver(b.subs[key]))
			b.mu.Unlock()
		})
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		b.natsSubs[key] = ns
	}
	b.subs[key] = append(b.subs[key], ch)
	b.mu.Unlock()

	if err := b.conn.FlushTimeout(natsFlushTimeout); err != nil {
		_ = b.Unsubscribe(context.Background(), key, ch)
		return nil, err
	}

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	b.mu.Lock()
	if _, ok := b.subs[key]; !ok {
		b.mu.Unlock()
		return nil
	}
	if !removeChan(b.subs, key, ch) {
		b.mu.Unlock()
		return nil
	}
	ns := b.natsSubs[key]
	delete(b.natsSubs, key)
	b.mu.Unlock()
	if ns == nil {
		return nil
	}
	return ns.Unsubscribe()
}

// Metrics returns the published and delivered counts.
func (b *NATSBus) Metrics() Metrics {
	return Metrics{
		Published: atomic.LoadUint64(&b.published),
		Delivered: atomic.LoadUint64(&b.delivered),
	}
}
