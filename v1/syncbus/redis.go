package syncbus

import (
	"context"
	stdErrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	leaseerrors "github.com/mirkobrombin/go-lease/v1/errors"
)

const redisBusTimeout = 5 * time.Second

var tracer = otel.Tracer("github.com/mirkobrombin/go-lease/v1/syncbus")

// RedisBus implements Bus using Redis pub/sub. Each key maps to a channel.
type RedisBus struct {
	client    redis.UniversalClient
	mu        sync.Mutex
	subs      map[string][]chan struct{}
	pubsubs   map[string]*redis.PubSub
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewRedisBus returns a new RedisBus using the provided Redis client.
func NewRedisBus(client redis.UniversalClient) *RedisBus {
	return &RedisBus{
		client:  client,
		subs:    make(map[string][]chan struct{}),
		pubsubs: make(map[string]*redis.PubSub),
	}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, key string) error {
	ctx, span := tracer.Start(ctx, "RedisBus.Publish", trace.WithAttributes(attribute.String("lease.bus.key", key)))
	defer span.End()

	if err := ctx.Err(); err != nil {
		return leaseerrors.FromContext(err)
	}
	cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
	defer cancel()
	if err := b.client.Publish(cctx, key, uuid.NewString()).Err(); err != nil {
		span.RecordError(err)
		return redisBusError(err)
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *RedisBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, leaseerrors.FromContext(err)
	}
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	if _, ok := b.pubsubs[key]; !ok {
		cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
		ps := b.client.Subscribe(cctx, key)
		_, err := ps.Receive(cctx)
		cancel()
		if err != nil {
			b.mu.Unlock()
			_ = ps.Close()
			return nil, redisBusError(err)
		}
		b.pubsubs[key] = ps
		go b.dispatch(key, ps)
	}
	b.subs[key] = append(b.subs[key], ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
	return ch, nil
}

func (b *RedisBus) dispatch(key string, ps *redis.PubSub) {
	for range ps.Channel() {
		b.mu.Lock()
		b.delivered.Add(deliver(b.subs[key]))
		b.mu.Unlock()
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *RedisBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	b.mu.Lock()
	if _, ok := b.subs[key]; !ok {
		b.mu.Unlock()
		return nil
	}
	if !removeChan(b.subs, key, ch) {
		b.mu.Unlock()
		return nil
	}
	ps := b.pubsubs[key]
	delete(b.pubsubs, key)
	b.mu.Unlock()
	if ps == nil {
		return nil
	}
	return redisBusError(ps.Close())
}

// Close drops every subscription, closing subscriber channels.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, ps := range b.pubsubs {
		_ = ps.Close()
		for _, ch := range b.subs[key] {
			close(ch)
		}
	}
	b.subs = make(map[string][]chan struct{})
	b.pubsubs = make(map[string]*redis.PubSub)
	return nil
}

// Metrics returns the published and delivered counts.
func (b *RedisBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}

func redisBusError(err error) error {
	if err == nil {
		return nil
	}
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return leaseerrors.ErrTimeout
	}
	if stdErrors.Is(err, redis.ErrClosed) {
		return leaseerrors.ErrConnectionClosed
	}
	return err
}
