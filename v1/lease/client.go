package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	uuid "github.com/hashicorp/go-uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-lease/v1/adapter"
	"github.com/mirkobrombin/go-lease/v1/lock"
	"github.com/mirkobrombin/go-lease/v1/metrics"
	"github.com/mirkobrombin/go-lease/v1/syncbus"
	"github.com/mirkobrombin/go-lease/v1/validator"
)

const tracerName = "github.com/mirkobrombin/go-lease/v1/lease"

const (
	modeTry      = "try"
	modeBlocking = "blocking"
	modeTimeout  = "timeout"
)

// Client acquires leases on keys of one backend table. It is safe for
// concurrent use; all callers share its local lock table.
type Client struct {
	backend    adapter.Backend
	table      string
	ttl        time.Duration
	renewEvery time.Duration
	cooldown   time.Duration
	now        func() time.Time

	locks   *lock.Table
	bus     syncbus.Bus
	logger  *slog.Logger
	metrics bool
	tracer  trace.Tracer
}

// New returns a Client for backend. The configuration is validated before
// the backend is contacted; then, unless WithoutSchemaCheck is given, the
// table description is checked.
func New(ctx context.Context, backend adapter.Backend, opts ...Option) (*Client, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.reg != nil {
		if err := metrics.RegisterLeaseMetrics(cfg.reg); err != nil {
			return nil, fmt.Errorf("lease: register metrics: %w", err)
		}
	}
	var tracer trace.Tracer
	switch {
	case cfg.tp != nil:
		tracer = cfg.tp.Tracer(tracerName)
	case cfg.trace:
		tracer = otel.GetTracerProvider().Tracer(tracerName)
	}
	if cfg.schemaCheck {
		if err := validator.CheckTable(ctx, backend, cfg.table); err != nil {
			return nil, fmt.Errorf("lease: %w", err)
		}
	}
	return &Client{
		backend:    backend,
		table:      cfg.table,
		ttl:        cfg.ttl,
		renewEvery: cfg.renewEvery,
		cooldown:   cfg.cooldown,
		now:        cfg.now,
		locks:      lock.NewTable(),
		bus:        cfg.bus,
		logger:     cfg.logger.With("component", "lease", "table", cfg.table),
		metrics:    cfg.reg != nil,
		tracer:     tracer,
	}, nil
}

// Table returns the backend table name.
func (c *Client) Table() string { return c.table }

// TTL returns the lease time-to-live.
func (c *Client) TTL() time.Duration { return c.ttl }

// RenewEvery returns the renew period.
func (c *Client) RenewEvery() time.Duration { return c.renewEvery }

// AcquireCooldown returns the wait between acquire attempts.
func (c *Client) AcquireCooldown() time.Duration { return c.cooldown }

// TryAcquire makes a single attempt at the lease on key. It returns a nil
// Lease and nil error when the lease is held, locally or remotely.
func (c *Client) TryAcquire(ctx context.Context, key string) (l *Lease, err error) {
	ctx, done := c.startAcquire(ctx, modeTry, key)
	defer func() { done(l, err) }()

	g, err := c.locks.TryLock(key)
	if errors.Is(err, lock.ErrWouldBlock) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	token, ok, err := c.create(ctx, key)
	if err != nil || !ok {
		g.Release()
		return nil, err
	}
	return c.newLease(key, token, g), nil
}

// Acquire waits until the lease on key is obtained or ctx is done.
func (c *Client) Acquire(ctx context.Context, key string) (l *Lease, err error) {
	ctx, done := c.startAcquire(ctx, modeBlocking, key)
	defer func() { done(l, err) }()
	return c.acquire(ctx, key, time.Time{})
}

// AcquireTimeout is like Acquire but gives up with an error matching
// ErrTimeout after maxWait. The local wait and the remote attempts share the
// deadline; an attempt already in flight when it passes is not cut short.
func (c *Client) AcquireTimeout(ctx context.Context, key string, maxWait time.Duration) (l *Lease, err error) {
	ctx, done := c.startAcquire(ctx, modeTimeout, key)
	defer func() { done(l, err) }()
	return c.acquire(ctx, key, time.Now().Add(maxWait))
}

// acquire takes the local lock, then creates the record until it succeeds.
// The local lock is held across attempts. A zero deadline waits forever.
func (c *Client) acquire(ctx context.Context, key string, deadline time.Time) (*Lease, error) {
	lockCtx := ctx
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}
	g, err := c.locks.Lock(lockCtx, key)
	if err != nil {
		if ctx.Err() == nil {
			return nil, c.timeoutError(key)
		}
		return nil, ctx.Err()
	}

	var (
		wake       chan struct{}
		subscribed bool
	)
	subCtx, unsubscribe := context.WithCancel(ctx)
	defer unsubscribe()

	for {
		token, ok, err := c.create(ctx, key)
		if err != nil {
			g.Release()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if ok {
			return c.newLease(key, token, g), nil
		}

		wait := c.cooldown
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				g.Release()
				return nil, c.timeoutError(key)
			}
			wait = min(wait, remaining)
		}
		if !subscribed && c.bus != nil {
			subscribed = true
			wake = c.subscribe(subCtx, key)
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case _, open := <-wake:
			timer.Stop()
			if !open {
				wake = nil
			}
		case <-ctx.Done():
			timer.Stop()
			g.Release()
			return nil, ctx.Err()
		}
	}
}

// subscribe returns the release notifications of key, or nil when the bus
// cannot deliver them; waiters then fall back to the cooldown.
func (c *Client) subscribe(ctx context.Context, key string) chan struct{} {
	ch, err := c.bus.Subscribe(ctx, syncbus.UnlockChannel(c.table, key))
	if err != nil {
		c.logger.Debug("release notifications unavailable", "key", key, "error", err)
		return nil
	}
	return ch
}

func (c *Client) timeoutError(key string) error {
	return fmt.Errorf("lease: acquire %q: %w", key, ErrTimeout)
}

// startAcquire opens the span and returns the function recording the
// outcome of an acquire call.
func (c *Client) startAcquire(ctx context.Context, mode, key string) (context.Context, func(*Lease, error)) {
	var span trace.Span
	if c.tracer != nil {
		ctx, span = c.tracer.Start(ctx, "Client.Acquire", trace.WithAttributes(
			attribute.String("lease.table", c.table),
			attribute.String("lease.key", key),
			attribute.String("lease.mode", mode),
		))
	}
	start := time.Now()
	return ctx, func(l *Lease, err error) {
		result := "acquired"
		switch {
		case errors.Is(err, ErrTimeout):
			result = "timeout"
		case err != nil:
			result = "error"
		case l == nil:
			result = "held"
		}
		if c.metrics {
			metrics.AcquireCounter.WithLabelValues(mode, result).Inc()
			metrics.AcquireDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
		}
		if span != nil {
			span.SetAttributes(attribute.String("lease.result", result))
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}
	}
}

func newToken() (string, error) {
	return uuid.GenerateUUID()
}

func (c *Client) expiry() int64 {
	return c.now().Add(c.ttl).Unix()
}

// create writes a fresh record for key if none exists. It returns false with
// a nil error when the key is held.
func (c *Client) create(ctx context.Context, key string) (string, bool, error) {
	token, err := newToken()
	if err != nil {
		return "", false, err
	}
	ok, err := c.backend.Create(ctx, c.table, adapter.Record{Key: key, Token: token, Expiry: c.expiry()})
	if err != nil {
		return "", false, fmt.Errorf("lease: create %q: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// renew extends the record of key to a full ttl under a new token. It
// returns false with a nil error when token is no longer the stored one.
func (c *Client) renew(ctx context.Context, key, token string) (string, bool, error) {
	next, err := newToken()
	if err != nil {
		return "", false, err
	}
	ok, err := c.backend.Renew(ctx, c.table, key, token, adapter.Record{Key: key, Token: next, Expiry: c.expiry()})
	if err != nil {
		return "", false, fmt.Errorf("lease: renew %q: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}
	return next, true, nil
}

// release deletes the record of key if token is still the stored one. A
// false result means it was already gone or taken over.
func (c *Client) release(ctx context.Context, key, token string) (bool, error) {
	ok, err := c.backend.Delete(ctx, c.table, key, token)
	if err != nil {
		return false, fmt.Errorf("lease: release %q: %w", key, err)
	}
	return ok, nil
}
