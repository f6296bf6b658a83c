package lease

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-lease/v1/syncbus"
)

const (
	DefaultTable    = "leases"
	DefaultTTL      = 60 * time.Second
	DefaultCooldown = time.Second
)

type config struct {
	table       string
	ttl         time.Duration
	renewEvery  time.Duration
	renewSet    bool
	cooldown    time.Duration
	logger      *slog.Logger
	reg         prometheus.Registerer
	trace       bool
	tp          trace.TracerProvider
	bus         syncbus.Bus
	schemaCheck bool
	now         func() time.Time
}

func defaultConfig() config {
	return config{
		table:       DefaultTable,
		ttl:         DefaultTTL,
		cooldown:    DefaultCooldown,
		schemaCheck: true,
		now:         time.Now,
	}
}

func (cfg *config) validate() error {
	if cfg.ttl < 2*time.Second || cfg.ttl%time.Second != 0 {
		return ErrInvalidTTL
	}
	if !cfg.renewSet {
		cfg.renewEvery = cfg.ttl / 2
	}
	if cfg.renewEvery <= 0 || cfg.renewEvery >= cfg.ttl {
		return ErrInvalidRenewPeriod
	}
	if cfg.cooldown <= 0 {
		return ErrInvalidCooldown
	}
	return nil
}

// Option configures a Client.
type Option func(*config)

// WithTable sets the backend table holding the lease records.
func WithTable(name string) Option {
	return func(c *config) {
		c.table = name
	}
}

// WithTTL sets the lease time-to-live. It must be a whole number of seconds
// of at least 2s. The ttl is the guaranteed lifetime of a lease whose holder
// stops renewing it, for instance because it crashed.
func WithTTL(d time.Duration) Option {
	return func(c *config) {
		c.ttl = d
	}
}

// WithRenewEvery sets how often held leases are renewed to the full ttl.
// It must be less than the ttl and defaults to half of it.
func WithRenewEvery(d time.Duration) Option {
	return func(c *config) {
		c.renewEvery = d
		c.renewSet = true
	}
}

// WithAcquireCooldown sets how long Acquire waits between attempts on a
// held lease.
func WithAcquireCooldown(d time.Duration) Option {
	return func(c *config) {
		c.cooldown = d
	}
}

// WithLogger sets the logger used for background renew and release
// failures.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

// WithMetrics enables Prometheus metrics collection using the provided registerer.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(c *config) {
		c.reg = reg
	}
}

// WithTracing enables OpenTelemetry tracing for acquire calls using the
// global tracer provider set when New is called.
func WithTracing() Option {
	return func(c *config) {
		c.trace = true
	}
}

// WithTracerProvider enables tracing on tp instead of the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *config) {
		c.tp = tp
	}
}

// WithBus publishes release notifications on bus and lets waiting acquirers
// retry as soon as a holder releases.
func WithBus(bus syncbus.Bus) Option {
	return func(c *config) {
		c.bus = bus
	}
}

// WithoutSchemaCheck skips checking the table description on New.
func WithoutSchemaCheck() Option {
	return func(c *config) {
		c.schemaCheck = false
	}
}

// WithClock sets the clock used to compute record expiry.
func WithClock(now func() time.Time) Option {
	return func(c *config) {
		c.now = now
	}
}
