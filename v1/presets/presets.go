package presets

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	badger "github.com/dgraph-io/badger/v3"
	"github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-lease/v1/adapter"
	"github.com/mirkobrombin/go-lease/v1/config"
	"github.com/mirkobrombin/go-lease/v1/lease"
	"github.com/mirkobrombin/go-lease/v1/syncbus"
	"github.com/mirkobrombin/go-lease/v1/validator"
)

// Remote buses are wrapped in a circuit breaker with these settings.
const (
	breakerThreshold = 5
	breakerTimeout   = 30 * time.Second
)

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Provision creates the lease table when it does not exist yet.
	Provision bool
}

// BadgerOptions configures the embedded Badger store. An empty Dir keeps the
// data in memory.
type BadgerOptions struct {
	Dir string
}

// Stack is a lease client together with the backend and bus it owns.
type Stack struct {
	*lease.Client
	Backend adapter.Backend
	Bus     syncbus.Bus

	closers []func() error
}

// Close releases the connections opened for the stack, last opened first.
func (s *Stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	s.closers = nil
	return errors.Join(errs...)
}

// NewRedis returns a client using Redis both as the lease store and as the
// release notification bus.
func NewRedis(ctx context.Context, opts RedisOptions, leaseOpts ...lease.Option) (*Stack, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	bus := syncbus.NewRedisBus(client)
	s := &Stack{
		Backend: adapter.NewRedis(client),
		Bus:     bus,
		closers: []func() error{client.Close, bus.Close},
	}
	return s.build(ctx, opts.Provision, leaseOpts)
}

// NewBadger returns a client over an embedded Badger store. Leases only
// exclude each other within the process, which makes it suited to single
// node deployments and tests.
func NewBadger(ctx context.Context, opts BadgerOptions, leaseOpts ...lease.Option) (*Stack, error) {
	bopts := badger.DefaultOptions(opts.Dir).WithLoggingLevel(badger.WARNING)
	if opts.Dir == "" {
		bopts = bopts.WithInMemory(true)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("presets: open badger: %w", err)
	}
	s := &Stack{
		Backend: adapter.NewBadger(db),
		Bus:     syncbus.NewInMemoryBus(),
		closers: []func() error{db.Close},
	}
	return s.build(ctx, true, leaseOpts)
}

// NewInMemoryStandalone returns a client with no external dependencies.
// Useful for local development and tests.
func NewInMemoryStandalone(ctx context.Context, leaseOpts ...lease.Option) (*Stack, error) {
	s := &Stack{
		Backend: adapter.NewInMemory(),
		Bus:     syncbus.NewInMemoryBus(),
	}
	return s.build(ctx, true, leaseOpts)
}

// FromConfig builds the backend and bus selected by cfg. leaseOpts are
// applied after the options derived from cfg.
func FromConfig(ctx context.Context, cfg config.Config, leaseOpts ...lease.Option) (*Stack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Stack{}
	var rc *redis.Client
	redisClient := func() *redis.Client {
		if rc == nil {
			rc = redis.NewClient(&redis.Options{
				Addr:     cfg.RedisAddr,
				Password: cfg.RedisPassword,
				DB:       cfg.RedisDB,
			})
			s.closers = append(s.closers, rc.Close)
		}
		return rc
	}

	provision := true
	switch cfg.Backend {
	case config.BackendRedis:
		s.Backend = adapter.NewRedis(redisClient())
		provision = false
	case config.BackendBadger:
		bopts := badger.DefaultOptions(cfg.BadgerDir).WithLoggingLevel(badger.WARNING)
		if cfg.BadgerDir == "" {
			bopts = bopts.WithInMemory(true)
		}
		db, err := badger.Open(bopts)
		if err != nil {
			return nil, fmt.Errorf("presets: open badger: %w", err)
		}
		s.closers = append(s.closers, db.Close)
		s.Backend = adapter.NewBadger(db)
	case config.BackendMemory:
		s.Backend = adapter.NewInMemory()
	}

	if err := s.openBus(cfg, redisClient); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s.build(ctx, provision, append(cfg.Options(), leaseOpts...))
}

func (s *Stack) openBus(cfg config.Config, redisClient func() *redis.Client) error {
	switch cfg.Bus {
	case config.BusMemory:
		s.Bus = syncbus.NewInMemoryBus()
	case config.BusRedis:
		bus := syncbus.NewRedisBus(redisClient())
		s.closers = append(s.closers, bus.Close)
		s.Bus = syncbus.NewCircuitBreaker(bus, breakerThreshold, breakerTimeout)
	case config.BusNATS:
		conn, err := nats.Connect(cfg.NATSURL)
		if err != nil {
			return fmt.Errorf("presets: connect nats: %w", err)
		}
		s.closers = append(s.closers, func() error { conn.Close(); return nil })
		s.Bus = syncbus.NewCircuitBreaker(syncbus.NewNATSBus(conn), breakerThreshold, breakerTimeout)
	case config.BusKafka:
		bus, err := syncbus.NewKafkaBus(cfg.KafkaBrokers, cfg.KafkaTopic, nil)
		if err != nil {
			return fmt.Errorf("presets: connect kafka: %w", err)
		}
		s.closers = append(s.closers, func() error { bus.Close(); return nil })
		s.Bus = syncbus.NewCircuitBreaker(bus, breakerThreshold, breakerTimeout)
	}
	return nil
}

// build creates the client on the stack's bus. With provision set the table
// is created when missing and checked afterwards, since an existing table is
// left as is.
func (s *Stack) build(ctx context.Context, provision bool, opts []lease.Option) (*Stack, error) {
	if s.Bus != nil {
		opts = append([]lease.Option{lease.WithBus(s.Bus)}, opts...)
	}
	if provision {
		opts = append(slices.Clone(opts), lease.WithoutSchemaCheck())
	}
	c, err := lease.New(ctx, s.Backend, opts...)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	if provision {
		p, ok := s.Backend.(adapter.Provisioner)
		if !ok {
			_ = s.Close()
			return nil, fmt.Errorf("presets: backend %T cannot provision tables", s.Backend)
		}
		if err := p.Provision(ctx, c.Table()); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("presets: provision %q: %w", c.Table(), err)
		}
		if err := validator.CheckTable(ctx, s.Backend, c.Table()); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("presets: %w", err)
		}
	}
	s.Client = c
	return s, nil
}
