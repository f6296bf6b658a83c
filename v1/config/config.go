// Package config loads client settings from flags, the environment and
// optional .env files.
//
// Every key can be set through an environment variable with the LEASE_
// prefix, dashes replaced by underscores (LEASE_RENEW_EVERY for
// renew-every). Bound flags take precedence over the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/mirkobrombin/go-lease/v1/lease"
)

// EnvPrefix is the prefix of all environment variables read by Load.
const EnvPrefix = "lease"

// Backend names.
const (
	BackendRedis  = "redis"
	BackendBadger = "badger"
	BackendMemory = "memory"
)

// Bus names.
const (
	BusNone   = "none"
	BusMemory = "memory"
	BusRedis  = "redis"
	BusNATS   = "nats"
	BusKafka  = "kafka"
)

// ErrInvalid is wrapped by every error returned from Validate.
var ErrInvalid = errors.New("config: invalid")

// Config holds the client, backend and bus settings.
type Config struct {
	Table      string
	TTL        time.Duration
	RenewEvery time.Duration
	Cooldown   time.Duration

	Backend       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	BadgerDir     string

	Bus          string
	NATSURL      string
	KafkaBrokers []string
	KafkaTopic   string

	LogLevel    slog.Level
	MetricsAddr string
	Trace       bool
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		Table:      lease.DefaultTable,
		TTL:        lease.DefaultTTL,
		Cooldown:   lease.DefaultCooldown,
		Backend:    BackendRedis,
		RedisAddr:  "localhost:6379",
		Bus:        BusNone,
		NATSURL:    "nats://127.0.0.1:4222",
		KafkaTopic: "lease-unlock",
		LogLevel:   slog.LevelInfo,
	}
}

// SetupFlags registers every configuration key as a flag on fs, with the
// defaults of Defaults.
func SetupFlags(fs *pflag.FlagSet) {
	d := Defaults()
	fs.String("table", d.Table, "lease table name")
	fs.Duration("ttl", d.TTL, "lease time-to-live, whole seconds")
	fs.Duration("renew-every", 0, "renew period (default ttl/2)")
	fs.Duration("cooldown", d.Cooldown, "wait between acquire attempts")
	fs.String("backend", d.Backend, "backend to use (redis, badger, memory)")
	fs.String("redis-addr", d.RedisAddr, "redis address")
	fs.String("redis-password", "", "redis password")
	fs.Int("redis-db", 0, "redis database")
	fs.String("badger-dir", "", "badger data directory (empty for in-memory)")
	fs.String("bus", d.Bus, "release notification bus (none, memory, redis, nats, kafka)")
	fs.String("nats-url", d.NATSURL, "nats server url")
	fs.StringSlice("kafka-brokers", nil, "kafka brokers")
	fs.String("kafka-topic", d.KafkaTopic, "kafka topic for release notifications")
	fs.String("log-level", d.LogLevel.String(), "log level (debug, info, warn, error)")
	fs.String("metrics-addr", "", "serve prometheus metrics on this address")
	fs.Bool("trace", false, "export traces to stdout")
}

// Load reads .env and .env.local when present, then the environment, then
// the flags in fs. fs may be nil.
func Load(fs *pflag.FlagSet) (Config, error) {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return Config{}, fmt.Errorf("config: bind flags: %w", err)
		}
	}
	return fromViper(v)
}

func setDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("table", d.Table)
	v.SetDefault("ttl", d.TTL)
	v.SetDefault("renew-every", time.Duration(0))
	v.SetDefault("cooldown", d.Cooldown)
	v.SetDefault("backend", d.Backend)
	v.SetDefault("redis-addr", d.RedisAddr)
	v.SetDefault("redis-db", 0)
	v.SetDefault("bus", d.Bus)
	v.SetDefault("nats-url", d.NATSURL)
	v.SetDefault("kafka-topic", d.KafkaTopic)
	v.SetDefault("log-level", d.LogLevel.String())
	v.SetDefault("trace", false)
}

func fromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		Table:         v.GetString("table"),
		TTL:           v.GetDuration("ttl"),
		RenewEvery:    v.GetDuration("renew-every"),
		Cooldown:      v.GetDuration("cooldown"),
		Backend:       strings.ToLower(v.GetString("backend")),
		RedisAddr:     v.GetString("redis-addr"),
		RedisPassword: v.GetString("redis-password"),
		RedisDB:       v.GetInt("redis-db"),
		BadgerDir:     v.GetString("badger-dir"),
		Bus:           strings.ToLower(v.GetString("bus")),
		NATSURL:       v.GetString("nats-url"),
		KafkaBrokers:  brokers(v.GetStringSlice("kafka-brokers")),
		KafkaTopic:    v.GetString("kafka-topic"),
		MetricsAddr:   v.GetString("metrics-addr"),
		Trace:         v.GetBool("trace"),
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(v.GetString("log-level"))); err != nil {
		return Config{}, fmt.Errorf("%w: log-level: %v", ErrInvalid, err)
	}
	return cfg, cfg.Validate()
}

// brokers splits comma separated entries, as environment variables carry a
// single string.
func brokers(in []string) []string {
	var out []string
	for _, s := range in {
		for _, b := range strings.Split(s, ",") {
			if b = strings.TrimSpace(b); b != "" {
				out = append(out, b)
			}
		}
	}
	return out
}

// Validate checks the backend and bus selection. Lease timings are checked
// by lease.New.
func (c Config) Validate() error {
	if c.Table == "" {
		return fmt.Errorf("%w: empty table name", ErrInvalid)
	}
	switch c.Backend {
	case BackendRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("%w: redis backend needs redis-addr", ErrInvalid)
		}
	case BackendBadger, BackendMemory:
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrInvalid, c.Backend)
	}
	switch c.Bus {
	case BusNone, "", BusMemory:
	case BusRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("%w: redis bus needs redis-addr", ErrInvalid)
		}
	case BusNATS:
		if c.NATSURL == "" {
			return fmt.Errorf("%w: nats bus needs nats-url", ErrInvalid)
		}
	case BusKafka:
		if len(c.KafkaBrokers) == 0 || c.KafkaTopic == "" {
			return fmt.Errorf("%w: kafka bus needs kafka-brokers and kafka-topic", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown bus %q", ErrInvalid, c.Bus)
	}
	return nil
}

// Options returns the lease options for the timing settings. Backend, bus
// and telemetry options are added by the caller building those components.
func (c Config) Options() []lease.Option {
	opts := []lease.Option{
		lease.WithTable(c.Table),
		lease.WithTTL(c.TTL),
		lease.WithAcquireCooldown(c.Cooldown),
	}
	if c.RenewEvery > 0 {
		opts = append(opts, lease.WithRenewEvery(c.RenewEvery))
	}
	if c.Trace {
		opts = append(opts, lease.WithTracing())
	}
	return opts
}
