package adapter

import (
	"context"
	stdErrors "errors"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	redis "github.com/redis/go-redis/v9"

	leaseerrors "github.com/mirkobrombin/go-lease/v1/errors"
)

const defaultRedisOpTimeout = 5 * time.Second

var createScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
    return 0
end
redis.call("HSET", KEYS[1], "key", ARGV[1], "token", ARGV[2], "expiry", ARGV[3])
redis.call("EXPIREAT", KEYS[1], ARGV[3])
return 1
`)

var renewScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "token") ~= ARGV[1] then
    return 0
end
redis.call("HSET", KEYS[1], "token", ARGV[2], "expiry", ARGV[3])
redis.call("EXPIREAT", KEYS[1], ARGV[3])
return 1
`)

var deleteScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "token") == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

// Redis implements Backend on top of Redis. Each lease is a hash at
// "<table>:<key>" whose native expiry is set with EXPIREAT; conditions are
// evaluated atomically by Lua scripts. The table description lives as a JSON
// document at "<table>".
type Redis struct {
	client  redis.UniversalClient
	timeout time.Duration
}

// RedisOption configures a Redis backend.
type RedisOption func(*redisOptions)

type redisOptions struct {
	timeout time.Duration
}

// WithTimeout sets the operation timeout for Redis calls.
func WithTimeout(d time.Duration) RedisOption {
	return func(o *redisOptions) {
		o.timeout = d
	}
}

// NewRedis returns a new Redis backend using the provided client.
func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	o := redisOptions{timeout: defaultRedisOpTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return &Redis{client: client, timeout: o.timeout}
}

func recordKey(table, key string) string {
	return table + ":" + key
}

// Create implements Backend.Create.
func (r *Redis) Create(ctx context.Context, table string, rec Record) (bool, error) {
	return r.run(ctx, createScript, recordKey(table, rec.Key), rec.Key, rec.Token, rec.Expiry)
}

// Renew implements Backend.Renew.
func (r *Redis) Renew(ctx context.Context, table, key, token string, next Record) (bool, error) {
	return r.run(ctx, renewScript, recordKey(table, key), token, next.Token, next.Expiry)
}

// Delete implements Backend.Delete.
func (r *Redis) Delete(ctx context.Context, table, key, token string) (bool, error) {
	return r.run(ctx, deleteScript, recordKey(table, key), token)
}

func (r *Redis) run(ctx context.Context, script *redis.Script, key string, args ...any) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, leaseerrors.FromContext(err)
	}
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	n, err := script.Run(cctx, r.client, []string{key}, args...).Int64()
	if err != nil {
		return false, redisError(err)
	}
	return n == 1, nil
}

// Describe implements Backend.Describe.
func (r *Redis) Describe(ctx context.Context, table string) (TableDescription, error) {
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	data, err := r.client.Get(cctx, table).Bytes()
	if err == redis.Nil {
		return TableDescription{}, ErrTableNotFound
	}
	if err != nil {
		return TableDescription{}, redisError(err)
	}
	var desc TableDescription
	if err := json.Unmarshal(data, &desc); err != nil {
		return TableDescription{}, err
	}
	return desc, nil
}

// Provision implements Provisioner.Provision. An existing description is
// left untouched.
func (r *Redis) Provision(ctx context.Context, table string) error {
	return r.PutDescription(ctx, LeaseTable(table), false)
}

// PutDescription stores desc as the description of desc.Name. Unless
// overwrite is set an existing description is kept.
func (r *Redis) PutDescription(ctx context.Context, desc TableDescription, overwrite bool) error {
	data, err := json.Marshal(desc)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if overwrite {
		err = r.client.Set(cctx, desc.Name, data, 0).Err()
	} else {
		err = r.client.SetNX(cctx, desc.Name, data, 0).Err()
	}
	return redisError(err)
}

// Get returns the stored record for key.
func (r *Redis) Get(ctx context.Context, table, key string) (Record, bool, error) {
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	fields, err := r.client.HGetAll(cctx, recordKey(table, key)).Result()
	if err != nil {
		return Record{}, false, redisError(err)
	}
	if len(fields) == 0 {
		return Record{}, false, nil
	}
	expiry, err := strconv.ParseInt(fields[ExpiryField], 10, 64)
	if err != nil {
		return Record{}, false, err
	}
	return Record{Key: fields[KeyField], Token: fields[TokenField], Expiry: expiry}, true, nil
}

func redisError(err error) error {
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
