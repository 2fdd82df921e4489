package cache

import (
	"context"
	"errors"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/lifemon/pkg/domain/interfaces"
)

var unlockScript = redis.NewScript(1, `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisBackend shares cached values and locks between processes.
type RedisBackend struct {
	pool      *redis.Pool
	lockRetry time.Duration
}

// NewRedisPool dials addr lazily, authenticating when password is set.
func NewRedisPool(addr, password string) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     8,
		IdleTimeout: 4 * time.Minute,
		DialContext: func(ctx context.Context) (redis.Conn, error) {
			var opts []redis.DialOption
			if password != "" {
				opts = append(opts, redis.DialPassword(password))
			}
			return redis.DialContext(ctx, "tcp", addr, opts...)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
}

func NewRedisBackend(pool *redis.Pool) *RedisBackend {
	return &RedisBackend{
		pool:      pool,
		lockRetry: 50 * time.Millisecond,
	}
}

func (b *RedisBackend) conn(ctx context.Context) (redis.Conn, error) {
	conn, err := b.pool.GetContext(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get redis connection")
	}
	return conn, nil
}

func setArgs(key string, value []byte, ttl time.Duration, extra ...any) []any {
	args := []any{key, value}
	args = append(args, extra...)
	if ttl > 0 {
		args = append(args, "PX", ttl.Milliseconds())
	}
	return args
}

func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	conn, err := b.conn(ctx)
	if err != nil {
		return nil, false, err
	}
	defer conn.Close()

	v, err := redis.Bytes(redis.DoContext(conn, ctx, "GET", key))
	if errors.Is(err, redis.ErrNil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, goerr.Wrap(err, "redis GET failed", goerr.V("key", key))
	}
	return v, true, nil
}

func (b *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	conn, err := b.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := redis.DoContext(conn, ctx, "SET", setArgs(key, value, ttl)...); err != nil {
		return goerr.Wrap(err, "redis SET failed", goerr.V("key", key))
	}
	return nil
}

func (b *RedisBackend) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	conn, err := b.conn(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	_, err = redis.String(redis.DoContext(conn, ctx, "SET", setArgs(key, value, ttl, "NX")...))
	if errors.Is(err, redis.ErrNil) {
		return false, nil
	}
	if err != nil {
		return false, goerr.Wrap(err, "redis SET NX failed", goerr.V("key", key))
	}
	return true, nil
}

func (b *RedisBackend) SetMany(ctx context.Context, entries map[string]interfaces.CacheEntry) error {
	if len(entries) == 0 {
		return nil
	}
	conn, err := b.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.Send("MULTI"); err != nil {
		return goerr.Wrap(err, "redis MULTI failed")
	}
	for k, e := range entries {
		if err := conn.Send("SET", setArgs(k, e.Value, e.TTL)...); err != nil {
			_, _ = conn.Do("DISCARD")
			return goerr.Wrap(err, "redis SET failed", goerr.V("key", k))
		}
	}
	if _, err := redis.DoContext(conn, ctx, "EXEC"); err != nil {
		return goerr.Wrap(err, "redis EXEC failed", goerr.V("keys", len(entries)))
	}
	return nil
}

func (b *RedisBackend) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	conn, err := b.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	if _, err := redis.DoContext(conn, ctx, "DEL", args...); err != nil {
		return goerr.Wrap(err, "redis DEL failed")
	}
	return nil
}

func (b *RedisBackend) Keys(ctx context.Context, pattern string) ([]string, error) {
	conn, err := b.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	var keys []string
	cursor := 0
	for {
		values, err := redis.Values(redis.DoContext(conn, ctx, "SCAN", cursor, "MATCH", pattern, "COUNT", 100))
		if err != nil {
			return nil, goerr.Wrap(err, "redis SCAN failed", goerr.V("pattern", pattern))
		}
		var batch []string
		if _, err := redis.Scan(values, &cursor, &batch); err != nil {
			return nil, goerr.Wrap(err, "failed to parse SCAN reply")
		}
		keys = append(keys, batch...)
		if cursor == 0 {
			return keys, nil
		}
	}
}

func (b *RedisBackend) Lock(ctx context.Context, key string, ttl time.Duration) (interfaces.Unlocker, error) {
	token := uuid.NewString()
	for {
		ok, err := b.SetNX(ctx, key, []byte(token), ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			return &redisLock{backend: b, key: key, token: token}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.lockRetry):
		}
	}
}

func (b *RedisBackend) Close() error {
	return b.pool.Close()
}

type redisLock struct {
	backend *RedisBackend
	key     string
	token   string
}

// Unlock releases the lock only if it is still owned by this holder.
func (l *redisLock) Unlock(ctx context.Context) error {
	conn, err := l.backend.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := unlockScript.Do(conn, l.key, l.token); err != nil {
		return goerr.Wrap(err, "failed to release redis lock", goerr.V("key", l.key))
	}
	return nil
}
