package cache

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/m-mizutani/ctxlog"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/lifemon/pkg/domain/interfaces"
)

// MemoOptions describes how a function is memoized.
type MemoOptions[A, T any] struct {
	// Name identifies the function in the key space.
	Name string
	// Key picks the fingerprinted part of the argument. The whole argument
	// is used when nil.
	Key func(arg A) any
	// Scope returns the client scope of a call, or empty for process wide values.
	Scope func(ctx context.Context, arg A) string
	// Timeout selects the expiry class of stored values.
	Timeout Timeout
	// TimeoutOf overrides Timeout per argument.
	TimeoutOf func(arg A) Timeout
	// Predicate decides whether a computed value may reach the shared
	// backend. Rejected values are only reused inside the transaction.
	Predicate func(value T) bool
}

// Memoize wraps fn with the cache. Errors are never cached.
func Memoize[A, T any](c *Cache, opts MemoOptions[A, T], fn func(ctx context.Context, arg A) (T, error)) func(ctx context.Context, arg A) (T, error) {
	return func(ctx context.Context, arg A) (T, error) {
		var zero T
		logger := ctxlog.From(ctx)

		var fingerprint any = arg
		if opts.Key != nil {
			fingerprint = opts.Key(arg)
		}
		var scope string
		if opts.Scope != nil {
			scope = opts.Scope(ctx, arg)
		}
		key, err := MakeKey(opts.Name, fingerprint, scope)
		if err != nil {
			return zero, err
		}

		tx := TransactionFrom(ctx)
		if tx != nil {
			if raw, ok := tx.lookup(key); ok {
				c.metrics.CacheLookup("transaction")
				return decode[T](raw, key)
			}
		}

		raw, ok, err := c.backend.Get(ctx, key)
		if err != nil {
			logger.Warn("cache read failed, recomputing",
				slog.String("key", key),
				slog.Any("error", err),
			)
		} else if ok {
			c.metrics.CacheLookup("hit")
			return decode[T](raw, key)
		}
		c.metrics.CacheLookup("miss")

		timeout := opts.Timeout
		if opts.TimeoutOf != nil {
			timeout = opts.TimeoutOf(arg)
		}

		flight := key
		if tx != nil {
			flight += "@" + tx.id
		}
		v, err, _ := c.group.Do(flight, func() (any, error) {
			return c.fill(ctx, key, tx, timeout, func(ctx context.Context) ([]byte, bool, error) {
				value, err := fn(ctx, arg)
				if err != nil {
					return nil, false, err
				}
				data, err := json.Marshal(value)
				if err != nil {
					return nil, false, goerr.Wrap(err, "failed to encode cache value", goerr.V("key", key))
				}
				return data, opts.Predicate == nil || opts.Predicate(value), nil
			})
		})
		if err != nil {
			return zero, err
		}
		return decode[T](v.([]byte), key)
	}
}

// fill computes a missing value under the per-key advisory lock. Inside a
// transaction the lock of a staged value is kept until the transaction ends,
// so that other holders find the committed value instead of recomputing it.
func (c *Cache) fill(ctx context.Context, key string, tx *Transaction, timeout Timeout, compute func(ctx context.Context) ([]byte, bool, error)) ([]byte, error) {
	logger := ctxlog.From(ctx)

	lockCtx := ctx
	if tx != nil && tx.holding() {
		// bounded wait: two transactions may hold each other's keys
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, c.lockWait)
		defer cancel()
	}

	lock, err := c.backend.Lock(lockCtx, lockKey(key), c.lockTTL)
	if err != nil {
		if ctx.Err() != nil {
			return nil, goerr.Wrap(err, "interrupted while waiting for cache lock", goerr.V("key", key))
		}
		logger.Warn("cache lock unavailable, computing without it",
			slog.String("key", key),
			slog.Any("error", err),
		)
		data, _, err := compute(ctx)
		return data, err
	}

	held := false
	defer func() {
		if held {
			return
		}
		if err := lock.Unlock(ctx); err != nil {
			logger.Warn("failed to release cache lock",
				slog.String("key", key),
				slog.Any("error", err),
			)
		}
	}()

	// another holder may have filled the key while we waited
	if raw, ok, err := c.backend.Get(ctx, key); err == nil && ok {
		return raw, nil
	}

	data, cacheable, err := compute(ctx)
	if err != nil {
		return nil, err
	}

	ttl := c.timeouts.TTL(timeout)
	switch {
	case tx != nil && cacheable:
		tx.stage(key, interfaces.CacheEntry{Value: data, TTL: ttl})
		tx.hold(ctx, lockKey(key), lock)
		held = true
	case tx != nil:
		tx.keep(key, data)
	case cacheable:
		if err := c.backend.Set(ctx, key, data, ttl); err != nil {
			logger.Warn("failed to store cache value",
				slog.String("key", key),
				slog.Any("error", err),
			)
		}
	}
	return data, nil
}

func decode[T any](raw []byte, key string) (T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, goerr.Wrap(err, "failed to decode cache value", goerr.V("key", key))
	}
	return v, nil
}
