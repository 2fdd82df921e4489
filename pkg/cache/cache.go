package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/m-mizutani/ctxlog"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/lifemon/pkg/domain/interfaces"
	"github.com/m-mizutani/lifemon/pkg/metrics"
	"golang.org/x/sync/singleflight"
)

// Cache is the two tier memoization layer: transaction scoped staging on
// top of a shared backend.
type Cache struct {
	backend  interfaces.CacheBackend
	timeouts Timeouts
	lockTTL  time.Duration
	lockWait time.Duration
	metrics  *metrics.Collector
	group    singleflight.Group
}

type Option func(*Cache)

func WithTimeouts(t Timeouts) Option {
	return func(c *Cache) { c.timeouts = t }
}

// WithLockTTL bounds how long a crashed holder can keep a key locked.
func WithLockTTL(d time.Duration) Option {
	return func(c *Cache) { c.lockTTL = d }
}

// WithLockWait bounds how long a transaction already holding locks waits
// for another one.
func WithLockWait(d time.Duration) Option {
	return func(c *Cache) { c.lockWait = d }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(c *Cache) { c.metrics = m }
}

func New(backend interfaces.CacheBackend, opts ...Option) *Cache {
	c := &Cache{
		backend:  backend,
		timeouts: DefaultTimeouts(),
		lockTTL:  2 * time.Minute,
		lockWait: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) Timeouts() Timeouts {
	return c.timeouts
}

func (c *Cache) Backend() interfaces.CacheBackend {
	return c.backend
}

// Get reads staged values of the active transaction first, then the shared backend.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if tx := TransactionFrom(ctx); tx != nil {
		if v, ok := tx.lookup(key); ok {
			return v, true, nil
		}
	}

	v, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		return nil, false, goerr.Wrap(err, "failed to read cache", goerr.V("key", key))
	}
	return v, ok, nil
}

// Set stages the value in the active transaction, or writes through when
// there is none.
func (c *Cache) Set(ctx context.Context, key string, value []byte, timeout Timeout) error {
	ttl := c.timeouts.TTL(timeout)
	if tx := TransactionFrom(ctx); tx != nil {
		tx.stage(key, interfaces.CacheEntry{Value: value, TTL: ttl})
		return nil
	}
	if err := c.backend.Set(ctx, key, value, ttl); err != nil {
		return goerr.Wrap(err, "failed to write cache", goerr.V("key", key))
	}
	return nil
}

func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if err := c.backend.Delete(ctx, keys...); err != nil {
		return goerr.Wrap(err, "failed to delete cache keys")
	}
	return nil
}

// DeleteMatching removes every key matching the glob pattern.
func (c *Cache) DeleteMatching(ctx context.Context, pattern string) (int, error) {
	keys, err := c.backend.Keys(ctx, pattern)
	if err != nil {
		return 0, goerr.Wrap(err, "failed to list cache keys", goerr.V("pattern", pattern))
	}
	if len(keys) == 0 {
		return 0, nil
	}
	if err := c.Delete(ctx, keys...); err != nil {
		return 0, err
	}

	ctxlog.From(ctx).Debug("cache keys deleted",
		slog.String("pattern", pattern),
		slog.Int("count", len(keys)),
	)
	return len(keys), nil
}
