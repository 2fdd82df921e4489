package interfaces

import (
	"context"
	"time"
)

// CacheEntry is a value staged for an atomic multi-key write. TTL 0 means no expiry.
type CacheEntry struct {
	Value []byte
	TTL   time.Duration
}

// CacheBackend is the shared key-value tier of the cache.
type CacheBackend interface {
	// Get returns (nil, false, nil) on miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX stores value only when key is absent and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// SetMany writes every entry or none of them.
	SetMany(ctx context.Context, entries map[string]CacheEntry) error
	Delete(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, pattern string) ([]string, error)
	// Lock blocks until the advisory lock for key is held or ctx is done.
	Lock(ctx context.Context, key string, ttl time.Duration) (Unlocker, error)
	Close() error
}

type Unlocker interface {
	Unlock(ctx context.Context) error
}
