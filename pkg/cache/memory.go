package cache

import (
	"context"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/lifemon/pkg/domain/interfaces"
	gocache "github.com/patrickmn/go-cache"
)

// MemoryBackend is a process local backend. Locks only exclude goroutines
// of the same process.
type MemoryBackend struct {
	store *gocache.Cache
	// mu makes SetMany and SetNX atomic with respect to readers
	mu sync.RWMutex

	locksMu sync.Mutex
	locks   map[string]*memoryLock
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		store: gocache.New(gocache.NoExpiration, 10*time.Minute),
		locks: make(map[string]*memoryLock),
	}
}

func expiration(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return gocache.NoExpiration
	}
	return ttl
}

func (b *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	v, ok := b.store.Get(key)
	if !ok {
		return nil, false, nil
	}
	return v.([]byte), true, nil
}

func (b *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.store.Set(key, value, expiration(ttl))
	return nil
}

func (b *MemoryBackend) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.store.Add(key, value, expiration(ttl)); err != nil {
		return false, nil
	}
	return true, nil
}

func (b *MemoryBackend) SetMany(_ context.Context, entries map[string]interfaces.CacheEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, e := range entries {
		b.store.Set(k, e.Value, expiration(e.TTL))
	}
	return nil
}

func (b *MemoryBackend) Delete(_ context.Context, keys ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, k := range keys {
		b.store.Delete(k)
	}
	return nil
}

func (b *MemoryBackend) Keys(_ context.Context, pattern string) ([]string, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, goerr.Wrap(err, "invalid key pattern", goerr.V("pattern", pattern))
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	var keys []string
	for k := range b.store.Items() {
		if g.Match(k) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (b *MemoryBackend) Lock(ctx context.Context, key string, _ time.Duration) (interfaces.Unlocker, error) {
	b.locksMu.Lock()
	l, ok := b.locks[key]
	if !ok {
		l = &memoryLock{ch: make(chan struct{}, 1)}
		b.locks[key] = l
	}
	l.refs++
	b.locksMu.Unlock()

	select {
	case l.ch <- struct{}{}:
		return &memoryUnlocker{backend: b, key: key, lock: l}, nil
	case <-ctx.Done():
		b.release(key, l)
		return nil, ctx.Err()
	}
}

// release drops one reference to the lock of key and forgets the lock
// once nobody holds or waits for it.
func (b *MemoryBackend) release(key string, l *memoryLock) {
	b.locksMu.Lock()
	defer b.locksMu.Unlock()
	l.refs--
	if l.refs == 0 && b.locks[key] == l {
		delete(b.locks, key)
	}
}

// lockCount reports the number of tracked lock entries.
func (b *MemoryBackend) lockCount() int {
	b.locksMu.Lock()
	defer b.locksMu.Unlock()
	return len(b.locks)
}

func (b *MemoryBackend) Close() error {
	b.store.Flush()
	return nil
}

type memoryLock struct {
	ch   chan struct{}
	refs int
}

type memoryUnlocker struct {
	backend *MemoryBackend
	key     string
	lock    *memoryLock
	once    sync.Once
}

func (u *memoryUnlocker) Unlock(context.Context) error {
	released := false
	u.once.Do(func() {
		<-u.lock.ch
		u.backend.release(u.key, u.lock)
		released = true
	})
	if !released {
		return goerr.New("lock is not held", goerr.V("key", u.key))
	}
	return nil
}
