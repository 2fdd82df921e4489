package cache

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/m-mizutani/ctxlog"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/lifemon/pkg/domain"
	"github.com/m-mizutani/lifemon/pkg/domain/interfaces"
)

type txCtxKey struct{}

// Transaction groups cache writes so that they become visible together on
// commit. Values rejected by a memoization predicate stay local to the
// transaction and are never promoted.
type Transaction struct {
	id     string
	name   string
	parent *Transaction
	cache  *Cache

	mu     sync.Mutex
	staged map[string]interfaces.CacheEntry
	local  map[string][]byte
	// locks guard staged keys until they reach the shared backend
	locks  map[string]interfaces.Unlocker
	closed bool
}

// Begin opens a transaction and returns a context carrying it. A transaction
// opened inside another one commits into its parent.
func (c *Cache) Begin(ctx context.Context, name string) (context.Context, *Transaction) {
	tx := &Transaction{
		id:     uuid.NewString(),
		name:   name,
		parent: TransactionFrom(ctx),
		cache:  c,
		staged: make(map[string]interfaces.CacheEntry),
		local:  make(map[string][]byte),
		locks:  make(map[string]interfaces.Unlocker),
	}
	return context.WithValue(ctx, txCtxKey{}, tx), tx
}

// TransactionFrom returns the innermost transaction of ctx, or nil.
func TransactionFrom(ctx context.Context) *Transaction {
	tx, _ := ctx.Value(txCtxKey{}).(*Transaction)
	return tx
}

// WithTransaction runs fn inside a transaction. The transaction is committed
// when fn succeeds and discarded otherwise.
func (c *Cache) WithTransaction(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	txCtx, tx := c.Begin(ctx, name)
	if err := fn(txCtx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit(ctx)
}

func (t *Transaction) Name() string {
	return t.name
}

func (t *Transaction) lookup(key string) ([]byte, bool) {
	for cur := t; cur != nil; cur = cur.parent {
		cur.mu.Lock()
		if e, ok := cur.staged[key]; ok {
			cur.mu.Unlock()
			return e.Value, true
		}
		if v, ok := cur.local[key]; ok {
			cur.mu.Unlock()
			return v, true
		}
		cur.mu.Unlock()
	}
	return nil, false
}

func (t *Transaction) stage(key string, entry interfaces.CacheEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.local, key)
	t.staged[key] = entry
}

// hold keeps the advisory lock of key until the transaction ends.
func (t *Transaction) hold(ctx context.Context, key string, lock interfaces.Unlocker) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		releaseLocks(ctx, t.name, map[string]interfaces.Unlocker{key: lock})
		return
	}
	prev, ok := t.locks[key]
	t.locks[key] = lock
	t.mu.Unlock()

	if ok && prev != lock {
		releaseLocks(ctx, t.name, map[string]interfaces.Unlocker{key: prev})
	}
}

func (t *Transaction) holding() bool {
	for cur := t; cur != nil; cur = cur.parent {
		cur.mu.Lock()
		n := len(cur.locks)
		cur.mu.Unlock()
		if n > 0 {
			return true
		}
	}
	return false
}

func releaseLocks(ctx context.Context, name string, locks map[string]interfaces.Unlocker) {
	for key, lock := range locks {
		if err := lock.Unlock(ctx); err != nil {
			ctxlog.From(ctx).Warn("failed to release cache lock",
				slog.String("transaction", name),
				slog.String("key", key),
				slog.Any("error", err),
			)
		}
	}
}

func (t *Transaction) keep(key string, value []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.staged, key)
	t.local[key] = value
}

// Staged returns the keys waiting for promotion.
func (t *Transaction) Staged() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys := make([]string, 0, len(t.staged))
	for k := range t.staged {
		keys = append(keys, k)
	}
	return keys
}

// Commit promotes the staged keys: into the parent transaction when nested,
// otherwise into the shared backend in a single atomic write.
func (t *Transaction) Commit(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return domain.ErrIllegalState.Wrap(goerr.New("transaction already closed"), goerr.V("name", t.name))
	}
	t.closed = true
	staged, local, locks := t.staged, t.local, t.locks
	t.staged, t.local, t.locks = nil, nil, nil
	t.mu.Unlock()

	if t.parent != nil {
		for k, v := range local {
			t.parent.keep(k, v)
		}
		for k, e := range staged {
			t.parent.stage(k, e)
		}
		for k, l := range locks {
			t.parent.hold(ctx, k, l)
		}
		return nil
	}

	defer releaseLocks(ctx, t.name, locks)
	if len(staged) == 0 {
		return nil
	}
	if err := t.cache.backend.SetMany(ctx, staged); err != nil {
		return goerr.Wrap(err, "failed to commit cache transaction",
			goerr.V("name", t.name),
			goerr.V("keys", len(staged)),
		)
	}

	ctxlog.From(ctx).Debug("cache transaction committed",
		slog.String("name", t.name),
		slog.Int("keys", len(staged)),
	)
	return nil
}

// Rollback drops everything staged in the transaction and releases the
// locks it holds.
func (t *Transaction) Rollback() {
	t.mu.Lock()
	t.closed = true
	locks := t.locks
	t.staged, t.local, t.locks = nil, nil, nil
	t.mu.Unlock()

	releaseLocks(context.Background(), t.name, locks)
}
