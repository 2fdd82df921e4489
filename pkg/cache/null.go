package cache

import (
	"context"
	"time"

	"github.com/m-mizutani/lifemon/pkg/domain/interfaces"
)

// NullBackend stores nothing. Every lookup misses.
type NullBackend struct{}

func (NullBackend) Get(context.Context, string) ([]byte, bool, error) { return nil, false, nil }
func (NullBackend) Set(context.Context, string, []byte, time.Duration) error {
	return nil
}
func (NullBackend) SetNX(context.Context, string, []byte, time.Duration) (bool, error) {
	return true, nil
}
func (NullBackend) SetMany(context.Context, map[string]interfaces.CacheEntry) error { return nil }
func (NullBackend) Delete(context.Context, ...string) error                         { return nil }
func (NullBackend) Keys(context.Context, string) ([]string, error)                  { return nil, nil }
func (NullBackend) Lock(context.Context, string, time.Duration) (interfaces.Unlocker, error) {
	return nopUnlocker{}, nil
}
func (NullBackend) Close() error { return nil }

type nopUnlocker struct{}

func (nopUnlocker) Unlock(context.Context) error { return nil }
