package cache

import (
	"net"
	"strconv"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/lifemon/pkg/domain"
	"github.com/m-mizutani/lifemon/pkg/domain/interfaces"
)

// BackendConfig mirrors the CACHE_TYPE and REDIS_* settings.
type BackendConfig struct {
	Type          string
	RedisHost     string
	RedisPort     int
	RedisPassword string
}

// NewBackend builds the backend named by cfg.Type.
func NewBackend(cfg BackendConfig) (interfaces.CacheBackend, error) {
	switch strings.ToLower(cfg.Type) {
	case "", "memory", "simple":
		return NewMemoryBackend(), nil
	case "null", "none":
		return NullBackend{}, nil
	case "redis":
		host := cfg.RedisHost
		if host == "" {
			host = "localhost"
		}
		port := cfg.RedisPort
		if port == 0 {
			port = 6379
		}
		addr := net.JoinHostPort(host, strconv.Itoa(port))
		return NewRedisBackend(NewRedisPool(addr, cfg.RedisPassword)), nil
	}
	return nil, domain.ErrConfiguration.Wrap(goerr.New("unknown cache type"), goerr.V("type", cfg.Type))
}
