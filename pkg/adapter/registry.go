package adapter

import (
	"context"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/lifemon/pkg/domain"
	"github.com/m-mizutani/lifemon/pkg/domain/interfaces"
	"github.com/m-mizutani/lifemon/pkg/domain/model"
	"github.com/m-mizutani/lifemon/pkg/metrics"
)

// Deps are the collaborators shared by every adapter.
type Deps struct {
	Tokens   *TokenRegistry
	Limiters *RateLimiters
	HTTP     *retryablehttp.Client
	Logger   *slog.Logger
	Metrics  *metrics.Collector
}

// Factory builds the adapter for a service reference.
type Factory func(ref model.ServiceRef, deps Deps) (interfaces.TestingService, error)

// ServiceStore persists known testing services by base URL.
type ServiceStore interface {
	GetService(ctx context.Context, url string) (*model.ServiceRef, error)
	SaveService(ctx context.Context, ref model.ServiceRef) error
}

type Registry struct {
	deps  Deps
	store ServiceStore

	mu        sync.Mutex
	factories map[model.ServiceKind]Factory
	instances map[string]interfaces.TestingService
}

type RegistryOption func(*Registry)

func WithServiceStore(store ServiceStore) RegistryOption {
	return func(r *Registry) { r.store = store }
}

// NewRegistry returns a registry with the Jenkins, Travis and GitHub adapters.
func NewRegistry(deps Deps, opts ...RegistryOption) *Registry {
	if deps.Tokens == nil {
		deps.Tokens = NewTokenRegistry()
	}
	if deps.HTTP == nil {
		deps.HTTP = NewHTTPClient(deps.Logger)
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}

	r := &Registry{
		deps:      deps,
		factories: make(map[model.ServiceKind]Factory),
		instances: make(map[string]interfaces.TestingService),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.Register(model.ServiceJenkins, NewJenkinsService)
	r.Register(model.ServiceTravis, NewTravisService)
	r.Register(model.ServiceGitHub, NewGitHubService)
	return r
}

func (r *Registry) Register(kind model.ServiceKind, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = factory
}

func (r *Registry) Tokens() *TokenRegistry {
	return r.deps.Tokens
}

// Instance returns the adapter serving ref.URL, constructing it on first
// use. A service already known to the store keeps its stored kind.
func (r *Registry) Instance(ctx context.Context, ref model.ServiceRef) (interfaces.TestingService, error) {
	ref.URL = normalizeURL(ref.URL)

	r.mu.Lock()
	defer r.mu.Unlock()

	if svc, ok := r.instances[ref.URL]; ok {
		return svc, nil
	}

	known := false
	if r.store != nil {
		stored, err := r.store.GetService(ctx, ref.URL)
		if err != nil {
			return nil, err
		}
		if stored != nil {
			ref.Kind = stored.Kind
			known = true
		}
	}

	factory, ok := r.factories[ref.Kind]
	if !ok {
		return nil, domain.ErrTestingServiceUnsupported.Wrap(goerr.New("no adapter for service kind"),
			goerr.V("kind", ref.Kind),
			goerr.V("url", ref.URL),
		)
	}

	svc, err := factory(ref, r.deps)
	if err != nil {
		return nil, err
	}

	if r.store != nil && !known {
		if err := r.store.SaveService(ctx, ref); err != nil {
			return nil, err
		}
	}

	r.instances[ref.URL] = svc
	return svc, nil
}
