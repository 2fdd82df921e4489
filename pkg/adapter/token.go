package adapter

import (
	"context"
	"strings"
	"sync"

	"github.com/m-mizutani/lifemon/pkg/domain/model"
)

// TokenRegistry holds testing service credentials keyed by service base URL,
// with per kind fallbacks. It is safe for concurrent use.
type TokenRegistry struct {
	mu     sync.RWMutex
	byURL  map[string]model.Token
	byKind map[model.ServiceKind]model.Token
}

func NewTokenRegistry() *TokenRegistry {
	return &TokenRegistry{
		byURL:  make(map[string]model.Token),
		byKind: make(map[model.ServiceKind]model.Token),
	}
}

// TokenEnv names the environment variable providing the default token of a kind.
var TokenEnv = map[model.ServiceKind]string{
	model.ServiceJenkins: "JENKINS_TOKEN",
	model.ServiceTravis:  "TRAVIS_TESTING_SERVICE_TOKEN",
	model.ServiceGitHub:  "GITHUB_TESTING_SERVICE_TOKEN",
}

var defaultTokenType = map[model.ServiceKind]string{
	model.ServiceJenkins: "Basic",
	model.ServiceTravis:  "token",
	model.ServiceGitHub:  "Bearer",
}

// LoadTokens fills the registry from the environment lookup and the
// configured services.
func (r *TokenRegistry) LoadTokens(getenv func(string) string, services []model.ServiceConfig) {
	for kind, name := range TokenEnv {
		if secret := getenv(name); secret != "" {
			r.SetDefault(kind, model.Token{Type: defaultTokenType[kind], Secret: secret})
		}
	}
	for _, s := range services {
		token := s.Token
		if token.Secret == "" {
			continue
		}
		if token.Type == "" {
			token.Type = defaultTokenType[s.Kind]
		}
		r.Set(s.URL, token)
	}
}

func (r *TokenRegistry) SetDefault(kind model.ServiceKind, token model.Token) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKind[kind] = token
}

func (r *TokenRegistry) Set(url string, token model.Token) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byURL[normalizeURL(url)] = token
}

func (r *TokenRegistry) Remove(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byURL, normalizeURL(url))
}

// Lookup resolves the token for a service. Tokens of the principal in ctx
// win over process wide ones.
func (r *TokenRegistry) Lookup(ctx context.Context, ref model.ServiceRef) (model.Token, bool) {
	url := normalizeURL(ref.URL)
	if p := PrincipalFrom(ctx); p != nil {
		if t, ok := p.Tokens[url]; ok {
			return t, true
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.byURL[url]; ok {
		return t, true
	}
	t, ok := r.byKind[ref.Kind]
	return t, ok
}

type principalCtxKey struct{}

// WithPrincipal binds the caller identity to ctx. Principal tokens must be
// keyed by normalized service URL.
func WithPrincipal(ctx context.Context, p *model.Principal) context.Context {
	return context.WithValue(ctx, principalCtxKey{}, p)
}

func PrincipalFrom(ctx context.Context) *model.Principal {
	p, _ := ctx.Value(principalCtxKey{}).(*model.Principal)
	return p
}

func normalizeURL(url string) string {
	return strings.TrimRight(strings.TrimSpace(url), "/")
}
