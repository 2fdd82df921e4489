package usecase

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/lifemon/pkg/domain"
	"github.com/m-mizutani/lifemon/pkg/domain/model"
)

// TokenStorage keeps testing service tokens set from the command line.
type TokenStorage struct {
	configDir string
	mu        sync.Mutex
}

func NewTokenStorage() *TokenStorage {
	homeDir, _ := os.UserHomeDir()
	return NewTokenStorageAt(filepath.Join(homeDir, ".config", "lifemon"))
}

func NewTokenStorageAt(dir string) *TokenStorage {
	return &TokenStorage{configDir: dir}
}

func (s *TokenStorage) getTokenPath() string {
	return filepath.Join(s.configDir, "tokens.json")
}

type tokenData struct {
	Services []model.ServiceConfig `json:"services"`
}

// Tokens returns the stored tokens sorted by URL.
func (s *TokenStorage) Tokens() ([]model.ServiceConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

func (s *TokenStorage) SaveToken(kind model.ServiceKind, url string, token model.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	services, err := s.read()
	if err != nil {
		return err
	}
	url = strings.TrimRight(url, "/")

	replaced := false
	for i := range services {
		if services[i].URL == url {
			services[i] = model.ServiceConfig{Kind: kind, URL: url, Token: token}
			replaced = true
		}
	}
	if !replaced {
		services = append(services, model.ServiceConfig{Kind: kind, URL: url, Token: token})
	}
	return s.write(services)
}

// RemoveToken reports whether a token for url was stored.
func (s *TokenStorage) RemoveToken(url string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	services, err := s.read()
	if err != nil {
		return false, err
	}
	url = strings.TrimRight(url, "/")

	kept := services[:0]
	for _, svc := range services {
		if svc.URL != url {
			kept = append(kept, svc)
		}
	}
	if len(kept) == len(services) {
		return false, nil
	}
	return true, s.write(kept)
}

func (s *TokenStorage) read() ([]model.ServiceConfig, error) {
	tokenPath := s.getTokenPath()
	data, err := os.ReadFile(tokenPath) // #nosec G304 - tokenPath is constructed from a fixed directory path
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, domain.ErrConfiguration.Wrap(err)
	}

	var td tokenData
	if err := json.Unmarshal(data, &td); err != nil {
		return nil, domain.ErrConfiguration.Wrap(err, goerr.V("path", tokenPath))
	}
	return td.Services, nil
}

func (s *TokenStorage) write(services []model.ServiceConfig) error {
	if err := os.MkdirAll(s.configDir, 0700); err != nil {
		return domain.ErrConfiguration.Wrap(err)
	}

	sort.Slice(services, func(i, j int) bool { return services[i].URL < services[j].URL })
	jsonData, err := json.MarshalIndent(tokenData{Services: services}, "", "  ")
	if err != nil {
		return domain.ErrConfiguration.Wrap(err)
	}

	if err := os.WriteFile(s.getTokenPath(), jsonData, 0600); err != nil {
		return domain.ErrConfiguration.Wrap(err)
	}
	return nil
}
