package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store. Nothing survives a restart.
type Memory struct {
	mu      sync.RWMutex
	configs map[string]ProviderConfig
	secrets map[string]string
	now     func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		configs: make(map[string]ProviderConfig),
		secrets: make(map[string]string),
		now:     time.Now,
	}
}

func (m *Memory) GetAllConfigs(_ context.Context) ([]ProviderConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	configs := make([]ProviderConfig, 0, len(m.configs))
	for _, cfg := range m.configs {
		configs = append(configs, cfg)
	}
	sort.Slice(configs, func(i, j int) bool {
		if configs[i].CreatedAt.Equal(configs[j].CreatedAt) {
			return configs[i].ID < configs[j].ID
		}
		return configs[i].CreatedAt.Before(configs[j].CreatedAt)
	})
	return configs, nil
}

func (m *Memory) GetConfig(_ context.Context, id string) (*ProviderConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cfg, ok := m.configs[id]
	if !ok {
		return nil, &ConfigNotFoundError{ID: id}
	}
	return &cfg, nil
}

func (m *Memory) AddConfig(_ context.Context, cfg ProviderConfig) error {
	cfg, err := prepareNew(cfg, m.now())
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.configs[cfg.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateConfig, cfg.ID)
	}
	m.configs[cfg.ID] = cfg
	return nil
}

func (m *Memory) UpdateConfig(_ context.Context, id string, patch ConfigPatch) (*ProviderConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, ok := m.configs[id]
	if !ok {
		return nil, &ConfigNotFoundError{ID: id}
	}
	updated, err := patch.Apply(cfg, m.now())
	if err != nil {
		return nil, err
	}
	m.configs[id] = updated
	return &updated, nil
}

func (m *Memory) DeleteConfig(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.configs[id]; !ok {
		return &ConfigNotFoundError{ID: id}
	}
	delete(m.configs, id)
	delete(m.secrets, id)
	return nil
}

func (m *Memory) GetSecret(_ context.Context, id string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	secret, ok := m.secrets[id]
	if !ok || secret == "" {
		return "", fmt.Errorf("%w for provider %s", ErrSecretNotFound, id)
	}
	return secret, nil
}

func (m *Memory) SaveSecret(_ context.Context, id, secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[id] = secret
	return nil
}

func (m *Memory) DeleteSecret(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.secrets, id)
	return nil
}

func (m *Memory) Close() error { return nil }
