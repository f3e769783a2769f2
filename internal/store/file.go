package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// fileDocument is the on-disk layout of a File store.
type fileDocument struct {
	Providers []ProviderConfig `yaml:"providers"`
	// Secrets maps provider id to a sealed client secret.
	Secrets map[string]string `yaml:"secrets,omitempty"`
}

// File is a Store persisted to a YAML document. The whole document is
// rewritten on every change.
type File struct {
	mu     sync.Mutex
	path   string
	sealer *Sealer
	doc    fileDocument
	now    func() time.Time
}

// NewFile loads the document at path. A missing file is treated as empty.
func NewFile(path string, sealer *Sealer) (*File, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("file store path is required")
	}
	if sealer == nil {
		return nil, fmt.Errorf("file store requires a secret sealer")
	}

	f := &File{
		path:   path,
		sealer: sealer,
		doc:    fileDocument{Secrets: map[string]string{}},
		now:    time.Now,
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return f, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read store file: %w", err)
	}

	if err := yaml.Unmarshal(data, &f.doc); err != nil {
		return nil, fmt.Errorf("failed to parse store file %s: %w", path, err)
	}
	if f.doc.Secrets == nil {
		f.doc.Secrets = map[string]string{}
	}
	return f, nil
}

// persist must be called with f.mu held.
func (f *File) persist() error {
	data, err := yaml.Marshal(&f.doc)
	if err != nil {
		return fmt.Errorf("failed to encode store file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("failed to create store dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".toolbridge-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp store file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write store file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to set store file mode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close store file: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to replace store file: %w", err)
	}
	return nil
}

func (f *File) indexOf(id string) int {
	for i, cfg := range f.doc.Providers {
		if cfg.ID == id {
			return i
		}
	}
	return -1
}

func (f *File) GetAllConfigs(_ context.Context) ([]ProviderConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]ProviderConfig, len(f.doc.Providers))
	copy(out, f.doc.Providers)
	return out, nil
}

func (f *File) GetConfig(_ context.Context, id string) (*ProviderConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	i := f.indexOf(id)
	if i < 0 {
		return nil, &ConfigNotFoundError{ID: id}
	}
	cfg := f.doc.Providers[i]
	return &cfg, nil
}

func (f *File) AddConfig(_ context.Context, cfg ProviderConfig) error {
	cfg, err := prepareNew(cfg, f.now())
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.indexOf(cfg.ID) >= 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateConfig, cfg.ID)
	}
	f.doc.Providers = append(f.doc.Providers, cfg)
	if err := f.persist(); err != nil {
		f.doc.Providers = f.doc.Providers[:len(f.doc.Providers)-1]
		return err
	}
	return nil
}

func (f *File) UpdateConfig(_ context.Context, id string, patch ConfigPatch) (*ProviderConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	i := f.indexOf(id)
	if i < 0 {
		return nil, &ConfigNotFoundError{ID: id}
	}
	previous := f.doc.Providers[i]
	updated, err := patch.Apply(previous, f.now())
	if err != nil {
		return nil, err
	}
	f.doc.Providers[i] = updated
	if err := f.persist(); err != nil {
		f.doc.Providers[i] = previous
		return nil, err
	}
	return &updated, nil
}

func (f *File) DeleteConfig(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	i := f.indexOf(id)
	if i < 0 {
		return &ConfigNotFoundError{ID: id}
	}
	previous := f.doc.Providers
	sealed, hadSecret := f.doc.Secrets[id]

	remaining := make([]ProviderConfig, 0, len(previous)-1)
	remaining = append(remaining, previous[:i]...)
	remaining = append(remaining, previous[i+1:]...)
	f.doc.Providers = remaining
	delete(f.doc.Secrets, id)

	if err := f.persist(); err != nil {
		f.doc.Providers = previous
		if hadSecret {
			f.doc.Secrets[id] = sealed
		}
		return err
	}
	return nil
}

func (f *File) GetSecret(_ context.Context, id string) (string, error) {
	f.mu.Lock()
	sealed, ok := f.doc.Secrets[id]
	f.mu.Unlock()

	if !ok {
		return "", fmt.Errorf("%w for provider %s", ErrSecretNotFound, id)
	}
	return f.sealer.Open(id, sealed)
}

func (f *File) SaveSecret(_ context.Context, id, secret string) error {
	sealed, err := f.sealer.Seal(id, secret)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.doc.Secrets[id] = sealed
	return f.persist()
}

func (f *File) DeleteSecret(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.doc.Secrets[id]; !ok {
		return nil
	}
	delete(f.doc.Secrets, id)
	return f.persist()
}

func (f *File) Close() error { return nil }
