package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestSealer(t *testing.T) *Sealer {
	t.Helper()
	s, err := NewSealer("test-passphrase")
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	return s
}

func backends(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"file": func(t *testing.T) Store {
			s, err := NewFile(filepath.Join(t.TempDir(), "providers.yaml"), newTestSealer(t))
			if err != nil {
				t.Fatalf("NewFile: %v", err)
			}
			return s
		},
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLite(filepath.Join(t.TempDir(), "providers.db"), newTestSealer(t))
			if err != nil {
				t.Fatalf("NewSQLite: %v", err)
			}
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func sampleConfig(id string) ProviderConfig {
	return ProviderConfig{
		ID:                    id,
		Name:                  "Weather " + id,
		Description:           "forecasts",
		Endpoint:              "https://tools.example.com/mcp",
		ClientID:              "client-" + id,
		Enabled:               true,
		AdditionalInstruction: "answer in celsius",
	}
}

func TestStoreConfigLifecycle(t *testing.T) {
	for name, newStore := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			if err := s.AddConfig(ctx, sampleConfig("p1")); err != nil {
				t.Fatalf("AddConfig: %v", err)
			}
			if err := s.AddConfig(ctx, sampleConfig("p2")); err != nil {
				t.Fatalf("AddConfig: %v", err)
			}

			err := s.AddConfig(ctx, sampleConfig("p1"))
			if !errors.Is(err, ErrDuplicateConfig) {
				t.Fatalf("expected ErrDuplicateConfig, got %v", err)
			}

			all, err := s.GetAllConfigs(ctx)
			if err != nil {
				t.Fatalf("GetAllConfigs: %v", err)
			}
			if len(all) != 2 {
				t.Fatalf("expected 2 configs, got %d", len(all))
			}

			got, err := s.GetConfig(ctx, "p1")
			if err != nil {
				t.Fatalf("GetConfig: %v", err)
			}
			if got.ClientID != "client-p1" || got.AdditionalInstruction != "answer in celsius" || !got.Enabled {
				t.Errorf("unexpected config %+v", got)
			}
			if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
				t.Errorf("expected timestamps to be set, got %+v", got)
			}

			disabled := false
			newName := "Renamed"
			updated, err := s.UpdateConfig(ctx, "p1", ConfigPatch{Name: &newName, Enabled: &disabled})
			if err != nil {
				t.Fatalf("UpdateConfig: %v", err)
			}
			if updated.ID != "p1" || updated.Name != "Renamed" || updated.Enabled {
				t.Errorf("unexpected update result %+v", updated)
			}
			if updated.Endpoint != "https://tools.example.com/mcp" {
				t.Errorf("expected untouched endpoint, got %q", updated.Endpoint)
			}

			reread, err := s.GetConfig(ctx, "p1")
			if err != nil {
				t.Fatalf("GetConfig after update: %v", err)
			}
			if reread.Name != "Renamed" || reread.Enabled {
				t.Errorf("update not persisted: %+v", reread)
			}

			if err := s.DeleteConfig(ctx, "p1"); err != nil {
				t.Fatalf("DeleteConfig: %v", err)
			}
			_, err = s.GetConfig(ctx, "p1")
			var notFound *ConfigNotFoundError
			if !errors.As(err, &notFound) || notFound.ID != "p1" {
				t.Fatalf("expected ConfigNotFoundError for p1, got %v", err)
			}
			if !errors.Is(err, ErrConfigNotFound) {
				t.Errorf("expected errors.Is ErrConfigNotFound, got %v", err)
			}
		})
	}
}

func TestStoreUnknownIDs(t *testing.T) {
	for name, newStore := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			enabled := true
			if _, err := s.UpdateConfig(ctx, "missing", ConfigPatch{Enabled: &enabled}); !errors.Is(err, ErrConfigNotFound) {
				t.Errorf("UpdateConfig: expected ErrConfigNotFound, got %v", err)
			}
			if err := s.DeleteConfig(ctx, "missing"); !errors.Is(err, ErrConfigNotFound) {
				t.Errorf("DeleteConfig: expected ErrConfigNotFound, got %v", err)
			}
			if _, err := s.GetSecret(ctx, "missing"); !errors.Is(err, ErrSecretNotFound) {
				t.Errorf("GetSecret: expected ErrSecretNotFound, got %v", err)
			}
		})
	}
}

func TestStoreSecrets(t *testing.T) {
	for name, newStore := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			if err := s.AddConfig(ctx, sampleConfig("p1")); err != nil {
				t.Fatalf("AddConfig: %v", err)
			}
			if err := s.SaveSecret(ctx, "p1", "s3cret"); err != nil {
				t.Fatalf("SaveSecret: %v", err)
			}
			got, err := s.GetSecret(ctx, "p1")
			if err != nil || got != "s3cret" {
				t.Fatalf("GetSecret = %q, %v", got, err)
			}

			if err := s.SaveSecret(ctx, "p1", "rotated"); err != nil {
				t.Fatalf("SaveSecret rotate: %v", err)
			}
			if got, _ := s.GetSecret(ctx, "p1"); got != "rotated" {
				t.Errorf("expected rotated secret, got %q", got)
			}

			if err := s.DeleteConfig(ctx, "p1"); err != nil {
				t.Fatalf("DeleteConfig: %v", err)
			}
			if _, err := s.GetSecret(ctx, "p1"); !errors.Is(err, ErrSecretNotFound) {
				t.Errorf("expected secret removed with config, got %v", err)
			}

			if err := s.DeleteSecret(ctx, "never-saved"); err != nil {
				t.Errorf("DeleteSecret of unknown id should be a no-op, got %v", err)
			}
		})
	}
}

func TestAddConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ProviderConfig)
		errMsg string
	}{
		{name: "missing id", mutate: func(c *ProviderConfig) { c.ID = "" }, errMsg: "provider id is required"},
		{name: "missing name", mutate: func(c *ProviderConfig) { c.Name = " " }, errMsg: "provider name is required"},
		{name: "missing client id", mutate: func(c *ProviderConfig) { c.ClientID = "" }, errMsg: "client id is required"},
		{name: "missing endpoint", mutate: func(c *ProviderConfig) { c.Endpoint = "" }, errMsg: "endpoint is required"},
		{name: "bad scheme", mutate: func(c *ProviderConfig) { c.Endpoint = "ftp://tools.example.com" }, errMsg: "http or https"},
		{name: "no host", mutate: func(c *ProviderConfig) { c.Endpoint = "https://" }, errMsg: "missing host"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := sampleConfig("p1")
			tt.mutate(&cfg)
			err := NewMemory().AddConfig(context.Background(), cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("expected error containing %q, got %q", tt.errMsg, err.Error())
			}
		})
	}
}

func TestConfigPatchApply(t *testing.T) {
	base := sampleConfig("p1")
	base.UpdatedAt = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	desc := ""
	instr := "be brief"
	out, err := ConfigPatch{Description: &desc, AdditionalInstruction: &instr}.Apply(base, now)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if out.Description != "" || out.AdditionalInstruction != "be brief" {
		t.Errorf("unexpected patched config %+v", out)
	}
	if !out.UpdatedAt.Equal(now) {
		t.Errorf("expected UpdatedAt %v, got %v", now, out.UpdatedAt)
	}
	if out.ID != base.ID || out.Name != base.Name {
		t.Errorf("expected untouched id/name, got %+v", out)
	}

	bad := "not a url"
	if _, err := (ConfigPatch{Endpoint: &bad}).Apply(base, now); err == nil {
		t.Error("expected invalid endpoint patch to fail")
	}
}

func TestFileStorePersistsSealedSecrets(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "providers.yaml")
	sealer := newTestSealer(t)

	s, err := NewFile(path, sealer)
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	if err := s.AddConfig(ctx, sampleConfig("p1")); err != nil {
		t.Fatalf("AddConfig: %v", err)
	}
	if err := s.SaveSecret(ctx, "p1", "plain-text-secret"); err != nil {
		t.Fatalf("SaveSecret: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read store file: %v", err)
	}
	if strings.Contains(string(data), "plain-text-secret") {
		t.Error("secret stored in plain text")
	}
	if !strings.Contains(string(data), "clientId: client-p1") {
		t.Errorf("expected config in YAML document, got:\n%s", data)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("expected 0600 permissions, got %o", info.Mode().Perm())
	}

	reopened, err := NewFile(path, sealer)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := reopened.GetSecret(ctx, "p1")
	if err != nil || got != "plain-text-secret" {
		t.Errorf("GetSecret after reopen = %q, %v", got, err)
	}

	other, err := NewSealer("a different key")
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	wrongKey, err := NewFile(path, other)
	if err != nil {
		t.Fatalf("reopen with other key: %v", err)
	}
	if _, err := wrongKey.GetSecret(ctx, "p1"); err == nil {
		t.Error("expected decryption failure with a different key")
	}
}

func TestFileStoreDeleteKeepsStateWhenWriteFails(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "providers.yaml")

	s, err := NewFile(path, newTestSealer(t))
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	if err := s.AddConfig(ctx, sampleConfig("p1")); err != nil {
		t.Fatalf("AddConfig: %v", err)
	}
	if err := s.SaveSecret(ctx, "p1", "secret-p1"); err != nil {
		t.Fatalf("SaveSecret: %v", err)
	}

	// A non-empty directory in place of the document makes the rename fail.
	if err := os.Remove(path); err != nil {
		t.Fatalf("remove store file: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(path, "blocker"), 0o755); err != nil {
		t.Fatalf("create blocking dir: %v", err)
	}

	if err := s.DeleteConfig(ctx, "p1"); err == nil {
		t.Fatal("expected DeleteConfig to fail")
	}

	if _, err := s.GetConfig(ctx, "p1"); err != nil {
		t.Errorf("config lost after failed delete: %v", err)
	}
	if got, err := s.GetSecret(ctx, "p1"); err != nil || got != "secret-p1" {
		t.Errorf("secret lost after failed delete: %q, %v", got, err)
	}
}

func TestSealer(t *testing.T) {
	if _, err := NewSealer("  "); err == nil {
		t.Fatal("expected empty passphrase to be rejected")
	}

	s := newTestSealer(t)
	sealed, err := s.Seal("p1", "hunter2")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if !strings.HasPrefix(sealed, sealedPrefix) || strings.Contains(sealed, "hunter2") {
		t.Errorf("unexpected sealed value %q", sealed)
	}

	again, _ := s.Seal("p1", "hunter2")
	if again == sealed {
		t.Error("expected a fresh nonce per seal")
	}

	plain, err := s.Open("p1", sealed)
	if err != nil || plain != "hunter2" {
		t.Fatalf("Open = %q, %v", plain, err)
	}
	if _, err := s.Open("p2", sealed); err == nil {
		t.Error("expected sealed secret to be bound to its provider id")
	}
	if _, err := s.Open("p1", "garbage"); err == nil {
		t.Error("expected unsupported format error")
	}
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		opts    Options
		wantErr string
	}{
		{name: "default memory", opts: Options{}},
		{name: "file", opts: Options{Kind: "file", SecretKey: "k", DefaultDir: dir}},
		{name: "sqlite", opts: Options{Kind: "SQLite", SecretKey: "k", Path: filepath.Join(dir, "x.db")}},
		{name: "durable without key", opts: Options{Kind: "sqlite", DefaultDir: dir}, wantErr: "secret key is required"},
		{name: "unknown kind", opts: Options{Kind: "redis"}, wantErr: "unknown store kind"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Open(tt.opts)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			_ = s.Close()
		})
	}
}

func TestEnabledConfigs(t *testing.T) {
	a := sampleConfig("a")
	b := sampleConfig("b")
	b.Enabled = false
	got := EnabledConfigs([]ProviderConfig{a, b})
	if len(got) != 1 || got[0].ID != "a" {
		t.Errorf("unexpected enabled set %+v", got)
	}
}
