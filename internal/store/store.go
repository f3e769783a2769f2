// Package store persists tool provider configurations and their client secrets.
//
// A provider configuration describes one remote tool provider (its endpoint and
// OAuth client id). The matching client secret is stored apart from the
// configuration and is never returned by configuration reads.
package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrConfigNotFound is matched by every ConfigNotFoundError.
	ErrConfigNotFound = errors.New("provider configuration not found")

	// ErrSecretNotFound is returned when no secret is stored for a provider.
	ErrSecretNotFound = errors.New("client secret not found")

	// ErrDuplicateConfig is returned by AddConfig when the id is taken.
	ErrDuplicateConfig = errors.New("provider configuration already exists")
)

// ConfigNotFoundError reports an operation on an unknown provider id.
type ConfigNotFoundError struct {
	ID string
}

func (e *ConfigNotFoundError) Error() string {
	return fmt.Sprintf("provider configuration %s not found", e.ID)
}

// Is lets errors.Is(err, ErrConfigNotFound) match.
func (e *ConfigNotFoundError) Is(target error) bool {
	return target == ErrConfigNotFound
}

// ProviderConfig describes one remote tool provider.
type ProviderConfig struct {
	ID                    string    `json:"id" yaml:"id"`
	Name                  string    `json:"name" yaml:"name"`
	Description           string    `json:"description,omitempty" yaml:"description,omitempty"`
	Endpoint              string    `json:"endpoint" yaml:"endpoint"`
	ClientID              string    `json:"clientId" yaml:"clientId"`
	Enabled               bool      `json:"enabled" yaml:"enabled"`
	AdditionalInstruction string    `json:"additionalInstruction,omitempty" yaml:"additionalInstruction,omitempty"`
	CreatedAt             time.Time `json:"createdAt" yaml:"createdAt"`
	UpdatedAt             time.Time `json:"updatedAt" yaml:"updatedAt"`
}

// Validate checks the fields required to talk to a provider.
func (c *ProviderConfig) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("provider id is required")
	}
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("provider name is required")
	}
	if strings.TrimSpace(c.ClientID) == "" {
		return fmt.Errorf("client id is required")
	}
	return validateEndpoint(c.Endpoint)
}

func validateEndpoint(endpoint string) error {
	if strings.TrimSpace(endpoint) == "" {
		return fmt.Errorf("endpoint is required")
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("endpoint must use http or https scheme: %s", endpoint)
	}
	if parsed.Host == "" {
		return fmt.Errorf("endpoint missing host: %s", endpoint)
	}
	return nil
}

// ConfigPatch is a partial update. Nil fields are left untouched.
type ConfigPatch struct {
	Name                  *string `json:"name,omitempty"`
	Description           *string `json:"description,omitempty"`
	Endpoint              *string `json:"endpoint,omitempty"`
	ClientID              *string `json:"clientId,omitempty"`
	Enabled               *bool   `json:"enabled,omitempty"`
	AdditionalInstruction *string `json:"additionalInstruction,omitempty"`
}

// Apply merges the patch into cfg. The id is never changed and UpdatedAt is
// set to now.
func (p ConfigPatch) Apply(cfg ProviderConfig, now time.Time) (ProviderConfig, error) {
	if p.Name != nil {
		cfg.Name = *p.Name
	}
	if p.Description != nil {
		cfg.Description = *p.Description
	}
	if p.Endpoint != nil {
		if err := validateEndpoint(*p.Endpoint); err != nil {
			return cfg, err
		}
		cfg.Endpoint = *p.Endpoint
	}
	if p.ClientID != nil {
		cfg.ClientID = *p.ClientID
	}
	if p.Enabled != nil {
		cfg.Enabled = *p.Enabled
	}
	if p.AdditionalInstruction != nil {
		cfg.AdditionalInstruction = *p.AdditionalInstruction
	}
	cfg.UpdatedAt = now.UTC()
	return cfg, nil
}

// Store is the configuration and secret persistence contract.
type Store interface {
	GetAllConfigs(ctx context.Context) ([]ProviderConfig, error)
	GetConfig(ctx context.Context, id string) (*ProviderConfig, error)
	AddConfig(ctx context.Context, cfg ProviderConfig) error
	UpdateConfig(ctx context.Context, id string, patch ConfigPatch) (*ProviderConfig, error)
	DeleteConfig(ctx context.Context, id string) error

	GetSecret(ctx context.Context, id string) (string, error)
	SaveSecret(ctx context.Context, id, secret string) error
	DeleteSecret(ctx context.Context, id string) error

	Close() error
}

// EnabledConfigs filters configs down to the enabled ones.
func EnabledConfigs(configs []ProviderConfig) []ProviderConfig {
	enabled := make([]ProviderConfig, 0, len(configs))
	for _, cfg := range configs {
		if cfg.Enabled {
			enabled = append(enabled, cfg)
		}
	}
	return enabled
}

// prepareNew stamps timestamps on a config about to be added.
func prepareNew(cfg ProviderConfig, now time.Time) (ProviderConfig, error) {
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	now = now.UTC()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	if cfg.UpdatedAt.IsZero() {
		cfg.UpdatedAt = now
	}
	return cfg, nil
}
