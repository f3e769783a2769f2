// Package remotetool turns the tool catalogs of configured providers into
// registry tools.
//
// A Loader reads provider configurations, fetches each enabled provider's
// tools/list catalog with a client-credentials token and registers one
// RemoteTool per catalog entry. It keeps an index of the adapters it created
// per provider so that a provider can later be unregistered or reloaded as a
// unit.
package remotetool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/giantswarm/mcp-toolbridge/internal/logging"
	"github.com/giantswarm/mcp-toolbridge/internal/oauth"
	"github.com/giantswarm/mcp-toolbridge/internal/provider"
	"github.com/giantswarm/mcp-toolbridge/internal/registry"
	"github.com/giantswarm/mcp-toolbridge/internal/store"
)

var emptySchema = json.RawMessage(`{}`)

// ConfigSource is the part of the configuration store the Loader reads.
type ConfigSource interface {
	GetAllConfigs(ctx context.Context) ([]store.ProviderConfig, error)
	GetConfig(ctx context.Context, id string) (*store.ProviderConfig, error)
}

// TokenManager is the token cache the Loader drives.
type TokenManager interface {
	TokenSource
	PreloadTokens(ctx context.Context) (map[string]error, error)
	ClearAll()
	CacheStats() oauth.CacheStats
}

// LoadedTool identifies one registered adapter.
type LoadedTool struct {
	ProviderID  string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Status is a snapshot of the loaded tools and the token cache.
type Status struct {
	LoadedTools []LoadedTool     `json:"loadedTools"`
	TokenCache  oauth.CacheStats `json:"tokenCache"`
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithHTTPClient sets the client used for tools/list and tools/call.
func WithHTTPClient(c *http.Client) LoaderOption {
	return func(l *Loader) {
		if c != nil {
			l.httpClient = c
		}
	}
}

// WithCallRecorder sets the observer of tool calls made by the adapters.
func WithCallRecorder(r CallRecorder) LoaderOption {
	return func(l *Loader) {
		if r != nil {
			l.recorder = r
		}
	}
}

// Loader registers provider tools in a registry.
type Loader struct {
	configs    ConfigSource
	tokens     TokenManager
	registry   *registry.Registry
	httpClient *http.Client
	recorder   CallRecorder
	logger     *logging.Logger

	// opMu serializes operations that change the set of registered tools.
	opMu sync.Mutex

	mu     sync.RWMutex
	loaded map[string][]*RemoteTool
}

// NewLoader creates a Loader that registers into reg.
func NewLoader(configs ConfigSource, tokens TokenManager, reg *registry.Registry, logger *logging.Logger, opts ...LoaderOption) *Loader {
	l := &Loader{
		configs:    configs,
		tokens:     tokens,
		registry:   reg,
		httpClient: http.DefaultClient,
		recorder:   nopCallRecorder{},
		logger:     logger,
		loaded:     make(map[string][]*RemoteTool),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Initialize registers the tools of every enabled provider. Failures of
// individual providers are logged and do not affect the others; an error is
// returned only when the configurations cannot be read.
func (l *Loader) Initialize(ctx context.Context) error {
	l.opMu.Lock()
	defer l.opMu.Unlock()
	return l.initialize(ctx)
}

func (l *Loader) initialize(ctx context.Context) error {
	l.logger.Info("Initializing MCP tools from the configuration store...")

	configs, err := l.configs.GetAllConfigs(ctx)
	if err != nil {
		return fmt.Errorf("failed to load provider configurations: %w", err)
	}
	enabled := store.EnabledConfigs(configs)
	l.logger.Info("Found %d enabled providers", len(enabled))

	if _, err := l.tokens.PreloadTokens(ctx); err != nil {
		return err
	}

	for _, cfg := range enabled {
		if err := l.registerProvider(ctx, cfg); err != nil {
			l.logger.Error("Failed to register provider %s (%s): %v", cfg.Name, cfg.ID, err)
		}
	}

	l.logger.Success("MCP tool initialization complete. Loaded %d tools", l.count())
	return nil
}

// RegisterProvider fetches the catalog of cfg's provider and registers one
// adapter per entry, replacing adapters registered earlier for the same
// provider. Token failures are returned; a catalog failure registers no tools.
func (l *Loader) RegisterProvider(ctx context.Context, cfg store.ProviderConfig) error {
	l.opMu.Lock()
	defer l.opMu.Unlock()
	return l.registerProvider(ctx, cfg)
}

func (l *Loader) registerProvider(ctx context.Context, cfg store.ProviderConfig) error {
	l.logger.Info("Registering MCP provider: %s (%s)", cfg.Name, cfg.ID)

	l.removeAdapters(cfg.ID)

	token, err := l.tokens.GetToken(ctx, cfg.ID)
	if err != nil {
		return err
	}

	client := provider.NewClient(cfg.Endpoint, l.httpClient, l.logger)
	entries, err := client.ListTools(ctx, token)
	if err != nil {
		l.logger.Warning("Could not fetch the tool catalog of provider %s: %v", cfg.ID, err)
		return nil
	}

	tools := make([]*RemoteTool, 0, len(entries))
	for _, entry := range entries {
		if entry.Name == "" {
			l.logger.Warning("Skipping unnamed catalog entry of provider %s", cfg.ID)
			continue
		}
		tool := &RemoteTool{
			ProviderID:         cfg.ID,
			ToolName:           entry.Name,
			ToolDescription:    firstNonEmpty(entry.Description, cfg.Description),
			Endpoint:           cfg.Endpoint,
			InputSchema:        schemaOrEmpty(entry.InputSchema),
			AnswerInstructions: cfg.AdditionalInstruction,
			client:             client,
			tokens:             l.tokens,
			recorder:           l.recorder,
			logger:             l.logger,
		}
		l.registry.Register(tool)
		tools = append(tools, tool)
	}

	l.mu.Lock()
	l.loaded[cfg.ID] = tools
	l.mu.Unlock()

	l.logger.Success("Registered %d tools from provider %s (%s)", len(tools), cfg.Name, cfg.ID)
	return nil
}

// UnregisterProvider removes every adapter of providerID from the registry
// and drops the provider's cached token.
func (l *Loader) UnregisterProvider(providerID string) {
	l.opMu.Lock()
	defer l.opMu.Unlock()
	l.unregisterProvider(providerID)
}

func (l *Loader) unregisterProvider(providerID string) {
	removed := l.removeAdapters(providerID)
	l.tokens.InvalidateToken(providerID)
	l.logger.Info("Unregistered provider %s (%d tools)", providerID, removed)
}

// removeAdapters deletes the adapters indexed under providerID. A registry
// entry that has since been taken over by another provider is left alone.
func (l *Loader) removeAdapters(providerID string) int {
	l.mu.Lock()
	tools := l.loaded[providerID]
	delete(l.loaded, providerID)
	l.mu.Unlock()

	removed := 0
	for _, tool := range tools {
		if l.registry.RemoveIf(tool.ToolName, func(current registry.Tool) bool {
			return current == registry.Tool(tool)
		}) {
			removed++
		}
	}
	return removed
}

// Reload re-reads the provider's configuration and registers it again if it
// is still enabled.
func (l *Loader) Reload(ctx context.Context, providerID string) error {
	l.opMu.Lock()
	defer l.opMu.Unlock()

	cfg, err := l.configs.GetConfig(ctx, providerID)
	if err != nil {
		return err
	}

	l.unregisterProvider(providerID)
	if !cfg.Enabled {
		l.logger.Info("Provider %s is disabled, not registering", providerID)
		return nil
	}
	return l.registerProvider(ctx, *cfg)
}

// ReloadAll unregisters every provider, clears the token cache and
// initializes again.
func (l *Loader) ReloadAll(ctx context.Context) error {
	l.opMu.Lock()
	defer l.opMu.Unlock()

	l.mu.RLock()
	ids := make([]string, 0, len(l.loaded))
	for id := range l.loaded {
		ids = append(ids, id)
	}
	l.mu.RUnlock()

	for _, id := range ids {
		l.unregisterProvider(id)
	}
	l.tokens.ClearAll()

	return l.initialize(ctx)
}

// ListLoaded returns one entry per registered adapter, sorted by provider id
// and tool name.
func (l *Loader) ListLoaded() []LoadedTool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	list := make([]LoadedTool, 0)
	for id, tools := range l.loaded {
		for _, tool := range tools {
			list = append(list, LoadedTool{
				ProviderID:  id,
				Name:        tool.ToolName,
				Description: tool.ToolDescription,
			})
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].ProviderID != list[j].ProviderID {
			return list[i].ProviderID < list[j].ProviderID
		}
		return list[i].Name < list[j].Name
	})
	return list
}

// Status reports the loaded tools together with the token cache statistics.
func (l *Loader) Status() Status {
	return Status{
		LoadedTools: l.ListLoaded(),
		TokenCache:  l.tokens.CacheStats(),
	}
}

func (l *Loader) count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, tools := range l.loaded {
		n += len(tools)
	}
	return n
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func schemaOrEmpty(schema json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(schema)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return emptySchema
	}
	return schema
}
