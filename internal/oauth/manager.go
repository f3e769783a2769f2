package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/giantswarm/mcp-toolbridge/internal/logging"
	"github.com/giantswarm/mcp-toolbridge/internal/store"
)

const (
	// DefaultRefreshBuffer is how long before expiry a token is refreshed.
	DefaultRefreshBuffer = 5 * time.Minute

	// DefaultTokenLifetime applies when the token response has no expires_in.
	DefaultTokenLifetime = time.Hour

	// DefaultHTTPTimeout bounds every discovery and token request.
	DefaultHTTPTimeout = 30 * time.Second
)

// ConfigSource is the part of the configuration store the Manager reads.
type ConfigSource interface {
	GetAllConfigs(ctx context.Context) ([]store.ProviderConfig, error)
	GetConfig(ctx context.Context, id string) (*store.ProviderConfig, error)
	GetSecret(ctx context.Context, id string) (string, error)
}

// Recorder receives token lifecycle events. A nil error means success.
type Recorder interface {
	TokenRequest(providerID string, err error)
	TokenRefresh(providerID string, err error)
}

type nopRecorder struct{}

func (nopRecorder) TokenRequest(string, error) {}
func (nopRecorder) TokenRefresh(string, error) {}

// CachedToken is an access token held for one provider.
type CachedToken struct {
	AccessToken  string
	ExpiresAt    time.Time
	RefreshToken string
}

// TokenStat describes one cached token without revealing it.
type TokenStat struct {
	ProviderID      string     `json:"providerId"`
	ExpiresAt       time.Time  `json:"expiresAt"`
	RefreshAt       *time.Time `json:"refreshAt,omitempty"`
	HasRefreshToken bool       `json:"hasRefreshToken"`
}

// CacheStats is a snapshot of the token cache for monitoring.
type CacheStats struct {
	CachedTokens        int         `json:"cachedTokens"`
	ActiveRefreshTimers int         `json:"activeRefreshTimers"`
	Tokens              []TokenStat `json:"tokens"`
}

// generation identifies one lifetime of a provider's cache entry. It changes
// on InvalidateToken and ClearAll so that fetches and timers started earlier
// cannot write back.
type generation struct {
	epoch uint64
	n     uint64
}

type refreshTimer struct {
	timer     *time.Timer
	refreshAt time.Time
	expiresAt time.Time
}

// Manager is the OAuth token manager.
type Manager struct {
	configs       ConfigSource
	discoverer    *Discoverer
	httpClient    *http.Client
	logger        *logging.Logger
	recorder      Recorder
	refreshBuffer time.Duration
	now           func() time.Time

	group singleflight.Group

	mu          sync.Mutex
	tokens      map[string]CachedToken
	metadata    map[string]*ServerMetadata
	timers      map[string]*refreshTimer
	generations map[string]uint64
	epoch       uint64
}

// Option configures a Manager.
type Option func(*Manager)

// WithRefreshBuffer sets how long before expiry tokens are refreshed.
func WithRefreshBuffer(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.refreshBuffer = d
		}
	}
}

// WithHTTPClient sets the client used for discovery and token requests.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) {
		if c != nil {
			m.httpClient = c
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) {
		if r != nil {
			m.recorder = r
		}
	}
}

// WithClock replaces time.Now. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager creates a token manager reading provider configurations and
// secrets from configs.
func NewManager(configs ConfigSource, logger *logging.Logger, opts ...Option) *Manager {
	m := &Manager{
		configs:       configs,
		httpClient:    &http.Client{Timeout: DefaultHTTPTimeout},
		logger:        logger,
		recorder:      nopRecorder{},
		refreshBuffer: DefaultRefreshBuffer,
		now:           time.Now,
		tokens:        make(map[string]CachedToken),
		metadata:      make(map[string]*ServerMetadata),
		timers:        make(map[string]*refreshTimer),
		generations:   make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.discoverer = NewDiscoverer(m.httpClient, logger)
	m.discoverer.now = m.now
	return m
}

// HTTPClient returns the client used for outbound requests.
func (m *Manager) HTTPClient() *http.Client {
	return m.httpClient
}

// GetToken returns a valid access token for providerID, discovering the
// token endpoint and requesting a new token when nothing usable is cached.
// Concurrent callers for the same provider share one fetch.
func (m *Manager) GetToken(ctx context.Context, providerID string) (string, error) {
	m.mu.Lock()
	if cached, ok := m.tokens[providerID]; ok && m.now().Before(cached.ExpiresAt) {
		m.mu.Unlock()
		m.logger.Debug("Using cached token for provider %s", providerID)
		return cached.AccessToken, nil
	}
	if _, tracked := m.generations[providerID]; !tracked {
		m.generations[providerID] = 0
	}
	gen := m.generationLocked(providerID)
	m.mu.Unlock()

	m.logger.InfoVerbose("Fetching new token for provider %s", providerID)
	return m.fetchShared(ctx, providerID, gen)
}

// InvalidateToken drops the cached token, discovered metadata and refresh
// timer of a provider.
func (m *Manager) InvalidateToken(providerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.InfoVerbose("Invalidating token for provider %s", providerID)
	delete(m.tokens, providerID)
	delete(m.metadata, providerID)
	m.stopTimerLocked(providerID)
	// Only ids that have been fetched carry a generation.
	if _, tracked := m.generations[providerID]; tracked {
		m.generations[providerID]++
	}
}

// ClearAll drops every cached token and cancels every refresh timer.
func (m *Manager) ClearAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.InfoVerbose("Clearing all cached tokens and refresh timers")
	for id := range m.timers {
		m.stopTimerLocked(id)
	}
	m.tokens = make(map[string]CachedToken)
	m.metadata = make(map[string]*ServerMetadata)
	m.generations = make(map[string]uint64)
	m.epoch++
}

// PreloadTokens fetches tokens for every enabled provider concurrently and
// waits for all of them. Per-provider failures are logged and returned keyed
// by provider id; the error is only set when configurations cannot be read.
func (m *Manager) PreloadTokens(ctx context.Context) (map[string]error, error) {
	configs, err := m.configs.GetAllConfigs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load provider configurations: %w", err)
	}
	enabled := store.EnabledConfigs(configs)

	m.logger.Info("Preloading tokens for %d enabled providers", len(enabled))

	var (
		mu       sync.Mutex
		failures = make(map[string]error)
		g        errgroup.Group
	)
	for _, cfg := range enabled {
		g.Go(func() error {
			if _, err := m.GetToken(ctx, cfg.ID); err != nil {
				m.logger.Error("Failed to preload token for provider %s: %v", cfg.ID, err)
				mu.Lock()
				failures[cfg.ID] = err
				mu.Unlock()
				return nil
			}
			m.logger.InfoVerbose("Preloaded token for provider %s", cfg.ID)
			return nil
		})
	}
	_ = g.Wait()

	return failures, nil
}

// CacheStats returns a snapshot of the cache, sorted by provider id.
func (m *Manager) CacheStats() CacheStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := CacheStats{
		CachedTokens:        len(m.tokens),
		ActiveRefreshTimers: len(m.timers),
		Tokens:              make([]TokenStat, 0, len(m.tokens)),
	}
	for id, token := range m.tokens {
		stat := TokenStat{
			ProviderID:      id,
			ExpiresAt:       token.ExpiresAt.UTC(),
			HasRefreshToken: token.RefreshToken != "",
		}
		if rt, ok := m.timers[id]; ok {
			refreshAt := rt.refreshAt.UTC()
			stat.RefreshAt = &refreshAt
		}
		stats.Tokens = append(stats.Tokens, stat)
	}
	sort.Slice(stats.Tokens, func(i, j int) bool {
		return stats.Tokens[i].ProviderID < stats.Tokens[j].ProviderID
	})
	return stats
}

// Metadata returns the discovered authorization server metadata of a
// provider, if cached.
func (m *Manager) Metadata(providerID string) (ServerMetadata, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	md, ok := m.metadata[providerID]
	if !ok {
		return ServerMetadata{}, false
	}
	return *md, true
}

// generationLocked must be called with m.mu held.
func (m *Manager) generationLocked(providerID string) generation {
	return generation{epoch: m.epoch, n: m.generations[providerID]}
}

// untrack forgets the generation of an unknown provider so that lookups of
// ids that were never configured do not accumulate.
func (m *Manager) untrack(providerID string, gen generation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.generationLocked(providerID) != gen {
		return
	}
	if _, ok := m.tokens[providerID]; ok {
		return
	}
	delete(m.generations, providerID)
}

// stopTimerLocked must be called with m.mu held.
func (m *Manager) stopTimerLocked(providerID string) {
	if rt, ok := m.timers[providerID]; ok {
		rt.timer.Stop()
		delete(m.timers, providerID)
	}
}

// fetchShared joins or starts the single in-flight fetch for a provider
// generation. The fetch itself is detached from ctx so one caller giving up
// does not fail the others.
func (m *Manager) fetchShared(ctx context.Context, providerID string, gen generation) (string, error) {
	key := fmt.Sprintf("%s#%d.%d", providerID, gen.epoch, gen.n)
	ch := m.group.DoChan(key, func() (interface{}, error) {
		return m.fetchAndCache(context.WithoutCancel(ctx), providerID, gen)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (m *Manager) fetchAndCache(ctx context.Context, providerID string, gen generation) (string, error) {
	cfg, err := m.configs.GetConfig(ctx, providerID)
	if err != nil {
		if errors.Is(err, store.ErrConfigNotFound) {
			m.untrack(providerID, gen)
		}
		return "", fmt.Errorf("failed to load configuration for provider %s: %w", providerID, err)
	}
	secret, err := m.configs.GetSecret(ctx, providerID)
	if err != nil {
		return "", fmt.Errorf("failed to load client secret for provider %s: %w", providerID, err)
	}

	metadata, err := m.serverMetadata(ctx, providerID, cfg.Endpoint, gen)
	if err != nil {
		m.recorder.TokenRequest(providerID, err)
		return "", err
	}

	token, err := m.requestToken(ctx, providerID, cfg.ClientID, secret, metadata)
	m.recorder.TokenRequest(providerID, err)
	if err != nil {
		m.mu.Lock()
		if m.generationLocked(providerID) == gen {
			delete(m.metadata, providerID)
		}
		m.mu.Unlock()
		return "", err
	}

	cached := CachedToken{
		AccessToken:  token.AccessToken,
		ExpiresAt:    m.expiresAt(token),
		RefreshToken: token.RefreshToken,
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.generationLocked(providerID) != gen {
		m.logger.Debug("Not caching token for provider %s: invalidated while fetching", providerID)
		return cached.AccessToken, nil
	}

	m.tokens[providerID] = cached
	m.scheduleRefreshLocked(providerID, cached.ExpiresAt, gen)
	m.logger.InfoVerbose("Cached token for provider %s, expires at %s", providerID, cached.ExpiresAt.UTC().Format(time.RFC3339))
	return cached.AccessToken, nil
}

func (m *Manager) serverMetadata(ctx context.Context, providerID, endpoint string, gen generation) (*ServerMetadata, error) {
	m.mu.Lock()
	if md, ok := m.metadata[providerID]; ok {
		m.mu.Unlock()
		return md, nil
	}
	m.mu.Unlock()

	md, err := m.discoverer.Discover(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.generationLocked(providerID) == gen {
		m.metadata[providerID] = md
	}
	m.mu.Unlock()
	return md, nil
}

func (m *Manager) requestToken(ctx context.Context, providerID, clientID, secret string, md *ServerMetadata) (*oauth2.Token, error) {
	conf := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: secret,
		TokenURL:     md.TokenEndpoint,
		// Providers expect the plural "scopes" parameter.
		EndpointParams: url.Values{"scopes": {strings.Join(md.ScopesSupported, " ")}},
		AuthStyle:      oauth2.AuthStyleInParams,
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
	token, err := conf.Token(ctx)
	if err != nil {
		reqErr := &TokenRequestError{
			ProviderID:    providerID,
			TokenEndpoint: md.TokenEndpoint,
			Err:           err,
		}
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
			reqErr.StatusCode = retrieveErr.Response.StatusCode
			reqErr.Body = string(retrieveErr.Body)
		}
		return nil, reqErr
	}
	return token, nil
}

// expiresAt computes the expiry from expires_in relative to the manager
// clock, falling back to DefaultTokenLifetime.
func (m *Manager) expiresAt(token *oauth2.Token) time.Time {
	now := m.now()

	var seconds float64
	switch v := token.Extra("expires_in").(type) {
	case float64:
		seconds = v
	case string:
		seconds, _ = strconv.ParseFloat(v, 64)
	}
	if seconds > 0 {
		return now.Add(time.Duration(seconds * float64(time.Second)))
	}
	return now.Add(DefaultTokenLifetime)
}

// scheduleRefreshLocked replaces the provider's refresh timer. No timer is
// set when the refresh instant has already passed. Must be called with m.mu
// held.
func (m *Manager) scheduleRefreshLocked(providerID string, expiresAt time.Time, gen generation) {
	m.stopTimerLocked(providerID)

	refreshAt := expiresAt.Add(-m.refreshBuffer)
	delay := refreshAt.Sub(m.now())
	if delay <= 0 {
		m.logger.Debug("Token for provider %s expires within the refresh buffer, not scheduling refresh", providerID)
		return
	}

	rt := &refreshTimer{refreshAt: refreshAt, expiresAt: expiresAt}
	rt.timer = time.AfterFunc(delay, func() { m.refresh(providerID, gen, rt) })
	m.timers[providerID] = rt
	m.logger.Debug("Scheduled token refresh for provider %s in %s", providerID, delay.Round(time.Second))
}

func (m *Manager) refresh(providerID string, gen generation, rt *refreshTimer) {
	m.mu.Lock()
	if m.timers[providerID] != rt || m.generationLocked(providerID) != gen {
		m.mu.Unlock()
		return
	}
	delete(m.timers, providerID)
	m.mu.Unlock()

	m.logger.Info("Auto-refreshing token for provider %s", providerID)

	_, err := m.fetchShared(context.Background(), providerID, gen)
	m.recorder.TokenRefresh(providerID, err)
	if err == nil {
		return
	}

	m.logger.Error("Error auto-refreshing token for provider %s: %v", providerID, err)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.generationLocked(providerID) == gen {
		delete(m.tokens, providerID)
		delete(m.metadata, providerID)
	}
}
