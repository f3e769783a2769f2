package oauth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/giantswarm/mcp-toolbridge/internal/providertest"
	"github.com/giantswarm/mcp-toolbridge/internal/store"
)

func TestGetTokenDiscoversAndCaches(t *testing.T) {
	env := setupTestEnvironment(t)
	recorder := &fakeRecorder{}
	m := newTestManager(t, env.Store, WithRecorder(recorder))
	ctx := context.Background()

	first, err := m.GetToken(ctx, "p1")
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if !env.AS.Valid(first) {
		t.Errorf("expected a token issued by the authorization server, got %q", first)
	}

	second, err := m.GetToken(ctx, "p1")
	if err != nil {
		t.Fatalf("second GetToken: %v", err)
	}
	if second != first {
		t.Errorf("expected cached token %q, got %q", first, second)
	}

	if got := env.AS.TokenRequestCount(); got != 1 {
		t.Errorf("expected 1 token request, got %d", got)
	}
	if got := env.Provider.ProbeCount(); got != 1 {
		t.Errorf("expected 1 unauthenticated probe, got %d", got)
	}

	form := env.AS.LastTokenForm()
	checks := map[string]string{
		"grant_type":    "client_credentials",
		"client_id":     providertest.DefaultClientID,
		"client_secret": providertest.DefaultClientSecret,
		"scopes":        "tools:read tools:call",
	}
	for key, want := range checks {
		if got := form.Get(key); got != want {
			t.Errorf("token form %s = %q, want %q", key, got, want)
		}
	}
	if _, ok := form["scope"]; ok {
		t.Error("expected no singular scope parameter")
	}

	md, ok := m.Metadata("p1")
	if !ok {
		t.Fatal("expected discovered metadata to be cached")
	}
	if md.TokenEndpoint != env.AS.TokenEndpoint() || md.AuthorizationServer != env.AS.URL {
		t.Errorf("unexpected metadata %+v", md)
	}

	events := recorder.Events()
	if len(events) != 1 || events[0].kind != "request" || events[0].failed {
		t.Errorf("unexpected recorded events %+v", events)
	}
}

func TestGetTokenSchedulesRefresh(t *testing.T) {
	tests := []struct {
		name          string
		expiresIn     int
		wantExpiresIn time.Duration
		wantTimer     bool
	}{
		{name: "one hour token", expiresIn: 3600, wantExpiresIn: time.Hour, wantTimer: true},
		{name: "missing expires_in defaults to one hour", expiresIn: 0, wantExpiresIn: time.Hour, wantTimer: true},
		{name: "token inside refresh buffer", expiresIn: 200, wantExpiresIn: 200 * time.Second, wantTimer: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestEnvironment(t)
			env.AS.SetExpiresIn(tt.expiresIn)
			clock := newTestClock()
			m := newTestManager(t, env.Store, WithClock(clock.Now))

			if _, err := m.GetToken(context.Background(), "p1"); err != nil {
				t.Fatalf("GetToken: %v", err)
			}

			stats := m.CacheStats()
			if stats.CachedTokens != 1 || len(stats.Tokens) != 1 {
				t.Fatalf("expected one cached token, got %+v", stats)
			}
			wantExpiry := clock.Now().Add(tt.wantExpiresIn)
			if !stats.Tokens[0].ExpiresAt.Equal(wantExpiry) {
				t.Errorf("ExpiresAt = %v, want %v", stats.Tokens[0].ExpiresAt, wantExpiry)
			}

			if !tt.wantTimer {
				if stats.ActiveRefreshTimers != 0 || stats.Tokens[0].RefreshAt != nil {
					t.Errorf("expected no refresh timer, got %+v", stats)
				}
				return
			}

			if stats.ActiveRefreshTimers != 1 || stats.Tokens[0].RefreshAt == nil {
				t.Fatalf("expected a refresh timer, got %+v", stats)
			}
			wantRefresh := wantExpiry.Add(-DefaultRefreshBuffer)
			if !stats.Tokens[0].RefreshAt.Equal(wantRefresh) {
				t.Errorf("RefreshAt = %v, want %v", *stats.Tokens[0].RefreshAt, wantRefresh)
			}
		})
	}
}

func TestGetTokenRefetchesExpiredToken(t *testing.T) {
	env := setupTestEnvironment(t)
	clock := newTestClock()
	m := newTestManager(t, env.Store, WithClock(clock.Now))
	ctx := context.Background()

	first, err := m.GetToken(ctx, "p1")
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}

	clock.Advance(time.Hour)

	second, err := m.GetToken(ctx, "p1")
	if err != nil {
		t.Fatalf("GetToken after expiry: %v", err)
	}
	if second == first {
		t.Error("expected a new token after expiry")
	}
	if got := env.AS.TokenRequestCount(); got != 2 {
		t.Errorf("expected 2 token requests, got %d", got)
	}
	if got := env.Provider.ProbeCount(); got != 1 {
		t.Errorf("expected cached metadata to be reused, got %d probes", got)
	}
}

func TestInvalidateTokenForcesFreshFetch(t *testing.T) {
	env := setupTestEnvironment(t)
	m := newTestManager(t, env.Store)
	ctx := context.Background()

	first, err := m.GetToken(ctx, "p1")
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}

	m.InvalidateToken("p1")

	stats := m.CacheStats()
	if stats.CachedTokens != 0 || stats.ActiveRefreshTimers != 0 {
		t.Errorf("expected empty cache after invalidation, got %+v", stats)
	}
	if _, ok := m.Metadata("p1"); ok {
		t.Error("expected metadata to be dropped with the token")
	}

	second, err := m.GetToken(ctx, "p1")
	if err != nil {
		t.Fatalf("GetToken after invalidate: %v", err)
	}
	if second == first {
		t.Error("expected a fresh token after invalidation")
	}
	if got := env.AS.TokenRequestCount(); got != 2 {
		t.Errorf("expected 2 token requests, got %d", got)
	}
	if got := env.Provider.ProbeCount(); got != 2 {
		t.Errorf("expected rediscovery after invalidation, got %d probes", got)
	}
}

func TestDiscoveryFailures(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(env *testEnv)
		reason string
	}{
		{
			name:   "probe answers 200",
			setup:  func(env *testEnv) { env.Provider.SetProbeStatus(http.StatusOK) },
			reason: "expected 401 response, got 200",
		},
		{
			name:   "no challenge header",
			setup:  func(env *testEnv) { env.Provider.SetChallenge("") },
			reason: "WWW-Authenticate header not found",
		},
		{
			name:   "challenge without resource_metadata",
			setup:  func(env *testEnv) { env.Provider.SetChallenge(`Bearer realm="tools"`) },
			reason: "resource_metadata not found",
		},
		{
			name:   "empty authorization_servers",
			setup:  func(env *testEnv) { env.Provider.SetResourceMetadata(`{"authorization_servers":[]}`) },
			reason: "failed to fetch protected resource metadata",
		},
		{
			name:   "relative authorization server",
			setup:  func(env *testEnv) { env.Provider.SetResourceMetadata(`{"authorization_servers":["/as"]}`) },
			reason: "failed to fetch protected resource metadata",
		},
		{
			name:   "no well-known document",
			setup:  func(env *testEnv) { env.AS.SetWellKnown(false, false) },
			reason: "failed to discover authorization server metadata",
		},
		{
			name:   "first 200 document lacks scopes_supported",
			setup:  func(env *testEnv) { env.AS.SetMetadataDocument(`{"token_endpoint":"` + env.AS.TokenEndpoint() + `"}`) },
			reason: "failed to discover authorization server metadata",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestEnvironment(t)
			tt.setup(env)
			recorder := &fakeRecorder{}
			m := newTestManager(t, env.Store, WithRecorder(recorder))

			_, err := m.GetToken(context.Background(), "p1")
			var discoveryErr *DiscoveryError
			if !errors.As(err, &discoveryErr) {
				t.Fatalf("expected DiscoveryError, got %T: %v", err, err)
			}
			if !strings.Contains(discoveryErr.Reason, tt.reason) {
				t.Errorf("expected reason containing %q, got %q", tt.reason, discoveryErr.Reason)
			}
			if discoveryErr.Endpoint != env.Provider.Endpoint() {
				t.Errorf("expected endpoint %s, got %s", env.Provider.Endpoint(), discoveryErr.Endpoint)
			}
			if stats := m.CacheStats(); stats.CachedTokens != 0 {
				t.Errorf("expected no cache entry, got %+v", stats)
			}
			if env.AS.TokenRequestCount() != 0 {
				t.Error("expected no token request after failed discovery")
			}
			if events := recorder.Events(); len(events) != 1 || !events[0].failed {
				t.Errorf("expected one failed request event, got %+v", events)
			}
		})
	}
}

func TestFirstWellKnownAnswerIsAuthoritative(t *testing.T) {
	env := setupTestEnvironment(t)
	env.AS.SetMetadataDocument(`{"token_endpoint":"` + env.AS.TokenEndpoint() + `"}`)
	m := newTestManager(t, env.Store)

	if _, err := m.GetToken(context.Background(), "p1"); err == nil {
		t.Fatal("expected discovery to fail")
	}
	if got := env.AS.WellKnownRequestCount("/.well-known/openid-configuration"); got != 1 {
		t.Errorf("expected 1 openid-configuration request, got %d", got)
	}
	if got := env.AS.WellKnownRequestCount("/.well-known/oauth-authorization-server"); got != 0 {
		t.Errorf("expected oauth-authorization-server not to be probed, got %d", got)
	}
}

func TestOAuthAuthorizationServerFallback(t *testing.T) {
	env := setupTestEnvironment(t)
	env.AS.SetWellKnown(false, true)
	m := newTestManager(t, env.Store)

	if _, err := m.GetToken(context.Background(), "p1"); err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if got := env.AS.WellKnownRequestCount("/.well-known/openid-configuration"); got != 1 {
		t.Errorf("expected openid-configuration to be tried first, got %d", got)
	}
	if got := env.AS.WellKnownRequestCount("/.well-known/oauth-authorization-server"); got != 1 {
		t.Errorf("expected oauth-authorization-server fallback, got %d", got)
	}
}

func TestTokenRequestFailures(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(env *testEnv)
		secret     string
		wantStatus int
		wantBody   string
	}{
		{
			name:       "invalid_client",
			setup:      func(env *testEnv) { env.AS.FailTokenRequests(http.StatusBadRequest, `{"error":"invalid_client"}`) },
			wantStatus: http.StatusBadRequest,
			wantBody:   "invalid_client",
		},
		{
			name:       "wrong secret",
			secret:     "not-the-secret",
			wantStatus: http.StatusUnauthorized,
			wantBody:   "invalid_client",
		},
		{
			name:  "2xx without access_token",
			setup: func(env *testEnv) { env.AS.SetOmitAccessToken(true) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestEnvironment(t)
			if tt.setup != nil {
				tt.setup(env)
			}
			if tt.secret != "" {
				if err := env.Store.SaveSecret(context.Background(), "p1", tt.secret); err != nil {
					t.Fatalf("SaveSecret: %v", err)
				}
			}
			m := newTestManager(t, env.Store)

			_, err := m.GetToken(context.Background(), "p1")
			var tokenErr *TokenRequestError
			if !errors.As(err, &tokenErr) {
				t.Fatalf("expected TokenRequestError, got %T: %v", err, err)
			}
			if tokenErr.StatusCode != tt.wantStatus {
				t.Errorf("StatusCode = %d, want %d", tokenErr.StatusCode, tt.wantStatus)
			}
			if !strings.Contains(tokenErr.Body, tt.wantBody) {
				t.Errorf("Body = %q, want it to contain %q", tokenErr.Body, tt.wantBody)
			}
			if tokenErr.ProviderID != "p1" {
				t.Errorf("ProviderID = %q", tokenErr.ProviderID)
			}

			stats := m.CacheStats()
			if stats.CachedTokens != 0 || stats.ActiveRefreshTimers != 0 {
				t.Errorf("expected no cache entry, got %+v", stats)
			}
			if _, ok := m.Metadata("p1"); ok {
				t.Error("expected metadata to be dropped after a token failure")
			}
		})
	}
}

func TestGetTokenUnknownProvider(t *testing.T) {
	m := newTestManager(t, store.NewMemory())

	_, err := m.GetToken(context.Background(), "missing")
	if !errors.Is(err, store.ErrConfigNotFound) {
		t.Fatalf("expected ErrConfigNotFound, got %v", err)
	}
}

func TestInvalidateUnknownProviderIsNotTracked(t *testing.T) {
	m := newTestManager(t, store.NewMemory())

	for _, id := range []string{"ghost-1", "ghost-2", "ghost-3"} {
		m.InvalidateToken(id)
	}
	if _, err := m.GetToken(context.Background(), "missing"); !errors.Is(err, store.ErrConfigNotFound) {
		t.Fatalf("expected ErrConfigNotFound, got %v", err)
	}

	m.mu.Lock()
	tracked := len(m.generations)
	m.mu.Unlock()
	if tracked != 0 {
		t.Errorf("expected no tracked generations, got %d", tracked)
	}
}

func TestGetTokenMissingSecret(t *testing.T) {
	env := setupTestEnvironment(t)
	if err := env.Store.DeleteSecret(context.Background(), "p1"); err != nil {
		t.Fatalf("DeleteSecret: %v", err)
	}
	m := newTestManager(t, env.Store)

	_, err := m.GetToken(context.Background(), "p1")
	if !errors.Is(err, store.ErrSecretNotFound) {
		t.Fatalf("expected ErrSecretNotFound, got %v", err)
	}
	if env.Provider.ProbeCount() != 0 {
		t.Error("expected no discovery without a secret")
	}
}

func TestConcurrentColdGetTokenSharesOneFetch(t *testing.T) {
	env := setupTestEnvironment(t)
	env.AS.SetTokenDelay(100 * time.Millisecond)
	m := newTestManager(t, env.Store)

	const callers = 8
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = m.GetToken(context.Background(), "p1")
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if tokens[i] != tokens[0] {
			t.Errorf("caller %d got %q, want %q", i, tokens[i], tokens[0])
		}
	}
	if got := env.AS.TokenRequestCount(); got != 1 {
		t.Errorf("expected exactly 1 token request, got %d", got)
	}
}

func TestCancelledCallerDoesNotFailSharedFetch(t *testing.T) {
	env := setupTestEnvironment(t)
	env.AS.SetTokenDelay(150 * time.Millisecond)
	m := newTestManager(t, env.Store)

	ctx, cancel := context.WithCancel(context.Background())
	cancelled := make(chan error, 1)
	go func() {
		_, err := m.GetToken(ctx, "p1")
		cancelled <- err
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	token, err := m.GetToken(context.Background(), "p1")
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if token == "" {
		t.Fatal("expected a token")
	}
	if err := <-cancelled; !errors.Is(err, context.Canceled) {
		t.Errorf("expected cancelled caller to see context.Canceled, got %v", err)
	}
	if got := env.AS.TokenRequestCount(); got != 1 {
		t.Errorf("expected 1 token request, got %d", got)
	}
}

func TestInvalidateDuringFetchDoesNotCache(t *testing.T) {
	env := setupTestEnvironment(t)
	env.AS.SetTokenDelay(200 * time.Millisecond)
	m := newTestManager(t, env.Store)

	done := make(chan error, 1)
	go func() {
		_, err := m.GetToken(context.Background(), "p1")
		done <- err
	}()

	waitFor(t, "discovery to finish", func() bool { return env.Provider.MetadataCount() > 0 })
	m.InvalidateToken("p1")

	if err := <-done; err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	stats := m.CacheStats()
	if stats.CachedTokens != 0 || stats.ActiveRefreshTimers != 0 {
		t.Errorf("expected stale fetch not to populate the cache, got %+v", stats)
	}
}

func TestStaleRefreshTimerDoesNotRepopulate(t *testing.T) {
	env := setupTestEnvironment(t)
	m := newTestManager(t, env.Store)

	if _, err := m.GetToken(context.Background(), "p1"); err != nil {
		t.Fatalf("GetToken: %v", err)
	}

	m.mu.Lock()
	rt := m.timers["p1"]
	gen := m.generationLocked("p1")
	m.mu.Unlock()
	if rt == nil {
		t.Fatal("expected a refresh timer")
	}

	m.InvalidateToken("p1")

	// Simulate the timer firing after it was cancelled.
	m.refresh("p1", gen, rt)

	if stats := m.CacheStats(); stats.CachedTokens != 0 || stats.ActiveRefreshTimers != 0 {
		t.Errorf("expected stale timer to be ignored, got %+v", stats)
	}
	if got := env.AS.TokenRequestCount(); got != 1 {
		t.Errorf("expected no refresh request, got %d token requests", got)
	}
}

func TestRefreshTimerFetchesNewToken(t *testing.T) {
	env := setupTestEnvironment(t)
	env.AS.SetExpiresIn(1)
	recorder := &fakeRecorder{}
	m := newTestManager(t, env.Store, WithRefreshBuffer(900*time.Millisecond), WithRecorder(recorder))

	first, err := m.GetToken(context.Background(), "p1")
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}

	waitFor(t, "automatic refresh", func() bool { return env.AS.TokenRequestCount() >= 2 })
	waitFor(t, "refreshed token in cache", func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		cached, ok := m.tokens["p1"]
		return ok && cached.AccessToken != first
	})

	if got := env.Provider.ProbeCount(); got != 1 {
		t.Errorf("expected refresh to reuse discovered metadata, got %d probes", got)
	}

	var sawRefresh bool
	for _, e := range recorder.Events() {
		if e.kind == "refresh" && !e.failed {
			sawRefresh = true
		}
	}
	if !sawRefresh {
		t.Error("expected a successful refresh event")
	}
}

func TestRefreshFailureEvictsToken(t *testing.T) {
	env := setupTestEnvironment(t)
	env.AS.SetExpiresIn(1)
	m := newTestManager(t, env.Store, WithRefreshBuffer(900*time.Millisecond))

	if _, err := m.GetToken(context.Background(), "p1"); err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	env.AS.FailTokenRequests(http.StatusInternalServerError, "boom")

	waitFor(t, "eviction after failed refresh", func() bool {
		return m.CacheStats().CachedTokens == 0
	})
	if stats := m.CacheStats(); stats.ActiveRefreshTimers != 0 {
		t.Errorf("expected no timer after failed refresh, got %+v", stats)
	}
	if _, ok := m.Metadata("p1"); ok {
		t.Error("expected metadata to be dropped after failed refresh")
	}
}

func TestPreloadTokens(t *testing.T) {
	env := setupTestEnvironment(t)
	addProvider(t, env.Store, "bad", env.Provider.Endpoint(), "wrong-secret")
	addProvider(t, env.Store, "off", env.Provider.Endpoint(), providertest.DefaultClientSecret)
	disabled := false
	if _, err := env.Store.UpdateConfig(context.Background(), "off", store.ConfigPatch{Enabled: &disabled}); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}
	m := newTestManager(t, env.Store)

	failures, err := m.PreloadTokens(context.Background())
	if err != nil {
		t.Fatalf("PreloadTokens: %v", err)
	}
	if len(failures) != 1 || failures["bad"] == nil {
		t.Errorf("expected only provider bad to fail, got %v", failures)
	}

	stats := m.CacheStats()
	if stats.CachedTokens != 1 || stats.Tokens[0].ProviderID != "p1" {
		t.Errorf("expected only p1 cached, got %+v", stats)
	}
}

func TestClearAll(t *testing.T) {
	env := setupTestEnvironment(t)
	addProvider(t, env.Store, "p2", env.Provider.Endpoint(), providertest.DefaultClientSecret)
	m := newTestManager(t, env.Store)

	for _, id := range []string{"p1", "p2"} {
		if _, err := m.GetToken(context.Background(), id); err != nil {
			t.Fatalf("GetToken(%s): %v", id, err)
		}
	}
	if stats := m.CacheStats(); stats.CachedTokens != 2 || stats.ActiveRefreshTimers != 2 {
		t.Fatalf("expected 2 tokens and timers, got %+v", stats)
	}

	m.ClearAll()

	stats := m.CacheStats()
	if stats.CachedTokens != 0 || stats.ActiveRefreshTimers != 0 || len(stats.Tokens) != 0 {
		t.Errorf("expected empty cache, got %+v", stats)
	}
	if _, ok := m.Metadata("p1"); ok {
		t.Error("expected metadata cleared")
	}
}

func TestCacheStatsReportsRefreshToken(t *testing.T) {
	env := setupTestEnvironment(t)
	env.AS.SetRefreshToken("refresh-me")
	m := newTestManager(t, env.Store)

	if _, err := m.GetToken(context.Background(), "p1"); err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	stats := m.CacheStats()
	if len(stats.Tokens) != 1 || !stats.Tokens[0].HasRefreshToken {
		t.Errorf("expected HasRefreshToken, got %+v", stats)
	}
}
