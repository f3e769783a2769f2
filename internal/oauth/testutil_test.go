package oauth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/giantswarm/mcp-toolbridge/internal/logging"
	"github.com/giantswarm/mcp-toolbridge/internal/providertest"
	"github.com/giantswarm/mcp-toolbridge/internal/store"
)

// Test timeout constants
const (
	testTimeoutNormal = 2 * time.Second
	testPollInterval  = 10 * time.Millisecond
)

// testClock is a settable clock safe for use from timer goroutines.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// testEnv bundles a fake authorization server, a provider protected by it
// and a store holding the provider's configuration.
type testEnv struct {
	AS       *providertest.AuthServer
	Provider *providertest.Provider
	Store    *store.Memory
}

func setupTestEnvironment(t *testing.T) *testEnv {
	t.Helper()

	as := providertest.NewAuthServer(t)
	p := providertest.NewProvider(t, as)
	s := store.NewMemory()
	addProvider(t, s, "p1", p.Endpoint(), providertest.DefaultClientSecret)

	return &testEnv{AS: as, Provider: p, Store: s}
}

func addProvider(t *testing.T, s store.Store, id, endpoint, secret string) {
	t.Helper()
	ctx := context.Background()
	err := s.AddConfig(ctx, store.ProviderConfig{
		ID:       id,
		Name:     "provider " + id,
		Endpoint: endpoint,
		ClientID: providertest.DefaultClientID,
		Enabled:  true,
	})
	if err != nil {
		t.Fatalf("AddConfig: %v", err)
	}
	if err := s.SaveSecret(ctx, id, secret); err != nil {
		t.Fatalf("SaveSecret: %v", err)
	}
}

func newTestManager(t *testing.T, s store.Store, opts ...Option) *Manager {
	t.Helper()
	m := NewManager(s, logging.Discard(), opts...)
	t.Cleanup(m.ClearAll)
	return m
}

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testTimeoutNormal)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(testPollInterval)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type recordedEvent struct {
	kind       string
	providerID string
	failed     bool
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *fakeRecorder) TokenRequest(id string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{kind: "request", providerID: id, failed: err != nil})
}

func (r *fakeRecorder) TokenRefresh(id string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{kind: "refresh", providerID: id, failed: err != nil})
}

func (r *fakeRecorder) Events() []recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedEvent(nil), r.events...)
}
