package remotetool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/giantswarm/mcp-toolbridge/internal/logging"
	"github.com/giantswarm/mcp-toolbridge/internal/oauth"
	"github.com/giantswarm/mcp-toolbridge/internal/providertest"
	"github.com/giantswarm/mcp-toolbridge/internal/registry"
	"github.com/giantswarm/mcp-toolbridge/internal/store"
)

// testEnv wires a loader to fake providers sharing one authorization server.
type testEnv struct {
	AS       *providertest.AuthServer
	Store    *store.Memory
	Tokens   *oauth.Manager
	Registry *registry.Registry
	Loader   *Loader
	Recorder *fakeCallRecorder
}

func setupTestEnvironment(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		AS:       providertest.NewAuthServer(t),
		Store:    store.NewMemory(),
		Registry: registry.New(logging.Discard()),
		Recorder: &fakeCallRecorder{},
	}
	env.Tokens = oauth.NewManager(env.Store, logging.Discard())
	t.Cleanup(env.Tokens.ClearAll)
	env.Loader = NewLoader(env.Store, env.Tokens, env.Registry, logging.Discard(), WithCallRecorder(env.Recorder))
	return env
}

// addProvider starts a fake provider serving tools and stores its
// configuration under id.
func (env *testEnv) addProvider(t *testing.T, id string, tools ...providertest.Tool) (*providertest.Provider, store.ProviderConfig) {
	t.Helper()

	p := providertest.NewProvider(t, env.AS, tools...)
	cfg := store.ProviderConfig{
		ID:          id,
		Name:        "provider " + id,
		Description: "tools of " + id,
		Endpoint:    p.Endpoint(),
		ClientID:    providertest.DefaultClientID,
		Enabled:     true,
	}
	ctx := context.Background()
	if err := env.Store.AddConfig(ctx, cfg); err != nil {
		t.Fatalf("AddConfig: %v", err)
	}
	if err := env.Store.SaveSecret(ctx, id, providertest.DefaultClientSecret); err != nil {
		t.Fatalf("SaveSecret: %v", err)
	}
	return p, cfg
}

type recordedCall struct {
	tool, providerID string
	failed           bool
}

type fakeCallRecorder struct {
	mu    sync.Mutex
	calls []recordedCall
}

func (r *fakeCallRecorder) ToolCall(tool, providerID string, _ time.Duration, failed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, recordedCall{tool: tool, providerID: providerID, failed: failed})
}

func (r *fakeCallRecorder) Calls() []recordedCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedCall(nil), r.calls...)
}
