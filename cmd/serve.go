package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/giantswarm/mcp-toolbridge/internal/admin"
	"github.com/giantswarm/mcp-toolbridge/internal/gateway"
	"github.com/giantswarm/mcp-toolbridge/internal/logging"
	"github.com/giantswarm/mcp-toolbridge/internal/metrics"
	"github.com/giantswarm/mcp-toolbridge/internal/oauth"
	"github.com/giantswarm/mcp-toolbridge/internal/registry"
	"github.com/giantswarm/mcp-toolbridge/internal/remotetool"
	"github.com/giantswarm/mcp-toolbridge/internal/store"
)

// bridge wires the store, token manager, registry and loader together.
type bridge struct {
	store    store.Store
	metrics  *metrics.Metrics
	tokens   *oauth.Manager
	registry *registry.Registry
	loader   *remotetool.Loader
}

func newBridge(cmd *cobra.Command, logger *logging.Logger) (*bridge, error) {
	s, err := openStore(cmd, logger)
	if err != nil {
		return nil, err
	}

	reg := registry.New(logger)

	m, err := metrics.New(prometheus.DefaultRegisterer, reg.Len)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	tokens := oauth.NewManager(s, logger,
		oauth.WithHTTPClient(&http.Client{Timeout: httpTimeout}),
		oauth.WithRefreshBuffer(refreshBuffer),
		oauth.WithRecorder(m),
	)

	loader := remotetool.NewLoader(s, tokens, reg, logger,
		remotetool.WithHTTPClient(tokens.HTTPClient()),
		remotetool.WithCallRecorder(m),
	)

	return &bridge{
		store:    s,
		metrics:  m,
		tokens:   tokens,
		registry: reg,
		loader:   loader,
	}, nil
}

func (b *bridge) Close() error {
	b.tokens.ClearAll()
	return b.store.Close()
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	logger := newLogger()

	b, err := newBridge(cmd, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			logger.Error("Failed to close store: %v", err)
		}
	}()

	gw, err := gateway.NewServer(b.registry, b.loader, mcpTransport, version, logger)
	if err != nil {
		return fmt.Errorf("failed to create MCP gateway: %w", err)
	}

	if err := b.loader.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to load providers: %w", err)
	}
	logger.Success("Loaded %d tools", b.registry.Len())

	g, ctx := errgroup.WithContext(ctx)

	if listenAddr != "" {
		api := admin.NewServer(admin.Config{
			Store:    b.store,
			Loader:   b.loader,
			Tokens:   b.tokens,
			Registry: b.registry,
			Metrics:  b.metrics,
			Logger:   logger,
		})
		g.Go(func() error {
			if err := api.Start(ctx, listenAddr); err != nil {
				return fmt.Errorf("admin API error: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		// the admin API stops with the gateway
		defer cancel()
		logger.Info("Starting mcp-toolbridge MCP gateway (transport: %s)...", mcpTransport)
		if err := gw.Start(ctx, mcpListenAddr); err != nil {
			return fmt.Errorf("MCP gateway error: %w", err)
		}
		return nil
	})

	return g.Wait()
}
