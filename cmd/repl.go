package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/giantswarm/mcp-toolbridge/internal/console"
)

func newReplCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repl",
		Short: "Load all providers and explore their tools interactively",
		Long: `The repl command loads every enabled provider from the store and opens an
interactive console over the resulting tool registry.

In the console you can:
- List registered tools and show their input schemas
- Execute tools with JSON arguments
- List configured providers and the token cache
- Reload one provider or all of them`,
		RunE: runRepl,
	}
}

func runRepl(cmd *cobra.Command, args []string) error {
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

	if err := b.loader.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to load providers: %w", err)
	}

	repl := console.NewREPL(b.registry, b.loader, b.store, logger)
	if err := repl.Run(ctx); err != nil {
		return fmt.Errorf("REPL error: %w", err)
	}
	return nil
}
