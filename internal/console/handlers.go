package console

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/giantswarm/mcp-toolbridge/internal/logging"
)

func (r *REPL) printf(format string, args ...any) {
	fmt.Fprintf(r.out, format, args...)
}

func (r *REPL) println(args ...any) {
	fmt.Fprintln(r.out, args...)
}

// showHelp displays available commands
func (r *REPL) showHelp() error {
	r.println("Available commands:")
	r.println("  help, ?                      - Show this help message")
	r.println("  list                         - List all registered tools")
	r.println("  describe <tool>              - Show detailed information about a tool")
	r.println("  call <tool> {json}           - Execute a tool with JSON arguments")
	r.println("  providers                    - List configured providers")
	r.println("  status                       - Show loaded tools and the token cache")
	r.println("  reload [provider-id]         - Reload one provider, or all of them")
	r.println("  exit, quit                   - Exit the console")
	r.println()
	r.println("Keyboard shortcuts:")
	r.println("  TAB                          - Auto-complete commands and arguments")
	r.println("  Ctrl+R                       - Search command history")
	r.println("  Ctrl+D                       - Exit the console")
	r.println()
	r.println("Examples:")
	r.println("  call forecast {\"city\": \"Berlin\"}")
	r.println("  reload 3f2c9a7e-weather")
	return nil
}

func (r *REPL) listTools() error {
	specs := r.registry.ListSpecs()
	if len(specs) == 0 {
		r.println("No tools registered.")
		return nil
	}

	r.printf("Registered tools (%d):\n", len(specs))
	for i, spec := range specs {
		r.printf("  %d. %-30s - %s\n", i+1, spec.Name, spec.Description)
	}
	return nil
}

func (r *REPL) describeTool(name string) error {
	tool, ok := r.registry.Get(name)
	if !ok {
		return fmt.Errorf("tool not found: %s", name)
	}

	spec := tool.Spec()
	r.printf("Tool: %s\n", spec.Name)
	r.printf("Description: %s\n", spec.Description)
	r.println("Input Schema:")
	r.println(logging.PrettyJSON(spec.InputSchema))
	return nil
}

// parseToolArgs parses JSON arguments for a tool call
func (r *REPL) parseToolArgs(argsStr, toolName string) (map[string]any, error) {
	if argsStr == "" {
		return map[string]any{}, nil
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(argsStr), &args); err != nil {
		r.println("Error: Arguments must be valid JSON")
		r.printf("Example: call %s {\"param1\": \"value1\", \"param2\": 123}\n", toolName)
		return nil, fmt.Errorf("invalid JSON arguments: %w", err)
	}
	return args, nil
}

func (r *REPL) handleCallTool(ctx context.Context, toolName, argsStr string) error {
	if _, ok := r.registry.Get(toolName); !ok {
		return fmt.Errorf("tool not found: %s", toolName)
	}

	args, err := r.parseToolArgs(argsStr, toolName)
	if err != nil {
		return err
	}

	r.printf("Executing tool: %s...\n", toolName)
	result := r.registry.Run(ctx, toolName, args)

	if msg, failed := result.Err(); failed {
		r.println("Tool returned an error:")
		r.printf("  %s\n", msg)
		return nil
	}

	r.println("Result:")
	r.println(logging.PrettyJSON(result))
	return nil
}

func (r *REPL) listProviders(ctx context.Context) error {
	configs, err := r.configs.GetAllConfigs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list providers: %w", err)
	}
	if len(configs) == 0 {
		r.println("No providers configured.")
		return nil
	}

	r.printf("Providers (%d):\n", len(configs))
	for i, cfg := range configs {
		status := "disabled"
		if cfg.Enabled {
			status = "active"
		}
		r.printf("  %d. %-36s %-20s %-8s %s\n", i+1, cfg.ID, cfg.Name, status, cfg.Endpoint)
	}
	return nil
}

func (r *REPL) showStatus() error {
	status := r.loader.Status()

	r.printf("Loaded tools (%d):\n", len(status.LoadedTools))
	for _, tool := range status.LoadedTools {
		r.printf("  %-36s %s\n", tool.ProviderID, tool.Name)
	}

	r.printf("Token cache: %d tokens, %d refresh timers\n",
		status.TokenCache.CachedTokens, status.TokenCache.ActiveRefreshTimers)
	for _, token := range status.TokenCache.Tokens {
		r.printf("  %-36s expires %s\n", token.ProviderID, token.ExpiresAt.Format("2006-01-02 15:04:05 MST"))
	}
	return nil
}

func (r *REPL) handleReload(ctx context.Context, providerID string) error {
	if providerID == "" {
		if err := r.loader.ReloadAll(ctx); err != nil {
			return fmt.Errorf("reload failed: %w", err)
		}
		r.println("Reloaded all providers")
		return nil
	}

	if err := r.loader.Reload(ctx, providerID); err != nil {
		return fmt.Errorf("reload of %s failed: %w", providerID, err)
	}
	r.printf("Reloaded provider %s\n", providerID)
	return nil
}
