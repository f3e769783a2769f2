// Package console provides an interactive shell over the tool registry.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/chzyer/readline"

	"github.com/giantswarm/mcp-toolbridge/internal/logging"
	"github.com/giantswarm/mcp-toolbridge/internal/registry"
	"github.com/giantswarm/mcp-toolbridge/internal/remotetool"
	"github.com/giantswarm/mcp-toolbridge/internal/store"
)

// errExit is a sentinel error used to signal REPL exit
var errExit = errors.New("exit")

// Loader is the part of the tool loader the console drives.
type Loader interface {
	Status() remotetool.Status
	Reload(ctx context.Context, providerID string) error
	ReloadAll(ctx context.Context) error
}

// ConfigSource lists provider configurations.
type ConfigSource interface {
	GetAllConfigs(ctx context.Context) ([]store.ProviderConfig, error)
}

// REPL is the interactive console.
type REPL struct {
	registry *registry.Registry
	loader   Loader
	configs  ConfigSource
	logger   *logging.Logger
	out      io.Writer

	mu sync.Mutex
	rl *readline.Instance

	commandHandlers map[string]commandHandler
}

// NewREPL creates a console writing to stdout.
func NewREPL(reg *registry.Registry, loader Loader, configs ConfigSource, logger *logging.Logger) *REPL {
	r := &REPL{
		registry: reg,
		loader:   loader,
		configs:  configs,
		logger:   logger,
		out:      os.Stdout,
	}
	r.commandHandlers = r.buildCommandHandlers()
	reg.Subscribe(func(registry.EventType, registry.Tool) {
		r.refreshCompleter()
	})
	return r
}

// Run reads commands until exit, EOF or cancellation of ctx.
func (r *REPL) Run(ctx context.Context) error {
	historyFile := filepath.Join(os.TempDir(), ".mcp_toolbridge_history")

	config := &readline.Config{
		Prompt:          "toolbridge> ",
		HistoryFile:     historyFile,
		AutoComplete:    r.createCompleter(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	}

	rl, err := readline.NewEx(config)
	if err != nil {
		return fmt.Errorf("failed to create readline instance: %w", err)
	}
	defer func() { _ = rl.Close() }()

	r.mu.Lock()
	r.rl = rl
	r.out = rl.Stdout()
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = rl.Close()
	}()

	r.logger.Info("Console started. Type 'help' for available commands. Use TAB for completion.")
	fmt.Fprintln(r.out)

	for {
		if ctx.Err() != nil {
			r.logger.Info("Console shutting down...")
			return nil
		}

		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		} else if errors.Is(err, io.EOF) {
			r.logger.Info("Goodbye!")
			return nil
		} else if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("readline error: %w", err)
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		if err := r.executeCommand(ctx, input); err != nil {
			if errors.Is(err, errExit) {
				r.logger.Info("Goodbye!")
				return nil
			}
			r.logger.Error("Error: %v", err)
		}

		fmt.Fprintln(r.out)
	}
}

// buildPcItems converts a slice of strings to readline completer items
func buildPcItems(names []string) []readline.PrefixCompleterInterface {
	items := make([]readline.PrefixCompleterInterface, len(names))
	for i, name := range names {
		items[i] = readline.PcItem(name)
	}
	return items
}

func (r *REPL) createCompleter() *readline.PrefixCompleter {
	toolItems := buildPcItems(r.registry.Names())

	var providerItems []readline.PrefixCompleterInterface
	seen := make(map[string]bool)
	for _, loaded := range r.loader.Status().LoadedTools {
		if !seen[loaded.ProviderID] {
			seen[loaded.ProviderID] = true
			providerItems = append(providerItems, readline.PcItem(loaded.ProviderID))
		}
	}

	return readline.NewPrefixCompleter(
		readline.PcItem("help"),
		readline.PcItem("?"),
		readline.PcItem("exit"),
		readline.PcItem("quit"),
		readline.PcItem("list"),
		readline.PcItem("providers"),
		readline.PcItem("status"),
		readline.PcItem("describe", toolItems...),
		readline.PcItem("call", toolItems...),
		readline.PcItem("reload", providerItems...),
	)
}

func (r *REPL) refreshCompleter() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rl != nil {
		r.rl.Config.AutoComplete = r.createCompleter()
	}
}

// filterInput filters input characters for readline
func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

// commandHandler defines a REPL command with its handler and argument requirements
type commandHandler struct {
	minArgs int
	usage   string
	handler func(ctx context.Context, parts []string) error
}

func (r *REPL) buildCommandHandlers() map[string]commandHandler {
	help := commandHandler{minArgs: 1, handler: func(ctx context.Context, parts []string) error {
		return r.showHelp()
	}}
	exit := commandHandler{minArgs: 1, handler: func(ctx context.Context, parts []string) error {
		return errExit
	}}

	return map[string]commandHandler{
		"help": help,
		"?":    help,
		"exit": exit,
		"quit": exit,
		"list": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return r.listTools()
		}},
		"describe": {
			minArgs: 2,
			usage:   "usage: describe <tool>",
			handler: func(ctx context.Context, parts []string) error {
				return r.describeTool(parts[1])
			},
		},
		"call": {
			minArgs: 2,
			usage:   "usage: call <tool> [json]",
			handler: func(ctx context.Context, parts []string) error {
				return r.handleCallTool(ctx, parts[1], strings.Join(parts[2:], " "))
			},
		},
		"providers": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return r.listProviders(ctx)
		}},
		"status": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return r.showStatus()
		}},
		"reload": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			id := ""
			if len(parts) > 1 {
				id = parts[1]
			}
			return r.handleReload(ctx, id)
		}},
	}
}

// executeCommand parses and executes a command
func (r *REPL) executeCommand(ctx context.Context, input string) error {
	parts := strings.Fields(input)
	if len(parts) == 0 {
		return nil
	}

	command := strings.ToLower(parts[0])

	handler, exists := r.commandHandlers[command]
	if !exists {
		return fmt.Errorf("unknown command: %s. Type 'help' for available commands", command)
	}

	if len(parts) < handler.minArgs {
		return errors.New(handler.usage)
	}

	return handler.handler(ctx, parts)
}
