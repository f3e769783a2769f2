package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/giantswarm/mcp-toolbridge/internal/gateway"
	"github.com/giantswarm/mcp-toolbridge/internal/logging"
	"github.com/giantswarm/mcp-toolbridge/internal/oauth"
	"github.com/giantswarm/mcp-toolbridge/internal/store"
)

// secretKeyEnv holds the passphrase used to seal client secrets at rest.
const secretKeyEnv = "TOOLBRIDGE_SECRET_KEY"

var (
	version string

	storeKind     string
	storePath     string
	secretKey     string
	listenAddr    string
	mcpTransport  string
	mcpListenAddr string
	httpTimeout   time.Duration
	refreshBuffer time.Duration
	verbose       bool
	noColor       bool
	jsonRPC       bool
	envFile       string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "mcp-toolbridge",
	Short: "Expose OAuth-protected remote MCP tools through one local registry",
	Long: `mcp-toolbridge loads tools from remote MCP providers and serves them
through a single tool registry.

Each provider is an MCP endpoint protected by OAuth2 client credentials.
The token endpoint is not configured: it is discovered from the provider
(RFC 9728 protected resource metadata, then RFC 8414 authorization server
metadata). Tokens are cached per provider and refreshed before they expire.

The bridge runs in several modes:
- serve (default): Load all providers, expose the registry over MCP
  (stdio or streamable-http) and run the admin HTTP API
- repl: Interactive exploration of the loaded tools
- provider: Manage provider configurations in the store

Client secrets are sealed at rest in the file and sqlite stores. Set the
passphrase with the TOOLBRIDGE_SECRET_KEY environment variable.`,
	PersistentPreRunE: loadEnvironment,
	RunE:              runServe,
	SilenceUsage:      true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

// SetVersion sets the version for the application
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&storeKind, "store", store.KindMemory, "Provider store backend (memory, file, sqlite)")
	flags.StringVar(&storePath, "store-path", "", "Path of the file or sqlite store (defaults to the user config directory)")
	flags.StringVar(&secretKey, "secret-key", "", "Passphrase sealing client secrets (prefer "+secretKeyEnv+")")
	flags.StringVar(&envFile, "env-file", ".env", "Dotenv file loaded before flags are resolved")
	flags.DurationVar(&httpTimeout, "http-timeout", oauth.DefaultHTTPTimeout, "Timeout for discovery, token and tool requests")
	flags.DurationVar(&refreshBuffer, "refresh-buffer", oauth.DefaultRefreshBuffer, "Refresh tokens this long before they expire")
	flags.BoolVar(&verbose, "verbose", false, "Enable verbose logging")
	flags.BoolVar(&noColor, "no-color", false, "Disable colored output")
	flags.BoolVar(&jsonRPC, "json-rpc", false, "Enable full JSON-RPC message logging")

	rootCmd.Flags().StringVar(&listenAddr, "listen-addr", ":3000", "Listen address for the admin HTTP API (empty disables it)")
	rootCmd.Flags().StringVar(&mcpTransport, "mcp-transport", gateway.TransportStdio, "Transport of the MCP gateway (stdio, streamable-http)")
	rootCmd.Flags().StringVar(&mcpListenAddr, "mcp-listen-addr", ":8899", "Listen address for the streamable-http gateway (path is fixed to /mcp)")

	rootCmd.AddCommand(newReplCmd())
	rootCmd.AddCommand(newProviderCmd())
	rootCmd.AddCommand(newSelfUpdateCmd())
}

// loadEnvironment reads the dotenv file, if any, before the secret key is
// resolved. A missing file is not an error.
func loadEnvironment(cmd *cobra.Command, args []string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}
	return nil
}

func newLogger() *logging.Logger {
	logger := logging.NewLogger(verbose, !noColor, jsonRPC)
	// stdout carries the MCP protocol in stdio mode
	logger.SetWriter(os.Stderr)
	return logger
}

// resolveSecretKey prefers the environment over the command line flag.
func resolveSecretKey(cmd *cobra.Command, logger *logging.Logger) string {
	if cmd.Flags().Changed("secret-key") && secretKey != "" {
		logger.Warning("Security Warning: Secret key passed via CLI flag is visible in process listings")
		logger.Info("Consider using environment variables instead: export %s=\"...\"", secretKeyEnv)
		return secretKey
	}
	return os.Getenv(secretKeyEnv)
}

func defaultStoreDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "."
	}
	return filepath.Join(dir, "mcp-toolbridge")
}

func openStore(cmd *cobra.Command, logger *logging.Logger) (store.Store, error) {
	kind := strings.ToLower(strings.TrimSpace(storeKind))
	opts := store.Options{
		Kind:       kind,
		Path:       storePath,
		SecretKey:  resolveSecretKey(cmd, logger),
		DefaultDir: defaultStoreDir(),
	}
	if kind == store.KindFile || kind == store.KindSQLite {
		if storePath == "" {
			if err := os.MkdirAll(opts.DefaultDir, 0o700); err != nil {
				return nil, fmt.Errorf("failed to create store directory: %w", err)
			}
		}
	}

	s, err := store.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", kind, err)
	}
	logger.InfoVerbose("Using %s provider store", opts.Kind)
	return s, nil
}
