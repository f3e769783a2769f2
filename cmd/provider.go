package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/giantswarm/mcp-toolbridge/internal/store"
)

var (
	providerName        string
	providerDescription string
	providerEndpoint    string
	providerClientID    string
	providerInstruction string
	providerDisabled    bool
)

func newProviderCmd() *cobra.Command {
	providerCmd := &cobra.Command{
		Use:   "provider",
		Short: "Manage remote tool provider configurations",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := loadEnvironment(cmd, args); err != nil {
				return err
			}
			if kind := strings.ToLower(strings.TrimSpace(storeKind)); kind == "" || kind == store.KindMemory {
				return fmt.Errorf("provider commands need a durable store (--store %s or %s)", store.KindFile, store.KindSQLite)
			}
			return nil
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List configured providers",
		Args:  cobra.NoArgs,
		RunE:  runProviderList,
	}

	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Add a provider",
		Long: `Add a provider to the store. The client secret is read from the
PROVIDER_CLIENT_SECRET environment variable so that it does not show up in
process listings.`,
		Args: cobra.NoArgs,
		RunE: runProviderAdd,
	}
	addCmd.Flags().StringVar(&providerName, "name", "", "Display name of the provider")
	addCmd.Flags().StringVar(&providerDescription, "description", "", "Description used for tools that have none")
	addCmd.Flags().StringVar(&providerEndpoint, "endpoint", "", "MCP endpoint URL of the provider")
	addCmd.Flags().StringVar(&providerClientID, "client-id", "", "OAuth client ID")
	addCmd.Flags().StringVar(&providerInstruction, "instruction", "", "Answer instructions appended to every tool result")
	addCmd.Flags().BoolVar(&providerDisabled, "disabled", false, "Store the provider without loading its tools")
	_ = addCmd.MarkFlagRequired("name")
	_ = addCmd.MarkFlagRequired("endpoint")
	_ = addCmd.MarkFlagRequired("client-id")

	removeCmd := &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a provider and its secret",
		Args:  cobra.ExactArgs(1),
		RunE:  runProviderRemove,
	}

	providerCmd.AddCommand(listCmd, addCmd, removeCmd)
	return providerCmd
}

func runProviderList(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	s, err := openStore(cmd, logger)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	configs, err := s.GetAllConfigs(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list providers: %w", err)
	}
	if len(configs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No providers configured.")
		return nil
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-36s %-20s %-8s %s\n", "ID", "NAME", "STATUS", "ENDPOINT")
	for _, cfg := range configs {
		status := "disabled"
		if cfg.Enabled {
			status = "active"
		}
		fmt.Fprintf(out, "%-36s %-20s %-8s %s\n", cfg.ID, cfg.Name, status, cfg.Endpoint)
	}
	return nil
}

func runProviderAdd(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	secret := os.Getenv("PROVIDER_CLIENT_SECRET")
	if secret == "" {
		return fmt.Errorf("PROVIDER_CLIENT_SECRET must be set")
	}

	now := time.Now().UTC()
	cfg := store.ProviderConfig{
		ID:                    uuid.NewString(),
		Name:                  providerName,
		Description:           providerDescription,
		Endpoint:              providerEndpoint,
		ClientID:              providerClientID,
		Enabled:               !providerDisabled,
		AdditionalInstruction: providerInstruction,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid provider: %w", err)
	}

	s, err := openStore(cmd, logger)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	ctx := cmd.Context()
	if err := s.AddConfig(ctx, cfg); err != nil {
		return fmt.Errorf("failed to add provider: %w", err)
	}
	if err := s.SaveSecret(ctx, cfg.ID, secret); err != nil {
		_ = s.DeleteConfig(ctx, cfg.ID)
		return fmt.Errorf("failed to save client secret: %w", err)
	}

	logger.Success("Added provider %s (%s)", cfg.Name, cfg.ID)
	fmt.Fprintln(cmd.OutOrStdout(), cfg.ID)
	return nil
}

func runProviderRemove(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	s, err := openStore(cmd, logger)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	if err := s.DeleteConfig(cmd.Context(), args[0]); err != nil {
		return fmt.Errorf("failed to remove provider: %w", err)
	}
	logger.Success("Removed provider %s", args[0])
	return nil
}
