package cmd

import (
	"fmt"

	"github.com/creativeprojects/go-selfupdate"
	"github.com/spf13/cobra"
)

const releaseRepository = "giantswarm/mcp-toolbridge"

var checkOnly bool

func newSelfUpdateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "self-update",
		Short: "Update mcp-toolbridge to the latest release",
		Long: `Download the latest mcp-toolbridge release from GitHub and replace the
running binary. The release archive is verified against checksums.txt.`,
		Args: cobra.NoArgs,
		RunE: runSelfUpdate,
	}
	cmd.Flags().BoolVar(&checkOnly, "check", false, "Only report whether a newer release exists")
	return cmd
}

func runSelfUpdate(cmd *cobra.Command, args []string) error {
	if version == "" || version == "dev" {
		return fmt.Errorf("self-update is not available for development builds")
	}

	updater, err := selfupdate.NewUpdater(selfupdate.Config{
		Validator: &selfupdate.ChecksumValidator{UniqueFilename: "checksums.txt"},
	})
	if err != nil {
		return fmt.Errorf("failed to create updater: %w", err)
	}

	ctx := cmd.Context()
	repo := selfupdate.ParseSlug(releaseRepository)
	out := cmd.OutOrStdout()

	latest, found, err := updater.DetectLatest(ctx, repo)
	if err != nil {
		return fmt.Errorf("failed to detect latest release: %w", err)
	}
	if !found || latest.LessOrEqual(version) {
		fmt.Fprintf(out, "mcp-toolbridge %s is up to date\n", version)
		return nil
	}
	if checkOnly {
		fmt.Fprintf(out, "A newer release is available: %s (current %s)\n", latest.Version(), version)
		return nil
	}

	exe, err := selfupdate.ExecutablePath()
	if err != nil {
		return fmt.Errorf("failed to locate executable: %w", err)
	}
	if err := updater.UpdateTo(ctx, latest, exe); err != nil {
		return fmt.Errorf("failed to update binary: %w", err)
	}

	fmt.Fprintf(out, "Updated mcp-toolbridge to %s\n", latest.Version())
	return nil
}
