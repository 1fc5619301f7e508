package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"walletwatch/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a config file",
	Long: `Validate a configuration file and the environment overrides without
starting anything. Every problem is reported, not just the first.

Exit codes:
  0 - config is valid
  2 - config is invalid`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
	validateCmd.Flags().Bool("dry-run", false, "do not require telegram credentials")
}

func runValidate(cmd *cobra.Command, args []string) error {
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	cfg, err := config.NewConfigManager(configPath(cmd)).Load()
	if err != nil {
		return fmt.Errorf("%w: %w", config.ErrConfiguration, err)
	}
	if err := config.Validate(cfg, dryRun); err != nil {
		return err
	}

	storage := "none"
	if cfg.Storage != nil && strings.TrimSpace(cfg.Storage.Driver) != "" {
		storage = cfg.Storage.Driver
	}
	status := "disabled"
	if cfg.Status.Enabled {
		status = cfg.Status.Addr
	}
	every := cfg.Scan.Every
	if every == "" {
		every = "once"
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Config is valid!\n")
	fmt.Fprintf(out, "  Addresses: %d inline, file %q\n", len(cfg.Addresses.List), cfg.Addresses.Path)
	fmt.Fprintf(out, "  Scan:      %d workers, every %s\n", cfg.Scan.Workers, every)
	fmt.Fprintf(out, "  Dispatch:  %d per batch, %s apart\n", cfg.Dispatch.BatchSize, cfg.Dispatch.MinGap)
	fmt.Fprintf(out, "  Storage:   %s\n", storage)
	fmt.Fprintf(out, "  Status:    %s\n", status)
	return nil
}
