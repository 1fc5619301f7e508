package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"walletwatch/internal/app"
	"walletwatch/internal/config"
	"walletwatch/internal/storage"
	logx "walletwatch/pkg/logx"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export stored results to a spreadsheet",
	Long: `Write the latest result of every stored address to an .xlsx file,
ordered by address. Requires a storage section in the config.

Example:
  walletwatch export -c config.yaml -o results.xlsx`,
	RunE: runExport,
}

func init() {
	rootCmd.AddCommand(exportCmd)
	exportCmd.Flags().StringP("output", "o", "results.xlsx", "output file")
}

func runExport(cmd *cobra.Command, args []string) error {
	output, _ := cmd.Flags().GetString("output")

	cfg, err := config.NewConfigManager(configPath(cmd)).Load()
	if err != nil {
		return fmt.Errorf("%w: %w", config.ErrConfiguration, err)
	}
	st, err := app.OpenStore(cfg, logx.NewConsole("warn"))
	if err != nil {
		return err
	}
	defer st.Close()

	n, err := storage.ExportXLSX(context.Background(), st, output)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Exported %d results to %s\n", n, output)
	return nil
}
