// Package main is the walletwatch CLI.
//
// Usage:
//
//	walletwatch run -c config.yaml              # scan, notify and report until stopped
//	walletwatch scan -c config.yaml --dry-run   # one scan, messages printed instead of sent
//	walletwatch validate -c config.yaml         # check a config file
//	walletwatch export -c config.yaml -o out.xlsx
//	walletwatch version
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"walletwatch/internal/app"
)

// Set at build time via ldflags, e.g. -X main.version=1.0.0.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "walletwatch",
	Short: "Check wallet balances and post findings to a Telegram channel",
	Long: `walletwatch looks up the balance of every address in a list with a
bounded pool of workers, posts positive balances to a Telegram channel
through a rate-limited queue and sends a periodic stats report.

BOT_TOKEN, CHANNEL_ID and PORT override the config file.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		// cobra already printed the error
		os.Exit(app.ExitCode(err))
	}
}

func main() {
	Execute()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "walletwatch %s\n", version)
		fmt.Fprintf(out, "  commit: %s\n", commit)
		fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.PersistentFlags().StringP("config", "c", "", "path to config file (JSON or YAML)")
}

func configPath(cmd *cobra.Command) string {
	p, _ := cmd.Flags().GetString("config")
	return p
}
