package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"walletwatch/internal/app"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run one scan and exit",
	Long: `Run a single scan over the address list, wait for the notifications
to be delivered and exit. Addresses already checked by an earlier run are
skipped when storage is configured.

With --dry-run nothing is sent; the messages are printed instead and the
bot token and chat id are not required.`,
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
	scanCmd.Flags().Bool("dry-run", false, "print messages instead of sending them")
}

func runScan(cmd *cobra.Command, args []string) error {
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(app.Options{ConfigPath: configPath(cmd), DryRun: dryRun})
	if err != nil {
		return err
	}
	sum, err := a.RunOnce(ctx)

	out := cmd.OutOrStdout()
	if rec := a.Recorder(); rec != nil {
		for _, m := range rec.Sent() {
			fmt.Fprintf(out, "%s\n\n", m)
		}
	}
	fmt.Fprintf(out, "Scan %s finished in %s\n", sum.RunID, sum.Duration.Round(time.Millisecond))
	fmt.Fprintf(out, "  Addresses: %d (%d skipped)\n", sum.Addresses, sum.Skipped)
	fmt.Fprintf(out, "  Checked:   %d\n", sum.Checked)
	fmt.Fprintf(out, "  Positive:  %d  Zero: %d  Errors: %d\n", sum.Positive, sum.Zero, sum.Error)
	if sum.Unsent > 0 || sum.SinkErrors > 0 {
		fmt.Fprintf(out, "  Unsent:    %d  Storage errors: %d\n", sum.Unsent, sum.SinkErrors)
	}
	return err
}
