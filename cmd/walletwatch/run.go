package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"walletwatch/internal/app"
)

// stopSlack is added to the dispatch drain timeout for the other stop steps.
const stopSlack = 15 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the monitor until interrupted",
	Long: `Run scans (once at start, then every scan.every if set), deliver
notifications, send periodic reports and serve the status page.

On SIGINT or SIGTERM the queue is drained for up to dispatch.drain_timeout.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().Bool("dry-run", false, "record messages instead of sending them")
}

func runRun(cmd *cobra.Command, args []string) error {
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(app.Options{ConfigPath: configPath(cmd), DryRun: dryRun})
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return err
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}
	fatal := a.Err()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), drainTimeout(a)+stopSlack)
	defer stopCancel()
	stopErr := a.Stop(stopCtx, reason)
	if fatal != nil {
		return fatal
	}
	if stopErr != nil && !errors.Is(stopErr, context.Canceled) {
		return stopErr
	}
	return nil
}

func drainTimeout(a *app.App) time.Duration {
	cfg := a.Config()
	if cfg == nil {
		return 30 * time.Second
	}
	t, err := cfg.Timings()
	if err != nil || t.DispatchDrainTimeout <= 0 {
		return 30 * time.Second
	}
	return t.DispatchDrainTimeout
}
