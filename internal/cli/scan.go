package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/marketscan/internal/app"
)

var (
	scanWorkers       int
	scanDelay         time.Duration
	scanConservative  bool
	scanAggressive    bool
	scanResume        bool
	scanClearProgress bool
	scanTestMode      bool
)

// testModeLimit caps the universe when rehearsing against live endpoints.
const testModeLimit = 5

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run one scan over the configured universe",
	RunE: func(cmd *cobra.Command, args []string) error {
		a := getApp()

		opts := app.ScanOptions{
			Scan:          a.Config.ScanOptions(),
			Scheduler:     a.Config.SchedulerOptions(),
			ClearProgress: scanClearProgress,
		}
		opts.Scan.Resume = scanResume

		switch {
		case scanConservative:
			opts.Scheduler.Workers = 2
			opts.Scheduler.PerWorkerDelay = time.Second
		case scanAggressive:
			opts.Scheduler.Workers = 5
			opts.Scheduler.PerWorkerDelay = 300 * time.Millisecond
		}
		if cmd.Flags().Changed("workers") {
			opts.Scheduler.Workers = scanWorkers
		}
		if cmd.Flags().Changed("delay") {
			opts.Scheduler.PerWorkerDelay = scanDelay
		}
		if scanTestMode {
			opts.Limit = testModeLimit
		}

		// First SIGINT cancels the run; in-flight fetches get the grace
		// period, then the checkpoint run stays open for --resume.
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		summary, err := a.RunScan(ctx, opts)
		if summary != nil {
			printSummary(cmd, summary)
		}
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(cmd.OutOrStdout(), "Interrupted. Re-run with --resume to continue.")
			return nil
		}
		return err
	},
}

func init() {
	scanCmd.Flags().IntVar(&scanWorkers, "workers", 0, "Concurrent fetch workers")
	scanCmd.Flags().DurationVar(&scanDelay, "delay", 0, "Minimum delay between fetches per worker")
	scanCmd.Flags().BoolVar(&scanConservative, "conservative", false, "Preset: 2 workers, 1s delay")
	scanCmd.Flags().BoolVar(&scanAggressive, "aggressive", false, "Preset: 5 workers, 300ms delay")
	scanCmd.Flags().BoolVar(&scanResume, "resume", false, "Continue the latest interrupted run")
	scanCmd.Flags().BoolVar(&scanClearProgress, "clear-progress", false, "Abandon any interrupted run before scanning")
	scanCmd.Flags().BoolVar(&scanTestMode, "test-mode", false, fmt.Sprintf("Scan only the first %d subjects", testModeLimit))

	scanCmd.MarkFlagsMutuallyExclusive("conservative", "aggressive")
	scanCmd.MarkFlagsMutuallyExclusive("resume", "clear-progress")
}
