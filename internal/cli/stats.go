package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aristath/marketscan/internal/checkpoint"
	"github.com/aristath/marketscan/internal/scan"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache contents and the latest scan outcome",
	RunE: func(cmd *cobra.Command, args []string) error {
		a := getApp()
		out := cmd.OutOrStdout()

		counts, err := a.CacheStats()
		if err != nil {
			return err
		}
		fmt.Fprintln(out, "Cache:")
		if len(counts) == 0 {
			fmt.Fprintln(out, "  empty")
		}
		for kind, count := range counts {
			fmt.Fprintf(out, "  %-12s %d records\n", kind, count)
		}

		summary, err := scan.LoadLatest(a.Config.DataDir)
		if err != nil {
			return err
		}
		if summary == nil {
			fmt.Fprintln(out, "\nNo scan has completed yet.")
		} else {
			fmt.Fprintln(out, "\nLatest scan:")
			printSummary(cmd, summary)
		}

		runID, openCounts, err := a.OpenRunStatus()
		if err != nil {
			return err
		}
		if runID != "" {
			fmt.Fprintf(out, "\nInterrupted run %s (resume with 'marketscan scan --resume'):\n", runID)
			fmt.Fprintf(out, "  pending %d, done %d, failed %d, exhausted %d\n",
				openCounts[checkpoint.StatusPending],
				openCounts[checkpoint.StatusDone],
				openCounts[checkpoint.StatusFailed],
				openCounts[checkpoint.StatusExhausted])
		}

		return nil
	},
}

func printSummary(cmd *cobra.Command, s *scan.Summary) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "  run        %s\n", s.RunID)
	fmt.Fprintf(out, "  subjects   %d\n", s.Subjects)
	fmt.Fprintf(out, "  succeeded  %d\n", s.Succeeded)
	fmt.Fprintf(out, "  failed     %d (stale served %d)\n", s.Failed, s.StaleServed)
	fmt.Fprintf(out, "  skipped    %d fresh, %d already done\n", s.Skipped, s.AlreadyDone)
	fmt.Fprintf(out, "  elapsed    %.1fs (%.2f subjects/s)\n", s.ElapsedSeconds, s.SubjectsPerSecond)
	if s.Interrupted {
		fmt.Fprintln(out, "  interrupted before completion")
	}
}
