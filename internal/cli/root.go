// Package cli wires the cobra command tree for the marketscan binary.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aristath/marketscan/internal/app"
	"github.com/aristath/marketscan/internal/config"
	"github.com/aristath/marketscan/internal/logging"
)

var (
	logLevel  string
	appHandle *app.App
)

var rootCmd = &cobra.Command{
	Use:   "marketscan",
	Short: "Incremental market data scanner with durable caching and resumable runs",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if appHandle != nil {
			return nil
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}

		logger := logging.NewLogger(logging.Config{
			Level:       cfg.LogLevel,
			PrettyPrint: cfg.DevMode,
		})
		appHandle = app.NewApp(cfg, logger)
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level from environment")

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(versionCmd)
}

func getApp() *app.App {
	if appHandle == nil {
		panic("application not initialized; PersistentPreRunE not executed")
	}
	return appHandle
}
