package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	verbose    bool
	baseURL    string
	tenantID   string
	rootCmd    = &cobra.Command{
		Use:   "provctl",
		Short: "provctl - provisioning run control",
		Long: `provctl starts and supervises backend provisioning runs, follows their
live progress across reconnects, reads run history, and drives the
domain-bot queue that finishes per-location domain setup.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(verbose)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().StringVar(&baseURL, "base-url", "", "job-control base URL (overrides config)")
	rootCmd.PersistentFlags().StringVar(&tenantID, "tenant", "", "tenant id (overrides config)")
}

func setupLogging(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}
