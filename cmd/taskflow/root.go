package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zpandasoft/deer-flow/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "taskflow",
	Short: "Research objective orchestrator",
	Long: `Taskflow turns a research query into an objective, decomposes it into
tasks and steps, executes the steps in dependency order with retries, checks
that the results are sufficient and complete, and writes a final report.

Objectives are persisted so they can be paused, reviewed, cancelled and
resumed across processes.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a config file (default: user and project config)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(reviewCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads --config when given, otherwise the layered defaults.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromPath(configPath)
	}
	return config.Load()
}

// signalDir is the control directory that sits next to the database.
func signalDir(cfg *config.Config) string {
	return filepath.Join(filepath.Dir(cfg.Store.Path), "signals")
}

// interruptContext is cancelled on SIGINT or SIGTERM. The returned stop
// function releases the signal handler.
func interruptContext() (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			printStatus("!", "Interrupted, stopping (progress is saved)", colorWarn)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, func() {
		signal.Stop(sigCh)
		cancel()
	}
}
