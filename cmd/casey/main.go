// Casey server and CLI: the orchestrator runtime with its HTTP API and the
// local agent tools (run, history, diff, rollback).
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/codeready-toolchain/casey/pkg/version"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var verbose bool

	root := &cobra.Command{
		Use:           "casey",
		Short:         "Autonomous agent runtime",
		Version:       version.Full(),
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
	}
	root.PersistentFlags().String("config-dir", getEnv("CONFIG_DIR", "./deploy/config"),
		"path to the configuration directory")
	root.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable debug logging")

	root.AddCommand(newServeCmd())
	root.AddCommand(newAgentCmd())
	return root
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
