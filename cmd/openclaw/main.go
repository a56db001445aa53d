// Package main provides the CLI entry point for the OpenClaw assistant gateway.
//
// OpenClaw schedules agent runs per conversation, reconciles streaming reply
// deltas into channel-ready payloads, and rotates auth profiles across
// provider failures.
//
// # Basic Usage
//
// Start the gateway:
//
//	openclaw serve --config openclaw.yaml
//
// Manage auth profiles:
//
//	openclaw auth add work --provider anthropic --key sk-...
//	openclaw auth list
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"     // Semantic version (e.g., "v1.0.0")
	commit  = "none"    // Git commit SHA
	date    = "unknown" // Build timestamp
)

func main() {
	// Structured logging with JSON output until the config-driven logger
	// takes over inside serve.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// This is separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "openclaw",
		Short: "OpenClaw - Personal assistant gateway core",
		Long: `OpenClaw runs the conversation core of a personal assistant gateway:
per-conversation run scheduling, reply queue policies, streaming reply
reconciliation, and auth profile rotation with cooldowns.

Channel adapters and provider engines plug in around this core.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		// SilenceUsage prevents printing usage on every error.
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildAuthCmd(),
		buildSessionsCmd(),
	)

	return rootCmd
}
