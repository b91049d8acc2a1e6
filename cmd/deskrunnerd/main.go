// Package main provides the CLI entry point for the deskrunner agent
// runtime daemon.
//
// The daemon loads agent settings from a YAML config file, assembles the
// runtime (store, model providers, tool session cache, orchestrator), and
// serves health and metrics endpoints while embedding products drive
// agent turns through the runtime API.
//
// # Basic Usage
//
// Start the daemon:
//
//	deskrunnerd serve --config deskrunner.yaml
//
// Install a user-level service file:
//
//	deskrunnerd service install
//
// # Environment Variables
//
//   - DESKRUNNER_CONFIG: Path to configuration file (default: deskrunner.yaml)
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models
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
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "deskrunnerd",
		Short: "Deskrunner - authenticated agent runtime",
		Long: `Deskrunner runs authenticated agent turns: it assembles thread history
into a model context, routes completions to the configured provider, and
invokes granted tools over per-user authenticated sessions.

Supported providers: Anthropic (Claude), OpenAI (GPT), AWS Bedrock`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildServiceCmd(),
		buildVersionCmd(),
	)

	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "deskrunnerd %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
