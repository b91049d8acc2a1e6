package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/deskrunner/deskrunner/internal/config"
	"github.com/deskrunner/deskrunner/internal/service"
)

// buildServeCmd creates the "serve" command that starts the runtime daemon.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the deskrunner runtime daemon",
		Long: `Start the runtime daemon with the configured store and providers.

The daemon will:
1. Load configuration from the specified file (or deskrunner.yaml)
2. Open the persistence backend and seed configured agents
3. Initialize model providers (Anthropic, OpenAI, Bedrock)
4. Start the HTTP server for health checks and metrics
5. Watch the config file and apply agent setting changes live

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  deskrunnerd serve

  # Start with custom config
  deskrunnerd serve --config /etc/deskrunner/production.yaml

  # Start with debug logging
  deskrunnerd serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath(),
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

// runServe implements the serve command logic: configuration loading,
// runtime assembly, and graceful shutdown.
func runServe(ctx context.Context, configPath string, debug bool) error {
	if debug {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})))
	}

	slog.Info("starting deskrunner runtime",
		"version", version,
		"commit", commit,
		"config", configPath,
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	rt, err := service.New(ctx, cfg, service.Options{ConfigPath: configPath})
	if err != nil {
		return fmt.Errorf("failed to assemble runtime: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return rt.Run(ctx)
}
