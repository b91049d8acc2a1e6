package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/deskrunner/deskrunner/internal/config"
	"github.com/deskrunner/deskrunner/internal/service"
)

// buildServiceCmd creates the "service" command group for managing the
// daemon's OS service files.
func buildServiceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage service installation files",
	}
	cmd.AddCommand(buildServiceInstallCmd(), buildServiceRestartCmd())
	return cmd
}

func buildServiceInstallCmd() *cobra.Command {
	var (
		configPath string
		overwrite  bool
		restart    bool
	)
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install a user-level service file",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := service.InstallUserService(configPath, overwrite)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Service file: %s\n", result.Path)
			for _, step := range result.Instructions {
				fmt.Fprintf(out, "  %s\n", step)
			}
			if restart {
				ran, err := service.RestartUserService(cmd.Context())
				for _, step := range ran {
					fmt.Fprintf(out, "ran: %s\n", step)
				}
				if err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath(), "Path to YAML configuration file")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Replace an existing service file")
	cmd.Flags().BoolVar(&restart, "restart", false, "Restart the service after installing")
	return cmd
}

func buildServiceRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart the installed user service",
		RunE: func(cmd *cobra.Command, args []string) error {
			ran, err := service.RestartUserService(cmd.Context())
			for _, step := range ran {
				fmt.Fprintf(cmd.OutOrStdout(), "ran: %s\n", step)
			}
			return err
		},
	}
}
