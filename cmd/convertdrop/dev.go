package main

import (
	"context"
	"os"
	"os/exec"

	"github.com/spf13/cobra"
)

func newDevCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dev",
		Short: "Local development helpers for the docker compose stack",
	}
	cmd.PersistentFlags().StringVarP(&composeFile, "compose-file", "f", "docker-compose.yml", "Compose file to use for stack commands")
	cmd.AddCommand(newDevUpCmd(), newDevDownCmd(), newDevLogsCmd(), newDevTestCmd())
	return cmd
}

// compose runs `docker compose -f <file> <sub> [flags...] [services...]`.
func compose(ctx context.Context, sub string, flags map[string]bool, services []string) error {
	args := []string{"compose", "-f", composeFile, sub}
	for flag, on := range flags {
		if on {
			args = append(args, flag)
		}
	}
	return runCommand(ctx, "docker", append(args, services...)...)
}

func newDevUpCmd() *cobra.Command {
	var detach, skipBuild bool
	cmd := &cobra.Command{
		Use:   "up [service...]",
		Short: "Start Postgres, Redis, MinIO and ConvertDrop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return compose(cmd.Context(), "up", map[string]bool{"--build": !skipBuild, "-d": detach}, args)
		},
	}
	cmd.Flags().BoolVarP(&detach, "detached", "d", true, "Run in the background")
	cmd.Flags().BoolVar(&skipBuild, "skip-build", false, "Do not rebuild images first")
	return cmd
}

func newDevDownCmd() *cobra.Command {
	var volumes bool
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Stop the compose stack",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return compose(cmd.Context(), "down", map[string]bool{"-v": volumes}, nil)
		},
	}
	cmd.Flags().BoolVarP(&volumes, "volumes", "v", false, "Also remove the Postgres and MinIO volumes")
	return cmd
}

func newDevLogsCmd() *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "logs [service...]",
		Short: "Show logs from compose services",
		RunE: func(cmd *cobra.Command, args []string) error {
			return compose(cmd.Context(), "logs", map[string]bool{"--follow": follow}, args)
		},
	}
	cmd.Flags().BoolVar(&follow, "follow", false, "Stream logs continuously")
	return cmd
}

func newDevTestCmd() *cobra.Command {
	var race, integration bool
	cmd := &cobra.Command{
		Use:   "test [packages]",
		Short: "Run Go tests (defaults to ./...)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				args = []string{"./..."}
			}
			goArgs := []string{"test"}
			if race {
				goArgs = append(goArgs, "-race")
			}
			if integration {
				os.Setenv("CONVERTDROP_INTEGRATION", "1")
			}
			return runCommand(cmd.Context(), "go", append(goArgs, args...)...)
		},
	}
	cmd.Flags().BoolVar(&race, "race", false, "Enable the race detector")
	cmd.Flags().BoolVar(&integration, "integration", false, "Include the testcontainers-backed integration tests")
	return cmd
}

func runCommand(ctx context.Context, name string, args ...string) error {
	c := exec.CommandContext(ctx, name, args...)
	c.Stdin, c.Stdout, c.Stderr = os.Stdin, os.Stdout, os.Stderr
	return c.Run()
}
