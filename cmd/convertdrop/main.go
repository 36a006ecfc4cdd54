package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var composeFile string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "convertdrop: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "convertdrop",
		Short: "ConvertDrop file conversion pipeline",
		Long: `ConvertDrop accepts uploaded files, converts them asynchronously through a queue and
records every step. Each role (api, worker, results, deadletter) can run as its own process,
or all of them together with serve.`,
		SilenceUsage: true,
	}
	cmd.AddCommand(
		newRoleCmd(roleAPI),
		newRoleCmd(roleWorker),
		newRoleCmd(roleResults),
		newRoleCmd(roleDeadLetter),
		newServeCmd(),
		newSubmissionsCmd(),
		newDevCmd(),
	)
	return cmd
}
