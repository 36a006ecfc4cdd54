package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/dharsanguruparan/ConvertDrop/internal/app"
	"github.com/dharsanguruparan/ConvertDrop/internal/config"
	"github.com/dharsanguruparan/ConvertDrop/internal/model"
)

func newSubmissionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "submissions",
		Aliases: []string{"subs"},
		Short:   "Inspect and manage recorded submissions",
	}
	cmd.AddCommand(newSubmissionsListCmd(), newSubmissionsShowCmd(), newSubmissionsDeleteCmd())
	return cmd
}

// withApp connects to the persistent collaborators for admin access.
func withApp(cmd *cobra.Command, fn func(context.Context, *app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.Memory {
		return errors.New("submissions commands need the persistent database; unset CONVERTDROP_MEMORY")
	}
	ctx := cmd.Context()
	a, err := app.New(ctx, cfg, newLogger(cfg))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func newSubmissionsListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the newest submissions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				var (
					subs []model.Submission
					err  error
				)
				if status != "" {
					subs, err = a.Status.ByStatus(ctx, model.Status(status), limit)
				} else {
					subs, err = a.Status.Recent(ctx, limit)
				}
				if err != nil {
					return err
				}
				if len(subs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No submissions")
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"Correlation ID", "File", "Processor", "Status", "Size", "Created"},
					submissionRows(subs),
					5,
				))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&status, "status", "s", "", "Filter by status (Queued, Processing, Processed, Failed)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of rows")
	return cmd
}

func submissionRows(subs []model.Submission) [][]string {
	rows := make([][]string, 0, len(subs))
	for _, s := range subs {
		status := string(s.Status)
		if s.DeadLettered {
			status += " (dead-lettered)"
		}
		rows = append(rows, []string{
			s.CorrelationID,
			s.OriginalFileName,
			s.ProcessorType,
			status,
			strconv.FormatInt(s.FileSize, 10),
			s.CreatedAt.Format(time.RFC3339),
		})
	}
	return rows
}

func newSubmissionsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <correlation-id>",
		Short: "Show a submission and its event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				tl, err := a.Status.GetStatusByCorrelationID(ctx, args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				s := tl.Submission
				fmt.Fprintf(out, "File:       %s\n", s.OriginalFileName)
				fmt.Fprintf(out, "Processor:  %s\n", s.ProcessorType)
				fmt.Fprintf(out, "Status:     %s\n", s.Status)
				if s.ProcessedFileName != nil {
					fmt.Fprintf(out, "Output:     %s\n", *s.ProcessedFileName)
				}
				if s.ErrorMessage != nil {
					fmt.Fprintf(out, "Error:      %s\n", *s.ErrorMessage)
				}
				rows := make([][]string, 0, len(tl.Events))
				for _, e := range tl.Events {
					rows = append(rows, []string{e.Timestamp.Format(time.RFC3339), e.LogLevel, e.EventType, e.Message})
				}
				fmt.Fprintln(out, renderTable([]string{"Time", "Level", "Event", "Message"}, rows))
				return nil
			})
		},
	}
}

func newSubmissionsDeleteCmd() *cobra.Command {
	var purge bool
	cmd := &cobra.Command{
		Use:   "delete <correlation-id>",
		Short: "Delete a submission record and its events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				repo := a.Repository()
				sub, err := repo.GetByCorrelationID(ctx, args[0])
				if err != nil {
					return err
				}
				if err := repo.Delete(ctx, sub.CorrelationID); err != nil {
					return err
				}
				if purge {
					cfg := a.Config()
					store := a.Store()
					if err := store.Delete(ctx, cfg.UploadBucket, sub.OriginalFileName); err != nil {
						return fmt.Errorf("delete upload: %w", err)
					}
					output := a.Status.ExpectedProcessedName(sub.OriginalFileName)
					if sub.ProcessedFileName != nil {
						output = *sub.ProcessedFileName
					}
					if err := store.Delete(ctx, cfg.ProcessedBucket, output); err != nil {
						return fmt.Errorf("delete output: %w", err)
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s (%s)\n", sub.CorrelationID, sub.OriginalFileName)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&purge, "purge", false, "Also delete the stored upload and its converted output")
	return cmd
}
