package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kislikjeka/gatekeeper/internal/deal"
	apperrors "github.com/kislikjeka/gatekeeper/internal/shared/errors"
	"github.com/kislikjeka/gatekeeper/internal/syncqueue"
)

// NewSyncCommand groups the sync queue commands
func NewSyncCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Inspect and drive the outbound sync queue",
	}
	cmd.AddCommand(newSyncStatusCommand(opts))
	cmd.AddCommand(newSyncRunOnceCommand(opts))
	cmd.AddCommand(newSyncEntriesCommand(opts))
	cmd.AddCommand(newSyncRequeueCommand(opts))
	return cmd
}

func newSyncStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pending and permanently failed counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, opts, false, func(ctx context.Context, app *App) error {
				stats, err := app.Worker.Stats(ctx)
				if err != nil {
					return apperrors.DatabaseError("failed to read sync queue", err)
				}
				data := map[string]any{
					"pending_count":            stats.PendingCount(),
					"permanently_failed_count": stats.PermanentlyFailed,
					"stats":                    stats,
					"online":                   !app.Config.Offline(),
				}
				return opts.out.Success(data, fmt.Sprintf(
					"pending: %d (in flight %d, failed %d)\npermanently failed: %d\ndone: %d",
					stats.PendingCount(), stats.InFlight, stats.Failed, stats.PermanentlyFailed, stats.Done))
			})
		},
	}
}

func newSyncRunOnceCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run-once",
		Short: "Send one batch of due entries to the store of record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, opts, false, func(ctx context.Context, app *App) error {
				report, err := app.Worker.RunOnce(ctx)
				if errors.Is(err, syncqueue.ErrWorkerNotActive) {
					return NewExitError(ExitCommandError, "no remote store configured, set DATABASE_URL")
				}
				if err != nil {
					return err
				}
				return opts.out.Success(report, fmt.Sprintf(
					"selected %d, sent %d, remote wins %d, skipped %d, retried %d, permanently failed %d",
					report.Selected, report.Sent, report.RemoteWins, report.Skipped, report.Retried, report.PermanentlyFailed))
			})
		},
	}
}

func newSyncEntriesCommand(opts *RootOptions) *cobra.Command {
	var (
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "entries",
		Short: "List queued entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, opts, false, func(ctx context.Context, app *App) error {
				entries, err := app.Worker.Entries(ctx, syncqueue.Status(status), limit)
				if err != nil {
					return apperrors.DatabaseError("failed to list sync entries", err)
				}

				var b strings.Builder
				tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tSTATUS\tOP\tENTITY\tATTEMPTS\tLAST ERROR")
				rows := make([]map[string]any, 0, len(entries))
				for _, e := range entries {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\n",
						e.ID, e.Status, e.Operation, e.EntityKey, e.AttemptCount, e.LastError)
					rows = append(rows, map[string]any{
						"id":            e.ID,
						"status":        e.Status,
						"operation":     e.Operation,
						"entity_key":    e.EntityKey,
						"depends_on":    e.DependsOn,
						"attempt_count": e.AttemptCount,
						"last_error":    e.LastError,
						"resolution":    e.Resolution,
					})
				}
				tw.Flush()
				return opts.out.Success(rows, strings.TrimRight(b.String(), "\n"))
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "only entries with this status (pending|in_flight|failed|permanently_failed|done)")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of entries")
	return cmd
}

func newSyncRequeueCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <entry-id>",
		Short: "Give a permanently failed entry a fresh set of attempts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid entry id %q", args[0]))
			}
			return runWithApp(cmd, opts, true, func(ctx context.Context, app *App) error {
				if a, _ := deal.ActorFrom(ctx); !a.Role.CanDecide() {
					return apperrors.Forbidden("only finance or admin users can requeue entries")
				}
				err := app.Worker.Requeue(ctx, id)
				switch {
				case errors.Is(err, syncqueue.ErrEntryNotFound):
					return apperrors.NotFound("sync entry").With("entry_id", id)
				case errors.Is(err, syncqueue.ErrNotRequeueable):
					return apperrors.Wrap(err, apperrors.ErrCodeConflict, "entry is not permanently failed").With("entry_id", id)
				case err != nil:
					return apperrors.DatabaseError("failed to requeue entry", err)
				}
				return opts.out.Success(map[string]any{"id": id, "status": syncqueue.StatusPending},
					fmt.Sprintf("entry %d requeued", id))
			})
		},
	}
}
