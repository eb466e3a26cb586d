package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kislikjeka/gatekeeper/internal/archival"
	"github.com/kislikjeka/gatekeeper/internal/deal"
	"github.com/kislikjeka/gatekeeper/internal/intake"
	apperrors "github.com/kislikjeka/gatekeeper/internal/shared/errors"
)

// NewIngestCommand stores a parsed deal sheet given as JSON
func NewIngestCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <deal.json|->",
		Short: "Store a parsed deal and queue it for sync",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := readIngestRequest(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			return runWithApp(cmd, opts, true, func(ctx context.Context, app *App) error {
				t, err := app.Intake.Ingest(ctx, req)
				if err != nil {
					return err
				}
				return opts.out.Success(t, fmt.Sprintf("ingested %s (%s, %s) status=%s",
					t.ID, t.ClientName, t.BusinessUnit, t.Status))
			})
		},
	}
}

func readIngestRequest(stdin io.Reader, name string) (*intake.IngestRequest, error) {
	r := stdin
	if name != "-" {
		f, err := os.Open(name)
		if err != nil {
			return nil, &ExitError{Code: ExitCommandError, Message: "cannot open deal file", Err: err}
		}
		defer f.Close()
		r = f
	}

	var req intake.IngestRequest
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeBadRequest, "invalid deal JSON")
	}
	return &req, nil
}

// NewApproveCommand approves a PENDING deal and archives its file encrypted
func NewApproveCommand(opts *RootOptions) *cobra.Command {
	var async bool

	cmd := &cobra.Command{
		Use:   "approve <transaction-id>",
		Short: "Approve a deal and archive its file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, opts, true, func(ctx context.Context, app *App) error {
				var (
					o   *archival.Outcome
					err error
				)
				if async {
					o, err = awaitResult(cmd, app.Archival.ApproveAsync(ctx, args[0]))
				} else {
					o, err = app.Archival.Approve(ctx, args[0])
				}
				if err != nil {
					return err
				}
				return opts.out.Success(o, describeOutcome(o))
			})
		},
	}

	cmd.Flags().BoolVar(&async, "async", false, "run the decision in the background and report progress")
	return cmd
}

// NewRejectCommand rejects a PENDING deal and archives its file
func NewRejectCommand(opts *RootOptions) *cobra.Command {
	var (
		note  string
		async bool
	)

	cmd := &cobra.Command{
		Use:   "reject <transaction-id>",
		Short: "Reject a deal and archive its file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, opts, true, func(ctx context.Context, app *App) error {
				var (
					o   *archival.Outcome
					err error
				)
				if async {
					o, err = awaitResult(cmd, app.Archival.RejectAsync(ctx, args[0], note))
				} else {
					o, err = app.Archival.Reject(ctx, args[0], note)
				}
				if err != nil {
					return err
				}
				return opts.out.Success(o, describeOutcome(o))
			})
		},
	}

	cmd.Flags().StringVar(&note, "note", "", "rejection note stored on the deal")
	cmd.Flags().BoolVar(&async, "async", false, "run the decision in the background and report progress")
	return cmd
}

// awaitResult waits for an async decision, printing a progress line every second
func awaitResult(cmd *cobra.Command, ch <-chan archival.Result) (*archival.Outcome, error) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	start := time.Now()

	for {
		select {
		case res := <-ch:
			return res.Outcome, res.Err
		case <-ticker.C:
			fmt.Fprintf(cmd.ErrOrStderr(), "still archiving (%s)\n", time.Since(start).Round(time.Second))
		}
	}
}

func describeOutcome(o *archival.Outcome) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", o.TransactionID, strings.ToLower(string(o.Decision)))
	if o.ArchivedPath != "" {
		fmt.Fprintf(&b, " -> %s", o.ArchivedPath)
	}
	if o.Encrypted {
		b.WriteString(" (encrypted)")
	}
	return b.String()
}

// NewCancelCommand withdraws a PENDING deal
func NewCancelCommand(opts *RootOptions) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "cancel <transaction-id>",
		Short: "Withdraw a pending deal without archiving its file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, opts, true, func(ctx context.Context, app *App) error {
				t, err := app.Intake.Cancel(ctx, args[0], reason)
				if err != nil {
					return err
				}
				return opts.out.Success(t, fmt.Sprintf("%s cancelled", t.ID))
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "why the deal was withdrawn")
	return cmd
}

// NewShowCommand prints one deal with its detail lines
func NewShowCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <transaction-id>",
		Short: "Show a deal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, opts, false, func(ctx context.Context, app *App) error {
				t, err := app.Intake.Get(ctx, args[0])
				if err != nil {
					return err
				}
				data := struct {
					*deal.Transaction
					FixedCosts        []deal.FixedCost        `json:"fixed_costs"`
					RecurringServices []deal.RecurringService `json:"recurring_services"`
				}{t, t.FixedCosts, t.RecurringServices}
				return opts.out.Success(data, fmt.Sprintf(
					"%s %s\n  client: %s (%s)\n  file: %s\n  fingerprint: %s\n  lines: %d fixed, %d recurring\n  npv: %s  payback: %d months",
					t.ID, t.Status, t.ClientName, t.BusinessUnit, t.FileName, t.FileFingerprint,
					len(t.FixedCosts), len(t.RecurringServices), t.KPI.NPV.StringFixed(2), t.KPI.PaybackMonths))
			})
		},
	}
}

// NewListCommand lists deal headers
func NewListCommand(opts *RootOptions) *cobra.Command {
	var (
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List deals, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, opts, false, func(ctx context.Context, app *App) error {
				deals, err := app.Intake.List(ctx, deal.Status(strings.ToUpper(status)), limit)
				if err != nil {
					return err
				}

				var b strings.Builder
				tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tSTATUS\tBU\tCLIENT\tUPDATED")
				for _, t := range deals {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
						t.ID, t.Status, t.BusinessUnit, t.ClientName, t.UpdatedAt.Format(time.RFC3339))
				}
				tw.Flush()
				return opts.out.Success(deals, strings.TrimRight(b.String(), "\n"))
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "only deals with this status")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of deals")
	return cmd
}
