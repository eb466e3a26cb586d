// Package cli is the gatekeeper command line: ingest, decide and inspect
// deals, run the sync worker and serve the HTTP API.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"sort"

	"github.com/spf13/cobra"

	"github.com/kislikjeka/gatekeeper/internal/deal"
	"github.com/kislikjeka/gatekeeper/pkg/config"
	"github.com/kislikjeka/gatekeeper/pkg/logger"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Format string // "json" | "text"
	UserID string
	Role   string

	out *OutputFormatter
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// Actor returns the identity commands act as
func (o *RootOptions) Actor() (deal.Actor, error) {
	if o.UserID == "" {
		return deal.Actor{}, NewExitError(ExitCommandError, "no user given, set --user or GATEKEEPER_USER")
	}
	role := deal.Role(o.Role)
	switch role {
	case deal.RoleSales, deal.RoleFinance, deal.RoleAdmin:
	default:
		return deal.Actor{}, NewExitError(ExitCommandError, fmt.Sprintf("invalid role %q", o.Role))
	}
	return deal.Actor{UserID: o.UserID, Role: role}, nil
}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "gatekeeper",
		Short: "Deal gatekeeper",
		Long: "Ingests parsed deal sheets, archives approved and rejected deal files " +
			"and keeps the local store in sync with the store of record.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			opts.out = &OutputFormatter{
				Format:    opts.Format,
				Writer:    cmd.OutOrStdout(),
				ErrWriter: cmd.ErrOrStderr(),
			}
			return nil
		},
	}

	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &ExitError{Code: ExitCommandError, Message: "invalid flags", Err: err}
	})

	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.UserID, "user", envOr("GATEKEEPER_USER", os.Getenv("USER")), "acting user id")
	cmd.PersistentFlags().StringVar(&opts.Role, "role", envOr("GATEKEEPER_ROLE", string(deal.RoleSales)), "acting role (SALES|FINANCE|ADMIN)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewIngestCommand(opts))
	cmd.AddCommand(NewApproveCommand(opts))
	cmd.AddCommand(NewRejectCommand(opts))
	cmd.AddCommand(NewCancelCommand(opts))
	cmd.AddCommand(NewShowCommand(opts))
	cmd.AddCommand(NewListCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewKeygenCommand(opts))
	cmd.AddCommand(NewTokenCommand(opts))

	return cmd
}

// Execute runs the command line and returns the process exit code
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := NewRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	executed, err := cmd.ExecuteContextC(ctx)
	if err == nil {
		return ExitSuccess
	}

	out := &OutputFormatter{Format: "text", Writer: stdout, ErrWriter: stderr}
	if f := executed.Flag("format"); f != nil && f.Value.String() == "json" {
		out.Format = "json"
	}
	out.Error(err)
	return GetExitCode(err)
}

// runWithApp loads the configuration, wires the components and runs fn as the
// acting user
func runWithApp(cmd *cobra.Command, opts *RootOptions, needActor bool, fn func(ctx context.Context, app *App) error) error {
	ctx := cmd.Context()
	if needActor {
		actor, err := opts.Actor()
		if err != nil {
			return err
		}
		ctx = deal.WithActor(ctx, actor)
		ctx = context.WithValue(ctx, logger.UserIDKey, actor.UserID)
	}

	cfg, err := config.Load()
	if err != nil {
		return &ExitError{Code: ExitCommandError, Message: "invalid configuration", Err: err}
	}
	log := logger.New(cfg.Env, cmd.ErrOrStderr())

	app, err := OpenApp(ctx, cfg, log)
	if err != nil {
		return &ExitError{Code: ExitFailure, Message: "failed to start", Err: err}
	}
	defer app.Close()

	return fn(ctx, app)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
