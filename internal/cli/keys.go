package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kislikjeka/gatekeeper/internal/platform/vault"
	"github.com/kislikjeka/gatekeeper/internal/transport/httpapi/middleware"
	"github.com/kislikjeka/gatekeeper/pkg/config"
	"github.com/kislikjeka/gatekeeper/pkg/logger"
)

// NewKeygenCommand creates the archive key if it does not exist yet and
// prints its public recipient
func NewKeygenCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Create or show the archive encryption key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return &ExitError{Code: ExitCommandError, Message: "invalid configuration", Err: err}
			}
			v, err := vault.Open(cfg.ArchiveKeyPath, cfg.ArchiveKeyPassphrase, logger.New(cfg.Env, cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			data := map[string]string{"key_path": cfg.ArchiveKeyPath, "recipient": v.Recipient()}
			return opts.out.Success(data, fmt.Sprintf("%s\n  key: %s", v.Recipient(), cfg.ArchiveKeyPath))
		},
	}
}

// NewTokenCommand issues an API token for the acting user
func NewTokenCommand(opts *RootOptions) *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API bearer token for --user and --role",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := opts.Actor()
			if err != nil {
				return err
			}
			cfg, err := config.Load()
			if err != nil {
				return &ExitError{Code: ExitCommandError, Message: "invalid configuration", Err: err}
			}
			if cfg.JWTSecret == "" {
				return NewExitError(ExitCommandError, "JWT_SECRET is not set")
			}
			if ttl <= 0 {
				ttl = cfg.JWTTTL
			}

			token, err := middleware.NewJWTService(cfg.JWTSecret, ttl).GenerateToken(actor)
			if err != nil {
				return err
			}
			return opts.out.Success(map[string]any{
				"token":   token,
				"user_id": actor.UserID,
				"role":    actor.Role,
				"expires": time.Now().Add(ttl).UTC(),
			}, token)
		},
	}

	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to JWT_TTL)")
	return cmd
}

