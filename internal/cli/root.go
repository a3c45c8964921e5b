// Package cli implements the spanledger command tree.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/spanledger/internal/auth"
	"github.com/ashita-ai/spanledger/internal/config"
	"github.com/ashita-ai/spanledger/internal/ctxutil"
)

// RootOptions holds what every command shares.
type RootOptions struct {
	Config  config.Config
	Logger  *slog.Logger
	Version string

	// Token is a session token; when set, its identity replaces
	// APP_USER_ID and APP_TENANT_ID.
	Token string
}

// NewRootCommand creates the root command.
func NewRootCommand(opts *RootOptions) *cobra.Command {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	cmd := &cobra.Command{
		Use:   "spanledger",
		Short: "Signed, append-only span ledger",
		Long: `spanledger records every action as an immutable, content-hashed and
signed span, and boots code stored in the ledger only after the current
manifest allows it and its signature verifies.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.Token == "" {
				return nil
			}
			return bindToken(cmd, opts)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Token, "token", os.Getenv("SPANLEDGER_TOKEN"), "session token to act as (overrides APP_USER_ID/APP_TENANT_ID)")

	cmd.AddCommand(NewBootCommand(opts))
	cmd.AddCommand(NewIngestCommand(opts))
	cmd.AddCommand(NewTimelineCommand(opts))
	cmd.AddCommand(NewDeleteCommand(opts))
	cmd.AddCommand(NewVerifyCommand(opts))
	cmd.AddCommand(NewWorkerCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewSeedCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewMCPCommand(opts))
	cmd.AddCommand(NewKeygenCommand(opts))
	cmd.AddCommand(NewTokenCommand(opts))

	return cmd
}

func bindToken(cmd *cobra.Command, opts *RootOptions) error {
	signer, err := newSigner(opts.Config)
	if err != nil {
		return err
	}
	tm, err := auth.NewTokenManager(signer, opts.Config.TrustedKeys, opts.Config.TokenTTL)
	if err != nil {
		return err
	}
	claims, err := tm.ValidateToken(opts.Token)
	if err != nil {
		return fmt.Errorf("--token: %w", err)
	}
	cmd.SetContext(ctxutil.WithClaims(cmd.Context(), claims))
	opts.Logger.Debug("session token accepted", "user_id", claims.Subject, "tenant_id", claims.TenantID)
	return nil
}
