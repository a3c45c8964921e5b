package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/spanledger/internal/auth"
	"github.com/ashita-ai/spanledger/internal/integrity"
	"github.com/ashita-ai/spanledger/internal/mcp"
	"github.com/ashita-ai/spanledger/internal/model"
	"github.com/ashita-ai/spanledger/migrations"
)

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending Postgres migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), rootOpts, func(a *app) error {
				if a.db == nil {
					a.logger.Info("migrate: embedded backend applies its schema on open")
					return nil
				}
				return a.db.RunMigrations(cmd.Context(), migrations.FS)
			})
		},
	}
}

// NewMCPCommand creates the mcp command.
func NewMCPCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the Model Context Protocol on stdin/stdout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), rootOpts, func(a *app) error {
				return mcp.New(a.ledger, a.loader, a.logger, rootOpts.Version).ServeStdio()
			})
		},
	}
}

// NewKeygenCommand creates the keygen command.
func NewKeygenCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate an Ed25519 signing key",
		Long: `Generate an Ed25519 signing key. Put signing_key_hex in SIGNING_KEY_HEX
and distribute public_key_hex to verifiers via SPANLEDGER_TRUSTED_KEYS.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := integrity.GenerateSigner()
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]string{
				"signing_key_hex": s.SeedHex(),
				"public_key_hex":  s.PublicKeyHex(),
			})
		},
	}
}

// NewTokenCommand creates the token command group.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue session tokens",
	}

	var user, tenant string
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue a session token signed with SIGNING_KEY_HEX",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := newSigner(rootOpts.Config)
			if err != nil {
				return err
			}
			if signer == nil {
				return errors.New("issuing tokens requires SIGNING_KEY_HEX")
			}
			tm, err := auth.NewTokenManager(signer, rootOpts.Config.TrustedKeys, rootOpts.Config.TokenTTL)
			if err != nil {
				return err
			}
			token, exp, err := tm.IssueToken(model.Identity{UserID: user, TenantID: tenant})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"token":      token,
				"expires_at": exp,
			})
		},
	}
	issue.Flags().StringVar(&user, "user", "", "user id the token acts as")
	issue.Flags().StringVar(&tenant, "tenant", "", "tenant id the token acts in")
	_ = issue.MarkFlagRequired("user")

	cmd.AddCommand(issue)
	return cmd
}
