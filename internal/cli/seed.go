package cli

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/spanledger/internal/seed"
)

// NewSeedCommand creates the seed command group.
func NewSeedCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Apply YAML seed files of functions and manifests",
		Long: `Apply YAML seed files of functions and manifests.

Each span in a seed file is the desired latest revision of its id. Applying
appends a revision only where the ledger differs, so applying twice is a
no-op. The directory defaults to SPANLEDGER_SEED_DIR.`,
	}
	cmd.AddCommand(newSeedApplyCommand(rootOpts))
	cmd.AddCommand(newSeedWatchCommand(rootOpts))
	return cmd
}

func seedDir(opts *RootOptions, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	if opts.Config.SeedDir == "" {
		return "", errors.New("no seed directory given and SPANLEDGER_SEED_DIR is not set")
	}
	return opts.Config.SeedDir, nil
}

func newSeedApplyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "apply [dir]",
		Short: "Apply every seed file in a directory once",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := seedDir(rootOpts, args)
			if err != nil {
				return err
			}
			files, err := seed.LoadDir(dir)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), rootOpts, func(a *app) error {
				rep, err := seed.Apply(cmd.Context(), a.ledger, files, a.logger)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), rep)
			})
		},
	}
}

func newSeedWatchCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [dir]",
		Short: "Apply a seed directory, then reapply it whenever it changes",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := seedDir(rootOpts, args)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), rootOpts, func(a *app) error {
				if err := a.applySeeds(cmd.Context(), dir); err != nil {
					return err
				}
				w, err := seed.NewWatcher(dir, func(ctx context.Context, files []seed.File) error {
					_, err := seed.Apply(ctx, a.ledger, files, a.logger)
					return err
				}, a.logger)
				if err != nil {
					return err
				}
				return w.Run(cmd.Context())
			})
		},
	}
}
