package cli

import (
	"github.com/spf13/cobra"

	"github.com/ashita-ai/spanledger/internal/model"
)

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Tombstone a span id",
		Long: `Tombstone a span id by appending a deleted revision.

No row is removed. Reads stop returning every revision of the id, while the
tombstone itself stays hashed and signed like any other span.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), rootOpts, func(a *app) error {
				who := a.identity.UserID
				if who == "" {
					who = model.AnonymousUser
				}
				tomb, err := a.ledger.Delete(cmd.Context(), args[0], who, reason)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"id":     tomb.ID,
					"seq":    tomb.Seq,
					"status": tomb.Status,
				})
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "why the span is deleted; stored on the tombstone")

	return cmd
}
