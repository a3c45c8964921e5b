package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/spanledger/internal/model"
)

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		id         string
		entityType string
		since      string
	)

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Re-verify hashes and signatures of visible spans",
		Long: `Re-verify hashes and signatures of every visible span that matches the
filters, and print a report with a Merkle root over the verified hashes.
Exits non-zero when any span fails.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sinceT, err := parseTimeArg("since", since)
			if err != nil {
				return err
			}
			f := model.SpanFilter{Since: sinceT, Order: model.OrderAtAsc}
			if id != "" {
				f.ID = &id
			}
			if entityType != "" {
				f.EntityType = &entityType
			}
			return withApp(cmd.Context(), rootOpts, func(a *app) error {
				report, err := a.ledger.Audit(cmd.Context(), f)
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
				if !report.OK() {
					return fmt.Errorf("%d of %d spans failed verification", len(report.Failures), report.Checked)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "only revisions of this span id")
	cmd.Flags().StringVarP(&entityType, "entity-type", "t", "", "only spans of this entity type")
	cmd.Flags().StringVar(&since, "since", "", "RFC 3339 lower bound on at")

	return cmd
}
