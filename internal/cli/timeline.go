package cli

import (
	"github.com/spf13/cobra"

	"github.com/ashita-ai/spanledger/internal/model"
)

// TimelineOptions holds flags for the timeline command.
type TimelineOptions struct {
	*RootOptions
	EntityType string
	OwnerID    string
	TenantID   string
	Since      string
	Until      string
	Limit      int
}

// NewTimelineCommand creates the timeline command.
func NewTimelineCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TimelineOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "timeline",
		Short: "List visible spans, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			since, err := parseTimeArg("since", opts.Since)
			if err != nil {
				return err
			}
			until, err := parseTimeArg("until", opts.Until)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), opts.RootOptions, func(a *app) error {
				page, err := a.ledger.Timeline(cmd.Context(), model.TimelineRequest{
					EntityType: opts.EntityType,
					OwnerID:    opts.OwnerID,
					TenantID:   opts.TenantID,
					Since:      since,
					Until:      until,
					Limit:      opts.Limit,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), page)
			})
		},
	}

	cmd.Flags().StringVarP(&opts.EntityType, "entity-type", "t", "", "only spans of this entity type")
	cmd.Flags().StringVar(&opts.OwnerID, "owner", "", "only spans owned by this user")
	cmd.Flags().StringVar(&opts.TenantID, "tenant", "", "only spans of this tenant")
	cmd.Flags().StringVar(&opts.Since, "since", "", "RFC 3339 lower bound on at")
	cmd.Flags().StringVar(&opts.Until, "until", "", "RFC 3339 upper bound on at")
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 0, "maximum spans (default 100, max 1000)")

	return cmd
}
