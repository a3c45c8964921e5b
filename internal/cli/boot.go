package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/spanledger/internal/bootstrap"
)

// BootOptions holds flags for the boot command.
type BootOptions struct {
	*RootOptions
	Event string
}

// NewBootCommand creates the boot command.
func NewBootCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BootOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "boot [function-id]",
		Short: "Boot a function span from the ledger",
		Long: `Boot a function span from the ledger.

The function must be allowlisted by the current manifest and verify before
it runs. The attempt is recorded as a boot_event span whatever the outcome.
Without an argument, BOOT_FUNCTION_ID is booted.

Example:
  spanledger boot fn-observer --event '{"reason":"manual"}'`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := opts.Config.BootFunctionID
			if len(args) == 1 {
				id = args[0]
			}
			if id == "" {
				return errors.New("no function id given and BOOT_FUNCTION_ID is not set")
			}
			event, err := parseJSONArg("event", opts.Event)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), opts.RootOptions, func(a *app) error {
				res, bootErr := a.loader.Boot(cmd.Context(), bootstrap.Request{FunctionID: id, Event: event})
				if err := printJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
				return bootErr
			})
		},
	}

	cmd.Flags().StringVar(&opts.Event, "event", "", "event passed to the function, as JSON")

	return cmd
}
