package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/spanledger/internal/model"
)

// NewIngestCommand creates the ingest command.
func NewIngestCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Append spans read from stdin",
		Long: `Append spans read from stdin.

Input is a stream of JSON span objects, or JSON arrays of them. Owner, tenant
and visibility default to the session identity. Spans are appended in order
and ingest stops at the first failure.

Example:
  echo '{"entity_type":"note","who":"user:me","this":"hello"}' | spanledger ingest`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			spans, err := decodeSpans(cmd.InOrStdin())
			if err != nil {
				return err
			}
			if len(spans) == 0 {
				return errors.New("no spans on stdin")
			}
			return withApp(cmd.Context(), rootOpts, func(a *app) error {
				for i, s := range spans {
					out, err := a.ledger.Ingest(cmd.Context(), s)
					if err != nil {
						return fmt.Errorf("span %d: %w", i, err)
					}
					if err := printJSON(cmd.OutOrStdout(), map[string]any{
						"id":        out.ID,
						"seq":       out.Seq,
						"curr_hash": out.CurrHash,
						"signed":    out.Signed(),
					}); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	return cmd
}

func decodeSpans(r io.Reader) ([]model.Span, error) {
	dec := json.NewDecoder(r)
	var spans []model.Span
	for {
		var raw json.RawMessage
		err := dec.Decode(&raw)
		if errors.Is(err, io.EOF) {
			return spans, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		if len(raw) > 0 && raw[0] == '[' {
			var batch []model.Span
			if err := json.Unmarshal(raw, &batch); err != nil {
				return nil, fmt.Errorf("decode span array: %w", err)
			}
			spans = append(spans, batch...)
			continue
		}
		var s model.Span
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("decode span: %w", err)
		}
		spans = append(spans, s)
	}
}
