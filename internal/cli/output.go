package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// printJSON writes v as indented JSON followed by a newline.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

// parseJSONArg decodes a JSON flag value. An empty flag is nil.
func parseJSONArg(flag, value string) (any, error) {
	if value == "" {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal([]byte(value), &v); err != nil {
		return nil, fmt.Errorf("invalid --%s JSON: %w", flag, err)
	}
	return v, nil
}

// parseTimeArg parses an RFC 3339 flag value. An empty flag is nil.
func parseTimeArg(flag, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return nil, fmt.Errorf("invalid --%s: want an RFC 3339 timestamp: %w", flag, err)
	}
	return &t, nil
}
