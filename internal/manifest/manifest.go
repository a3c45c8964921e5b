// Package manifest resolves the current trust policy: the most recent
// manifest span in the ledger. It never caches; every call reads the ledger.
package manifest

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/ashita-ai/spanledger/internal/integrity"
	"github.com/ashita-ai/spanledger/internal/model"
)

// DefaultSlowMs is the slow-execution threshold when a manifest sets none.
const DefaultSlowMs int64 = 5000

// Policy holds the known policy knobs.
type Policy struct {
	SlowMs int64 `json:"slow_ms"`
}

// Manifest is the decoded trust policy.
type Manifest struct {
	// SpanID is empty when no manifest span exists.
	SpanID         string         `json:"span_id,omitempty"`
	Seq            int64          `json:"seq"`
	AllowedBootIDs []string       `json:"allowed_boot_ids"`
	Policy         Policy         `json:"policy"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Allows reports whether functionID is in the boot allowlist.
func (m Manifest) Allows(functionID string) bool {
	return slices.Contains(m.AllowedBootIDs, functionID)
}

// Knob returns metadata.policy[name], or nil.
func (m Manifest) Knob(name string) any {
	policy, _ := m.Metadata["policy"].(map[string]any)
	return policy[name]
}

// Reader is the read capability the resolver needs.
type Reader interface {
	Query(ctx context.Context, f model.SpanFilter) ([]model.Span, error)
}

// Resolver reads the latest manifest span.
type Resolver struct {
	reader Reader
	logger *slog.Logger
}

// NewResolver creates a Resolver.
func NewResolver(reader Reader, logger *slog.Logger) *Resolver {
	return &Resolver{reader: reader, logger: logger}
}

// Latest returns the most recent visible manifest (at desc, then seq desc).
// With no manifest span the result is an empty allowlist and default policy.
// A manifest that fails verification is an IntegrityError.
func (r *Resolver) Latest(ctx context.Context) (Manifest, error) {
	spans, err := r.reader.Query(ctx, model.SpanFilter{
		EntityType: model.Ptr(model.EntityManifest),
		Order:      model.OrderAtDesc,
		Limit:      1,
	})
	if err != nil {
		return Manifest{}, err
	}
	if len(spans) == 0 {
		r.logger.Debug("manifest: none found, using defaults")
		return Manifest{Policy: Policy{SlowMs: DefaultSlowMs}}, nil
	}
	span := spans[0]
	if err := integrity.Verify(span); err != nil {
		return Manifest{}, err
	}
	m, err := Decode(span)
	if err != nil {
		return Manifest{}, model.WrapError(model.KindValidation, "decode manifest", err)
	}
	return m, nil
}

// Decode extracts allowlist and policy from a manifest span's metadata.
func Decode(span model.Span) (Manifest, error) {
	m := Manifest{
		SpanID:   span.ID,
		Seq:      span.Seq,
		Metadata: span.MetadataMap(),
		Policy:   Policy{SlowMs: DefaultSlowMs},
	}
	if span.Metadata != nil && m.Metadata == nil {
		return Manifest{}, fmt.Errorf("manifest: metadata is %T, want object", span.Metadata)
	}

	if raw, ok := m.Metadata["allowed_boot_ids"]; ok && raw != nil {
		list, ok := raw.([]any)
		if !ok {
			return Manifest{}, fmt.Errorf("manifest: allowed_boot_ids is %T, want array", raw)
		}
		for i, v := range list {
			id, ok := v.(string)
			if !ok {
				return Manifest{}, fmt.Errorf("manifest: allowed_boot_ids[%d] is %T, want string", i, v)
			}
			m.AllowedBootIDs = append(m.AllowedBootIDs, id)
		}
	}

	switch v := m.Knob("slow_ms").(type) {
	case nil:
	case float64:
		m.Policy.SlowMs = int64(v)
	case int64:
		m.Policy.SlowMs = v
	case int:
		m.Policy.SlowMs = int64(v)
	default:
		return Manifest{}, fmt.Errorf("manifest: policy.slow_ms is %T, want number", v)
	}
	return m, nil
}
