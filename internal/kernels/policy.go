package kernels

import (
	"context"
	"log/slog"

	"github.com/ashita-ai/spanledger/internal/kernel"
	"github.com/ashita-ai/spanledger/internal/manifest"
	"github.com/ashita-ai/spanledger/internal/model"
)

// Violation is an execution that ran longer than the policy allows.
type Violation struct {
	ID         string `json:"id"`
	Who        string `json:"who"`
	DurationMs int64  `json:"duration_ms"`
	At         string `json:"at"`
}

// checkPolicy flags execution spans from the last hour that exceeded the
// manifest's slow_ms threshold.
func checkPolicy(logger *slog.Logger) kernel.Func {
	return func(ctx context.Context, kc *kernel.Context, _ any) (any, error) {
		m, err := manifest.NewResolver(kc, logger).Latest(ctx)
		if err != nil {
			return nil, err
		}
		threshold := m.Policy.SlowMs
		since := kc.Now().Add(-lookback)
		slow, err := kc.Query(ctx, model.SpanFilter{
			EntityType:   model.Ptr(model.EntityExecution),
			Since:        &since,
			SlowerThanMs: &threshold,
			Order:        model.OrderDurationDesc,
			Limit:        10,
		})
		if err != nil {
			return nil, err
		}

		violations := make([]Violation, 0, len(slow))
		for _, s := range slow {
			violations = append(violations, Violation{ID: s.ID, Who: s.Who, DurationMs: *s.DurationMs, At: model.FormatTime(s.At)})
		}

		check := ownedSpan(kc, model.EntityPolicyCheck, "kernel:"+PolicyAgent, "checked", "slow_executions")
		check.Status = model.StatusComplete
		if len(violations) > 0 {
			check.Status = model.StatusViolation
			logger.Warn("kernels: slow executions found", "count", len(violations), "slow_ms", threshold)
		}
		check.Output = map[string]any{
			"slow_threshold_ms": threshold,
			"violations_found":  len(violations),
			"violations":        violations,
		}
		if m.SpanID != "" {
			check.RelatedTo = []string{m.SpanID}
		}
		if _, err := kc.Insert(ctx, check); err != nil {
			return nil, err
		}
		return map[string]any{
			"success":             true,
			"policy_threshold_ms": threshold,
			"violations_count":    len(violations),
			"violations":          violations,
			"span_id":             check.ID,
		}, nil
	}
}
