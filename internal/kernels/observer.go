package kernels

import (
	"context"
	"sort"

	"github.com/ashita-ai/spanledger/internal/kernel"
	"github.com/ashita-ai/spanledger/internal/model"
)

// scanLimit caps how many recent spans a summary kernel reads.
const scanLimit = 10000

// Activity is one row of the observer summary.
type Activity struct {
	EntityType string `json:"entity_type"`
	Count      int    `json:"count"`
	Latest     string `json:"latest"`
}

// observe counts visible spans per entity type over the last hour and
// records the ten busiest types in an observation span.
func observe(ctx context.Context, kc *kernel.Context, _ any) (any, error) {
	since := kc.Now().Add(-lookback)
	spans, err := kc.Query(ctx, model.SpanFilter{Since: &since, Order: model.OrderAtDesc, Limit: scanLimit})
	if err != nil {
		return nil, err
	}
	summary := summarize(spans, 10)

	obs := ownedSpan(kc, model.EntityObservation, "kernel:"+ObserverBot, "observed", "timeline_activity")
	obs.Status = model.StatusComplete
	obs.Output = map[string]any{
		"activity_summary": summary,
		"observation_time": model.FormatTime(kc.Now()),
	}
	if _, err := kc.Insert(ctx, obs); err != nil {
		return nil, err
	}
	return map[string]any{
		"success":      true,
		"observations": summary,
		"span_id":      obs.ID,
	}, nil
}

func summarize(spans []model.Span, top int) []Activity {
	byType := map[string]*Activity{}
	latest := map[string]model.Span{}
	for _, s := range spans {
		a, ok := byType[s.EntityType]
		if !ok {
			a = &Activity{EntityType: s.EntityType}
			byType[s.EntityType] = a
		}
		a.Count++
		if l, ok := latest[s.EntityType]; !ok || s.At.After(l.At) {
			latest[s.EntityType] = s
		}
	}
	out := make([]Activity, 0, len(byType))
	for t, a := range byType {
		a.Latest = model.FormatTime(latest[t].At)
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].EntityType < out[j].EntityType
	})
	if len(out) > top {
		out = out[:top]
	}
	return out
}
