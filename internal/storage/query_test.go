package storage

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/spanledger/internal/model"
)

func TestBuildSpanQuery_NoFilters(t *testing.T) {
	q, args := BuildSpanQuery("ledger.visible_timeline", model.SpanFilter{}, Postgres)

	assert.NotContains(t, q, "WHERE")
	assert.Contains(t, q, "FROM ledger.visible_timeline v")
	assert.Contains(t, q, "ORDER BY v.at DESC, v.seq DESC")
	assert.Contains(t, q, "LIMIT $1")
	require.Len(t, args, 1)
	assert.Equal(t, maxQueryLimit, args[0])
}

func TestBuildSpanQuery_FiltersAreParameterized(t *testing.T) {
	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := model.SpanFilter{
		ID:           model.Ptr("fn-a'; DROP TABLE x; --"),
		EntityType:   model.Ptr("function"),
		Since:        &since,
		SlowerThanMs: model.Ptr(int64(5000)),
		Limit:        10,
	}
	q, args := BuildSpanQuery("ledger.visible_timeline", f, Postgres)

	assert.NotContains(t, q, "DROP TABLE")
	assert.Contains(t, q, "v.id = $1")
	assert.Contains(t, q, "v.entity_type = $2")
	assert.Contains(t, q, "v.at >= $3")
	assert.Contains(t, q, "v.duration_ms > $4")
	assert.Contains(t, q, "LIMIT $5")
	assert.Equal(t, []any{"fn-a'; DROP TABLE x; --", "function", since, int64(5000), 10}, args)
}

func TestBuildSpanQuery_LatestOnly(t *testing.T) {
	f := model.SpanFilter{EntityType: model.Ptr("request"), Status: model.Ptr("pending"), LatestOnly: true, Order: model.OrderAtAsc}
	q, _ := BuildSpanQuery("ledger.visible_timeline", f, Postgres)

	assert.Contains(t, q, "NOT EXISTS (SELECT 1 FROM ledger.visible_timeline v2 WHERE v2.id = v.id AND v2.seq > v.seq)")
	assert.Contains(t, q, "ORDER BY v.at ASC, v.seq ASC")
}

func TestBuildSpanQuery_Orders(t *testing.T) {
	tests := []struct {
		order model.Order
		want  string
	}{
		{"", "v.at DESC, v.seq DESC"},
		{model.OrderAtDesc, "v.at DESC, v.seq DESC"},
		{model.OrderAtAsc, "v.at ASC, v.seq ASC"},
		{model.OrderRevisionDesc, "v.seq DESC, v.at DESC"},
		{model.OrderDurationDesc, "v.duration_ms DESC NULLS LAST, v.at DESC"},
	}
	for _, tt := range tests {
		q, _ := BuildSpanQuery("t", model.SpanFilter{Order: tt.order}, Postgres)
		assert.Contains(t, q, "ORDER BY "+tt.want, "order %q", tt.order)
	}
}

func TestBuildSpanQuery_LimitClamped(t *testing.T) {
	_, args := BuildSpanQuery("t", model.SpanFilter{Limit: maxQueryLimit + 1}, Postgres)
	assert.Equal(t, maxQueryLimit, args[len(args)-1])
}

func TestBuildSpanQuery_DialectPlaceholders(t *testing.T) {
	d := Dialect{
		Placeholder: func(n int) string { return fmt.Sprintf("?%d", n) },
		Time:        func(t time.Time) any { return model.FormatTime(t) },
	}
	until := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	q, args := BuildSpanQuery("visible_timeline", model.SpanFilter{Until: &until}, d)

	assert.Contains(t, q, "v.at <= ?1")
	assert.Equal(t, "2026-05-01T00:00:00.000000Z", args[0])
}

func TestIsRetriable(t *testing.T) {
	assert.False(t, isRetriable(nil))
	assert.False(t, isRetriable(fmt.Errorf("plain")))
}
