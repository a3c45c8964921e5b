package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/ashita-ai/spanledger/internal/model"
)

// SpanColumns is the column list shared by the registry table and the
// visibility view, in scan order.
const SpanColumns = `id, seq, entity_type, who, did, this, at, name, code,
	input, output, error, metadata, duration_ms,
	owner_id, tenant_id, visibility, parent_id, related_to, status,
	curr_hash, signature, public_key`

// maxQueryLimit bounds reads that do not set a limit.
const maxQueryLimit = 10000

// Dialect adapts BuildSpanQuery to a SQL engine.
type Dialect struct {
	// Placeholder renders the n-th (1-based) bind parameter.
	Placeholder func(n int) string
	// Time converts a time bound into the engine's bind value.
	Time func(t time.Time) any
}

// Postgres is the Dialect for pgx.
var Postgres = Dialect{
	Placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	Time:        func(t time.Time) any { return t.UTC() },
}

// BuildSpanQuery renders a parameterized SELECT over source (a table or view
// aliased as v) for the given filter. No filter value is ever interpolated.
func BuildSpanQuery(source string, f model.SpanFilter, d Dialect) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(expr string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(expr, d.Placeholder(len(args))))
	}

	if f.ID != nil {
		add("v.id = %s", *f.ID)
	}
	if f.EntityType != nil {
		add("v.entity_type = %s", *f.EntityType)
	}
	if f.Status != nil {
		add("v.status = %s", *f.Status)
	}
	if f.Who != nil {
		add("v.who = %s", *f.Who)
	}
	if f.OwnerID != nil {
		add("v.owner_id = %s", *f.OwnerID)
	}
	if f.TenantID != nil {
		add("v.tenant_id = %s", *f.TenantID)
	}
	if f.ParentID != nil {
		add("v.parent_id = %s", *f.ParentID)
	}
	if f.Since != nil {
		add("v.at >= %s", d.Time(*f.Since))
	}
	if f.Until != nil {
		add("v.at <= %s", d.Time(*f.Until))
	}
	if f.SlowerThanMs != nil {
		add("v.duration_ms > %s", *f.SlowerThanMs)
	}
	if f.LatestOnly {
		conds = append(conds, fmt.Sprintf(
			"NOT EXISTS (SELECT 1 FROM %s v2 WHERE v2.id = v.id AND v2.seq > v.seq)", source))
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(SpanColumns)
	b.WriteString(" FROM ")
	b.WriteString(source)
	b.WriteString(" v")
	if len(conds) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(conds, " AND "))
	}
	b.WriteString(" ORDER BY ")
	b.WriteString(orderClause(f.Order))

	limit := f.Limit
	if limit <= 0 || limit > maxQueryLimit {
		limit = maxQueryLimit
	}
	args = append(args, limit)
	b.WriteString(" LIMIT ")
	b.WriteString(d.Placeholder(len(args)))

	return b.String(), args
}

func orderClause(o model.Order) string {
	switch o {
	case model.OrderAtAsc:
		return "v.at ASC, v.seq ASC"
	case model.OrderRevisionDesc:
		return "v.seq DESC, v.at DESC"
	case model.OrderDurationDesc:
		return "v.duration_ms DESC NULLS LAST, v.at DESC"
	default:
		return "v.at DESC, v.seq DESC"
	}
}
