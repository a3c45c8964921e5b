// Package ledgertest provides an in-memory ledger.Backend for tests. It
// applies every SpanFilter predicate, ordering and tombstone the SQL
// backends do, but has no session scoping: every live span is visible.
package ledgertest

import (
	"context"
	"sort"
	"sync"

	"github.com/ashita-ai/spanledger/internal/model"
)

// Memory is a concurrency-safe in-memory backend that records every query.
type Memory struct {
	mu      sync.Mutex
	spans   []model.Span
	queries []model.SpanFilter

	// InsertHook, when set, runs before every insert; a non-nil error
	// fails the insert without storing anything.
	InsertHook func(model.Span) error
	// QueryErr, when set, fails every query.
	QueryErr error
}

// New returns an empty Memory backend.
func New() *Memory { return &Memory{} }

// Put stores spans directly, bypassing duplicate checks and hooks. Tests use
// it to plant tampered rows.
func (m *Memory) Put(spans ...model.Span) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spans = append(m.spans, spans...)
}

// InsertSpan implements ledger.Backend.
func (m *Memory) InsertSpan(_ context.Context, s model.Span) (model.Span, error) {
	if m.InsertHook != nil {
		if err := m.InsertHook(s); err != nil {
			return model.Span{}, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.spans {
		if existing.ID == s.ID && existing.Seq == s.Seq {
			return model.Span{}, model.ErrDuplicate
		}
	}
	m.spans = append(m.spans, s)
	return s, nil
}

// QuerySpans implements ledger.Backend.
func (m *Memory) QuerySpans(_ context.Context, f model.SpanFilter) ([]model.Span, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries = append(m.queries, f)
	if m.QueryErr != nil {
		return nil, m.QueryErr
	}

	var out []model.Span
	for _, s := range m.spans {
		if !matches(s, f) {
			continue
		}
		if m.deleted(s.ID) {
			continue
		}
		if f.LatestOnly && m.hasNewer(s) {
			continue
		}
		out = append(out, s)
	}
	sortSpans(out, f.Order)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Spans returns a snapshot of every stored span in insertion order.
func (m *Memory) Spans() []model.Span {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Span(nil), m.spans...)
}

// ByType returns stored spans of one entity type in insertion order.
func (m *Memory) ByType(entityType string) []model.Span {
	var out []model.Span
	for _, s := range m.Spans() {
		if s.EntityType == entityType {
			out = append(out, s)
		}
	}
	return out
}

// Queries returns every filter passed to QuerySpans so far.
func (m *Memory) Queries() []model.SpanFilter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.SpanFilter(nil), m.queries...)
}

// QueriedTypes counts queries whose filter named entityType.
func (m *Memory) QueriedTypes(entityType string) int {
	n := 0
	for _, f := range m.Queries() {
		if f.EntityType != nil && *f.EntityType == entityType {
			n++
		}
	}
	return n
}

func (m *Memory) hasNewer(s model.Span) bool {
	for _, other := range m.spans {
		if other.ID == s.ID && other.Seq > s.Seq {
			return true
		}
	}
	return false
}

func (m *Memory) deleted(id string) bool {
	for _, other := range m.spans {
		if other.ID == id && other.Status == model.StatusDeleted {
			return true
		}
	}
	return false
}

func matches(s model.Span, f model.SpanFilter) bool {
	eq := func(want *string, got string) bool { return want == nil || *want == got }
	switch {
	case !eq(f.ID, s.ID), !eq(f.EntityType, s.EntityType), !eq(f.Status, s.Status),
		!eq(f.Who, s.Who), !eq(f.OwnerID, s.OwnerID), !eq(f.TenantID, s.TenantID),
		!eq(f.ParentID, s.ParentID):
		return false
	case f.Since != nil && s.At.Before(*f.Since):
		return false
	case f.Until != nil && s.At.After(*f.Until):
		return false
	case f.SlowerThanMs != nil && (s.DurationMs == nil || *s.DurationMs <= *f.SlowerThanMs):
		return false
	}
	return true
}

func sortSpans(spans []model.Span, order model.Order) {
	sort.SliceStable(spans, func(i, j int) bool {
		a, b := spans[i], spans[j]
		switch order {
		case model.OrderAtAsc:
			if !a.At.Equal(b.At) {
				return a.At.Before(b.At)
			}
			return a.Seq < b.Seq
		case model.OrderRevisionDesc:
			if a.Seq != b.Seq {
				return a.Seq > b.Seq
			}
			return a.At.After(b.At)
		case model.OrderDurationDesc:
			da, db := durationOf(a), durationOf(b)
			if da != db {
				return da > db
			}
			return a.At.After(b.At)
		default:
			if !a.At.Equal(b.At) {
				return a.At.After(b.At)
			}
			return a.Seq > b.Seq
		}
	})
}

func durationOf(s model.Span) int64 {
	if s.DurationMs == nil {
		return -1
	}
	return *s.DurationMs
}
