package model

import (
	"time"
)

// Order selects the sort applied to a span query.
type Order string

const (
	// OrderAtDesc is newest first, ties broken by seq descending. Default.
	OrderAtDesc Order = "at_desc"
	// OrderAtAsc is oldest first; used by polling workers.
	OrderAtAsc Order = "at_asc"
	// OrderRevisionDesc is highest seq first, ties broken by at descending.
	OrderRevisionDesc Order = "revision_desc"
	// OrderDurationDesc is slowest first; spans without a duration sort last.
	OrderDurationDesc Order = "duration_desc"
)

// SpanFilter is the predicate for reading spans through the visibility view.
// Nil fields are not filtered on.
type SpanFilter struct {
	ID           *string    `json:"id,omitempty"`
	EntityType   *string    `json:"entity_type,omitempty"`
	Status       *string    `json:"status,omitempty"`
	Who          *string    `json:"who,omitempty"`
	OwnerID      *string    `json:"owner_id,omitempty"`
	TenantID     *string    `json:"tenant_id,omitempty"`
	ParentID     *string    `json:"parent_id,omitempty"`
	Since        *time.Time `json:"since,omitempty"`
	Until        *time.Time `json:"until,omitempty"`
	SlowerThanMs *int64     `json:"slower_than_ms,omitempty"`

	// LatestOnly keeps only the highest visible seq per id.
	LatestOnly bool  `json:"latest_only,omitempty"`
	Order      Order `json:"order,omitempty"`
	Limit      int   `json:"limit,omitempty"`
}

// TimelineRequest is the input to the timeline read path.
type TimelineRequest struct {
	EntityType string     `json:"entity_type,omitempty"`
	OwnerID    string     `json:"owner_id,omitempty"`
	TenantID   string     `json:"tenant_id,omitempty"`
	Since      *time.Time `json:"since,omitempty"`
	Until      *time.Time `json:"until,omitempty"`
	Limit      int        `json:"limit,omitempty"`
}

// TimelinePage is one page of timeline results, newest first.
type TimelinePage struct {
	Spans   []Span `json:"spans"`
	Count   int    `json:"count"`
	HasMore bool   `json:"has_more"`
}

// Ptr returns a pointer to v. Handy for building filters.
func Ptr[T any](v T) *T { return &v }
