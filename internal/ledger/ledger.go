// Package ledger is the append and read policy over a span backend: defaults,
// validation, automatic signing, revision lookup and the timeline read path.
// Visibility scoping is the backend's job; nothing here filters by identity.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/spanledger/internal/integrity"
	"github.com/ashita-ai/spanledger/internal/model"
	"github.com/ashita-ai/spanledger/internal/telemetry"
)

// Backend is the datastore contract. Implementations bind the session
// identity themselves and read only through their visibility view.
type Backend interface {
	InsertSpan(ctx context.Context, s model.Span) (model.Span, error)
	QuerySpans(ctx context.Context, f model.SpanFilter) ([]model.Span, error)
}

const (
	defaultTimelineLimit = 100
	maxTimelineLimit     = 1000
)

// Options configures a Ledger. Zero values get sensible defaults.
type Options struct {
	// Signer signs unsigned spans on insert. Nil disables signing.
	Signer   *integrity.Signer
	Identity model.Identity
	Clock    func() time.Time
	NewID    func() string
	Logger   *slog.Logger
}

// Ledger applies insert policy on top of a Backend.
type Ledger struct {
	backend  Backend
	signer   *integrity.Signer
	identity model.Identity
	now      func() time.Time
	newID    func() string
	logger   *slog.Logger
	metrics  *telemetry.LedgerMetrics
}

// New creates a Ledger over backend.
func New(backend Backend, opts Options) *Ledger {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Ledger{
		backend:  backend,
		signer:   opts.Signer,
		identity: opts.Identity,
		now:      opts.Clock,
		newID:    opts.NewID,
		logger:   opts.Logger,
		metrics:  telemetry.NewLedgerMetrics(),
	}
}

// Signer returns the configured signer, possibly nil.
func (l *Ledger) Signer() *integrity.Signer { return l.signer }

// Identity returns the session identity this ledger acts as.
func (l *Ledger) Identity() model.Identity { return l.identity }

// Now returns the ledger clock's current time.
func (l *Ledger) Now() time.Time { return l.now() }

// NewID returns a fresh span id.
func (l *Ledger) NewID() string { return l.newID() }

// Insert appends one span. Missing id and at are defaulted, payloads are
// normalized, mandatory fields are checked, and the span is signed when a
// signer is configured and it is not already signed. A span that arrives
// with integrity fields must verify in its stored form, or Insert fails with
// an IntegrityError. The persisted row is returned. Nothing is written when
// validation or verification fails.
func (l *Ledger) Insert(ctx context.Context, s model.Span) (model.Span, error) {
	out, err := l.insert(ctx, s)
	if err != nil {
		l.metrics.Rejected(ctx, s.EntityType, string(model.KindOf(err)))
		return model.Span{}, err
	}
	l.metrics.Appended(ctx, out.EntityType, out.Signed())
	return out, nil
}

func (l *Ledger) insert(ctx context.Context, s model.Span) (model.Span, error) {
	if s.ID == "" {
		s.ID = l.newID()
	}
	if s.At.IsZero() {
		s.At = l.now()
	}
	if err := s.NormalizePayloads(); err != nil {
		return model.Span{}, model.WrapError(model.KindValidation, "payload is not JSON-encodable", err)
	}
	if err := s.Validate(); err != nil {
		return model.Span{}, err
	}
	if s.HasIntegrity() {
		if err := integrity.Verify(s); err != nil {
			return model.Span{}, model.WrapError(model.KindIntegrity,
				fmt.Sprintf("span %s/%d does not verify as stored", s.ID, s.Seq), err)
		}
	}
	if l.signer.Enabled() && !s.Signed() {
		if err := l.signer.Sign(&s); err != nil {
			return model.Span{}, model.WrapError(model.KindValidation, "sign span", err)
		}
	}

	out, err := l.backend.InsertSpan(ctx, s)
	if err != nil {
		return model.Span{}, model.WrapError(model.KindStore, fmt.Sprintf("append %s %s/%d", s.EntityType, s.ID, s.Seq), err)
	}
	l.logger.Debug("ledger: span appended",
		"id", out.ID, "seq", out.Seq, "entity_type", out.EntityType, "signed", out.Signed())
	return out, nil
}

// Ingest is the external entry point for raw spans. Beyond Insert it
// defaults owner, tenant and visibility from the session identity. Those
// fields are part of the signed content, so a span that arrives with
// integrity fields but would need one of them defaulted is rejected with a
// ValidationError listing them.
func (l *Ledger) Ingest(ctx context.Context, s model.Span) (model.Span, error) {
	if err := s.Validate(); err != nil {
		return model.Span{}, err
	}
	var defaulted []string
	if s.OwnerID == "" {
		s.OwnerID = l.identity.UserID
		if s.OwnerID == "" {
			s.OwnerID = model.AnonymousUser
		}
		defaulted = append(defaulted, "owner_id")
	}
	if s.TenantID == "" && l.identity.TenantID != "" {
		s.TenantID = l.identity.TenantID
		defaulted = append(defaulted, "tenant_id")
	}
	if s.Visibility == "" {
		s.Visibility = model.VisibilityPrivate
		defaulted = append(defaulted, "visibility")
	}
	if len(defaulted) > 0 && s.HasIntegrity() {
		return model.Span{}, &model.Error{
			Kind:    model.KindValidation,
			Message: fmt.Sprintf("signed span %s must carry %v itself", s.ID, defaulted),
			Missing: defaulted,
		}
	}
	return l.Insert(ctx, s)
}

// Query reads spans matching f through the backend's visibility view.
func (l *Ledger) Query(ctx context.Context, f model.SpanFilter) ([]model.Span, error) {
	spans, err := l.backend.QuerySpans(ctx, f)
	if err != nil {
		return nil, model.WrapError(model.KindStore, "query spans", err)
	}
	return spans, nil
}

// Latest returns the highest visible revision of id, optionally restricted
// to an entity type. Ties on seq go to the newest at.
func (l *Ledger) Latest(ctx context.Context, id, entityType string) (model.Span, error) {
	f := model.SpanFilter{ID: &id, Order: model.OrderRevisionDesc, Limit: 1}
	if entityType != "" {
		f.EntityType = &entityType
	}
	spans, err := l.Query(ctx, f)
	if err != nil {
		return model.Span{}, err
	}
	if len(spans) == 0 {
		return model.Span{}, model.NewError(model.KindNotFound, fmt.Sprintf("no visible %s span %q", orAny(entityType), id))
	}
	return spans[0], nil
}

// Delete tombstones id by appending a deleted revision after its latest
// one. Nothing is removed; the visibility view stops returning the id.
func (l *Ledger) Delete(ctx context.Context, id, who, reason string) (model.Span, error) {
	latest, err := l.Latest(ctx, id, "")
	if err != nil {
		return model.Span{}, err
	}
	tomb := model.Span{
		ID:         latest.ID,
		Seq:        latest.Seq + 1,
		EntityType: latest.EntityType,
		Who:        who,
		Did:        "deleted",
		This:       latest.This,
		OwnerID:    latest.OwnerID,
		TenantID:   latest.TenantID,
		Visibility: latest.Visibility,
		ParentID:   latest.ID,
		RelatedTo:  []string{latest.ID},
		Status:     model.StatusDeleted,
	}
	if reason != "" {
		tomb.Metadata = map[string]any{"reason": reason}
	}
	return l.Insert(ctx, tomb)
}

// Timeline returns one page of spans, newest first. Limit defaults to 100
// and is capped at 1000.
func (l *Ledger) Timeline(ctx context.Context, req model.TimelineRequest) (model.TimelinePage, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = defaultTimelineLimit
	}
	if limit > maxTimelineLimit {
		limit = maxTimelineLimit
	}
	f := model.SpanFilter{
		Since: req.Since,
		Until: req.Until,
		Order: model.OrderAtDesc,
		Limit: limit + 1,
	}
	if req.EntityType != "" {
		f.EntityType = &req.EntityType
	}
	if req.OwnerID != "" {
		f.OwnerID = &req.OwnerID
	}
	if req.TenantID != "" {
		f.TenantID = &req.TenantID
	}

	spans, err := l.Query(ctx, f)
	if err != nil {
		return model.TimelinePage{}, err
	}
	page := model.TimelinePage{Spans: spans}
	if len(spans) > limit {
		page.Spans = spans[:limit]
		page.HasMore = true
	}
	if page.Spans == nil {
		page.Spans = []model.Span{}
	}
	page.Count = len(page.Spans)
	return page, nil
}

func orAny(entityType string) string {
	if entityType == "" {
		return "any"
	}
	return entityType
}
