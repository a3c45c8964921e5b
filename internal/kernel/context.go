// Package kernel defines what loaded code may touch: a Context exposing
// scoped ledger access, signing, a clock, the caller identity and crypto
// helpers, and nothing else. No configuration, environment, network or
// filesystem handle is reachable from it.
package kernel

import (
	"context"
	"fmt"
	"time"

	"github.com/ashita-ai/spanledger/internal/integrity"
	"github.com/ashita-ai/spanledger/internal/model"
)

// Ledger is the ledger surface a Context wraps. *ledger.Ledger satisfies it.
type Ledger interface {
	Insert(ctx context.Context, s model.Span) (model.Span, error)
	Query(ctx context.Context, f model.SpanFilter) ([]model.Span, error)
	Signer() *integrity.Signer
	Identity() model.Identity
	Now() time.Time
	NewID() string
}

// Context is the capability surface handed to loaded code. Build one per
// bootstrap or per worker batch; it holds no per-call state.
type Context struct {
	ledger Ledger
	actor  string
	crypto Crypto
}

// NewContext wraps l. actor becomes the default "who" of spans built with
// NewSpan.
func NewContext(l Ledger, actor string) *Context {
	return &Context{
		ledger: l,
		actor:  actor,
		crypto: Crypto{signer: l.Signer(), newID: l.NewID},
	}
}

// Query reads spans visible to the session identity.
func (c *Context) Query(ctx context.Context, f model.SpanFilter) ([]model.Span, error) {
	return c.ledger.Query(ctx, f)
}

// Insert appends a span, signing it when a key is configured.
func (c *Context) Insert(ctx context.Context, s model.Span) (model.Span, error) {
	return c.ledger.Insert(ctx, s)
}

// Sign sets curr_hash, signature and public_key on s.
func (c *Context) Sign(s *model.Span) error {
	if !c.ledger.Signer().Enabled() {
		return model.NewError(model.KindIntegrity, "signing key not configured")
	}
	return c.ledger.Signer().Sign(s)
}

// Now is the ledger clock.
func (c *Context) Now() time.Time { return c.ledger.Now() }

// Identity is the session identity reads are scoped to.
func (c *Context) Identity() model.Identity { return c.ledger.Identity() }

// Actor is the "who" recorded on spans this context creates.
func (c *Context) Actor() string { return c.actor }

// Crypto returns the hashing and signing helpers.
func (c *Context) Crypto() Crypto { return c.crypto }

// NewSpan returns a span pre-filled with a fresh id, the current time, the
// actor as "who", and private visibility owned by the session identity.
func (c *Context) NewSpan(entityType, did, this string) model.Span {
	id := c.ledger.Identity()
	return model.Span{
		ID:         c.ledger.NewID(),
		EntityType: entityType,
		Who:        c.actor,
		Did:        did,
		This:       this,
		At:         c.ledger.Now(),
		OwnerID:    id.UserID,
		TenantID:   id.TenantID,
		Visibility: model.VisibilityPrivate,
	}
}

// Revision returns the next revision of s: same id and entity type, seq+1,
// at now, linked back to s.
func (c *Context) Revision(s model.Span, status string) model.Span {
	return model.Span{
		ID:         s.ID,
		Seq:        s.Seq + 1,
		EntityType: s.EntityType,
		Who:        c.actor,
		Did:        statusVerb(status),
		This:       s.This,
		At:         c.ledger.Now(),
		OwnerID:    s.OwnerID,
		TenantID:   s.TenantID,
		Visibility: s.Visibility,
		ParentID:   s.ID,
		RelatedTo:  []string{s.ID},
		Status:     status,
	}
}

func statusVerb(status string) string {
	switch status {
	case model.StatusRunning:
		return "claimed"
	case model.StatusComplete:
		return "processed"
	case model.StatusError:
		return "failed"
	default:
		return fmt.Sprintf("marked_%s", status)
	}
}
