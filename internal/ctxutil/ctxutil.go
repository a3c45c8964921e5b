// Package ctxutil carries the session identity through a context, so the
// CLI can bind a token's identity once and every command that opens a
// ledger picks it up.
package ctxutil

import (
	"context"

	"github.com/ashita-ai/spanledger/internal/auth"
	"github.com/ashita-ai/spanledger/internal/model"
)

type contextKey string

const (
	keyClaims   contextKey = "claims"
	keyIdentity contextKey = "identity"
)

// WithClaims returns a new context carrying the given claims and the
// identity they grant.
func WithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	ctx = context.WithValue(ctx, keyClaims, claims)
	return WithIdentity(ctx, claims.Identity())
}

// ClaimsFromContext extracts the token claims from the context.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	if v, ok := ctx.Value(keyClaims).(*auth.Claims); ok {
		return v
	}
	return nil
}

// WithIdentity returns a new context carrying id.
func WithIdentity(ctx context.Context, id model.Identity) context.Context {
	return context.WithValue(ctx, keyIdentity, id)
}

// IdentityFromContext returns the bound identity and whether one was set.
func IdentityFromContext(ctx context.Context) (model.Identity, bool) {
	v, ok := ctx.Value(keyIdentity).(model.Identity)
	return v, ok
}
