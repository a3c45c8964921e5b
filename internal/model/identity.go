package model

// AnonymousUser owns ingested spans when no session identity is bound.
const AnonymousUser = "anonymous"

// Identity is the session a ledger handle acts as. The datastore scopes
// every read by it.
type Identity struct {
	UserID   string `json:"user_id"`
	TenantID string `json:"tenant_id,omitempty"`
}
