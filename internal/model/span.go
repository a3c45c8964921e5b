package model

import (
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Entity types the ledger itself reads or writes.
const (
	EntityFunction    = "function"
	EntityManifest    = "manifest"
	EntityBootEvent   = "boot_event"
	EntityExecution   = "execution"
	EntityRequest     = "request"
	EntityObservation = "observation"
	EntityPolicyCheck = "policy_check"
	EntityProvider    = "provider_action"
)

// Visibility values.
const (
	VisibilityPublic  = "public"
	VisibilityPrivate = "private"
	VisibilityShared  = "shared"
)

// Status values used by the bootstrap path and workers. Status is free-form;
// these are only the ones the ledger produces itself.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusComplete  = "complete"
	StatusError     = "error"
	StatusViolation = "violation"
	StatusAlert     = "alert"
	// StatusDeleted tombstones an id: visibility views hide every revision
	// of it.
	StatusDeleted   = "deleted"
)

// TimeLayout is the fixed-precision UTC layout used for "at" in both the
// canonical form and the embedded store.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// Span is one immutable ledger entry. A correction is a new Span with the
// same ID and a higher Seq.
type Span struct {
	ID         string    `json:"id" yaml:"id"`
	Seq        int64     `json:"seq" yaml:"seq"`
	EntityType string    `json:"entity_type" yaml:"entity_type"`
	Who        string    `json:"who" yaml:"who"`
	Did        string    `json:"did,omitempty" yaml:"did,omitempty"`
	This       string    `json:"this" yaml:"this"`
	At         time.Time `json:"at" yaml:"at"`

	Name string `json:"name,omitempty" yaml:"name,omitempty"`
	Code string `json:"code,omitempty" yaml:"code,omitempty"`

	Input      any    `json:"input,omitempty" yaml:"input,omitempty"`
	Output     any    `json:"output,omitempty" yaml:"output,omitempty"`
	Error      any    `json:"error,omitempty" yaml:"error,omitempty"`
	Metadata   any    `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	DurationMs *int64 `json:"duration_ms,omitempty" yaml:"duration_ms,omitempty"`

	OwnerID    string   `json:"owner_id,omitempty" yaml:"owner_id,omitempty"`
	TenantID   string   `json:"tenant_id,omitempty" yaml:"tenant_id,omitempty"`
	Visibility string   `json:"visibility,omitempty" yaml:"visibility,omitempty"`
	ParentID   string   `json:"parent_id,omitempty" yaml:"parent_id,omitempty"`
	RelatedTo  []string `json:"related_to,omitempty" yaml:"related_to,omitempty"`
	Status     string   `json:"status,omitempty" yaml:"status,omitempty"`

	CurrHash  string `json:"curr_hash,omitempty" yaml:"curr_hash,omitempty"`
	Signature string `json:"signature,omitempty" yaml:"signature,omitempty"`
	PublicKey string `json:"public_key,omitempty" yaml:"public_key,omitempty"`
}

// Signed reports whether the span carries a signature and public key.
func (s Span) Signed() bool {
	return s.Signature != "" && s.PublicKey != ""
}

// HasIntegrity reports whether any of curr_hash, signature or public_key is set.
func (s Span) HasIntegrity() bool {
	return s.CurrHash != "" || s.Signature != "" || s.PublicKey != ""
}

// WithoutIntegrity returns a copy with curr_hash, signature and public_key cleared.
func (s Span) WithoutIntegrity() Span {
	s.CurrHash = ""
	s.Signature = ""
	s.PublicKey = ""
	return s
}

// ContentMap returns every present content field keyed by its wire name.
// Integrity fields are never included. Absent optional fields (empty string,
// nil payload, nil duration, empty related_to) are omitted so a span read
// back from storage, where they are NULL, yields the same map.
func (s Span) ContentMap() map[string]any {
	m := map[string]any{
		"id":          s.ID,
		"seq":         s.Seq,
		"entity_type": s.EntityType,
		"who":         s.Who,
		"this":        s.This,
		"at":          FormatTime(s.At),
	}
	optional := map[string]string{
		"did":        s.Did,
		"name":       s.Name,
		"code":       s.Code,
		"owner_id":   s.OwnerID,
		"tenant_id":  s.TenantID,
		"visibility": s.Visibility,
		"parent_id":  s.ParentID,
		"status":     s.Status,
	}
	for k, v := range optional {
		if v != "" {
			m[k] = v
		}
	}
	payloads := map[string]any{
		"input":    s.Input,
		"output":   s.Output,
		"error":    s.Error,
		"metadata": s.Metadata,
	}
	for k, v := range payloads {
		if v != nil {
			m[k] = v
		}
	}
	if s.DurationMs != nil {
		m["duration_ms"] = *s.DurationMs
	}
	if len(s.RelatedTo) > 0 {
		related := make([]any, len(s.RelatedTo))
		for i, id := range s.RelatedTo {
			related[i] = id
		}
		m["related_to"] = related
	}
	return m
}

// NormalizePayloads round-trips the opaque payload fields through JSON so the
// in-memory value has the same shape as one decoded from storage: structs
// become objects, integers become float64. It also truncates At to
// microseconds in UTC, the precision both stores keep.
func (s *Span) NormalizePayloads() error {
	s.At = s.At.UTC().Truncate(time.Microsecond)
	for name, p := range map[string]*any{
		"input":    &s.Input,
		"output":   &s.Output,
		"error":    &s.Error,
		"metadata": &s.Metadata,
	} {
		if *p == nil {
			continue
		}
		raw, err := json.Marshal(*p)
		if err != nil {
			return fmt.Errorf("model: normalize %s: %w", name, err)
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("model: normalize %s: %w", name, err)
		}
		*p = v
	}
	return nil
}

// Validate checks the fields every ingested span must carry. The returned
// error is a ValidationError whose Missing lists every absent field.
func (s Span) Validate() error {
	var missing []string
	if s.EntityType == "" {
		missing = append(missing, "entity_type")
	}
	if s.Who == "" {
		missing = append(missing, "who")
	}
	if s.This == "" {
		missing = append(missing, "this")
	}
	if len(missing) > 0 {
		return &Error{
			Kind:    KindValidation,
			Message: fmt.Sprintf("missing required fields: %v", missing),
			Missing: missing,
		}
	}
	switch s.Visibility {
	case "", VisibilityPublic, VisibilityPrivate, VisibilityShared:
	default:
		return NewError(KindValidation, fmt.Sprintf("invalid visibility %q", s.Visibility))
	}
	if s.Seq < 0 {
		return NewError(KindValidation, "seq must be non-negative")
	}
	return s.validateIdentifiers()
}

// validateIdentifiers rejects identifier fields that are not in Unicode NFC.
// Content is hashed byte for byte, so two spellings of one id would name two
// different spans.
func (s Span) validateIdentifiers() error {
	fields := []struct{ name, value string }{
		{"id", s.ID},
		{"entity_type", s.EntityType},
		{"who", s.Who},
		{"owner_id", s.OwnerID},
		{"tenant_id", s.TenantID},
		{"parent_id", s.ParentID},
	}
	for i, id := range s.RelatedTo {
		fields = append(fields, struct{ name, value string }{fmt.Sprintf("related_to[%d]", i), id})
	}
	for _, f := range fields {
		if !norm.NFC.IsNormalString(f.value) {
			return NewError(KindValidation, fmt.Sprintf("%s %q is not NFC-normalized", f.name, f.value))
		}
	}
	return nil
}

// MetadataMap returns Metadata as an object, or nil if it is not one.
func (s Span) MetadataMap() map[string]any {
	m, _ := s.Metadata.(map[string]any)
	return m
}

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a TimeLayout (or any RFC 3339) timestamp.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("model: parse time %q: %w", s, err)
	}
	return t.UTC(), nil
}
