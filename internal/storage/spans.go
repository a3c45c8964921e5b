package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ashita-ai/spanledger/internal/model"
)

const (
	registryTable = "ledger.universal_registry"
	timelineView  = "ledger.visible_timeline"
)

// InsertSpan appends one span and returns the row as persisted. The span must
// already carry id, seq and at. A duplicate (id, seq) returns an error
// wrapping model.ErrDuplicate.
func (db *DB) InsertSpan(ctx context.Context, s model.Span) (model.Span, error) {
	input, err := jsonArg(s.Input)
	if err != nil {
		return model.Span{}, fmt.Errorf("storage: encode input: %w", err)
	}
	output, err := jsonArg(s.Output)
	if err != nil {
		return model.Span{}, fmt.Errorf("storage: encode output: %w", err)
	}
	errPayload, err := jsonArg(s.Error)
	if err != nil {
		return model.Span{}, fmt.Errorf("storage: encode error: %w", err)
	}
	metadata, err := jsonArg(s.Metadata)
	if err != nil {
		return model.Span{}, fmt.Errorf("storage: encode metadata: %w", err)
	}
	var related []string
	if len(s.RelatedTo) > 0 {
		related = s.RelatedTo
	}

	var out model.Span
	err = WithRetry(ctx, 2, 25*time.Millisecond, func() error {
		row := db.pool.QueryRow(ctx,
			`INSERT INTO `+registryTable+` (`+SpanColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9,
			         $10::jsonb, $11::jsonb, $12::jsonb, $13::jsonb, $14,
			         $15, $16, $17, $18, $19, $20,
			         $21, $22, $23)
			 RETURNING `+SpanColumns,
			s.ID, s.Seq, s.EntityType, s.Who, nullStr(s.Did), s.This, s.At.UTC(), nullStr(s.Name), nullStr(s.Code),
			input, output, errPayload, metadata, s.DurationMs,
			nullStr(s.OwnerID), nullStr(s.TenantID), nullStr(s.Visibility), nullStr(s.ParentID), related, nullStr(s.Status),
			nullStr(s.CurrHash), nullStr(s.Signature), nullStr(s.PublicKey),
		)
		var scanErr error
		out, scanErr = scanSpan(row)
		return scanErr
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return model.Span{}, fmt.Errorf("storage: insert span %s/%d: %w", s.ID, s.Seq, model.ErrDuplicate)
		}
		return model.Span{}, fmt.Errorf("storage: insert span %s/%d: %w", s.ID, s.Seq, err)
	}
	return out, nil
}

// QuerySpans reads spans through the visibility view. Rows the session
// identity may not see are never returned.
func (db *DB) QuerySpans(ctx context.Context, f model.SpanFilter) ([]model.Span, error) {
	query, args := BuildSpanQuery(timelineView, f, Postgres)
	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query spans: %w", err)
	}
	defer rows.Close()
	return scanSpans(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSpan(row rowScanner) (model.Span, error) {
	var (
		s                                        model.Span
		did, name, code, owner, tenant, vis      *string
		parent, status, currHash, sig, publicKey *string
		input, output, errPayload, metadata      []byte
	)
	if err := row.Scan(
		&s.ID, &s.Seq, &s.EntityType, &s.Who, &did, &s.This, &s.At, &name, &code,
		&input, &output, &errPayload, &metadata, &s.DurationMs,
		&owner, &tenant, &vis, &parent, &s.RelatedTo, &status,
		&currHash, &sig, &publicKey,
	); err != nil {
		return model.Span{}, err
	}
	s.At = s.At.UTC()
	s.Did, s.Name, s.Code = deref(did), deref(name), deref(code)
	s.OwnerID, s.TenantID, s.Visibility = deref(owner), deref(tenant), deref(vis)
	s.ParentID, s.Status = deref(parent), deref(status)
	s.CurrHash, s.Signature, s.PublicKey = deref(currHash), deref(sig), deref(publicKey)

	var err error
	if s.Input, err = decodeJSON(input); err != nil {
		return model.Span{}, fmt.Errorf("decode input: %w", err)
	}
	if s.Output, err = decodeJSON(output); err != nil {
		return model.Span{}, fmt.Errorf("decode output: %w", err)
	}
	if s.Error, err = decodeJSON(errPayload); err != nil {
		return model.Span{}, fmt.Errorf("decode error: %w", err)
	}
	if s.Metadata, err = decodeJSON(metadata); err != nil {
		return model.Span{}, fmt.Errorf("decode metadata: %w", err)
	}
	return s, nil
}

func scanSpans(rows pgx.Rows) ([]model.Span, error) {
	var spans []model.Span
	for rows.Next() {
		s, err := scanSpan(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan span: %w", err)
		}
		spans = append(spans, s)
	}
	return spans, rows.Err()
}

func jsonArg(v any) (*string, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func decodeJSON(b []byte) (any, error) {
	if b == nil {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
