// Package sqlite is an embedded, single-file backend for the span ledger.
// It keeps the same append-only and visibility guarantees as the Postgres
// backend: triggers reject UPDATE and DELETE, and reads go through a
// per-connection view scoped by the session identity.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	moderncsqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/ashita-ai/spanledger/internal/model"
	"github.com/ashita-ai/spanledger/internal/storage"
)

//go:embed schema.sql
var schemaSQL string

// sessionSQL creates the per-connection identity table and the view that
// reads it. Temp objects live only on the pinned connection.
var sessionSQL = []string{
	`CREATE TEMP TABLE IF NOT EXISTS session (user_id TEXT, tenant_id TEXT)`,
	`DELETE FROM temp.session`,
	`INSERT INTO temp.session (user_id, tenant_id) VALUES (?1, ?2)`,
	`CREATE TEMP VIEW IF NOT EXISTS visible_timeline AS
	 SELECT ` + storage.SpanColumns + `
	 FROM main.universal_registry r
	 WHERE (r.visibility = 'public'
	    OR r.owner_id = (SELECT user_id FROM temp.session)
	    OR (r.visibility = 'shared' AND r.tenant_id = (SELECT tenant_id FROM temp.session))
	    OR (r.owner_id IS NULL AND (r.tenant_id IS NULL OR r.tenant_id = (SELECT tenant_id FROM temp.session))))
	   AND NOT EXISTS (SELECT 1 FROM main.universal_registry d WHERE d.id = r.id AND d.status = 'deleted')`,
}

var dialect = storage.Dialect{
	Placeholder: func(n int) string { return fmt.Sprintf("?%d", n) },
	Time:        func(t time.Time) any { return model.FormatTime(t) },
}

// Store is a SQLite ledger backend. All statements run on one pinned
// connection so the temp session objects stay in scope.
type Store struct {
	db      *sql.DB
	conn    *sql.Conn
	session storage.Session
	logger  *slog.Logger
}

// Open opens (or creates) the database at path, applies the schema and binds
// session on the pinned connection. Use ":memory:" for a throwaway ledger.
func Open(ctx context.Context, path string, session storage.Session, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: pin connection: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := conn.ExecContext(ctx, pragma); err != nil {
			_ = conn.Close()
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}
	if _, err := conn.ExecContext(ctx, schemaSQL); err != nil {
		_ = conn.Close()
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	for _, stmt := range sessionSQL {
		var args []any
		if strings.Contains(stmt, "?1") {
			args = []any{session.UserID, session.TenantID}
		}
		if _, err := conn.ExecContext(ctx, stmt, args...); err != nil {
			_ = conn.Close()
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: bind session: %w", err)
		}
	}

	logger.Debug("sqlite: ledger open", "path", path, "user_id", session.UserID)
	return &Store{db: db, conn: conn, session: session, logger: logger}, nil
}

// Close releases the pinned connection and the database handle.
func (s *Store) Close() error {
	if err := s.conn.Close(); err != nil {
		s.logger.Warn("sqlite: close connection", "error", err)
	}
	return s.db.Close()
}

// Exec runs a raw statement on the pinned connection. Tests use it to prove
// the registry rejects mutation.
func (s *Store) Exec(ctx context.Context, query string, args ...any) error {
	_, err := s.conn.ExecContext(ctx, query, args...)
	return err
}

// InsertSpan appends one span and returns the row as persisted.
func (s *Store) InsertSpan(ctx context.Context, span model.Span) (model.Span, error) {
	args := make([]any, 0, 23)
	args = append(args, span.ID, span.Seq, span.EntityType, span.Who, nullStr(span.Did), span.This,
		model.FormatTime(span.At), nullStr(span.Name), nullStr(span.Code))
	for _, p := range []any{span.Input, span.Output, span.Error, span.Metadata} {
		v, err := jsonText(p)
		if err != nil {
			return model.Span{}, fmt.Errorf("sqlite: encode payload: %w", err)
		}
		args = append(args, v)
	}
	related, err := jsonText(nonEmpty(span.RelatedTo))
	if err != nil {
		return model.Span{}, fmt.Errorf("sqlite: encode related_to: %w", err)
	}
	var duration any
	if span.DurationMs != nil {
		duration = *span.DurationMs
	}
	args = append(args, duration,
		nullStr(span.OwnerID), nullStr(span.TenantID), nullStr(span.Visibility), nullStr(span.ParentID),
		related, nullStr(span.Status),
		nullStr(span.CurrHash), nullStr(span.Signature), nullStr(span.PublicKey))

	row := s.conn.QueryRowContext(ctx,
		`INSERT INTO universal_registry (`+storage.SpanColumns+`)
		 VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8, ?9, ?10, ?11, ?12, ?13, ?14,
		         ?15, ?16, ?17, ?18, ?19, ?20, ?21, ?22, ?23)
		 RETURNING `+storage.SpanColumns, args...)
	out, err := scanSpan(row)
	if err != nil {
		var se *moderncsqlite.Error
		if errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY {
			return model.Span{}, fmt.Errorf("sqlite: insert span %s/%d: %w", span.ID, span.Seq, model.ErrDuplicate)
		}
		return model.Span{}, fmt.Errorf("sqlite: insert span %s/%d: %w", span.ID, span.Seq, err)
	}
	return out, nil
}

// QuerySpans reads spans through the session-scoped view.
func (s *Store) QuerySpans(ctx context.Context, f model.SpanFilter) ([]model.Span, error) {
	query, args := storage.BuildSpanQuery("temp.visible_timeline", f, dialect)
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query spans: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var spans []model.Span
	for rows.Next() {
		span, err := scanSpan(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan span: %w", err)
		}
		spans = append(spans, span)
	}
	return spans, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSpan(row rowScanner) (model.Span, error) {
	var (
		s                                        model.Span
		at                                       string
		did, name, code, owner, tenant, vis      sql.NullString
		parent, status, currHash, sig, publicKey sql.NullString
		input, output, errPayload, metadata      sql.NullString
		related                                  sql.NullString
		duration                                 sql.NullInt64
	)
	if err := row.Scan(
		&s.ID, &s.Seq, &s.EntityType, &s.Who, &did, &s.This, &at, &name, &code,
		&input, &output, &errPayload, &metadata, &duration,
		&owner, &tenant, &vis, &parent, &related, &status,
		&currHash, &sig, &publicKey,
	); err != nil {
		return model.Span{}, err
	}

	var err error
	if s.At, err = model.ParseTime(at); err != nil {
		return model.Span{}, err
	}
	if duration.Valid {
		s.DurationMs = &duration.Int64
	}
	s.Did, s.Name, s.Code = did.String, name.String, code.String
	s.OwnerID, s.TenantID, s.Visibility = owner.String, tenant.String, vis.String
	s.ParentID, s.Status = parent.String, status.String
	s.CurrHash, s.Signature, s.PublicKey = currHash.String, sig.String, publicKey.String

	for _, p := range []struct {
		src sql.NullString
		dst *any
	}{
		{input, &s.Input}, {output, &s.Output}, {errPayload, &s.Error}, {metadata, &s.Metadata},
	} {
		if !p.src.Valid {
			continue
		}
		if err := json.Unmarshal([]byte(p.src.String), p.dst); err != nil {
			return model.Span{}, fmt.Errorf("decode payload: %w", err)
		}
	}
	if related.Valid {
		if err := json.Unmarshal([]byte(related.String), &s.RelatedTo); err != nil {
			return model.Span{}, fmt.Errorf("decode related_to: %w", err)
		}
	}
	return s, nil
}

func jsonText(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// nonEmpty maps an empty slice to an untyped nil so it is stored as NULL.
func nonEmpty(ids []string) any {
	if len(ids) == 0 {
		return nil
	}
	return ids
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
