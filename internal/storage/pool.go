// Package storage provides the PostgreSQL backend for the span ledger.
//
// It manages a connection pool whose every connection is bound to the caller's
// session identity before use, a dedicated connection for LISTEN/NOTIFY, and
// the append and visibility-scoped read paths over ledger.universal_registry.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Session is the identity every pooled connection is bound to. The
// visibility view reads it back with current_setting.
type Session struct {
	UserID   string
	TenantID string
}

// DB wraps a pgxpool.Pool for normal queries and a dedicated pgx.Conn
// for LISTEN/NOTIFY.
type DB struct {
	pool       *pgxpool.Pool
	notifyConn *pgx.Conn
	session    Session
	logger     *slog.Logger
}

// New creates a new DB with a session-bound connection pool.
// notifyDSN may be empty, in which case Listen and WaitForNotification fail.
func New(ctx context.Context, poolDSN, notifyDSN string, session Session, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(poolDSN)
	if err != nil {
		return nil, fmt.Errorf("storage: parse pool DSN: %w", err)
	}

	// Bind identity on every new connection, before any query can run on it.
	// is_local=false keeps the settings for the life of the session.
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		if _, err := conn.Exec(ctx,
			`SELECT set_config('app.user_id', $1, false), set_config('app.tenant_id', $2, false)`,
			session.UserID, session.TenantID,
		); err != nil {
			return fmt.Errorf("storage: bind session: %w", err)
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	var notifyConn *pgx.Conn
	if notifyDSN != "" {
		notifyConn, err = pgx.Connect(ctx, notifyDSN)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("storage: connect notify: %w", err)
		}
	}

	logger.Debug("storage: pool ready", "user_id", session.UserID, "tenant_id", session.TenantID)
	return &DB{
		pool:       pool,
		notifyConn: notifyConn,
		session:    session,
		logger:     logger,
	}, nil
}

// Pool returns the underlying connection pool.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Session returns the identity the pool is bound to.
func (db *DB) Session() Session {
	return db.session
}

// HasNotify reports whether a LISTEN/NOTIFY connection is configured.
func (db *DB) HasNotify() bool {
	return db.notifyConn != nil
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close shuts down the connection pool and notify connection.
func (db *DB) Close(ctx context.Context) {
	db.pool.Close()
	if db.notifyConn != nil {
		if err := db.notifyConn.Close(ctx); err != nil {
			db.logger.Warn("storage: close notify connection", "error", err)
		}
	}
}
