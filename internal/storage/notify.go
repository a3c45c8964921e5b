package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// ChannelSpans is signalled by the insert trigger on ledger.universal_registry.
// The payload is "<entity_type>:<status>".
const ChannelSpans = "spanledger_spans"

// ListenSpans subscribes the dedicated notify connection to ChannelSpans.
func (db *DB) ListenSpans(ctx context.Context) error {
	if db.notifyConn == nil {
		return fmt.Errorf("storage: notify connection not configured")
	}
	if _, err := db.notifyConn.Exec(ctx, "LISTEN "+pgx.Identifier{ChannelSpans}.Sanitize()); err != nil {
		return fmt.Errorf("storage: listen %s: %w", ChannelSpans, err)
	}
	return nil
}

// WaitForSpan blocks until a span insert is announced and returns its entity
// type and status. ListenSpans must have been called first.
func (db *DB) WaitForSpan(ctx context.Context) (entityType, status string, err error) {
	if db.notifyConn == nil {
		return "", "", fmt.Errorf("storage: notify connection not configured")
	}
	for {
		n, err := db.notifyConn.WaitForNotification(ctx)
		if err != nil {
			return "", "", fmt.Errorf("storage: wait for notification: %w", err)
		}
		if n.Channel != ChannelSpans {
			continue
		}
		entityType, status, _ = strings.Cut(n.Payload, ":")
		return entityType, status, nil
	}
}
