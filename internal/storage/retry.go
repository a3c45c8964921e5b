package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// transientCodes are Postgres SQLSTATEs after which the statement was rolled
// back and can safely run again.
var transientCodes = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
}

func isRetriable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && transientCodes[pgErr.Code]
}

// WithRetry runs fn, retrying up to maxRetries times on transient errors with
// jittered exponential backoff starting at baseDelay. Any other error, or
// context cancellation while waiting, ends the loop.
func WithRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	delay := baseDelay
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !isRetriable(err) || attempt >= maxRetries {
			return err
		}
		wait := delay + time.Duration(rand.Int64N(int64(delay)+1)) //nolint:gosec // jitter only
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		delay *= 2
	}
}
