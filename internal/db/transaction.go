package db

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// retryPolicy bounds how often a write transaction is re-run while SQLite
// reports lock contention. The wait doubles after each attempt up to
// maxBackoff.
type retryPolicy struct {
	attempts   int
	backoff    time.Duration
	maxBackoff time.Duration
}

func defaultRetryPolicy() retryPolicy {
	return retryPolicy{attempts: 4, backoff: 25 * time.Millisecond, maxBackoff: 400 * time.Millisecond}
}

// TransactionWithRetry runs fn in a transaction, re-running the whole
// transaction when the database is busy or locked. fn must be safe to
// repeat. Zero arguments select the defaults.
func (db *DB) TransactionWithRetry(ctx context.Context, maxAttempts int, baseBackoff time.Duration, fn func(*sqlx.Tx) error) error {
	policy := defaultRetryPolicy()
	if maxAttempts > 0 {
		policy.attempts = maxAttempts
	}
	if baseBackoff > 0 {
		policy.backoff = baseBackoff
		if policy.maxBackoff < baseBackoff {
			policy.maxBackoff = baseBackoff
		}
	}

	return policy.run(ctx, func(attempt int, err error) {
		db.logger.Debug().Err(err).Int("attempt", attempt).Msg("database busy; retrying transaction")
	}, func() error {
		return db.Transaction(ctx, fn)
	})
}

// run calls fn until it succeeds, fails with a non-busy error, or the
// attempts are used up. onRetry may be nil.
func (p retryPolicy) run(ctx context.Context, onRetry func(attempt int, err error), fn func() error) error {
	wait := p.backoff
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn()
		if err == nil || !isBusyError(err) || attempt >= p.attempts {
			return err
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if wait *= 2; p.maxBackoff > 0 && wait > p.maxBackoff {
			wait = p.maxBackoff
		}
	}
}

// isBusyError reports SQLITE_BUSY and SQLITE_LOCKED, including extended
// codes and errors that only carry the driver's message.
func isBusyError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"database is locked", "database table is locked", "database is busy", "sqlite_busy"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
