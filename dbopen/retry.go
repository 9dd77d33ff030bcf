package dbopen

// Lock contention is rare here: one run writes through a single *sql.DB and
// the status endpoint only reads. It still happens around WAL checkpoints
// and when a snapshot read lands mid write burst, and busy_timeout does not
// cover every code path, so state transitions get a short in-process retry
// instead of failing a segment over a transient lock.

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const (
	busyAttempts = 4
	busyBaseWait = 50 * time.Millisecond
)

// IsBusy reports whether err is SQLite lock contention. The modernc driver
// spells it SQLITE_BUSY or "database (table) is locked" depending on where
// the lock was hit.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// RunTx runs fn inside a transaction. The whole transaction is retried on
// BUSY since a partial one cannot be resumed.
func RunTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	return retryBusy(ctx, "tx", func() error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("dbopen: begin tx: %w", err)
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("dbopen: commit: %w", err)
		}
		return nil
	})
}

// Exec runs one statement with the same BUSY retry as RunTx.
func Exec(ctx context.Context, db *sql.DB, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := retryBusy(ctx, "exec", func() error {
		var err error
		res, err = db.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// retryBusy drives fn to completion over transient lock errors, waiting
// 50/100/200 ms between the four attempts. The waits stay short because the
// caller is usually a worker holding a camera lease, and every wait stalls
// that camera's whole group.
func retryBusy(ctx context.Context, op string, fn func() error) error {
	wait := busyBaseWait
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil || !IsBusy(err) {
			return err
		}
		if attempt == busyAttempts {
			return fmt.Errorf("dbopen: %s still locked after %d attempts: %w", op, busyAttempts, err)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("dbopen: %s interrupted waiting out a lock: %w", op, ctx.Err())
		case <-timer.C:
		}
		wait *= 2
	}
}
