package dbopen

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const busyRetries = 3

// IsBusy reports whether err indicates an SQLite BUSY or locked condition.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// IsConstraint reports whether err is a UNIQUE or CHECK constraint violation.
// Callers use this to turn concurrent duplicate inserts into duplicate
// outcomes instead of hard failures.
func IsConstraint(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_CONSTRAINT") ||
		strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "CHECK constraint failed")
}

// RunTx executes fn inside a transaction, retrying up to 3 times with
// 100/200/300 ms backoff when SQLite reports BUSY. fn must be safe to call
// again after a rollback.
func RunTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	var err error
	for i := range busyRetries {
		err = txOnce(ctx, db, fn)
		if err == nil || !IsBusy(err) {
			return err
		}
		if i < busyRetries-1 {
			if werr := sleepCtx(ctx, time.Duration(100*(i+1))*time.Millisecond); werr != nil {
				return fmt.Errorf("dbopen: retry interrupted: %w", werr)
			}
		}
	}
	return err
}

func txOnce(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
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
}

// Exec executes a single statement with the same BUSY retry policy as RunTx.
func Exec(ctx context.Context, db *sql.DB, query string, args ...any) (sql.Result, error) {
	var (
		res sql.Result
		err error
	)
	for i := range busyRetries {
		res, err = db.ExecContext(ctx, query, args...)
		if err == nil || !IsBusy(err) {
			return res, err
		}
		if i < busyRetries-1 {
			if werr := sleepCtx(ctx, time.Duration(100*(i+1))*time.Millisecond); werr != nil {
				return nil, fmt.Errorf("dbopen: retry interrupted: %w", werr)
			}
		}
	}
	return res, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
