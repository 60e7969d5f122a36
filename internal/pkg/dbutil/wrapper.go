package dbutil

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// TxOptions represents transaction options
type TxOptions struct {
	Isolation sql.IsolationLevel
	ReadOnly  bool
	Timeout   time.Duration
}

// DefaultTxOptions provides sensible transaction defaults
var DefaultTxOptions = TxOptions{
	Isolation: sql.LevelDefault,
	ReadOnly:  false,
	Timeout:   30 * time.Second,
}

// DB interface for database operations (allows for easy testing)
type DB interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
	PingContext(ctx context.Context) error
}

// TxFunc represents a function that operates within a transaction
type TxFunc func(tx *sql.Tx) error

// RowsFunc consumes a result set; rows are closed by the caller
type RowsFunc func(rows *sql.Rows) error

// Wrapper provides database operation utilities
type Wrapper struct {
	db      DB
	timeout time.Duration
}

// NewWrapper creates a new database wrapper
func NewWrapper(db DB, timeout time.Duration) *Wrapper {
	return &Wrapper{
		db:      db,
		timeout: timeout,
	}
}

// WithTransaction executes a function within a database transaction
func (w *Wrapper) WithTransaction(ctx context.Context, fn TxFunc, opts ...TxOptions) error {
	options := DefaultTxOptions
	if len(opts) > 0 {
		options = opts[0]
	}

	ctxWithTimeout, cancel := context.WithTimeout(ctx, options.Timeout)
	defer cancel()

	tx, err := w.db.BeginTx(ctxWithTimeout, &sql.TxOptions{
		Isolation: options.Isolation,
		ReadOnly:  options.ReadOnly,
	})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("transaction failed with error: %v, rollback also failed: %w", err, rollbackErr)
		}
		return fmt.Errorf("transaction rolled back due to error: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// SaveWithRetry runs fn in a transaction, retrying while the database
// reports lock contention
func (w *Wrapper) SaveWithRetry(ctx context.Context, fn TxFunc, maxRetries int) error {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := w.WithTransaction(ctx, fn)
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsRetryableError(err) {
			return err
		}

		if attempt < maxRetries {
			wait := time.Duration(attempt+1) * 100 * time.Millisecond
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
	}

	return fmt.Errorf("operation failed after %d retries, last error: %w", maxRetries, lastErr)
}

// ExecQuery executes a statement with the wrapper timeout
func (w *Wrapper) ExecQuery(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	ctxWithTimeout, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	return w.db.ExecContext(ctxWithTimeout, query, args...)
}

// QueryRowScan runs a single-row query and scans it into dest before the
// timeout context is released. sql.ErrNoRows is returned unwrapped.
func (w *Wrapper) QueryRowScan(ctx context.Context, query string, args []interface{}, dest ...interface{}) error {
	ctxWithTimeout, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	return w.db.QueryRowContext(ctxWithTimeout, query, args...).Scan(dest...)
}

// QueryEach runs a query and hands the open result set to fn
func (w *Wrapper) QueryEach(ctx context.Context, query string, args []interface{}, fn RowsFunc) error {
	ctxWithTimeout, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	rows, err := w.db.QueryContext(ctxWithTimeout, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	if err := fn(rows); err != nil {
		return err
	}
	return rows.Err()
}

// PingWithTimeout checks database connectivity with timeout
func (w *Wrapper) PingWithTimeout(ctx context.Context) error {
	ctxWithTimeout, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	return w.db.PingContext(ctxWithTimeout)
}

// IsRetryableError reports whether a SQLite error signals lock contention
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"database is locked",
		"database is busy",
		"deadlock",
		"cannot start a transaction within a transaction",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
