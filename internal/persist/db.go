// Package persist is the durable local store: calendars, events with their
// reminders, holidays and sync-failure records in SQLite.
package persist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/l0p7/calsync/internal/persist/migrations"
)

// StorageError wraps failures of the underlying database so callers can
// classify them without matching driver errors.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return "persist: " + e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	// Caller cancellation is not a storage fault.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// DB is the SQLite-backed local store.
type DB struct {
	sql *sql.DB
	hub *Hub
}

// Open opens (creating when missing) the database at path and applies the
// embedded migrations.
func Open(ctx context.Context, path string) (*DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("persist: database path is required")
	}
	dsn := filepath.Clean(path) +
		"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("persist: open sqlite db: %w", err)
	}
	// SQLite allows a single writer; one connection keeps reads consistent
	// with the last committed write.
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("persist: ping sqlite db: %w", err)
	}
	var fk int
	if err := sqlDB.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fk); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("persist: check foreign keys: %w", err)
	}
	if fk != 1 {
		_ = sqlDB.Close()
		return nil, errors.New("persist: sqlite foreign keys are disabled")
	}
	if err := applyMigrations(ctx, sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("persist: run migrations: %w", err)
	}
	return &DB{sql: sqlDB, hub: newHub()}, nil
}

// Close releases the database handle.
func (db *DB) Close() error {
	if db == nil || db.sql == nil {
		return nil
	}
	return db.sql.Close()
}

// Ping reports whether the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	return storageErr("ping", db.sql.PingContext(ctx))
}

// Changes exposes the change hub for live queries.
func (db *DB) Changes() *Hub { return db.hub }

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (db *DB) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(op, err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return storageErr(op, fmt.Errorf("%w: rollback: %v", err, rbErr))
		}
		return storageErr(op, err)
	}
	return storageErr(op, tx.Commit())
}
