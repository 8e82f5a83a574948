package persist

import (
	"context"
	"database/sql"
	"errors"

	"github.com/l0p7/calsync/internal/failures"
)

type failureStore struct {
	db *DB
}

// Failures exposes the sync_failures table as a failures.Store. Closing it
// leaves the database open.
func (db *DB) Failures() failures.Store {
	return &failureStore{db: db}
}

const failureColumns = `"key", key_type, timestamp, failure_count, last_error_message`

func (s *failureStore) Get(ctx context.Context, keyType failures.KeyType, key string) (failures.Record, bool, error) {
	row := s.db.sql.QueryRowContext(ctx,
		`SELECT `+failureColumns+` FROM sync_failures WHERE key_type = ? AND "key" = ?`, string(keyType), key)
	rec, err := scanFailure(row)
	if errors.Is(err, sql.ErrNoRows) {
		return failures.Record{}, false, nil
	}
	if err != nil {
		return failures.Record{}, false, storageErr("get failure", err)
	}
	return rec, true, nil
}

func (s *failureStore) ListByType(ctx context.Context, keyType failures.KeyType) ([]failures.Record, error) {
	return s.list(ctx, `SELECT `+failureColumns+` FROM sync_failures WHERE key_type = ? ORDER BY "key"`, string(keyType))
}

func (s *failureStore) List(ctx context.Context) ([]failures.Record, error) {
	return s.list(ctx, `SELECT `+failureColumns+` FROM sync_failures ORDER BY "key", key_type`)
}

func (s *failureStore) list(ctx context.Context, query string, args ...any) ([]failures.Record, error) {
	rows, err := s.db.sql.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list failures", err)
	}
	defer rows.Close()
	out := make([]failures.Record, 0)
	for rows.Next() {
		rec, err := scanFailure(rows)
		if err != nil {
			return nil, storageErr("scan failure", err)
		}
		out = append(out, rec)
	}
	return out, storageErr("list failures", rows.Err())
}

func (s *failureStore) Insert(ctx context.Context, record failures.Record) error {
	if record.FailureCount <= 0 {
		record.FailureCount = 1
	}
	if _, err := s.db.sql.ExecContext(ctx, `
INSERT OR REPLACE INTO sync_failures (`+failureColumns+`)
VALUES (?, ?, ?, ?, ?)`,
		record.Key, string(record.KeyType), record.Timestamp, record.FailureCount, nullString(record.LastErrorMessage),
	); err != nil {
		return storageErr("insert failure", err)
	}
	s.db.hub.notify(TableFailures)
	return nil
}

func (s *failureStore) Increment(ctx context.Context, keyType failures.KeyType, key string, timestamp int64, errMsg string) error {
	res, err := s.db.sql.ExecContext(ctx, `
UPDATE sync_failures
SET failure_count = failure_count + 1, timestamp = ?, last_error_message = ?
WHERE key_type = ? AND "key" = ?`, timestamp, nullString(errMsg), string(keyType), key)
	if err != nil {
		return storageErr("increment failure", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("increment failure", err)
	}
	if n == 0 {
		return failures.ErrNotFound
	}
	s.db.hub.notify(TableFailures)
	return nil
}

func (s *failureStore) Delete(ctx context.Context, keyType failures.KeyType, key string) error {
	return s.exec(ctx, "delete failure", `DELETE FROM sync_failures WHERE key_type = ? AND "key" = ?`, string(keyType), key)
}

func (s *failureStore) DeleteByType(ctx context.Context, keyType failures.KeyType) error {
	return s.exec(ctx, "delete failures by type", `DELETE FROM sync_failures WHERE key_type = ?`, string(keyType))
}

func (s *failureStore) DeleteAll(ctx context.Context) error {
	return s.exec(ctx, "delete all failures", `DELETE FROM sync_failures`)
}

func (s *failureStore) exec(ctx context.Context, op, query string, args ...any) error {
	if _, err := s.db.sql.ExecContext(ctx, query, args...); err != nil {
		return storageErr(op, err)
	}
	s.db.hub.notify(TableFailures)
	return nil
}

func (s *failureStore) Close(context.Context) error { return nil }

type scanner interface {
	Scan(dest ...any) error
}

func scanFailure(row scanner) (failures.Record, error) {
	var (
		rec     failures.Record
		keyType string
		msg     sql.NullString
	)
	if err := row.Scan(&rec.Key, &keyType, &rec.Timestamp, &rec.FailureCount, &msg); err != nil {
		return failures.Record{}, err
	}
	rec.KeyType = failures.KeyType(keyType)
	rec.LastErrorMessage = msg.String
	return rec, nil
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
