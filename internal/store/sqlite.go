package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Schema version tracking:
// 1 - records table with (bucket, idx) index
const sqliteSchemaVersion = 1

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS records (
	bucket     TEXT NOT NULL,
	key        TEXT NOT NULL,
	idx        TEXT NOT NULL DEFAULT '',
	value      BLOB NOT NULL,
	updated_at INTEGER NOT NULL DEFAULT (CAST(strftime('%s','now') AS INTEGER)),
	PRIMARY KEY (bucket, key)
);
CREATE INDEX IF NOT EXISTS idx_records_bucket_idx ON records(bucket, idx);
`

// SQLite is a file-backed Store using an embedded SQLite database in WAL mode.
type SQLite struct {
	db   *sql.DB
	path string
}

// OpenSQLite creates or opens the SQLite database at path.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention
//   - a single open connection, SQLite only supports one writer
//
// This function is idempotent - safe to call multiple times on the same path.
func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applySQLitePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySQLiteSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLite{db: db, path: path}, nil
}

func applySQLitePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySQLiteSchema(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version >= sqliteSchemaVersion {
		return nil
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", sqliteSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (s *SQLite) Path() string {
	return s.path
}

// Get implements Store.Get
func (s *SQLite) Get(ctx context.Context, bucket, key string) (Record, error) {
	rec := Record{Key: key}
	err := s.db.QueryRowContext(ctx,
		`SELECT idx, value FROM records WHERE bucket = ? AND key = ?`, bucket, key).
		Scan(&rec.Index, &rec.Value)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, wrap("get", bucket, key, err)
	}
	return rec, nil
}

// Put implements Store.Put
func (s *SQLite) Put(ctx context.Context, bucket string, rec Record) error {
	value := rec.Value
	if value == nil {
		value = []byte{}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO records (bucket, key, idx, value, updated_at)
		VALUES (?, ?, ?, ?, CAST(strftime('%s','now') AS INTEGER))
		ON CONFLICT (bucket, key) DO UPDATE SET
			idx = excluded.idx,
			value = excluded.value,
			updated_at = excluded.updated_at`,
		bucket, rec.Key, rec.Index, value)
	return wrap("put", bucket, rec.Key, err)
}

// Delete implements Store.Delete
func (s *SQLite) Delete(ctx context.Context, bucket, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE bucket = ? AND key = ?`, bucket, key)
	return wrap("delete", bucket, key, err)
}

// GetAll implements Store.GetAll
func (s *SQLite) GetAll(ctx context.Context, bucket string) ([]Record, error) {
	return s.query(ctx, bucket,
		`SELECT key, idx, value FROM records WHERE bucket = ? ORDER BY key`, bucket)
}

// IndexScan implements Store.IndexScan
func (s *SQLite) IndexScan(ctx context.Context, bucket, index string) ([]Record, error) {
	return s.query(ctx, bucket,
		`SELECT key, idx, value FROM records WHERE bucket = ? AND idx = ? ORDER BY key`, bucket, index)
}

func (s *SQLite) query(ctx context.Context, bucket, query string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap("scan", bucket, "", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Key, &rec.Index, &rec.Value); err != nil {
			return nil, wrap("scan", bucket, "", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("scan", bucket, "", err)
	}
	return records, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
