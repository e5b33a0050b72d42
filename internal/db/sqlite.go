package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // SQLite driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv (
	collection TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      BLOB NOT NULL,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (collection, key)
)`

// SQLite is the default single-file backend.
type SQLite struct {
	db   *sql.DB
	path string
}

var _ KV = (*SQLite)(nil)

// NewSQLite opens (creating if needed) the database file at path
func NewSQLite(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLite{db: db, path: path}, nil
}

// Path returns the database file path
func (s *SQLite) Path() string {
	return s.path
}

// Get reads one value, returning ErrNotFound when the row is absent.
func (s *SQLite) Get(ctx context.Context, collection, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE collection = ? AND key = ?`,
		collection, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s/%s: %w", collection, key, err)
	}
	return value, nil
}

// Set upserts the value for key.
func (s *SQLite) Set(ctx context.Context, collection, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (collection, key, value, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT (collection, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		collection, key, value,
	)
	if err != nil {
		return fmt.Errorf("failed to set %s/%s: %w", collection, key, err)
	}
	return nil
}

// Delete removes the row for key
func (s *SQLite) Delete(ctx context.Context, collection, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM kv WHERE collection = ? AND key = ?`, collection, key,
	); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", collection, key, err)
	}
	return nil
}

// Scan reads a whole collection ordered by key.
func (s *SQLite) Scan(ctx context.Context, collection string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM kv WHERE collection = ? ORDER BY key`, collection,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", collection, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Key, &r.Value); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the database
func (s *SQLite) Close() error {
	return s.db.Close()
}
