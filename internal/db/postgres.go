package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS manualrag_kv (
	collection TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (collection, key)
)`

// Postgres stores collections in a single table behind a pgx pool
type Postgres struct {
	pool *pgxpool.Pool
}

var _ KV = (*Postgres)(nil)

// NewPostgres creates a new database connection
func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	config.MaxConns = 10
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = time.Minute * 30

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

// Pool returns the underlying connection pool
func (p *Postgres) Pool() *pgxpool.Pool {
	return p.pool
}

// Get reads one value, returning ErrNotFound when the row is absent.
func (p *Postgres) Get(ctx context.Context, collection, key string) ([]byte, error) {
	var value []byte
	err := p.pool.QueryRow(ctx,
		`SELECT value FROM manualrag_kv WHERE collection = $1 AND key = $2`,
		collection, key,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s/%s: %w", collection, key, err)
	}
	return value, nil
}

// Set upserts the value for key.
func (p *Postgres) Set(ctx context.Context, collection, key string, value []byte) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO manualrag_kv (collection, key, value, updated_at)
		 VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (collection, key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		collection, key, value,
	)
	if err != nil {
		return fmt.Errorf("failed to set %s/%s: %w", collection, key, err)
	}
	return nil
}

// Delete removes the row for key
func (p *Postgres) Delete(ctx context.Context, collection, key string) error {
	_, err := p.pool.Exec(ctx,
		`DELETE FROM manualrag_kv WHERE collection = $1 AND key = $2`,
		collection, key,
	)
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", collection, key, err)
	}
	return nil
}

// Scan reads a whole collection ordered by key.
func (p *Postgres) Scan(ctx context.Context, collection string) ([]Record, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT key, value FROM manualrag_kv WHERE collection = $1 ORDER BY key`,
		collection,
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

// Close closes the database connection pool
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
