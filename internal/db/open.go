package db

import (
	"context"
	"fmt"

	"github.com/manualrag/cli/config"
)

// Open builds the configured backend.
func Open(ctx context.Context, cfg *config.Config) (KV, error) {
	var (
		kv  KV
		err error
	)

	switch cfg.Storage.Backend {
	case config.BackendMemory:
		kv = NewMemory()
	case config.BackendSQLite:
		kv, err = NewSQLite(cfg.Storage.SQLitePath)
	case config.BackendPostgres:
		kv, err = NewPostgres(ctx, cfg.Storage.PostgresURL)
	case config.BackendRedis:
		kv, err = NewRedis(ctx, RedisConfig{
			Addr:      cfg.Storage.RedisAddr,
			Password:  cfg.Storage.RedisPassword,
			DB:        cfg.Storage.RedisDB,
			KeyPrefix: cfg.Storage.KeyPrefix,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
	if err != nil {
		return nil, err
	}

	return WithValueLimit(kv, cfg.Storage.MaxValueBytes), nil
}
