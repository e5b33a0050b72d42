package db

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds connection settings for the Redis backend
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// Redis keeps each collection in one hash named <prefix><collection>.
type Redis struct {
	client *redis.Client
	prefix string
}

var _ KV = (*Redis)(nil)

// NewRedis connects and pings the server
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Redis{client: client, prefix: cfg.KeyPrefix}, nil
}

func (r *Redis) hash(collection string) string {
	return r.prefix + collection
}

// Get reads a field of the collection hash.
func (r *Redis) Get(ctx context.Context, collection, key string) ([]byte, error) {
	value, err := r.client.HGet(ctx, r.hash(collection), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s/%s: %w", collection, key, err)
	}
	return value, nil
}

// Set writes a field of the collection hash.
func (r *Redis) Set(ctx context.Context, collection, key string, value []byte) error {
	if err := r.client.HSet(ctx, r.hash(collection), key, value).Err(); err != nil {
		return fmt.Errorf("failed to set %s/%s: %w", collection, key, err)
	}
	return nil
}

// Delete removes a field of the collection hash.
func (r *Redis) Delete(ctx context.Context, collection, key string) error {
	if err := r.client.HDel(ctx, r.hash(collection), key).Err(); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", collection, key, err)
	}
	return nil
}

// Scan returns every field of the collection hash, sorted by key.
func (r *Redis) Scan(ctx context.Context, collection string) ([]Record, error) {
	all, err := r.client.HGetAll(ctx, r.hash(collection)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", collection, err)
	}
	out := make([]Record, 0, len(all))
	for k, v := range all {
		out = append(out, Record{Key: k, Value: []byte(v)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Close closes the client
func (r *Redis) Close() error {
	return r.client.Close()
}
