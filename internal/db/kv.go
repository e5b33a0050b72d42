package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Logical collections.
const (
	CollectionDocuments    = "documents"
	CollectionChunks       = "chunks"
	CollectionKeywordIndex = "keyword_index"
	CollectionFingerprints = "fingerprints"
)

var (
	// ErrNotFound is returned by Get when the key does not exist.
	ErrNotFound = errors.New("key not found")
	// ErrValueTooLarge is returned by Set when a backend refuses the value size.
	ErrValueTooLarge = errors.New("value too large")
)

// Record is one key/value pair returned by Scan.
type Record struct {
	Key   string
	Value []byte
}

// KV is the storage abstraction every backend implements.
// Keys are scoped by collection; Scan returns records sorted by key.
type KV interface {
	Get(ctx context.Context, collection, key string) ([]byte, error)
	Set(ctx context.Context, collection, key string, value []byte) error
	Delete(ctx context.Context, collection, key string) error
	Scan(ctx context.Context, collection string) ([]Record, error)
	Close() error
}

// GetJSON reads and decodes a JSON value.
func GetJSON[T any](ctx context.Context, kv KV, collection, key string) (T, error) {
	var out T
	data, err := kv.Get(ctx, collection, key)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("failed to decode %s/%s: %w", collection, key, err)
	}
	return out, nil
}

// SetJSON encodes v as JSON and stores it.
func SetJSON(ctx context.Context, kv KV, collection, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s/%s: %w", collection, key, err)
	}
	return kv.Set(ctx, collection, key, data)
}

// ScanJSON decodes every record of a collection, in key order.
func ScanJSON[T any](ctx context.Context, kv KV, collection string) ([]T, error) {
	records, err := kv.Scan(ctx, collection)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(records))
	for _, r := range records {
		var v T
		if err := json.Unmarshal(r.Value, &v); err != nil {
			return nil, fmt.Errorf("failed to decode %s/%s: %w", collection, r.Key, err)
		}
		out = append(out, v)
	}
	return out, nil
}

type limitedKV struct {
	KV
	max int
}

// WithValueLimit rejects writes larger than max bytes with ErrValueTooLarge.
// A non-positive max returns kv unchanged.
func WithValueLimit(kv KV, max int) KV {
	if max <= 0 {
		return kv
	}
	return &limitedKV{KV: kv, max: max}
}

func (l *limitedKV) Set(ctx context.Context, collection, key string, value []byte) error {
	if len(value) > l.max {
		return fmt.Errorf("%s/%s is %d bytes, limit %d: %w", collection, key, len(value), l.max, ErrValueTooLarge)
	}
	return l.KV.Set(ctx, collection, key, value)
}

// FilePath reports the database file behind kv, for file-backed stores.
func FilePath(kv KV) (string, bool) {
	if l, ok := kv.(*limitedKV); ok {
		kv = l.KV
	}
	if s, ok := kv.(*SQLite); ok {
		return s.Path(), true
	}
	return "", false
}
