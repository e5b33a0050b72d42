package embeddings

import (
	"container/list"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"
)

// SnapshotVersion is the only export format Import accepts.
const SnapshotVersion = 1

var (
	ErrUnsupportedVersion = errors.New("unsupported cache snapshot version")
	ErrCorruptSnapshot    = errors.New("corrupt cache snapshot")
)

// Snapshot is the serialized form of the cache.
// Entries run from least to most recently used.
type Snapshot struct {
	Version   int             `json:"version"`
	Timestamp time.Time       `json:"timestamp"`
	Entries   []SnapshotEntry `json:"entries"`
	Stats     CacheStats      `json:"stats"`
}

// SnapshotEntry encodes as a two element array: [key, entry].
type SnapshotEntry struct {
	Key   string
	Entry CacheEntry
}

func (e SnapshotEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{e.Key, e.Entry})
}

func (e *SnapshotEntry) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("entry has %d elements, want 2", len(pair))
	}
	if err := json.Unmarshal(pair[0], &e.Key); err != nil {
		return fmt.Errorf("entry key: %w", err)
	}
	if err := json.Unmarshal(pair[1], &e.Entry); err != nil {
		return fmt.Errorf("entry %q: %w", e.Key, err)
	}
	return nil
}

// Snapshot captures the full cache state.
func (c *Cache) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		Version:   SnapshotVersion,
		Timestamp: c.now().UTC(),
		Entries:   make([]SnapshotEntry, 0, c.order.Len()),
		Stats:     c.statsLocked(),
	}
	for el := c.order.Back(); el != nil; el = el.Prev() {
		item := el.Value.(*cacheItem)
		entry := *item.entry
		entry.Vector = append([]float32(nil), item.entry.Vector...)
		snap.Entries = append(snap.Entries, SnapshotEntry{Key: item.key, Entry: entry})
	}
	return snap
}

// Export writes the cache as JSON.
func (c *Cache) Export(w io.Writer) error {
	if err := json.NewEncoder(w).Encode(c.Snapshot()); err != nil {
		return fmt.Errorf("failed to encode cache snapshot: %w", err)
	}
	return nil
}

// Import replaces the cache contents with the snapshot read from r.
// Nothing changes unless the whole snapshot is valid.
func (c *Cache) Import(r io.Reader) error {
	var snap Snapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return fmt.Errorf("%w: %w", ErrCorruptSnapshot, err)
	}
	return c.Restore(snap)
}

// Restore validates snap and swaps it in. Limits are enforced afterwards,
// so a snapshot from a larger cache loses its least recently used entries.
func (c *Cache) Restore(snap Snapshot) error {
	if snap.Version != SnapshotVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, snap.Version)
	}

	seen := make(map[string]bool, len(snap.Entries))
	for i, e := range snap.Entries {
		if err := validateEntry(e); err != nil {
			return fmt.Errorf("%w: entry %d: %w", ErrCorruptSnapshot, i, err)
		}
		if seen[e.Key] {
			return fmt.Errorf("%w: duplicate key %q", ErrCorruptSnapshot, e.Key)
		}
		seen[e.Key] = true
	}

	items := make(map[string]*list.Element, len(snap.Entries))
	order := list.New()
	var memory int64
	for _, e := range snap.Entries {
		entry := e.Entry
		entry.Vector = append([]float32(nil), e.Entry.Vector...)
		items[e.Key] = order.PushFront(&cacheItem{key: e.Key, entry: &entry})
		memory += c.entrySize(len(entry.Vector))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = items
	c.order = order
	c.memory = memory
	c.hits = snap.Stats.Hits
	c.misses = snap.Stats.Misses
	c.evictions = snap.Stats.Evictions

	for c.order.Len() > c.cfg.MaxEntries {
		c.evictLRU()
	}
	if c.memory > c.cfg.MaxMemoryBytes {
		c.pressurePass()
		for c.order.Len() > 0 && c.memory > c.cfg.MaxMemoryBytes {
			c.evictLRU()
		}
	}
	return nil
}

func validateEntry(e SnapshotEntry) error {
	if e.Key == "" {
		return errors.New("empty key")
	}
	if len(e.Entry.Vector) == 0 {
		return fmt.Errorf("key %q has no vector", e.Key)
	}
	for _, v := range e.Entry.Vector {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return fmt.Errorf("key %q has a non-finite component", e.Key)
		}
	}
	if e.Entry.AccessCount < 0 {
		return fmt.Errorf("key %q has a negative access count", e.Key)
	}
	return nil
}

// SaveFile exports to path, replacing it atomically.
func (c *Cache) SaveFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".embedding-cache-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := c.Export(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace cache file: %w", err)
	}
	return nil
}

// LoadFile imports path. A missing file leaves the cache untouched.
func (c *Cache) LoadFile(path string) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open cache file: %w", err)
	}
	defer f.Close()
	return c.Import(f)
}
