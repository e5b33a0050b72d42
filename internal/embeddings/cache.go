package embeddings

import (
	"container/list"
	"sort"
	"sync"
	"time"

	"github.com/manualrag/cli/internal/logger"
)

const (
	float32Size = 4

	// pressureFraction of the entries is dropped by one memory-pressure pass.
	pressureFraction = 0.2
	// Optimize only runs a pressure pass above this share of the memory budget.
	optimizeHighWater = 0.8
)

// CacheEntry is a cached vector with its access statistics
type CacheEntry struct {
	Vector       []float32 `json:"vector"`
	CreatedAt    time.Time `json:"createdAt"`
	AccessCount  int       `json:"accessCount"`
	LastAccessed time.Time `json:"lastAccessed"`
	Compressed   bool      `json:"compressed"`
}

// CacheConfig bounds the cache.
type CacheConfig struct {
	MaxEntries     int
	MaxMemoryBytes int64
	// Vectors with more dimensions than this are stored rounded.
	// Zero disables compression.
	CompressionThreshold int
	CompressionDecimals  int
	// EntryOverhead is the fixed per-entry cost added to the vector bytes.
	EntryOverhead int
}

// DefaultCacheConfig returns the limits used when nothing is configured.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		MaxEntries:           1000,
		MaxMemoryBytes:       50 << 20,
		CompressionThreshold: 512,
		CompressionDecimals:  4,
		EntryOverhead:        128,
	}
}

// CacheStats is a point-in-time view of the cache.
type CacheStats struct {
	Entries        int     `json:"entries"`
	MemoryBytes    int64   `json:"memoryBytes"`
	MaxEntries     int     `json:"maxEntries"`
	MaxMemoryBytes int64   `json:"maxMemoryBytes"`
	Hits           int64   `json:"hits"`
	Misses         int64   `json:"misses"`
	HitRate        float64 `json:"hitRate"`
	Evictions      int64   `json:"evictions"`
	Compressed     int     `json:"compressed"`
}

// OptimizeReport says what one Optimize call changed.
type OptimizeReport struct {
	Compressed int `json:"compressed"`
	Evicted    int `json:"evicted"`
}

type cacheItem struct {
	key   string
	entry *CacheEntry
}

// Cache is a bounded key to vector store. The list keeps recency order with
// the most recently used entry at the front. All access goes through mu.
type Cache struct {
	mu     sync.Mutex
	cfg    CacheConfig
	items  map[string]*list.Element
	order  *list.List
	memory int64

	hits      int64
	misses    int64
	evictions int64

	now func() time.Time
}

// NewCache creates an empty cache; non-positive limits fall back to defaults.
func NewCache(cfg CacheConfig) *Cache {
	d := DefaultCacheConfig()
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = d.MaxEntries
	}
	if cfg.MaxMemoryBytes <= 0 {
		cfg.MaxMemoryBytes = d.MaxMemoryBytes
	}
	if cfg.EntryOverhead < 0 {
		cfg.EntryOverhead = 0
	}
	return &Cache{
		cfg:   cfg,
		items: make(map[string]*list.Element),
		order: list.New(),
		now:   time.Now,
	}
}

// Config returns the limits the cache runs with.
func (c *Cache) Config() CacheConfig {
	return c.cfg
}

func (c *Cache) entrySize(dims int) int64 {
	return int64(dims*float32Size + c.cfg.EntryOverhead)
}

func (c *Cache) shouldCompress(dims int) bool {
	return c.cfg.CompressionThreshold > 0 && dims > c.cfg.CompressionThreshold
}

// Get returns a copy of the cached vector and records the access.
func (c *Cache) Get(key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	entry := el.Value.(*cacheItem).entry
	entry.AccessCount++
	entry.LastAccessed = c.now()
	c.order.MoveToFront(el)
	return append([]float32(nil), entry.Vector...), true
}

// Has reports presence without touching recency or statistics.
func (c *Cache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[key]
	return ok
}

// Set stores vec under key, evicting as needed to stay within both limits.
// A vector that alone exceeds the memory budget is not stored.
func (c *Cache) Set(key string, vec []float32) {
	if len(vec) == 0 {
		return
	}

	entry := &CacheEntry{Vector: append([]float32(nil), vec...)}
	if c.shouldCompress(len(vec)) {
		entry.Vector = Compress(vec, c.cfg.CompressionDecimals)
		entry.Compressed = true
	}
	size := c.entrySize(len(entry.Vector))

	c.mu.Lock()
	defer c.mu.Unlock()

	if size > c.cfg.MaxMemoryBytes {
		logger.Debug("cache: %d-dim vector exceeds memory budget, not cached", len(vec))
		return
	}

	now := c.now()
	entry.CreatedAt = now
	entry.LastAccessed = now

	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}

	for c.order.Len() >= c.cfg.MaxEntries {
		c.evictLRU()
	}
	if c.memory+size > c.cfg.MaxMemoryBytes {
		c.pressurePass()
		for c.order.Len() > 0 && c.memory+size > c.cfg.MaxMemoryBytes {
			c.evictLRU()
		}
	}

	c.items[key] = c.order.PushFront(&cacheItem{key: key, entry: entry})
	c.memory += size
}

// Delete removes key. It reports whether the key was present.
func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return false
	}
	c.removeElement(el)
	return true
}

// Clear drops every entry and resets the counters.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.order.Init()
	c.memory = 0
	c.hits, c.misses, c.evictions = 0, 0, 0
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Keys returns the keys from most to least recently used.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*cacheItem).key)
	}
	return keys
}

// Stats returns current counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statsLocked()
}

func (c *Cache) statsLocked() CacheStats {
	s := CacheStats{
		Entries:        c.order.Len(),
		MemoryBytes:    c.memory,
		MaxEntries:     c.cfg.MaxEntries,
		MaxMemoryBytes: c.cfg.MaxMemoryBytes,
		Hits:           c.hits,
		Misses:         c.misses,
		Evictions:      c.evictions,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	for _, el := range c.items {
		if el.Value.(*cacheItem).entry.Compressed {
			s.Compressed++
		}
	}
	return s
}

// Optimize compresses large vectors that are still at full precision and,
// when usage is above the high-water mark, runs a memory-pressure pass.
// Vectors are rounded from a snapshot taken under the lock and written back
// only if the entry was not replaced meanwhile.
func (c *Cache) Optimize() OptimizeReport {
	type pending struct {
		key string
		vec []float32
	}

	c.mu.Lock()
	var todo []pending
	for key, el := range c.items {
		entry := el.Value.(*cacheItem).entry
		if !entry.Compressed && c.shouldCompress(len(entry.Vector)) {
			todo = append(todo, pending{key: key, vec: entry.Vector})
		}
	}
	c.mu.Unlock()

	rounded := make([][]float32, len(todo))
	for i, p := range todo {
		rounded[i] = Compress(p.vec, c.cfg.CompressionDecimals)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var report OptimizeReport
	for i, p := range todo {
		el, ok := c.items[p.key]
		if !ok {
			continue
		}
		entry := el.Value.(*cacheItem).entry
		if entry.Compressed || !sameBacking(entry.Vector, p.vec) {
			continue
		}
		entry.Vector = rounded[i]
		entry.Compressed = true
		report.Compressed++
	}

	if float64(c.memory) > optimizeHighWater*float64(c.cfg.MaxMemoryBytes) {
		report.Evicted = c.pressurePass()
	}

	if report.Compressed > 0 || report.Evicted > 0 {
		logger.Debug("cache: optimize compressed %d, evicted %d", report.Compressed, report.Evicted)
	}
	return report
}

func sameBacking(a, b []float32) bool {
	return len(a) == len(b) && (len(a) == 0 || &a[0] == &b[0])
}

// pressurePass removes the lowest scoring fifth of the entries (at least one).
// Lower access counts and older last access score lower; ties go to the
// least recently used entry. Caller holds mu.
func (c *Cache) pressurePass() int {
	n := c.order.Len()
	if n == 0 {
		return 0
	}
	remove := int(float64(n) * pressureFraction)
	if remove < 1 {
		remove = 1
	}

	type scored struct {
		el    *list.Element
		score float64
	}
	now := c.now()
	candidates := make([]scored, 0, n)
	// Back to front so the stable sort breaks ties towards the LRU end.
	for el := c.order.Back(); el != nil; el = el.Prev() {
		candidates = append(candidates, scored{el: el, score: evictionScore(el.Value.(*cacheItem).entry, now)})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score < candidates[j].score
	})

	for _, s := range candidates[:remove] {
		c.removeElement(s.el)
		c.evictions++
	}
	logger.Debug("cache: memory pressure evicted %d of %d entries", remove, n)
	return remove
}

func evictionScore(e *CacheEntry, now time.Time) float64 {
	minutes := now.Sub(e.LastAccessed).Minutes()
	if minutes < 0 {
		minutes = 0
	}
	freshness := 1 / (1 + minutes)
	return float64(e.AccessCount)*0.7 + freshness*0.3
}

func (c *Cache) evictLRU() {
	el := c.order.Back()
	if el == nil {
		return
	}
	c.removeElement(el)
	c.evictions++
}

func (c *Cache) removeElement(el *list.Element) {
	item := c.order.Remove(el).(*cacheItem)
	delete(c.items, item.key)
	c.memory -= c.entrySize(len(item.entry.Vector))
}
