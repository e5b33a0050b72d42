package embeddings

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestCache(cfg CacheConfig) (*Cache, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	c := NewCache(cfg)
	c.now = clock.now
	return c, clock
}

func vec(vals ...float32) []float32 { return vals }

func TestCache_EvictionScenario(t *testing.T) {
	c, _ := newTestCache(CacheConfig{MaxEntries: 3})

	c.Set("A", vec(1))
	c.Set("B", vec(2))
	c.Set("C", vec(3))
	_, ok := c.Get("A")
	require.True(t, ok)
	c.Set("D", vec(4))

	assert.True(t, c.Has("A"))
	assert.False(t, c.Has("B"))
	assert.True(t, c.Has("C"))
	assert.True(t, c.Has("D"))
	assert.Equal(t, int64(1), c.Stats().Evictions)
}

func TestCache_LRUSkipsRecentlyAccessed(t *testing.T) {
	for _, accessed := range []string{"a", "b", "c", "d"} {
		t.Run(accessed, func(t *testing.T) {
			c, _ := newTestCache(CacheConfig{MaxEntries: 4})
			for _, k := range []string{"a", "b", "c", "d"} {
				c.Set(k, vec(1, 2))
			}
			_, ok := c.Get(accessed)
			require.True(t, ok)

			c.Set("e", vec(3, 4))

			want := "a"
			if accessed == "a" {
				want = "b"
			}
			assert.True(t, c.Has(accessed))
			assert.False(t, c.Has(want), "expected %s to be evicted", want)
			assert.Equal(t, 4, c.Len())
		})
	}
}

func TestCache_HasDoesNotTouchRecency(t *testing.T) {
	c, _ := newTestCache(CacheConfig{MaxEntries: 2})
	c.Set("old", vec(1))
	c.Set("new", vec(2))

	require.True(t, c.Has("old"))
	c.Set("newer", vec(3))

	assert.False(t, c.Has("old"))
	assert.Equal(t, int64(0), c.Stats().Hits)
}

func TestCache_GetReturnsCopy(t *testing.T) {
	c, _ := newTestCache(CacheConfig{})
	c.Set("k", vec(1, 2, 3))

	got, _ := c.Get("k")
	got[0] = 99

	again, _ := c.Get("k")
	assert.Equal(t, float32(1), again[0])
}

func TestCache_CapacityInvariant(t *testing.T) {
	cfg := CacheConfig{MaxEntries: 20, MaxMemoryBytes: 2000, EntryOverhead: 16}
	c, clock := newTestCache(cfg)
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 500; i++ {
		dims := 1 + rng.Intn(60)
		c.Set(fmt.Sprintf("k%d", rng.Intn(80)), make([]float32, dims))
		if rng.Intn(3) == 0 {
			c.Get(fmt.Sprintf("k%d", rng.Intn(80)))
		}
		clock.advance(time.Duration(rng.Intn(90)) * time.Second)

		s := c.Stats()
		require.LessOrEqual(t, s.Entries, cfg.MaxEntries)
		require.LessOrEqual(t, s.MemoryBytes, cfg.MaxMemoryBytes)
	}
}

func TestCache_MemoryPressureEvictsLowestScore(t *testing.T) {
	// Five 4-dim vectors fill the budget exactly.
	c, _ := newTestCache(CacheConfig{MaxEntries: 100, MaxMemoryBytes: 80})
	for i := 1; i <= 5; i++ {
		c.Set(fmt.Sprintf("k%d", i), vec(1, 2, 3, 4))
	}
	for _, k := range []string{"k1", "k2", "k3", "k5"} {
		c.Get(k)
	}

	c.Set("k6", vec(5, 6, 7, 8))

	assert.False(t, c.Has("k4"))
	for _, k := range []string{"k1", "k2", "k3", "k5", "k6"} {
		assert.True(t, c.Has(k), k)
	}
	assert.Equal(t, int64(80), c.Stats().MemoryBytes)
}

func TestCache_PressureScorePrefersStaleEntries(t *testing.T) {
	c, clock := newTestCache(CacheConfig{MaxEntries: 100, MaxMemoryBytes: 48})
	c.Set("stale", vec(1, 2, 3, 4))
	c.Set("fresh", vec(1, 2, 3, 4))
	c.Set("hot", vec(1, 2, 3, 4))

	clock.advance(30 * time.Minute)
	c.Get("hot")
	c.Get("hot")
	c.Get("stale")
	clock.advance(20 * time.Minute)
	c.Get("fresh")

	// stale: 1 access 20 minutes ago; fresh: 1 access now; hot: 2 accesses.
	c.Set("incoming", vec(1, 2, 3, 4))

	assert.False(t, c.Has("stale"))
	assert.True(t, c.Has("fresh"))
	assert.True(t, c.Has("hot"))
	assert.True(t, c.Has("incoming"))
}

func TestCache_OversizedEntryNotStored(t *testing.T) {
	c, _ := newTestCache(CacheConfig{MaxMemoryBytes: 64, EntryOverhead: 0})
	c.Set("small", vec(1))
	c.Set("huge", make([]float32, 17))

	assert.False(t, c.Has("huge"))
	assert.True(t, c.Has("small"))
}

func TestCache_CompressesLargeVectors(t *testing.T) {
	c, _ := newTestCache(CacheConfig{CompressionThreshold: 2, CompressionDecimals: 2})
	c.Set("small", vec(0.123456, 0.654321))
	c.Set("large", vec(0.123456, 0.654321, 0.5))

	small, _ := c.Get("small")
	large, _ := c.Get("large")

	assert.Equal(t, vec(0.123456, 0.654321), small)
	assert.InDelta(t, 0.12, large[0], 1e-6)
	assert.InDelta(t, 0.65, large[1], 1e-6)
	assert.Equal(t, 1, c.Stats().Compressed)
}

func TestCache_OverwriteKeepsAccounting(t *testing.T) {
	c, _ := newTestCache(CacheConfig{EntryOverhead: 10})
	c.Set("k", vec(1, 2))
	c.Set("k", vec(1, 2, 3, 4))

	s := c.Stats()
	assert.Equal(t, 1, s.Entries)
	assert.Equal(t, int64(4*4+10), s.MemoryBytes)
}

func TestCache_DeleteAndClear(t *testing.T) {
	c, _ := newTestCache(CacheConfig{})
	c.Set("a", vec(1))
	c.Set("b", vec(2))
	c.Get("a")
	c.Get("missing")

	assert.True(t, c.Delete("a"))
	assert.False(t, c.Delete("a"))
	assert.Equal(t, 1, c.Len())

	s := c.Stats()
	assert.Equal(t, 0.5, s.HitRate)

	c.Clear()
	s = c.Stats()
	assert.Zero(t, s.Entries)
	assert.Zero(t, s.MemoryBytes)
	assert.Zero(t, s.Hits)
}

func TestCache_OptimizeEmpty(t *testing.T) {
	c, _ := newTestCache(CacheConfig{})
	assert.NotPanics(t, func() {
		assert.Equal(t, OptimizeReport{}, c.Optimize())
	})
}

func TestCache_OptimizeCompressesAndIsIdempotent(t *testing.T) {
	c, _ := newTestCache(CacheConfig{CompressionThreshold: 2, CompressionDecimals: 1})
	require.NoError(t, c.Restore(Snapshot{
		Version: SnapshotVersion,
		Entries: []SnapshotEntry{
			{Key: "big", Entry: CacheEntry{Vector: vec(0.44, 0.46, 0.51)}},
			{Key: "small", Entry: CacheEntry{Vector: vec(0.44, 0.46)}},
		},
	}))

	first := c.Optimize()
	assert.Equal(t, OptimizeReport{Compressed: 1}, first)

	big, _ := c.Get("big")
	assert.InDeltaSlice(t, []float64{0.4, 0.5, 0.5}, toFloat64(big), 1e-6)

	second := c.Optimize()
	assert.Equal(t, OptimizeReport{}, second)
	assert.Equal(t, 2, c.Len())
}

func TestCache_OptimizeRelievesPressure(t *testing.T) {
	c, _ := newTestCache(CacheConfig{MaxEntries: 100, MaxMemoryBytes: 100})
	for i := 0; i < 10; i++ {
		c.Set(fmt.Sprintf("k%d", i), vec(1))
	}
	// 10 entries x 4 bytes = 40 bytes, under the high-water mark.
	assert.Zero(t, c.Optimize().Evicted)

	for i := 10; i < 25; i++ {
		c.Set(fmt.Sprintf("k%d", i), vec(1))
	}
	// 25 entries x 4 bytes = 100 bytes.
	report := c.Optimize()
	assert.Equal(t, 5, report.Evicted)
	assert.Equal(t, 20, c.Len())
}

func TestCache_ConcurrentAccessKeepsAccounting(t *testing.T) {
	const dims = 8
	cfg := CacheConfig{
		MaxEntries:           12,
		MaxMemoryBytes:       10 * dims * float32Size,
		CompressionThreshold: 4,
		CompressionDecimals:  2,
	}
	c := NewCache(cfg)

	raw := func(seed int) []float32 {
		v := make([]float32, dims)
		for i := range v {
			v[i] = float32(seed) + float32(i)/7
		}
		return v
	}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(int64(w)))
			for i := 0; i < 500; i++ {
				key := fmt.Sprintf("k%d", r.Intn(30))
				switch r.Intn(6) {
				case 0, 1:
					c.Set(key, raw(i))
				case 2:
					c.Get(key)
				case 3:
					c.Delete(key)
				case 4:
					c.Optimize()
				case 5:
					// Uncompressed entries give Optimize something to round.
					_ = c.Restore(Snapshot{
						Version: SnapshotVersion,
						Entries: []SnapshotEntry{
							{Key: key, Entry: CacheEntry{Vector: raw(i)}},
							{Key: key + "-raw", Entry: CacheEntry{Vector: raw(i + 1)}},
						},
					})
				}
			}
		}(w)
	}
	wg.Wait()

	stats := c.Stats()
	assert.LessOrEqual(t, stats.Entries, cfg.MaxEntries)
	assert.LessOrEqual(t, stats.MemoryBytes, cfg.MaxMemoryBytes)

	var sum int64
	for _, e := range c.Snapshot().Entries {
		require.Len(t, e.Entry.Vector, dims)
		sum += int64(len(e.Entry.Vector) * float32Size)
	}
	assert.Equal(t, sum, stats.MemoryBytes)
	assert.Equal(t, int64(stats.Entries*dims*float32Size), stats.MemoryBytes)
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}
