package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(maxItems int) *Cache {
	c := New(Config{
		DefaultTTL:      time.Minute,
		CleanupInterval: time.Hour,
		MaxItems:        maxItems,
	})
	return c
}

func TestCacheSetGet(t *testing.T) {
	c := newTestCache(10)
	defer c.Close()

	c.Set("a", 1)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestCacheExpiration(t *testing.T) {
	c := newTestCache(10)
	defer c.Close()

	c.SetWithTTL("a", "x", 10*time.Millisecond)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "x", v)

	time.Sleep(20 * time.Millisecond)
	_, ok = c.Get("a")
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Expirations)
}

func TestCacheLRUEviction(t *testing.T) {
	c := newTestCache(3)
	defer c.Close()

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)

	// Touch "a" so "b" becomes the LRU entry.
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Set("d", 4)

	_, ok = c.Get("b")
	assert.False(t, ok, "least recently used entry should be evicted")
	_, ok = c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("d")
	assert.True(t, ok)

	assert.Equal(t, uint64(1), c.Stats().Evictions)
}

func TestCacheEvictionCallback(t *testing.T) {
	var mu sync.Mutex
	var evicted []string

	c := New(Config{
		DefaultTTL:      time.Minute,
		CleanupInterval: time.Hour,
		MaxItems:        2,
		OnEviction: func(key string, _ any) {
			mu.Lock()
			evicted = append(evicted, key)
			mu.Unlock()
		},
	})
	defer c.Close()

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, evicted, 1)
	assert.Equal(t, "a", evicted[0])
}

func TestCacheDelete(t *testing.T) {
	c := newTestCache(10)
	defer c.Close()

	c.Set("a", 1)
	assert.True(t, c.Delete("a"))
	assert.False(t, c.Delete("a"))

	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestCacheDeletePrefix(t *testing.T) {
	c := newTestCache(10)
	defer c.Close()

	c.Set("conv_entity:user:1", 1)
	c.Set("conv_entity:user:2", 2)
	c.Set("conv_topic:9", 3)

	removed := c.DeletePrefix("conv_entity:")
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, c.Len())

	_, ok := c.Get("conv_topic:9")
	assert.True(t, ok)
}

func TestCacheCleanupExpired(t *testing.T) {
	c := newTestCache(10)
	defer c.Close()

	c.SetWithTTL("a", 1, 5*time.Millisecond)
	c.SetWithTTL("b", 2, 5*time.Millisecond)
	c.SetWithTTL("c", 3, time.Minute)

	time.Sleep(10 * time.Millisecond)
	removed := c.CleanupExpired()
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, c.Len())
}

func TestCacheStatsCounters(t *testing.T) {
	c := newTestCache(10)
	defer c.Close()

	c.Set("a", 1)
	c.Get("a")
	c.Get("a")
	c.Get("missing")

	stats := c.Stats()
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, 1, stats.Items)
}

func TestCacheConcurrentAccess(t *testing.T) {
	c := newTestCache(100)
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				key := fmt.Sprintf("key-%d", j%50)
				c.Set(key, n)
				c.Get(key)
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Len(), 100)
}

func BenchmarkCacheGet(b *testing.B) {
	c := newTestCache(1000)
	defer c.Close()
	c.Set("key", "value")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Get("key")
	}
}
