package cache

import (
	"container/list"
	"strings"
	"sync"
	"time"
)

// Config controls cache behavior.
type Config struct {
	DefaultTTL      time.Duration
	CleanupInterval time.Duration
	MaxItems        int
	OnEviction      func(key string, value any)
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits        uint64
	Misses      uint64
	Evictions   uint64
	Expirations uint64
	Items       int
}

// Cache is a TTL-aware LRU cache with bounded capacity. Expired entries are
// dropped lazily on access and periodically by a background sweeper.
type Cache struct {
	config Config

	mu    sync.Mutex
	items map[string]*item
	order *list.List

	hits        uint64
	misses      uint64
	evictions   uint64
	expirations uint64

	stopCh   chan struct{}
	stopOnce sync.Once
}

type item struct {
	key       string
	value     any
	expiresAt time.Time
	element   *list.Element
}

// New creates a cache and starts its cleanup goroutine.
func New(config Config) *Cache {
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = 5 * time.Minute
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 5 * time.Minute
	}
	if config.MaxItems <= 0 {
		config.MaxItems = 1000
	}

	c := &Cache{
		config: config,
		items:  make(map[string]*item),
		order:  list.New(),
		stopCh: make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// Get retrieves a value. Expired entries count as misses.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()

	it, ok := c.items[key]
	if !ok {
		c.misses++
		c.mu.Unlock()
		return nil, false
	}
	if time.Now().After(it.expiresAt) {
		c.removeItem(it)
		c.expirations++
		c.misses++
		value := it.value
		c.mu.Unlock()
		c.notifyEviction(it.key, value)
		return nil, false
	}

	c.order.MoveToFront(it.element)
	c.hits++
	value := it.value
	c.mu.Unlock()
	return value, true
}

// Set stores a value with the default TTL.
func (c *Cache) Set(key string, value any) {
	c.SetWithTTL(key, value, c.config.DefaultTTL)
}

// SetWithTTL stores a value with an explicit TTL.
func (c *Cache) SetWithTTL(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}

	var evicted []*item

	c.mu.Lock()
	if it, ok := c.items[key]; ok {
		it.value = value
		it.expiresAt = time.Now().Add(ttl)
		c.order.MoveToFront(it.element)
		c.mu.Unlock()
		return
	}

	for len(c.items) >= c.config.MaxItems {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		it := oldest.Value.(*item)
		c.removeItem(it)
		c.evictions++
		evicted = append(evicted, it)
	}

	it := &item{
		key:       key,
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}
	it.element = c.order.PushFront(it)
	c.items[key] = it
	c.mu.Unlock()

	for _, e := range evicted {
		c.notifyEviction(e.key, e.value)
	}
}

// Delete removes a specific entry.
func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	it, ok := c.items[key]
	if ok {
		c.removeItem(it)
	}
	c.mu.Unlock()
	return ok
}

// DeletePrefix removes all entries whose key starts with prefix.
func (c *Cache) DeletePrefix(prefix string) int {
	c.mu.Lock()
	var toDelete []*item
	for key, it := range c.items {
		if strings.HasPrefix(key, prefix) {
			toDelete = append(toDelete, it)
		}
	}
	for _, it := range toDelete {
		c.removeItem(it)
	}
	c.mu.Unlock()
	return len(toDelete)
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
		Items:       len(c.items),
	}
}

// CleanupExpired removes all expired entries and returns how many were removed.
func (c *Cache) CleanupExpired() int {
	now := time.Now()

	c.mu.Lock()
	var toDelete []*item
	for _, it := range c.items {
		if now.After(it.expiresAt) {
			toDelete = append(toDelete, it)
		}
	}
	for _, it := range toDelete {
		c.removeItem(it)
		c.expirations++
	}
	c.mu.Unlock()

	for _, it := range toDelete {
		c.notifyEviction(it.key, it.value)
	}
	return len(toDelete)
}

// Close stops the cleanup goroutine. The cache stays usable afterwards.
func (c *Cache) Close() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
}

func (c *Cache) cleanupLoop() {
	ticker := time.NewTicker(c.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.CleanupExpired()
		case <-c.stopCh:
			return
		}
	}
}

// removeItem removes an entry. Must be called with lock held.
func (c *Cache) removeItem(it *item) {
	c.order.Remove(it.element)
	delete(c.items, it.key)
}

// notifyEviction invokes the eviction callback outside the cache lock.
func (c *Cache) notifyEviction(key string, value any) {
	if c.config.OnEviction != nil {
		c.config.OnEviction(key, value)
	}
}
