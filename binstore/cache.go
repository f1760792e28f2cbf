package binstore

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/migadu/sieve/pkg/metrics"
)

type cacheEntry struct {
	data      []byte
	createdAt time.Time
}

// Cache is an LRU cache with TTL in front of another store. Writes go
// through to the backing store.
type Cache struct {
	next Store

	mu          sync.Mutex
	entries     map[string]*cacheEntry
	accessOrder []string
	maxEntries  int
	ttl         time.Duration
}

// NewCache wraps next. A zero ttl keeps entries until they are evicted.
func NewCache(next Store, maxEntries int, ttl time.Duration) *Cache {
	return &Cache{
		next:        next,
		entries:     make(map[string]*cacheEntry),
		accessOrder: make([]string, 0, maxEntries),
		maxEntries:  maxEntries,
		ttl:         ttl,
	}
}

func (c *Cache) Backend() string { return c.next.Backend() }

// Close closes the backing store when it holds resources.
func (c *Cache) Close() error {
	if cl, ok := c.next.(io.Closer); ok {
		return cl.Close()
	}
	return nil
}

func (c *Cache) Get(ctx context.Context, location string) ([]byte, error) {
	if data, ok := c.lookup(location); ok {
		metrics.BinaryCacheHits.Inc()
		return data, nil
	}
	metrics.BinaryCacheMisses.Inc()

	data, err := c.next.Get(ctx, location)
	if err != nil {
		return nil, err
	}
	c.store(location, data)
	return data, nil
}

func (c *Cache) Put(ctx context.Context, location string, data []byte) error {
	if err := c.next.Put(ctx, location, data); err != nil {
		c.remove(location)
		return err
	}
	c.store(location, data)
	return nil
}

func (c *Cache) Delete(ctx context.Context, location string) error {
	c.remove(location)
	return c.next.Delete(ctx, location)
}

// Stats returns the number of cached binaries.
func (c *Cache) Stats() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries), nil
}

func (c *Cache) lookup(location string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[location]
	if !ok {
		return nil, false
	}
	if c.ttl > 0 && time.Since(entry.createdAt) > c.ttl {
		delete(c.entries, location)
		c.removeFromAccessOrder(location)
		return nil, false
	}
	c.touch(location)
	return append([]byte(nil), entry.data...), true
}

func (c *Cache) store(location string, data []byte) {
	if c.maxEntries <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[location]; ok {
		c.touch(location)
	} else {
		for len(c.entries) >= c.maxEntries {
			c.evictOldest()
		}
		c.accessOrder = append(c.accessOrder, location)
	}
	c.entries[location] = &cacheEntry{data: append([]byte(nil), data...), createdAt: time.Now()}
}

func (c *Cache) remove(location string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[location]; ok {
		delete(c.entries, location)
		c.removeFromAccessOrder(location)
	}
}

// touch moves location to the most recently used end.
func (c *Cache) touch(location string) {
	c.removeFromAccessOrder(location)
	c.accessOrder = append(c.accessOrder, location)
}

func (c *Cache) removeFromAccessOrder(location string) {
	for i, k := range c.accessOrder {
		if k == location {
			c.accessOrder = append(c.accessOrder[:i], c.accessOrder[i+1:]...)
			return
		}
	}
}

func (c *Cache) evictOldest() {
	if len(c.accessOrder) == 0 {
		return
	}
	oldest := c.accessOrder[0]
	c.accessOrder = c.accessOrder[1:]
	delete(c.entries, oldest)
}
