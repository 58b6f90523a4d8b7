package service

import (
	"container/list"
	"sync"

	"SettledForward/internal/settlement"

	"github.com/google/uuid"
)

// DefaultCacheCapacity bounds the number of configs held in memory.
const DefaultCacheCapacity = 65536

// configCache is an LRU of instrument configurations. Configs are immutable
// once created, so an entry is never stale; eviction only costs a store read.
type configCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[uuid.UUID]*list.Element
	order    *list.List // front is most recently used
}

type cacheEntry struct {
	id  uuid.UUID
	cfg settlement.Config
}

func newConfigCache(capacity int) *configCache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	return &configCache{
		capacity: capacity,
		entries:  make(map[uuid.UUID]*list.Element),
		order:    list.New(),
	}
}

// Get returns the config for id and promotes it.
func (c *configCache) Get(id uuid.UUID) (settlement.Config, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.entries[id]
	if !ok {
		return settlement.Config{}, false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(*cacheEntry).cfg, true
}

// Add inserts or promotes id. It reports whether an older entry was evicted.
func (c *configCache) Add(id uuid.UUID, cfg settlement.Config) (evicted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[id]; ok {
		c.order.MoveToFront(elem)
		return false
	}

	c.entries[id] = c.order.PushFront(&cacheEntry{id: id, cfg: cfg})
	if c.order.Len() <= c.capacity {
		return false
	}

	oldest := c.order.Back()
	c.order.Remove(oldest)
	delete(c.entries, oldest.Value.(*cacheEntry).id)
	return true
}

func (c *configCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
