package idempotent

import (
	"container/list"
	"sync"
	"time"
)

//go:generate go run go.uber.org/mock/mockgen@v0.5.0 -source cache.go -destination ./mock/cache.go

// DefaultCacheCapacity is the LRU capacity used when none is configured.
const DefaultCacheCapacity = 256

// Cache is a process-local cache of completed records placed in front of the Store.
// Implementations must never hold in-progress state and must not block on I/O.
type Cache interface {
	// Get returns a copy of the completed record for key, if it is cached and not expired at now.
	Get(key string, now time.Time) (*Record, bool)
	// Add caches a copy of rec. Records that are not completed are ignored.
	Add(rec *Record)
	Remove(key string)
	Len() int
}

type lruEntry struct {
	key    string
	record *Record
}

// LRUCache is a fixed-capacity cache with strict least-recently-used eviction.
type LRUCache struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element
	order    *list.List // most recently used at front
}

// NewLRUCache creates a cache holding at most capacity records.
// A non-positive capacity selects DefaultCacheCapacity.
func NewLRUCache(capacity int) *LRUCache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	return &LRUCache{
		capacity: capacity,
		items:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

func (c *LRUCache) Get(key string, now time.Time) (*Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*lruEntry)
	if entry.record.IsExpired(now) {
		c.removeElement(el)
		return nil, false
	}
	c.order.MoveToFront(el)
	return entry.record.Clone(), true
}

func (c *LRUCache) Add(rec *Record) {
	if rec == nil || rec.Status != StatusCompleted {
		return
	}
	rec = rec.Clone()

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[rec.Key]; ok {
		el.Value.(*lruEntry).record = rec
		c.order.MoveToFront(el)
		return
	}
	if c.order.Len() >= c.capacity {
		if oldest := c.order.Back(); oldest != nil {
			c.removeElement(oldest)
		}
	}
	c.items[rec.Key] = c.order.PushFront(&lruEntry{key: rec.Key, record: rec})
}

func (c *LRUCache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
}

func (c *LRUCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// removeElement must be called with mu held.
func (c *LRUCache) removeElement(el *list.Element) {
	c.order.Remove(el)
	delete(c.items, el.Value.(*lruEntry).key)
}
