package retrieval

import (
	"container/list"
	"sync"
	"time"

	"github.com/rcliao/voicekb/internal/embedding"
)

type cacheEntry struct {
	key     string
	value   embedding.Vector
	expires time.Time
	element *list.Element
}

// vectorCache is an LRU of query embeddings with a per-entry TTL.
type vectorCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	items    map[string]*cacheEntry
	order    *list.List
	now      func() time.Time
}

func newVectorCache(capacity int, ttl time.Duration) *vectorCache {
	if capacity <= 0 {
		return nil
	}
	return &vectorCache{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[string]*cacheEntry, capacity),
		order:    list.New(),
		now:      time.Now,
	}
}

func (c *vectorCache) Get(key string) (embedding.Vector, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if ent, ok := c.items[key]; ok {
		if ent.expires.IsZero() || c.now().Before(ent.expires) {
			c.order.MoveToFront(ent.element)
			return ent.value, true
		}
		c.removeEntry(ent)
	}
	return nil, false
}

func (c *vectorCache) Set(key string, value embedding.Vector) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if ent, ok := c.items[key]; ok {
		ent.value = value
		ent.expires = c.expiry()
		c.order.MoveToFront(ent.element)
		return
	}

	if len(c.items) >= c.capacity {
		if back := c.order.Back(); back != nil {
			c.removeEntry(c.items[back.Value.(string)])
		}
	}

	elem := c.order.PushFront(key)
	c.items[key] = &cacheEntry{
		key:     key,
		value:   value,
		expires: c.expiry(),
		element: elem,
	}
}

func (c *vectorCache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *vectorCache) expiry() time.Time {
	if c.ttl <= 0 {
		return time.Time{}
	}
	return c.now().Add(c.ttl)
}

func (c *vectorCache) removeEntry(ent *cacheEntry) {
	if ent == nil {
		return
	}
	c.order.Remove(ent.element)
	delete(c.items, ent.key)
}
