package chart

import (
	"sync"
	"time"
)

type cacheItem struct {
	data       []byte
	expiration time.Time
}

// Cache keeps rendered charts for a short time so repeated requests for the
// same symbol do not re-render.
type Cache struct {
	mu    sync.Mutex
	items map[string]cacheItem
	ttl   time.Duration
	now   func() time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{items: make(map[string]cacheItem), ttl: ttl, now: time.Now}
}

func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, found := c.items[key]
	if !found {
		return nil, false
	}
	if !c.now().Before(item.expiration) {
		delete(c.items, key)
		return nil, false
	}
	return item.data, true
}

func (c *Cache) Set(key string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = cacheItem{data: data, expiration: c.now().Add(c.ttl)}
}
