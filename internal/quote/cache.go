package quote

import (
	"sync"
	"time"

	"stock-cockpit/internal/types"
)

// Cache holds the latest snapshot per symbol. One writer (the poller) and
// many readers; reads return copies so callers never share cache state.
type Cache struct {
	mu          sync.RWMutex
	snapshots   map[string]types.Snapshot
	lastUpdated time.Time
	now         func() time.Time
}

func NewCache() *Cache {
	return &Cache{
		snapshots: make(map[string]types.Snapshot),
		now:       time.Now,
	}
}

// Put stores snap under symbol, replacing any previous value.
func (c *Cache) Put(symbol string, snap types.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.snapshots[symbol] = snap
	c.lastUpdated = c.now()
}

// PutAll stores a batch under a single lock acquisition.
func (c *Cache) PutAll(snaps map[string]types.Snapshot) {
	if len(snaps) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	for symbol, snap := range snaps {
		c.snapshots[symbol] = snap
	}
	c.lastUpdated = c.now()
}

// Get retrieves the snapshot for a symbol.
func (c *Cache) Get(symbol string) (types.Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap, exists := c.snapshots[symbol]
	return snap, exists
}

// GetAll returns a copy of every cached snapshot.
func (c *Cache) GetAll() map[string]types.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]types.Snapshot, len(c.snapshots))
	for k, v := range c.snapshots {
		out[k] = v
	}
	return out
}

// LastUpdated returns the time of the most recent write, zero if none.
func (c *Cache) LastUpdated() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUpdated
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.snapshots)
}
