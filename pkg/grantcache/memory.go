package grantcache

import (
	"context"
	"sync"
	"time"
)

// MemoryCache is an in-process grant cache for development and tests.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewMemoryCache creates an empty cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]*Entry)}
}

// Get implements Cache.
func (c *MemoryCache) Get(ctx context.Context, key string) (*Entry, bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || !entry.ExpiresAt.After(time.Now()) {
		return nil, false, nil
	}
	out := *entry
	return &out, true, nil
}

// Put implements Cache. An existing live entry is never overwritten,
// matching the immutability of minted tokens.
func (c *MemoryCache) Put(ctx context.Context, key string, entry *Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.entries[key]; ok && existing.ExpiresAt.After(time.Now()) {
		return nil
	}
	stored := *entry
	c.entries[key] = &stored
	return nil
}
