// Package cache is a small in-process TTL cache with singleflight loading,
// negative caching, and bounded size. It fronts hot lookups (key resolution,
// grant reuse) so the slow path runs at most once per key per window.
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Options configures a Cache.
type Options struct {
	TTL         time.Duration
	NegativeTTL time.Duration // 0 disables negative caching
	MaxEntries  int           // 0 means unbounded
}

// MetricsHooks lets callers observe cache behavior without coupling the
// cache to a metrics registry.
type MetricsHooks struct {
	OnHit   func()
	OnMiss  func()
	OnStore func()
	OnEvict func()
}

type entry struct {
	value     interface{}
	err       error
	negative  bool
	expiresAt time.Time
}

// Cache is safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	items   map[string]*entry
	order   []string // insertion order for FIFO eviction
	opts    Options
	metrics MetricsHooks
	sf      singleflight.Group
}

// New creates a cache.
func New(opts Options, hooks MetricsHooks) *Cache {
	return &Cache{
		items:   make(map[string]*entry),
		opts:    opts,
		metrics: hooks,
	}
}

// Loader fetches a value on miss. ok=false caches the error negatively when
// NegativeTTL is set.
type Loader func(ctx context.Context, key string) (interface{}, bool, error)

type loadResult struct {
	val interface{}
	ok  bool
	err error
}

// Get returns the cached value for key, loading it through loader on miss.
// Concurrent misses for the same key collapse into one loader call.
func (c *Cache) Get(ctx context.Context, key string, loader Loader) (interface{}, bool, error) {
	now := time.Now()

	c.mu.RLock()
	e, ok := c.items[key]
	c.mu.RUnlock()
	if ok && now.Before(e.expiresAt) {
		if c.metrics.OnHit != nil {
			c.metrics.OnHit()
		}
		if e.negative {
			return nil, false, e.err
		}
		return e.value, true, nil
	}

	if ok {
		c.Delete(key)
	}
	if c.metrics.OnMiss != nil {
		c.metrics.OnMiss()
	}

	result, _, _ := c.sf.Do(key, func() (interface{}, error) {
		val, ok, err := loader(ctx, key)
		c.store(key, val, ok, err)
		return loadResult{val: val, ok: ok, err: err}, nil
	})
	res := result.(loadResult)
	if !res.ok {
		return nil, false, res.err
	}
	return res.val, true, nil
}

// Set stores a value with an explicit TTL, bypassing the loader path.
func (c *Cache) Set(key string, val interface{}, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.items[key]; !exists {
		c.order = append(c.order, key)
	}
	c.items[key] = &entry{value: val, expiresAt: time.Now().Add(ttl)}
	c.evictLocked()
}

// Peek returns a live cached value without loading.
func (c *Cache) Peek(key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.items[key]
	if !ok || e.negative || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.value, true
}

// Delete drops a key.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.items[key]; !ok {
		return
	}
	delete(c.items, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// Len reports the number of live and expired entries currently held.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func (c *Cache) store(key string, val interface{}, ok bool, err error) {
	e := &entry{}
	if ok {
		e.value = val
		e.expiresAt = time.Now().Add(c.opts.TTL)
	} else {
		if c.opts.NegativeTTL <= 0 {
			return
		}
		e.err = err
		e.negative = true
		e.expiresAt = time.Now().Add(c.opts.NegativeTTL)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.items[key]; !exists {
		c.order = append(c.order, key)
	}
	c.items[key] = e
	c.evictLocked()
	if c.metrics.OnStore != nil {
		c.metrics.OnStore()
	}
}

// evictLocked drops oldest entries first once MaxEntries is exceeded.
func (c *Cache) evictLocked() {
	if c.opts.MaxEntries <= 0 {
		return
	}
	for len(c.items) > c.opts.MaxEntries && len(c.order) > 0 {
		victim := c.order[0]
		c.order = c.order[1:]
		delete(c.items, victim)
		if c.metrics.OnEvict != nil {
			c.metrics.OnEvict()
		}
	}
}
