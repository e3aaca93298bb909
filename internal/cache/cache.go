// Package cache provides a bounded LRU cache for correlation statistics
// (sensor and trixel medians, observation counts) computed from the
// measurement store. It is shared by every CorrelationGate in the
// service so the total number of cached statistics is bounded by
// capacity rather than by the number of sensors and trixels currently
// active. Concurrent misses on the same key are collapsed into one
// store fetch via singleflight, since a tick has many goroutines
// recomputing the same handful of hot ancestor medians at once.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Config bounds a Cache's memory footprint.
type Config struct {
	Capacity int
}

// Cache is a bounded LRU keyed by opaque strings, holding *float64
// statistic values with a per-entry freshness window. Concurrent
// misses on the same key are collapsed into a single fetch.
type Cache struct {
	cfg   Config
	group singleflight.Group

	mu      sync.Mutex
	lru     *list.List
	entries map[string]*list.Element
}

type entry struct {
	key       string
	value     *float64
	updatedAt time.Time
}

// New constructs a Cache. A zero Capacity means unbounded.
func New(cfg Config) *Cache {
	return &Cache{cfg: cfg, lru: list.New(), entries: make(map[string]*list.Element)}
}

// Get returns the cached value for key if present and younger than
// maxAge.
func (c *Cache) Get(key string, maxAge time.Duration) (*float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*entry)
	if time.Since(e.updatedAt) > maxAge {
		return nil, false
	}
	c.lru.MoveToFront(el)
	return e.value, true
}

// GetOrFetch returns the cached value for key if fresh, otherwise calls
// fetch and stores the result. Concurrent misses on the same key share
// a single in-flight fetch rather than each hitting the store.
func (c *Cache) GetOrFetch(ctx context.Context, key string, maxAge time.Duration, fetch func() (*float64, error)) (*float64, error) {
	if v, ok := c.Get(key, maxAge); ok {
		return v, nil
	}

	type result struct{ value *float64 }
	v, err, _ := c.group.Do(key, func() (any, error) {
		if v, ok := c.Get(key, maxAge); ok {
			return result{v}, nil
		}
		value, err := fetch()
		if err != nil {
			return nil, err
		}
		c.set(key, value)
		return result{value}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(result).value, nil
}

func (c *Cache) set(key string, value *float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		el.Value.(*entry).value = value
		el.Value.(*entry).updatedAt = time.Now()
		c.lru.MoveToFront(el)
		return
	}
	el := c.lru.PushFront(&entry{key: key, value: value, updatedAt: time.Now()})
	c.entries[key] = el
	if c.cfg.Capacity > 0 {
		for len(c.entries) > c.cfg.Capacity {
			back := c.lru.Back()
			if back == nil {
				break
			}
			delete(c.entries, back.Value.(*entry).key)
			c.lru.Remove(back)
		}
	}
}

// Stats reports the current entry count, for metrics.
func (c *Cache) Stats() (entries int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
