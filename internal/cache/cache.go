// Package cache provides a bounded, TTL-aware, in-process cache with LRU
// eviction and an explicit expiry sweep.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// Stats reports cache activity counters.
type Stats struct {
	Entries   int   `json:"entries"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Expired   int64 `json:"expired"`
}

type entry[K comparable, V any] struct {
	key       K
	value     V
	expiresAt time.Time // zero means no expiry
}

// Cache is a goroutine-safe map with per-entry expiry and a size bound.
// When full, the least recently used entry is evicted.
type Cache[K comparable, V any] struct {
	mu         sync.Mutex
	maxEntries int
	defaultTTL time.Duration
	ll         *list.List
	items      map[K]*list.Element

	hits, misses, evictions, expired int64

	nowFunc func() time.Time
}

// New creates a cache holding at most maxEntries entries. A zero defaultTTL
// means entries never expire unless set with an explicit TTL.
func New[K comparable, V any](maxEntries int, defaultTTL time.Duration) *Cache[K, V] {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	return &Cache[K, V]{
		maxEntries: maxEntries,
		defaultTTL: defaultTTL,
		ll:         list.New(),
		items:      make(map[K]*list.Element),
		nowFunc:    time.Now,
	}
}

// WithClock replaces the cache's time source. Intended for tests.
func (c *Cache[K, V]) WithClock(now func() time.Time) *Cache[K, V] {
	c.mu.Lock()
	c.nowFunc = now
	c.mu.Unlock()
	return c
}

// Get returns the value for key if present and not expired.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	el, ok := c.items[key]
	if !ok {
		c.misses++
		return zero, false
	}
	e := el.Value.(*entry[K, V])
	if c.isExpired(e, c.nowFunc()) {
		c.removeElement(el)
		c.expired++
		c.misses++
		return zero, false
	}
	c.ll.MoveToFront(el)
	c.hits++
	return e.value, true
}

// Set stores value under key with the default TTL.
func (c *Cache[K, V]) Set(key K, value V) {
	c.SetWithTTL(key, value, c.defaultTTL)
}

// SetWithTTL stores value under key. A non-positive ttl means no expiry.
func (c *Cache[K, V]) SetWithTTL(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = c.nowFunc().Add(ttl)
	}

	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry[K, V])
		e.value = value
		e.expiresAt = expiresAt
		c.ll.MoveToFront(el)
		return
	}

	el := c.ll.PushFront(&entry[K, V]{key: key, value: value, expiresAt: expiresAt})
	c.items[key] = el
	for c.ll.Len() > c.maxEntries {
		c.removeElement(c.ll.Back())
		c.evictions++
	}
}

// Delete removes key from the cache.
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
}

// Purge removes every entry.
func (c *Cache[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.items = make(map[K]*list.Element)
}

// Sweep removes expired entries and returns how many were removed.
func (c *Cache[K, V]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFunc()
	removed := 0
	for el := c.ll.Back(); el != nil; {
		prev := el.Prev()
		if c.isExpired(el.Value.(*entry[K, V]), now) {
			c.removeElement(el)
			removed++
		}
		el = prev
	}
	c.expired += int64(removed)
	return removed
}

// Range calls fn for each live entry, most recently used first, until fn
// returns false. fn must not call back into the cache.
func (c *Cache[K, V]) Range(fn func(key K, value V) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFunc()
	for el := c.ll.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry[K, V])
		if c.isExpired(e, now) {
			continue
		}
		if !fn(e.key, e.value) {
			return
		}
	}
}

// Len returns the number of entries, including expired ones not yet swept.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Stats returns a snapshot of the cache counters.
func (c *Cache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:   c.ll.Len(),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Expired:   c.expired,
	}
}

func (c *Cache[K, V]) isExpired(e *entry[K, V], now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

func (c *Cache[K, V]) removeElement(el *list.Element) {
	c.ll.Remove(el)
	delete(c.items, el.Value.(*entry[K, V]).key)
}
