// Package cache provides generic, thread-safe LRU caches with TTL expiry
// and metrics, plus a non-expiring sharded store.
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultCapacity is used when New is given a non-positive capacity.
const DefaultCapacity = 100

// Clock returns the current time. Tests replace it to control expiry.
type Clock func() time.Time

// Cache is a generic thread-safe LRU cache with optional TTL expiry and
// built-in metrics. The zero TTL means entries never expire.
type Cache[K comparable, V any] struct {
	mu       sync.Mutex
	items    map[K]*entry[K, V]
	order    *list.List
	capacity int
	ttl      time.Duration
	now      Clock

	// Metrics (lock-free using atomics)
	hits    atomic.Uint64
	misses  atomic.Uint64
	evicts  atomic.Uint64
	expires atomic.Uint64
	sets    atomic.Uint64
}

// entry holds a cached value, its insertion time and its position in the
// LRU list.
type entry[K comparable, V any] struct {
	key        K
	value      V
	insertedAt time.Time
	element    *list.Element
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	ttl time.Duration
	now Clock
}

// WithTTL sets the time-to-live measured from insertion.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		o.ttl = ttl
	}
}

// WithClock sets the time source.
func WithClock(now Clock) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// New creates a new Cache with the specified capacity.
// When the cache is full, the least recently used item is evicted.
func New[K comparable, V any](capacity int, opts ...Option) *Cache[K, V] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Cache[K, V]{
		items:    make(map[K]*entry[K, V], capacity),
		order:    list.New(),
		capacity: capacity,
		ttl:      o.ttl,
		now:      o.now,
	}
}

// Get retrieves a value from the cache.
// Returns the value and true if found and not expired, zero value and false
// otherwise. A stored zero value is a hit.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok {
		c.misses.Add(1)
		var zero V
		return zero, false
	}

	if c.expired(e) {
		c.remove(e)
		c.expires.Add(1)
		c.misses.Add(1)
		var zero V
		return zero, false
	}

	c.hits.Add(1)
	c.order.MoveToFront(e.element)
	return e.value, true
}

// Set adds or updates a value in the cache and restarts its TTL.
// If the cache is at capacity, the least recently used item is evicted.
func (c *Cache[K, V]) Set(key K, value V) {
	c.sets.Add(1)

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.items[key]; ok {
		e.value = value
		e.insertedAt = c.now()
		c.order.MoveToFront(e.element)
		return
	}

	if len(c.items) >= c.capacity {
		c.evictOldest()
	}

	element := c.order.PushFront(key)
	c.items[key] = &entry[K, V]{
		key:        key,
		value:      value,
		insertedAt: c.now(),
		element:    element,
	}
}

// GetOrLoad returns the cached value for key, or calls load, stores its
// result and returns it. No lock is held while load runs, so load may use
// the cache itself. Concurrent callers may load the same key more than
// once. Errors are returned and never stored.
func (c *Cache[K, V]) GetOrLoad(key K, load func() (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	v, err := load()
	if err != nil {
		var zero V
		return zero, err
	}

	c.Set(key, v)
	return v, nil
}

func (c *Cache[K, V]) expired(e *entry[K, V]) bool {
	return c.ttl > 0 && c.now().Sub(e.insertedAt) >= c.ttl
}

// evictOldest removes the least recently used item.
// Must be called with mu held.
func (c *Cache[K, V]) evictOldest() {
	oldest := c.order.Back()
	if oldest == nil {
		return
	}

	key := oldest.Value.(K)
	delete(c.items, key)
	c.order.Remove(oldest)
	c.evicts.Add(1)
}

// remove deletes e. Must be called with mu held.
func (c *Cache[K, V]) remove(e *entry[K, V]) {
	delete(c.items, e.key)
	c.order.Remove(e.element)
}

// Delete removes an item from the cache.
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.items[key]; ok {
		c.remove(e)
	}
}

// Len returns the current number of items in the cache, expired entries
// that have not been touched yet included.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Clear removes all items from the cache.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[K]*entry[K, V], c.capacity)
	c.order.Init()
}

// Stats holds cache statistics.
type Stats struct {
	Size     int
	Capacity int
	TTL      time.Duration
	Hits     uint64
	Misses   uint64
	Evicts   uint64
	Expires  uint64
	Sets     uint64
	HitRate  float64
}

// Stats returns cache statistics.
func (c *Cache[K, V]) Stats() Stats {
	c.mu.Lock()
	size := len(c.items)
	c.mu.Unlock()

	hits := c.hits.Load()
	misses := c.misses.Load()
	total := hits + misses

	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	return Stats{
		Size:     size,
		Capacity: c.capacity,
		TTL:      c.ttl,
		Hits:     hits,
		Misses:   misses,
		Evicts:   c.evicts.Load(),
		Expires:  c.expires.Load(),
		Sets:     c.sets.Load(),
		HitRate:  hitRate,
	}
}

// Keys returns all live keys in the cache (in no particular order).
func (c *Cache[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]K, 0, len(c.items))
	for k, e := range c.items {
		if !c.expired(e) {
			keys = append(keys, k)
		}
	}
	return keys
}

// Range calls fn for each live item in the cache.
// If fn returns false, iteration stops. fn must not call back into c.
func (c *Cache[K, V]) Range(fn func(key K, value V) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, e := range c.items {
		if c.expired(e) {
			continue
		}
		if !fn(k, e.value) {
			break
		}
	}
}
