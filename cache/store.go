package cache

import (
	"hash/fnv"
	"sync"
)

// DefaultShardCount is the default number of store shards.
// Use a power of 2 for efficient modulo operation.
const DefaultShardCount = 16

// Store is a sharded, non-expiring, unbounded map safe for concurrent use.
// It keeps the last known value for a key until Clear is called.
type Store[V any] struct {
	shards    []*storeShard[V]
	shardMask uint32
}

type storeShard[V any] struct {
	mu    sync.RWMutex
	items map[string]V
}

// NewStore creates a store with the given number of shards, rounded up to a
// power of 2.
func NewStore[V any](shardCount int) *Store[V] {
	if shardCount <= 0 {
		shardCount = DefaultShardCount
	}
	shardCount = nextPowerOf2(shardCount)

	shards := make([]*storeShard[V], shardCount)
	for i := range shards {
		shards[i] = &storeShard[V]{items: make(map[string]V)}
	}
	return &Store[V]{
		shards:    shards,
		shardMask: uint32(shardCount - 1),
	}
}

func (s *Store[V]) shard(key string) *storeShard[V] {
	h := fnv.New32a()
	h.Write([]byte(key))
	return s.shards[h.Sum32()&s.shardMask]
}

// Get returns the value for key and whether it was present.
func (s *Store[V]) Get(key string) (V, bool) {
	sh := s.shard(key)
	sh.mu.RLock()
	v, ok := sh.items[key]
	sh.mu.RUnlock()
	return v, ok
}

// Set stores value under key.
func (s *Store[V]) Set(key string, value V) {
	sh := s.shard(key)
	sh.mu.Lock()
	sh.items[key] = value
	sh.mu.Unlock()
}

// Clear removes every entry.
func (s *Store[V]) Clear() {
	for _, sh := range s.shards {
		sh.mu.Lock()
		sh.items = make(map[string]V)
		sh.mu.Unlock()
	}
}

// Len returns the number of entries.
func (s *Store[V]) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.items)
		sh.mu.RUnlock()
	}
	return n
}

// nextPowerOf2 returns the smallest power of 2 >= n.
func nextPowerOf2(n int) int {
	if n <= 1 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n++
	return n
}
