// Package cache implements the sharded concurrent LRU backing index
// tree-node reads. Promotion is deliberately cheap: a hit swaps the entry
// with its predecessor rather than moving it to the front, so hot entries
// migrate forward one slot per hit.
package cache

import (
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// Key identifies one cached tree node.
type Key = uint64

// ConcurrentLru is a fixed-capacity cache split across shards, each behind
// its own mutex. Guards are held briefly and never across loads; misses
// that load through GetOrLoad are deduplicated with singleflight.
type ConcurrentLru[V any] struct {
	shards   []lruShard[V]
	lengths  []atomic.Int64
	full     atomic.Bool
	capacity int
	group    singleflight.Group
}

// New creates a cache with the given total capacity. The shard count is
// two-thirds of the CPU count, bounded by the capacity.
func New[V any](capacity int) *ConcurrentLru[V] {
	shards := runtime.NumCPU() * 2 / 3
	if shards > capacity {
		shards = capacity
	}
	if shards < 1 {
		shards = 1
	}
	c := &ConcurrentLru[V]{
		shards:   make([]lruShard[V], shards),
		lengths:  make([]atomic.Int64, shards),
		capacity: capacity,
	}
	for i := range c.shards {
		c.shards[i].init()
	}
	return c
}

func (c *ConcurrentLru[V]) shardFor(key Key) int {
	return int(key % uint64(len(c.shards)))
}

// Get returns the cached value, promoting it on hit.
func (c *ConcurrentLru[V]) Get(key Key) (V, bool) {
	n := c.shardFor(key)
	s := &c.shards[n]
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getAndPromote(key)
}

// Insert stores a value, evicting from the tail of the owning shard when
// the cache is at capacity. The total never exceeds the capacity: when the
// insert grew an already-full cache, the owning shard sheds its coldest
// entry immediately.
func (c *ConcurrentLru[V]) Insert(key Key, value V) {
	n := c.shardFor(key)
	s := &c.shards[n]
	s.mu.Lock()
	newLength := s.insert(key, value, c.full.Load())
	s.mu.Unlock()
	c.checkLength(newLength, n)
	if c.Len() > c.capacity {
		s.mu.Lock()
		newLength = s.evictTail()
		s.mu.Unlock()
		c.checkLength(newLength, n)
	}
}

// Remove drops a key.
func (c *ConcurrentLru[V]) Remove(key Key) {
	n := c.shardFor(key)
	s := &c.shards[n]
	s.mu.Lock()
	newLength := s.remove(key)
	s.mu.Unlock()
	c.checkLength(newLength, n)
}

// GetOrLoad returns the cached value or loads it, deduplicating concurrent
// loads of the same key across goroutines.
func (c *ConcurrentLru[V]) GetOrLoad(key Key, load func() (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err, _ := c.group.Do(flightKey(key), func() (any, error) {
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		loaded, err := load()
		if err != nil {
			return nil, err
		}
		c.Insert(key, loaded)
		return loaded, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return v.(V), nil
}

func flightKey(key Key) string {
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(key >> (8 * i))
	}
	return string(buf[:])
}

// Len returns the total number of cached entries.
func (c *ConcurrentLru[V]) Len() int {
	var total int64
	for i := range c.lengths {
		total += c.lengths[i].Load()
	}
	return int(total)
}

// Duplicate produces a new cache holding only the entries matching filter,
// preserving per-shard order. Used when an index is partially invalidated.
func (c *ConcurrentLru[V]) Duplicate(filter func(Key) bool) *ConcurrentLru[V] {
	out := &ConcurrentLru[V]{
		shards:   make([]lruShard[V], len(c.shards)),
		lengths:  make([]atomic.Int64, len(c.shards)),
		capacity: c.capacity,
	}
	var total int64
	for i := range c.shards {
		c.shards[i].mu.Lock()
		out.shards[i] = *c.shards[i].duplicate(filter)
		c.shards[i].mu.Unlock()
		length := int64(len(out.shards[i].index))
		out.lengths[i].Store(length)
		total += length
	}
	out.full.Store(total >= int64(c.capacity))
	return out
}

func (c *ConcurrentLru[V]) checkLength(newLength, shard int) {
	c.lengths[shard].Store(int64(newLength))
	var total int64
	for i := range c.lengths {
		total += c.lengths[i].Load()
	}
	c.full.Store(total >= int64(c.capacity))
}

// lruShard is one shard: a position index plus a slot vector with
// tombstones. Position 0 is the hottest slot; eviction pops from the tail.
type lruShard[V any] struct {
	mu    sync.Mutex
	index map[Key]int
	slots []*slot[V]
}

type slot[V any] struct {
	key   Key
	value V
}

func (s *lruShard[V]) init() {
	s.index = map[Key]int{}
}

func (s *lruShard[V]) getAndPromote(key Key) (V, bool) {
	pos, ok := s.index[key]
	if !ok {
		var zero V
		return zero, false
	}
	value := s.slots[pos].value
	if pos > 0 {
		s.promote(key, pos)
	}
	return value, true
}

// promote swaps the entry with its predecessor. When the predecessor slot
// is a tombstone the entry simply moves into it.
func (s *lruShard[V]) promote(key Key, pos int) {
	newPos := pos - 1
	prev := s.slots[newPos]
	s.slots[pos], s.slots[newPos] = s.slots[newPos], s.slots[pos]
	s.index[key] = newPos
	if prev != nil {
		s.index[prev.key] = pos
	} else if pos == len(s.slots)-1 {
		s.slots = s.slots[:pos]
	}
}

func (s *lruShard[V]) insert(key Key, value V, evict bool) int {
	if pos, ok := s.index[key]; ok {
		s.slots[pos] = &slot[V]{key: key, value: value}
		return len(s.index)
	}
	if evict {
		s.evictTail()
	}
	pos := len(s.slots)
	s.slots = append(s.slots, &slot[V]{key: key, value: value})
	if pos == 0 {
		s.index[key] = 0
	} else {
		s.index[key] = pos
		s.promote(key, pos)
	}
	return len(s.index)
}

// evictTail pops tombstones and one live entry from the tail.
func (s *lruShard[V]) evictTail() int {
	for len(s.slots) > 0 {
		last := s.slots[len(s.slots)-1]
		s.slots = s.slots[:len(s.slots)-1]
		if last != nil {
			delete(s.index, last.key)
			break
		}
	}
	return len(s.index)
}

func (s *lruShard[V]) remove(key Key) int {
	if pos, ok := s.index[key]; ok {
		delete(s.index, key)
		if pos == len(s.slots)-1 {
			s.slots = s.slots[:pos]
		} else {
			s.slots[pos] = nil // tombstone
		}
	}
	return len(s.index)
}

func (s *lruShard[V]) duplicate(filter func(Key) bool) *lruShard[V] {
	out := &lruShard[V]{index: make(map[Key]int, len(s.index))}
	for _, sl := range s.slots {
		if sl == nil || !filter(sl.key) {
			continue
		}
		out.index[sl.key] = len(out.slots)
		out.slots = append(out.slots, &slot[V]{key: sl.key, value: sl.value})
	}
	return out
}
