package cache

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMinimalLru(t *testing.T) {
	lru := New[rune](1)
	assert.Equal(t, 0, lru.Len())

	lru.Insert(1, 'a')
	assert.Equal(t, 1, lru.Len())
	got, ok := lru.Get(1)
	assert.True(t, ok)
	assert.Equal(t, 'a', got)

	lru.Insert(2, 'b')
	assert.Equal(t, 1, lru.Len())
	_, ok = lru.Get(1)
	assert.False(t, ok)
	got, ok = lru.Get(2)
	assert.True(t, ok)
	assert.Equal(t, 'b', got)

	// Updating an existing key does not grow the cache.
	lru.Insert(2, 'c')
	assert.Equal(t, 1, lru.Len())
	got, _ = lru.Get(2)
	assert.Equal(t, 'c', got)

	lru.Remove(1)
	assert.Equal(t, 1, lru.Len())
	lru.Remove(2)
	assert.Equal(t, 0, lru.Len())
}

func TestLruDuplicate(t *testing.T) {
	lru := New[rune](8)
	for k, v := range map[Key]rune{1: 'a', 2: 'b', 3: 'c', 4: 'd'} {
		lru.Insert(k, v)
	}
	filtered := lru.Duplicate(func(k Key) bool { return k != 3 })
	assert.Equal(t, 3, filtered.Len())
	_, ok := filtered.Get(3)
	assert.False(t, ok)
	got, ok := filtered.Get(2)
	assert.True(t, ok)
	assert.Equal(t, 'b', got)
	// The original is untouched.
	_, ok = lru.Get(3)
	assert.True(t, ok)
}

func TestLruGetOrLoadDeduplicates(t *testing.T) {
	lru := New[int](16)
	var loads int
	var mu sync.Mutex
	load := func() (int, error) {
		mu.Lock()
		loads++
		mu.Unlock()
		return 42, nil
	}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := lru.GetOrLoad(7, load)
			assert.NoError(t, err)
			assert.Equal(t, 42, v)
		}()
	}
	wg.Wait()
	// At least one load happened, and the value is cached afterwards.
	mu.Lock()
	assert.GreaterOrEqual(t, loads, 1)
	mu.Unlock()
	v, ok := lru.Get(7)
	require.True(t, ok)
	assert.Equal(t, 42, v)
}

// Random interleavings of get/insert/remove must uphold the capacity bound
// and never panic.
func TestLruFuzzCapacityInvariant(t *testing.T) {
	const capacity = 32
	rng := rand.New(rand.NewSource(7))
	lru := New[int](capacity)
	for i := 0; i < 20000; i++ {
		key := Key(rng.Intn(128))
		switch rng.Intn(3) {
		case 0:
			lru.Get(key)
		case 1:
			lru.Insert(key, int(key))
		default:
			lru.Remove(key)
		}
		require.LessOrEqual(t, lru.Len(), capacity, "capacity exceeded at op %d", i)
	}
}

func TestLruConcurrentAccess(t *testing.T) {
	lru := New[rune](100)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lru.Insert(10, 'a')
			lru.Get(10)
			lru.Insert(20, 'b')
			lru.Remove(10)
		}()
	}
	wg.Wait()
	_, ok := lru.Get(10)
	assert.False(t, ok)
	_, ok = lru.Get(20)
	assert.True(t, ok)
}
