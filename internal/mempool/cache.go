package mempool

import (
	"sync"

	"github.com/vantor-labs/konsensus/internal/types"
)

// EvictionCache remembers recently evicted and finalized transaction
// hashes so they are not re-admitted, bounded by a fixed-size ring the
// same way the tree's dead-block cache is.
type EvictionCache struct {
	mu       sync.RWMutex
	hashes   map[types.Hash]struct{}
	ring     []types.Hash
	pos      int
	capacity int
}

// NewEvictionCache creates a cache with the given capacity.
func NewEvictionCache(capacity int) *EvictionCache {
	if capacity <= 0 {
		capacity = 10000
	}
	return &EvictionCache{
		hashes:   make(map[types.Hash]struct{}, capacity),
		ring:     make([]types.Hash, capacity),
		capacity: capacity,
	}
}

// Add records a hash, displacing the oldest entry once full.
func (c *EvictionCache) Add(hash types.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.hashes[hash]; ok {
		return
	}

	if old := c.ring[c.pos]; old != types.ZeroHash {
		delete(c.hashes, old)
	}
	c.ring[c.pos] = hash
	c.hashes[hash] = struct{}{}
	c.pos = (c.pos + 1) % c.capacity
}

// Remove forgets a hash, making it admissible again. Used when a dead
// block's transactions are reinstated.
func (c *EvictionCache) Remove(hash types.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.hashes, hash)
}

// Contains reports whether a hash was recently seen.
func (c *EvictionCache) Contains(hash types.Hash) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.hashes[hash]
	return ok
}

// Size returns the number of remembered hashes.
func (c *EvictionCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.hashes)
}
