package jobs

import (
	"sync"
	"time"

	"github.com/kas-network/kas-pool/internal/pow"
	"github.com/kas-network/kas-pool/internal/rpc"
)

// Template pairs a candidate block with its PoW state
type Template struct {
	Block      *rpc.Block
	Pow        *pow.State
	ReceivedAt time.Time
}

// Cache holds recent templates keyed by pre-PoW hash, bounded by the DAA
// window. Eviction is FIFO and driven by the template service in lockstep
// with Registry expiry, preserving |registry| == |cache|.
type Cache struct {
	mu      sync.RWMutex
	order   []pow.Hash
	entries map[pow.Hash]*Template
}

// NewCache creates an empty template cache
func NewCache() *Cache {
	return &Cache{
		entries: make(map[pow.Hash]*Template),
	}
}

// Insert stores a template. Returns false if the hash is already cached.
func (c *Cache) Insert(hash pow.Hash, tpl *Template) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[hash]; ok {
		return false
	}
	c.entries[hash] = tpl
	c.order = append(c.order, hash)
	return true
}

// Contains reports whether the hash is cached
func (c *Cache) Contains(hash pow.Hash) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[hash]
	return ok
}

// Get returns the template for a pre-PoW hash
func (c *Cache) Get(hash pow.Hash) (*Template, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tpl, ok := c.entries[hash]
	return tpl, ok
}

// EvictOldest removes and returns the oldest entry's hash
func (c *Cache) EvictOldest() (pow.Hash, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.order) == 0 {
		return pow.Hash{}, false
	}
	oldest := c.order[0]
	c.order = c.order[1:]
	delete(c.entries, oldest)
	return oldest, true
}

// Len returns the number of cached templates
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.order)
}
