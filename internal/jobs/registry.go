// Package jobs owns the template/job lifecycle: fetching candidate blocks
// from the node, binding them to short job IDs, and resubmitting solved
// blocks.
package jobs

import (
	"sync"

	"github.com/kas-network/kas-pool/internal/pow"
)

// jobIDBytes is how many leading pre-PoW hash bytes form a job ID
// (8 hex chars on the wire)
const jobIDBytes = 4

// JobID derives the wire job ID for a pre-PoW hash. Deterministic, so
// minting the same hash twice yields the same ID.
func JobID(hash pow.Hash) string {
	return hash.String()[:jobIDBytes*2]
}

// Registry maps short job IDs to pre-PoW hashes in insertion order.
// The template service is the only writer; sessions resolve under a
// read lock.
type Registry struct {
	mu    sync.RWMutex
	order []string
	byID  map[string]pow.Hash
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		byID: make(map[string]pow.Hash),
	}
}

// Mint binds a job ID to the hash and returns it. Re-minting a hash that
// is still registered returns the existing ID without reordering.
func (r *Registry) Mint(hash pow.Hash) string {
	id := JobID(hash)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[id]; !ok {
		r.byID[id] = hash
		r.order = append(r.order, id)
	}
	return id
}

// Lookup resolves a job ID to its pre-PoW hash
func (r *Registry) Lookup(id string) (pow.Hash, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hash, ok := r.byID[id]
	return hash, ok
}

// ExpireOldest removes the oldest job ID
func (r *Registry) ExpireOldest() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.order) == 0 {
		return
	}
	oldest := r.order[0]
	r.order = r.order[1:]
	delete(r.byID, oldest)
}

// Len returns the number of live job IDs
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
