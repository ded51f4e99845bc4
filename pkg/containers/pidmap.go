package containers

import (
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// PIDResolver caches pid to owning-cgroup lookups so packet and socket
// occurrences can be attributed without walking /proc. It is a plain LRU
// cache: reads refresh recency, capacity is fixed, eviction is silent.
type PIDResolver struct {
	mu  sync.Mutex
	lru *simplelru.LRU[uint32, uint64]
}

// NewPIDResolver creates a resolver bounded to capacity entries.
func NewPIDResolver(capacity int) (*PIDResolver, error) {
	lru, err := simplelru.NewLRU[uint32, uint64](capacity, nil)
	if err != nil {
		return nil, err
	}
	return &PIDResolver{lru: lru}, nil
}

// Upsert records or overwrites the cgroup owning pid.
func (p *PIDResolver) Upsert(pid uint32, cgroupID uint64) {
	p.mu.Lock()
	p.lru.Add(pid, cgroupID)
	p.mu.Unlock()
}

// Resolve returns the cgroup owning pid, if cached.
func (p *PIDResolver) Resolve(pid uint32) (uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lru.Get(pid)
}

// Delete removes the entry for pid, if present.
func (p *PIDResolver) Delete(pid uint32) {
	p.mu.Lock()
	p.lru.Remove(pid)
	p.mu.Unlock()
}

// Len returns the number of cached entries.
func (p *PIDResolver) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lru.Len()
}
