package flows

import (
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/kz521103/Microradar/pkg/telemetry"
)

// Correlator holds the pending egress timestamp per flow key, used to turn a
// later inbound sample into a round-trip time. Last write wins: a newer
// departure on the same key overwrites an unresolved older one, losing that
// sample. Capacity is fixed, eviction silent.
type Correlator struct {
	mu  sync.Mutex
	lru *simplelru.LRU[telemetry.FlowKey, uint64]
}

// NewCorrelator creates a correlator bounded to capacity pending entries.
func NewCorrelator(capacity int) (*Correlator, error) {
	lru, err := simplelru.NewLRU[telemetry.FlowKey, uint64](capacity, nil)
	if err != nil {
		return nil, err
	}
	return &Correlator{lru: lru}, nil
}

// RecordDeparture notes an outbound packet on key at now, unconditionally
// replacing any pending timestamp.
func (c *Correlator) RecordDeparture(key telemetry.FlowKey, now uint64) {
	c.mu.Lock()
	c.lru.Add(key, now)
	c.mu.Unlock()
}

// ResolveArrival consumes the pending departure for key, returning the
// elapsed round-trip time. An arrival with no pending departure resolves to
// nothing; a second arrival before a new departure does too.
func (c *Correlator) ResolveArrival(key telemetry.FlowKey, now uint64) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts, ok := c.lru.Peek(key)
	if !ok {
		return 0, false
	}
	c.lru.Remove(key)
	return now - ts, true
}

// Len returns the number of pending departures.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
