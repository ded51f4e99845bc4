// Package flows aggregates per-flow network statistics and correlates
// egress/ingress timestamps into round-trip samples. Both maps are fixed
// capacity with silent LRU eviction; entry fields are atomic, so snapshots
// may be torn across fields.
package flows

import (
	"sync"
	"sync/atomic"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/kz521103/Microradar/pkg/telemetry"
)

// flowEntry is the live, atomically-mutated form of a FlowStats.
type flowEntry struct {
	packets      atomic.Uint64
	bytes        atomic.Uint64
	latencySum   atomic.Uint64
	latencyCount atomic.Uint32
	lastSeen     atomic.Uint64
	retransmits  atomic.Uint32
	flags        atomic.Uint32
}

// orFlags sets bits without clearing concurrent ones. Flags are OR-only.
func (e *flowEntry) orFlags(f telemetry.FlowFlags) {
	for {
		old := e.flags.Load()
		if old&uint32(f) == uint32(f) {
			return
		}
		if e.flags.CompareAndSwap(old, old|uint32(f)) {
			return
		}
	}
}

func (e *flowEntry) snapshot() telemetry.FlowStats {
	return telemetry.FlowStats{
		Packets:        e.packets.Load(),
		Bytes:          e.bytes.Load(),
		LatencySum:     e.latencySum.Load(),
		LatencyCount:   e.latencyCount.Load(),
		LastSeen:       e.lastSeen.Load(),
		TCPRetransmits: e.retransmits.Load(),
		Flags:          telemetry.FlowFlags(e.flags.Load()),
	}
}

// Entry pairs a flow key with a snapshot of its statistics.
type Entry struct {
	Key   telemetry.FlowKey
	Stats telemetry.FlowStats
}

// Table is the flow-key-keyed statistics map. Updates refresh LRU recency,
// so eviction tracks last_seen; capacity overflow evicts silently.
type Table struct {
	mu  sync.Mutex
	lru *simplelru.LRU[telemetry.FlowKey, *flowEntry]
}

// NewTable creates a flow table bounded to capacity entries.
func NewTable(capacity int) (*Table, error) {
	lru, err := simplelru.NewLRU[telemetry.FlowKey, *flowEntry](capacity, nil)
	if err != nil {
		return nil, err
	}
	return &Table{lru: lru}, nil
}

// lookup returns the live entry, refreshing recency; when insert is set a
// missing key is created zeroed.
func (t *Table) lookup(key telemetry.FlowKey, insert bool) (*flowEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.lru.Get(key); ok {
		return e, true
	}
	if !insert {
		return nil, false
	}
	e := &flowEntry{}
	t.lru.Add(key, e)
	return e, true
}

// Record accounts one packet of the given size and direction on key,
// inserting the flow on first sight.
func (t *Table) Record(key telemetry.FlowKey, size uint32, dir telemetry.Direction, now uint64) {
	e, _ := t.lookup(key, true)
	e.packets.Add(1)
	e.bytes.Add(uint64(size))
	e.lastSeen.Store(now)
	e.orFlags(dir.Flag())
}

// RecordRetransmit accounts one TCP retransmission on key and returns a
// snapshot for event emission. Unknown keys are a no-op with no snapshot.
func (t *Table) RecordRetransmit(key telemetry.FlowKey) (telemetry.FlowStats, bool) {
	e, ok := t.lookup(key, false)
	if !ok {
		return telemetry.FlowStats{}, false
	}
	e.retransmits.Add(1)
	e.orFlags(telemetry.FlowRetransmit)
	return e.snapshot(), true
}

// AddLatencySample folds one round-trip sample into key's aggregates.
// Returns whether the flow exists.
func (t *Table) AddLatencySample(key telemetry.FlowKey, rttNS uint64) bool {
	e, ok := t.lookup(key, false)
	if !ok {
		return false
	}
	e.latencySum.Add(rttNS)
	e.latencyCount.Add(1)
	return true
}

// Get returns a snapshot for key without refreshing its recency.
func (t *Table) Get(key telemetry.FlowKey) (telemetry.FlowStats, bool) {
	t.mu.Lock()
	e, ok := t.lru.Peek(key)
	t.mu.Unlock()
	if !ok {
		return telemetry.FlowStats{}, false
	}
	return e.snapshot(), true
}

// Len returns the number of live flows.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lru.Len()
}

// Snapshot returns point-in-time copies of every live flow, oldest first.
func (t *Table) Snapshot() []Entry {
	t.mu.Lock()
	keys := t.lru.Keys()
	entries := make([]*flowEntry, 0, len(keys))
	for _, k := range keys {
		if e, ok := t.lru.Peek(k); ok {
			entries = append(entries, e)
		}
	}
	t.mu.Unlock()

	out := make([]Entry, 0, len(keys))
	for i, k := range keys {
		out = append(out, Entry{Key: k, Stats: entries[i].snapshot()})
	}
	return out
}
