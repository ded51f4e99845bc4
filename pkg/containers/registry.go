// Package containers tracks container identity and lifecycle state, keyed by
// cgroup id. The registry is a fixed-capacity concurrent map with silent LRU
// eviction; record fields are mutated through atomics, never through a
// per-record lock, so multi-field snapshots may be torn.
package containers

import (
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/kz521103/Microradar/pkg/events"
	"github.com/kz521103/Microradar/pkg/stats"
	"github.com/kz521103/Microradar/pkg/telemetry"
)

// record is the live form of a ContainerRecord. Identity fields are fixed at
// insert; the rest are atomic.
type record struct {
	cgroupID    uint64
	pid         uint32
	ppid        uint32
	containerID string
	startTime   uint64

	comm   atomic.Pointer[string]
	status atomic.Uint32
	cpu    atomic.Uint32
	mem    atomic.Uint64
}

func (r *record) snapshot() telemetry.ContainerRecord {
	comm := ""
	if p := r.comm.Load(); p != nil {
		comm = *p
	}
	return telemetry.ContainerRecord{
		CgroupID:    r.cgroupID,
		PID:         r.pid,
		PPID:        r.ppid,
		ContainerID: r.containerID,
		Comm:        comm,
		StartTime:   r.startTime,
		CPUUsage:    r.cpu.Load(),
		MemoryUsage: r.mem.Load(),
		Status:      telemetry.ContainerStatus(r.status.Load()),
	}
}

// IDResolver maps a pid to the runtime-assigned container id, or "" when
// none can be determined.
type IDResolver func(pid uint32) string

// Registry is the cgroup-keyed container map. Capacity is fixed; inserting
// at capacity silently evicts the least-recently-updated record without
// emitting an event.
type Registry struct {
	mu  sync.Mutex
	lru *simplelru.LRU[uint64, *record]

	counters  *stats.ContainerCounters
	emitter   *events.Emitter
	resolveID IDResolver
}

// NewRegistry creates a registry bounded to capacity records.
func NewRegistry(capacity int, counters *stats.ContainerCounters, emitter *events.Emitter) (*Registry, error) {
	lru, err := simplelru.NewLRU[uint64, *record](capacity, nil)
	if err != nil {
		return nil, err
	}
	return &Registry{lru: lru, counters: counters, emitter: emitter}, nil
}

// SetIDResolver installs the runtime container-id resolver. Without one, ids
// fall back to the hex-encoded cgroup id.
func (g *Registry) SetIDResolver(fn IDResolver) {
	g.resolveID = fn
}

// FallbackContainerID derives a container id from the cgroup id alone.
func FallbackContainerID(cgroupID uint64) string {
	return strconv.FormatUint(cgroupID, 16)
}

// Create inserts a new record in CREATED state and emits a CONTAINER_START
// event. A second create for the same cgroup id is a no-op: idempotent, one
// record, one event.
func (g *Registry) Create(cgroupID uint64, pid, ppid uint32, comm string, now uint64) bool {
	containerID := ""
	if g.resolveID != nil {
		containerID = g.resolveID(pid)
	}
	if containerID == "" {
		containerID = FallbackContainerID(cgroupID)
	}
	containerID = telemetry.TruncateContainerID(containerID)

	r := &record{
		cgroupID:    cgroupID,
		pid:         pid,
		ppid:        ppid,
		containerID: containerID,
		startTime:   now,
	}
	bounded := telemetry.TruncateComm(comm)
	r.comm.Store(&bounded)
	r.status.Store(uint32(telemetry.StatusCreated))

	g.mu.Lock()
	// Existence check must not refresh recency: a no-op create is not an
	// update.
	if _, ok := g.lru.Peek(cgroupID); ok {
		g.mu.Unlock()
		return false
	}
	g.lru.Add(cgroupID, r)
	g.mu.Unlock()

	g.counters.Add(stats.ContainersCreated, 1)
	g.emitter.Emit(telemetry.Event{
		Type:      telemetry.EventContainerStart,
		Timestamp: now,
		CgroupID:  cgroupID,
		PID:       pid,
		Container: ptr(r.snapshot()),
	})
	return true
}

// Attach transitions a CREATED record to RUNNING and emits a CONTAINER_START
// event, but only on the actual transition; repeated attaches are no-ops.
func (g *Registry) Attach(cgroupID uint64, pid uint32, now uint64) {
	g.mu.Lock()
	r, ok := g.lru.Get(cgroupID)
	g.mu.Unlock()
	if !ok {
		return
	}

	if !r.status.CompareAndSwap(uint32(telemetry.StatusCreated), uint32(telemetry.StatusRunning)) {
		return
	}
	g.emitter.Emit(telemetry.Event{
		Type:      telemetry.EventContainerStart,
		Timestamp: now,
		CgroupID:  cgroupID,
		PID:       pid,
		Container: ptr(r.snapshot()),
	})
}

// Exec overwrites the record's comm unconditionally and, when the record is
// still CREATED, transitions it to RUNNING. No event is emitted.
func (g *Registry) Exec(cgroupID uint64, comm string) {
	g.mu.Lock()
	r, ok := g.lru.Get(cgroupID)
	g.mu.Unlock()
	if !ok {
		return
	}

	bounded := telemetry.TruncateComm(comm)
	r.comm.Store(&bounded)
	r.status.CompareAndSwap(uint32(telemetry.StatusCreated), uint32(telemetry.StatusRunning))
}

// Stop terminates the container: only the primary process (the stored pid)
// may stop it. On success the final snapshot is emitted as CONTAINER_STOP
// and the record is removed. Returns whether the container was stopped.
func (g *Registry) Stop(cgroupID uint64, pid uint32, now uint64) bool {
	g.mu.Lock()
	r, ok := g.lru.Peek(cgroupID)
	if !ok || r.pid != pid {
		g.mu.Unlock()
		return false
	}
	g.lru.Remove(cgroupID)
	g.mu.Unlock()

	r.status.Store(uint32(telemetry.StatusStopped))
	g.counters.Add(stats.ContainersStopped, 1)
	g.emitter.Emit(telemetry.Event{
		Type:      telemetry.EventContainerStop,
		Timestamp: now,
		CgroupID:  cgroupID,
		PID:       pid,
		Container: ptr(r.snapshot()),
	})
	return true
}

// UpdateUsage refreshes the CPU (per-mille) and memory (bytes) usage fields.
// Returns whether the record exists.
func (g *Registry) UpdateUsage(cgroupID uint64, cpuPerMille uint32, memBytes uint64) bool {
	g.mu.Lock()
	r, ok := g.lru.Get(cgroupID)
	g.mu.Unlock()
	if !ok {
		return false
	}
	r.cpu.Store(cpuPerMille)
	r.mem.Store(memBytes)
	return true
}

// Get returns a snapshot of the record for cgroupID without refreshing its
// recency.
func (g *Registry) Get(cgroupID uint64) (telemetry.ContainerRecord, bool) {
	g.mu.Lock()
	r, ok := g.lru.Peek(cgroupID)
	g.mu.Unlock()
	if !ok {
		return telemetry.ContainerRecord{}, false
	}
	return r.snapshot(), true
}

// Len returns the number of live records.
func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lru.Len()
}

// Snapshot returns point-in-time copies of every live record, oldest first.
// Individual snapshots may be torn with respect to concurrent updates.
func (g *Registry) Snapshot() []telemetry.ContainerRecord {
	g.mu.Lock()
	vals := g.lru.Values()
	g.mu.Unlock()

	out := make([]telemetry.ContainerRecord, 0, len(vals))
	for _, r := range vals {
		out = append(out, r.snapshot())
	}
	return out
}

func ptr(r telemetry.ContainerRecord) *telemetry.ContainerRecord {
	return &r
}
