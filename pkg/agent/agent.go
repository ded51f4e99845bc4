// Package agent wires the correlation core together: container registry, pid
// resolver, flow table, latency correlator, the two event queues and both
// counter arrays. It implements the occurrence feed; every handler is
// non-blocking and processes its occurrence at most once. Misses and
// malformed input resolve as no-ops, never as errors.
package agent

import (
	"time"

	"github.com/kz521103/Microradar/pkg/containers"
	"github.com/kz521103/Microradar/pkg/events"
	"github.com/kz521103/Microradar/pkg/flows"
	"github.com/kz521103/Microradar/pkg/packet"
	"github.com/kz521103/Microradar/pkg/stats"
	"github.com/kz521103/Microradar/pkg/telemetry"
)

// Config sets the core's map and queue capacities. Zero fields take the
// defaults below.
type Config struct {
	MaxContainers       int
	MaxPIDEntries       int
	MaxNetworkFlows     int
	ContainerQueueBytes int
	NetworkQueueBytes   int
}

// DefaultConfig returns the standard capacities.
func DefaultConfig() Config {
	return Config{
		MaxContainers:       telemetry.MaxContainers,
		MaxPIDEntries:       telemetry.MaxPIDEntries,
		MaxNetworkFlows:     telemetry.MaxNetworkFlows,
		ContainerQueueBytes: 256 << 10,
		NetworkQueueBytes:   512 << 10,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.MaxContainers <= 0 {
		c.MaxContainers = d.MaxContainers
	}
	if c.MaxPIDEntries <= 0 {
		c.MaxPIDEntries = d.MaxPIDEntries
	}
	if c.MaxNetworkFlows <= 0 {
		c.MaxNetworkFlows = d.MaxNetworkFlows
	}
	if c.ContainerQueueBytes <= 0 {
		c.ContainerQueueBytes = d.ContainerQueueBytes
	}
	if c.NetworkQueueBytes <= 0 {
		c.NetworkQueueBytes = d.NetworkQueueBytes
	}
}

// Agent is the correlation core. It satisfies telemetry.Sink.
type Agent struct {
	registry   *containers.Registry
	pids       *containers.PIDResolver
	flows      *flows.Table
	correlator *flows.Correlator

	containerEvents *events.Emitter
	networkEvents   *events.Emitter

	containerStats *stats.ContainerCounters
	networkStats   *stats.NetworkCounters

	now func() uint64
}

// New builds the core with the given capacities.
func New(cfg Config) (*Agent, error) {
	cfg.applyDefaults()

	containerStats := stats.NewContainerCounters()
	networkStats := stats.NewNetworkCounters()

	// Both queues account sent/dropped in the container-domain counters;
	// that pair is the agent's only backpressure signal.
	containerEvents := events.NewEmitter(cfg.ContainerQueueBytes, containerStats)
	networkEvents := events.NewEmitter(cfg.NetworkQueueBytes, containerStats)

	registry, err := containers.NewRegistry(cfg.MaxContainers, containerStats, containerEvents)
	if err != nil {
		return nil, err
	}
	pids, err := containers.NewPIDResolver(cfg.MaxPIDEntries)
	if err != nil {
		return nil, err
	}
	table, err := flows.NewTable(cfg.MaxNetworkFlows)
	if err != nil {
		return nil, err
	}
	correlator, err := flows.NewCorrelator(cfg.MaxNetworkFlows)
	if err != nil {
		return nil, err
	}

	return &Agent{
		registry:        registry,
		pids:            pids,
		flows:           table,
		correlator:      correlator,
		containerEvents: containerEvents,
		networkEvents:   networkEvents,
		containerStats:  containerStats,
		networkStats:    networkStats,
		now:             func() uint64 { return uint64(time.Now().UnixNano()) },
	}, nil
}

// SetIDResolver installs the runtime container-id resolver on the registry.
func (a *Agent) SetIDResolver(fn containers.IDResolver) {
	a.registry.SetIDResolver(fn)
}

// SetClock overrides the internal clock. Test hook.
func (a *Agent) SetClock(fn func() uint64) {
	a.now = fn
}

// HandleProcessCreated records a forked process and, for a cgroup not yet
// tracked, creates the container record.
func (a *Agent) HandleProcessCreated(pid, ppid uint32, cgroupID uint64, comm string, now uint64) {
	if !telemetry.IsContainerCgroup(cgroupID) {
		return
	}
	a.pids.Upsert(pid, cgroupID)
	a.registry.Create(cgroupID, pid, ppid, comm, now)
}

// HandleProcessExited drops the pid cache entry and, when the exiting pid is
// the container's primary process, stops the container.
func (a *Agent) HandleProcessExited(pid uint32, cgroupID uint64, now uint64) {
	if !telemetry.IsContainerCgroup(cgroupID) {
		return
	}
	a.pids.Delete(pid)
	a.registry.Stop(cgroupID, pid, now)
}

// HandleStateAttached records a task joining a container cgroup.
func (a *Agent) HandleStateAttached(pid uint32, cgroupID uint64) {
	if !telemetry.IsContainerCgroup(cgroupID) {
		return
	}
	a.pids.Upsert(pid, cgroupID)
	a.registry.Attach(cgroupID, pid, a.now())
}

// HandleProcessExec refreshes the process name of a tracked container.
func (a *Agent) HandleProcessExec(pid uint32, cgroupID uint64, comm string) {
	if !telemetry.IsContainerCgroup(cgroupID) {
		return
	}
	a.pids.Upsert(pid, cgroupID)
	a.registry.Exec(cgroupID, comm)
}

// HandlePacketSeen parses one raw frame and folds it into the flow table and
// network counters. Rejected frames mutate nothing. Outbound TCP packets
// additionally arm the latency correlator.
func (a *Agent) HandlePacketSeen(dir telemetry.Direction, frame []byte, cgroupID uint64, now uint64) {
	if !telemetry.IsContainerCgroup(cgroupID) {
		return
	}
	info, err := packet.Parse(frame)
	if err != nil {
		return
	}
	key := info.Key
	key.CgroupID = cgroupID

	a.flows.Record(key, info.Size, dir, now)

	switch dir {
	case telemetry.DirectionEgress:
		a.networkStats.Add(stats.PacketsOut, 1)
		a.networkStats.Add(stats.BytesOut, uint64(info.Size))
		if info.Protocol == telemetry.ProtoTCP {
			a.correlator.RecordDeparture(key, now)
		}
	default:
		a.networkStats.Add(stats.PacketsIn, 1)
		a.networkStats.Add(stats.BytesIn, uint64(info.Size))
	}
	if info.Protocol == telemetry.ProtoUDP {
		a.networkStats.Add(stats.UDPPackets, 1)
	}
}

// HandleRetransmitObserved accounts a TCP retransmission on its flow and
// emits a NETWORK_PACKET event with the flow snapshot. Unknown flows are
// ignored.
func (a *Agent) HandleRetransmitObserved(tuple telemetry.SocketTuple, cgroupID uint64) {
	if !telemetry.IsContainerCgroup(cgroupID) {
		return
	}
	key := tuple.FlowKey(cgroupID)
	snap, ok := a.flows.RecordRetransmit(key)
	if !ok {
		return
	}
	a.networkStats.Add(stats.TCPRetransmits, 1)
	a.networkEvents.Emit(telemetry.Event{
		Type:      telemetry.EventNetworkPacket,
		Timestamp: a.now(),
		CgroupID:  cgroupID,
		Flow:      &snap,
	})
}

// HandleRTTSample resolves a pending departure into a round-trip sample.
// Orphan samples, and samples whose flow has been evicted, change nothing.
func (a *Agent) HandleRTTSample(tuple telemetry.SocketTuple, cgroupID uint64, now uint64) {
	if !telemetry.IsContainerCgroup(cgroupID) {
		return
	}
	key := tuple.FlowKey(cgroupID)
	rtt, ok := a.correlator.ResolveArrival(key, now)
	if !ok {
		return
	}
	if a.flows.AddLatencySample(key, rtt) {
		a.networkStats.Add(stats.LatencySamples, 1)
	}
}

// HandleUsageSample refreshes a container's CPU and memory usage and emits
// one CPU_SAMPLE and one MEMORY_SAMPLE event. Unknown cgroups are ignored.
func (a *Agent) HandleUsageSample(cgroupID uint64, cpuPerMille uint32, memBytes uint64, now uint64) {
	if !telemetry.IsContainerCgroup(cgroupID) {
		return
	}
	if !a.registry.UpdateUsage(cgroupID, cpuPerMille, memBytes) {
		return
	}
	a.containerEvents.Emit(telemetry.Event{
		Type:      telemetry.EventCPUSample,
		Timestamp: now,
		CgroupID:  cgroupID,
		Value:     uint64(cpuPerMille),
	})
	a.containerEvents.Emit(telemetry.Event{
		Type:      telemetry.EventMemorySample,
		Timestamp: now,
		CgroupID:  cgroupID,
		Value:     memBytes,
	})
}

// ResolvePID returns the cgroup owning pid, if cached.
func (a *Agent) ResolvePID(pid uint32) (uint64, bool) {
	return a.pids.Resolve(pid)
}

// Containers returns snapshots of all tracked containers.
func (a *Agent) Containers() []telemetry.ContainerRecord {
	return a.registry.Snapshot()
}

// Flows returns snapshots of all live flows.
func (a *Agent) Flows() []flows.Entry {
	return a.flows.Snapshot()
}

// ContainerEvents returns the container-domain event queue.
func (a *Agent) ContainerEvents() *events.Emitter {
	return a.containerEvents
}

// NetworkEvents returns the network-domain event queue.
func (a *Agent) NetworkEvents() *events.Emitter {
	return a.networkEvents
}

// ContainerStats returns the container-domain counter array.
func (a *Agent) ContainerStats() *stats.ContainerCounters {
	return a.containerStats
}

// NetworkStats returns the network-domain counter array.
func (a *Agent) NetworkStats() *stats.NetworkCounters {
	return a.networkStats
}
