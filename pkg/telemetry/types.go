// Package telemetry defines the shared data model of the MicroRadar agent:
// container records, flow keys and statistics, the event union delivered to
// consumers, and the occurrence feed interface the correlation core implements.
package telemetry

// Capacity constants, shared with every bounded map in the core.
const (
	MaxContainers   = 1000
	MaxPIDEntries   = 10 * MaxContainers
	MaxNetworkFlows = 10240

	MaxCommLen        = 16
	MaxContainerIDLen = 64
)

// Transport protocols accepted by the packet key deriver.
const (
	ProtoTCP uint8 = 6
	ProtoUDP uint8 = 17
)

// ContainerStatus is the lifecycle state of a tracked container.
type ContainerStatus uint32

const (
	StatusUnknown ContainerStatus = iota
	StatusCreated
	StatusRunning
	StatusPaused
	StatusStopped
	StatusExited
)

// String returns the lowercase status name.
func (s ContainerStatus) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusRunning:
		return "running"
	case StatusPaused:
		return "paused"
	case StatusStopped:
		return "stopped"
	case StatusExited:
		return "exited"
	default:
		return "unknown"
	}
}

// IsContainerCgroup reports whether a cgroup id can belong to a tracked
// container. The root and init cgroups (ids 0 and 1) never do.
func IsContainerCgroup(id uint64) bool {
	return id > 1
}

// ContainerRecord is the state kept per tracked container, keyed by cgroup id.
// ContainerID and Comm are bounded strings (MaxContainerIDLen / MaxCommLen).
type ContainerRecord struct {
	CgroupID    uint64
	PID         uint32
	PPID        uint32
	ContainerID string
	Comm        string
	StartTime   uint64 // ns
	CPUUsage    uint32 // per-mille
	MemoryUsage uint64 // bytes
	Status      ContainerStatus
}

// FlowKey identifies one network flow: the 5-tuple plus the owning cgroup.
// Equality is exact field-wise match; it is used as a map key in the flow
// table and the latency correlator.
type FlowKey struct {
	SrcIP    uint32
	DstIP    uint32
	SrcPort  uint16
	DstPort  uint16
	Protocol uint8
	CgroupID uint64
}

// Reverse returns the key of the opposite direction of the same conversation.
func (k FlowKey) Reverse() FlowKey {
	return FlowKey{
		SrcIP:    k.DstIP,
		DstIP:    k.SrcIP,
		SrcPort:  k.DstPort,
		DstPort:  k.SrcPort,
		Protocol: k.Protocol,
		CgroupID: k.CgroupID,
	}
}

// FlowFlags accumulate per-flow observations. They are OR-only and are never
// cleared except by eviction.
type FlowFlags uint32

const (
	FlowInbound    FlowFlags = 0x01
	FlowOutbound   FlowFlags = 0x02
	FlowRetransmit FlowFlags = 0x04
)

// FlowStats is a point-in-time snapshot of one flow's aggregated counters.
// Snapshots are copied field by field from live entries and may be torn: the
// core never guarantees cross-field consistency.
type FlowStats struct {
	Packets        uint64
	Bytes          uint64
	LatencySum     uint64 // ns
	LatencyCount   uint32
	LastSeen       uint64 // ns
	TCPRetransmits uint32
	Flags          FlowFlags
}

// Direction tells which way a packet crossed the interface.
type Direction uint8

const (
	DirectionIngress Direction = iota
	DirectionEgress
)

// Flag returns the flow flag corresponding to the direction.
func (d Direction) Flag() FlowFlags {
	if d == DirectionEgress {
		return FlowOutbound
	}
	return FlowInbound
}

// EventType discriminates the event payload union.
type EventType uint32

const (
	EventContainerStart EventType = 1
	EventContainerStop  EventType = 2
	EventNetworkPacket  EventType = 3
	EventCPUSample      EventType = 4
	EventMemorySample   EventType = 5
)

// String returns the snake_case event type name.
func (t EventType) String() string {
	switch t {
	case EventContainerStart:
		return "container_start"
	case EventContainerStop:
		return "container_stop"
	case EventNetworkPacket:
		return "network_packet"
	case EventCPUSample:
		return "cpu_sample"
	case EventMemorySample:
		return "memory_sample"
	default:
		return "unknown"
	}
}

// Event is the unit delivered to the consumer. Exactly one payload field is
// set, selected by Type: Container for container start/stop, Flow for network
// packets, Value for CPU and memory samples. Events are immutable once
// constructed and consumed at most once.
type Event struct {
	Type      EventType
	Timestamp uint64 // ns
	CgroupID  uint64
	PID       uint32

	Container *ContainerRecord
	Flow      *FlowStats
	Value     uint64
}

// SocketTuple is the 4-tuple carried by socket-level occurrences
// (retransmissions and RTT samples).
type SocketTuple struct {
	SrcIP   uint32
	DstIP   uint32
	SrcPort uint16
	DstPort uint16
}

// FlowKey builds the TCP flow key owned by the given cgroup.
func (t SocketTuple) FlowKey(cgroupID uint64) FlowKey {
	return FlowKey{
		SrcIP:    t.SrcIP,
		DstIP:    t.DstIP,
		SrcPort:  t.SrcPort,
		DstPort:  t.DstPort,
		Protocol: ProtoTCP,
		CgroupID: cgroupID,
	}
}

// Sink is the occurrence feed: every hook collaborator delivers discrete
// occurrences into the core through it. Implementations must never block;
// each call completes in bounded time and is processed at most once.
type Sink interface {
	// HandleProcessCreated records a new process in a container cgroup.
	HandleProcessCreated(pid, ppid uint32, cgroupID uint64, comm string, now uint64)

	// HandleProcessExited records a process exit. Only the container's
	// primary process stops the container.
	HandleProcessExited(pid uint32, cgroupID uint64, now uint64)

	// HandleStateAttached records a task attaching to a container cgroup.
	HandleStateAttached(pid uint32, cgroupID uint64)

	// HandleProcessExec records an exec in a container cgroup.
	HandleProcessExec(pid uint32, cgroupID uint64, comm string)

	// HandlePacketSeen feeds one raw L2 frame observed on the wire.
	HandlePacketSeen(dir Direction, frame []byte, cgroupID uint64, now uint64)

	// HandleRetransmitObserved feeds one observed TCP retransmission.
	HandleRetransmitObserved(tuple SocketTuple, cgroupID uint64)

	// HandleRTTSample feeds one round-trip sample opportunity.
	HandleRTTSample(tuple SocketTuple, cgroupID uint64, now uint64)
}

// TruncateComm bounds a process name to MaxCommLen.
func TruncateComm(s string) string {
	if len(s) > MaxCommLen {
		return s[:MaxCommLen]
	}
	return s
}

// TruncateContainerID bounds a container identifier to MaxContainerIDLen.
func TruncateContainerID(s string) string {
	if len(s) > MaxContainerIDLen {
		return s[:MaxContainerIDLen]
	}
	return s
}
