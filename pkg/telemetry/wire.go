package telemetry

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Wire format: a fixed little-endian frame per event. The payload area is
// sized to the largest union variant (a container record), so every frame is
// WireEventSize bytes regardless of type and the discriminant is always
// carried explicitly in the header.
//
//	offset  size  field
//	0       4     type
//	4       4     pid
//	8       8     timestamp (ns)
//	16      8     cgroup id
//	24      120   payload (container record | flow stats | value)
const (
	wireHeaderSize  = 24
	WirePayloadSize = 120
	WireEventSize   = wireHeaderSize + WirePayloadSize
)

var (
	// ErrShortFrame is returned when a frame is smaller than WireEventSize.
	ErrShortFrame = errors.New("telemetry: short event frame")

	// ErrUnknownEventType is returned for a discriminant outside the known set.
	ErrUnknownEventType = errors.New("telemetry: unknown event type")
)

// MarshalBinary encodes the event into a WireEventSize frame.
func (e *Event) MarshalBinary() ([]byte, error) {
	buf := make([]byte, WireEventSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(e.Type))
	binary.LittleEndian.PutUint32(buf[4:8], e.PID)
	binary.LittleEndian.PutUint64(buf[8:16], e.Timestamp)
	binary.LittleEndian.PutUint64(buf[16:24], e.CgroupID)

	payload := buf[wireHeaderSize:]
	switch e.Type {
	case EventContainerStart, EventContainerStop:
		if e.Container == nil {
			return nil, fmt.Errorf("telemetry: %s event without container payload", e.Type)
		}
		putContainerRecord(payload, e.Container)
	case EventNetworkPacket:
		if e.Flow == nil {
			return nil, fmt.Errorf("telemetry: %s event without flow payload", e.Type)
		}
		putFlowStats(payload, e.Flow)
	case EventCPUSample, EventMemorySample:
		binary.LittleEndian.PutUint64(payload[0:8], e.Value)
	default:
		return nil, ErrUnknownEventType
	}

	return buf, nil
}

// UnmarshalBinary decodes a WireEventSize frame produced by MarshalBinary.
func (e *Event) UnmarshalBinary(buf []byte) error {
	if len(buf) < WireEventSize {
		return ErrShortFrame
	}

	e.Type = EventType(binary.LittleEndian.Uint32(buf[0:4]))
	e.PID = binary.LittleEndian.Uint32(buf[4:8])
	e.Timestamp = binary.LittleEndian.Uint64(buf[8:16])
	e.CgroupID = binary.LittleEndian.Uint64(buf[16:24])
	e.Container = nil
	e.Flow = nil
	e.Value = 0

	payload := buf[wireHeaderSize:WireEventSize]
	switch e.Type {
	case EventContainerStart, EventContainerStop:
		e.Container = getContainerRecord(payload)
	case EventNetworkPacket:
		e.Flow = getFlowStats(payload)
	case EventCPUSample, EventMemorySample:
		e.Value = binary.LittleEndian.Uint64(payload[0:8])
	default:
		return ErrUnknownEventType
	}

	return nil
}

// Container record payload, 120 bytes packed:
// cgroup u64, pid u32, ppid u32, container id [64], comm [16],
// start u64, cpu u32, memory u64, status u32.
func putContainerRecord(buf []byte, r *ContainerRecord) {
	binary.LittleEndian.PutUint64(buf[0:8], r.CgroupID)
	binary.LittleEndian.PutUint32(buf[8:12], r.PID)
	binary.LittleEndian.PutUint32(buf[12:16], r.PPID)
	putBoundedString(buf[16:80], r.ContainerID)
	putBoundedString(buf[80:96], r.Comm)
	binary.LittleEndian.PutUint64(buf[96:104], r.StartTime)
	binary.LittleEndian.PutUint32(buf[104:108], r.CPUUsage)
	binary.LittleEndian.PutUint64(buf[108:116], r.MemoryUsage)
	binary.LittleEndian.PutUint32(buf[116:120], uint32(r.Status))
}

func getContainerRecord(buf []byte) *ContainerRecord {
	return &ContainerRecord{
		CgroupID:    binary.LittleEndian.Uint64(buf[0:8]),
		PID:         binary.LittleEndian.Uint32(buf[8:12]),
		PPID:        binary.LittleEndian.Uint32(buf[12:16]),
		ContainerID: getBoundedString(buf[16:80]),
		Comm:        getBoundedString(buf[80:96]),
		StartTime:   binary.LittleEndian.Uint64(buf[96:104]),
		CPUUsage:    binary.LittleEndian.Uint32(buf[104:108]),
		MemoryUsage: binary.LittleEndian.Uint64(buf[108:116]),
		Status:      ContainerStatus(binary.LittleEndian.Uint32(buf[116:120])),
	}
}

// Flow stats payload, 44 bytes packed, remainder of the payload area zero:
// packets u64, bytes u64, latency sum u64, latency count u32, last seen u64,
// retransmits u32, flags u32.
func putFlowStats(buf []byte, s *FlowStats) {
	binary.LittleEndian.PutUint64(buf[0:8], s.Packets)
	binary.LittleEndian.PutUint64(buf[8:16], s.Bytes)
	binary.LittleEndian.PutUint64(buf[16:24], s.LatencySum)
	binary.LittleEndian.PutUint32(buf[24:28], s.LatencyCount)
	binary.LittleEndian.PutUint64(buf[28:36], s.LastSeen)
	binary.LittleEndian.PutUint32(buf[36:40], s.TCPRetransmits)
	binary.LittleEndian.PutUint32(buf[40:44], uint32(s.Flags))
}

func getFlowStats(buf []byte) *FlowStats {
	return &FlowStats{
		Packets:        binary.LittleEndian.Uint64(buf[0:8]),
		Bytes:          binary.LittleEndian.Uint64(buf[8:16]),
		LatencySum:     binary.LittleEndian.Uint64(buf[16:24]),
		LatencyCount:   binary.LittleEndian.Uint32(buf[24:28]),
		LastSeen:       binary.LittleEndian.Uint64(buf[28:36]),
		TCPRetransmits: binary.LittleEndian.Uint32(buf[36:40]),
		Flags:          FlowFlags(binary.LittleEndian.Uint32(buf[40:44])),
	}
}

func putBoundedString(buf []byte, s string) {
	n := copy(buf, s)
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
}

func getBoundedString(buf []byte) string {
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	return string(buf)
}
