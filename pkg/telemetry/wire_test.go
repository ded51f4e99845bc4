package telemetry

import "testing"

func TestEventWireRoundTripContainer(t *testing.T) {
	ev := &Event{
		Type:      EventContainerStart,
		Timestamp: 12345,
		CgroupID:  42,
		PID:       100,
		Container: &ContainerRecord{
			CgroupID:    42,
			PID:         100,
			PPID:        1,
			ContainerID: "4f2a9c",
			Comm:        "web",
			StartTime:   12345,
			CPUUsage:    125,
			MemoryUsage: 64 << 20,
			Status:      StatusRunning,
		},
	}

	buf, err := ev.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if len(buf) != WireEventSize {
		t.Fatalf("frame size = %d, want %d", len(buf), WireEventSize)
	}

	var got Event
	if err := got.UnmarshalBinary(buf); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Type != EventContainerStart || got.CgroupID != 42 || got.PID != 100 {
		t.Errorf("header mismatch: %+v", got)
	}
	if got.Container == nil {
		t.Fatal("container payload missing")
	}
	if *got.Container != *ev.Container {
		t.Errorf("container payload = %+v, want %+v", *got.Container, *ev.Container)
	}
	if got.Flow != nil || got.Value != 0 {
		t.Error("other payload variants should be unset")
	}
}

func TestEventWireRoundTripFlow(t *testing.T) {
	ev := &Event{
		Type:      EventNetworkPacket,
		Timestamp: 999,
		CgroupID:  7,
		PID:       55,
		Flow: &FlowStats{
			Packets:        10,
			Bytes:          1500,
			LatencySum:     5000,
			LatencyCount:   2,
			LastSeen:       999,
			TCPRetransmits: 1,
			Flags:          FlowOutbound | FlowRetransmit,
		},
	}

	buf, err := ev.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Event
	if err := got.UnmarshalBinary(buf); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Flow == nil {
		t.Fatal("flow payload missing")
	}
	if *got.Flow != *ev.Flow {
		t.Errorf("flow payload = %+v, want %+v", *got.Flow, *ev.Flow)
	}
}

func TestEventWireRoundTripValue(t *testing.T) {
	ev := &Event{Type: EventMemorySample, Timestamp: 1, CgroupID: 3, PID: 9, Value: 1 << 30}
	buf, err := ev.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Event
	if err := got.UnmarshalBinary(buf); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Value != 1<<30 {
		t.Errorf("value = %d, want %d", got.Value, uint64(1<<30))
	}
}

func TestEventWireErrors(t *testing.T) {
	var ev Event
	if err := ev.UnmarshalBinary(make([]byte, WireEventSize-1)); err != ErrShortFrame {
		t.Errorf("short frame error = %v, want %v", err, ErrShortFrame)
	}

	bad := &Event{Type: EventType(99)}
	if _, err := bad.MarshalBinary(); err != ErrUnknownEventType {
		t.Errorf("unknown type error = %v, want %v", err, ErrUnknownEventType)
	}

	noPayload := &Event{Type: EventContainerStart}
	if _, err := noPayload.MarshalBinary(); err == nil {
		t.Error("container event without payload should fail")
	}
}

func TestBoundedStringTruncation(t *testing.T) {
	long := make([]byte, 2*MaxContainerIDLen)
	for i := range long {
		long[i] = 'a'
	}

	ev := &Event{
		Type:      EventContainerStop,
		Container: &ContainerRecord{ContainerID: string(long), Comm: "a-very-long-process-name"},
	}
	buf, err := ev.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Event
	if err := got.UnmarshalBinary(buf); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got.Container.ContainerID) != MaxContainerIDLen {
		t.Errorf("container id length = %d, want %d", len(got.Container.ContainerID), MaxContainerIDLen)
	}
	if len(got.Container.Comm) != MaxCommLen {
		t.Errorf("comm length = %d, want %d", len(got.Container.Comm), MaxCommLen)
	}
}
