package agent

import (
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/kz521103/Microradar/pkg/stats"
	"github.com/kz521103/Microradar/pkg/telemetry"
)

var _ telemetry.Sink = (*Agent)(nil)

func newTestAgent(t *testing.T) *Agent {
	t.Helper()
	a, err := New(Config{
		MaxContainers:       32,
		MaxPIDEntries:       64,
		MaxNetworkFlows:     32,
		ContainerQueueBytes: 64 * telemetry.WireEventSize,
		NetworkQueueBytes:   64 * telemetry.WireEventSize,
	})
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	a.SetClock(func() uint64 { return 1000 })
	return a
}

func tcpFrame(t *testing.T, payloadLen int) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IP{10, 0, 0, 1},
		DstIP:    net.IP{10, 0, 0, 2},
	}
	tcp := &layers.TCP{SrcPort: 51000, DstPort: 443}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatalf("checksum: %v", err)
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, tcp, gopacket.Payload(make([]byte, payloadLen))); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	return buf.Bytes()
}

// The egress-oriented key of the frame built by tcpFrame.
func egressTuple() telemetry.SocketTuple {
	return telemetry.SocketTuple{
		SrcIP:   0x0a000001,
		DstIP:   0x0a000002,
		SrcPort: 51000,
		DstPort: 443,
	}
}

func drainEvents(ch <-chan telemetry.Event) []telemetry.Event {
	var out []telemetry.Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestProcessLifecycleRouting(t *testing.T) {
	a := newTestAgent(t)

	a.HandleProcessCreated(100, 1, 5, "web", 0)
	if cg, ok := a.ResolvePID(100); !ok || cg != 5 {
		t.Errorf("pid 100 resolves to %d/%v, want 5/true", cg, ok)
	}
	if len(a.Containers()) != 1 {
		t.Fatalf("containers = %d, want 1", len(a.Containers()))
	}

	// Child exit: container survives, child pid entry dropped.
	a.HandleProcessCreated(101, 100, 5, "worker", 1)
	a.HandleProcessExited(101, 5, 2)
	if len(a.Containers()) != 1 {
		t.Error("child exit must not stop the container")
	}
	if _, ok := a.ResolvePID(101); ok {
		t.Error("exited pid should leave the cache")
	}

	// Primary exit stops and cleans up.
	a.HandleProcessExited(100, 5, 10)
	if len(a.Containers()) != 0 {
		t.Error("primary exit should stop the container")
	}
	if _, ok := a.ResolvePID(100); ok {
		t.Error("primary pid should leave the cache")
	}

	evs := drainEvents(a.ContainerEvents().Events())
	if len(evs) != 2 {
		t.Fatalf("events = %d, want start+stop", len(evs))
	}
	if evs[0].Type != telemetry.EventContainerStart || evs[1].Type != telemetry.EventContainerStop {
		t.Errorf("event types = %v, %v", evs[0].Type, evs[1].Type)
	}
}

func TestRootCgroupsNeverTracked(t *testing.T) {
	a := newTestAgent(t)

	for _, cg := range []uint64{0, 1} {
		a.HandleProcessCreated(100, 1, cg, "init", 0)
		a.HandleStateAttached(100, cg)
		a.HandlePacketSeen(telemetry.DirectionEgress, tcpFrame(t, 0), cg, 10)
		a.HandleUsageSample(cg, 100, 200, 10)
	}

	if len(a.Containers()) != 0 || len(a.Flows()) != 0 {
		t.Error("cgroups 0 and 1 must never be tracked")
	}
	if _, ok := a.ResolvePID(100); ok {
		t.Error("pid cache must not learn root-cgroup pids")
	}
	if len(drainEvents(a.ContainerEvents().Events())) != 0 {
		t.Error("no events for untracked cgroups")
	}
}

func TestPacketAccountingAndLatency(t *testing.T) {
	a := newTestAgent(t)
	frame := tcpFrame(t, 10)

	a.HandlePacketSeen(telemetry.DirectionEgress, frame, 5, 100)

	ns := a.NetworkStats()
	if ns.Get(stats.PacketsOut) != 1 || ns.Get(stats.PacketsIn) != 0 {
		t.Error("egress packet should count as out only")
	}
	// 20 IP + 20 TCP + 10 payload
	if ns.Get(stats.BytesOut) != 50 {
		t.Errorf("bytes_out = %d, want 50", ns.Get(stats.BytesOut))
	}

	// The inbound response resolves the armed departure into a sample.
	a.HandleRTTSample(egressTuple(), 5, 150)
	if ns.Get(stats.LatencySamples) != 1 {
		t.Errorf("latency_samples = %d, want 1", ns.Get(stats.LatencySamples))
	}

	fl := a.Flows()
	if len(fl) != 1 {
		t.Fatalf("flows = %d, want 1", len(fl))
	}
	st := fl[0].Stats
	if st.LatencySum != 50 || st.LatencyCount != 1 {
		t.Errorf("latency = %d/%d, want 50/1", st.LatencySum, st.LatencyCount)
	}
	if st.Flags != telemetry.FlowOutbound {
		t.Errorf("flags = %x, want OUTBOUND", st.Flags)
	}

	// Second sample without a new departure: nothing moves.
	a.HandleRTTSample(egressTuple(), 5, 200)
	if ns.Get(stats.LatencySamples) != 1 {
		t.Error("orphan sample must not count")
	}
}

func TestIngressAccounting(t *testing.T) {
	a := newTestAgent(t)

	a.HandlePacketSeen(telemetry.DirectionIngress, tcpFrame(t, 0), 5, 100)

	ns := a.NetworkStats()
	if ns.Get(stats.PacketsIn) != 1 || ns.Get(stats.BytesIn) != 40 {
		t.Errorf("in = %d pkts / %d bytes, want 1/40", ns.Get(stats.PacketsIn), ns.Get(stats.BytesIn))
	}
	// Ingress must not arm the correlator.
	a.HandleRTTSample(egressTuple(), 5, 150)
	if ns.Get(stats.LatencySamples) != 0 {
		t.Error("ingress packet must not produce a departure")
	}
}

func TestUDPCounter(t *testing.T) {
	a := newTestAgent(t)

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version: 4, IHL: 5, TTL: 64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IP{10, 0, 0, 1},
		DstIP:    net.IP{10, 0, 0, 9},
	}
	udp := &layers.UDP{SrcPort: 40000, DstPort: 53}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatalf("checksum: %v", err)
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload([]byte("q"))); err != nil {
		t.Fatalf("serialize: %v", err)
	}

	a.HandlePacketSeen(telemetry.DirectionEgress, buf.Bytes(), 5, 100)
	if got := a.NetworkStats().Get(stats.UDPPackets); got != 1 {
		t.Errorf("udp_packets = %d, want 1", got)
	}
}

func TestMalformedFrameIgnored(t *testing.T) {
	a := newTestAgent(t)

	a.HandlePacketSeen(telemetry.DirectionEgress, []byte{0x02, 0x00}, 5, 100)
	if len(a.Flows()) != 0 {
		t.Error("truncated frame must not insert a flow")
	}
	if a.NetworkStats().Get(stats.PacketsOut) != 0 {
		t.Error("truncated frame must not count")
	}
}

func TestRetransmitEmitsSnapshot(t *testing.T) {
	a := newTestAgent(t)

	// Unknown flow: silent no-op.
	a.HandleRetransmitObserved(egressTuple(), 5)
	if a.NetworkStats().Get(stats.TCPRetransmits) != 0 {
		t.Error("retransmit on unknown flow must not count")
	}

	a.HandlePacketSeen(telemetry.DirectionEgress, tcpFrame(t, 0), 5, 100)
	a.HandleRetransmitObserved(egressTuple(), 5)

	if a.NetworkStats().Get(stats.TCPRetransmits) != 1 {
		t.Error("tcp_retransmits should be 1")
	}
	evs := drainEvents(a.NetworkEvents().Events())
	if len(evs) != 1 {
		t.Fatalf("network events = %d, want 1", len(evs))
	}
	ev := evs[0]
	if ev.Type != telemetry.EventNetworkPacket || ev.Flow == nil {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.Flow.TCPRetransmits != 1 || ev.Flow.Flags&telemetry.FlowRetransmit == 0 {
		t.Errorf("snapshot = %+v, want retransmit recorded", ev.Flow)
	}
}

func TestUsageSampleEmitsPair(t *testing.T) {
	a := newTestAgent(t)

	a.HandleUsageSample(5, 250, 64<<20, 100)
	if len(drainEvents(a.ContainerEvents().Events())) != 0 {
		t.Error("usage for unknown cgroup must not emit")
	}

	a.HandleProcessCreated(100, 1, 5, "web", 0)
	drainEvents(a.ContainerEvents().Events())

	a.HandleUsageSample(5, 250, 64<<20, 100)
	evs := drainEvents(a.ContainerEvents().Events())
	if len(evs) != 2 {
		t.Fatalf("events = %d, want cpu+memory pair", len(evs))
	}
	if evs[0].Type != telemetry.EventCPUSample || evs[0].Value != 250 {
		t.Errorf("cpu event = %+v", evs[0])
	}
	if evs[1].Type != telemetry.EventMemorySample || evs[1].Value != 64<<20 {
		t.Errorf("memory event = %+v", evs[1])
	}

	rec := a.Containers()[0]
	if rec.CPUUsage != 250 || rec.MemoryUsage != 64<<20 {
		t.Errorf("record usage = %d/%d", rec.CPUUsage, rec.MemoryUsage)
	}
}
