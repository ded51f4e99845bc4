//go:build linux

// Package capture sources packet-seen occurrences from an AF_PACKET ring.
// The ancillary packet type distinguishes ingress from egress; a local-port
// resolver attributes each frame to the owning cgroup. Inbound TCP frames
// additionally synthesize an rtt-sample occurrence for the reversed flow, so
// the latency correlator can pair them with an earlier departure.
package capture

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/afpacket"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/kz521103/Microradar/pkg/packet"
	"github.com/kz521103/Microradar/pkg/telemetry"
)

// LocalPortResolver maps the container-side port of a frame to the owning
// cgroup. Typically sockwatch's port index.
type LocalPortResolver func(port uint16) (uint64, bool)

// Config for the capture source.
type Config struct {
	Interface   string        // "" captures on all interfaces
	BufferMB    int           // mmap ring budget, default 8
	SnapLen     int           // default 4096
	PollTimeout time.Duration // default 1s
}

// Source is a live AF_PACKET capture feeding the occurrence sink.
type Source struct {
	tp      *afpacket.TPacket
	sink    telemetry.Sink
	resolve LocalPortResolver
	log     *logrus.Logger
}

// New opens the AF_PACKET ring. Requires CAP_NET_RAW.
func New(cfg Config, sink telemetry.Sink, resolve LocalPortResolver, log *logrus.Logger) (*Source, error) {
	if cfg.BufferMB <= 0 {
		cfg.BufferMB = 8
	}
	if cfg.SnapLen <= 0 {
		cfg.SnapLen = 4096
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = time.Second
	}

	frameSize, blockSize, numBlocks, err := ringSize(cfg.BufferMB, cfg.SnapLen, os.Getpagesize())
	if err != nil {
		return nil, fmt.Errorf("computing ring layout: %w", err)
	}

	opts := []interface{}{
		afpacket.OptPollTimeout(cfg.PollTimeout),
		afpacket.OptFrameSize(frameSize),
		afpacket.OptBlockSize(blockSize),
		afpacket.OptNumBlocks(numBlocks),
		afpacket.OptAddPktType(true),
	}
	if cfg.Interface != "" {
		opts = append(opts, afpacket.OptInterface(cfg.Interface))
	}

	tp, err := afpacket.NewTPacket(opts...)
	if err != nil {
		return nil, fmt.Errorf("opening af_packet socket: %w", err)
	}

	return &Source{tp: tp, sink: sink, resolve: resolve, log: log}, nil
}

// ringSize derives tpacket geometry from a megabyte budget, keeping the
// block size page- and frame-aligned.
func ringSize(mb, snapLen, pageSize int) (frameSize, blockSize, numBlocks int, err error) {
	frameSize = pageSize
	for frameSize < snapLen {
		frameSize *= 2
	}
	blockSize = frameSize * 32
	numBlocks = (mb << 20) / blockSize
	if numBlocks == 0 {
		return 0, 0, 0, fmt.Errorf("buffer of %dMB too small for block size %d", mb, blockSize)
	}
	return frameSize, blockSize, numBlocks, nil
}

// Run reads frames until the context is done.
func (s *Source) Run(ctx context.Context) {
	s.log.Info("Starting packet capture")
	defer s.tp.Close()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("Packet capture stopping")
			return
		default:
		}

		data, ci, err := s.tp.ZeroCopyReadPacketData()
		if err == syscall.EAGAIN || err == afpacket.ErrTimeout {
			continue
		}
		if err != nil {
			s.log.WithError(err).Error("Packet read failed")
			return
		}
		s.handleFrame(data, ci)
	}
}

// handleFrame classifies one frame and feeds the sink. The zero-copy buffer
// is owned by the ring, so the frame is copied before crossing the sink.
func (s *Source) handleFrame(data []byte, ci gopacket.CaptureInfo) {
	dir := telemetry.DirectionIngress
	for _, anc := range ci.AncillaryData {
		if pktType, ok := anc.(afpacket.AncillaryPktType); ok && pktType.Type == unix.PACKET_OUTGOING {
			dir = telemetry.DirectionEgress
		}
	}

	info, err := packet.Parse(data)
	if err != nil {
		return
	}

	localPort := info.Key.DstPort
	if dir == telemetry.DirectionEgress {
		localPort = info.Key.SrcPort
	}
	cgroupID, ok := s.resolve(localPort)
	if !ok {
		return
	}

	now := uint64(ci.Timestamp.UnixNano())
	if ci.Timestamp.IsZero() {
		now = uint64(time.Now().UnixNano())
	}

	frame := make([]byte, len(data))
	copy(frame, data)
	s.sink.HandlePacketSeen(dir, frame, cgroupID, now)

	// An inbound TCP frame answers the flow's last outbound frame; hand the
	// correlator the egress-oriented tuple.
	if dir == telemetry.DirectionIngress && info.Protocol == telemetry.ProtoTCP {
		s.sink.HandleRTTSample(telemetry.SocketTuple{
			SrcIP:   info.Key.DstIP,
			DstIP:   info.Key.SrcIP,
			SrcPort: info.Key.DstPort,
			DstPort: info.Key.SrcPort,
		}, cgroupID, now)
	}
}
