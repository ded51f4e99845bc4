// Package packet derives canonical flow keys from raw link-layer frames.
// Parsing is pure: a rejected frame mutates nothing and maps one occurrence
// to exactly one error.
package packet

import (
	"encoding/binary"
	"errors"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/kz521103/Microradar/pkg/telemetry"
)

var (
	// ErrTruncated is returned when a header ends before its fixed part.
	ErrTruncated = errors.New("packet: truncated header")

	// ErrNotIPv4 is returned for any EtherType other than IPv4.
	ErrNotIPv4 = errors.New("packet: not an IPv4 packet")

	// ErrUnsupportedProtocol is returned for L4 protocols other than TCP/UDP.
	ErrUnsupportedProtocol = errors.New("packet: unsupported transport protocol")
)

// Info is the result of parsing one frame. Key is partial: its CgroupID is
// zero and must be filled by the caller from ambient execution context, never
// from packet bytes.
type Info struct {
	Key      telemetry.FlowKey
	Protocol uint8
	Size     uint32 // IPv4 total length
}

// Parse decodes Ethernet → IPv4 → TCP/UDP out of a raw frame. Bounds are
// validated before each header read; anything else is rejected.
func Parse(frame []byte) (Info, error) {
	var (
		eth layers.Ethernet
		ip4 layers.IPv4
		tcp layers.TCP
		udp layers.UDP
	)
	parser := gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet, &eth, &ip4, &tcp, &udp)
	decoded := make([]gopacket.LayerType, 0, 3)

	// The parser stops at the first layer it cannot decode; the error itself
	// is less telling than how far decoding got.
	_ = parser.DecodeLayers(frame, &decoded)

	var haveEth, haveIP, haveTCP, haveUDP bool
	for _, lt := range decoded {
		switch lt {
		case layers.LayerTypeEthernet:
			haveEth = true
		case layers.LayerTypeIPv4:
			haveIP = true
		case layers.LayerTypeTCP:
			haveTCP = true
		case layers.LayerTypeUDP:
			haveUDP = true
		}
	}

	if !haveEth {
		return Info{}, ErrTruncated
	}
	if eth.EthernetType != layers.EthernetTypeIPv4 {
		return Info{}, ErrNotIPv4
	}
	if !haveIP {
		return Info{}, ErrTruncated
	}

	info := Info{
		Key: telemetry.FlowKey{
			SrcIP: binary.BigEndian.Uint32(ip4.SrcIP.To4()),
			DstIP: binary.BigEndian.Uint32(ip4.DstIP.To4()),
		},
		Size: uint32(ip4.Length),
	}

	switch ip4.Protocol {
	case layers.IPProtocolTCP:
		if !haveTCP {
			return Info{}, ErrTruncated
		}
		info.Key.SrcPort = uint16(tcp.SrcPort)
		info.Key.DstPort = uint16(tcp.DstPort)
		info.Key.Protocol = telemetry.ProtoTCP
		info.Protocol = telemetry.ProtoTCP
	case layers.IPProtocolUDP:
		if !haveUDP {
			return Info{}, ErrTruncated
		}
		info.Key.SrcPort = uint16(udp.SrcPort)
		info.Key.DstPort = uint16(udp.DstPort)
		info.Key.Protocol = telemetry.ProtoUDP
		info.Protocol = telemetry.ProtoUDP
	default:
		return Info{}, ErrUnsupportedProtocol
	}

	return info, nil
}
