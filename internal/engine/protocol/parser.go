package protocol

import (
	"errors"
	"time"

	"Go2NetGraph/internal/model"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// ErrNotIPv4 is returned for frames without an IPv4 layer. IPv6 is not supported.
var ErrNotIPv4 = errors.New("not an IPv4 packet")

// ParsePacket extracts the five-tuple, transport fields, payload and any
// DNS message from a decoded frame.
func ParsePacket(packet gopacket.Packet) (*model.PacketInfo, error) {
	info := &model.PacketInfo{
		Timestamp: time.Now(), // overwritten by capture metadata when available
		Length:    len(packet.Data()),
		Raw:       packet,
	}

	if meta := packet.Metadata(); meta != nil && !meta.Timestamp.IsZero() {
		info.Timestamp = meta.Timestamp
		if meta.Length > 0 {
			info.Length = meta.Length
		}
	}

	l := packet.Layer(layers.LayerTypeIPv4)
	if l == nil {
		return nil, ErrNotIPv4
	}
	ipLayer := l.(*layers.IPv4)

	var fiveTuple model.FiveTuple
	fiveTuple.SrcIP = ipLayer.SrcIP
	fiveTuple.DstIP = ipLayer.DstIP
	fiveTuple.Protocol = uint8(ipLayer.Protocol)

	if l := packet.Layer(layers.LayerTypeTCP); l != nil {
		tcpLayer := l.(*layers.TCP)
		fiveTuple.SrcPort = uint16(tcpLayer.SrcPort)
		fiveTuple.DstPort = uint16(tcpLayer.DstPort)
		info.Transport = true
		info.TCP = &model.TCPInfo{
			Seq: tcpLayer.Seq,
			SYN: tcpLayer.SYN,
			ACK: tcpLayer.ACK,
			FIN: tcpLayer.FIN,
			RST: tcpLayer.RST,
		}
		info.Payload = tcpLayer.Payload
	} else if l := packet.Layer(layers.LayerTypeUDP); l != nil {
		udpLayer := l.(*layers.UDP)
		fiveTuple.SrcPort = uint16(udpLayer.SrcPort)
		fiveTuple.DstPort = uint16(udpLayer.DstPort)
		info.Transport = true
		info.Payload = udpLayer.Payload
	}

	if l := packet.Layer(layers.LayerTypeDNS); l != nil {
		info.DNS = l.(*layers.DNS)
	}

	info.FiveTuple = fiveTuple
	return info, nil
}
