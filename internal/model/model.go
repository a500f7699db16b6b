package model

import (
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// IP protocol numbers carried in FiveTuple.Protocol.
const (
	ProtocolTCP uint8 = 6
	ProtocolUDP uint8 = 17
)

// FiveTuple represents the 5-tuple of a network packet.
type FiveTuple struct {
	SrcIP    net.IP
	DstIP    net.IP
	SrcPort  uint16
	DstPort  uint16
	Protocol uint8
}

// TCPInfo holds the transport fields the reassembler needs.
type TCPInfo struct {
	Seq uint32
	SYN bool
	ACK bool
	FIN bool
	RST bool
}

// PacketInfo holds the metadata extracted from a single IPv4 packet.
type PacketInfo struct {
	Timestamp time.Time
	FiveTuple FiveTuple
	Length    int

	// Transport is false when the packet is IPv4 but carries neither a
	// decodable TCP nor UDP header. Ports are zero in that case.
	Transport bool
	TCP       *TCPInfo
	Payload   []byte

	// DNS is set when gopacket recognised a DNS message in the payload.
	DNS *layers.DNS

	// Raw is the original frame, kept for capture files and modules.
	Raw gopacket.Packet
}

// IsTCP reports whether the packet carried a decoded TCP header.
func (p *PacketInfo) IsTCP() bool {
	return p.Transport && p.FiveTuple.Protocol == ProtocolTCP && p.TCP != nil
}

// IsUDP reports whether the packet carried a decoded UDP header.
func (p *PacketInfo) IsUDP() bool {
	return p.Transport && p.FiveTuple.Protocol == ProtocolUDP
}
