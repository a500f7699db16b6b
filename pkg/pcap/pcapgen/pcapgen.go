// Package pcapgen builds Ethernet/IPv4 frames for tests and demo captures.
package pcapgen

import (
	"fmt"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

var (
	srcMAC = net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
	dstMAC = net.HardwareAddr{0x00, 0x66, 0x77, 0x88, 0x99, 0xAA}
)

// TCPFlags selects control bits of a generated segment.
type TCPFlags struct {
	SYN, ACK, FIN, RST, PSH bool
}

// Generator stamps frames with increasing capture timestamps.
type Generator struct {
	now  time.Time
	step time.Duration
}

// New returns a generator starting at start, one millisecond per frame.
func New(start time.Time) *Generator {
	return &Generator{now: start, step: time.Millisecond}
}

func (g *Generator) next() time.Time {
	t := g.now
	g.now = g.now.Add(g.step)
	return t
}

// TCP builds a TCP segment.
func (g *Generator) TCP(src string, sport uint16, dst string, dport uint16, seq uint32, flags TCPFlags, payload []byte) gopacket.Packet {
	ip := ipv4(src, dst, layers.IPProtocolTCP)
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(sport),
		DstPort: layers.TCPPort(dport),
		Seq:     seq,
		SYN:     flags.SYN,
		ACK:     flags.ACK,
		FIN:     flags.FIN,
		RST:     flags.RST,
		PSH:     flags.PSH,
		Window:  14600,
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		panic(err)
	}
	return g.packet(ip, tcp, payload)
}

// UDP builds a datagram.
func (g *Generator) UDP(src string, sport uint16, dst string, dport uint16, payload []byte) gopacket.Packet {
	ip := ipv4(src, dst, layers.IPProtocolUDP)
	udp := &layers.UDP{SrcPort: layers.UDPPort(sport), DstPort: layers.UDPPort(dport)}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		panic(err)
	}
	return g.packet(ip, udp, payload)
}

// ARP builds a non-IP frame.
func (g *Generator) ARP() gopacket.Packet {
	eth := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC, EthernetType: layers.EthernetTypeARP}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   srcMAC,
		SourceProtAddress: []byte{10, 0, 0, 1},
		DstHwAddress:      []byte{0, 0, 0, 0, 0, 0},
		DstProtAddress:    []byte{10, 0, 0, 2},
	}
	return g.decode(serialize(eth, arp))
}

func (g *Generator) packet(ip *layers.IPv4, transport gopacket.SerializableLayer, payload []byte) gopacket.Packet {
	eth := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC, EthernetType: layers.EthernetTypeIPv4}
	return g.decode(serialize(eth, ip, transport, gopacket.Payload(payload)))
}

func (g *Generator) decode(data []byte) gopacket.Packet {
	p := gopacket.NewPacket(data, layers.LinkTypeEthernet, gopacket.Default)
	p.Metadata().CaptureInfo = gopacket.CaptureInfo{
		Timestamp:     g.next(),
		CaptureLength: len(data),
		Length:        len(data),
	}
	return p
}

func ipv4(src, dst string, proto layers.IPProtocol) *layers.IPv4 {
	return &layers.IPv4{
		SrcIP:    mustIP(src),
		DstIP:    mustIP(dst),
		Version:  4,
		TTL:      64,
		Protocol: proto,
	}
}

func mustIP(s string) net.IP {
	ip := net.ParseIP(s).To4()
	if ip == nil {
		panic(fmt.Sprintf("pcapgen: not an IPv4 address: %q", s))
	}
	return ip
}

func serialize(ls ...gopacket.SerializableLayer) []byte {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// DNSQuery encodes a single-question A query.
func DNSQuery(id uint16, name string) []byte {
	return serialize(&layers.DNS{
		ID: id,
		RD: true,
		Questions: []layers.DNSQuestion{
			{Name: []byte(name), Type: layers.DNSTypeA, Class: layers.DNSClassIN},
		},
	})
}

// DNSResponse encodes a response to an A query for name.
func DNSResponse(id uint16, name string, answers ...layers.DNSResourceRecord) []byte {
	return serialize(&layers.DNS{
		ID: id,
		QR: true,
		RD: true,
		RA: true,
		Questions: []layers.DNSQuestion{
			{Name: []byte(name), Type: layers.DNSTypeA, Class: layers.DNSClassIN},
		},
		Answers: answers,
	})
}

// A is an address record.
func A(name, ip string) layers.DNSResourceRecord {
	return layers.DNSResourceRecord{Name: []byte(name), Type: layers.DNSTypeA, Class: layers.DNSClassIN, TTL: 300, IP: mustIP(ip)}
}

// CNAME is an alias record.
func CNAME(name, target string) layers.DNSResourceRecord {
	return layers.DNSResourceRecord{Name: []byte(name), Type: layers.DNSTypeCNAME, Class: layers.DNSClassIN, TTL: 300, CNAME: []byte(target)}
}

// NS is a name server record.
func NS(name, server string) layers.DNSResourceRecord {
	return layers.DNSResourceRecord{Name: []byte(name), Type: layers.DNSTypeNS, Class: layers.DNSClassIN, TTL: 300, NS: []byte(server)}
}

// MX is a mail exchanger record.
func MX(name, exchanger string) layers.DNSResourceRecord {
	return layers.DNSResourceRecord{Name: []byte(name), Type: layers.DNSTypeMX, Class: layers.DNSClassIN, TTL: 300, MX: layers.DNSMX{Preference: 10, Name: []byte(exchanger)}}
}

// TXT is a text record; graph building ignores it.
func TXT(name, text string) layers.DNSResourceRecord {
	return layers.DNSResourceRecord{Name: []byte(name), Type: layers.DNSTypeTXT, Class: layers.DNSClassIN, TTL: 300, TXTs: [][]byte{[]byte(text)}}
}
