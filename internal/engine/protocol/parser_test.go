package protocol

import (
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ls...))
	return buf.Bytes()
}

func decode(data []byte, ts time.Time) gopacket.Packet {
	p := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Default)
	p.Metadata().CaptureInfo = gopacket.CaptureInfo{Timestamp: ts, CaptureLength: len(data), Length: len(data)}
	return p
}

func ethernet(etype layers.EthernetType) *layers.Ethernet {
	return &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55},
		DstMAC:       net.HardwareAddr{0x00, 0x66, 0x77, 0x88, 0x99, 0xAA},
		EthernetType: etype,
	}
}

func TestParsePacket_TCP(t *testing.T) {
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP,
		SrcIP: net.IPv4(10, 0, 0, 1), DstIP: net.IPv4(10, 0, 0, 2)}
	tcp := &layers.TCP{SrcPort: 40000, DstPort: 80, Seq: 1000, SYN: true, Window: 14600}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))

	ts := time.Unix(1700000000, 0)
	info, err := ParsePacket(decode(serialize(t, ethernet(layers.EthernetTypeIPv4), ip, tcp, gopacket.Payload("hello")), ts))
	require.NoError(t, err)

	assert.Equal(t, ts, info.Timestamp)
	assert.Equal(t, "10.0.0.1", info.FiveTuple.SrcIP.String())
	assert.Equal(t, "10.0.0.2", info.FiveTuple.DstIP.String())
	assert.Equal(t, uint16(40000), info.FiveTuple.SrcPort)
	assert.Equal(t, uint16(80), info.FiveTuple.DstPort)
	assert.True(t, info.IsTCP())
	require.NotNil(t, info.TCP)
	assert.True(t, info.TCP.SYN)
	assert.Equal(t, uint32(1000), info.TCP.Seq)
	assert.Equal(t, []byte("hello"), info.Payload)
}

func TestParsePacket_UDPWithDNS(t *testing.T) {
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP,
		SrcIP: net.IPv4(8, 8, 8, 8), DstIP: net.IPv4(192, 168, 0, 10)}
	udp := &layers.UDP{SrcPort: 53, DstPort: 33000}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

	query := []byte{
		0x12, 0x34, 0x01, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x07, 'e', 'x', 'a', 'm', 'p', 'l', 'e', 0x03, 'c', 'o', 'm', 0x00,
		0x00, 0x01, 0x00, 0x01,
	}
	info, err := ParsePacket(decode(serialize(t, ethernet(layers.EthernetTypeIPv4), ip, udp, gopacket.Payload(query)), time.Now()))
	require.NoError(t, err)

	assert.True(t, info.IsUDP())
	assert.Nil(t, info.TCP)
	assert.Equal(t, query, info.Payload)
	require.NotNil(t, info.DNS)
	require.Len(t, info.DNS.Questions, 1)
	assert.Equal(t, "example.com", string(info.DNS.Questions[0].Name))
}

func TestParsePacket_NotIPv4(t *testing.T) {
	arp := &layers.ARP{
		AddrType: layers.LinkTypeEthernet, Protocol: layers.EthernetTypeIPv4,
		HwAddressSize: 6, ProtAddressSize: 4, Operation: layers.ARPRequest,
		SourceHwAddress: []byte{0, 1, 2, 3, 4, 5}, SourceProtAddress: []byte{10, 0, 0, 1},
		DstHwAddress: []byte{0, 0, 0, 0, 0, 0}, DstProtAddress: []byte{10, 0, 0, 2},
	}
	_, err := ParsePacket(decode(serialize(t, ethernet(layers.EthernetTypeARP), arp), time.Now()))
	assert.ErrorIs(t, err, ErrNotIPv4)
}

func TestParsePacket_ICMPHasNoTransport(t *testing.T) {
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolICMPv4,
		SrcIP: net.IPv4(10, 0, 0, 1), DstIP: net.IPv4(10, 0, 0, 2)}
	icmp := &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0)}

	info, err := ParsePacket(decode(serialize(t, ethernet(layers.EthernetTypeIPv4), ip, icmp), time.Now()))
	require.NoError(t, err)
	assert.False(t, info.Transport)
	assert.False(t, info.IsTCP())
	assert.False(t, info.IsUDP())
	assert.Equal(t, uint8(1), info.FiveTuple.Protocol)
}
