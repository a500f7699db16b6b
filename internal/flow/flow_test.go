package flow

import (
	"net"
	"strings"
	"testing"
	"time"

	"Go2NetGraph/internal/decoder"
	"Go2NetGraph/internal/engine/protocol"
	"Go2NetGraph/internal/model"
	"Go2NetGraph/pkg/pcap/pcapgen"

	"github.com/google/gopacket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func tuple(proto uint8, src string, sport uint16, dst string, dport uint16) model.FiveTuple {
	return model.FiveTuple{SrcIP: net.ParseIP(src).To4(), DstIP: net.ParseIP(dst).To4(), SrcPort: sport, DstPort: dport, Protocol: proto}
}

var gen = pcapgen.New(t0)

func parse(p gopacket.Packet) *model.PacketInfo {
	info, err := protocol.ParsePacket(p)
	if err != nil {
		panic(err)
	}
	return info
}

func segment(seq uint32, syn bool, payload string) *model.PacketInfo {
	return parse(gen.TCP("10.0.0.1", 40000, "10.0.0.2", 80, seq, pcapgen.TCPFlags{SYN: syn, ACK: !syn}, []byte(payload)))
}

func TestKey(t *testing.T) {
	ft := tuple(model.ProtocolTCP, "10.0.0.1", 40000, "10.0.0.2", 80)
	assert.Equal(t, "flowid--tcp--10-0-0-1-40000--10-0-0-2-80", Key(ft))
	assert.Equal(t, "flowid--tcp--10-0-0-2-80--10-0-0-1-40000", ReverseKey(ft))

	udp := tuple(model.ProtocolUDP, "10.0.0.1", 40000, "10.0.0.2", 80)
	assert.NotEqual(t, Key(ft), Key(udp))
}

func TestReassembly_InOrder(t *testing.T) {
	f := New(segment(1000, true, ""), 0)
	f.Add(segment(1001, false, "GET / HTTP/1.1\r\n"))
	f.Add(segment(1017, false, "Host: a.example\r\n"))
	f.Add(segment(1034, false, "\r\n"))

	assert.Equal(t, "GET / HTTP/1.1\r\nHost: a.example\r\n\r\n", string(f.Payload()))
	assert.Equal(t, uint64(4), f.PacketCount())
	assert.Zero(t, f.Gaps())
}

func TestReassembly_OutOfOrder(t *testing.T) {
	f := New(segment(1000, true, ""), 0)
	f.Add(segment(1001, false, "aaaa"))
	f.Add(segment(1009, false, "cccc")) // ahead of a missing segment
	f.Add(segment(1013, false, "dddd"))
	assert.Equal(t, "aaaa", string(f.Payload()))

	f.Add(segment(1005, false, "bbbb"))
	assert.Equal(t, "aaaabbbbccccdddd", string(f.Payload()))
	assert.Zero(t, f.Gaps())

	// later bytes are appended after the drained ones
	f.Add(segment(1017, false, "eeee"))
	assert.Equal(t, "aaaabbbbccccddddeeee", string(f.Payload()))
}

func TestReassembly_RetransmissionNotDuplicated(t *testing.T) {
	f := New(segment(1000, true, ""), 0)
	f.Add(segment(1001, false, "hello"))
	f.Add(segment(1001, false, "hello"))    // full retransmission
	f.Add(segment(1004, false, "lo world")) // partial overlap
	assert.Equal(t, "hello world", string(f.Payload()))
	assert.Equal(t, uint64(4), f.PacketCount())
}

func TestReassembly_SYNPayloadAndMidStream(t *testing.T) {
	f := New(segment(50, true, "xy"), 0)
	f.Add(segment(53, false, "z"))
	assert.Equal(t, "xyz", string(f.Payload()))

	// no SYN seen: the first segment anchors the stream
	g := New(segment(7000, false, "abc"), 0)
	g.Add(segment(7003, false, "def"))
	assert.Equal(t, "abcdef", string(g.Payload()))
}

func TestReassembly_OverflowSkipsGap(t *testing.T) {
	f := New(segment(0, true, ""), 2)
	f.Add(segment(1, false, "a"))
	// byte 2 never arrives
	f.Add(segment(3, false, "c"))
	f.Add(segment(4, false, "d"))
	assert.Equal(t, "a", string(f.Payload()))
	assert.Equal(t, 0, f.Gaps())

	f.Add(segment(5, false, "e"))
	assert.Equal(t, "acde", string(f.Payload()))
	assert.Equal(t, 1, f.Gaps())

	f.Add(segment(6, false, "f"))
	assert.Equal(t, "acdef", string(f.Payload()))
}

func TestReassembly_FINClosesStream(t *testing.T) {
	f := New(segment(1000, true, ""), 0)
	f.Add(segment(1001, false, "hello"))
	f.Add(parse(gen.TCP("10.0.0.1", 40000, "10.0.0.2", 80, 1006, pcapgen.TCPFlags{FIN: true, ACK: true}, nil)))
	f.Add(segment(1001, false, "hello"))

	assert.Equal(t, "hello", string(f.Payload()))
	assert.Equal(t, uint64(4), f.PacketCount())
}

func TestReassembly_SequenceWraparound(t *testing.T) {
	f := New(segment(0xFFFFFFFE, true, ""), 0)
	f.Add(segment(0x00000001, false, "cd"))
	f.Add(segment(0xFFFFFFFF, false, "ab"))
	assert.Equal(t, "abcd", string(f.Payload()))
}

func TestTLSFlowOnlyCounts(t *testing.T) {
	f := New(segment(1000, true, ""), 0)
	f.MarkTLS()
	f.Add(segment(1001, false, "\x16\x03\x01 handshake"))
	f.AppendCleartext([]byte("GET /secret HTTP/1.1\r\nHost: bank.example\r\n\r\n"))

	assert.Empty(t, f.Payload())
	assert.Equal(t, uint64(2), f.PacketCount())
	d := f.Decoded()
	require.NotNil(t, d)
	assert.Equal(t, "https://bank.example/secret", d.HTTPRequest.URL)

	st, err := f.Statistics(true, EncodingRaw)
	require.NoError(t, err)
	require.NotNil(t, st.Payload)
	assert.True(t, strings.HasPrefix(*st.Payload, "GET /secret"))
}

func TestUDPAppendsInArrivalOrder(t *testing.T) {
	g := pcapgen.New(t0)
	info, err := protocol.ParsePacket(g.UDP("10.0.0.1", 5353, "10.0.0.9", 9999, []byte("one")))
	require.NoError(t, err)
	f := New(info, 0)
	info, err = protocol.ParsePacket(g.UDP("10.0.0.1", 5353, "10.0.0.9", 9999, []byte("two")))
	require.NoError(t, err)
	f.Add(info)

	assert.Equal(t, "UDP", f.Protocol)
	assert.Equal(t, "onetwo", string(f.Payload()))
	st, err := f.Statistics(false, "")
	require.NoError(t, err)
	assert.Equal(t, uint64(6), st.DataTransferred)
	assert.Nil(t, st.Payload)
}

func TestEncodePayload(t *testing.T) {
	b := []byte("ok\xffok")
	s, err := EncodePayload(b, EncodingRaw)
	require.NoError(t, err)
	assert.Equal(t, string(b), s)

	s, err = EncodePayload(b, EncodingWeb)
	require.NoError(t, err)
	assert.Equal(t, "okok", s)

	s, err = EncodePayload(b, EncodingBase64)
	require.NoError(t, err)
	assert.Equal(t, "b2v/b2s=", s)

	_, err = EncodePayload(b, "hex")
	assert.Error(t, err)
	assert.False(t, ValidEncoding("hex"))
}

func TestRecordRoundTrip(t *testing.T) {
	f := New(segment(1000, true, ""), 0)
	f.Add(segment(1001, false, "GET /index.html HTTP/1.1\r\nHost: example.com\r\n\r\n"))
	before := f.Decoded()
	require.NotNil(t, before)

	rec := f.Record()
	assert.Equal(t, string(decoder.KindHTTPRequest), rec.DecodedType)
	assert.Equal(t, "GET request for http://example.com/index.html", rec.Info)

	loaded := FromRecord(rec)
	assert.Equal(t, before, loaded.Decoded())
	assert.Equal(t, f.PacketCount(), loaded.PacketCount())
	assert.Equal(t, f.FID, loaded.FID)
}
