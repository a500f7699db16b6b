package flow

import (
	"testing"

	"Go2NetGraph/internal/model"
	"Go2NetGraph/pkg/pcap/pcapgen"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reply(seq uint32, payload string) *model.PacketInfo {
	return parse(gen.TCP("10.0.0.2", 80, "10.0.0.1", 40000, seq, pcapgen.TCPFlags{SYN: seq == 5000, ACK: true}, []byte(payload)))
}

func TestTracker_Directional(t *testing.T) {
	tr := NewTracker(Options{})

	f, created := tr.Dispatch(segment(1000, true, ""))
	assert.True(t, created)
	g, created := tr.Dispatch(segment(1001, false, "ping"))
	assert.False(t, created)
	assert.Same(t, f, g)

	r, created := tr.Dispatch(reply(5000, ""))
	assert.True(t, created)
	assert.NotSame(t, f, r)
	assert.Equal(t, 2, tr.Len())

	flows := tr.Flows()
	require.Len(t, flows, 2)
	assert.Equal(t, f.FID, flows[0].FID)
	assert.Equal(t, r.FID, flows[1].FID)
}

func TestTracker_Bidirectional(t *testing.T) {
	tr := NewTracker(Options{Bidirectional: true})

	f, _ := tr.Dispatch(segment(1000, true, ""))
	tr.Dispatch(segment(1001, false, "ping"))
	r, created := tr.Dispatch(reply(5000, "pong"))

	assert.False(t, created)
	assert.Same(t, f, r)
	assert.Equal(t, 1, tr.Len())
	assert.Equal(t, uint64(3), f.PacketCount())
	assert.Equal(t, "ping", string(f.Payload()))
}

func TestTracker_RecordsAndLoad(t *testing.T) {
	tr := NewTracker(Options{})
	tr.Dispatch(segment(1000, true, ""))
	tr.Dispatch(segment(1001, false, "GET /x HTTP/1.1\r\nHost: h.example\r\n\r\n"))
	tr.Dispatch(reply(5000, ""))
	tr.Dispatch(reply(5001, "HTTP/1.1 200 OK\r\n\r\n"))

	before, err := tr.Statistics(false, EncodingRaw)
	require.NoError(t, err)

	restored := NewTracker(Options{})
	restored.Load(tr.Records())
	after, err := restored.Statistics(false, EncodingRaw)
	require.NoError(t, err)

	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].FID, after[i].FID)
		assert.Equal(t, before[i].Decoded, after[i].Decoded)
		assert.Equal(t, before[i].PacketCount, after[i].PacketCount)
	}

	restored.Reset()
	assert.Equal(t, 0, restored.Len())
}

func TestTracker_StatisticsRejectsUnknownEncoding(t *testing.T) {
	tr := NewTracker(Options{})
	tr.Dispatch(segment(1000, true, ""))
	_, err := tr.Statistics(true, "rot13")
	assert.Error(t, err)
}

func TestTracker_MaxOutOfOrder(t *testing.T) {
	tr := NewTracker(Options{MaxOutOfOrder: 1})
	f, _ := tr.Dispatch(segment(0, true, ""))
	tr.Dispatch(segment(1, false, "a"))
	tr.Dispatch(segment(3, false, "c"))
	assert.Equal(t, "a", string(f.Payload()))

	tr.Dispatch(segment(4, false, "d"))
	assert.Equal(t, "acd", string(f.Payload()))
	assert.Equal(t, 1, f.Gaps())

	// a reset tracker starts from fresh connections
	tr.Reset()
	g, created := tr.Dispatch(segment(0, true, ""))
	assert.True(t, created)
	tr.Dispatch(segment(1, false, "z"))
	assert.Equal(t, "z", string(g.Payload()))
}
