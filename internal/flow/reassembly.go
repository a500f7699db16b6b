package flow

import (
	"time"

	"Go2NetGraph/internal/model"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/tcpassembly"
)

// reassembler feeds the TCP segments of a tracker's flows through one
// gopacket assembler. Connections are keyed by direction, so each flow owns
// exactly one stream. Only the capture loop drives it.
type reassembler struct {
	asm     *tcpassembly.Assembler
	current *Flow
}

// newReassembler buffers up to maxPending out-of-order pages per flow. One
// page more makes the connection skip to its earliest buffered page.
func newReassembler(maxPending int) *reassembler {
	if maxPending <= 0 {
		maxPending = DefaultMaxOutOfOrder
	}
	r := &reassembler{}
	r.asm = tcpassembly.NewAssembler(tcpassembly.NewStreamPool(r))
	r.asm.MaxBufferedPagesPerConnection = maxPending + 1
	return r
}

// New implements tcpassembly.StreamFactory. It is only called from within
// assemble, for the flow being fed.
func (r *reassembler) New(_, _ gopacket.Flow) tcpassembly.Stream {
	return &stream{f: r.current}
}

func (r *reassembler) assemble(f *Flow, netFlow gopacket.Flow, tcp *layers.TCP, ts time.Time) {
	r.current = f
	r.asm.AssembleWithTimestamp(netFlow, tcp, ts)
	r.current = nil
}

// stream appends reassembled bytes to its flow. The assembler calls it
// synchronously while the flow's lock is held by Add.
type stream struct {
	f *Flow
}

func (s *stream) Reassembled(rs []tcpassembly.Reassembly) {
	for _, r := range rs {
		if r.Skip > 0 {
			s.f.gaps++
		}
		if len(r.Bytes) > 0 {
			s.f.payload = append(s.f.payload, r.Bytes...)
			s.f.decodedValid = false
		}
	}
}

func (s *stream) ReassemblyComplete() {
	s.f.closed = true
}

// tcpSegment returns the decoded TCP layer of pkt and its network flow.
func tcpSegment(pkt *model.PacketInfo) (gopacket.Flow, *layers.TCP, bool) {
	if pkt.Raw == nil || pkt.Raw.NetworkLayer() == nil {
		return gopacket.Flow{}, nil, false
	}
	tcp, ok := pkt.Raw.Layer(layers.LayerTypeTCP).(*layers.TCP)
	if !ok {
		return gopacket.Flow{}, nil, false
	}
	return pkt.Raw.NetworkLayer().NetworkFlow(), tcp, true
}
