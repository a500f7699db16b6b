// Package flow tracks the flows of a capture session and reassembles their
// payloads.
package flow

import (
	"sync"
	"time"

	"Go2NetGraph/internal/decoder"
	"Go2NetGraph/internal/model"
)

// DefaultMaxOutOfOrder bounds the out-of-order pages buffered for a TCP
// flow.
const DefaultMaxOutOfOrder = 256

// Flow is one direction of a conversation. All methods are safe for
// concurrent use; the TLS proxy writes cleartext while the capture loop
// appends payload.
type Flow struct {
	FID       string
	Timestamp time.Time
	SrcAddr   string
	SrcPort   uint16
	DstAddr   string
	DstPort   uint16
	Protocol  string

	mu              sync.Mutex
	packetCount     uint64
	dataTransferred uint64
	payload         []byte
	cleartext       []byte
	tls             bool

	// asm is nil for flows loaded from a checkpoint
	asm     *reassembler
	started bool
	closed  bool
	gaps    int

	decoded      *decoder.DecodedFlow
	decodedValid bool
}

// New creates a standalone flow from its first packet and folds that
// packet in. Flows of a session are created by its Tracker, which shares
// one assembler between them.
func New(pkt *model.PacketInfo, maxPending int) *Flow {
	return newFlow(pkt, newReassembler(maxPending))
}

func newFlow(pkt *model.PacketInfo, asm *reassembler) *Flow {
	ft := pkt.FiveTuple
	f := &Flow{
		FID:       Key(ft),
		Timestamp: pkt.Timestamp,
		SrcAddr:   ft.SrcIP.String(),
		SrcPort:   ft.SrcPort,
		DstAddr:   ft.DstIP.String(),
		DstPort:   ft.DstPort,
		Protocol:  ProtocolName(ft.Protocol),
		asm:       asm,
	}
	f.Add(pkt)
	return f
}

// Add folds a packet of this flow into its state.
func (f *Flow) Add(pkt *model.PacketInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.packetCount++
	f.dataTransferred += uint64(len(pkt.Payload))

	switch f.Protocol {
	case "TCP":
		// intercepted flows get their content from the proxy
		if f.tls || pkt.TCP == nil {
			return
		}
		f.reassemble(pkt)
	case "UDP":
		if len(pkt.Payload) > 0 {
			f.payload = append(f.payload, pkt.Payload...)
			f.decodedValid = false
		}
	}
}

// AddCounters records a packet without touching the payload. Used for the
// reverse direction of a bidirectional flow.
func (f *Flow) AddCounters(pkt *model.PacketInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.packetCount++
	f.dataTransferred += uint64(len(pkt.Payload))
}

func (f *Flow) reassemble(pkt *model.PacketInfo) {
	netFlow, tcp, ok := tcpSegment(pkt)
	if !ok || f.asm == nil || f.closed {
		return
	}
	if !f.started {
		f.started = true
		if !tcp.SYN {
			// capture started mid-connection: open the stream right
			// before the first segment seen
			syn := *tcp
			syn.SYN, syn.FIN, syn.RST = true, false, false
			syn.Seq--
			syn.Payload = nil
			f.asm.assemble(f, netFlow, &syn, pkt.Timestamp)
		}
	}
	f.asm.assemble(f, netFlow, tcp, pkt.Timestamp)
}

// MarkTLS flags the flow as intercepted. Subsequent TCP segments only
// count.
func (f *Flow) MarkTLS() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tls = true
	f.decodedValid = false
}

// AppendCleartext receives decrypted bytes from the TLS proxy.
func (f *Flow) AppendCleartext(b []byte) {
	if len(b) == 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleartext = append(f.cleartext, b...)
	f.decodedValid = false
}

// TLS reports whether the flow is intercepted.
func (f *Flow) TLS() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tls
}

// Payload returns a copy of the reassembled payload.
func (f *Flow) Payload() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.payload...)
}

// Cleartext returns a copy of the decrypted payload.
func (f *Flow) Cleartext() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.cleartext...)
}

// PacketCount is the number of packets seen, in both directions for a
// bidirectional flow.
func (f *Flow) PacketCount() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.packetCount
}

// Gaps counts the times reassembly skipped missing bytes.
func (f *Flow) Gaps() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gaps
}

// Decoded returns the decoded form of the current payload. The result is
// recomputed only after the payload changed.
func (f *Flow) Decoded() *decoder.DecodedFlow {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.decodeLocked()
}

func (f *Flow) decodeLocked() *decoder.DecodedFlow {
	if !f.decodedValid {
		f.decoded = decoder.Decode(decoder.Input{
			Payload:   f.payload,
			Cleartext: f.cleartext,
			TLS:       f.tls,
			SrcPort:   f.SrcPort,
			DstPort:   f.DstPort,
		})
		f.decodedValid = true
	}
	return f.decoded
}
