package pcap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"golang.org/x/time/rate"
)

// ErrTimeout is returned by Next when the poll interval elapsed without a
// frame. Callers use it to re-check for cancellation.
var ErrTimeout = errors.New("pcap: poll timeout")

// Source yields captured frames one at a time. Next returns io.EOF once a
// stored capture is exhausted; a live source never does.
type Source interface {
	Next(ctx context.Context) (gopacket.Packet, error)
	LinkType() layers.LinkType
	Close()
}

// LiveOptions configures a live capture handle.
type LiveOptions struct {
	Device       string
	Filter       string
	SnapLen      int32
	Promiscuous  bool
	PollInterval time.Duration
}

// OfflineOptions configures replay of a stored capture.
type OfflineOptions struct {
	Path   string
	Filter string
	// Delay between frames; zero replays as fast as possible.
	Delay time.Duration
}

type handleSource struct {
	handle  *pcap.Handle
	limiter *rate.Limiter
}

// OpenLive opens a capture on a network interface and installs the filter.
func OpenLive(opts LiveOptions) (Source, error) {
	if opts.SnapLen <= 0 {
		opts.SnapLen = 65535
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	handle, err := pcap.OpenLive(opts.Device, opts.SnapLen, opts.Promiscuous, opts.PollInterval)
	if err != nil {
		return nil, fmt.Errorf("failed to open device %s: %w", opts.Device, err)
	}
	if err := setFilter(handle, opts.Filter); err != nil {
		handle.Close()
		return nil, err
	}
	return &handleSource{handle: handle}, nil
}

// OpenOffline opens a stored capture file.
func OpenOffline(opts OfflineOptions) (Source, error) {
	handle, err := pcap.OpenOffline(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture file %s: %w", opts.Path, err)
	}
	if err := setFilter(handle, opts.Filter); err != nil {
		handle.Close()
		return nil, err
	}
	s := &handleSource{handle: handle}
	if opts.Delay > 0 {
		s.limiter = rate.NewLimiter(rate.Every(opts.Delay), 1)
	}
	return s, nil
}

func setFilter(handle *pcap.Handle, filter string) error {
	if filter == "" {
		return nil
	}
	if err := handle.SetBPFFilter(filter); err != nil {
		return fmt.Errorf("failed to set filter %q: %w", filter, err)
	}
	return nil
}

func (s *handleSource) Next(ctx context.Context) (gopacket.Packet, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	data, ci, err := s.handle.ReadPacketData()
	switch {
	case err == nil:
	case errors.Is(err, pcap.NextErrorTimeoutExpired):
		return nil, ErrTimeout
	case errors.Is(err, io.EOF):
		return nil, io.EOF
	default:
		return nil, err
	}
	packet := gopacket.NewPacket(data, s.handle.LinkType(), gopacket.Default)
	packet.Metadata().CaptureInfo = ci
	return packet, nil
}

func (s *handleSource) LinkType() layers.LinkType {
	return s.handle.LinkType()
}

func (s *handleSource) Close() {
	s.handle.Close()
}

// SliceSource replays packets held in memory.
type SliceSource struct {
	packets  []gopacket.Packet
	linkType layers.LinkType
	pos      int
	// KeepOpen makes the source behave like an idle live capture once
	// drained: Next reports ErrTimeout instead of io.EOF.
	KeepOpen bool
	closed   bool
}

// NewSliceSource returns a source over packets.
func NewSliceSource(linkType layers.LinkType, packets ...gopacket.Packet) *SliceSource {
	return &SliceSource{packets: packets, linkType: linkType}
}

func (s *SliceSource) Next(ctx context.Context) (gopacket.Packet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos < len(s.packets) {
		p := s.packets[s.pos]
		s.pos++
		return p, nil
	}
	if s.KeepOpen {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
		return nil, ErrTimeout
	}
	return nil, io.EOF
}

func (s *SliceSource) LinkType() layers.LinkType { return s.linkType }

func (s *SliceSource) Close() { s.closed = true }

// Closed reports whether Close was called.
func (s *SliceSource) Closed() bool { return s.closed }

// InterfaceAddrs lists the addresses bound to a capture device.
func InterfaceAddrs(device string) ([]string, error) {
	devs, err := pcap.FindAllDevs()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, d := range devs {
		if d.Name != device {
			continue
		}
		for _, a := range d.Addresses {
			if a.IP.To4() != nil {
				out = append(out, a.IP.String())
			}
		}
	}
	return out, nil
}
