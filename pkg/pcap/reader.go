package pcap

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcapgo"
)

// ReadFile loads every frame of a capture file into memory without libpcap.
func ReadFile(path string) ([]gopacket.Packet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r, err := pcapgo.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("not a capture file: %w", err)
	}

	var packets []gopacket.Packet
	for {
		data, ci, err := r.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return packets, nil
		}
		if err != nil {
			return packets, fmt.Errorf("failed to read frame %d: %w", len(packets)+1, err)
		}
		p := gopacket.NewPacket(data, r.LinkType(), gopacket.Default)
		p.Metadata().CaptureInfo = ci
		packets = append(packets, p)
	}
}

// Validate checks that path holds a readable capture file.
func Validate(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := pcapgo.NewReader(f); err != nil {
		return fmt.Errorf("not a capture file: %w", err)
	}
	return nil
}
