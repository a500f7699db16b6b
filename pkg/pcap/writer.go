package pcap

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"go.uber.org/zap"
)

const partSuffix = ".part"

// Writer streams captured frames into a capture file from a single
// goroutine. Frames go to a temporary ".part" file; Commit publishes it
// under its final name.
type Writer struct {
	path    string
	file    *os.File
	pw      *pcapgo.Writer
	packets chan gopacket.Packet
	wg      sync.WaitGroup
	logger  *zap.SugaredLogger

	mu      sync.Mutex
	written int
	closed  bool
}

// NewWriter creates dir if needed and starts the writer goroutine.
func NewWriter(path string, linkType layers.LinkType, snapLen uint32, bufferSize int, logger *zap.SugaredLogger) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create capture directory: %w", err)
	}
	file, err := os.OpenFile(path+partSuffix, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create capture file: %w", err)
	}
	if snapLen == 0 {
		snapLen = 65535
	}
	pw := pcapgo.NewWriter(file)
	if err := pw.WriteFileHeader(snapLen, linkType); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write capture header: %w", err)
	}
	if bufferSize <= 0 {
		bufferSize = 10000
	}

	w := &Writer{
		path:    path,
		file:    file,
		pw:      pw,
		packets: make(chan gopacket.Packet, bufferSize),
		logger:  logger,
	}
	w.wg.Add(1)
	go w.run()
	return w, nil
}

func (w *Writer) run() {
	defer w.wg.Done()
	for p := range w.packets {
		if err := w.pw.WritePacket(p.Metadata().CaptureInfo, p.Data()); err != nil {
			w.logger.Warnw("Failed to write frame", "path", w.path, "error", err)
			continue
		}
		w.mu.Lock()
		w.written++
		w.mu.Unlock()
	}
}

// Enqueue hands a frame to the writer goroutine. Frames are dropped, with a
// warning, when the buffer is full.
func (w *Writer) Enqueue(p gopacket.Packet) {
	select {
	case w.packets <- p:
	default:
		w.logger.Warnw("Capture writer buffer full, dropping frame", "path", w.path)
	}
}

// Commit drains pending frames and renames the file into place. An empty
// capture is discarded and Commit reports false.
func (w *Writer) Commit() (bool, error) {
	if err := w.close(); err != nil {
		return false, err
	}
	if w.Written() == 0 {
		os.Remove(w.path + partSuffix)
		return false, nil
	}
	if err := os.Rename(w.path+partSuffix, w.path); err != nil {
		return false, fmt.Errorf("failed to publish capture file: %w", err)
	}
	return true, nil
}

// Abort drains and removes the temporary file.
func (w *Writer) Abort() {
	w.close()
	os.Remove(w.path + partSuffix)
}

func (w *Writer) close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.packets)
	w.wg.Wait()
	return w.file.Close()
}

// Written is the number of frames on disk.
func (w *Writer) Written() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

// Path is the final capture file name.
func (w *Writer) Path() string { return w.path }
