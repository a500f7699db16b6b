package pcap

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"Go2NetGraph/pkg/pcap/pcapgen"

	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWriter_CommitAndReadBack(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sid-test.pcap")
	g := pcapgen.New(time.Unix(1700000000, 0))

	w, err := NewWriter(path, layers.LinkTypeEthernet, 0, 4, zap.NewNop().Sugar())
	require.NoError(t, err)
	w.Enqueue(g.TCP("10.0.0.1", 40000, "10.0.0.2", 80, 1, pcapgen.TCPFlags{SYN: true}, nil))
	w.Enqueue(g.UDP("10.0.0.1", 40001, "10.0.0.3", 53, pcapgen.DNSQuery(7, "example.com")))

	ok, err := w.Commit()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, w.Written())

	_, err = os.Stat(path + partSuffix)
	assert.True(t, os.IsNotExist(err))

	packets, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, packets, 2)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), packets[0].Metadata().Timestamp.UTC())
	assert.NotNil(t, packets[1].Layer(layers.LayerTypeDNS))
	assert.NoError(t, Validate(path))

	// commit is idempotent
	_, err = w.Commit()
	assert.NoError(t, err)
}

func TestWriter_EmptyCaptureIsDiscarded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.pcap")
	w, err := NewWriter(path, layers.LinkTypeEthernet, 0, 0, zap.NewNop().Sugar())
	require.NoError(t, err)

	ok, err := w.Commit()
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(path + partSuffix)
	assert.True(t, os.IsNotExist(err))
}

func TestValidate_RejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.pcap")
	require.NoError(t, os.WriteFile(path, []byte("definitely not a capture"), 0644))
	assert.Error(t, Validate(path))
}

func TestSliceSource(t *testing.T) {
	g := pcapgen.New(time.Now())
	src := NewSliceSource(layers.LinkTypeEthernet, g.ARP(), g.ARP())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		p, err := src.Next(ctx)
		require.NoError(t, err)
		require.NotNil(t, p)
	}
	_, err := src.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)

	src.KeepOpen = true
	_, err = src.Next(ctx)
	assert.ErrorIs(t, err, ErrTimeout)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = src.Next(cctx)
	assert.ErrorIs(t, err, context.Canceled)

	src.Close()
	assert.True(t, src.Closed())
}
