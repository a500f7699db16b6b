package module

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"Go2NetGraph/internal/engine/protocol"
	"Go2NetGraph/internal/model"
	"Go2NetGraph/pkg/pcap/pcapgen"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func packetInfo(t *testing.T, gen *pcapgen.Generator, src, dst string, dport uint16) *model.PacketInfo {
	t.Helper()
	info, err := protocol.ParsePacket(gen.TCP(src, 40000, dst, dport, 1, pcapgen.TCPFlags{ACK: true}, []byte("x")))
	require.NoError(t, err)
	return info
}

func TestRegister_DuplicatePanics(t *testing.T) {
	assert.Panics(t, func() { Register(ProtoStatsName, newProtoStats) })
	assert.Contains(t, Names(), ProtoStatsName)
}

func TestCreate_UnknownModule(t *testing.T) {
	_, err := Create([]string{"nope"}, Env{SessionID: "s1"})
	assert.ErrorContains(t, err, "unknown module")
}

func TestProtoStats_CountsAndCheckpoint(t *testing.T) {
	ctx := context.Background()
	entries := NewMemoryEntryStore()
	env := Env{SessionID: "s1", Entries: entries}

	mods, err := Create([]string{ProtoStatsName}, env)
	require.NoError(t, err)
	require.Len(t, mods, 1)
	m := mods[0]
	assert.Equal(t, ProtoStatsName, m.Name())

	gen := pcapgen.New(time.Unix(1700000000, 0))
	m.OnPacket(packetInfo(t, gen, "10.0.0.1", "10.0.0.2", 80))
	m.OnPacket(packetInfo(t, gen, "10.0.0.1", "10.0.0.2", 443))
	m.OnPacket(packetInfo(t, gen, "10.0.0.3", "10.0.0.2", 80))

	out, err := m.Bootstrap(ctx, map[string]string{"limit": "1"})
	require.NoError(t, err)
	s := out.(ProtoStatsSummary)
	assert.Equal(t, uint64(3), s.Packets)
	assert.Equal(t, uint64(2), s.Protocols["HTTP"])
	assert.Equal(t, uint64(1), s.Protocols["HTTPS"])
	require.Len(t, s.Top, 1)
	assert.Equal(t, Talker{Addr: "10.0.0.1", Packets: 2}, s.Top[0])

	_, err = m.Bootstrap(ctx, map[string]string{"limit": "x"})
	assert.Error(t, err)

	require.NoError(t, m.Checkpoint(ctx))

	// a new instance for the same session resumes from the entry
	again, err := Create([]string{ProtoStatsName}, env)
	require.NoError(t, err)
	out, err = again[0].Bootstrap(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), out.(ProtoStatsSummary).Packets)

	// other sessions do not see it
	other, err := Create([]string{ProtoStatsName}, Env{SessionID: "s2", Entries: entries})
	require.NoError(t, err)
	out, err = other[0].Bootstrap(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, out.(ProtoStatsSummary).Packets)
}

func TestMemoryEntryStore_Expiry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryEntryStore()
	now := time.Unix(1700000000, 0)
	store.now = func() time.Time { return now }

	require.NoError(t, store.Save(ctx, "s1", "m", map[string]int{"a": 1}, time.Hour))

	var got map[string]int
	require.NoError(t, store.Load(ctx, "s1", "m", &got))
	assert.Equal(t, 1, got["a"])

	now = now.Add(time.Hour)
	assert.ErrorIs(t, store.Load(ctx, "s1", "m", &got), model.ErrNotFound)
}

func TestStatic(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ProtoStatsName, "static"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ProtoStatsName, "static", "view.js"), []byte("js"), 0o644))

	mods, err := Create([]string{ProtoStatsName}, Env{SessionID: "s1", StaticDir: dir})
	require.NoError(t, err)

	data, err := mods[0].Static("view.js")
	require.NoError(t, err)
	assert.Equal(t, []byte("js"), data)

	for _, bad := range []string{"../secret.js", "noext", "a.b.c", ""} {
		_, err := mods[0].Static(bad)
		assert.ErrorIs(t, err, ErrInvalidFilename, bad)
	}
	_, err = mods[0].Static("missing.js")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidFilename)
}

func TestProtoStats_Reset(t *testing.T) {
	ctx := context.Background()
	mods, err := Create([]string{ProtoStatsName}, Env{SessionID: "reset", Entries: NewMemoryEntryStore()})
	require.NoError(t, err)
	m := mods[0]

	gen := pcapgen.New(time.Unix(1700000000, 0))
	m.OnPacket(packetInfo(t, gen, "10.0.0.1", "10.0.0.2", 80))
	m.Reset()
	m.OnPacket(packetInfo(t, gen, "10.0.0.3", "10.0.0.2", 443))

	out, err := m.Bootstrap(ctx, nil)
	require.NoError(t, err)
	s := out.(ProtoStatsSummary)
	assert.Equal(t, uint64(1), s.Packets)
	assert.Equal(t, map[string]uint64{"HTTPS": 1}, s.Protocols)
	assert.Equal(t, map[string]uint64{"10.0.0.3": 1}, s.Talkers)
}
