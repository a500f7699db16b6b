package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"Go2NetGraph/internal/config"
	"Go2NetGraph/internal/model"
	"Go2NetGraph/internal/module"
	"Go2NetGraph/internal/store"
	"Go2NetGraph/pkg/pcap"
	"Go2NetGraph/pkg/pcap/pcapgen"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recorder struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *recorder) Broadcast(ev model.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) count(typ string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

// shared so that module entries survive an engine restart
var entries = module.NewMemoryEntryStore()

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Sniffer.Dir = t.TempDir()
	cfg.Modules.Activated = []string{module.ProtoStatsName}
	return cfg
}

func traffic() []gopacket.Packet {
	gen := pcapgen.New(time.Unix(1700000000, 0))
	req := []byte("GET /index.html HTTP/1.1\r\nHost: example.com\r\nReferer: http://example.net/\r\n\r\n")
	return []gopacket.Packet{
		gen.UDP("10.0.0.1", 33000, "8.8.8.8", 53, pcapgen.DNSQuery(7, "example.com")),
		gen.UDP("8.8.8.8", 53, "10.0.0.1", 33000, pcapgen.DNSResponse(7, "example.com", pcapgen.A("example.com", "93.184.216.34"))),
		gen.TCP("10.0.0.1", 40000, "93.184.216.34", 80, 1000, pcapgen.TCPFlags{SYN: true}, nil),
		gen.TCP("10.0.0.1", 40000, "93.184.216.34", 80, 1001, pcapgen.TCPFlags{ACK: true, PSH: true}, req),
		gen.ARP(),
	}
}

func newEngine(t *testing.T, cfg *config.Config, st model.EntityStore, rec *recorder, keepOpen bool) *Engine {
	t.Helper()
	e := NewEngine(cfg, Deps{Store: st, Broadcaster: rec, Entries: entries})
	e.OpenSource = func(*Session) (pcap.Source, error) {
		src := pcap.NewSliceSource(layers.LinkTypeEthernet, traffic()...)
		src.KeepOpen = keepOpen
		return src, nil
	}
	return e
}

func TestBuildFilter(t *testing.T) {
	assert.Equal(t, "ip and not host 127.0.0.1", BuildFilter("", nil, ""))
	assert.Equal(t,
		"ip and not host 127.0.0.1 and not host 192.168.1.5 and not host 10.0.0.9 and (tcp port 80)",
		BuildFilter("192.168.1.5", []string{"10.0.0.9"}, " tcp port 80 "))
}

func TestPcapFilename(t *testing.T) {
	assert.Equal(t, "abc-my_session.pcap", PcapFilename("abc", "my session"))
	assert.Equal(t, "abc-.._x.pcap", PcapFilename("abc", "../x"))
}

func TestStopIdleSessionRejected(t *testing.T) {
	rec := &recorder{}
	e := newEngine(t, testConfig(t), store.NewMemoryStore(), rec, true)
	s, err := e.NewSession(context.Background(), NewOptions{Name: "idle"})
	require.NoError(t, err)

	assert.ErrorIs(t, s.Stop(), ErrSessionNotRunning)
	assert.Equal(t, Idle, s.State())
	assert.Zero(t, rec.count(model.EventSniffDone))
}

func TestStartStopEmitsSniffDoneOnce(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	cfg := testConfig(t)
	e := newEngine(t, cfg, store.NewMemoryStore(), rec, true)

	s, err := e.NewSession(ctx, NewOptions{Name: "live", RemoteAddr: "192.168.1.5"})
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx))
	assert.True(t, s.Running())
	assert.ErrorIs(t, s.Start(ctx), ErrSessionRunning)

	// the ARP frame is not counted
	require.Eventually(t, func() bool { return s.PacketCount() == 4 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Stop())
	assert.Equal(t, Stopped, s.State())
	assert.Equal(t, 1, rec.count(model.EventSniffDone))
	assert.ErrorIs(t, s.Stop(), ErrSessionNotRunning)
	assert.Equal(t, 1, rec.count(model.EventSniffDone))

	assert.Equal(t, 4, rec.count(model.EventFlowStatistics))
	assert.Positive(t, rec.count(model.EventNodeUpdate))

	// the capture was committed and the session is now replayable
	assert.True(t, s.Pcap())
	assert.False(t, s.InterceptTLS())
	pkts, err := pcap.ReadFile(s.PcapPath())
	require.NoError(t, err)
	assert.Len(t, pkts, 4)
}

func TestSourceErrorKeepsSessionIdle(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, testConfig(t), store.NewMemoryStore(), &recorder{}, true)
	e.OpenSource = func(*Session) (pcap.Source, error) { return nil, errors.New("no such device") }

	s, err := e.NewSession(ctx, NewOptions{Name: "broken"})
	require.NoError(t, err)
	assert.Error(t, s.Start(ctx))
	assert.Equal(t, Idle, s.State())
}

func TestCheckpointRoundTrip(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	st := store.NewMemoryStore()
	e := newEngine(t, cfg, st, &recorder{}, false)

	s, err := e.NewSession(ctx, NewOptions{Name: "replay", InterceptTLS: true})
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx))
	s.Wait()
	require.Equal(t, Stopped, s.State())

	before, err := s.FlowStatus(false, "")
	require.NoError(t, err)
	require.Len(t, before, 3)
	graphBefore := s.Graph()
	require.NotEmpty(t, graphBefore.Edges)

	// a fresh engine over the same store rehydrates the session
	e2 := newEngine(t, cfg, st, &recorder{}, false)
	loaded, err := e2.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.NotSame(t, s, loaded)
	assert.Equal(t, Idle, loaded.State())
	assert.True(t, loaded.Pcap())
	assert.False(t, loaded.InterceptTLS())
	assert.Equal(t, uint64(4), loaded.PacketCount())

	after, err := loaded.FlowStatus(false, "")
	require.NoError(t, err)
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].FID, after[i].FID)
		assert.Equal(t, before[i].Decoded, after[i].Decoded)
		assert.Equal(t, before[i].PacketCount, after[i].PacketCount)
	}
	graphAfter := loaded.Graph()
	assert.ElementsMatch(t, graphBefore.Edges, graphAfter.Edges)
	assert.Len(t, graphAfter.Nodes, len(graphBefore.Nodes))

	m, ok := loaded.Module(module.ProtoStatsName)
	require.True(t, ok)
	out, err := m.Bootstrap(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), out.(module.ProtoStatsSummary).Packets)

	_, err = e2.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestFlowStatusDecodesHTTP(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, testConfig(t), store.NewMemoryStore(), &recorder{}, false)
	s, err := e.NewSession(ctx, NewOptions{Name: "http"})
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx))
	s.Wait()

	stats, err := s.FlowStatus(true, "web")
	require.NoError(t, err)
	var found bool
	for _, st := range stats {
		if st.DstPort != 80 {
			continue
		}
		found = true
		req, ok := st.Decoded.HTTPElements()
		require.True(t, ok)
		assert.Equal(t, "http://example.com/index.html", req.URL)
		require.NotNil(t, st.Payload)
		assert.Contains(t, *st.Payload, "GET /index.html")
	}
	assert.True(t, found)

	_, err = s.FlowStatus(true, "rot13")
	assert.Error(t, err)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	st := store.NewMemoryStore()
	e := newEngine(t, cfg, st, &recorder{}, true)

	s, err := e.NewSession(ctx, NewOptions{Name: "doomed"})
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx))
	assert.ErrorIs(t, e.Delete(ctx, s.ID), ErrSessionRunning)

	require.NoError(t, s.Stop())
	path := s.PcapPath()
	_, err = os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, e.Delete(ctx, s.ID))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	_, err = e.Get(ctx, s.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestNewSessionWithCapture(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	e := newEngine(t, cfg, store.NewMemoryStore(), &recorder{}, false)

	_, err := e.NewSession(ctx, NewOptions{Name: "bad", Capture: []byte("not a capture")})
	assert.Error(t, err)

	// build a real capture by running a live session first
	live, err := e.NewSession(ctx, NewOptions{Name: "src"})
	require.NoError(t, err)
	require.NoError(t, live.Start(ctx))
	live.Wait()
	data, err := os.ReadFile(live.PcapPath())
	require.NoError(t, err)

	s, err := e.NewSession(ctx, NewOptions{Name: "uploaded", Capture: data, InterceptTLS: true})
	require.NoError(t, err)
	assert.True(t, s.Pcap())
	assert.False(t, s.InterceptTLS())

	list, err := e.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	names := []string{list[0].Name, list[1].Name}
	assert.ElementsMatch(t, []string{"src", "uploaded"}, names)
}

func writeCapture(t *testing.T) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "traffic.pcap")
	w, err := pcap.NewWriter(path, layers.LinkTypeEthernet, 65535, 16, zap.NewNop().Sugar())
	require.NoError(t, err)
	for _, p := range traffic() {
		w.Enqueue(p)
	}
	ok, err := w.Commit()
	require.NoError(t, err)
	require.True(t, ok)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

func TestStartReplaysCaptureWithDefaultSource(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	e := NewEngine(testConfig(t), Deps{Store: store.NewMemoryStore(), Broadcaster: rec, Entries: entries})

	s, err := e.NewSession(ctx, NewOptions{Name: "file", Capture: writeCapture(t)})
	require.NoError(t, err)
	require.True(t, s.Pcap())

	started := make(chan error, 1)
	go func() { started <- s.Start(ctx) }()
	select {
	case err := <-started:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return")
	}
	s.Wait()

	assert.Equal(t, Stopped, s.State())
	assert.Equal(t, uint64(4), s.PacketCount())
	assert.Equal(t, 1, rec.count(model.EventSniffDone))
	stats, err := s.FlowStatus(false, "")
	require.NoError(t, err)
	assert.Len(t, stats, 3)
}

func TestRestartResetsModules(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, testConfig(t), store.NewMemoryStore(), &recorder{}, false)
	s, err := e.NewSession(ctx, NewOptions{Name: "twice"})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		require.NoError(t, s.Start(ctx))
		s.Wait()
	}

	assert.Equal(t, uint64(4), s.PacketCount())
	m, ok := s.Module(module.ProtoStatsName)
	require.True(t, ok)
	out, err := m.Bootstrap(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), out.(module.ProtoStatsSummary).Packets)
}
