package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"Go2NetGraph/internal/engine/protocol"
	"Go2NetGraph/internal/flow"
	"Go2NetGraph/internal/graph"
	"Go2NetGraph/internal/metrics"
	"Go2NetGraph/internal/model"
	"Go2NetGraph/internal/module"
	"Go2NetGraph/internal/tlsproxy"
	"Go2NetGraph/pkg/pcap"

	"github.com/google/gopacket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// State is the lifecycle position of a session.
type State int

const (
	Idle State = iota
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

// Session is one capture run with its own flows and graph. Only its
// capture loop mutates the flows and graph; accessors may be called from
// any goroutine.
type Session struct {
	ID        string
	Name      string
	Filter    string
	CreatedAt time.Time

	engine  *Engine
	logger  *zap.SugaredLogger
	tracker *flow.Tracker
	graph   *graph.Builder
	modules []module.Module
	packets atomic.Uint64

	// serializes Start, which opens the source without holding mu
	startMu sync.Mutex

	mu           sync.Mutex
	state        State
	interceptTLS bool
	pcap         bool
	public       bool
	cancel       context.CancelFunc
	done         chan struct{}
	writer       *pcap.Writer
	interceptor  *tlsproxy.Interceptor
}

func (e *Engine) newSession(rec model.SessionRecord) *Session {
	logger := e.logger.With("session", rec.Name)
	s := &Session{
		ID:           rec.ID,
		Name:         rec.Name,
		Filter:       rec.Filter,
		CreatedAt:    rec.CreatedAt,
		engine:       e,
		logger:       logger,
		interceptTLS: rec.InterceptTLS,
		pcap:         rec.Pcap,
		public:       rec.Public,
		tracker: flow.NewTracker(flow.Options{
			MaxOutOfOrder: e.cfg.Sniffer.MaxOutOfOrder,
			Bidirectional: e.cfg.Sniffer.BidirectionalFlows,
		}),
		graph: graph.NewBuilder(e.store, logger),
	}

	mods, err := module.Create(e.cfg.Modules.Activated, module.Env{
		SessionID: rec.ID,
		Entries:   e.entries,
		EntryTTL:  e.cfg.Modules.EntryTTL(),
		StaticDir: e.cfg.Modules.StaticDir,
		Logger:    logger,
	})
	if err != nil {
		logger.Warnw("Failed to load modules", "error", err)
	}
	s.modules = mods
	return s
}

// restore loads the checkpointed state of rec. Interception is only
// possible while the session has no capture file.
func (s *Session) restore(rec *model.SessionRecord) {
	s.tracker.Load(rec.Data.Flows)
	s.graph.Load(rec.Data.Nodes, rec.Data.Edges)
	s.packets.Store(rec.PacketCount)
	s.interceptTLS = rec.InterceptTLS && !rec.Pcap
}

// Start resets the session and launches its capture loop. A source error
// leaves the session in its previous state.
func (s *Session) Start(ctx context.Context) error {
	ctx, span := s.engine.tracer.Start(ctx, "session.start", trace.WithAttributes(
		attribute.String("session.id", s.ID),
		attribute.String("session.name", s.Name),
	))
	defer span.End()

	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.Running() {
		return ErrSessionRunning
	}

	// openers read the session through its locking accessors
	src, err := s.engine.OpenSource(s)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Errorw("Failed to open packet source", "error", err)
		return fmt.Errorf("failed to open packet source: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var writer *pcap.Writer
	if !s.pcap {
		cfg := s.engine.cfg.Sniffer
		writer, err = pcap.NewWriter(s.engine.PcapPath(s), src.LinkType(), uint32(cfg.SnapLen), cfg.WriterBufferSize, s.logger)
		if err != nil {
			src.Close()
			return err
		}
	}

	s.tracker.Reset()
	s.graph.Reset()
	s.packets.Store(0)
	for _, m := range s.modules {
		m.Reset()
	}

	s.writer = writer
	s.interceptor = tlsproxy.NewInterceptor(s.engine.proxy, s.engine.cfg.Sniffer.TLSPorts, s.interceptTLS && !s.pcap, s.logger)
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.done = make(chan struct{})
	s.state = Running

	metrics.RunningSessions.Inc()
	if s.engine.OnStateChange != nil {
		s.engine.OnStateChange(s, true)
	}
	s.logger.Infow("Sniffing session started", "id", s.ID, "filter", s.Filter, "pcap", s.pcap, "intercept_tls", s.interceptor.Enabled())

	go s.run(loopCtx, src, s.done)
	return nil
}

// Stop asks the capture loop to exit and waits until it has checkpointed.
func (s *Session) Stop() error {
	s.mu.Lock()
	if s.state != Running {
		s.mu.Unlock()
		return ErrSessionNotRunning
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
	return nil
}

// Wait blocks until the current run, if any, has finished.
func (s *Session) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (s *Session) run(ctx context.Context, src pcap.Source, done chan struct{}) {
	defer close(done)

loop:
	for ctx.Err() == nil {
		raw, err := src.Next(ctx)
		switch {
		case err == nil:
			s.handlePacket(ctx, raw)
		case errors.Is(err, pcap.ErrTimeout):
		case errors.Is(err, io.EOF), ctx.Err() != nil:
			break loop
		default:
			s.logger.Errorw("Capture failed", "error", err)
			break loop
		}
	}
	src.Close()
	s.interceptor.Release()
	s.logger.Infow("Sniffing session stopped", "packets", s.packets.Load())

	s.engine.checkpoint(context.WithoutCancel(ctx), s)
	s.engine.broadcaster.Broadcast(model.Event{
		Type:        model.EventSniffDone,
		SessionName: s.Name,
		Data:        map[string]interface{}{"session_id": s.ID, "packet_count": s.packets.Load()},
	})

	s.mu.Lock()
	s.state = Stopped
	s.cancel()
	s.mu.Unlock()

	metrics.RunningSessions.Dec()
	if s.engine.OnStateChange != nil {
		s.engine.OnStateChange(s, false)
	}
}

// handlePacket runs the per-packet pipeline. Nothing here may fail the
// capture loop; lookup and decode problems are absorbed below.
func (s *Session) handlePacket(ctx context.Context, raw gopacket.Packet) {
	pkt, err := protocol.ParsePacket(raw)
	if err != nil {
		// IPv6 and non-IP frames are not analysed
		return
	}
	if s.writer != nil {
		s.writer.Enqueue(raw)
	}
	s.packets.Add(1)
	metrics.PacketsTotal.WithLabelValues(s.Name).Inc()

	var delta graph.Delta
	var f *flow.Flow
	if pkt.IsTCP() || pkt.IsUDP() {
		var created bool
		f, created = s.tracker.Dispatch(pkt)
		if created {
			metrics.FlowsTotal.Inc()
		}
		s.sendFlowStatistics(f)
		delta.Merge(s.graph.UpdateFromFlow(ctx, f.SrcAddr, f.Decoded(), pkt.Timestamp))
	}

	delta.Merge(s.graph.UpdateFromPacket(ctx, pkt))
	delta.Merge(s.graph.UpdateFromDNS(ctx, pkt))

	if f != nil {
		s.interceptor.Observe(pkt, f.FID, f)
	}

	if !delta.Empty() {
		metrics.NodesTotal.Add(float64(len(delta.Nodes)))
		metrics.EdgesTotal.Add(float64(len(delta.Edges)))
		s.engine.broadcaster.Broadcast(model.Event{Type: model.EventNodeUpdate, SessionName: s.Name, Data: delta})
	}

	for _, m := range s.modules {
		m.OnPacket(pkt)
	}
}

func (s *Session) sendFlowStatistics(f *flow.Flow) {
	st, err := f.Statistics(false, "")
	if err != nil {
		return
	}
	s.engine.broadcaster.Broadcast(model.Event{
		Type:        model.EventFlowStatistics,
		SessionName: s.Name,
		Data:        map[string]interface{}{"flow": st},
	})
}

// checkpoint commits the capture file, saves the session and archives its
// flows. The engine holds the checkpoint lock.
func (s *Session) checkpoint(ctx context.Context) {
	start := time.Now()
	defer func() { metrics.CheckpointSeconds.Observe(time.Since(start).Seconds()) }()

	s.mu.Lock()
	writer := s.writer
	s.writer = nil
	s.mu.Unlock()

	if writer != nil {
		committed, err := writer.Commit()
		switch {
		case err != nil:
			s.logger.Errorw("Failed to save capture file", "error", err)
		case committed:
			s.setPcap()
			s.logger.Infow("Capture file saved", "path", writer.Path(), "frames", writer.Written())
		}
	}

	for _, m := range s.modules {
		if err := m.Checkpoint(ctx); err != nil {
			s.logger.Warnw("Module checkpoint failed", "module", m.Name(), "error", err)
		}
	}

	rec := s.record()
	if err := s.engine.store.SaveSession(ctx, rec); err != nil {
		s.logger.Errorw("Failed to save session", "error", err)
	} else {
		s.logger.Infow("Sniffing session saved", "flows", len(rec.Data.Flows), "nodes", len(rec.Data.Nodes), "edges", len(rec.Data.Edges))
	}

	batch := model.ArchiveBatch{
		SessionID:   s.ID,
		SessionName: s.Name,
		Timestamp:   start.UTC().Format("2006-01-02_15-04-05"),
		Flows:       rec.Data.Flows,
	}
	for _, w := range s.engine.writers {
		if err := w.Write(ctx, batch); err != nil {
			s.logger.Errorw("Failed to archive flows", "writer", w.Name(), "error", err)
		}
	}
	for _, f := range rec.Data.Flows {
		ft := f.DecodedType
		if ft == "" {
			ft = "none"
		}
		metrics.DecodedFlows.WithLabelValues(ft).Inc()
	}
}

func (s *Session) setPcap() {
	s.mu.Lock()
	s.pcap = true
	s.interceptTLS = false
	s.mu.Unlock()
}

func (s *Session) record() *model.SessionRecord {
	s.mu.Lock()
	rec := &model.SessionRecord{
		ID:           s.ID,
		Name:         s.Name,
		Filter:       s.Filter,
		InterceptTLS: s.interceptTLS,
		Pcap:         s.pcap,
		Public:       s.public,
		CreatedAt:    s.CreatedAt,
	}
	s.mu.Unlock()

	rec.PacketCount = s.packets.Load()
	rec.Data = model.SessionData{
		Flows: s.tracker.Records(),
		Nodes: s.graph.Nodes(),
		Edges: s.graph.Edges(),
	}
	return rec
}

// State reports the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Running reports whether the capture loop is active.
func (s *Session) Running() bool { return s.State() == Running }

func (s *Session) PacketCount() uint64 { return s.packets.Load() }

// Pcap reports whether the session is backed by a capture file.
func (s *Session) Pcap() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pcap
}

func (s *Session) InterceptTLS() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interceptTLS
}

func (s *Session) Public() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.public
}

// FlowStatus reports every flow, oldest first.
func (s *Session) FlowStatus(includePayload bool, enc string) ([]flow.Statistics, error) {
	if includePayload && enc != "" && !flow.ValidEncoding(enc) {
		return nil, fmt.Errorf("unknown payload encoding %q", enc)
	}
	return s.tracker.Statistics(includePayload, enc)
}

// Flow returns one flow by id.
func (s *Session) Flow(fid string) (*flow.Flow, bool) {
	return s.tracker.Get(fid)
}

// Graph returns the session's nodes and edges.
func (s *Session) Graph() graph.Delta {
	return graph.Delta{Nodes: s.graph.Nodes(), Edges: s.graph.Edges()}
}

// Module returns the loaded module called name.
func (s *Session) Module(name string) (module.Module, bool) {
	for _, m := range s.modules {
		if m.Name() == name {
			return m, true
		}
	}
	return nil, false
}

// Modules lists the names of the loaded modules.
func (s *Session) Modules() []string {
	names := make([]string, 0, len(s.modules))
	for _, m := range s.modules {
		names = append(names, m.Name())
	}
	return names
}

// PcapPath is the capture file location of the session.
func (s *Session) PcapPath() string { return s.engine.PcapPath(s) }

// Info is the listing view of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:           s.ID,
		Name:         s.Name,
		Filter:       s.Filter,
		InterceptTLS: s.interceptTLS,
		Pcap:         s.pcap,
		Public:       s.public,
		CreatedAt:    s.CreatedAt,
		PacketCount:  s.packets.Load(),
		Running:      s.state == Running,
	}
}
