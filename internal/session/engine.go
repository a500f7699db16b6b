package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"Go2NetGraph/internal/config"
	"Go2NetGraph/internal/model"
	"Go2NetGraph/internal/module"
	"Go2NetGraph/internal/telemetry"
	"Go2NetGraph/internal/tlsproxy"
	"Go2NetGraph/pkg/pcap"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var (
	ErrSessionRunning    = errors.New("session is running")
	ErrSessionNotRunning = errors.New("session is not running")
	ErrSessionNotFound   = errors.New("session not found")
)

var unsafeName = regexp.MustCompile(`[^\w.-]`)

// SourceOpener opens the packet source of a session run.
type SourceOpener func(s *Session) (pcap.Source, error)

// Deps are the engine-wide collaborators shared by every session.
type Deps struct {
	Store       model.EntityStore
	Broadcaster model.Broadcaster
	// Proxy is nil when TLS interception is disabled.
	Proxy   *tlsproxy.Proxy
	Entries module.EntryStore
	Writers []model.Writer
	Logger  *zap.SugaredLogger
}

// Engine owns the sessions of the process, the checkpoint lock and the
// shared TLS proxy.
type Engine struct {
	cfg         *config.Config
	store       model.EntityStore
	broadcaster model.Broadcaster
	proxy       *tlsproxy.Proxy
	entries     module.EntryStore
	writers     []model.Writer
	logger      *zap.SugaredLogger
	tracer      trace.Tracer

	// serializes checkpoints of concurrently finishing sessions
	checkpointMu sync.Mutex

	mu       sync.Mutex
	sessions map[string]*Session

	localAddrs []string

	// OpenSource defaults to a live capture, or replay of the session's
	// capture file when it has one.
	OpenSource SourceOpener
	// OnStateChange is called when a session starts or stops running.
	OnStateChange func(s *Session, running bool)
}

// NewEngine builds an engine. Addresses of the configured excluded
// interfaces are resolved once and kept out of every capture filter.
func NewEngine(cfg *config.Config, deps Deps) *Engine {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}
	if deps.Broadcaster == nil {
		deps.Broadcaster = discard{}
	}
	if deps.Entries == nil {
		deps.Entries = module.NewMemoryEntryStore()
	}
	e := &Engine{
		cfg:         cfg,
		store:       deps.Store,
		broadcaster: deps.Broadcaster,
		proxy:       deps.Proxy,
		entries:     deps.Entries,
		writers:     deps.Writers,
		logger:      deps.Logger,
		tracer:      telemetry.Tracer(),
		sessions:    make(map[string]*Session),
	}
	for _, iface := range cfg.Sniffer.ExcludedInterfaces {
		addrs, err := pcap.InterfaceAddrs(iface)
		if err != nil {
			e.logger.Warnw("Failed to resolve interface addresses", "interface", iface, "error", err)
			continue
		}
		e.localAddrs = append(e.localAddrs, addrs...)
	}
	e.OpenSource = e.openSource
	return e
}

type discard struct{}

func (discard) Broadcast(model.Event) {}

// BuildFilter composes the capture filter of a new session. The loopback,
// the remote client and the local interface addresses are never captured.
func BuildFilter(remoteAddr string, localAddrs []string, user string) string {
	var sb strings.Builder
	sb.WriteString("ip and not host 127.0.0.1")
	if remoteAddr != "" {
		sb.WriteString(" and not host " + remoteAddr)
	}
	for _, a := range localAddrs {
		sb.WriteString(" and not host " + a)
	}
	if user = strings.TrimSpace(user); user != "" {
		sb.WriteString(" and (" + user + ")")
	}
	return sb.String()
}

// PcapFilename is the capture file name of a session.
func PcapFilename(id, name string) string {
	return fmt.Sprintf("%s-%s.pcap", id, unsafeName.ReplaceAllString(name, "_"))
}

// PcapPath is where the capture file of s lives.
func (e *Engine) PcapPath(s *Session) string {
	return filepath.Join(e.cfg.Sniffer.Dir, PcapFilename(s.ID, s.Name))
}

func (e *Engine) openSource(s *Session) (pcap.Source, error) {
	if s.Pcap() {
		return pcap.OpenOffline(pcap.OfflineOptions{
			Path:   e.PcapPath(s),
			Filter: s.Filter,
			Delay:  e.cfg.Sniffer.ReplayDelay(),
		})
	}
	return pcap.OpenLive(pcap.LiveOptions{
		Device:       e.cfg.Sniffer.Device,
		Filter:       s.Filter,
		SnapLen:      e.cfg.Sniffer.SnapLen,
		Promiscuous:  e.cfg.Sniffer.Promiscuous,
		PollInterval: e.cfg.Sniffer.PollInterval(),
	})
}

// NewOptions describe a session to create.
type NewOptions struct {
	Name         string
	RemoteAddr   string
	Filter       string
	InterceptTLS bool
	Public       bool
	// Capture, when set, is an uploaded capture file the session replays.
	Capture []byte
}

// NewSession creates and persists an Idle session.
func (e *Engine) NewSession(ctx context.Context, opts NewOptions) (*Session, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return nil, errors.New("session name is required")
	}
	rec := model.SessionRecord{
		ID:           uuid.NewString(),
		Name:         opts.Name,
		Filter:       BuildFilter(opts.RemoteAddr, e.localAddrs, opts.Filter),
		InterceptTLS: opts.InterceptTLS,
		Public:       opts.Public,
		CreatedAt:    time.Now().UTC(),
	}
	s := e.newSession(rec)

	if len(opts.Capture) > 0 {
		path := e.PcapPath(s)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create capture directory: %w", err)
		}
		if err := os.WriteFile(path, opts.Capture, 0644); err != nil {
			return nil, fmt.Errorf("failed to store capture file: %w", err)
		}
		if err := pcap.Validate(path); err != nil {
			os.Remove(path)
			return nil, err
		}
		s.setPcap()
	}

	if err := e.store.SaveSession(ctx, s.record()); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	e.mu.Lock()
	e.sessions[s.ID] = s
	e.mu.Unlock()

	e.logger.Infow("Session created", "session", s.Name, "id", s.ID, "filter", s.Filter, "pcap", s.Pcap())
	return s, nil
}

// Get returns the session from memory, rehydrating it from the store on a
// miss.
func (e *Engine) Get(ctx context.Context, id string) (*Session, error) {
	e.mu.Lock()
	s, ok := e.sessions[id]
	e.mu.Unlock()
	if ok {
		return s, nil
	}

	rec, err := e.store.LoadSession(ctx, id)
	if errors.Is(err, model.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}

	s = e.newSession(*rec)
	s.restore(rec)

	e.mu.Lock()
	// a concurrent Get may have won
	if existing, ok := e.sessions[id]; ok {
		s = existing
	} else {
		e.sessions[id] = s
	}
	e.mu.Unlock()

	e.logger.Debugw("Session rehydrated", "session", s.Name, "id", s.ID, "flows", s.tracker.Len())
	return s, nil
}

// Info is the listing view of a session.
type Info struct {
	ID           string    `json:"_id"`
	Name         string    `json:"name"`
	Filter       string    `json:"filter"`
	InterceptTLS bool      `json:"intercept_tls"`
	Pcap         bool      `json:"pcap"`
	Public       bool      `json:"public"`
	CreatedAt    time.Time `json:"date_created"`
	PacketCount  uint64    `json:"packet_count"`
	Running      bool      `json:"status"`
}

// List reports stored sessions, overlaid with the live state of those in
// memory, newest first.
func (e *Engine) List(ctx context.Context) ([]Info, error) {
	recs, err := e.store.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	e.mu.Lock()
	live := make(map[string]*Session, len(e.sessions))
	for id, s := range e.sessions {
		live[id] = s
	}
	e.mu.Unlock()

	out := make([]Info, 0, len(recs))
	for _, rec := range recs {
		if s, ok := live[rec.ID]; ok {
			out = append(out, s.Info())
			delete(live, rec.ID)
			continue
		}
		out = append(out, Info{
			ID:           rec.ID,
			Name:         rec.Name,
			Filter:       rec.Filter,
			InterceptTLS: rec.InterceptTLS,
			Pcap:         rec.Pcap,
			Public:       rec.Public,
			CreatedAt:    rec.CreatedAt,
			PacketCount:  rec.PacketCount,
		})
	}
	for _, s := range live {
		out = append(out, s.Info())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Delete removes a stopped session and its capture file.
func (e *Engine) Delete(ctx context.Context, id string) error {
	s, err := e.Get(ctx, id)
	if err != nil {
		return err
	}
	if s.Running() {
		return ErrSessionRunning
	}

	if err := e.store.DeleteSession(ctx, id); err != nil && !errors.Is(err, model.ErrNotFound) {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if err := os.Remove(e.PcapPath(s)); err != nil && !os.IsNotExist(err) {
		e.logger.Warnw("Failed to remove capture file", "session", s.Name, "error", err)
	}

	e.mu.Lock()
	delete(e.sessions, id)
	e.mu.Unlock()

	e.logger.Infow("Session deleted", "session", s.Name, "id", id)
	return nil
}

// Close stops every running session, waiting for their checkpoints.
func (e *Engine) Close() {
	e.mu.Lock()
	running := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		if s.Running() {
			running = append(running, s)
		}
	}
	e.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range running {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			if err := s.Stop(); err != nil && !errors.Is(err, ErrSessionNotRunning) {
				e.logger.Warnw("Failed to stop session", "session", s.Name, "error", err)
			}
		}(s)
	}
	wg.Wait()
}

// checkpoint persists s under the engine-wide lock.
func (e *Engine) checkpoint(ctx context.Context, s *Session) {
	ctx, span := e.tracer.Start(ctx, "session.checkpoint", trace.WithAttributes(
		attribute.String("session.id", s.ID),
		attribute.String("session.name", s.Name),
	))
	defer span.End()

	e.checkpointMu.Lock()
	defer e.checkpointMu.Unlock()
	s.checkpoint(ctx)
}
