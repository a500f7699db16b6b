package tlsproxy

import (
	"sync"

	"go.uber.org/zap"

	"Go2NetGraph/internal/model"
)

// InterceptedFlow is the part of a flow the interceptor touches.
type InterceptedFlow interface {
	CleartextSink
	MarkTLS()
}

type registration struct {
	addr string
	port uint16
}

// Interceptor registers a session's TLS connections with the shared proxy.
type Interceptor struct {
	proxy   *Proxy
	ports   map[uint16]struct{}
	enabled bool
	logger  *zap.SugaredLogger

	mu   sync.Mutex
	regs map[string]registration // flow id -> client endpoint
}

// NewInterceptor returns an interceptor for one session. It is inert when
// enabled is false or there is no proxy.
func NewInterceptor(proxy *Proxy, ports []uint16, enabled bool, logger *zap.SugaredLogger) *Interceptor {
	set := make(map[uint16]struct{}, len(ports))
	for _, p := range ports {
		set[p] = struct{}{}
	}
	return &Interceptor{
		proxy:   proxy,
		ports:   set,
		enabled: enabled && proxy != nil,
		logger:  logger,
		regs:    make(map[string]registration),
	}
}

// Enabled reports whether interception is active.
func (i *Interceptor) Enabled() bool { return i.enabled }

// Observe marks f as intercepted and registers it when pkt opens a
// connection to a TLS port. It reports whether a registration happened.
func (i *Interceptor) Observe(pkt *model.PacketInfo, fid string, f InterceptedFlow) bool {
	if !i.enabled || !pkt.IsTCP() || !pkt.TCP.SYN || pkt.TCP.ACK {
		return false
	}
	ft := pkt.FiveTuple
	if _, ok := i.ports[ft.DstPort]; !ok {
		return false
	}

	f.MarkTLS()
	src := ft.SrcIP.String()
	i.proxy.Register(src, ft.SrcPort, Target{DstAddr: ft.DstIP.String(), DstPort: ft.DstPort, FlowID: fid}, f)

	i.mu.Lock()
	i.regs[fid] = registration{addr: src, port: ft.SrcPort}
	i.mu.Unlock()

	i.logger.Debugw("TLS SYN registered", "src", src, "sport", ft.SrcPort, "dst", ft.DstIP.String(), "dport", ft.DstPort, "flow", fid)
	return true
}

// Release removes every registration this session made.
func (i *Interceptor) Release() {
	i.mu.Lock()
	regs := i.regs
	i.regs = make(map[string]registration)
	i.mu.Unlock()

	for fid, r := range regs {
		i.proxy.Unregister(r.addr, r.port, fid)
	}
}
