// Package tlsproxy terminates intercepted TLS connections and hands the
// cleartext to the flows that registered for it.
package tlsproxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"go.uber.org/zap"
)

// Target is where an intercepted client was really connecting to.
type Target struct {
	DstAddr string
	DstPort uint16
	FlowID  string
}

// CleartextSink receives decrypted bytes of one flow.
type CleartextSink interface {
	AppendCleartext(b []byte)
}

// Options configures a Proxy.
type Options struct {
	ListenAddr  string
	DialTimeout time.Duration
	// InsecureUpstream skips verification of the real server certificate.
	InsecureUpstream bool
	// Dial overrides how upstream connections are made.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// Proxy is the engine-wide TLS terminating proxy. Clients are matched to
// their original destination by their (address, port) pair, which must be
// unique at any instant.
type Proxy struct {
	opts   Options
	ca     *CA
	logger *zap.SugaredLogger

	hosts cmap.ConcurrentMap[string, Target]
	flows cmap.ConcurrentMap[string, CleartextSink]

	ln     net.Listener
	wg     sync.WaitGroup
	cancel context.CancelFunc

	// OnRegister is called with the number of live registrations.
	OnRegister func(n int)
}

// New creates a proxy; Start binds it.
func New(opts Options, ca *CA, logger *zap.SugaredLogger) *Proxy {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.Dial == nil {
		d := &net.Dialer{Timeout: opts.DialTimeout}
		opts.Dial = d.DialContext
	}
	return &Proxy{
		opts:   opts,
		ca:     ca,
		logger: logger,
		hosts:  cmap.New[Target](),
		flows:  cmap.New[CleartextSink](),
	}
}

// ClientKey formats the registration key of a client endpoint.
func ClientKey(addr string, port uint16) string {
	return net.JoinHostPort(addr, strconv.Itoa(int(port)))
}

// Register associates a client endpoint with its destination and the flow
// receiving cleartext. A registration for the same endpoint is replaced.
func (p *Proxy) Register(clientAddr string, clientPort uint16, t Target, sink CleartextSink) {
	key := ClientKey(clientAddr, clientPort)
	p.hosts.Upsert(key, t, func(exist bool, old, nv Target) Target {
		if exist && old.FlowID != nv.FlowID {
			p.logger.Warnw("TLS registration replaced", "client", key, "old_flow", old.FlowID, "new_flow", nv.FlowID)
		}
		return nv
	})
	p.flows.Set(t.FlowID, sink)
	if p.OnRegister != nil {
		p.OnRegister(p.hosts.Count())
	}
}

// Unregister drops the registration of a client endpoint if it still
// points at fid.
func (p *Proxy) Unregister(clientAddr string, clientPort uint16, fid string) {
	p.hosts.RemoveCb(ClientKey(clientAddr, clientPort), func(_ string, t Target, exists bool) bool {
		return exists && t.FlowID == fid
	})
	p.flows.Remove(fid)
}

// Lookup returns the registered destination of a client endpoint.
func (p *Proxy) Lookup(clientAddr string, clientPort uint16) (Target, bool) {
	return p.hosts.Get(ClientKey(clientAddr, clientPort))
}

// Registrations is the number of registered client endpoints.
func (p *Proxy) Registrations() int {
	return p.hosts.Count()
}

// Start binds the listener and serves until Close or ctx is done.
func (p *Proxy) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", p.opts.ListenAddr)
	if err != nil {
		return fmt.Errorf("tls proxy listen on %s: %w", p.opts.ListenAddr, err)
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.ln = ln
	p.logger.Infow("TLS proxy listening", "addr", ln.Addr().String())

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		<-ctx.Done()
		ln.Close()
	}()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				p.logger.Warnw("TLS proxy accept failed", "error", err)
				continue
			}
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				p.handle(ctx, conn)
			}()
		}
	}()
	return nil
}

// Addr is the bound listen address.
func (p *Proxy) Addr() net.Addr {
	if p.ln == nil {
		return nil
	}
	return p.ln.Addr()
}

// Close stops accepting and waits for open connections to finish.
func (p *Proxy) Close() error {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	return nil
}

func (p *Proxy) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	host, portStr, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return
	}
	port, _ := strconv.Atoi(portStr)
	target, ok := p.Lookup(host, uint16(port))
	if !ok {
		p.logger.Warnw("TLS proxy connection from unregistered client", "client", conn.RemoteAddr().String())
		return
	}
	defer p.Unregister(host, uint16(port), target.FlowID)

	serverName := target.DstAddr
	client := tls.Server(conn, &tls.Config{
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			if hello.ServerName != "" {
				serverName = hello.ServerName
			}
			return p.ca.Leaf(serverName)
		},
	})
	hctx, cancel := context.WithTimeout(ctx, p.opts.DialTimeout)
	defer cancel()
	if err := client.HandshakeContext(hctx); err != nil {
		p.logger.Debugw("TLS proxy client handshake failed", "client", conn.RemoteAddr().String(), "error", err)
		return
	}

	dst := net.JoinHostPort(target.DstAddr, strconv.Itoa(int(target.DstPort)))
	raw, err := p.opts.Dial(hctx, "tcp", dst)
	if err != nil {
		p.logger.Warnw("TLS proxy upstream dial failed", "dst", dst, "error", err)
		return
	}
	upstream := tls.Client(raw, &tls.Config{ServerName: serverName, InsecureSkipVerify: p.opts.InsecureUpstream})
	defer upstream.Close()
	if err := upstream.HandshakeContext(hctx); err != nil {
		p.logger.Warnw("TLS proxy upstream handshake failed", "dst", dst, "server_name", serverName, "error", err)
		return
	}

	sink, ok := p.flows.Get(target.FlowID)
	if !ok {
		return
	}
	p.logger.Debugw("TLS session intercepted", "client", conn.RemoteAddr().String(), "dst", dst, "flow", target.FlowID)

	tee := &sinkWriter{sink: sink}
	done := make(chan struct{}, 2)
	go func() {
		io.Copy(upstream, io.TeeReader(client, tee))
		upstream.CloseWrite()
		done <- struct{}{}
	}()
	go func() {
		io.Copy(client, io.TeeReader(upstream, tee))
		client.CloseWrite()
		done <- struct{}{}
	}()
	select {
	case <-done:
		<-done
	case <-ctx.Done():
	}
}

// sinkWriter serialises both directions into one sink.
type sinkWriter struct {
	mu   sync.Mutex
	sink CleartextSink
}

func (w *sinkWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sink.AppendCleartext(append([]byte(nil), b...))
	return len(b), nil
}
