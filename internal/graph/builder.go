// Package graph turns packets and decoded flows into deduplicated node and
// edge deltas for a session.
package graph

import (
	"context"
	"sync"
	"time"

	"github.com/google/gopacket/layers"
	"go.uber.org/zap"

	"Go2NetGraph/internal/decoder"
	"Go2NetGraph/internal/model"
)

// Edge labels that are not protocol or record names.
const (
	LabelHost    = "host"
	LabelReferer = "referer"
)

const dnsPort = 53

// Delta holds the nodes and edges first seen by one update.
type Delta struct {
	Nodes []*model.Node `json:"nodes"`
	Edges []*model.Edge `json:"edges"`
}

// Empty reports whether the delta carries nothing.
func (d Delta) Empty() bool {
	return len(d.Nodes) == 0 && len(d.Edges) == 0
}

// Merge appends o to d.
func (d *Delta) Merge(o Delta) {
	d.Nodes = append(d.Nodes, o.Nodes...)
	d.Edges = append(d.Edges, o.Edges...)
}

// Builder caches the nodes and edges of one session. The store is asked
// about each distinct value at most once per session, misses included.
type Builder struct {
	store  model.EntityStore
	logger *zap.SugaredLogger

	mu     sync.RWMutex
	nodes  map[string]*model.Node
	misses map[string]struct{}
	edges  map[string]*model.Edge
	order  []string
}

// NewBuilder returns an empty builder backed by store.
func NewBuilder(store model.EntityStore, logger *zap.SugaredLogger) *Builder {
	b := &Builder{store: store, logger: logger}
	b.Reset()
	return b
}

// Reset drops every cached node and edge.
func (b *Builder) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nodes = make(map[string]*model.Node)
	b.misses = make(map[string]struct{})
	b.edges = make(map[string]*model.Edge)
	b.order = nil
}

// Load seeds the cache with a persisted session graph.
func (b *Builder) Load(nodes []*model.Node, edges []*model.Edge) {
	b.Reset()
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, n := range nodes {
		b.nodes[n.Value] = n
	}
	for _, e := range edges {
		if _, ok := b.edges[e.ID]; !ok {
			b.order = append(b.order, e.ID)
		}
		b.edges[e.ID] = e
	}
}

// Nodes returns the distinct cached nodes.
func (b *Builder) Nodes() []*model.Node {
	b.mu.RLock()
	defer b.mu.RUnlock()
	seen := make(map[*model.Node]struct{}, len(b.nodes))
	out := make([]*model.Node, 0, len(b.nodes))
	for _, n := range b.nodes {
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// Edges returns the cached edges in insertion order.
func (b *Builder) Edges() []*model.Edge {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*model.Edge, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.edges[id])
	}
	return out
}

// lookup resolves value through the cache, then the store. The second
// result is true when the node is new to this session.
func (b *Builder) lookup(ctx context.Context, value string) (*model.Node, bool) {
	if value == "" {
		return nil, false
	}
	b.mu.RLock()
	n, hit := b.nodes[value]
	_, miss := b.misses[value]
	b.mu.RUnlock()
	if hit {
		return n, false
	}
	if miss {
		return nil, false
	}

	n, err := b.store.AddText(ctx, value)
	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil || n == nil {
		if err != nil {
			b.logger.Debugw("Entity lookup failed", "value", value, "error", err)
		}
		b.misses[value] = struct{}{}
		return nil, false
	}
	if cached, ok := b.nodes[n.Value]; ok {
		// the store normalised value to one we already hold
		b.nodes[value] = cached
		return cached, false
	}
	b.nodes[value] = n
	b.nodes[n.Value] = n
	return n, true
}

// link records src->dst. Persistent links go through the store; the rest
// only live in the session.
func (b *Builder) link(ctx context.Context, src, dst *model.Node, label string, persist bool, ts time.Time) (*model.Edge, bool) {
	id := model.EdgeID(src.ID, dst.ID, label)
	b.mu.RLock()
	_, exists := b.edges[id]
	b.mu.RUnlock()
	if exists {
		return nil, false
	}

	var e *model.Edge
	if persist {
		var err error
		if e, err = b.store.Connect(ctx, src, dst, label); err != nil {
			b.logger.Debugw("Failed to persist connection", "src", src.Value, "dst", dst.Value, "label", label, "error", err)
			e = nil
		}
	}
	if e == nil {
		e = model.NewEdge(src, dst, label, ts)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.edges[id] = e
	b.order = append(b.order, id)
	return e, true
}

func (d *Delta) addNode(n *model.Node, isNew bool) {
	if isNew {
		d.Nodes = append(d.Nodes, n)
	}
}

func (d *Delta) addEdge(e *model.Edge, isNew bool) {
	if isNew {
		d.Edges = append(d.Edges, e)
	}
}

// UpdateFromPacket links the two endpoint addresses of pkt.
func (b *Builder) UpdateFromPacket(ctx context.Context, pkt *model.PacketInfo) Delta {
	var d Delta
	src, isNew := b.lookup(ctx, pkt.FiveTuple.SrcIP.String())
	if src != nil {
		d.addNode(src, isNew)
	}
	dst, isNew := b.lookup(ctx, pkt.FiveTuple.DstIP.String())
	if dst != nil {
		d.addNode(dst, isNew)
	}
	if src != nil && dst != nil {
		d.addEdge(b.link(ctx, src, dst, ProtocolLabel(pkt), false, pkt.Timestamp))
	}
	return d
}

var graphRecordTypes = map[layers.DNSType]bool{
	layers.DNSTypeA:     true,
	layers.DNSTypeNS:    true,
	layers.DNSTypeCNAME: true,
	layers.DNSTypeMX:    true,
}

// UpdateFromDNS links the records of a DNS response coming from port 53.
func (b *Builder) UpdateFromDNS(ctx context.Context, pkt *model.PacketInfo) Delta {
	var d Delta
	dns := pkt.DNS
	if dns == nil || pkt.FiveTuple.SrcPort != dnsPort {
		return d
	}

	if len(dns.Questions) > 0 {
		if q, isNew := b.lookup(ctx, decoder.TrimName(string(dns.Questions[0].Name))); q != nil {
			d.addNode(q, isNew)
		}
	}

	sections := [][]layers.DNSResourceRecord{dns.Answers, dns.Authorities, dns.Additionals}
	for _, records := range sections {
		for _, rr := range records {
			if !graphRecordTypes[rr.Type] {
				b.logger.Debugw("Skipping DNS record", "name", string(rr.Name), "type", rr.Type.String())
				continue
			}
			name, nameNew := b.lookup(ctx, decoder.TrimName(string(rr.Name)))
			if name != nil {
				d.addNode(name, nameNew)
			}
			data, dataNew := b.lookup(ctx, decoder.RecordData(rr))
			if data != nil {
				d.addNode(data, dataNew)
			}
			if name == nil || data == nil {
				continue
			}
			d.addEdge(b.link(ctx, name, data, decoder.TypeName(rr.Type), true, pkt.Timestamp))
		}
	}
	return d
}

// UpdateFromFlow links the url, host, client and referer of an HTTP
// request flow. Other decoded types yield an empty delta.
func (b *Builder) UpdateFromFlow(ctx context.Context, srcAddr string, decoded *decoder.DecodedFlow, ts time.Time) Delta {
	var d Delta
	req, ok := decoded.HTTPElements()
	if !ok {
		return d
	}

	url, isNew := b.lookup(ctx, req.URL)
	if url != nil {
		d.addNode(url, isNew)
	}
	host, isNew := b.lookup(ctx, req.Host)
	if host != nil {
		d.addNode(host, isNew)
	}

	if url != nil && host != nil {
		d.addEdge(b.link(ctx, host, url, LabelHost, true, ts))
		if client, isNew := b.lookup(ctx, srcAddr); client != nil {
			d.addNode(client, isNew)
			d.addEdge(b.link(ctx, client, host, req.Method, false, ts))
		}
	}

	if req.Referer != "" {
		ref, isNew := b.lookup(ctx, req.Referer)
		if ref != nil {
			d.addNode(ref, isNew)
			if url != nil {
				d.addEdge(b.link(ctx, ref, url, LabelReferer, false, ts))
			}
		}
	}
	return d
}
