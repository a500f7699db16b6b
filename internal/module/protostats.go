package module

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"

	"Go2NetGraph/internal/graph"
	"Go2NetGraph/internal/model"
)

const ProtoStatsName = "protostats"

func init() {
	Register(ProtoStatsName, newProtoStats)
}

// Talker is one address and the number of packets it sent.
type Talker struct {
	Addr    string `json:"addr"`
	Packets uint64 `json:"packets"`
}

// ProtoStatsSummary is what protostats saves and renders.
type ProtoStatsSummary struct {
	Packets   uint64            `json:"packets"`
	Protocols map[string]uint64 `json:"protocols"`
	Talkers   map[string]uint64 `json:"talkers"`
	Top       []Talker          `json:"top_talkers,omitempty"`
}

// ProtoStats counts packets per protocol label and per source address.
type ProtoStats struct {
	Base

	mu        sync.Mutex
	packets   uint64
	protocols map[string]uint64
	talkers   map[string]uint64
}

func newProtoStats(env Env) (Module, error) {
	p := &ProtoStats{
		Base:      NewBase(ProtoStatsName, env),
		protocols: make(map[string]uint64),
		talkers:   make(map[string]uint64),
	}

	// resume from the last checkpoint of this session
	var saved ProtoStatsSummary
	err := p.LoadEntry(context.Background(), &saved)
	switch {
	case err == nil:
		p.packets = saved.Packets
		for k, v := range saved.Protocols {
			p.protocols[k] = v
		}
		for k, v := range saved.Talkers {
			p.talkers[k] = v
		}
	case !errors.Is(err, model.ErrNotFound):
		env.Logger.Warnw("Failed to load module entry", "module", ProtoStatsName, "session", env.SessionID, "error", err)
	}
	return p, nil
}

func (p *ProtoStats) OnPacket(pkt *model.PacketInfo) {
	label := graph.ProtocolLabel(pkt)
	src := pkt.FiveTuple.SrcIP.String()

	p.mu.Lock()
	p.packets++
	p.protocols[label]++
	p.talkers[src]++
	p.mu.Unlock()
}

func (p *ProtoStats) Reset() {
	p.mu.Lock()
	p.packets = 0
	p.protocols = make(map[string]uint64)
	p.talkers = make(map[string]uint64)
	p.mu.Unlock()
}

// Summary returns a copy of the counters with the limit busiest talkers.
func (p *ProtoStats) Summary(limit int) ProtoStatsSummary {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := ProtoStatsSummary{
		Packets:   p.packets,
		Protocols: make(map[string]uint64, len(p.protocols)),
		Talkers:   make(map[string]uint64, len(p.talkers)),
	}
	for k, v := range p.protocols {
		s.Protocols[k] = v
	}
	top := make([]Talker, 0, len(p.talkers))
	for k, v := range p.talkers {
		s.Talkers[k] = v
		top = append(top, Talker{Addr: k, Packets: v})
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].Packets != top[j].Packets {
			return top[i].Packets > top[j].Packets
		}
		return top[i].Addr < top[j].Addr
	})
	if limit > 0 && len(top) > limit {
		top = top[:limit]
	}
	s.Top = top
	return s
}

// Bootstrap accepts an optional "limit" argument (default 10).
func (p *ProtoStats) Bootstrap(_ context.Context, args map[string]string) (interface{}, error) {
	limit := 10
	if v, ok := args["limit"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, errors.New("limit must be a non-negative integer")
		}
		limit = n
	}
	return p.Summary(limit), nil
}

func (p *ProtoStats) Checkpoint(ctx context.Context) error {
	s := p.Summary(0)
	s.Top = nil
	return p.SaveEntry(ctx, s)
}
