package flow

import (
	"sort"
	"sync"

	"Go2NetGraph/internal/model"
)

// Options tune flow tracking for a session.
type Options struct {
	MaxOutOfOrder int
	// Bidirectional makes reverse-direction packets count toward the
	// forward flow instead of opening a flow of their own.
	Bidirectional bool
}

// Tracker owns the flows of one session. The capture loop is the only
// writer; readers may call the accessors concurrently.
type Tracker struct {
	opts Options

	mu    sync.RWMutex
	flows map[string]*Flow
	asm   *reassembler
}

// NewTracker returns an empty tracker.
func NewTracker(opts Options) *Tracker {
	return &Tracker{opts: opts, flows: make(map[string]*Flow), asm: newReassembler(opts.MaxOutOfOrder)}
}

// Dispatch routes a TCP or UDP packet to its flow, creating the flow on
// first sight. It returns the flow and whether it was created.
func (t *Tracker) Dispatch(pkt *model.PacketInfo) (*Flow, bool) {
	fid := Key(pkt.FiveTuple)

	t.mu.RLock()
	f, ok := t.flows[fid]
	asm := t.asm
	var rev *Flow
	if !ok && t.opts.Bidirectional {
		rev = t.flows[ReverseKey(pkt.FiveTuple)]
	}
	t.mu.RUnlock()

	switch {
	case ok:
		f.Add(pkt)
		return f, false
	case rev != nil:
		rev.AddCounters(pkt)
		return rev, false
	}

	f = newFlow(pkt, asm)
	t.mu.Lock()
	t.flows[fid] = f
	t.mu.Unlock()
	return f, true
}

// Get returns the flow with id fid.
func (t *Tracker) Get(fid string) (*Flow, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	f, ok := t.flows[fid]
	return f, ok
}

// Len is the number of flows.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.flows)
}

// Flows returns all flows ordered by creation time, then id.
func (t *Tracker) Flows() []*Flow {
	t.mu.RLock()
	out := make([]*Flow, 0, len(t.flows))
	for _, f := range t.flows {
		out = append(out, f)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].FID < out[j].FID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// Statistics reports every flow in creation order.
func (t *Tracker) Statistics(includePayload bool, enc string) ([]Statistics, error) {
	flows := t.Flows()
	out := make([]Statistics, 0, len(flows))
	for _, f := range flows {
		st, err := f.Statistics(includePayload, enc)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// Records returns the persisted form of every flow.
func (t *Tracker) Records() []model.FlowRecord {
	flows := t.Flows()
	out := make([]model.FlowRecord, 0, len(flows))
	for _, f := range flows {
		out = append(out, f.Record())
	}
	return out
}

// Load replaces the tracked flows with persisted ones.
func (t *Tracker) Load(recs []model.FlowRecord) {
	flows := make(map[string]*Flow, len(recs))
	for _, rec := range recs {
		flows[rec.FID] = FromRecord(rec)
	}
	t.mu.Lock()
	t.flows = flows
	t.mu.Unlock()
}

// Reset drops all flows and their reassembly state.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.flows = make(map[string]*Flow)
	t.asm = newReassembler(t.opts.MaxOutOfOrder)
	t.mu.Unlock()
}
