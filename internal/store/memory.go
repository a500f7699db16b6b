package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"Go2NetGraph/internal/model"
)

// MemoryStore keeps entities and sessions in process memory.
type MemoryStore struct {
	mu       sync.Mutex
	nodes    map[string]*model.Node
	edges    map[string]*model.Edge
	sessions map[string]model.SessionRecord
	now      func() time.Time

	// Lookups counts AddText calls.
	Lookups int
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:    make(map[string]*model.Node),
		edges:    make(map[string]*model.Edge),
		sessions: make(map[string]model.SessionRecord),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) AddText(_ context.Context, text string) (*model.Node, error) {
	typ, value, ok := Classify(text)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.Lookups++
	if !ok {
		return nil, nil
	}
	now := s.now()
	if n, ok := s.nodes[value]; ok {
		n.LastSeen = now
		cp := *n
		return &cp, nil
	}
	n := &model.Node{ID: uuid.NewString(), Value: value, Type: typ, Tags: []string{}, FirstSeen: now, LastSeen: now}
	s.nodes[value] = n
	cp := *n
	return &cp, nil
}

func (s *MemoryStore) Get(_ context.Context, value string) (*model.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nodes[value]; ok {
		cp := *n
		return &cp, nil
	}
	return nil, nil
}

func (s *MemoryStore) Connect(_ context.Context, src, dst *model.Node, label string) (*model.Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	id := model.EdgeID(src.ID, dst.ID, label)
	e, ok := s.edges[id]
	if !ok {
		e = model.NewEdge(src, dst, label, now)
		s.edges[id] = e
	}
	e.LastSeen = now
	cp := *e
	return &cp, nil
}

// EdgeCount is the number of stored edges.
func (s *MemoryStore) EdgeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.edges)
}

func (s *MemoryStore) SaveSession(_ context.Context, rec *model.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[rec.ID] = *rec
	return nil
}

func (s *MemoryStore) LoadSession(_ context.Context, id string) (*model.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &rec, nil
}

func (s *MemoryStore) ListSessions(_ context.Context) ([]model.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.SessionRecord, 0, len(s.sessions))
	for _, rec := range s.sessions {
		rec.Data = model.SessionData{}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return model.ErrNotFound
	}
	delete(s.sessions, id)
	return nil
}

func (s *MemoryStore) Close(context.Context) error { return nil }
