package main

import (
	"slices"
	"sync"
	"time"
)

// ===== In-memory adapters =====

type memoryStore struct {
	mu         sync.RWMutex
	positions  map[string]Position
	posOrder   []string
	groups     map[string]TradeGroup
	groupOrder []string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		positions: make(map[string]Position),
		groups:    make(map[string]TradeGroup),
	}
}

/* ---- Position repo ---- */

type memoryPositionRepo struct{ s *memoryStore }

func NewMemoryPositionRepo(s *memoryStore) *memoryPositionRepo { return &memoryPositionRepo{s: s} }

func (r *memoryPositionRepo) putLocked(p Position) {
	if _, ok := r.s.positions[p.ID]; !ok {
		r.s.posOrder = append(r.s.posOrder, p.ID)
	}
	r.s.positions[p.ID] = p
}

func (r *memoryPositionRepo) Create(p Position) (Position, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.putLocked(p)
	return p, nil
}

func (r *memoryPositionRepo) CreateBatch(ps []Position) ([]Position, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, p := range ps {
		r.putLocked(p)
	}
	return ps, nil
}

func (r *memoryPositionRepo) GetByID(id string) (Position, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	p, ok := r.s.positions[id]
	if !ok {
		return Position{}, ErrNotFound
	}
	return p, nil
}

func (r *memoryPositionRepo) List(filter ListFilter) ([]Position, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	all := make([]Position, 0, len(r.s.posOrder))
	for _, id := range r.s.posOrder {
		all = append(all, r.s.positions[id])
	}
	return applyFilter(all, filter), nil
}

func (r *memoryPositionRepo) Update(p Position) (Position, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.positions[p.ID]; !ok {
		return Position{}, ErrNotFound
	}
	p.UpdatedAt = time.Now()
	r.s.positions[p.ID] = p
	return p, nil
}

func (r *memoryPositionRepo) Delete(id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.positions[id]; !ok {
		return ErrNotFound
	}
	delete(r.s.positions, id)
	r.s.posOrder = slices.DeleteFunc(r.s.posOrder, func(x string) bool { return x == id })
	return nil
}

func (r *memoryPositionRepo) AssignGroups(assignments map[string]string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for posID, groupID := range assignments {
		p, ok := r.s.positions[posID]
		if !ok {
			continue
		}
		p.GroupID = groupID
		r.s.positions[posID] = p
	}
	return nil
}

/* ---- Group repo ---- */

type memoryGroupRepo struct{ s *memoryStore }

func NewMemoryGroupRepo(s *memoryStore) *memoryGroupRepo { return &memoryGroupRepo{s: s} }

func (r *memoryGroupRepo) Create(g TradeGroup) (TradeGroup, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.groups[g.ID]; !ok {
		r.s.groupOrder = append(r.s.groupOrder, g.ID)
	}
	r.s.groups[g.ID] = g
	return g, nil
}

func (r *memoryGroupRepo) GetByID(id string) (TradeGroup, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	g, ok := r.s.groups[id]
	if !ok {
		return TradeGroup{}, ErrNotFound
	}
	return g, nil
}

func (r *memoryGroupRepo) List() ([]TradeGroup, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := make([]TradeGroup, 0, len(r.s.groupOrder))
	for _, id := range r.s.groupOrder {
		out = append(out, r.s.groups[id])
	}
	return out, nil
}

func (r *memoryGroupRepo) Update(g TradeGroup) (TradeGroup, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.groups[g.ID]; !ok {
		return TradeGroup{}, ErrNotFound
	}
	r.s.groups[g.ID] = g
	return g, nil
}

func (r *memoryGroupRepo) Delete(id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.groups[id]; !ok {
		return ErrNotFound
	}
	delete(r.s.groups, id)
	r.s.groupOrder = slices.DeleteFunc(r.s.groupOrder, func(x string) bool { return x == id })
	return nil
}

func (r *memoryGroupRepo) Clear() error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.groups = make(map[string]TradeGroup)
	r.s.groupOrder = nil
	return nil
}
