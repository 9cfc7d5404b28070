package main

import (
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"
)

/*
CSV layout

positions.csv
id,symbol,option_type,strike_price,expiration_date,position_side,quantity,entry_price,entry_date,group_id,created_at,updated_at

trade_groups.csv
id,strategy,underlying,gross_proceeds,created_at,updated_at

Notes:
- entry_date / expiration_date are stored exactly as received
- created_at/updated_at = RFC3339Nano
- Row order is insertion order.
- We keep an in-memory index and write the entire file atomically after each mutation.
*/

const tsLayout = time.RFC3339Nano

var (
	positionsHeader = []string{"id", "symbol", "option_type", "strike_price", "expiration_date", "position_side", "quantity", "entry_price", "entry_date", "group_id", "created_at", "updated_at"}
	groupsHeader    = []string{"id", "strategy", "underlying", "gross_proceeds", "created_at", "updated_at"}
)

type csvStore struct {
	dir       string
	posPath   string
	groupPath string

	mu         sync.RWMutex
	positions  map[string]Position
	posOrder   []string
	groups     map[string]TradeGroup
	groupOrder []string
}

func NewCSVStore(dir string) (*csvStore, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	s := &csvStore{
		dir:       dir,
		posPath:   filepath.Join(dir, "positions.csv"),
		groupPath: filepath.Join(dir, "trade_groups.csv"),
		positions: map[string]Position{},
		groups:    map[string]TradeGroup{},
	}
	if err := s.ensureFiles(); err != nil {
		return nil, err
	}
	if err := s.loadPositions(); err != nil {
		return nil, err
	}
	if err := s.loadGroups(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *csvStore) ensureFiles() error {
	for path, header := range map[string][]string{s.posPath: positionsHeader, s.groupPath: groupsHeader} {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			if err := atomicWriteCSV(path, [][]string{header}); err != nil {
				return err
			}
		}
	}
	return nil
}

func readRows(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return csv.NewReader(f).ReadAll()
}

func (s *csvStore) loadPositions() error {
	rows, err := readRows(s.posPath)
	if err != nil {
		return err
	}
	for i := 1; i < len(rows); i++ {
		row := rows[i]
		if len(row) < len(positionsHeader) {
			continue
		}
		strike, _ := strconv.ParseFloat(row[3], 64)
		qty, _ := strconv.ParseFloat(row[6], 64)
		price, _ := strconv.ParseFloat(row[7], 64)
		createdAt, _ := time.Parse(tsLayout, row[10])
		updatedAt, _ := time.Parse(tsLayout, row[11])
		p := Position{
			ID:             row[0],
			Symbol:         row[1],
			OptionType:     OptionType(row[2]),
			StrikePrice:    strike,
			ExpirationDate: row[4],
			PositionSide:   PositionSide(row[5]),
			Quantity:       qty,
			EntryPrice:     price,
			EntryDate:      row[8],
			GroupID:        row[9],
			CreatedAt:      createdAt,
			UpdatedAt:      updatedAt,
		}
		if _, ok := s.positions[p.ID]; !ok {
			s.posOrder = append(s.posOrder, p.ID)
		}
		s.positions[p.ID] = p
	}
	return nil
}

func (s *csvStore) loadGroups() error {
	rows, err := readRows(s.groupPath)
	if err != nil {
		return err
	}
	for i := 1; i < len(rows); i++ {
		row := rows[i]
		if len(row) < len(groupsHeader) {
			continue
		}
		gross, _ := strconv.ParseFloat(row[3], 64)
		createdAt, _ := time.Parse(tsLayout, row[4])
		updatedAt, _ := time.Parse(tsLayout, row[5])
		g := TradeGroup{
			ID:            row[0],
			Strategy:      row[1],
			Underlying:    row[2],
			GrossProceeds: gross,
			CreatedAt:     createdAt,
			UpdatedAt:     updatedAt,
		}
		if _, ok := s.groups[g.ID]; !ok {
			s.groupOrder = append(s.groupOrder, g.ID)
		}
		s.groups[g.ID] = g
	}
	return nil
}

func formatFloat(f float64) string { return strconv.FormatFloat(f, 'g', -1, 64) }

func (s *csvStore) savePositionsLocked() error {
	rows := make([][]string, 0, len(s.posOrder)+1)
	rows = append(rows, positionsHeader)
	for _, id := range s.posOrder {
		p := s.positions[id]
		rows = append(rows, []string{
			p.ID,
			p.Symbol,
			string(p.OptionType),
			formatFloat(p.StrikePrice),
			p.ExpirationDate,
			string(p.PositionSide),
			formatFloat(p.Quantity),
			formatFloat(p.EntryPrice),
			p.EntryDate,
			p.GroupID,
			p.CreatedAt.Format(tsLayout),
			p.UpdatedAt.Format(tsLayout),
		})
	}
	return atomicWriteCSV(s.posPath, rows)
}

func (s *csvStore) saveGroupsLocked() error {
	rows := make([][]string, 0, len(s.groupOrder)+1)
	rows = append(rows, groupsHeader)
	for _, id := range s.groupOrder {
		g := s.groups[id]
		rows = append(rows, []string{
			g.ID,
			g.Strategy,
			g.Underlying,
			formatFloat(g.GrossProceeds),
			g.CreatedAt.Format(tsLayout),
			g.UpdatedAt.Format(tsLayout),
		})
	}
	return atomicWriteCSV(s.groupPath, rows)
}

func atomicWriteCSV(path string, rows [][]string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "tmp-*.csv")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	w := csv.NewWriter(tmp)
	if err := w.WriteAll(rows); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

/* ======================== Position repo ======================== */

type csvPositionRepo struct{ s *csvStore }

func NewCSVPositionRepo(s *csvStore) *csvPositionRepo { return &csvPositionRepo{s: s} }

func (r *csvPositionRepo) putLocked(p Position) {
	if _, ok := r.s.positions[p.ID]; !ok {
		r.s.posOrder = append(r.s.posOrder, p.ID)
	}
	r.s.positions[p.ID] = p
}

func (r *csvPositionRepo) Create(p Position) (Position, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.putLocked(p)
	return p, r.s.savePositionsLocked()
}

func (r *csvPositionRepo) CreateBatch(ps []Position) ([]Position, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, p := range ps {
		r.putLocked(p)
	}
	return ps, r.s.savePositionsLocked()
}

func (r *csvPositionRepo) GetByID(id string) (Position, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	p, ok := r.s.positions[id]
	if !ok {
		return Position{}, ErrNotFound
	}
	return p, nil
}

func (r *csvPositionRepo) List(filter ListFilter) ([]Position, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	all := make([]Position, 0, len(r.s.posOrder))
	for _, id := range r.s.posOrder {
		all = append(all, r.s.positions[id])
	}
	return applyFilter(all, filter), nil
}

func (r *csvPositionRepo) Update(p Position) (Position, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.positions[p.ID]; !ok {
		return Position{}, ErrNotFound
	}
	p.UpdatedAt = time.Now()
	r.s.positions[p.ID] = p
	return p, r.s.savePositionsLocked()
}

func (r *csvPositionRepo) Delete(id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.positions[id]; !ok {
		return ErrNotFound
	}
	delete(r.s.positions, id)
	r.s.posOrder = slices.DeleteFunc(r.s.posOrder, func(x string) bool { return x == id })
	return r.s.savePositionsLocked()
}

func (r *csvPositionRepo) AssignGroups(assignments map[string]string) error {
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
	return r.s.savePositionsLocked()
}

/* ======================== Group repo ======================== */

type csvGroupRepo struct{ s *csvStore }

func NewCSVGroupRepo(s *csvStore) *csvGroupRepo { return &csvGroupRepo{s: s} }

func (r *csvGroupRepo) Create(g TradeGroup) (TradeGroup, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.groups[g.ID]; !ok {
		r.s.groupOrder = append(r.s.groupOrder, g.ID)
	}
	r.s.groups[g.ID] = g
	return g, r.s.saveGroupsLocked()
}

func (r *csvGroupRepo) GetByID(id string) (TradeGroup, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	g, ok := r.s.groups[id]
	if !ok {
		return TradeGroup{}, ErrNotFound
	}
	return g, nil
}

func (r *csvGroupRepo) List() ([]TradeGroup, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := make([]TradeGroup, 0, len(r.s.groupOrder))
	for _, id := range r.s.groupOrder {
		out = append(out, r.s.groups[id])
	}
	return out, nil
}

func (r *csvGroupRepo) Update(g TradeGroup) (TradeGroup, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.groups[g.ID]; !ok {
		return TradeGroup{}, ErrNotFound
	}
	r.s.groups[g.ID] = g
	return g, r.s.saveGroupsLocked()
}

func (r *csvGroupRepo) Delete(id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.groups[id]; !ok {
		return ErrNotFound
	}
	delete(r.s.groups, id)
	r.s.groupOrder = slices.DeleteFunc(r.s.groupOrder, func(x string) bool { return x == id })
	return r.s.saveGroupsLocked()
}

func (r *csvGroupRepo) Clear() error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.groups = map[string]TradeGroup{}
	r.s.groupOrder = nil
	return r.s.saveGroupsLocked()
}
