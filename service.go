package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var ErrEmptyBatch = errors.New("no positions provided")

/* ===================== Position service ===================== */

type PositionService struct {
	repo    PositionRepository
	metrics *Metrics
	log     *zap.Logger
	now     func() time.Time
}

func NewPositionService(r PositionRepository, m *Metrics, log *zap.Logger) *PositionService {
	if log == nil {
		log = zap.NewNop()
	}
	return &PositionService{repo: r, metrics: m, log: log, now: time.Now}
}

func (s *PositionService) Create(dto positionDTO) (Position, error) {
	p, err := dto.toDomain(s.now())
	if err != nil {
		return Position{}, err
	}
	out, err := s.repo.Create(p)
	if err != nil {
		return Position{}, err
	}
	s.metrics.positionsCreated(1)
	return out, nil
}

// CreateBatch validates every element before storing any; a single bad element
// rejects the whole batch with one detail line per failure.
func (s *PositionService) CreateBatch(dtos []positionDTO) ([]Position, error) {
	if len(dtos) == 0 {
		return nil, ErrEmptyBatch
	}
	now := s.now()
	ps := make([]Position, len(dtos))
	var details []string
	for i, d := range dtos {
		p, err := d.toDomain(now)
		if err != nil {
			details = append(details, fmt.Sprintf("Invalid position data at index %d: %v", i, err))
			continue
		}
		ps[i] = p
	}
	if len(details) > 0 {
		return nil, &BatchValidationError{Details: details}
	}
	out, err := s.repo.CreateBatch(ps)
	if err != nil {
		return nil, err
	}
	s.metrics.positionsCreated(len(out))
	return out, nil
}

func (s *PositionService) Get(id string) (Position, error) { return s.repo.GetByID(id) }
func (s *PositionService) Delete(id string) error          { return s.repo.Delete(id) }

func (s *PositionService) List(filter ListFilter) ([]Position, error) {
	if !validSort(filter.Sort) {
		return nil, &ValidationError{Problems: []string{
			fmt.Sprintf("invalid sort %q (use %s|%s)", filter.Sort, SortEntryAsc, SortEntryDesc),
		}}
	}
	return s.repo.List(filter)
}

func (s *PositionService) Update(id string, dto positionDTO) (Position, error) {
	existing, err := s.repo.GetByID(id)
	if err != nil {
		return Position{}, err
	}
	p, err := dto.merge(existing)
	if err != nil {
		return Position{}, err
	}
	return s.repo.Update(p)
}

// ImportResult is what an IBKR import stored and what it left out.
type ImportResult struct {
	Positions []Position `json:"positions"`
	Imported  int        `json:"imported"`
	Skipped   int        `json:"skipped"`
	Warnings  []string   `json:"warnings"`
}

// Import converts broker trades into positions and stores them in one batch.
func (s *PositionService) Import(ctx context.Context, trades []Trade) (ImportResult, error) {
	_, span := tracer.Start(ctx, "positions.import")
	defer span.End()
	span.SetAttributes(attribute.Int("trades", len(trades)))

	ps, skipped, warnings := TradesToPositions(trades, s.now())
	res := ImportResult{Positions: []Position{}, Skipped: skipped, Warnings: warnings}
	if res.Warnings == nil {
		res.Warnings = []string{}
	}
	if len(ps) > 0 {
		out, err := s.repo.CreateBatch(ps)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return ImportResult{}, err
		}
		res.Positions = out
		s.metrics.positionsCreated(len(out))
	}
	res.Imported = len(res.Positions)
	s.metrics.imported(res.Imported, res.Skipped)
	span.SetAttributes(attribute.Int("imported", res.Imported), attribute.Int("skipped", res.Skipped))

	s.log.Info("ibkr import",
		zap.Int("trades", len(trades)),
		zap.Int("imported", res.Imported),
		zap.Int("skipped", res.Skipped),
		zap.Int("warnings", len(res.Warnings)),
	)
	return res, nil
}

/* ===================== Group service ===================== */

type GroupService struct {
	repo      GroupRepository
	positions PositionRepository
	now       func() time.Time
}

func NewGroupService(r GroupRepository, positions PositionRepository) *GroupService {
	return &GroupService{repo: r, positions: positions, now: time.Now}
}

func (s *GroupService) List() ([]TradeGroup, error)        { return s.repo.List() }
func (s *GroupService) Get(id string) (TradeGroup, error) { return s.repo.GetByID(id) }
func (s *GroupService) Delete(id string) error            { return s.repo.Delete(id) }
func (s *GroupService) Clear() error                      { return s.repo.Clear() }

// ListByUnderlying matches the underlying exactly (case-sensitive).
func (s *GroupService) ListByUnderlying(underlying string) ([]TradeGroup, error) {
	all, err := s.repo.List()
	if err != nil {
		return nil, err
	}
	out := make([]TradeGroup, 0, len(all))
	for _, g := range all {
		if g.Underlying == underlying {
			out = append(out, g)
		}
	}
	return out, nil
}

func (s *GroupService) Update(id string, dto groupDTO) (TradeGroup, error) {
	existing, err := s.repo.GetByID(id)
	if err != nil {
		return TradeGroup{}, err
	}
	g, err := dto.merge(existing, s.now())
	if err != nil {
		return TradeGroup{}, err
	}
	return s.repo.Update(g)
}

// Members returns the positions currently tagged with the group.
func (s *GroupService) Members(id string) ([]Position, error) {
	if _, err := s.repo.GetByID(id); err != nil {
		return nil, err
	}
	return s.positions.List(ListFilter{GroupID: id, Sort: SortEntryAsc})
}

/* ===================== Strategy service ===================== */

// GroupAssignment ties a stored position to the group it was placed in.
type GroupAssignment struct {
	PositionID string `json:"position_id"`
	GroupKey   string `json:"group_key"`
	GroupID    string `json:"group_id"`
}

type RegroupResult struct {
	Groups      []TradeGroup      `json:"groups"`
	Assignments []GroupAssignment `json:"assignments"`
}

// StrategyService runs the grouping engine over the stored positions.
type StrategyService struct {
	positions PositionRepository
	groups    GroupRepository
	metrics   *Metrics
	log       *zap.Logger
	now       func() time.Time

	mu sync.Mutex // one regroup at a time
}

func NewStrategyService(positions PositionRepository, groups GroupRepository, m *Metrics, log *zap.Logger) *StrategyService {
	if log == nil {
		log = zap.NewNop()
	}
	return &StrategyService{positions: positions, groups: groups, metrics: m, log: log, now: time.Now}
}

// Preview groups the stored positions without persisting anything.
func (s *StrategyService) Preview(ctx context.Context) (GroupingResult[Position], error) {
	_, span := tracer.Start(ctx, "strategies.preview")
	defer span.End()

	all, err := s.positions.List(ListFilter{})
	if err != nil {
		span.RecordError(err)
		return GroupingResult[Position]{}, err
	}
	res := GroupRecords(all)
	span.SetAttributes(attribute.Int("positions", len(all)), attribute.Int("groups", len(res.Groups)))
	return res, nil
}

// Regroup replaces every stored trade group with the groups computed from the
// current positions and writes the new group ids back onto the positions.
// The new groups are stored and assigned before the old ones are removed, so a
// failed run leaves the previous grouping intact.
func (s *StrategyService) Regroup(ctx context.Context) (res RegroupResult, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	_, span := tracer.Start(ctx, "strategies.regroup")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			s.log.Error("regroup failed", zap.Error(err))
		}
		s.metrics.regroupDone(start, len(res.Groups), err)
		span.End()
	}()

	all, err := s.positions.List(ListFilter{})
	if err != nil {
		return RegroupResult{}, fmt.Errorf("snapshot positions: %w", err)
	}
	stale, err := s.groups.List()
	if err != nil {
		return RegroupResult{}, fmt.Errorf("snapshot groups: %w", err)
	}
	computed := GroupRecords(all)

	now := s.now()
	ids := make(map[string]string, len(computed.Groups))
	created := make([]TradeGroup, 0, len(computed.Groups))
	for _, sum := range computed.Groups {
		g, err := s.groups.Create(TradeGroup{
			ID:            uuid.NewString(),
			Strategy:      sum.Strategy,
			Underlying:    sum.Underlying,
			GrossProceeds: sum.GrossProceeds,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
		if err != nil {
			s.dropGroups(created)
			return RegroupResult{}, fmt.Errorf("create group %s: %w", sum.Key, err)
		}
		ids[sum.Key] = g.ID
		created = append(created, g)
	}

	writeBack := make(map[string]string, len(computed.Assignments))
	assignments := make([]GroupAssignment, 0, len(computed.Assignments))
	for _, a := range computed.Assignments {
		id := ids[a.GroupKey]
		writeBack[a.Record.ID] = id
		assignments = append(assignments, GroupAssignment{
			PositionID: a.Record.ID,
			GroupKey:   a.GroupKey,
			GroupID:    id,
		})
	}
	// Created groups survive a failed write-back: some positions may already
	// point at them.
	if err := s.positions.AssignGroups(writeBack); err != nil {
		return RegroupResult{}, fmt.Errorf("assign groups: %w", err)
	}
	s.dropGroups(stale)

	res.Groups, res.Assignments = created, assignments
	span.SetAttributes(attribute.Int("positions", len(all)), attribute.Int("groups", len(res.Groups)))
	s.log.Info("regrouped positions",
		zap.Int("positions", len(all)),
		zap.Int("groups", len(res.Groups)),
		zap.Duration("took", time.Since(start)),
	)
	return res, nil
}

// dropGroups deletes groups no position refers to anymore. A failed delete
// leaves an orphan group, never a dangling position reference.
func (s *StrategyService) dropGroups(groups []TradeGroup) {
	for _, g := range groups {
		if err := s.groups.Delete(g.ID); err != nil && !errors.Is(err, ErrNotFound) {
			s.log.Warn("drop group", zap.String("id", g.ID), zap.Error(err))
		}
	}
}
