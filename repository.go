package main

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ===== Ports (interfaces) =====

type ListFilter struct {
	Symbol  string
	GroupID string
	Limit   int // 0 = no limit
	Offset  int
	Sort    string // "entry_asc" | "entry_desc" | ""
}

const (
	SortEntryAsc  = "entry_asc"
	SortEntryDesc = "entry_desc"
)

type PositionRepository interface {
	Create(p Position) (Position, error)
	CreateBatch(ps []Position) ([]Position, error)
	GetByID(id string) (Position, error)
	List(filter ListFilter) ([]Position, error)
	Update(p Position) (Position, error)
	Delete(id string) error
	// AssignGroups sets GroupID on each listed position (positionID -> groupID).
	// Unknown ids are ignored and UpdatedAt is left alone.
	AssignGroups(assignments map[string]string) error
}

type GroupRepository interface {
	Create(g TradeGroup) (TradeGroup, error)
	GetByID(id string) (TradeGroup, error)
	List() ([]TradeGroup, error)
	Update(g TradeGroup) (TradeGroup, error)
	Delete(id string) error
	Clear() error
}

// Common errors
var ErrNotFound = errors.New("not found")

// ValidationError lists everything wrong with a single payload.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return strings.Join(e.Problems, "; ")
}

// BatchValidationError carries one detail line per rejected element.
type BatchValidationError struct {
	Details []string
}

func (e *BatchValidationError) Error() string {
	return fmt.Sprintf("validation failed for %d position(s)", len(e.Details))
}

/* ======================== small helpers ======================== */

func validSort(s string) bool {
	return s == "" || s == SortEntryAsc || s == SortEntryDesc
}

// applyFilter filters, sorts and pages positions already in insertion order.
func applyFilter(all []Position, filter ListFilter) []Position {
	out := make([]Position, 0, len(all))
	for _, p := range all {
		if filter.Symbol != "" && !strings.EqualFold(filter.Symbol, p.Symbol) {
			continue
		}
		if filter.GroupID != "" && filter.GroupID != p.GroupID {
			continue
		}
		out = append(out, p)
	}
	switch filter.Sort {
	case SortEntryAsc:
		slices.SortStableFunc(out, func(a, b Position) int { return strings.Compare(a.EntryDate, b.EntryDate) })
	case SortEntryDesc:
		slices.SortStableFunc(out, func(a, b Position) int { return strings.Compare(b.EntryDate, a.EntryDate) })
	}
	start := filter.Offset
	if start < 0 {
		start = 0
	}
	if start > len(out) {
		return []Position{}
	}
	end := len(out)
	if filter.Limit > 0 && start+filter.Limit < end {
		end = start + filter.Limit
	}
	return out[start:end]
}
