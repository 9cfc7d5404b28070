package main

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ===== DTOs =====

// positionDTO is the JSON payload for creating or updating a position.
// Pointer fields tell "absent" apart from a zero value so PUT can be partial.
type positionDTO struct {
	Symbol         *string       `json:"symbol"`
	OptionType     *OptionType   `json:"option_type"`
	StrikePrice    *float64      `json:"strike_price"`
	ExpirationDate *string       `json:"expiration_date"`
	PositionSide   *PositionSide `json:"position_side"`
	Quantity       *float64      `json:"quantity"`
	EntryPrice     *float64      `json:"entry_price"`
	EntryDate      *string       `json:"entry_date"`
}

// Accepted spellings for expiration_date and entry_date. The string itself is stored
// verbatim; parsing only checks that it is a date.
var payloadDateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

func isDate(s string) bool {
	for _, layout := range payloadDateLayouts {
		if _, err := time.Parse(layout, s); err == nil {
			return true
		}
	}
	return false
}

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }

// validatePosition returns every rule p breaks; nil means p is storable.
func validatePosition(p Position) []string {
	var problems []string
	if strings.TrimSpace(p.Symbol) == "" {
		problems = append(problems, "symbol is required")
	}
	if p.OptionType != OptionTypeCall && p.OptionType != OptionTypePut {
		problems = append(problems, fmt.Sprintf("option_type must be CALL or PUT, got %q", p.OptionType))
	}
	if !finite(p.StrikePrice) || p.StrikePrice <= 0 {
		problems = append(problems, "strike_price must be a positive number")
	}
	if !isDate(p.ExpirationDate) {
		problems = append(problems, fmt.Sprintf("expiration_date %q is not a valid date", p.ExpirationDate))
	}
	if p.PositionSide != PositionSideLong && p.PositionSide != PositionSideShort {
		problems = append(problems, fmt.Sprintf("position_side must be LONG or SHORT, got %q", p.PositionSide))
	}
	if !finite(p.Quantity) || p.Quantity <= 0 {
		problems = append(problems, "quantity must be a positive number")
	}
	if !finite(p.EntryPrice) || p.EntryPrice < 0 {
		problems = append(problems, "entry_price must be a non-negative number")
	}
	if !isDate(p.EntryDate) {
		problems = append(problems, fmt.Sprintf("entry_date %q is not a valid date", p.EntryDate))
	}
	return problems
}

func (d positionDTO) missing() []string {
	var out []string
	check := func(ok bool, name string) {
		if !ok {
			out = append(out, name+" is required")
		}
	}
	check(d.Symbol != nil, "symbol")
	check(d.OptionType != nil, "option_type")
	check(d.StrikePrice != nil, "strike_price")
	check(d.ExpirationDate != nil, "expiration_date")
	check(d.PositionSide != nil, "position_side")
	check(d.Quantity != nil, "quantity")
	check(d.EntryPrice != nil, "entry_price")
	check(d.EntryDate != nil, "entry_date")
	return out
}

// apply overlays the fields present in d onto base.
func (d positionDTO) apply(base Position) Position {
	if d.Symbol != nil {
		base.Symbol = strings.TrimSpace(*d.Symbol)
	}
	if d.OptionType != nil {
		base.OptionType = *d.OptionType
	}
	if d.StrikePrice != nil {
		base.StrikePrice = *d.StrikePrice
	}
	if d.ExpirationDate != nil {
		base.ExpirationDate = *d.ExpirationDate
	}
	if d.PositionSide != nil {
		base.PositionSide = *d.PositionSide
	}
	if d.Quantity != nil {
		base.Quantity = *d.Quantity
	}
	if d.EntryPrice != nil {
		base.EntryPrice = *d.EntryPrice
	}
	if d.EntryDate != nil {
		base.EntryDate = *d.EntryDate
	}
	return base
}

// toDomain builds a new position from a complete payload.
func (d positionDTO) toDomain(now time.Time) (Position, error) {
	if problems := d.missing(); len(problems) > 0 {
		return Position{}, &ValidationError{Problems: problems}
	}
	p := d.apply(Position{})
	if problems := validatePosition(p); len(problems) > 0 {
		return Position{}, &ValidationError{Problems: problems}
	}
	p.ID = uuid.NewString()
	p.CreatedAt = now
	p.UpdatedAt = now
	return p, nil
}

// merge applies a partial update and re-validates the result.
// id, group_id and created_at never change here.
func (d positionDTO) merge(existing Position) (Position, error) {
	p := d.apply(existing)
	if problems := validatePosition(p); len(problems) > 0 {
		return Position{}, &ValidationError{Problems: problems}
	}
	return p, nil
}

// groupDTO is a partial update of a trade group.
type groupDTO struct {
	Strategy      *string  `json:"strategy"`
	Underlying    *string  `json:"underlying"`
	GrossProceeds *float64 `json:"gross_proceeds"`
}

func (d groupDTO) merge(existing TradeGroup, now time.Time) (TradeGroup, error) {
	g := existing
	var problems []string
	if d.Strategy != nil {
		if strings.TrimSpace(*d.Strategy) == "" {
			problems = append(problems, "strategy must not be blank")
		}
		g.Strategy = strings.TrimSpace(*d.Strategy)
	}
	if d.Underlying != nil {
		if strings.TrimSpace(*d.Underlying) == "" {
			problems = append(problems, "underlying must not be blank")
		}
		g.Underlying = strings.TrimSpace(*d.Underlying)
	}
	if d.GrossProceeds != nil {
		if !finite(*d.GrossProceeds) || *d.GrossProceeds < 0 {
			problems = append(problems, "gross_proceeds must be a finite non-negative number")
		}
		g.GrossProceeds = *d.GrossProceeds
	}
	if len(problems) > 0 {
		return TradeGroup{}, &ValidationError{Problems: problems}
	}
	g.UpdatedAt = now
	return g, nil
}
