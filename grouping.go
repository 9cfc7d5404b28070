package main

import (
	"math"
	"slices"
	"strings"
)

/*
Grouping

A strategy is every leg sharing the exact same entry timestamp string and the same
underlying. Timestamps are compared as strings: ISO-8601 sorts chronologically as
text, and two spellings of the same instant (different offsets) stay in different
groups.

GroupRecords performs no validation and has no error path. Non-finite prices or
quantities propagate into GrossProceeds as NaN/Inf; rejecting them is the job of the
DTO layer in front of the stores.
*/

const (
	strategyPrefix   = "strategy-"
	groupKeySep      = "_"
	dateTimeSep byte = 'T'
)

// Leg is anything the grouping engine can place into a strategy.
type Leg interface {
	EntryTimestamp() string
	Underlying() string
	SignedQuantity() float64
	UnitPrice() float64
}

// GroupSummary is one strategy as computed by GroupRecords, before persistence.
type GroupSummary struct {
	Key           string  `json:"group_key"`
	Strategy      string  `json:"strategy"`
	Underlying    string  `json:"underlying"`
	GrossProceeds float64 `json:"gross_proceeds"`
}

// Assignment records which group key a leg was placed under.
type Assignment[L Leg] struct {
	Record   L      `json:"record"`
	GroupKey string `json:"group_key"`
}

type GroupingResult[L Leg] struct {
	Groups      []GroupSummary  `json:"groups"`
	Assignments []Assignment[L] `json:"assignments"`
}

func GroupKey(entryTimestamp, underlying string) string {
	return entryTimestamp + groupKeySep + underlying
}

// DeriveStrategyName returns "strategy-" plus the date part of an ISO-8601
// timestamp. A timestamp without a 'T' is used whole.
func DeriveStrategyName(entryTimestamp string) string {
	date := entryTimestamp
	if i := strings.IndexByte(entryTimestamp, dateTimeSep); i >= 0 {
		date = entryTimestamp[:i]
	}
	return strategyPrefix + date
}

// RecordGrossProceeds is |quantity| * price * ContractMultiplier.
func RecordGrossProceeds(l Leg) float64 {
	return math.Abs(l.SignedQuantity()) * l.UnitPrice() * ContractMultiplier
}

func GrossProceeds[L Leg](legs []L) float64 {
	var sum float64
	for _, l := range legs {
		sum += RecordGrossProceeds(l)
	}
	return sum
}

// GroupRecords partitions legs into strategies keyed by (entry timestamp,
// underlying). Groups come out in chronological order of their first leg; ties keep
// input order. The input slice is not modified.
func GroupRecords[L Leg](records []L) GroupingResult[L] {
	sorted := slices.Clone(records)
	slices.SortStableFunc(sorted, func(a, b L) int {
		return strings.Compare(a.EntryTimestamp(), b.EntryTimestamp())
	})

	members := make(map[string][]L)
	keys := make([]string, 0)
	for _, r := range sorted {
		key := GroupKey(r.EntryTimestamp(), r.Underlying())
		if _, ok := members[key]; !ok {
			keys = append(keys, key)
		}
		members[key] = append(members[key], r)
	}

	out := GroupingResult[L]{
		Groups:      make([]GroupSummary, 0, len(keys)),
		Assignments: make([]Assignment[L], 0, len(records)),
	}
	for _, key := range keys {
		legs := members[key]
		first := legs[0]
		out.Groups = append(out.Groups, GroupSummary{
			Key:           key,
			Strategy:      DeriveStrategyName(first.EntryTimestamp()),
			Underlying:    first.Underlying(),
			GrossProceeds: GrossProceeds(legs),
		})
		for _, l := range legs {
			out.Assignments = append(out.Assignments, Assignment[L]{Record: l, GroupKey: key})
		}
	}
	return out
}
