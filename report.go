package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
)

const (
	FormatTable = "table"
	FormatCSV   = "csv"
	FormatJSON  = "json"
)

// WriteGroupReport renders group summaries in the requested format.
func WriteGroupReport(w io.Writer, format string, groups []GroupSummary) error {
	switch format {
	case "", FormatTable:
		return PrintGroupTable(w, groups)
	case FormatCSV:
		return ExportGroupsCSV(w, groups)
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(groups)
	default:
		return fmt.Errorf("unknown format %q (use table|csv|json)", format)
	}
}

// PrintGroupTable prints groups as an aligned table followed by a TOTAL row.
func PrintGroupTable(w io.Writer, groups []GroupSummary) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	fmt.Fprintf(tw, "STRATEGY\tUNDERLYING\tGROSS PROCEEDS\tGROUP KEY\n")
	fmt.Fprintf(tw, "────────\t──────────\t──────────────\t─────────\n")

	var total float64
	for _, g := range groups {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", g.Strategy, g.Underlying, formatMoney(g.GrossProceeds), g.Key)
		total += g.GrossProceeds
	}

	fmt.Fprintf(tw, "────────\t──────────\t──────────────\t─────────\n")
	fmt.Fprintf(tw, "TOTAL\t%d groups\t%s\t\n", len(groups), formatMoney(total))

	return tw.Flush()
}

// ExportGroupsCSV writes group_key,strategy,underlying,gross_proceeds rows.
func ExportGroupsCSV(w io.Writer, groups []GroupSummary) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"group_key", "strategy", "underlying", "gross_proceeds"}); err != nil {
		return err
	}
	for _, g := range groups {
		if err := cw.Write([]string{
			g.Key,
			g.Strategy,
			g.Underlying,
			strconv.FormatFloat(g.GrossProceeds, 'f', 2, 64),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Summaries turns persisted groups back into report rows, recovering each
// group's key from the assignments.
func (r RegroupResult) Summaries() []GroupSummary {
	keys := make(map[string]string, len(r.Groups))
	for _, a := range r.Assignments {
		keys[a.GroupID] = a.GroupKey
	}
	out := make([]GroupSummary, 0, len(r.Groups))
	for _, g := range r.Groups {
		out = append(out, GroupSummary{
			Key:           keys[g.ID],
			Strategy:      g.Strategy,
			Underlying:    g.Underlying,
			GrossProceeds: g.GrossProceeds,
		})
	}
	return out
}

func formatMoney(v float64) string {
	return "$" + strconv.FormatFloat(v, 'f', 2, 64)
}
