package main

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/google/uuid"
)

/*
IBKR Flex Query CSV

A Flex export concatenates several sections, each with its own "HEADER" row, and
mixes trades ("DATA","TRNT") with cash transactions ("DATA","CTRN"). Only the first
header is kept, cash rows are dropped, and the rest is decoded by column name. Rows
whose TransactionType is not ExchTrade are ignored.
*/

const (
	ibkrHeaderPrefix = `"HEADER",`
	ibkrCashPrefix   = `"DATA","CTRN"`
	ibkrExchTrade    = "ExchTrade"

	tradeTimeLayout = "2006-01-02T15:04:05.000Z"
	expiryLayout    = "2006-01-02"
)

var ibkrDateTimeLayouts = []string{
	"20060102;150405",
	"2006-01-02;15:04:05",
	"2006-01-02, 15:04:05",
	"2006-01-02 15:04:05",
	"20060102",
	"2006-01-02",
}

var ibkrExpiryLayouts = []string{"20060102", expiryLayout}

// ibkrRow is one trade row as written by IBKR. Everything is decoded as text and
// converted by hand so blank cells don't fail the whole file.
type ibkrRow struct {
	DateTime        string `csv:"DateTime"`
	Symbol          string `csv:"Symbol"`
	Description     string `csv:"Description"`
	TradePrice      string `csv:"TradePrice"`
	Quantity        string `csv:"Quantity"`
	PutCall         string `csv:"Put/Call"`
	Strike          string `csv:"Strike"`
	Expiry          string `csv:"Expiry"`
	TransactionType string `csv:"TransactionType"`
	BuySell         string `csv:"Buy/Sell"`
	IBCommission    string `csv:"IBCommission"`
	NetCash         string `csv:"NetCash"`
	OpenClose       string `csv:"Open/CloseIndicator"`
	FifoPnlRealized string `csv:"FifoPnlRealized"`
	MtmPnl          string `csv:"MtmPnl"`
}

// ParseResult holds the exchange trades of a Flex export plus anything odd seen on the way.
type ParseResult struct {
	Trades   []Trade  `json:"trades"`
	Warnings []string `json:"warnings"`
}

// filterFlexLines keeps the first HEADER row and drops later headers and cash rows.
func filterFlexLines(r io.Reader) (string, error) {
	var b strings.Builder
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	seenHeader := false
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.HasPrefix(line, ibkrHeaderPrefix) {
			if seenHeader {
				continue
			}
			seenHeader = true
		}
		if strings.HasPrefix(line, ibkrCashPrefix) {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String(), sc.Err()
}

// ParseIBKR reads a Flex CSV export. Naive timestamps are read in loc (UTC when nil).
func ParseIBKR(r io.Reader, loc *time.Location) (ParseResult, error) {
	if loc == nil {
		loc = time.UTC
	}
	text, err := filterFlexLines(r)
	if err != nil {
		return ParseResult{}, fmt.Errorf("read ibkr csv: %w", err)
	}
	if strings.TrimSpace(text) == "" {
		return ParseResult{}, fmt.Errorf("ibkr csv is empty")
	}

	cr := csv.NewReader(strings.NewReader(text))
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true

	var rows []*ibkrRow
	if err := gocsv.UnmarshalCSV(cr, &rows); err != nil {
		return ParseResult{}, fmt.Errorf("decode ibkr csv: %w", err)
	}

	res := ParseResult{Trades: make([]Trade, 0, len(rows)), Warnings: []string{}}
	for i, row := range rows {
		if row == nil || row.TransactionType != ibkrExchTrade {
			continue
		}
		t, err := row.toTrade(loc)
		if err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("row %d: %v", i+1, err))
			continue
		}
		res.Trades = append(res.Trades, t)
	}
	return res, nil
}

// parseNumber mirrors a lenient float parse: blank is def, junk is NaN.
func parseNumber(s string, def float64) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	f, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
	if err != nil {
		return math.NaN()
	}
	return f
}

func parseTradeTime(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	for _, layout := range ibkrDateTimeLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized DateTime %q", s)
}

// normalizeExpiry renders a parseable expiry as YYYY-MM-DD and leaves anything else
// untouched so ValidateTrade can flag it.
func normalizeExpiry(s string) string {
	s = strings.TrimSpace(s)
	for _, layout := range ibkrExpiryLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format(expiryLayout)
		}
	}
	return s
}

func (r ibkrRow) toTrade(loc *time.Location) (Trade, error) {
	ts, err := parseTradeTime(r.DateTime, loc)
	if err != nil {
		return Trade{}, err
	}
	t := Trade{
		DateTime:        ts.UTC().Format(tradeTimeLayout),
		Symbol:          strings.TrimSpace(r.Symbol),
		Description:     r.Description,
		StrikePrice:     parseNumber(r.Strike, 0),
		ExpirationDate:  normalizeExpiry(r.Expiry),
		Quantity:        parseNumber(r.Quantity, math.NaN()),
		TradePrice:      parseNumber(r.TradePrice, math.NaN()),
		BuySell:         strings.ToUpper(strings.TrimSpace(r.BuySell)),
		Commission:      math.Abs(parseNumber(r.IBCommission, 0)),
		NetCash:         parseNumber(r.NetCash, 0),
		OpenClose:       strings.TrimSpace(r.OpenClose),
		TransactionType: r.TransactionType,
		RealizedPnL:     parseNumber(r.FifoPnlRealized, 0),
		MtmPnL:          parseNumber(r.MtmPnl, 0),
	}
	switch strings.ToUpper(strings.TrimSpace(r.PutCall)) {
	case "P":
		t.OptionType = OptionTypePut
	case "C":
		t.OptionType = OptionTypeCall
	}
	return t, nil
}

// ValidateTrade lists what is wrong with a parsed trade; empty means usable.
func ValidateTrade(t Trade) []string {
	var errs []string
	if !(t.TradePrice > 0) {
		errs = append(errs, "Invalid trade price for "+t.Symbol)
	}
	if math.IsNaN(t.Quantity) || t.Quantity == 0 {
		errs = append(errs, "Invalid quantity for "+t.Symbol)
	}
	if t.StrikePrice != 0 && !(t.StrikePrice > 0) {
		errs = append(errs, "Invalid strike price for "+t.Symbol)
	}
	if t.ExpirationDate != "" {
		if _, err := time.Parse(expiryLayout, t.ExpirationDate); err != nil {
			errs = append(errs, "Invalid expiry date for "+t.Symbol)
		}
	}
	return errs
}

// isOpeningOption reports whether a trade opens an option position.
func isOpeningOption(t Trade) bool {
	return t.OptionType != "" && t.TransactionType == ibkrExchTrade && t.OpenClose == "O"
}

// TradeToPosition converts an opening option trade. The full execution timestamp
// becomes the entry date so legs filled together land in the same strategy.
func TradeToPosition(t Trade, now time.Time) Position {
	side := PositionSideShort
	if t.BuySell == "BUY" {
		side = PositionSideLong
	}
	return Position{
		ID:             uuid.NewString(),
		Symbol:         t.Symbol,
		OptionType:     t.OptionType,
		StrikePrice:    t.StrikePrice,
		ExpirationDate: t.ExpirationDate,
		PositionSide:   side,
		Quantity:       math.Abs(t.Quantity),
		EntryPrice:     t.TradePrice,
		EntryDate:      t.DateTime,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// TradesToPositions keeps the opening option trades that pass validation.
// Everything else is counted as skipped; invalid trades also produce warnings.
func TradesToPositions(trades []Trade, now time.Time) (positions []Position, skipped int, warnings []string) {
	positions = make([]Position, 0, len(trades))
	for _, t := range trades {
		if !isOpeningOption(t) {
			skipped++
			continue
		}
		if errs := ValidateTrade(t); len(errs) > 0 {
			skipped++
			warnings = append(warnings, errs...)
			continue
		}
		p := TradeToPosition(t, now)
		if problems := validatePosition(p); len(problems) > 0 {
			skipped++
			warnings = append(warnings, fmt.Sprintf("%s %s: %s", t.Symbol, t.DateTime, strings.Join(problems, "; ")))
			continue
		}
		positions = append(positions, p)
	}
	return positions, skipped, warnings
}
