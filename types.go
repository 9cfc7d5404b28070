package main

import "time"

// ===== Domain =====

// ContractMultiplier converts a per-contract option price into dollars.
const ContractMultiplier = 100

type OptionType string

const (
	OptionTypeCall OptionType = "CALL"
	OptionTypePut  OptionType = "PUT"
)

type PositionSide string

const (
	PositionSideLong  PositionSide = "LONG"
	PositionSideShort PositionSide = "SHORT"
)

// Position is one option leg entered by hand or imported from a broker export.
type Position struct {
	ID             string       `json:"id"`
	Symbol         string       `json:"symbol"` // underlying, e.g. SPY
	OptionType     OptionType   `json:"option_type"`
	StrikePrice    float64      `json:"strike_price"`
	ExpirationDate string       `json:"expiration_date"`
	PositionSide   PositionSide `json:"position_side"`
	Quantity       float64      `json:"quantity"`
	EntryPrice     float64      `json:"entry_price"`
	EntryDate      string       `json:"entry_date"` // ISO-8601, kept verbatim
	GroupID        string       `json:"group_id,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

func (p Position) EntryTimestamp() string { return p.EntryDate }
func (p Position) Underlying() string     { return p.Symbol }
func (p Position) UnitPrice() float64     { return p.EntryPrice }

// SignedQuantity is negative for short legs.
func (p Position) SignedQuantity() float64 {
	if p.PositionSide == PositionSideShort && p.Quantity > 0 {
		return -p.Quantity
	}
	return p.Quantity
}

// Trade is a single broker execution as read from an IBKR Flex export.
type Trade struct {
	DateTime        string     `json:"date_time"` // UTC, 2006-01-02T15:04:05.000Z
	Symbol          string     `json:"symbol"`
	Description     string     `json:"description"`
	OptionType      OptionType `json:"option_type,omitempty"` // empty for stock
	StrikePrice     float64    `json:"strike_price,omitempty"`
	ExpirationDate  string     `json:"expiration_date,omitempty"`
	Quantity        float64    `json:"quantity"` // positive = buy, negative = sell
	TradePrice      float64    `json:"trade_price"`
	BuySell         string     `json:"buy_sell"`
	Commission      float64    `json:"commission"`
	NetCash         float64    `json:"net_cash"`
	OpenClose       string     `json:"open_close"`
	TransactionType string     `json:"transaction_type"`
	RealizedPnL     float64    `json:"realized_pnl"`
	MtmPnL          float64    `json:"mtm_pnl"`
}

func (t Trade) EntryTimestamp() string  { return t.DateTime }
func (t Trade) Underlying() string      { return t.Symbol }
func (t Trade) SignedQuantity() float64 { return t.Quantity }
func (t Trade) UnitPrice() float64      { return t.TradePrice }

// TradeGroup is a persisted strategy.
type TradeGroup struct {
	ID            string    `json:"id"`
	Strategy      string    `json:"strategy"` // "strategy-<date of first leg>"
	Underlying    string    `json:"underlying"`
	GrossProceeds float64   `json:"gross_proceeds"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}
