package common

import (
	"time"

	"github.com/shopspring/decimal"
)

var three = decimal.NewFromInt(3)

// Candle is an immutable OHLCV snapshot for one ticker at one tick.
type Candle struct {
	Ticker string          `json:"ticker"`
	Tick   int64           `json:"tick"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume int64           `json:"volume"`
}

// Valid requires a positive, non-inverted range and some volume.
func (c Candle) Valid() bool {
	return c.High.GreaterThanOrEqual(c.Low) && c.Low.IsPositive() && c.Close.IsPositive() && c.Volume > 0
}

// TypicalPrice is (high + low + close) / 3.
func (c Candle) TypicalPrice() decimal.Decimal {
	return c.High.Add(c.Low).Add(c.Close).Div(three)
}

// PriceLevel is a transient (price, volume) pair. Never persisted.
type PriceLevel struct {
	Price  decimal.Decimal
	Volume int64
}

// Position is a client's net holding in one ticker. Reserved units are
// committed to resting sell orders and are never more than Size.
type Position struct {
	Ticker    string          `json:"ticker"`
	Size      int64           `json:"size"`
	Reserved  int64           `json:"reserved"`
	TotalCost decimal.Decimal `json:"total_cost"`
}

func (p Position) Available() int64 {
	return p.Size - p.Reserved
}

// AvgPrice is the volume weighted entry price, zero for a flat position.
func (p Position) AvgPrice() decimal.Decimal {
	if p.Size == 0 {
		return decimal.Zero
	}
	return p.TotalCost.Div(decimal.NewFromInt(p.Size))
}

// Ledger entry kinds.
const (
	CashChanged     = "cash_changed"
	PositionChanged = "position_changed"
)

// LedgerEntry records a post-trade cash or position state for the audit sink.
type LedgerEntry struct {
	Kind      string          `json:"kind"`
	ClientID  string          `json:"client_id"`
	Ticker    string          `json:"ticker,omitempty"`
	Cash      decimal.Decimal `json:"cash"`
	Size      int64           `json:"size"`
	Reserved  int64           `json:"reserved"`
	AvgPrice  decimal.Decimal `json:"avg_price"`
	Timestamp time.Time       `json:"timestamp"`
}

// TickBatch is everything that settled during one tick, handed to the
// audit sink once the tick completes.
type TickBatch struct {
	SimulationID string        `json:"simulation_id"`
	Tick         int64         `json:"tick"`
	Trades       []Trade       `json:"trades"`
	Ledger       []LedgerEntry `json:"ledger"`
	Timestamp    time.Time     `json:"timestamp"`
}
