package common

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Trade accounts for the two parties who matched. The taker is the order
// that triggered the match, the maker the order that was resting.
type Trade struct {
	Ticker       string          `json:"ticker"`
	TakerOrderID string          `json:"taker_order_id"`
	TakerOwner   string          `json:"taker_owner"`
	TakerSide    Side            `json:"taker_side"`
	MakerOrderID string          `json:"maker_order_id"`
	MakerOwner   string          `json:"maker_owner"`
	Timestamp    time.Time       `json:"timestamp"`
	MatchQty     int64           `json:"match_qty"`
	Price        decimal.Decimal `json:"price"`
}

func NewTrade(taker, maker *Order, quantity int64, price decimal.Decimal, at time.Time) Trade {
	return Trade{
		Ticker:       taker.Ticker,
		TakerOrderID: taker.UUID,
		TakerOwner:   taker.Owner,
		TakerSide:    taker.Side,
		MakerOrderID: maker.UUID,
		MakerOwner:   maker.Owner,
		Timestamp:    at,
		MatchQty:     quantity,
		Price:        price,
	}
}

func (t Trade) String() string {
	return fmt.Sprintf(
		`Ticker:         %s
Taker:          %s (%s, %v)
Maker:          %s (%s)
Timestamp:      %v
MatchQty:       %d
Price:          %s`,
		t.Ticker,
		t.TakerOrderID, t.TakerOwner, t.TakerSide,
		t.MakerOrderID, t.MakerOwner,
		t.Timestamp.Format(time.RFC3339),
		t.MatchQty,
		t.Price.String(),
	)
}
