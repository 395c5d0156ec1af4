package engine

import (
	"errors"
	"fmt"

	"bourse/internal/common"

	"github.com/shopspring/decimal"
)

var (
	// ErrValidation marks an order rejected before it reached the book.
	ErrValidation = errors.New("invalid order")
	// ErrConflict marks a submission that could not be honoured in full.
	// Fills settled before the conflict stay settled.
	ErrConflict           = errors.New("order conflict")
	ErrNotEnoughLiquidity = fmt.Errorf("%w: not enough liquidity", ErrConflict)
)

// Settler is the cash and position authority the engine settles against.
type Settler interface {
	ReserveLimitOrder(order *common.Order) error
	ReleaseLimitOrder(order *common.Order)
	ExecuteTrade(taker, maker *common.Order, ticker string, size int64, price decimal.Decimal) error
	// Publish flushes queued notifications; called with no lock held.
	Publish()
}

// Report is what a submission hands back: the order's state once matching
// finished and the fills it produced, in execution order.
type Report struct {
	OrderID   string
	Status    common.Status
	Remaining int64
	Trades    []common.Trade
}

// Filled sums the quantity of every fill in the report.
func (r Report) Filled() int64 {
	var total int64
	for _, t := range r.Trades {
		total += t.MatchQty
	}
	return total
}
