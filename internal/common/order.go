package common

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// SyntheticOwner is the owner tag carried by every order the liquidity
// generator injects. The broker settles nothing for this identity.
const SyntheticOwner = "__market__"

// Order is either a market or a limit order, told apart by OrderType.
// LimitPrice is only meaningful for limit orders. Once an order has been
// placed in a book, LimitPrice, ExchTimestamp and Sequence must not change.
type Order struct {
	UUID          string          // Order tracked uuid
	OrderType     OrderType       //
	Ticker        string          // Specific asset identifier
	Side          Side            // Order side
	LimitPrice    decimal.Decimal // Limiting price
	Quantity      int64           // Remaining quantity
	TotalQuantity int64           // Total volume requested
	Status        Status          //
	Timestamp     time.Time       // Time the client created the order
	ExchTimestamp time.Time       // Time of arrival of order into the engine
	Sequence      uint64          // Arrival tie-break when timestamps collide
	Owner         string          // Who owns this order
}

func NewMarketOrder(owner, ticker string, side Side, quantity int64) *Order {
	return &Order{
		OrderType:     MarketOrder,
		Ticker:        ticker,
		Side:          side,
		Quantity:      quantity,
		TotalQuantity: quantity,
		Timestamp:     time.Now(),
		Owner:         owner,
	}
}

func NewLimitOrder(owner, ticker string, side Side, price decimal.Decimal, quantity int64) *Order {
	return &Order{
		OrderType:     LimitOrder,
		Ticker:        ticker,
		Side:          side,
		LimitPrice:    price,
		Quantity:      quantity,
		TotalQuantity: quantity,
		Timestamp:     time.Now(),
		Owner:         owner,
	}
}

func (order *Order) Synthetic() bool {
	return order.Owner == SyntheticOwner
}

func (order *Order) Filled() int64 {
	return order.TotalQuantity - order.Quantity
}

// Crosses reports whether this order is willing to trade against a
// resting order at price.
func (order *Order) Crosses(price decimal.Decimal) bool {
	if order.OrderType == MarketOrder {
		return true
	}
	if order.Side == Buy {
		return order.LimitPrice.GreaterThanOrEqual(price)
	}
	return order.LimitPrice.LessThanOrEqual(price)
}

// Fill consumes quantity and moves the status forward.
func (order *Order) Fill(quantity int64) {
	order.Quantity -= quantity
	if order.Quantity == 0 {
		order.Status = Executed
	} else {
		order.Status = Partial
	}
}

// Notional is the cash value of the remaining quantity at the limit price.
func (order *Order) Notional() decimal.Decimal {
	return order.LimitPrice.Mul(decimal.NewFromInt(order.Quantity))
}

func (order Order) String() string {
	return fmt.Sprintf(
		`UUID:          %v
OrderType:     %v
Ticker:        %s
Side:          %v
LimitPrice:    %s
Quantity:      %d (Total: %d)
Status:        %v
Timestamp:     %v
ExchTimestamp: %v
Owner:         %s`,
		order.UUID,
		order.OrderType,
		order.Ticker,
		order.Side,
		order.LimitPrice.String(),
		order.Quantity,
		order.TotalQuantity,
		order.Status,
		order.Timestamp.Format(time.RFC3339), // Formatted for readability
		order.ExchTimestamp.Format(time.RFC3339Nano),
		order.Owner,
	)
}
