package engine

import (
	"fmt"

	"bourse/internal/common"
)

// validate rejects malformed orders before they touch the book.
func validate(order *common.Order) error {
	if order == nil {
		return fmt.Errorf("%w: missing order", ErrValidation)
	}
	if order.Ticker == "" {
		return fmt.Errorf("%w: missing ticker", ErrValidation)
	}
	if order.Owner == "" {
		return fmt.Errorf("%w: missing owner", ErrValidation)
	}
	if order.Owner == common.SyntheticOwner {
		return fmt.Errorf("%w: owner %q is reserved", ErrValidation, order.Owner)
	}
	if order.Side != common.Buy && order.Side != common.Sell {
		return fmt.Errorf("%w: unknown side %d", ErrValidation, order.Side)
	}
	if order.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive, got %d", ErrValidation, order.Quantity)
	}
	switch order.OrderType {
	case common.MarketOrder:
	case common.LimitOrder:
		if !order.LimitPrice.IsPositive() {
			return fmt.Errorf("%w: limit order needs a positive price", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown order type %d", ErrValidation, order.OrderType)
	}
	return nil
}
