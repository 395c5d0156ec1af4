package engine

import (
	"errors"
	"fmt"

	"bourse/internal/book"
	"bourse/internal/broker"
	"bourse/internal/common"

	"github.com/rs/zerolog/log"
)

// place runs an order through the book of its ticker. It either executes
// (fully or partially) against resting orders, rests in the book, or both.
// The caller holds the ticker lock.
//
// The order is a liquidity taker. It walks the opposing side best first
// while prices cross, settling each fill at the resting maker's price.
// A maker whose owner can no longer cover its leg is dropped from the book
// and the walk continues. A taker that cannot cover its own leg stops the
// walk: fills already made stand, nothing further is matched.
func (e *Engine) place(tb *book.TickerBook, order *common.Order) (Report, error) {
	var trades []common.Trade
	for order.Quantity > 0 {
		maker, ok := tb.Best(order.Side.Opposite())
		if !ok || !order.Crosses(maker.LimitPrice) {
			break
		}

		matchQty := min(order.Quantity, maker.Quantity)
		price := maker.LimitPrice
		if err := e.settler.ExecuteTrade(order, maker, order.Ticker, matchQty, price); err != nil {
			var insufficient *broker.InsufficientError
			if errors.As(err, &insufficient) && insufficient.OrderID == maker.UUID {
				tb.Remove(maker.UUID)
				maker.Status = common.Canceled
				log.Warn().
					Err(err).
					Str("ticker", order.Ticker).
					Str("maker", maker.UUID).
					Str("owner", maker.Owner).
					Msg("dropping maker that cannot settle")
				continue
			}

			order.Status = common.Canceled
			e.record(trades)
			log.Info().
				Err(err).
				Str("ticker", order.Ticker).
				Str("order", order.UUID).
				Int("fills", len(trades)).
				Msg("taker aborted")
			return e.report(order, trades), fmt.Errorf("%w: %w", ErrConflict, err)
		}

		order.Fill(matchQty)
		maker.Fill(matchQty)
		if maker.Quantity == 0 {
			tb.Remove(maker.UUID)
		}
		trades = append(trades, common.NewTrade(order, maker, matchQty, price, e.now()))
	}
	e.record(trades)

	if order.Quantity == 0 {
		return e.report(order, trades), nil
	}

	switch order.OrderType {
	case common.MarketOrder:
		return e.handleMarket(order, trades)
	default:
		return e.handleLimit(tb, order, trades)
	}
}

// handleMarket deals with a market order that swept the book dry. Market
// orders never rest, so the remainder is a conflict.
func (e *Engine) handleMarket(order *common.Order, trades []common.Trade) (Report, error) {
	order.Status = common.Canceled
	return e.report(order, trades), fmt.Errorf("%w: %d of %d unfilled",
		ErrNotEnoughLiquidity, order.Quantity, order.TotalQuantity)
}

// handleLimit reserves what the unfilled remainder needs and rests it.
// If the reservation fails the whole submission is rejected, though any
// fills from the walk stay settled.
func (e *Engine) handleLimit(tb *book.TickerBook, order *common.Order, trades []common.Trade) (Report, error) {
	if err := e.settler.ReserveLimitOrder(order); err != nil {
		order.Status = common.Canceled
		return e.report(order, trades), fmt.Errorf("%w: cannot reserve remainder: %w", ErrConflict, err)
	}

	if order.Filled() > 0 {
		order.Status = common.Partial
	} else {
		order.Status = common.Pending
	}
	if err := tb.Add(order); err != nil {
		e.settler.ReleaseLimitOrder(order)
		order.Status = common.Canceled
		return e.report(order, trades), fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return e.report(order, trades), nil
}

func (e *Engine) report(order *common.Order, trades []common.Trade) Report {
	return Report{
		OrderID:   order.UUID,
		Status:    order.Status,
		Remaining: order.Quantity,
		Trades:    trades,
	}
}
