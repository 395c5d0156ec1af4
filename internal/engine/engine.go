package engine

import (
	"sync"
	"time"

	"bourse/internal/book"
	"bourse/internal/common"
	"bourse/internal/liquidity"
	"bourse/internal/notify"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// This is the main matching engine.
//
// Matching for a ticker is serialized by that ticker's book lock; different
// tickers match in parallel. Settlement and notification happen through the
// Settler, whose queued notifications are flushed after the book lock is
// released.

type Engine struct {
	book      *book.Book
	settler   Settler
	generator *liquidity.Generator
	notifier  notify.Notifier
	now       func() time.Time

	mu      sync.Mutex // guards everything below
	trades  []common.Trade
	last    map[string]decimal.Decimal
	candles map[string]common.Candle
}

func New(b *book.Book, settler Settler, generator *liquidity.Generator, notifier notify.Notifier) *Engine {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if generator == nil {
		generator = liquidity.New(liquidity.DefaultConfig())
	}
	return &Engine{
		book:      b,
		settler:   settler,
		generator: generator,
		notifier:  notifier,
		now:       time.Now,
		last:      make(map[string]decimal.Decimal),
		candles:   make(map[string]common.Candle),
	}
}

func (e *Engine) Book() *book.Book {
	return e.book
}

// Submit validates and matches an order. The order is stamped with an id
// (if it has none) and its arrival time, which fixes its queue priority.
//
// On ErrConflict the returned report still lists the fills that settled
// before the conflict.
func (e *Engine) Submit(order *common.Order) (Report, error) {
	if err := validate(order); err != nil {
		return Report{}, err
	}
	if order.UUID == "" {
		order.UUID = uuid.New().String()
	}
	order.TotalQuantity = order.Quantity
	order.Status = common.Pending
	order.ExchTimestamp = e.now()

	var (
		report Report
		err    error
	)
	tb := e.book.Ticker(order.Ticker)
	withLock(tb, func() {
		report, err = e.place(tb, order)
	})

	e.publish(report.Trades)
	return report, err
}

// Cancel removes a resting order on behalf of its owner and releases what
// it reserved. Unknown, foreign or already finished orders return false:
// losing a race against a fill is expected.
func (e *Engine) Cancel(orderID, clientID string) bool {
	if clientID == "" || clientID == common.SyntheticOwner {
		return false
	}
	tb, ok := e.book.Locate(orderID)
	if !ok {
		return false
	}

	var canceled bool
	withLock(tb, func() {
		order, ok := tb.Find(orderID)
		if !ok || order.Owner != clientID || order.Status.Terminal() {
			return
		}
		e.settler.ReleaseLimitOrder(order)
		tb.Remove(orderID)
		order.Status = common.Canceled
		canceled = true
	})

	e.settler.Publish()
	return canceled
}

// Orders snapshots the resting orders of ticker, bids first.
func (e *Engine) Orders(ticker string) []common.Order {
	tb, ok := e.book.Lookup(ticker)
	if !ok {
		return nil
	}
	tb.Lock()
	defer tb.Unlock()

	resting := tb.Orders()
	out := make([]common.Order, len(resting))
	for i, o := range resting {
		out[i] = *o
	}
	return out
}

// Order snapshots a single resting order.
func (e *Engine) Order(orderID string) (common.Order, bool) {
	tb, ok := e.book.Locate(orderID)
	if !ok {
		return common.Order{}, false
	}
	tb.Lock()
	defer tb.Unlock()
	order, ok := tb.Find(orderID)
	if !ok {
		return common.Order{}, false
	}
	return *order, true
}

// RefreshLiquidity replaces each candle's ticker's synthetic orders with a
// fresh set generated from the candle. New synthetic orders are matched
// like any other, so a refresh never leaves the book crossed.
func (e *Engine) RefreshLiquidity(candles []common.Candle) {
	for _, candle := range candles {
		e.mu.Lock()
		e.candles[candle.Ticker] = candle
		e.mu.Unlock()

		tb := e.book.Ticker(candle.Ticker)
		var trades []common.Trade

		withLock(tb, func() {
			for _, stale := range tb.RemoveOwner(common.SyntheticOwner) {
				stale.Status = common.Canceled
			}
			for _, order := range e.generator.Generate(candle) {
				order.UUID = uuid.New().String()
				order.ExchTimestamp = e.now()
				report, err := e.place(tb, order)
				if err != nil {
					log.Warn().
						Err(err).
						Str("ticker", candle.Ticker).
						Msg("synthetic order rejected")
				}
				trades = append(trades, report.Trades...)
			}
		})

		e.publish(trades)
	}
}

// MarketPrice is the last traded price of ticker, falling back to the
// close of the latest candle.
func (e *Engine) MarketPrice(ticker string) (decimal.Decimal, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if price, ok := e.last[ticker]; ok {
		return price, true
	}
	if candle, ok := e.candles[ticker]; ok {
		return candle.Close, true
	}
	return decimal.Zero, false
}

// MarketPrices returns MarketPrice for every ticker the engine has seen.
func (e *Engine) MarketPrices() map[string]decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(e.candles)+len(e.last))
	for ticker, candle := range e.candles {
		out[ticker] = candle.Close
	}
	for ticker, price := range e.last {
		out[ticker] = price
	}
	return out
}

// DrainTrades hands over every trade executed since the last drain.
func (e *Engine) DrainTrades() []common.Trade {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.trades
	e.trades = nil
	return out
}

func (e *Engine) record(trades []common.Trade) {
	if len(trades) == 0 {
		return
	}
	e.mu.Lock()
	e.trades = append(e.trades, trades...)
	last := trades[len(trades)-1]
	e.last[last.Ticker] = last.Price
	e.mu.Unlock()
}

// withLock runs fn holding the ticker's lock. The lock is released even if
// fn panics, so one failed walk cannot wedge the ticker.
func withLock(tb *book.TickerBook, fn func()) {
	tb.Lock()
	defer tb.Unlock()
	fn()
}

// publish flushes settlement notifications then broadcasts the prints.
func (e *Engine) publish(trades []common.Trade) {
	e.settler.Publish()
	for _, t := range trades {
		e.notifier.Notify(notify.Event{Name: notify.TradeUpdate, Payload: t})
	}
}
