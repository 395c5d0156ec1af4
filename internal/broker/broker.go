// Package broker owns every client's cash and positions. It is the only
// place they change: reservations for resting limit orders, releases on
// cancel, and settlement of matched trades. Sufficiency is checked before
// anything is mutated.
package broker

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"bourse/internal/common"
	"bourse/internal/notify"

	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientCash     = errors.New("insufficient cash")
	ErrInsufficientPosition = errors.New("insufficient position")
	ErrInvalidAmount        = errors.New("amount must be positive")
)

// InsufficientError names the order whose owner could not cover a leg, so
// the matcher can tell a bad maker from a bad taker.
type InsufficientError struct {
	OrderID  string
	ClientID string
	Ticker   string
	Need     decimal.Decimal
	Have     decimal.Decimal
	Reason   error // ErrInsufficientCash or ErrInsufficientPosition
}

func (e *InsufficientError) Error() string {
	return fmt.Sprintf("%v: client %s order %s needs %s, has %s",
		e.Reason, e.ClientID, e.OrderID, e.Need.String(), e.Have.String())
}

func (e *InsufficientError) Unwrap() error {
	return e.Reason
}

// CashPayload is the body of a cash update notification.
type CashPayload struct {
	Cash decimal.Decimal `json:"cash"`
}

// PositionPayload is the body of a position update notification.
type PositionPayload struct {
	Ticker   string          `json:"ticker"`
	Size     int64           `json:"size"`
	Reserved int64           `json:"reserved"`
	AvgPrice decimal.Decimal `json:"avg_price"`
}

type Broker struct {
	mu        sync.Mutex
	initial   decimal.Decimal
	cash      map[string]decimal.Decimal
	positions map[string]map[string]*common.Position
	ledger    []common.LedgerEntry
	outbox    []notify.Event
	notifier  notify.Notifier
	now       func() time.Time
}

// New creates a broker. Clients are created on first reference with
// initialCash in their account.
func New(initialCash decimal.Decimal, notifier notify.Notifier) *Broker {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Broker{
		initial:   initialCash,
		cash:      make(map[string]decimal.Decimal),
		positions: make(map[string]map[string]*common.Position),
		notifier:  notifier,
		now:       time.Now,
	}
}

func (b *Broker) Deposit(client string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	b.mu.Lock()
	b.cash[client] = b.cashLocked(client).Add(amount)
	b.recordCash(client)
	b.mu.Unlock()

	b.Publish()
	return nil
}

// Grant credits units of ticker at zero cost, for seeding a game's
// starting portfolio.
func (b *Broker) Grant(client, ticker string, units int64) error {
	if units <= 0 {
		return ErrInvalidAmount
	}
	b.mu.Lock()
	b.positionLocked(client, ticker).Size += units
	b.recordPosition(client, ticker)
	b.mu.Unlock()

	b.Publish()
	return nil
}

func (b *Broker) Cash(client string) decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cashLocked(client)
}

func (b *Broker) Position(client, ticker string) common.Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	return *b.positionLocked(client, ticker)
}

// Positions returns the client's positions sorted by ticker.
func (b *Broker) Positions(client string) []common.Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]common.Position, 0, len(b.positions[client]))
	for _, p := range b.positions[client] {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticker < out[j].Ticker })
	return out
}

// ReserveLimitOrder commits the resources a resting limit order needs for
// its remaining quantity: cash at the limit price for a buy, position units
// for a sell. Nothing changes on failure. Notifications are queued for
// Publish.
func (b *Broker) ReserveLimitOrder(order *common.Order) error {
	if order.Synthetic() {
		return nil
	}

	b.mu.Lock()
	switch order.Side {
	case common.Buy:
		need := order.Notional()
		have := b.cashLocked(order.Owner)
		if have.LessThan(need) {
			b.mu.Unlock()
			return insufficientCash(order, need, have)
		}
		b.cash[order.Owner] = have.Sub(need)
		b.recordCash(order.Owner)
	case common.Sell:
		pos := b.positionLocked(order.Owner, order.Ticker)
		if pos.Available() < order.Quantity {
			b.mu.Unlock()
			return insufficientPosition(order, order.Quantity, pos.Available())
		}
		pos.Reserved += order.Quantity
		b.recordPosition(order.Owner, order.Ticker)
	}
	b.mu.Unlock()
	return nil
}

// ReleaseLimitOrder hands back what the order's unfilled quantity still
// holds. Called when a resting order is canceled.
func (b *Broker) ReleaseLimitOrder(order *common.Order) {
	if order.Synthetic() || order.Quantity <= 0 {
		return
	}

	b.mu.Lock()
	switch order.Side {
	case common.Buy:
		b.cash[order.Owner] = b.cashLocked(order.Owner).Add(order.Notional())
		b.recordCash(order.Owner)
	case common.Sell:
		pos := b.positionLocked(order.Owner, order.Ticker)
		pos.Reserved -= min(order.Quantity, pos.Reserved)
		b.recordPosition(order.Owner, order.Ticker)
	}
	b.mu.Unlock()
}

// ExecuteTrade settles size units of ticker at price between taker and
// maker. Trades always print at the maker's price. A resting buy maker had
// cash reserved at its limit price and is refunded any improvement; a
// resting sell maker consumes reserved units. Synthetic legs settle nothing.
//
// Both legs are checked before either is applied. The returned error is an
// *InsufficientError naming the order that could not cover its leg. The
// maker is checked first.
//
// Notifications are queued, not sent; call Publish once no lock is held.
func (b *Broker) ExecuteTrade(taker, maker *common.Order, ticker string, size int64, price decimal.Decimal) error {
	buy, sell := taker, maker
	if taker.Side == common.Sell {
		buy, sell = maker, taker
	}
	notional := price.Mul(decimal.NewFromInt(size))

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, leg := range []*common.Order{maker, taker} {
		if err := b.checkLocked(leg, leg == taker, ticker, size, notional); err != nil {
			return err
		}
	}

	if !buy.Synthetic() {
		cash := b.cashLocked(buy.Owner)
		if buy == taker {
			cash = cash.Sub(notional)
		} else {
			improvement := buy.LimitPrice.Sub(price).Mul(decimal.NewFromInt(size))
			cash = cash.Add(improvement)
		}
		b.cash[buy.Owner] = cash

		pos := b.positionLocked(buy.Owner, ticker)
		pos.Size += size
		pos.TotalCost = pos.TotalCost.Add(notional)

		b.recordCash(buy.Owner)
		b.recordPosition(buy.Owner, ticker)
	}

	if !sell.Synthetic() {
		b.cash[sell.Owner] = b.cashLocked(sell.Owner).Add(notional)

		pos := b.positionLocked(sell.Owner, ticker)
		avg := pos.AvgPrice()
		pos.Size -= size
		if sell == maker {
			pos.Reserved -= size
		}
		if pos.Size == 0 {
			pos.TotalCost = decimal.Zero
		} else {
			pos.TotalCost = pos.TotalCost.Sub(avg.Mul(decimal.NewFromInt(size)))
		}

		b.recordCash(sell.Owner)
		b.recordPosition(sell.Owner, ticker)
	}
	return nil
}

// checkLocked verifies a single leg can be covered.
func (b *Broker) checkLocked(leg *common.Order, isTaker bool, ticker string, size int64, notional decimal.Decimal) error {
	if leg.Synthetic() {
		return nil
	}
	switch leg.Side {
	case common.Buy:
		// Resting buys prepaid at their limit, which is never below the
		// maker price they trade at.
		if !isTaker {
			return nil
		}
		if have := b.cashLocked(leg.Owner); have.LessThan(notional) {
			return insufficientCash(leg, notional, have)
		}
	case common.Sell:
		pos := b.positionLocked(leg.Owner, ticker)
		have := pos.Available()
		if !isTaker {
			have = min(pos.Reserved, pos.Size)
		}
		if have < size {
			return insufficientPosition(leg, size, have)
		}
	}
	return nil
}

// DrainLedger hands over every ledger entry recorded since the last drain.
func (b *Broker) DrainLedger() []common.LedgerEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.ledger
	b.ledger = nil
	return out
}

// Publish sends queued notifications. Must be called without holding any
// book or broker lock.
func (b *Broker) Publish() {
	b.mu.Lock()
	events := b.outbox
	b.outbox = nil
	b.mu.Unlock()

	for _, e := range events {
		b.notifier.Notify(e)
	}
}

func (b *Broker) cashLocked(client string) decimal.Decimal {
	cash, ok := b.cash[client]
	if !ok {
		cash = b.initial
		b.cash[client] = cash
	}
	return cash
}

func (b *Broker) positionLocked(client, ticker string) *common.Position {
	book, ok := b.positions[client]
	if !ok {
		book = make(map[string]*common.Position)
		b.positions[client] = book
	}
	pos, ok := book[ticker]
	if !ok {
		pos = &common.Position{Ticker: ticker}
		book[ticker] = pos
	}
	return pos
}

func (b *Broker) recordCash(client string) {
	cash := b.cashLocked(client)
	b.ledger = append(b.ledger, common.LedgerEntry{
		Kind:      common.CashChanged,
		ClientID:  client,
		Cash:      cash,
		Timestamp: b.now(),
	})
	b.outbox = append(b.outbox, notify.Event{
		Name:     notify.CashUpdate,
		ClientID: client,
		Payload:  CashPayload{Cash: cash},
	})
}

func (b *Broker) recordPosition(client, ticker string) {
	pos := *b.positionLocked(client, ticker)
	b.ledger = append(b.ledger, common.LedgerEntry{
		Kind:      common.PositionChanged,
		ClientID:  client,
		Ticker:    ticker,
		Size:      pos.Size,
		Reserved:  pos.Reserved,
		AvgPrice:  pos.AvgPrice(),
		Timestamp: b.now(),
	})
	b.outbox = append(b.outbox, notify.Event{
		Name:     notify.PositionUpdate,
		ClientID: client,
		Payload: PositionPayload{
			Ticker:   ticker,
			Size:     pos.Size,
			Reserved: pos.Reserved,
			AvgPrice: pos.AvgPrice(),
		},
	})
}

func insufficientCash(order *common.Order, need, have decimal.Decimal) error {
	return &InsufficientError{
		OrderID:  order.UUID,
		ClientID: order.Owner,
		Ticker:   order.Ticker,
		Need:     need,
		Have:     have,
		Reason:   ErrInsufficientCash,
	}
}

func insufficientPosition(order *common.Order, need, have int64) error {
	return &InsufficientError{
		OrderID:  order.UUID,
		ClientID: order.Owner,
		Ticker:   order.Ticker,
		Need:     decimal.NewFromInt(need),
		Have:     decimal.NewFromInt(have),
		Reason:   ErrInsufficientPosition,
	}
}
