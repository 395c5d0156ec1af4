package book

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"bourse/internal/common"

	"github.com/tidwall/btree"
)

var (
	ErrNotLimit    = errors.New("only limit orders rest in the book")
	ErrDuplicateID = errors.New("order id already resting")
	ErrWrongTicker = errors.New("order ticker does not match book")
)

// compactFloor is the number of stale tree entries tolerated before a
// side is rebuilt from the live index.
const compactFloor = 256

type Side = btree.BTreeG[*common.Order]

// Book is the collection of per-ticker books, plus a locator from order id
// to the ticker the order rests in so cancels stay O(1).
type Book struct {
	mu      sync.RWMutex
	tickers map[string]*TickerBook
	locator map[string]*TickerBook
	seq     atomic.Uint64
}

func New() *Book {
	return &Book{
		tickers: make(map[string]*TickerBook),
		locator: make(map[string]*TickerBook),
	}
}

// Ticker returns the book for ticker, creating it on first use.
func (b *Book) Ticker(ticker string) *TickerBook {
	b.mu.RLock()
	tb, ok := b.tickers[ticker]
	b.mu.RUnlock()
	if ok {
		return tb
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if tb, ok := b.tickers[ticker]; ok {
		return tb
	}
	tb = newTickerBook(ticker, b)
	b.tickers[ticker] = tb
	return tb
}

// Lookup returns the book for ticker without creating it.
func (b *Book) Lookup(ticker string) (*TickerBook, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	tb, ok := b.tickers[ticker]
	return tb, ok
}

// Locate finds the ticker book an order id currently rests in.
func (b *Book) Locate(id string) (*TickerBook, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	tb, ok := b.locator[id]
	return tb, ok
}

// Tickers lists every ticker that has a book, sorted.
func (b *Book) Tickers() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.tickers))
	for t := range b.tickers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (b *Book) track(id string, tb *TickerBook) {
	b.mu.Lock()
	b.locator[id] = tb
	b.mu.Unlock()
}

func (b *Book) untrack(id string) {
	b.mu.Lock()
	delete(b.locator, id)
	b.mu.Unlock()
}

// TickerBook holds the resting limit orders of one ticker. Bids and asks are
// kept in price-time order; orders is the live index. Removal only touches
// the index, the trees are cleaned lazily when a dead entry reaches the top.
//
// Every method other than Ticker expects the caller to hold the lock.
type TickerBook struct {
	sync.Mutex

	ticker string
	parent *Book
	bids   *Side
	asks   *Side
	orders map[string]*common.Order
	stale  int
}

func newTickerBook(ticker string, parent *Book) *TickerBook {
	opts := btree.Options{NoLocks: true}
	return &TickerBook{
		ticker: ticker,
		parent: parent,
		bids:   btree.NewBTreeGOptions(buyLess, opts),
		asks:   btree.NewBTreeGOptions(sellLess, opts),
		orders: make(map[string]*common.Order),
	}
}

func (tb *TickerBook) Ticker() string {
	return tb.ticker
}

// Add rests a limit order. The order's price and arrival keys are fixed from
// here on: a price change is a cancel followed by a new Add.
func (tb *TickerBook) Add(order *common.Order) error {
	if order.OrderType != common.LimitOrder {
		return ErrNotLimit
	}
	if order.Ticker != tb.ticker {
		return ErrWrongTicker
	}
	if _, ok := tb.orders[order.UUID]; ok {
		return ErrDuplicateID
	}

	if order.ExchTimestamp.IsZero() {
		order.ExchTimestamp = time.Now()
	}
	order.Sequence = tb.parent.seq.Add(1)

	tb.side(order.Side).Set(order)
	tb.orders[order.UUID] = order
	tb.parent.track(order.UUID, tb)
	return nil
}

func (tb *TickerBook) Find(id string) (*common.Order, bool) {
	order, ok := tb.orders[id]
	return order, ok
}

// Remove drops an order from the live index.
func (tb *TickerBook) Remove(id string) (*common.Order, bool) {
	order, ok := tb.orders[id]
	if !ok {
		return nil, false
	}
	delete(tb.orders, id)
	tb.parent.untrack(id)

	tb.stale++
	if tb.stale > compactFloor && tb.stale > len(tb.orders) {
		tb.compact()
	}
	return order, true
}

// RemoveOwner drops every resting order owned by owner and returns them.
func (tb *TickerBook) RemoveOwner(owner string) []*common.Order {
	var removed []*common.Order
	for id, order := range tb.orders {
		if order.Owner != owner {
			continue
		}
		removed = append(removed, order)
		delete(tb.orders, id)
		tb.parent.untrack(id)
		tb.stale++
	}
	if tb.stale > compactFloor && tb.stale > len(tb.orders) {
		tb.compact()
	}
	return removed
}

func (tb *TickerBook) BestBuy() (*common.Order, bool) {
	return tb.best(tb.bids)
}

func (tb *TickerBook) BestSell() (*common.Order, bool) {
	return tb.best(tb.asks)
}

// Best returns the top of the given side.
func (tb *TickerBook) Best(side common.Side) (*common.Order, bool) {
	return tb.best(tb.side(side))
}

// Orders returns the live orders, bids best first followed by asks best first.
func (tb *TickerBook) Orders() []*common.Order {
	out := make([]*common.Order, 0, len(tb.orders))
	collect := func(order *common.Order) bool {
		if tb.live(order) {
			out = append(out, order)
		}
		return true
	}
	tb.bids.Scan(collect)
	tb.asks.Scan(collect)
	return out
}

// Len is the number of live resting orders.
func (tb *TickerBook) Len() int {
	return len(tb.orders)
}

func (tb *TickerBook) side(side common.Side) *Side {
	if side == common.Buy {
		return tb.bids
	}
	return tb.asks
}

// best pops dead entries off the top until a live order surfaces.
func (tb *TickerBook) best(levels *Side) (*common.Order, bool) {
	for {
		top, ok := levels.Min()
		if !ok {
			return nil, false
		}
		if tb.live(top) {
			return top, true
		}
		levels.Delete(top)
		if tb.stale > 0 {
			tb.stale--
		}
	}
}

// live compares identity so a reused id never revives a dead entry.
func (tb *TickerBook) live(order *common.Order) bool {
	current, ok := tb.orders[order.UUID]
	return ok && current == order
}

// compact rebuilds both sides from the live index.
func (tb *TickerBook) compact() {
	opts := btree.Options{NoLocks: true}
	bids := btree.NewBTreeGOptions(buyLess, opts)
	asks := btree.NewBTreeGOptions(sellLess, opts)
	for _, order := range tb.orders {
		if order.Side == common.Buy {
			bids.Set(order)
		} else {
			asks.Set(order)
		}
	}
	tb.bids, tb.asks = bids, asks
	tb.stale = 0
}
