package broker

import (
	"errors"
	"testing"

	. "bourse/internal/common"
	"bourse/internal/notify"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Setup & Helpers --------------------------------------------------------

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestBroker() (*Broker, *notify.Recorder) {
	rec := &notify.Recorder{}
	return New(d("1000"), rec), rec
}

func order(id, owner string, side Side, price string, qty int64) *Order {
	o := NewLimitOrder(owner, "AAPL", side, d(price), qty)
	o.UUID = id
	return o
}

func market(id, owner string, side Side, qty int64) *Order {
	o := NewMarketOrder(owner, "AAPL", side, qty)
	o.UUID = id
	return o
}

func assertCash(t *testing.T, b *Broker, client, want string) {
	t.Helper()
	got := b.Cash(client)
	assert.True(t, got.Equal(d(want)), "cash of %s: got %s, want %s", client, got, want)
}

// --- Tests ------------------------------------------------------------------

func TestLazyAccounts(t *testing.T) {
	b, _ := newTestBroker()

	assertCash(t, b, "alice", "1000")
	pos := b.Position("alice", "AAPL")
	assert.Equal(t, "AAPL", pos.Ticker)
	assert.Zero(t, pos.Size)
	assert.True(t, pos.AvgPrice().IsZero())
}

func TestDepositAndGrant(t *testing.T) {
	b, rec := newTestBroker()

	require.NoError(t, b.Deposit("alice", d("250.5")))
	assertCash(t, b, "alice", "1250.5")
	assert.ErrorIs(t, b.Deposit("alice", d("-1")), ErrInvalidAmount)

	require.NoError(t, b.Grant("alice", "MSFT", 5))
	require.NoError(t, b.Grant("alice", "AAPL", 3))
	assert.ErrorIs(t, b.Grant("alice", "AAPL", 0), ErrInvalidAmount)

	positions := b.Positions("alice")
	require.Len(t, positions, 2)
	assert.Equal(t, "AAPL", positions[0].Ticker)
	assert.Equal(t, "MSFT", positions[1].Ticker)

	assert.Len(t, rec.Named(notify.CashUpdate), 1)
	assert.Len(t, rec.Named(notify.PositionUpdate), 2)
	for _, e := range rec.Events() {
		assert.Equal(t, "alice", e.ClientID)
	}
}

func TestReserveLimitOrder_Buy(t *testing.T) {
	b, _ := newTestBroker()

	require.NoError(t, b.ReserveLimitOrder(order("o1", "alice", Buy, "10", 60)))
	assertCash(t, b, "alice", "400")

	err := b.ReserveLimitOrder(order("o2", "alice", Buy, "10", 41))
	var insufficient *InsufficientError
	require.ErrorAs(t, err, &insufficient)
	assert.ErrorIs(t, err, ErrInsufficientCash)
	assert.Equal(t, "o2", insufficient.OrderID)
	assert.True(t, insufficient.Need.Equal(d("410")))
	assert.True(t, insufficient.Have.Equal(d("400")))
	assertCash(t, b, "alice", "400")
}

func TestReserveLimitOrder_Sell(t *testing.T) {
	b, _ := newTestBroker()
	require.NoError(t, b.Grant("alice", "AAPL", 10))

	require.NoError(t, b.ReserveLimitOrder(order("o1", "alice", Sell, "10", 7)))
	assert.EqualValues(t, 7, b.Position("alice", "AAPL").Reserved)

	err := b.ReserveLimitOrder(order("o2", "alice", Sell, "10", 4))
	assert.ErrorIs(t, err, ErrInsufficientPosition)
	assert.EqualValues(t, 7, b.Position("alice", "AAPL").Reserved)
}

func TestReserveLimitOrder_SyntheticBypasses(t *testing.T) {
	b, rec := newTestBroker()

	require.NoError(t, b.ReserveLimitOrder(order("s", SyntheticOwner, Sell, "10", 1_000_000)))
	require.NoError(t, b.ReserveLimitOrder(order("s", SyntheticOwner, Buy, "10", 1_000_000)))
	assert.Empty(t, rec.Events())
	assert.Empty(t, b.DrainLedger())
}

func TestReleaseLimitOrder(t *testing.T) {
	b, _ := newTestBroker()
	require.NoError(t, b.Grant("alice", "AAPL", 10))

	buy := order("b", "alice", Buy, "10", 50)
	sell := order("s", "alice", Sell, "12", 10)
	require.NoError(t, b.ReserveLimitOrder(buy))
	require.NoError(t, b.ReserveLimitOrder(sell))

	// A partially filled buy only releases its remainder.
	buy.Fill(20)
	b.ReleaseLimitOrder(buy)
	assertCash(t, b, "alice", "800")

	b.ReleaseLimitOrder(sell)
	assert.Zero(t, b.Position("alice", "AAPL").Reserved)
}

func TestExecuteTrade_MarketBuyAgainstRestingSell(t *testing.T) {
	b, rec := newTestBroker()
	require.NoError(t, b.Grant("seller", "AAPL", 10))
	maker := order("m", "seller", Sell, "10", 10)
	require.NoError(t, b.ReserveLimitOrder(maker))
	taker := market("t", "buyer", Buy, 10)

	require.NoError(t, b.ExecuteTrade(taker, maker, "AAPL", 10, d("10")))

	assertCash(t, b, "buyer", "900")
	assertCash(t, b, "seller", "1100")
	bought := b.Position("buyer", "AAPL")
	assert.EqualValues(t, 10, bought.Size)
	assert.True(t, bought.AvgPrice().Equal(d("10")))
	sold := b.Position("seller", "AAPL")
	assert.Zero(t, sold.Size)
	assert.Zero(t, sold.Reserved)
	assert.True(t, sold.TotalCost.IsZero())

	// Nothing is sent until Publish.
	before := len(rec.Events())
	b.Publish()
	assert.Greater(t, len(rec.Events()), before)
}

func TestExecuteTrade_RestingBuyRefundedImprovement(t *testing.T) {
	b, _ := newTestBroker()
	maker := order("m", "buyer", Buy, "12", 10)
	require.NoError(t, b.ReserveLimitOrder(maker))
	assertCash(t, b, "buyer", "880")

	require.NoError(t, b.Grant("seller", "AAPL", 4))
	taker := market("t", "seller", Sell, 4)

	// The trade prints at the maker price, so no improvement here.
	require.NoError(t, b.ExecuteTrade(taker, maker, "AAPL", 4, d("12")))
	assertCash(t, b, "buyer", "880")
	assertCash(t, b, "seller", "1048")

	// A limit taker matched below its own limit is debited at the trade
	// price only.
	require.NoError(t, b.Grant("seller", "AAPL", 5))
	resting := order("m2", "seller", Sell, "9", 5)
	require.NoError(t, b.ReserveLimitOrder(resting))
	limitTaker := order("t2", "buyer", Buy, "11", 5)
	require.NoError(t, b.ExecuteTrade(limitTaker, resting, "AAPL", 5, d("9")))
	assertCash(t, b, "buyer", "835")

	pos := b.Position("buyer", "AAPL")
	assert.EqualValues(t, 9, pos.Size)
	assert.True(t, pos.TotalCost.Equal(d("93")))
}

func TestExecuteTrade_MakerCheckedFirst(t *testing.T) {
	b, _ := newTestBroker()
	// Neither side can cover: the seller holds nothing and the buyer's
	// cash is short.
	maker := order("m", "seller", Sell, "10", 5)
	taker := market("t", "buyer", Buy, 500)

	err := b.ExecuteTrade(taker, maker, "AAPL", 500, d("10"))
	var insufficient *InsufficientError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, "m", insufficient.OrderID)
	assert.True(t, errors.Is(err, ErrInsufficientPosition))

	assertCash(t, b, "buyer", "1000")
	assert.Empty(t, b.Positions("buyer"))
}

func TestExecuteTrade_TakerInsufficient(t *testing.T) {
	b, _ := newTestBroker()
	require.NoError(t, b.Grant("seller", "AAPL", 200))
	maker := order("m", "seller", Sell, "10", 200)
	require.NoError(t, b.ReserveLimitOrder(maker))
	taker := market("t", "buyer", Buy, 200)

	err := b.ExecuteTrade(taker, maker, "AAPL", 200, d("10"))
	var insufficient *InsufficientError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, "t", insufficient.OrderID)
	assert.ErrorIs(t, err, ErrInsufficientCash)

	// Neither leg moved.
	assert.EqualValues(t, 200, b.Position("seller", "AAPL").Reserved)
	assertCash(t, b, "seller", "1000")
}

func TestExecuteTrade_TakerSellNeedsAvailableUnits(t *testing.T) {
	b, _ := newTestBroker()
	require.NoError(t, b.Grant("seller", "AAPL", 10))
	// Eight units are committed to a resting order.
	require.NoError(t, b.ReserveLimitOrder(order("r", "seller", Sell, "20", 8)))

	maker := order("m", "buyer", Buy, "10", 5)
	require.NoError(t, b.ReserveLimitOrder(maker))
	taker := market("t", "seller", Sell, 5)

	err := b.ExecuteTrade(taker, maker, "AAPL", 5, d("10"))
	assert.ErrorIs(t, err, ErrInsufficientPosition)
}

func TestExecuteTrade_SyntheticLegsSettleNothing(t *testing.T) {
	b, _ := newTestBroker()
	maker := order("s", SyntheticOwner, Sell, "10", 50)
	taker := market("t", "buyer", Buy, 50)

	require.NoError(t, b.ExecuteTrade(taker, maker, "AAPL", 50, d("10")))
	assertCash(t, b, "buyer", "500")
	assert.EqualValues(t, 50, b.Position("buyer", "AAPL").Size)

	for _, entry := range b.DrainLedger() {
		assert.NotEqual(t, SyntheticOwner, entry.ClientID)
	}
}

func TestExecuteTrade_AveragePriceOnPartialSell(t *testing.T) {
	b, _ := newTestBroker()
	synthetic := func(side Side, price string, qty int64) *Order {
		return order("s", SyntheticOwner, side, price, qty)
	}

	require.NoError(t, b.ExecuteTrade(market("t1", "alice", Buy, 10), synthetic(Sell, "10", 10), "AAPL", 10, d("10")))
	require.NoError(t, b.ExecuteTrade(market("t2", "alice", Buy, 10), synthetic(Sell, "20", 10), "AAPL", 10, d("20")))
	assert.True(t, b.Position("alice", "AAPL").AvgPrice().Equal(d("15")))

	require.NoError(t, b.ExecuteTrade(market("t3", "alice", Sell, 5), synthetic(Buy, "30", 5), "AAPL", 5, d("30")))
	pos := b.Position("alice", "AAPL")
	assert.EqualValues(t, 15, pos.Size)
	assert.True(t, pos.AvgPrice().Equal(d("15")), "selling keeps the entry price")
	assertCash(t, b, "alice", "850")
}

func TestDrainLedger(t *testing.T) {
	b, _ := newTestBroker()
	require.NoError(t, b.Deposit("alice", d("1")))

	entries := b.DrainLedger()
	require.Len(t, entries, 1)
	assert.Equal(t, CashChanged, entries[0].Kind)
	assert.True(t, entries[0].Cash.Equal(d("1001")))
	assert.Empty(t, b.DrainLedger())
}
