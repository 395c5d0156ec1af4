package simulation

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"bourse/internal/book"
	"bourse/internal/broker"
	. "bourse/internal/common"
	"bourse/internal/engine"
	"bourse/internal/liquidity"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Clients trade and cancel from many goroutines while the clock refreshes
// synthetic depth underneath them. Run with -race.
func TestConcurrentTradingWhileClockTicks(t *testing.T) {
	const (
		clients = 8
		rounds  = 300
		granted = 1_000
	)
	initial := decimal.NewFromInt(100_000)
	settler := broker.New(initial, nil)
	eng := engine.New(book.New(), settler, liquidity.New(liquidity.DefaultConfig()), nil)
	sink := &memorySink{}
	sims := NewContext()
	sims.Activate(New("concurrent", ticks(100_000), 1))
	c := NewController(sims, eng, settler, Options{Sink: sink, Unit: time.Millisecond, StopTimeout: waitFor})

	owners := make([]string, clients)
	for i := range owners {
		owners[i] = fmt.Sprintf("client-%d", i)
		require.NoError(t, settler.Grant(owners[i], "AAPL", granted))
	}
	require.NoError(t, c.Start())
	require.Eventually(t, func() bool { return c.Tick() > 0 }, waitFor, poll)

	var wg sync.WaitGroup
	for i, owner := range owners {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(uint64(i), 42))
			var mine []string
			for range rounds {
				side := Side(rng.IntN(2))
				qty := int64(1 + rng.IntN(20))
				switch rng.IntN(4) {
				case 0:
					_, _ = eng.Submit(NewMarketOrder(owner, "AAPL", side, qty))
				case 1:
					if len(mine) > 0 {
						k := rng.IntN(len(mine))
						eng.Cancel(mine[k], owner)
						mine = append(mine[:k], mine[k+1:]...)
					}
				default:
					price := decimal.NewFromInt(int64(9900 + 25*rng.IntN(9))).Shift(-2)
					report, err := eng.Submit(NewLimitOrder(owner, "AAPL", side, price, qty))
					if err == nil && report.Remaining > 0 {
						mine = append(mine, report.OrderID)
					}
				}
			}
		}()
	}
	wg.Wait()
	c.Stop()
	require.Equal(t, Stopped, c.State())

	// Every trade, whether the clock already persisted it or not.
	trades := eng.DrainTrades()
	for _, batch := range sink.Batches() {
		trades = append(trades, batch.Trades...)
	}
	require.NotEmpty(t, trades)

	// Synthetic depth is the only outside party, so it is the only way cash
	// and units enter or leave the clients.
	wantCash := initial.Mul(decimal.NewFromInt(clients))
	wantUnits := int64(clients * granted)
	for _, tr := range trades {
		buyer, seller := tr.TakerOwner, tr.MakerOwner
		if tr.TakerSide == Sell {
			buyer, seller = seller, buyer
		}
		notional := tr.Price.Mul(decimal.NewFromInt(tr.MatchQty))
		switch {
		case buyer == SyntheticOwner && seller != SyntheticOwner:
			wantCash = wantCash.Add(notional)
			wantUnits -= tr.MatchQty
		case seller == SyntheticOwner && buyer != SyntheticOwner:
			wantCash = wantCash.Sub(notional)
			wantUnits += tr.MatchQty
		}
	}

	resting := eng.Orders("AAPL")
	gotCash := decimal.Zero
	var gotUnits int64
	for _, owner := range owners {
		cash := settler.Cash(owner)
		assert.False(t, cash.IsNegative(), "%s has negative cash", owner)
		gotCash = gotCash.Add(cash)

		pos := settler.Position(owner, "AAPL")
		assert.GreaterOrEqual(t, pos.Size, int64(0))
		gotUnits += pos.Size

		var offered int64
		for _, o := range resting {
			if o.Owner != owner {
				continue
			}
			if o.Side == Buy {
				// Cash reserved by a resting bid is still the client's.
				gotCash = gotCash.Add(o.LimitPrice.Mul(decimal.NewFromInt(o.Quantity)))
			} else {
				offered += o.Quantity
			}
		}
		assert.Equal(t, offered, pos.Reserved, "reserved units of %s", owner)
	}
	assert.True(t, wantCash.Equal(gotCash), "cash: want %s, got %s", wantCash, gotCash)
	assert.Equal(t, wantUnits, gotUnits)

	var bid, ask *Order
	for i := range resting {
		o := &resting[i]
		if o.Side == Buy && (bid == nil || o.LimitPrice.GreaterThan(bid.LimitPrice)) {
			bid = o
		}
		if o.Side == Sell && (ask == nil || o.LimitPrice.LessThan(ask.LimitPrice)) {
			ask = o
		}
	}
	if bid != nil && ask != nil {
		assert.True(t, bid.LimitPrice.LessThan(ask.LimitPrice), "book is crossed: bid %s ask %s", bid.LimitPrice, ask.LimitPrice)
	}
}
