// Package liquidity turns a candle into resting maker orders so that every
// ticker has depth to trade against. Prices are sampled across the candle
// range, weighted by a Beta density and split into bids and asks around the
// candle's typical price.
package liquidity

import (
	"math"
	"sort"

	"bourse/internal/common"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat/distuv"
)

// Beta density diverges at 0 and 1 for shape parameters below one, so
// positions are kept this far inside the unit interval.
const edge = 1e-6

type Config struct {
	TickSize decimal.Decimal // Price increment every level is snapped to
	Levels   int             // Candidate prices sampled across [low, high]
	Alpha    float64         // Beta shape over the normalized range
	Beta     float64
}

func DefaultConfig() Config {
	return Config{
		TickSize: decimal.New(1, -2),
		Levels:   20,
		Alpha:    2,
		Beta:     2,
	}
}

type Generator struct {
	cfg     Config
	density distuv.Beta
}

// New fills any zero field of cfg from DefaultConfig.
func New(cfg Config) *Generator {
	def := DefaultConfig()
	if !cfg.TickSize.IsPositive() {
		cfg.TickSize = def.TickSize
	}
	if cfg.Levels < 2 {
		cfg.Levels = def.Levels
	}
	if cfg.Alpha <= 0 {
		cfg.Alpha = def.Alpha
	}
	if cfg.Beta <= 0 {
		cfg.Beta = def.Beta
	}
	return &Generator{
		cfg:     cfg,
		density: distuv.Beta{Alpha: cfg.Alpha, Beta: cfg.Beta},
	}
}

func (g *Generator) Config() Config {
	return g.cfg
}

// Generate returns the synthetic limit orders for candle. Orders carry the
// synthetic owner and no id; the caller assigns ids when placing them.
// Invalid candles yield nothing.
func (g *Generator) Generate(candle common.Candle) []*common.Order {
	if !candle.Valid() {
		return nil
	}
	if candle.High.Equal(candle.Low) {
		return g.flat(candle)
	}

	typical := candle.TypicalPrice()
	var orders []*common.Order
	for _, level := range g.Levels(candle) {
		var side common.Side
		switch level.Price.Cmp(typical) {
		case -1:
			side = common.Buy
		case 1:
			side = common.Sell
		default:
			// A level on the split point would cross the synthetic spread.
			continue
		}
		orders = append(orders, common.NewLimitOrder(
			common.SyntheticOwner, candle.Ticker, side, level.Price, level.Volume,
		))
	}
	return orders
}

// flat straddles the close by one tick so a flat candle still leaves a
// crossable spread. Odd volume goes to the ask, and so does everything when
// the bid would not be priced above zero.
func (g *Generator) flat(candle common.Candle) []*common.Order {
	bid := candle.Close.Sub(g.cfg.TickSize)
	bidQty := candle.Volume / 2
	if !bid.IsPositive() {
		bidQty = 0
	}
	askQty := candle.Volume - bidQty

	var orders []*common.Order
	if bidQty > 0 {
		orders = append(orders, common.NewLimitOrder(
			common.SyntheticOwner, candle.Ticker, common.Buy, bid, bidQty,
		))
	}
	orders = append(orders, common.NewLimitOrder(
		common.SyntheticOwner, candle.Ticker, common.Sell,
		candle.Close.Add(g.cfg.TickSize), askQty,
	))
	return orders
}

// Levels samples the candle range into tick-aligned price levels whose
// volumes sum to the candle volume. Zero-volume levels are dropped and the
// result is sorted by ascending price.
func (g *Generator) Levels(candle common.Candle) []common.PriceLevel {
	if !candle.Valid() || candle.High.Equal(candle.Low) {
		return nil
	}

	n := g.cfg.Levels
	step := candle.High.Sub(candle.Low).Div(decimal.NewFromInt(int64(n - 1)))

	weights := make(map[string]float64, n)
	prices := make(map[string]decimal.Decimal, n)
	for i := 0; i < n; i++ {
		price, ok := g.snap(candle.Low.Add(step.Mul(decimal.NewFromInt(int64(i)))), candle.Low, candle.High)
		if !ok || !price.IsPositive() {
			continue
		}
		x := math.Min(math.Max(float64(i)/float64(n-1), edge), 1-edge)
		w := g.density.Prob(x)
		if math.IsNaN(w) || math.IsInf(w, 0) || w <= 0 {
			continue
		}
		key := price.String()
		prices[key] = price
		weights[key] += w
	}
	if len(weights) == 0 {
		return nil
	}

	levels := make([]common.PriceLevel, 0, len(weights))
	for key := range weights {
		levels = append(levels, common.PriceLevel{Price: prices[key]})
	}
	sort.Slice(levels, func(i, j int) bool {
		return levels[i].Price.LessThan(levels[j].Price)
	})

	w := make([]float64, len(levels))
	for i, level := range levels {
		w[i] = weights[level.Price.String()]
	}
	for i, v := range apportion(w, candle.Volume) {
		levels[i].Volume = v
	}

	out := levels[:0]
	for _, level := range levels {
		if level.Volume > 0 {
			out = append(out, level)
		}
	}
	return out
}

// snap rounds price to the nearest tick while staying inside [low, high].
func (g *Generator) snap(price, low, high decimal.Decimal) (decimal.Decimal, bool) {
	tick := g.cfg.TickSize
	snapped := price.Div(tick).Round(0).Mul(tick)
	if snapped.LessThan(low) {
		snapped = low.Div(tick).Ceil().Mul(tick)
	}
	if snapped.GreaterThan(high) {
		snapped = high.Div(tick).Floor().Mul(tick)
	}
	if snapped.LessThan(low) || snapped.GreaterThan(high) {
		return decimal.Zero, false
	}
	return snapped, true
}

// apportion splits total into integer shares proportional to weights using
// largest remainders, so the shares always sum to total. Ties go to the
// lower index.
func apportion(weights []float64, total int64) []int64 {
	shares := make([]int64, len(weights))
	var sum float64
	for _, w := range weights {
		sum += w
	}
	if sum <= 0 || total <= 0 {
		return shares
	}

	type rem struct {
		idx  int
		frac float64
	}
	rems := make([]rem, len(weights))
	var assigned int64
	for i, w := range weights {
		exact := w / sum * float64(total)
		floor := math.Floor(exact)
		// float64(total) can round past MaxInt64, so clamp before converting
		// and never hand out more than is left.
		var share int64
		switch {
		case floor >= float64(total):
			share = total
		case floor > 0:
			share = int64(floor)
		}
		share = min(share, total-assigned)
		shares[i] = share
		assigned += share
		rems[i] = rem{idx: i, frac: exact - floor}
	}
	sort.SliceStable(rems, func(i, j int) bool {
		return rems[i].frac > rems[j].frac
	})

	left, n := total-assigned, int64(len(rems))
	for i, r := range rems {
		extra := left / n
		if int64(i) < left%n {
			extra++
		}
		shares[r.idx] += extra
	}
	return shares
}
