// Package simulation drives the market clock. A single background worker
// advances ticks: it refreshes synthetic liquidity from the tick's candles,
// flushes queued orders through the engine, hands the tick's trades and
// ledger entries to the audit sink and announces the tick. Pausing blocks
// the worker on a wake signal; stopping is cooperative.
package simulation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bourse/internal/common"
	"bourse/internal/engine"
	"bourse/internal/notify"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	tomb "gopkg.in/tomb.v2"
)

const (
	defaultStopTimeout = 5 * time.Second
	defaultUnit        = time.Second
)

var (
	ErrNoActiveSimulation = errors.New("no active simulation")
	ErrWorkerStopping     = errors.New("previous simulation worker is still stopping")
)

type State int

const (
	Stopped State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "RUNNING"
	}
	return "STOPPED"
}

// Exchange is the part of the matching engine the clock drives.
type Exchange interface {
	RefreshLiquidity(candles []common.Candle)
	Submit(order *common.Order) (engine.Report, error)
	DrainTrades() []common.Trade
	MarketPrices() map[string]decimal.Decimal
}

// Ledger yields the cash and position changes settled since the last call.
type Ledger interface {
	DrainLedger() []common.LedgerEntry
}

// Sink durably records each tick for audit and replay.
type Sink interface {
	Persist(ctx context.Context, batch common.TickBatch) error
}

type nopSink struct{}

func (nopSink) Persist(context.Context, common.TickBatch) error { return nil }

// MarketPayload is the body of the broadcast sent after every tick.
type MarketPayload struct {
	SimulationID string                     `json:"simulation_id"`
	Tick         int64                      `json:"tick"`
	Prices       map[string]decimal.Decimal `json:"prices"`
}

type Options struct {
	Sink        Sink
	Notifier    notify.Notifier
	StopTimeout time.Duration // Bound on waiting for the worker in Stop
	Unit        time.Duration // A tick takes Unit/speed
}

type Controller struct {
	sims        *Context
	exchange    Exchange
	ledger      Ledger
	sink        Sink
	notifier    notify.Notifier
	stopTimeout time.Duration
	unit        time.Duration

	mu     sync.Mutex
	worker *tomb.Tomb
	speed  float64
	saved  float64 // Speed to restore on Unpause
	wake   chan struct{}
	queue  []*common.Order
	tick   int64
}

func NewController(sims *Context, exchange Exchange, ledger Ledger, opts Options) *Controller {
	if opts.Sink == nil {
		opts.Sink = nopSink{}
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = defaultStopTimeout
	}
	if opts.Unit <= 0 {
		opts.Unit = defaultUnit
	}
	return &Controller{
		sims:        sims,
		exchange:    exchange,
		ledger:      ledger,
		sink:        opts.Sink,
		notifier:    opts.Notifier,
		stopTimeout: opts.StopTimeout,
		unit:        opts.Unit,
		wake:        make(chan struct{}),
	}
}

// Start launches the worker for the active simulation. It is a no-op while
// a worker is already running.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !finished(c.worker) {
		if c.worker.Alive() {
			return nil
		}
		return ErrWorkerStopping
	}
	sim, ok := c.sims.Active()
	if !ok {
		return ErrNoActiveSimulation
	}

	c.speed = sim.Speed
	c.saved = 0
	c.tick = 0
	t := &tomb.Tomb{}
	c.worker = t
	t.Go(func() error {
		return c.run(t, sim)
	})

	log.Info().
		Str("simulation", sim.ID).
		Float64("speed", sim.Speed).
		Msg("simulation started")
	return nil
}

// Stop asks the worker to finish, waits up to the stop timeout and clears
// the active simulation. A worker that does not finish in time is left to
// exit on its own, and Start refuses to launch another until it has.
func (c *Controller) Stop() {
	c.mu.Lock()
	t := c.worker
	if t != nil {
		t.Kill(nil)
	}
	c.wakeLocked()
	c.mu.Unlock()

	c.sims.Clear()
	if t == nil {
		return
	}

	select {
	case <-t.Dead():
		c.mu.Lock()
		if c.worker == t {
			c.worker = nil
		}
		c.mu.Unlock()
		if err := t.Err(); err != nil {
			log.Error().Err(err).Msg("simulation worker exited with error")
		}
		log.Info().Msg("simulation stopped")
	case <-time.After(c.stopTimeout):
		log.Warn().
			Dur("timeout", c.stopTimeout).
			Msg("simulation worker did not stop in time, abandoning it")
	}
}

// Pause holds the clock. Orders can still be submitted while paused.
func (c *Controller) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.speed > 0 {
		c.saved = c.speed
		c.speed = 0
		c.wakeLocked()
	}
}

// Unpause restores the speed in effect before Pause, or 1.
func (c *Controller) Unpause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.speed > 0 {
		return
	}
	c.speed = c.saved
	if c.speed <= 0 {
		c.speed = 1
	}
	c.wakeLocked()
}

// SetSpeed changes ticks per unit; zero or less pauses.
func (c *Controller) SetSpeed(speed float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if speed <= 0 && c.speed > 0 {
		c.saved = c.speed
	}
	c.speed = speed
	c.wakeLocked()
}

func (c *Controller) Speed() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speed
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.worker != nil && c.worker.Alive() {
		return Running
	}
	return Stopped
}

// Tick is the number of ticks completed by the current run.
func (c *Controller) Tick() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tick
}

// Enqueue holds an order until the next tick submits it.
func (c *Controller) Enqueue(order *common.Order) {
	c.mu.Lock()
	c.queue = append(c.queue, order)
	c.mu.Unlock()
}

// finished reports whether t is absent or has fully exited.
func finished(t *tomb.Tomb) bool {
	if t == nil {
		return true
	}
	select {
	case <-t.Dead():
		return true
	default:
		return false
	}
}

// wakeLocked releases a worker blocked on the current wake channel.
func (c *Controller) wakeLocked() {
	close(c.wake)
	c.wake = make(chan struct{})
}

func (c *Controller) pace() (float64, <-chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speed, c.wake
}

func (c *Controller) run(t *tomb.Tomb, sim *Simulation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("simulation", sim.ID).
				Msg("simulation worker crashed")
			err = fmt.Errorf("simulation worker panic: %v", r)
		}
	}()

	ctx := t.Context(nil)
	var last time.Time
	for {
		select {
		case <-t.Dying():
			return nil
		default:
		}

		speed, wake := c.pace()
		if speed <= 0 {
			select {
			case <-wake:
				continue
			case <-t.Dying():
				return nil
			}
		}

		// A speed change recomputes the wait from the last tick rather than
		// ticking straight away.
		if !last.IsZero() {
			if wait := time.Until(last.Add(c.interval(speed))); wait > 0 {
				timer := time.NewTimer(wait)
				select {
				case <-timer.C:
				case <-wake:
					timer.Stop()
					continue
				case <-t.Dying():
					timer.Stop()
					return nil
				}
			}
		}

		last = time.Now()
		if !c.step(ctx, sim) {
			log.Info().Str("simulation", sim.ID).Msg("candle feed exhausted")
			return nil
		}
	}
}

func (c *Controller) interval(speed float64) time.Duration {
	return time.Duration(float64(c.unit) / speed)
}

// step runs one tick. It returns false once the feed is exhausted.
func (c *Controller) step(ctx context.Context, sim *Simulation) bool {
	candles, ok := sim.Feed.Next()
	if !ok {
		return false
	}

	c.exchange.RefreshLiquidity(candles)

	for _, order := range c.drainQueue() {
		if _, err := c.exchange.Submit(order); err != nil {
			log.Info().
				Err(err).
				Str("order", order.UUID).
				Str("owner", order.Owner).
				Msg("queued order rejected")
		}
	}

	c.mu.Lock()
	c.tick++
	tick := c.tick
	c.mu.Unlock()

	batch := common.TickBatch{
		SimulationID: sim.ID,
		Tick:         tick,
		Trades:       c.exchange.DrainTrades(),
		Ledger:       c.ledger.DrainLedger(),
		Timestamp:    time.Now(),
	}
	if err := c.sink.Persist(ctx, batch); err != nil {
		log.Error().
			Err(err).
			Int64("tick", tick).
			Int("trades", len(batch.Trades)).
			Msg("unable to persist tick")
	}

	c.notifier.Notify(notify.Event{
		Name: notify.MarketUpdate,
		Payload: MarketPayload{
			SimulationID: sim.ID,
			Tick:         tick,
			Prices:       c.exchange.MarketPrices(),
		},
	})
	return true
}

func (c *Controller) drainQueue() []*common.Order {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.queue
	c.queue = nil
	return out
}
