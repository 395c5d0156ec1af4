// Package notify carries named events from the engine to whoever listens:
// a single client or every connected client. Delivery is best effort.
package notify

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Event names.
const (
	PositionUpdate = "position_update"
	CashUpdate     = "cash_update"
	MarketUpdate   = "market_update"
	TradeUpdate    = "trade"
)

type Event struct {
	Name     string `json:"event"`
	ClientID string `json:"client_id,omitempty"` // Empty for a broadcast
	Payload  any    `json:"data"`
}

func (e Event) Broadcast() bool {
	return e.ClientID == ""
}

// Notifier must not block the caller for long; implementations drop
// rather than wait.
type Notifier interface {
	Notify(event Event)
}

type Nop struct{}

func (Nop) Notify(Event) {}

// Log writes every event to the debug log.
type Log struct{}

func (Log) Notify(event Event) {
	log.Debug().
		Str("event", event.Name).
		Str("client", event.ClientID).
		Interface("data", event.Payload).
		Msg("notify")
}

// Fanout delivers to every notifier in order.
type Fanout []Notifier

func (f Fanout) Notify(event Event) {
	for _, n := range f {
		n.Notify(event)
	}
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Notify(event Event) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Named returns the recorded events called name.
func (r *Recorder) Named(name string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}
