package simulation

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Simulation is one running game: where its candles come from and how fast
// its clock starts out.
type Simulation struct {
	ID      string
	Name    string
	Feed    Feed
	Speed   float64 // Ticks per time unit; zero starts paused
	Created time.Time
}

func New(name string, feed Feed, speed float64) *Simulation {
	return &Simulation{
		ID:      uuid.New().String(),
		Name:    name,
		Feed:    feed,
		Speed:   speed,
		Created: time.Now(),
	}
}

// Context holds the active simulation. It is shared by whoever needs to
// know which game is live and is passed in explicitly, never global.
type Context struct {
	mu     sync.RWMutex
	active *Simulation
}

func NewContext() *Context {
	return &Context{}
}

func (c *Context) Activate(sim *Simulation) {
	c.mu.Lock()
	c.active = sim
	c.mu.Unlock()
}

func (c *Context) Active() (*Simulation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active, c.active != nil
}

func (c *Context) Clear() {
	c.mu.Lock()
	c.active = nil
	c.mu.Unlock()
}
