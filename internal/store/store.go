// Package store is the audit sink: every completed tick is written to
// pebble as one JSON record keyed by simulation and tick, so a run can be
// replayed in order. The engine never reads it back to match.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"bourse/internal/common"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

type Store struct {
	db *pebble.DB
}

// Open opens or creates the store rooted at dir.
func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("unable to open store: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenInMemory backs the store with an in-memory filesystem.
func OpenInMemory() (*Store, error) {
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		return nil, fmt.Errorf("unable to open store: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Persist writes the batch synchronously. Writing the same tick twice
// overwrites it, so redelivery is harmless.
func (s *Store) Persist(ctx context.Context, batch common.TickBatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	val, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("failed to marshal tick: %w", err)
	}
	if err := s.db.Set(tickKey(batch.SimulationID, batch.Tick), val, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save tick %d: %w", batch.Tick, err)
	}
	return nil
}

// Load returns a single tick.
func (s *Store) Load(simulationID string, tick int64) (common.TickBatch, bool, error) {
	val, closer, err := s.db.Get(tickKey(simulationID, tick))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return common.TickBatch{}, false, nil
		}
		return common.TickBatch{}, false, err
	}
	defer closer.Close()

	var out common.TickBatch
	if err := json.Unmarshal(val, &out); err != nil {
		return common.TickBatch{}, false, fmt.Errorf("failed to unmarshal tick: %w", err)
	}
	return out, true, nil
}

// Scan visits the ticks of a simulation from fromTick onward, in order.
func (s *Store) Scan(simulationID string, fromTick int64, fn func(common.TickBatch) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: tickKey(simulationID, fromTick),
		UpperBound: []byte(fmt.Sprintf("tick/%s/~", simulationID)),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		var batch common.TickBatch
		if err := json.Unmarshal(iter.Value(), &batch); err != nil {
			return fmt.Errorf("failed to unmarshal tick: %w", err)
		}
		if err := fn(batch); err != nil {
			return err
		}
	}
	return iter.Error()
}

func tickKey(simulationID string, tick int64) []byte {
	return []byte(fmt.Sprintf("tick/%s/%020d", simulationID, tick))
}
