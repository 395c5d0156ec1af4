package simulation

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"bourse/internal/common"

	"github.com/shopspring/decimal"
)

var ErrBadFeed = errors.New("malformed candle feed")

// Feed supplies the candles of each tick. The engine has no clock or data
// source of its own.
type Feed interface {
	// Next returns the candles of the next tick; ok is false once the
	// feed is exhausted.
	Next() (candles []common.Candle, ok bool)
}

// SliceFeed replays ticks held in memory.
type SliceFeed struct {
	mu    sync.Mutex
	ticks [][]common.Candle
	pos   int
}

func NewSliceFeed(ticks ...[]common.Candle) *SliceFeed {
	return &SliceFeed{ticks: ticks}
}

func (f *SliceFeed) Next() ([]common.Candle, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pos >= len(f.ticks) {
		return nil, false
	}
	candles := f.ticks[f.pos]
	f.pos++
	return candles, true
}

// Remaining is the number of ticks not yet handed out.
func (f *SliceFeed) Remaining() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ticks) - f.pos
}

// LoadCSV reads tick,ticker,open,high,low,close,volume rows. A header row is
// skipped when its first column is not a number. Rows are grouped by tick in
// ascending order.
func LoadCSV(path string) (*SliceFeed, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("unable to open candle feed: %w", err)
	}
	defer f.Close()
	return ReadCSV(f)
}

func ReadCSV(r io.Reader) (*SliceFeed, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = 7
	reader.TrimLeadingSpace = true

	byTick := make(map[int64][]common.Candle)
	for line := 1; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBadFeed, err)
		}
		tick, err := strconv.ParseInt(record[0], 10, 64)
		if err != nil {
			if line == 1 {
				continue
			}
			return nil, fmt.Errorf("%w: line %d: tick %q", ErrBadFeed, line, record[0])
		}
		candle, err := parseCandle(tick, record[1:])
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %w", ErrBadFeed, line, err)
		}
		byTick[tick] = append(byTick[tick], candle)
	}

	ticks := make([]int64, 0, len(byTick))
	for t := range byTick {
		ticks = append(ticks, t)
	}
	sort.Slice(ticks, func(i, j int) bool { return ticks[i] < ticks[j] })

	out := make([][]common.Candle, len(ticks))
	for i, t := range ticks {
		out[i] = byTick[t]
	}
	return NewSliceFeed(out...), nil
}

func parseCandle(tick int64, fields []string) (common.Candle, error) {
	prices := make([]decimal.Decimal, 4)
	for i, raw := range fields[1:5] {
		p, err := decimal.NewFromString(raw)
		if err != nil {
			return common.Candle{}, err
		}
		prices[i] = p
	}
	volume, err := strconv.ParseInt(fields[5], 10, 64)
	if err != nil {
		return common.Candle{}, err
	}
	return common.Candle{
		Ticker: strings.ToUpper(fields[0]),
		Tick:   tick,
		Open:   prices[0],
		High:   prices[1],
		Low:    prices[2],
		Close:  prices[3],
		Volume: volume,
	}, nil
}
