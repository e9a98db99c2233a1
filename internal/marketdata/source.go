// Package marketdata provides historical bar access for the simulation.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for tests and demo runs).
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/btsvob/backtest-engine/internal/model"
)

var (
	// ErrNoBar signals that no bar exists at or before the requested time.
	ErrNoBar = errors.New("marketdata: no bar for instrument at time")
	// ErrUnknownInstrument signals an instrument the source has no data for.
	ErrUnknownInstrument = errors.New("marketdata: unknown instrument")
)

// Instrument is static instrument metadata.
type Instrument struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// BarSource is the historical data interface. The simulation only ever
// reads bars at or before the current clock; sources must never serve
// future data for a given timestamp.
type BarSource interface {
	// GetBar returns the latest bar at or before dt.
	GetBar(ctx context.Context, instrument string, dt time.Time) (model.Bar, error)

	// History returns up to barCount bars ending at dt, oldest first.
	History(ctx context.Context, instrument string, dt time.Time, barCount int) ([]model.Bar, error)

	// Instrument returns static metadata for an instrument id.
	Instrument(ctx context.Context, id string) (Instrument, error)

	// TradingDates returns the trading calendar between start and end
	// inclusive, in increasing order.
	TradingDates(ctx context.Context, start, end time.Time) ([]time.Time, error)
}

// FieldValues extracts one OHLCV field from a bar window.
func FieldValues(bars []model.Bar, field string) ([]decimal.Decimal, error) {
	out := make([]decimal.Decimal, len(bars))
	for i, bar := range bars {
		switch field {
		case "open":
			out[i] = bar.Open
		case "high":
			out[i] = bar.High
		case "low":
			out[i] = bar.Low
		case "close":
			out[i] = bar.Close
		case "volume":
			out[i] = bar.Volume
		case "oi":
			out[i] = bar.OpenInterest
		default:
			return nil, fmt.Errorf("marketdata: unknown field %q", field)
		}
	}
	return out, nil
}

// BarMap is the per-tick price snapshot handed to the strategy and the
// exchange. Lookups are lazy and cached for the tick's timestamp, so every
// consumer of the same tick sees the same bar.
type BarMap struct {
	ctx    context.Context
	dt     time.Time
	source BarSource
	cache  map[string]model.Bar
}

// NewBarMap creates a snapshot pinned to dt.
func NewBarMap(ctx context.Context, dt time.Time, source BarSource) *BarMap {
	return &BarMap{
		ctx:    ctx,
		dt:     dt,
		source: source,
		cache:  make(map[string]model.Bar),
	}
}

// Time returns the snapshot's timestamp.
func (b *BarMap) Time() time.Time {
	return b.dt
}

// Get returns the instrument's bar at the snapshot time.
func (b *BarMap) Get(instrument string) (model.Bar, error) {
	if bar, ok := b.cache[instrument]; ok {
		return bar, nil
	}
	bar, err := b.source.GetBar(b.ctx, instrument, b.dt)
	if err != nil {
		return model.Bar{}, err
	}
	b.cache[instrument] = bar
	return bar, nil
}
