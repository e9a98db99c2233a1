package marketdata

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/btsvob/backtest-engine/internal/model"
)

// MemorySource serves bars from memory. Used by tests and demo runs.
type MemorySource struct {
	bars        map[string][]model.Bar // sorted by time
	instruments map[string]Instrument
	calendar    []time.Time
}

// NewMemorySource creates an empty in-memory source.
func NewMemorySource() *MemorySource {
	return &MemorySource{
		bars:        make(map[string][]model.Bar),
		instruments: make(map[string]Instrument),
	}
}

// AddInstrument registers instrument metadata.
func (s *MemorySource) AddInstrument(ins Instrument) {
	s.instruments[ins.ID] = ins
}

// AddBars appends bars for an instrument and keeps them time-sorted.
func (s *MemorySource) AddBars(instrument string, bars ...model.Bar) {
	s.bars[instrument] = append(s.bars[instrument], bars...)
	sort.Slice(s.bars[instrument], func(i, j int) bool {
		return s.bars[instrument][i].Time.Before(s.bars[instrument][j].Time)
	})
}

// SetTradingDates installs the trading calendar.
func (s *MemorySource) SetTradingDates(dates []time.Time) {
	s.calendar = append([]time.Time(nil), dates...)
	sort.Slice(s.calendar, func(i, j int) bool { return s.calendar[i].Before(s.calendar[j]) })
}

func (s *MemorySource) GetBar(ctx context.Context, instrument string, dt time.Time) (model.Bar, error) {
	bars, ok := s.bars[instrument]
	if !ok {
		return model.Bar{}, fmt.Errorf("%w: %s", ErrUnknownInstrument, instrument)
	}
	// First bar after dt; the one before it is the latest at-or-before.
	i := sort.Search(len(bars), func(i int) bool { return bars[i].Time.After(dt) })
	if i == 0 {
		return model.Bar{}, fmt.Errorf("%w: %s at %s", ErrNoBar, instrument, dt)
	}
	return bars[i-1], nil
}

func (s *MemorySource) History(ctx context.Context, instrument string, dt time.Time, barCount int) ([]model.Bar, error) {
	bars, ok := s.bars[instrument]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInstrument, instrument)
	}
	i := sort.Search(len(bars), func(i int) bool { return bars[i].Time.After(dt) })
	left := i - barCount
	if left < 0 {
		left = 0
	}
	window := bars[left:i]
	out := make([]model.Bar, len(window))
	copy(out, window)
	return out, nil
}

func (s *MemorySource) Instrument(ctx context.Context, id string) (Instrument, error) {
	ins, ok := s.instruments[id]
	if !ok {
		return Instrument{}, fmt.Errorf("%w: %s", ErrUnknownInstrument, id)
	}
	return ins, nil
}

func (s *MemorySource) TradingDates(ctx context.Context, start, end time.Time) ([]time.Time, error) {
	var out []time.Time
	for _, t := range s.calendar {
		if !t.Before(start) && !t.After(end) {
			out = append(out, t)
		}
	}
	return out, nil
}
