package marketdata_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/btsvob/backtest-engine/internal/marketdata"
	"github.com/btsvob/backtest-engine/internal/model"
)

func minuteBars(t *testing.T, start time.Time, closes ...float64) []model.Bar {
	t.Helper()
	bars := make([]model.Bar, len(closes))
	for i, c := range closes {
		bars[i] = model.Bar{
			Time:  start.Add(time.Duration(i) * time.Minute),
			Close: decimal.NewFromFloat(c),
		}
	}
	return bars
}

func TestMemorySource_GetBar(t *testing.T) {
	start := time.Date(2016, 8, 15, 9, 30, 0, 0, time.UTC)
	src := marketdata.NewMemorySource()
	src.AddBars("rb1610", minuteBars(t, start, 2000, 2001, 2002)...)

	ctx := context.Background()

	// Exact timestamp.
	bar, err := src.GetBar(ctx, "rb1610", start.Add(time.Minute))
	if err != nil {
		t.Fatalf("GetBar: %v", err)
	}
	if !bar.Close.Equal(decimal.NewFromInt(2001)) {
		t.Errorf("close = %s, want 2001", bar.Close)
	}

	// Between bars: serve the latest at-or-before, never look ahead.
	bar, err = src.GetBar(ctx, "rb1610", start.Add(90*time.Second))
	if err != nil {
		t.Fatalf("GetBar: %v", err)
	}
	if !bar.Close.Equal(decimal.NewFromInt(2001)) {
		t.Errorf("close = %s, want 2001 (no look-ahead)", bar.Close)
	}

	// Before any data.
	if _, err := src.GetBar(ctx, "rb1610", start.Add(-time.Minute)); !errors.Is(err, marketdata.ErrNoBar) {
		t.Errorf("expected ErrNoBar, got %v", err)
	}

	if _, err := src.GetBar(ctx, "zz9999", start); !errors.Is(err, marketdata.ErrUnknownInstrument) {
		t.Errorf("expected ErrUnknownInstrument, got %v", err)
	}
}

func TestMemorySource_History(t *testing.T) {
	start := time.Date(2016, 8, 15, 9, 30, 0, 0, time.UTC)
	src := marketdata.NewMemorySource()
	src.AddBars("rb1610", minuteBars(t, start, 1, 2, 3, 4, 5)...)

	bars, err := src.History(context.Background(), "rb1610", start.Add(3*time.Minute), 3)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	closes, err := marketdata.FieldValues(bars, "close")
	if err != nil {
		t.Fatalf("FieldValues: %v", err)
	}
	if len(closes) != 3 {
		t.Fatalf("got %d bars, want 3", len(closes))
	}
	for i, want := range []int64{2, 3, 4} {
		if !closes[i].Equal(decimal.NewFromInt(want)) {
			t.Errorf("closes[%d] = %s, want %d", i, closes[i], want)
		}
	}

	// Window larger than available data is truncated, not an error.
	bars, err = src.History(context.Background(), "rb1610", start.Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(bars) != 2 {
		t.Errorf("got %d bars, want 2", len(bars))
	}
}

func TestMemorySource_TradingDates(t *testing.T) {
	src := marketdata.NewMemorySource()
	d1 := time.Date(2016, 8, 15, 15, 0, 0, 0, time.UTC)
	d2 := time.Date(2016, 8, 16, 15, 0, 0, 0, time.UTC)
	d3 := time.Date(2016, 8, 17, 15, 0, 0, 0, time.UTC)
	src.SetTradingDates([]time.Time{d1, d2, d3})

	dates, err := src.TradingDates(context.Background(), d1, d2)
	if err != nil {
		t.Fatalf("TradingDates: %v", err)
	}
	if len(dates) != 2 {
		t.Fatalf("got %d dates, want 2", len(dates))
	}
}

func TestBarMap_CachesPerTick(t *testing.T) {
	start := time.Date(2016, 8, 15, 9, 30, 0, 0, time.UTC)
	src := marketdata.NewMemorySource()
	src.AddBars("rb1610", minuteBars(t, start, 2000)...)

	snap := marketdata.NewBarMap(context.Background(), start, src)

	first, err := snap.Get("rb1610")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	// Data added after the first lookup is invisible: the snapshot is
	// pinned to what it already served for this tick.
	src.AddBars("rb1610", model.Bar{Time: start, Close: decimal.NewFromInt(9999)})
	again, err := snap.Get("rb1610")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !again.Close.Equal(first.Close) {
		t.Errorf("snapshot changed mid-tick: %s vs %s", again.Close, first.Close)
	}
}

func TestFieldValues_UnknownField(t *testing.T) {
	if _, err := marketdata.FieldValues([]model.Bar{{}}, "vwap"); err == nil {
		t.Fatal("expected error for unknown field")
	}
}
