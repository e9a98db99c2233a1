package executor_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/btsvob/backtest-engine/internal/contract"
	"github.com/btsvob/backtest-engine/internal/decider"
	"github.com/btsvob/backtest-engine/internal/executor"
	"github.com/btsvob/backtest-engine/internal/marketdata"
	"github.com/btsvob/backtest-engine/internal/model"
)

// funcStrategy adapts plain functions into a Strategy for tests.
type funcStrategy struct {
	init      func(*executor.Context) error
	handleBar func(*executor.Context, *marketdata.BarMap) error
}

func (s *funcStrategy) Init(ctx *executor.Context) error {
	if s.init == nil {
		return nil
	}
	return s.init(ctx)
}

func (s *funcStrategy) HandleBar(ctx *executor.Context, bars *marketdata.BarMap) error {
	if s.handleBar == nil {
		return nil
	}
	return s.handleBar(ctx, bars)
}

func dailyCalendar(days ...int) []time.Time {
	out := make([]time.Time, len(days))
	for i, d := range days {
		out[i] = time.Date(2016, 8, d, 15, 0, 0, 0, time.UTC)
	}
	return out
}

func testTable(t *testing.T) *contract.Table {
	t.Helper()
	return contract.NewTable(map[string]contract.Entry{
		"rb": {Fee: "0", Multiplier: decimal.NewFromInt(10), Premium: decimal.NewFromFloat(0.1)},
	})
}

func testSource(t *testing.T, calendar []time.Time, closes ...float64) *marketdata.MemorySource {
	t.Helper()
	if len(closes) != len(calendar) {
		t.Fatalf("closes/calendar length mismatch: %d vs %d", len(closes), len(calendar))
	}
	src := marketdata.NewMemorySource()
	bars := make([]model.Bar, len(closes))
	for i, c := range closes {
		bars[i] = model.Bar{Time: calendar[i], Close: decimal.NewFromFloat(c)}
	}
	src.AddBars("rb1610", bars...)
	src.SetTradingDates(calendar)
	return src
}

func newParams(calendar []time.Time) executor.Params {
	return executor.Params{
		Calendar:           calendar,
		Frequency:          "1d",
		StartDate:          calendar[0],
		EndDate:            calendar[len(calendar)-1],
		InitCash:           decimal.NewFromInt(100000),
		RiskFreeRate:       0,
		DaysPerYear:        365,
		TradingDaysPerYear: 252,
	}
}

func TestRun_EndToEnd(t *testing.T) {
	calendar := dailyCalendar(15, 16)
	src := testSource(t, calendar, 100, 110)

	placed := false
	strat := &funcStrategy{
		handleBar: func(ctx *executor.Context, bars *marketdata.BarMap) error {
			if placed {
				return nil
			}
			placed = true
			id, err := ctx.PlaceOrder("rb1610", decimal.NewFromInt(10), model.Long, model.Open)
			if err != nil {
				return err
			}
			order, ok := ctx.Order(id)
			if !ok {
				t.Fatalf("order %s not found", id)
			}
			if order.Status != model.OrderFilled {
				t.Fatalf("order status = %s (%s), want FILLED", order.Status, order.RejectReason)
			}
			return nil
		},
	}

	exec := executor.New(newParams(calendar), src, testTable(t), strat)
	results, err := exec.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}

	// Day 1: opened at the settlement mark, so no mark pnl yet.
	day1 := results[0]
	if !day1.Date.Equal(calendar[0]) {
		t.Errorf("day1 date = %s, want %s", day1.Date, calendar[0])
	}
	if !day1.PortfolioValue.Equal(decimal.NewFromInt(100000)) {
		t.Errorf("day1 value = %s, want 100000", day1.PortfolioValue)
	}
	if day1.DailyReturn != 0 {
		t.Errorf("day1 daily return = %v, want 0", day1.DailyReturn)
	}
	if len(day1.Trades) != 1 {
		t.Errorf("day1 trades = %d, want 1", len(day1.Trades))
	}

	// Day 2: mark moves 100 -> 110, pnl = 10 × 10 × 10 = 1000.
	day2 := results[1]
	if !day2.PnL.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("day2 pnl = %s, want 1000", day2.PnL)
	}
	if !day2.PortfolioValue.Equal(decimal.NewFromInt(101000)) {
		t.Errorf("day2 value = %s, want 101000", day2.PortfolioValue)
	}
	if day2.DailyReturn != 0.01 {
		t.Errorf("day2 daily return = %v, want 0.01", day2.DailyReturn)
	}
	if day2.TotalReturn != 0.01 {
		t.Errorf("day2 total return = %v, want 0.01", day2.TotalReturn)
	}
	if len(day2.Trades) != 0 {
		t.Errorf("day2 trades = %d, want 0", len(day2.Trades))
	}
	pos, ok := day2.Positions["rb1610"]
	if !ok {
		t.Fatal("day2 missing rb1610 position")
	}
	if !pos.AverageLongCost.Equal(decimal.NewFromInt(110)) {
		t.Errorf("avg long cost = %s, want rebased 110", pos.AverageLongCost)
	}

	// Two samples, one of them zero: volatility is defined, sortino is not
	// (no second negative return).
	if day2.Risk.Volatility <= 0 {
		t.Errorf("day2 volatility = %v, want > 0", day2.Risk.Volatility)
	}
	if !math.IsNaN(day2.Risk.Sortino) {
		t.Errorf("day2 sortino = %v, want NaN (zero downside)", day2.Risk.Sortino)
	}
}

func TestRun_ResultsAreDetachedFromLiveState(t *testing.T) {
	calendar := dailyCalendar(15, 16)
	src := testSource(t, calendar, 100, 110)

	placed := false
	strat := &funcStrategy{
		handleBar: func(ctx *executor.Context, _ *marketdata.BarMap) error {
			if placed {
				return nil
			}
			placed = true
			_, err := ctx.PlaceOrder("rb1610", decimal.NewFromInt(10), model.Long, model.Open)
			return err
		},
	}

	exec := executor.New(newParams(calendar), src, testTable(t), strat)
	results, err := exec.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Day 1's snapshot must not have been re-marked by day 2.
	pos := results[0].Positions["rb1610"]
	if !pos.MarkPrice.Equal(decimal.NewFromInt(100)) {
		t.Errorf("day1 mark = %s, want 100", pos.MarkPrice)
	}
}

func TestPhaseGating(t *testing.T) {
	calendar := dailyCalendar(15)
	src := testSource(t, calendar, 100)

	strat := &funcStrategy{
		init: func(ctx *executor.Context) error {
			if ctx.Phase() != executor.PhaseInit {
				t.Errorf("init phase = %s, want INIT", ctx.Phase())
			}
			// Trading is closed during INIT.
			if _, err := ctx.PlaceOrder("rb1610", decimal.NewFromInt(1), model.Long, model.Open); !errors.Is(err, executor.ErrInvalidPhase) {
				t.Errorf("PlaceOrder in INIT: err = %v, want ErrInvalidPhase", err)
			}
			if _, err := ctx.History("rb1610", 5, "close"); !errors.Is(err, executor.ErrInvalidPhase) {
				t.Errorf("History in INIT: err = %v, want ErrInvalidPhase", err)
			}
			// Decider swaps are only legal here.
			if err := ctx.SetSlippage(decider.NewFixedPercentSlippage(decimal.NewFromFloat(0.001))); err != nil {
				t.Errorf("SetSlippage in INIT: %v", err)
			}
			return nil
		},
		handleBar: func(ctx *executor.Context, _ *marketdata.BarMap) error {
			if ctx.Phase() != executor.PhaseHandleBar {
				t.Errorf("handle-bar phase = %s, want HANDLE_BAR", ctx.Phase())
			}
			if err := ctx.SetCommission(decider.NewTableCommission(testTable(t))); !errors.Is(err, executor.ErrInvalidPhase) {
				t.Errorf("SetCommission in HANDLE_BAR: err = %v, want ErrInvalidPhase", err)
			}
			return nil
		},
	}

	exec := executor.New(newParams(calendar), src, testTable(t), strat)
	if _, err := exec.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestContext_HistoryWindow(t *testing.T) {
	calendar := dailyCalendar(15, 16, 17)
	src := testSource(t, calendar, 100, 105, 110)

	var got []decimal.Decimal
	strat := &funcStrategy{
		handleBar: func(ctx *executor.Context, _ *marketdata.BarMap) error {
			closes, err := ctx.History("rb1610", 10, "close")
			if err != nil {
				return err
			}
			got = closes
			return nil
		},
	}

	exec := executor.New(newParams(calendar), src, testTable(t), strat)
	if _, err := exec.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Final bar tick sees all three closes, oldest first, never beyond now.
	if len(got) != 3 {
		t.Fatalf("got %d closes, want 3", len(got))
	}
	for i, want := range []int64{100, 105, 110} {
		if !got[i].Equal(decimal.NewFromInt(want)) {
			t.Errorf("closes[%d] = %s, want %d", i, got[i], want)
		}
	}
}

func TestRun_SlippageConfiguredAtInit(t *testing.T) {
	calendar := dailyCalendar(15)
	src := testSource(t, calendar, 100)

	var avgCost decimal.Decimal
	strat := &funcStrategy{
		init: func(ctx *executor.Context) error {
			return ctx.SetSlippage(decider.NewFixedPercentSlippage(decimal.NewFromFloat(0.01)))
		},
		handleBar: func(ctx *executor.Context, _ *marketdata.BarMap) error {
			if _, err := ctx.PlaceOrder("rb1610", decimal.NewFromInt(1), model.Long, model.Open); err != nil {
				return err
			}
			avgCost = ctx.Portfolio().Positions["rb1610"].AverageLongCost
			return nil
		},
	}

	exec := executor.New(newParams(calendar), src, testTable(t), strat)
	if _, err := exec.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !avgCost.Equal(decimal.NewFromInt(101)) {
		t.Errorf("avg long cost = %s, want 101 (1%% slippage on close 100)", avgCost)
	}
}

func TestRun_StrategyErrorAborts(t *testing.T) {
	calendar := dailyCalendar(15)
	src := testSource(t, calendar, 100)

	boom := errors.New("boom")
	strat := &funcStrategy{
		handleBar: func(*executor.Context, *marketdata.BarMap) error { return boom },
	}

	exec := executor.New(newParams(calendar), src, testTable(t), strat)
	if _, err := exec.Run(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Run err = %v, want wrapped boom", err)
	}
}

func TestRun_ContextCancellation(t *testing.T) {
	calendar := dailyCalendar(15, 16)
	src := testSource(t, calendar, 100, 110)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	exec := executor.New(newParams(calendar), src, testTable(t), &funcStrategy{})
	if _, err := exec.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run err = %v, want context.Canceled", err)
	}
}
