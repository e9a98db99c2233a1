package risk_test

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/btsvob/backtest-engine/internal/risk"
)

func day(n int) time.Time {
	return time.Date(2016, 8, n, 15, 0, 0, 0, time.UTC)
}

func newCalc(t *testing.T, days int) *risk.Calculator {
	t.Helper()
	index := make([]time.Time, days)
	for i := range index {
		index[i] = day(i + 1)
	}
	return risk.NewCalculator(index, day(1), 0, 365, 252)
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-12
}

func TestCalculate_ThreeDayScenario(t *testing.T) {
	c := newCalc(t, 3)
	returns := []float64{0.01, -0.02, 0.015}

	var last float64
	for i, r := range returns {
		rec, err := c.Calculate(day(i+1), r)
		if err != nil {
			t.Fatalf("Calculate day %d: %v", i+1, err)
		}
		last = rec.Volatility
	}

	wantTotal := 1.01*0.98*1.015 - 1
	if !almostEqual(c.TotalReturn(), wantTotal) {
		t.Errorf("total return = %v, want %v", c.TotalReturn(), wantTotal)
	}

	// stdev([0.01, −0.02, 0.015], ddof=1) × sqrt(252)
	mean := (0.01 - 0.02 + 0.015) / 3
	variance := (math.Pow(0.01-mean, 2) + math.Pow(-0.02-mean, 2) + math.Pow(0.015-mean, 2)) / 2
	wantVol := math.Sqrt(variance) * math.Sqrt(252)
	if !almostEqual(last, wantVol) {
		t.Errorf("volatility = %v, want %v", last, wantVol)
	}
}

func TestCalculate_ZeroBelowTwoSamples(t *testing.T) {
	c := newCalc(t, 3)

	rec, err := c.Calculate(day(1), -0.01)
	if err != nil {
		t.Fatalf("Calculate: %v", err)
	}
	if rec.Volatility != 0 {
		t.Errorf("volatility with 1 sample = %v, want 0", rec.Volatility)
	}
	if rec.DownsideRisk != 0 {
		t.Errorf("downside risk with 1 negative sample = %v, want 0", rec.DownsideRisk)
	}

	// Second day positive: still only one negative sample.
	rec, err = c.Calculate(day(2), 0.02)
	if err != nil {
		t.Fatalf("Calculate: %v", err)
	}
	if rec.DownsideRisk != 0 {
		t.Errorf("downside risk with 1 negative sample = %v, want 0", rec.DownsideRisk)
	}
	if rec.Volatility == 0 {
		t.Error("volatility with 2 samples should be non-zero")
	}
}

func TestCalculate_SharpeNaNOnZeroVolatility(t *testing.T) {
	c := newCalc(t, 1)

	rec, err := c.Calculate(day(1), 0.01)
	if err != nil {
		t.Fatalf("Calculate: %v", err)
	}
	if !math.IsNaN(rec.Sharpe) {
		t.Errorf("sharpe with zero volatility = %v, want NaN", rec.Sharpe)
	}
	if !math.IsNaN(rec.Sortino) {
		t.Errorf("sortino with zero downside risk = %v, want NaN", rec.Sortino)
	}
}

func TestCalculate_MaxDrawdownOnlyTightens(t *testing.T) {
	c := newCalc(t, 4)
	returns := []float64{0.05, -0.10, 0.02, 0.20}

	var drawdowns []float64
	for i, r := range returns {
		rec, err := c.Calculate(day(i+1), r)
		if err != nil {
			t.Fatalf("Calculate: %v", err)
		}
		drawdowns = append(drawdowns, rec.MaxDrawdown)
	}

	// Day 2 sets the deepest drawdown; the recovery on days 3-4 must not
	// improve the recorded value.
	for i := 1; i < len(drawdowns); i++ {
		if drawdowns[i] > drawdowns[i-1] {
			t.Errorf("max drawdown improved from %v to %v at day %d", drawdowns[i-1], drawdowns[i], i+1)
		}
	}
	if drawdowns[0] != 0 {
		t.Errorf("drawdown at running peak = %v, want 0", drawdowns[0])
	}
	if drawdowns[3] != drawdowns[1] {
		t.Errorf("drawdown after recovery = %v, want pinned at %v", drawdowns[3], drawdowns[1])
	}
}

func TestCalculate_HistoryIsImmutable(t *testing.T) {
	c := newCalc(t, 2)
	c.Calculate(day(1), 0.01)
	first, _ := c.ByDate(day(1))
	c.Calculate(day(2), -0.03)

	again, ok := c.ByDate(day(1))
	if !ok {
		t.Fatal("day 1 risk missing")
	}
	if again != first {
		t.Error("stored risk for day 1 changed after day 2 settlement")
	}
}

func TestCalculate_CalendarDesync(t *testing.T) {
	c := newCalc(t, 3)

	if _, err := c.Calculate(day(9), 0.01); !errors.Is(err, risk.ErrCalendarDesync) {
		t.Fatalf("off-calendar date: got %v, want ErrCalendarDesync", err)
	}

	if _, err := c.Calculate(day(2), 0.01); !errors.Is(err, risk.ErrCalendarDesync) {
		t.Fatalf("skipped slot: got %v, want ErrCalendarDesync", err)
	}

	if _, err := c.Calculate(day(1), 0.01); err != nil {
		t.Fatalf("first slot: %v", err)
	}
	if _, err := c.Calculate(day(1), 0.01); !errors.Is(err, risk.ErrCalendarDesync) {
		t.Fatalf("repeated slot: got %v, want ErrCalendarDesync", err)
	}
}
