package main

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/btsvob/backtest-engine/internal/config"
	"github.com/btsvob/backtest-engine/internal/contract"
	"github.com/btsvob/backtest-engine/internal/decider"
	"github.com/btsvob/backtest-engine/internal/executor"
	"github.com/btsvob/backtest-engine/internal/marketdata"
	"github.com/btsvob/backtest-engine/internal/model"
)

const demoInstrument = "rb1610"

// movingAverageStrategy is a long-only moving-average crossover: go long
// when the close crosses above the rolling mean, flatten when it crosses
// below.
type movingAverageStrategy struct {
	instrument   string
	window       int
	quantity     decimal.Decimal
	slippageRate decimal.Decimal
}

func (s *movingAverageStrategy) Init(ctx *executor.Context) error {
	if s.slippageRate.IsPositive() {
		return ctx.SetSlippage(decider.NewFixedPercentSlippage(s.slippageRate))
	}
	return nil
}

func (s *movingAverageStrategy) HandleBar(ctx *executor.Context, bars *marketdata.BarMap) error {
	closes, err := ctx.History(s.instrument, s.window, "close")
	if err != nil {
		return err
	}
	if len(closes) < s.window {
		return nil
	}

	sum := decimal.Zero
	for _, c := range closes {
		sum = sum.Add(c)
	}
	mean := sum.Div(decimal.NewFromInt(int64(len(closes))))
	last := closes[len(closes)-1]

	pf := ctx.Portfolio()
	pos := pf.Positions[s.instrument]

	switch {
	case last.GreaterThan(mean) && (pos == nil || !pos.LongSellable.IsPositive()):
		_, err = ctx.PlaceOrder(s.instrument, s.quantity, model.Long, model.Open)
	case last.LessThan(mean) && pos != nil && pos.LongSellable.IsPositive():
		_, err = ctx.PlaceOrder(s.instrument, pos.LongSellable, model.Short, model.Close)
	}
	return err
}

// demoTable covers the synthetic demo instrument.
func demoTable() *contract.Table {
	return contract.NewTable(map[string]contract.Entry{
		"rb": {
			Fee:        "0.0045%",
			Multiplier: decimal.NewFromInt(10),
			Premium:    decimal.NewFromFloat(0.06),
		},
	})
}

// demoSource builds a deterministic synthetic daily series over the
// configured date range: a slow sine swing on top of a base price, enough
// for the crossover strategy to trade both directions.
func demoSource(cfg *config.Config) *marketdata.MemorySource {
	start, _ := cfg.StartDate()
	end, _ := cfg.EndDate()

	src := marketdata.NewMemorySource()
	src.AddInstrument(marketdata.Instrument{ID: demoInstrument, Type: "futures"})

	var calendar []time.Time
	var bars []model.Bar
	i := 0
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		at := time.Date(d.Year(), d.Month(), d.Day(), 15, 0, 0, 0, time.UTC)
		calendar = append(calendar, at)

		price := 2000 + 150*math.Sin(float64(i)/7)
		c := decimal.NewFromFloat(price).Round(2)
		bars = append(bars, model.Bar{
			Time:   at,
			Open:   c,
			High:   c.Add(decimal.NewFromInt(5)),
			Low:    c.Sub(decimal.NewFromInt(5)),
			Close:  c,
			Volume: decimal.NewFromInt(10000),
		})
		i++
	}

	src.AddBars(demoInstrument, bars...)
	src.SetTradingDates(calendar)
	return src
}
