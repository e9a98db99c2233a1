// Package executor drives the simulation: it owns the simulated clock,
// walks the event source, dispatches strategy callbacks under explicit
// execution phases, and assembles the final result series.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/btsvob/backtest-engine/internal/contract"
	"github.com/btsvob/backtest-engine/internal/decider"
	"github.com/btsvob/backtest-engine/internal/event"
	"github.com/btsvob/backtest-engine/internal/exchange"
	"github.com/btsvob/backtest-engine/internal/marketdata"
	"github.com/btsvob/backtest-engine/internal/metrics"
	"github.com/btsvob/backtest-engine/internal/model"
	"github.com/btsvob/backtest-engine/internal/risk"
)

// Phase is the executor's position in the run lifecycle. API operations
// are only valid in specific phases; calling one outside its allowed
// phases is a programming error reported immediately.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseBeforeTrading
	PhaseHandleBar
	PhaseScheduled
	PhaseFinalized
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "INIT"
	case PhaseBeforeTrading:
		return "BEFORE_TRADING"
	case PhaseHandleBar:
		return "HANDLE_BAR"
	case PhaseScheduled:
		return "SCHEDULED"
	case PhaseFinalized:
		return "FINALIZED"
	}
	return "UNKNOWN"
}

// ErrInvalidPhase signals an API call outside its allowed phases.
var ErrInvalidPhase = errors.New("executor: operation not allowed in current phase")

// Strategy is the user-supplied trading logic. Init runs exactly once
// before the loop; HandleBar runs once per bar tick.
type Strategy interface {
	Init(ctx *Context) error
	HandleBar(ctx *Context, bars *marketdata.BarMap) error
}

// BeforeTradingStrategy is optionally implemented by strategies that want
// the before-trading callback. The futures event source currently emits no
// before-trading ticks, so the callback never fires.
type BeforeTradingStrategy interface {
	BeforeTrading(ctx *Context) error
}

// Params are the trading parameters of one run.
type Params struct {
	Calendar           []time.Time
	Frequency          string // "1m" or "1d"
	StartDate          time.Time
	EndDate            time.Time
	InitCash           decimal.Decimal
	RiskFreeRate       float64
	DaysPerYear        float64
	TradingDaysPerYear float64
}

// Result is one settlement's output record: the sole artifact consumed by
// reporting.
type Result struct {
	Date             time.Time                  `json:"date"`
	DailyReturn      float64                    `json:"daily_return"`
	TotalReturn      float64                    `json:"total_return"`
	AnnualizedReturn float64                    `json:"annualized_return"`
	PortfolioValue   decimal.Decimal            `json:"portfolio_value"`
	Cash             decimal.Decimal            `json:"cash"`
	PnL              decimal.Decimal            `json:"pnl"`
	TotalCommission  decimal.Decimal            `json:"total_commission"`
	TotalTax         decimal.Decimal            `json:"total_tax"`
	Positions        map[string]*model.Position `json:"positions"`
	Trades           []model.Trade              `json:"trades"`
	Risk             model.Risk                 `json:"risk"`
}

// Executor runs one simulation.
type Executor struct {
	params   Params
	source   marketdata.BarSource
	strategy Strategy

	ex      *exchange.Exchange
	riskCal *risk.Calculator
	events  event.Source

	phase    Phase
	now      time.Time
	runCtx   context.Context
	bars     *marketdata.BarMap
	universe map[string]struct{}

	onSettle func(Result)
}

// New creates an executor over the bar source and margin table. Deciders
// default to zero slippage, table commission, and no tax; the strategy may
// replace them during Init.
func New(params Params, source marketdata.BarSource, table *contract.Table, strategy Strategy) *Executor {
	index := event.SettlementIndex(params.Calendar, params.Frequency)
	riskCal := risk.NewCalculator(index, params.StartDate, params.RiskFreeRate, params.DaysPerYear, params.TradingDaysPerYear)

	ex := exchange.New(
		table,
		decider.NewFixedPercentSlippage(decimal.Zero),
		decider.NewTableCommission(table),
		decider.NoTax{},
		exchange.Params{
			StartDate:   params.StartDate,
			InitCash:    params.InitCash,
			DaysPerYear: params.DaysPerYear,
		},
		riskCal,
	)

	var events event.Source
	if params.Frequency == "1d" {
		events = event.NewDailySource(params.Calendar)
	} else {
		events = event.NewFuturesSource(params.Calendar)
	}

	return &Executor{
		params:   params,
		source:   source,
		strategy: strategy,
		ex:       ex,
		riskCal:  riskCal,
		events:   events,
		phase:    PhaseInit,
		universe: make(map[string]struct{}),
	}
}

// OnSettlement registers a hook invoked with every settlement result as it
// is produced, before the run finishes.
func (e *Executor) OnSettlement(fn func(Result)) {
	e.onSettle = fn
}

// Exchange exposes the underlying exchange, mainly for tests.
func (e *Executor) Exchange() *exchange.Exchange {
	return e.ex
}

// Run executes the simulation to exhaustion of the event source and
// returns the per-settlement result series.
func (e *Executor) Run(ctx context.Context) ([]Result, error) {
	e.runCtx = ctx
	stratCtx := &Context{exec: e}

	e.phase = PhaseInit
	if err := e.strategy.Init(stratCtx); err != nil {
		return nil, fmt.Errorf("executor: strategy init: %w", err)
	}

	var results []Result
	for {
		ev, ok := e.events.Next()
		if !ok {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		e.now = ev.Time
		if err := e.ex.OnClockChange(ev.Time); err != nil {
			return nil, err
		}
		e.bars = marketdata.NewBarMap(ctx, ev.Time, e.source)
		metrics.SimulationTicks.WithLabelValues(ev.Kind.String()).Inc()

		switch ev.Kind {
		case event.Bar:
			e.phase = PhaseHandleBar
			if err := e.strategy.HandleBar(stratCtx, e.bars); err != nil {
				return nil, fmt.Errorf("executor: handle bar at %s: %w", ev.Time, err)
			}
			if err := e.ex.RemarginPositions(e.bars); err != nil {
				return nil, err
			}

		case event.Settle:
			e.phase = PhaseScheduled
			snapshot, err := e.ex.Settle()
			if err != nil {
				return nil, err
			}
			if err := e.ex.CheckLedger(); err != nil {
				return nil, err
			}
			result := e.makeResult(snapshot)
			results = append(results, result)
			if e.onSettle != nil {
				e.onSettle(result)
			}
			slog.Info("settlement",
				"date", snapshot.Date,
				"portfolio_value", snapshot.Portfolio.PortfolioValue.String(),
				"daily_return", snapshot.Portfolio.DailyReturn,
			)
		}
	}

	e.phase = PhaseFinalized
	return results, nil
}

// makeResult assembles one settlement's output record from the stored
// snapshot and its risk entry. The snapshot is already an independent
// copy, so the result never aliases live state.
func (e *Executor) makeResult(snap exchange.DailySnapshot) Result {
	riskRec, _ := e.riskCal.ByDate(snap.Date)
	pf := snap.Portfolio
	return Result{
		Date:             snap.Date,
		DailyReturn:      pf.DailyReturn,
		TotalReturn:      pf.TotalReturn,
		AnnualizedReturn: pf.AnnualizedReturn,
		PortfolioValue:   pf.PortfolioValue,
		Cash:             pf.Cash,
		PnL:              pf.PnL,
		TotalCommission:  pf.TotalCommission,
		TotalTax:         pf.TotalTax,
		Positions:        pf.Positions,
		Trades:           snap.Trades,
		Risk:             riskRec,
	}
}

// Context is the explicit execution context handed to strategy callbacks.
// It replaces ambient global state: every gated operation checks the
// current phase and fails fast with ErrInvalidPhase on a mismatch.
type Context struct {
	exec *Executor
}

// Now returns the current simulated time.
func (c *Context) Now() time.Time {
	return c.exec.now
}

// Phase returns the current execution phase.
func (c *Context) Phase() Phase {
	return c.exec.phase
}

func (c *Context) requirePhase(op string, allowed ...Phase) error {
	for _, p := range allowed {
		if c.exec.phase == p {
			return nil
		}
	}
	return fmt.Errorf("%w: %s called in %s", ErrInvalidPhase, op, c.exec.phase)
}

// PlaceOrder submits an order for the current tick and returns its id.
// A rejected order still returns an id; inspect Order for the outcome.
func (c *Context) PlaceOrder(instrument string, quantity decimal.Decimal, direction model.Direction, offset model.Offset) (string, error) {
	if err := c.requirePhase("PlaceOrder", PhaseHandleBar, PhaseScheduled); err != nil {
		return "", err
	}
	c.exec.universe[instrument] = struct{}{}
	order, err := c.exec.ex.CreateOrder(c.exec.bars, instrument, quantity, direction, offset)
	if err != nil {
		return "", err
	}
	return order.ID, nil
}

// CancelOrder cancels a still-open order.
func (c *Context) CancelOrder(id string) error {
	if err := c.requirePhase("CancelOrder", PhaseHandleBar, PhaseScheduled); err != nil {
		return err
	}
	return c.exec.ex.CancelOrder(id)
}

// Order returns a copy of an order by id.
func (c *Context) Order(id string) (model.Order, bool) {
	o, ok := c.exec.ex.Order(id)
	if !ok {
		return model.Order{}, false
	}
	return *o, true
}

// History returns up to barCount values of one field ending at the
// current tick, oldest first, and adds the instrument to the universe.
func (c *Context) History(instrument string, barCount int, field string) ([]decimal.Decimal, error) {
	if err := c.requirePhase("History", PhaseBeforeTrading, PhaseHandleBar, PhaseScheduled); err != nil {
		return nil, err
	}
	c.exec.universe[instrument] = struct{}{}
	runCtx := c.exec.runCtx
	if runCtx == nil {
		runCtx = context.Background()
	}
	bars, err := c.exec.source.History(runCtx, instrument, c.exec.now, barCount)
	if err != nil {
		return nil, err
	}
	return marketdata.FieldValues(bars, field)
}

// Portfolio returns a deep copy of the live portfolio. Mutating it has no
// effect on the simulation.
func (c *Context) Portfolio() *model.Portfolio {
	return c.exec.ex.Portfolio().Clone()
}

// SetSlippage replaces the slippage model. INIT only.
func (c *Context) SetSlippage(m decider.SlippageModel) error {
	if err := c.requirePhase("SetSlippage", PhaseInit); err != nil {
		return err
	}
	c.exec.ex.SetSlippage(m)
	return nil
}

// SetCommission replaces the commission model. INIT only.
func (c *Context) SetCommission(m decider.CommissionModel) error {
	if err := c.requirePhase("SetCommission", PhaseInit); err != nil {
		return err
	}
	c.exec.ex.SetCommission(m)
	return nil
}

// SetTax replaces the tax model. INIT only.
func (c *Context) SetTax(m decider.TaxModel) error {
	if err := c.requirePhase("SetTax", PhaseInit); err != nil {
		return err
	}
	c.exec.ex.SetTax(m)
	return nil
}
