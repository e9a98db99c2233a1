// Package exchange implements the simulated exchange: order validation and
// matching against the current bar price, the cash/margin ledger, and the
// mark-to-market settlement cycle.
//
// All monetary arithmetic uses shopspring/decimal. The exchange is mutated
// only from the single simulation thread; every value it hands to history
// is copied at the moment of storage.
package exchange

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/btsvob/backtest-engine/internal/contract"
	"github.com/btsvob/backtest-engine/internal/decider"
	"github.com/btsvob/backtest-engine/internal/metrics"
	"github.com/btsvob/backtest-engine/internal/model"
	"github.com/btsvob/backtest-engine/internal/risk"
)

var (
	// ErrClockRegression signals a tick timestamp earlier than the current
	// simulated clock. Fatal: the scheduler feed is broken.
	ErrClockRegression = errors.New("exchange: clock moved backwards")

	// ErrLedgerImbalance signals that cash plus reserved premium no longer
	// reconciles with starting cash, realized pnl, and commission. Fatal.
	ErrLedgerImbalance = errors.New("exchange: ledger reconciliation failed")

	// ErrUnknownOrder signals a cancel for an order id never submitted.
	ErrUnknownOrder = errors.New("exchange: unknown order id")

	// ErrZeroPortfolioValue signals settlement over a worthless account:
	// the daily return is undefined. Fatal.
	ErrZeroPortfolioValue = errors.New("exchange: portfolio value is zero at settlement")
)

// Params carries the trading parameters the exchange needs.
type Params struct {
	StartDate   time.Time
	InitCash    decimal.Decimal
	DaysPerYear float64
}

// DailySnapshot is one settlement's immutable record: a deep copy of the
// portfolio plus the trades executed since the previous settlement.
type DailySnapshot struct {
	Date      time.Time
	Portfolio *model.Portfolio
	Trades    []model.Trade
}

// Exchange is the matching engine and ledger.
type Exchange struct {
	table      *contract.Table
	slippage   decider.SlippageModel
	commission decider.CommissionModel
	tax        decider.TaxModel
	params     Params
	riskCal    *risk.Calculator

	now       time.Time
	portfolio *model.Portfolio

	openOrders []*model.Order
	allOrders  map[string]*model.Order

	snapshots     []DailySnapshot
	pendingTrades []model.Trade

	// cashRealizedPnL accumulates only pnl that moved cash (close trades),
	// not settlement mark pnl; it anchors the reconciliation check.
	cashRealizedPnL decimal.Decimal
}

// New creates an exchange. The deciders are fixed for the life of the run.
func New(table *contract.Table, slippage decider.SlippageModel, commission decider.CommissionModel, tax decider.TaxModel, params Params, riskCal *risk.Calculator) *Exchange {
	return &Exchange{
		table:      table,
		slippage:   slippage,
		commission: commission,
		tax:        tax,
		params:     params,
		riskCal:    riskCal,
		portfolio:  model.NewPortfolio(params.InitCash),
		allOrders:  make(map[string]*model.Order),
	}
}

// SetSlippage replaces the slippage model. Deciders are immutable once the
// run starts; the executor only permits this during INIT.
func (e *Exchange) SetSlippage(m decider.SlippageModel) { e.slippage = m }

// SetCommission replaces the commission model. INIT only, as above.
func (e *Exchange) SetCommission(m decider.CommissionModel) { e.commission = m }

// SetTax replaces the tax model. INIT only, as above.
func (e *Exchange) SetTax(m decider.TaxModel) { e.tax = m }

// OnClockChange advances the simulated clock. Time never moves backwards.
func (e *Exchange) OnClockChange(dt time.Time) error {
	if !e.now.IsZero() && dt.Before(e.now) {
		return fmt.Errorf("%w: %s after %s", ErrClockRegression, dt, e.now)
	}
	e.now = dt
	return nil
}

// Now returns the current simulated time.
func (e *Exchange) Now() time.Time {
	return e.now
}

// Portfolio returns the live portfolio. Callers outside the exchange must
// not mutate it; hand copies to anything that stores state.
func (e *Exchange) Portfolio() *model.Portfolio {
	return e.portfolio
}

// Order looks up any order ever submitted.
func (e *Exchange) Order(id string) (*model.Order, bool) {
	o, ok := e.allOrders[id]
	return o, ok
}

// Snapshots returns the settlement history in calendar order.
func (e *Exchange) Snapshots() []DailySnapshot {
	return e.snapshots
}

// CreateOrder submits an order and immediately runs a matching pass, then
// refreshes position marks from the snapshot. The returned order carries
// its resolution; a rejection is not an error.
func (e *Exchange) CreateOrder(snap decider.MarketData, instrument string, quantity decimal.Decimal, direction model.Direction, offset model.Offset) (*model.Order, error) {
	order := model.NewOrder(e.now, instrument, quantity, direction, offset)
	e.openOrders = append(e.openOrders, order)
	e.allOrders[order.ID] = order
	metrics.OrdersTotal.WithLabelValues(string(offset)).Inc()

	if err := e.MatchOrders(snap); err != nil {
		return nil, err
	}
	if err := e.UpdateMarks(snap); err != nil {
		return nil, err
	}
	return order, nil
}

// CancelOrder cancels an order that is still open. Cancelling a resolved
// order is a no-op.
func (e *Exchange) CancelOrder(id string) error {
	order, ok := e.allOrders[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, id)
	}
	order.Cancel()
	e.removeResolved()
	return nil
}

// MatchOrders runs one matching pass over the open set in submission
// order. Every open order either fills or rejects this pass; there is no
// standing order book.
func (e *Exchange) MatchOrders(snap decider.MarketData) error {
	for _, order := range e.openOrders {
		if order.Status != model.OrderOpen {
			continue
		}

		entry, err := e.table.Lookup(order.Instrument)
		if err != nil {
			// Unknown margin-table row is a data-feed defect, not a
			// rejectable order.
			return err
		}

		price, err := e.slippage.GetTradePrice(snap, order)
		if err != nil {
			order.Reject(fmt.Sprintf("Order Rejected: cannot price %s: %v", order.Instrument, err))
			slog.Warn("order rejected", "order", order.ID, "reason", order.RejectReason)
			metrics.OrdersRejected.Inc()
			continue
		}

		ok, reason, err := e.validate(snap, order, entry)
		if err != nil {
			return err
		}
		if !ok {
			order.Reject(reason)
			slog.Warn("order rejected", "order", order.ID, "reason", reason)
			metrics.OrdersRejected.Inc()
			continue
		}

		trade := model.NewTrade(order.CreatedAt, order.Instrument, price, order.Quantity, order.ID)
		commission, err := e.commission.GetCommission(order, trade)
		if err != nil {
			return err
		}
		trade.Commission = commission

		tax, err := e.tax.GetTax(order, trade)
		if err != nil {
			return err
		}

		if err := order.Fill(order.Quantity.Abs()); err != nil {
			return err
		}
		order.Status = model.OrderFilled

		if err := e.apply(order, trade, tax, entry); err != nil {
			return err
		}

		e.pendingTrades = append(e.pendingTrades, trade)
		metrics.TradesTotal.WithLabelValues(string(order.Offset)).Inc()
		slog.Info("order filled",
			"order", order.ID,
			"instrument", order.Instrument,
			"offset", order.Offset,
			"direction", order.Direction,
			"price", price.String(),
			"quantity", order.Quantity.String(),
			"commission", commission.String(),
		)
	}

	e.removeResolved()
	return nil
}

// validate applies the margin and sellable-quantity checks. A false result
// carries the rejection reason; an error is fatal.
func (e *Exchange) validate(snap decider.MarketData, order *model.Order, entry contract.Entry) (bool, string, error) {
	pf := e.portfolio
	// Read-only lookup: a rejected order must not touch the position map.
	pos, ok := pf.Positions[order.Instrument]
	if !ok {
		pos = &model.Position{}
	}
	amount := order.Quantity.Abs()

	if amount.IsZero() {
		return false, fmt.Sprintf("Order Rejected: zero quantity for %s", order.Instrument), nil
	}

	switch order.Offset {
	case model.Open:
		bar, err := snap.Get(order.Instrument)
		if err != nil {
			return false, fmt.Sprintf("Order Rejected: no market data for %s: %v", order.Instrument, err), nil
		}
		required := bar.Close.Mul(amount).Mul(entry.Multiplier).Mul(entry.Premium)
		if required.GreaterThan(pf.Cash) {
			return false, fmt.Sprintf("Order Rejected: no enough money to buy %s, needs %s, cash %s",
				order.Instrument, required.StringFixed(2), pf.Cash.StringFixed(2)), nil
		}

	case model.Close:
		switch order.Direction {
		case model.Long: // buying to cover a short
			if amount.GreaterThan(pos.ShortSellable) {
				return false, fmt.Sprintf("Order Rejected: no enough %s to close, you want to close %s, sellable %s",
					order.Instrument, amount, pos.ShortSellable), nil
			}
		case model.Short: // selling to exit a long
			if amount.GreaterThan(pos.LongSellable) {
				return false, fmt.Sprintf("Order Rejected: no enough %s to close, you want to close %s, sellable %s",
					order.Instrument, amount, pos.LongSellable), nil
			}
		}
	}

	return true, "", nil
}

// apply books a fill's ledger effects.
func (e *Exchange) apply(order *model.Order, trade model.Trade, tax decimal.Decimal, entry contract.Entry) error {
	pf := e.portfolio
	pos := pf.Position(order.Instrument)
	amount := trade.Amount.Abs()
	price := trade.Price
	mult := entry.Multiplier
	prem := entry.Premium

	pf.Cash = pf.Cash.Sub(tax)
	pf.TotalTax = pf.TotalTax.Add(tax)

	switch order.Offset {
	case model.Open:
		pf.Cash = pf.Cash.Sub(price.Mul(amount).Mul(mult).Mul(prem))
		pf.Cash = pf.Cash.Sub(trade.Commission)
		pf.TotalCommission = pf.TotalCommission.Add(trade.Commission)

		switch order.Direction {
		case model.Long:
			pos.Quantity = pos.Quantity.Add(amount)
			pos.BoughtPremium = pos.BoughtPremium.Add(price.Mul(amount).Mul(mult).Mul(prem))
			pos.LongSellable = pos.LongSellable.Add(amount)
			// Volume-weighted running mean over the enlarged long leg.
			total := pos.BoughtQuantity.Add(amount)
			pos.AverageLongCost = price.Mul(amount).Add(pos.AverageLongCost.Mul(pos.BoughtQuantity)).Div(total)
			pos.BoughtQuantity = total
			pos.MarkPrice = price
		case model.Short:
			pos.Quantity = pos.Quantity.Sub(amount)
			pos.SoldPremium = pos.SoldPremium.Add(price.Mul(amount).Mul(mult).Mul(prem))
			pos.ShortSellable = pos.ShortSellable.Add(amount)
			total := pos.SoldQuantity.Add(amount)
			pos.AverageShortCost = price.Mul(amount).Add(pos.AverageShortCost.Mul(pos.SoldQuantity)).Div(total)
			pos.SoldQuantity = total
			pos.MarkPrice = price
		}

	case model.Close:
		pf.Cash = pf.Cash.Sub(trade.Commission)
		pf.TotalCommission = pf.TotalCommission.Add(trade.Commission)

		switch order.Direction {
		case model.Long: // buy to cover: release short margin, realize (avg − price) × multiplier
			pos.Quantity = pos.Quantity.Add(amount)
			realized := pos.AverageShortCost.Sub(price).Mul(mult)
			pf.Cash = pf.Cash.Add(pos.AverageShortCost.Mul(amount).Mul(mult).Mul(prem)).Add(realized)
			pf.PnL = pf.PnL.Add(realized)
			e.cashRealizedPnL = e.cashRealizedPnL.Add(realized)
			pos.SoldPremium = pos.SoldPremium.Sub(pos.AverageShortCost.Mul(amount).Mul(mult).Mul(prem))
			remaining := pos.SoldQuantity.Sub(amount)
			if remaining.IsZero() {
				pos.AverageShortCost = decimal.Zero
			} else {
				pos.AverageShortCost = pos.AverageShortCost.Mul(pos.SoldQuantity).Sub(price.Mul(amount)).Div(remaining)
			}
			pos.SoldQuantity = remaining
			pos.ShortSellable = pos.ShortSellable.Sub(amount)
			pos.MarkPrice = price
		case model.Short: // sell to exit: release long margin, realize (price − avg) × multiplier
			pos.Quantity = pos.Quantity.Sub(amount)
			realized := price.Sub(pos.AverageLongCost).Mul(mult)
			pf.Cash = pf.Cash.Add(pos.AverageLongCost.Mul(amount).Mul(mult).Mul(prem)).Add(realized)
			pf.PnL = pf.PnL.Add(realized)
			e.cashRealizedPnL = e.cashRealizedPnL.Add(realized)
			pos.BoughtPremium = pos.BoughtPremium.Sub(pos.AverageLongCost.Mul(amount).Mul(mult).Mul(prem))
			remaining := pos.BoughtQuantity.Sub(amount)
			if remaining.IsZero() {
				pos.AverageLongCost = decimal.Zero
			} else {
				pos.AverageLongCost = pos.AverageLongCost.Mul(pos.BoughtQuantity).Sub(price.Mul(amount)).Div(remaining)
			}
			pos.BoughtQuantity = remaining
			pos.LongSellable = pos.LongSellable.Sub(amount)
			pos.MarkPrice = price
		}
	}

	return nil
}

// removeResolved drops filled, rejected, and cancelled orders from the
// open set. Orders that survive the pass stay open into the next tick.
func (e *Exchange) removeResolved() {
	open := e.openOrders[:0]
	for _, o := range e.openOrders {
		if o.Status == model.OrderOpen {
			open = append(open, o)
		}
	}
	e.openOrders = open
}

// UpdateMarks refreshes every position's mark price from the snapshot
// without touching premium reserves.
func (e *Exchange) UpdateMarks(snap decider.MarketData) error {
	for instrument, pos := range e.portfolio.Positions {
		bar, err := snap.Get(instrument)
		if err != nil {
			return err
		}
		pos.MarkPrice = bar.Close
	}
	return nil
}

// RemarginPositions re-marks every position at the bar close, recomputes
// both sides' premium reserves at the new mark, and folds the reservation
// delta into cash. Premium is a cash reservation, not an expense.
func (e *Exchange) RemarginPositions(snap decider.MarketData) error {
	pf := e.portfolio
	oldPremium := decimal.Zero
	newPremium := decimal.Zero

	for instrument, pos := range pf.Positions {
		bar, err := snap.Get(instrument)
		if err != nil {
			return err
		}
		entry, err := e.table.Lookup(instrument)
		if err != nil {
			return err
		}

		pos.MarkPrice = bar.Close
		oldPremium = oldPremium.Add(pos.BoughtPremium).Add(pos.SoldPremium)
		pos.BoughtPremium = pos.MarkPrice.Mul(pos.BoughtQuantity).Mul(entry.Premium).Mul(entry.Multiplier)
		pos.SoldPremium = pos.MarkPrice.Mul(pos.SoldQuantity).Mul(entry.Premium).Mul(entry.Multiplier)
		newPremium = newPremium.Add(pos.BoughtPremium).Add(pos.SoldPremium)
	}

	pf.Cash = pf.Cash.Add(oldPremium.Sub(newPremium))
	return nil
}

// Settle performs mark-to-market settlement at the current clock: realize
// mark pnl, rebase average costs, refresh margin reserves, update portfolio
// value and returns, store an immutable deep copy in history, and feed the
// day's return to the risk calculator.
func (e *Exchange) Settle() (DailySnapshot, error) {
	start := time.Now()
	pf := e.portfolio

	var prev *model.Portfolio
	if n := len(e.snapshots); n > 0 {
		prev = e.snapshots[n-1].Portfolio
	}

	oldPremium := decimal.Zero
	newPremium := decimal.Zero
	for instrument, pos := range pf.Positions {
		entry, err := e.table.Lookup(instrument)
		if err != nil {
			return DailySnapshot{}, err
		}
		mark := pos.MarkPrice
		mult := entry.Multiplier

		longProfit := pos.BoughtQuantity.Mul(mark.Sub(pos.AverageLongCost)).Mul(mult)
		shortProfit := pos.SoldQuantity.Mul(pos.AverageShortCost.Sub(mark)).Mul(mult)
		pf.PnL = pf.PnL.Add(longProfit).Add(shortProfit)

		// Unrealized gains become the new cost basis.
		pos.AverageLongCost = mark
		pos.AverageShortCost = mark

		oldPremium = oldPremium.Add(pos.BoughtPremium).Add(pos.SoldPremium)
		pos.BoughtPremium = mark.Mul(pos.BoughtQuantity).Mul(entry.Premium).Mul(mult)
		pos.SoldPremium = mark.Mul(pos.SoldQuantity).Mul(entry.Premium).Mul(mult)
		newPremium = newPremium.Add(pos.BoughtPremium).Add(pos.SoldPremium)
	}
	pf.Cash = pf.Cash.Add(oldPremium.Sub(newPremium))

	if pf.Cash.IsNegative() {
		slog.Warn("margin call: cash below zero at settlement", "cash", pf.Cash.String())
	}

	var prevValue decimal.Decimal
	var settleCommission decimal.Decimal
	if prev == nil {
		prevValue = pf.StartingCash
		settleCommission = pf.TotalCommission
	} else {
		prevValue = prev.PortfolioValue
		settleCommission = pf.TotalCommission.Sub(prev.TotalCommission)
	}
	pf.PortfolioValue = pf.PortfolioValue.Add(pf.PnL).Sub(settleCommission)

	if prevValue.IsZero() {
		return DailySnapshot{}, fmt.Errorf("%w: previous value %s", ErrZeroPortfolioValue, prevValue)
	}
	pf.DailyReturn = pf.PnL.Div(prevValue).InexactFloat64()
	pf.TotalReturn = pf.PortfolioValue.Div(pf.StartingCash).InexactFloat64() - 1
	elapsedDays := e.now.Sub(e.params.StartDate).Hours()/24 + 1
	pf.AnnualizedReturn = pf.TotalReturn * (e.params.DaysPerYear / elapsedDays)

	snapshot := DailySnapshot{
		Date:      e.now,
		Portfolio: pf.Clone(),
		Trades:    e.pendingTrades,
	}
	e.snapshots = append(e.snapshots, snapshot)
	e.pendingTrades = nil

	if _, err := e.riskCal.Calculate(e.now, pf.DailyReturn); err != nil {
		return DailySnapshot{}, err
	}

	pf.PnL = decimal.Zero

	metrics.SettlementsTotal.Inc()
	metrics.PortfolioValue.Set(pf.PortfolioValue.InexactFloat64())
	metrics.SettlementDuration.Observe(time.Since(start).Seconds())

	return snapshot, nil
}

// CheckLedger verifies the double-entry invariant: cash plus reserved
// premium equals starting cash plus cash-realized pnl minus commission.
// Settlement mark pnl moves no cash and is excluded by construction.
func (e *Exchange) CheckLedger() error {
	pf := e.portfolio
	reserved := decimal.Zero
	for _, pos := range pf.Positions {
		reserved = reserved.Add(pos.BoughtPremium).Add(pos.SoldPremium)
	}

	left := pf.Cash.Add(reserved)
	right := pf.StartingCash.Add(e.cashRealizedPnL).Sub(pf.TotalCommission).Sub(pf.TotalTax)
	if !left.Sub(right).Abs().LessThanOrEqual(decimal.New(1, -9)) {
		return fmt.Errorf("%w: cash+premium %s != expected %s", ErrLedgerImbalance, left, right)
	}
	return nil
}
