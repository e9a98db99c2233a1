// Package model defines the core domain types shared across the backtest
// engine. All monetary values use shopspring/decimal — never float64 for
// money. Returns and risk ratios are float64 because the risk metrics must
// be able to carry NaN (undefined sharpe/sortino).
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderStatus is the order lifecycle state. OPEN is the only non-terminal
// state.
type OrderStatus string

const (
	OrderOpen      OrderStatus = "OPEN"
	OrderFilled    OrderStatus = "FILLED"
	OrderRejected  OrderStatus = "REJECTED"
	OrderCancelled OrderStatus = "CANCELLED"
)

// Direction is the side of the position an order affects.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

// Offset says whether an order opens a new position or closes an existing
// one.
type Offset string

const (
	Open  Offset = "open"
	Close Offset = "close"
)

// ErrOverfill signals filled quantity exceeding the order quantity. This is
// a fatal engine defect, never a recoverable business condition.
var ErrOverfill = errors.New("model: filled quantity exceeds order quantity")

// Order is a request to trade one instrument, submitted by the strategy and
// resolved by the exchange. Fields other than FilledQuantity, Status, and
// RejectReason are fixed at creation.
type Order struct {
	ID             string          `json:"id"`
	CreatedAt      time.Time       `json:"created_at"`
	Instrument     string          `json:"instrument"`
	Quantity       decimal.Decimal `json:"quantity"` // signed: +buy, -sell
	Direction      Direction       `json:"direction"`
	Offset         Offset          `json:"offset"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	Status         OrderStatus     `json:"status"`
	RejectReason   string          `json:"reject_reason,omitempty"`
}

// NewOrder creates an OPEN order with a fresh id.
func NewOrder(dt time.Time, instrument string, quantity decimal.Decimal, direction Direction, offset Offset) *Order {
	return &Order{
		ID:         newID(),
		CreatedAt:  dt,
		Instrument: instrument,
		Quantity:   quantity,
		Direction:  direction,
		Offset:     offset,
		Status:     OrderOpen,
	}
}

// Fill records executed shares. The filled quantity may never exceed the
// absolute order quantity.
func (o *Order) Fill(shares decimal.Decimal) error {
	o.FilledQuantity = o.FilledQuantity.Add(shares)
	if o.FilledQuantity.GreaterThan(o.Quantity.Abs()) {
		return fmt.Errorf("%w: order %s filled %s of %s", ErrOverfill, o.ID, o.FilledQuantity, o.Quantity)
	}
	return nil
}

// Reject transitions the order to REJECTED with a human-readable reason.
func (o *Order) Reject(reason string) {
	o.RejectReason = reason
	o.Status = OrderRejected
}

// Cancel transitions an OPEN order to CANCELLED. Cancelling a matched or
// rejected order is a no-op.
func (o *Order) Cancel() {
	if o.Status == OrderOpen {
		o.Status = OrderCancelled
	}
}

// IsBuy reports whether the signed quantity is positive.
func (o *Order) IsBuy() bool {
	return o.Quantity.IsPositive()
}

// Trade is an immutable record of a fill, created by the exchange at match
// time and never modified afterwards.
type Trade struct {
	ID         string          `json:"id"`
	Time       time.Time       `json:"time"`
	Instrument string          `json:"instrument"`
	Price      decimal.Decimal `json:"price"`
	Amount     decimal.Decimal `json:"amount"` // signed fill amount
	OrderID    string          `json:"order_id"`
	Commission decimal.Decimal `json:"commission"`
}

// NewTrade creates a trade record with a fresh id.
func NewTrade(dt time.Time, instrument string, price, amount decimal.Decimal, orderID string) Trade {
	return Trade{
		ID:         newID(),
		Time:       dt,
		Instrument: instrument,
		Price:      price,
		Amount:     amount,
		OrderID:    orderID,
	}
}

// Bar is one OHLCV bar of an instrument.
type Bar struct {
	Time         time.Time       `json:"time"`
	Open         decimal.Decimal `json:"open"`
	High         decimal.Decimal `json:"high"`
	Low          decimal.Decimal `json:"low"`
	Close        decimal.Decimal `json:"close"`
	Volume       decimal.Decimal `json:"volume"`
	OpenInterest decimal.Decimal `json:"oi"`
}

// Position tracks the two legs of one instrument's holdings. The invariant
// Quantity == BoughtQuantity − SoldQuantity holds at all times.
type Position struct {
	Quantity         decimal.Decimal `json:"quantity"`
	BoughtQuantity   decimal.Decimal `json:"bought_quantity"`
	SoldQuantity     decimal.Decimal `json:"sold_quantity"`
	BoughtPremium    decimal.Decimal `json:"bought_premium"`
	SoldPremium      decimal.Decimal `json:"sold_premium"`
	LongSellable     decimal.Decimal `json:"long_sellable"`
	ShortSellable    decimal.Decimal `json:"short_sellable"`
	AverageLongCost  decimal.Decimal `json:"average_long_cost"`
	AverageShortCost decimal.Decimal `json:"average_short_cost"`
	MarkPrice        decimal.Decimal `json:"mark_price"`
	ValuePercent     decimal.Decimal `json:"value_percent"`
}

// Clone returns an independent copy. Decimal values are immutable, so a
// field copy is a deep copy.
func (p *Position) Clone() *Position {
	cp := *p
	return &cp
}

// Portfolio is the single account's ledger. Mutated exclusively by the
// exchange on the simulation thread.
type Portfolio struct {
	Cash             decimal.Decimal      `json:"cash"`
	StartingCash     decimal.Decimal      `json:"starting_cash"`
	PnL              decimal.Decimal      `json:"pnl"` // realized pnl since last settlement
	TotalCommission  decimal.Decimal      `json:"total_commission"`
	TotalTax         decimal.Decimal      `json:"total_tax"`
	PortfolioValue   decimal.Decimal      `json:"portfolio_value"`
	DailyReturn      float64              `json:"daily_return"`
	TotalReturn      float64              `json:"total_return"`
	AnnualizedReturn float64              `json:"annualized_return"`
	Positions        map[string]*Position `json:"positions"`
}

// NewPortfolio creates a portfolio funded with the initial cash.
func NewPortfolio(initCash decimal.Decimal) *Portfolio {
	return &Portfolio{
		Cash:           initCash,
		StartingCash:   initCash,
		PortfolioValue: initCash,
		Positions:      make(map[string]*Position),
	}
}

// Position returns the position for the instrument, creating a
// zero-initialized record on first access.
func (pf *Portfolio) Position(instrument string) *Position {
	pos, ok := pf.Positions[instrument]
	if !ok {
		pos = &Position{}
		pf.Positions[instrument] = pos
	}
	return pos
}

// Clone returns a deep copy. Later mutation of the live portfolio must
// never be observable through the copy; history storage depends on this.
func (pf *Portfolio) Clone() *Portfolio {
	cp := *pf
	cp.Positions = make(map[string]*Position, len(pf.Positions))
	for id, pos := range pf.Positions {
		cp.Positions[id] = pos.Clone()
	}
	return &cp
}

// Risk holds one settlement day's risk metrics. Sharpe and Sortino are NaN
// when their denominator is zero; consumers must handle that.
type Risk struct {
	Volatility   float64 `json:"volatility"`
	MaxDrawdown  float64 `json:"max_drawdown"`
	DownsideRisk float64 `json:"downside_risk"`
	Sharpe       float64 `json:"sharpe"`
	Sortino      float64 `json:"sortino"`
}

func newID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}
