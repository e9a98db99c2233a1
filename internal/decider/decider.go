// Package decider defines the cost models consumed by the exchange:
// commission, slippage, and tax. Each kind is one pure function behind an
// interface; concrete variants are injected at construction and never
// swapped mid-run.
package decider

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/btsvob/backtest-engine/internal/contract"
	"github.com/btsvob/backtest-engine/internal/model"
)

// MarketData is the price snapshot a slippage model reads fill prices from.
type MarketData interface {
	Get(instrument string) (model.Bar, error)
}

// CommissionModel computes the fee for a trade. The result is non-negative
// and deterministic given order and trade.
type CommissionModel interface {
	GetCommission(order *model.Order, trade model.Trade) (decimal.Decimal, error)
}

// SlippageModel resolves the fill price for an order from the current
// snapshot. A failure here rejects the order; it never aborts the run.
type SlippageModel interface {
	GetTradePrice(data MarketData, order *model.Order) (decimal.Decimal, error)
}

// TaxModel computes the tax for a trade. A no-op model is permitted.
type TaxModel interface {
	GetTax(order *model.Order, trade model.Trade) (decimal.Decimal, error)
}

// ErrBadFillPrice signals a slippage model producing a non-positive price.
var ErrBadFillPrice = errors.New("decider: fill price must be positive")

// TableCommission charges per the margin table's fee spec: a percentage of
// notional when the spec ends in '%', otherwise a flat amount per lot.
type TableCommission struct {
	table *contract.Table
}

// NewTableCommission creates a commission model over the margin table.
func NewTableCommission(table *contract.Table) *TableCommission {
	return &TableCommission{table: table}
}

func (c *TableCommission) GetCommission(order *model.Order, trade model.Trade) (decimal.Decimal, error) {
	entry, err := c.table.Lookup(trade.Instrument)
	if err != nil {
		return decimal.Zero, err
	}

	if strings.HasSuffix(entry.Fee, "%") {
		rate, err := decimal.NewFromString(strings.TrimSuffix(entry.Fee, "%"))
		if err != nil {
			return decimal.Zero, fmt.Errorf("decider: bad fee spec %q for %s: %w", entry.Fee, trade.Instrument, err)
		}
		rate = rate.Div(decimal.NewFromInt(100))
		return trade.Price.Mul(trade.Amount.Abs()).Mul(entry.Multiplier).Mul(rate), nil
	}

	perLot, err := decimal.NewFromString(entry.Fee)
	if err != nil {
		return decimal.Zero, fmt.Errorf("decider: bad fee spec %q for %s: %w", entry.Fee, trade.Instrument, err)
	}
	return trade.Amount.Abs().Mul(perLot), nil
}

// FixedPercentSlippage fills at the bar close moved against the order by a
// fixed rate: buys pay close×(1+rate), sells receive close×(1−rate).
type FixedPercentSlippage struct {
	Rate decimal.Decimal
}

// NewFixedPercentSlippage creates a slippage model with the given rate.
// A zero rate fills exactly at the close.
func NewFixedPercentSlippage(rate decimal.Decimal) *FixedPercentSlippage {
	return &FixedPercentSlippage{Rate: rate}
}

func (s *FixedPercentSlippage) GetTradePrice(data MarketData, order *model.Order) (decimal.Decimal, error) {
	bar, err := data.Get(order.Instrument)
	if err != nil {
		return decimal.Zero, err
	}

	one := decimal.NewFromInt(1)
	var price decimal.Decimal
	if order.IsBuy() {
		price = bar.Close.Mul(one.Add(s.Rate))
	} else {
		price = bar.Close.Mul(one.Sub(s.Rate))
	}

	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: got %s for %s", ErrBadFillPrice, price, order.Instrument)
	}
	return price, nil
}

// NoTax is the permitted no-op tax model.
type NoTax struct{}

func (NoTax) GetTax(order *model.Order, trade model.Trade) (decimal.Decimal, error) {
	return decimal.Zero, nil
}
