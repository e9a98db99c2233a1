// Package risk maintains the settlement-indexed return series and the
// rolling performance metrics derived from it.
package risk

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/btsvob/backtest-engine/internal/model"
)

// ErrCalendarDesync signals a settlement date that is not the next slot on
// the configured settlement calendar. It indicates a scheduler or data-feed
// defect and aborts the run.
var ErrCalendarDesync = errors.New("risk: settlement date not next on calendar")

// DatedRisk pairs a settlement timestamp with the risk computed for it.
type DatedRisk struct {
	Date time.Time  `json:"date"`
	Risk model.Risk `json:"risk"`
}

// Calculator accumulates daily returns in settlement-calendar order and
// computes volatility, max drawdown, downside risk, sharpe, and sortino
// after each settlement. Each stored Risk is an independent value; the
// history never aliases mutable state.
type Calculator struct {
	startDate          time.Time
	index              []time.Time
	loc                map[time.Time]int
	daily              []float64
	total              []float64
	annualized         []float64
	latest             int
	maxReturn          float64
	maxDrawdown        float64
	riskFreeRate       float64
	daysPerYear        float64
	tradingDaysPerYear float64
	history            []DatedRisk
	byDate             map[time.Time]model.Risk
}

// NewCalculator creates a calculator over the settlement index. The index
// must be the exact sequence of settlement timestamps the scheduler will
// fire, in calendar order.
func NewCalculator(index []time.Time, startDate time.Time, riskFreeRate, daysPerYear, tradingDaysPerYear float64) *Calculator {
	loc := make(map[time.Time]int, len(index))
	for i, t := range index {
		loc[t] = i
	}
	return &Calculator{
		startDate:          startDate,
		index:              index,
		loc:                loc,
		daily:              make([]float64, len(index)),
		total:              make([]float64, len(index)),
		annualized:         make([]float64, len(index)),
		latest:             -1,
		maxReturn:          math.Inf(-1),
		riskFreeRate:       riskFreeRate,
		daysPerYear:        daysPerYear,
		tradingDaysPerYear: tradingDaysPerYear,
		byDate:             make(map[time.Time]model.Risk, len(index)),
	}
}

// Calculate folds one settlement's daily return into the series and
// returns the risk record stored for that date.
func (c *Calculator) Calculate(date time.Time, dailyReturn float64) (model.Risk, error) {
	idx, ok := c.loc[date]
	if !ok {
		return model.Risk{}, fmt.Errorf("%w: %s not on calendar", ErrCalendarDesync, date)
	}
	if idx != c.latest+1 {
		return model.Risk{}, fmt.Errorf("%w: got index %d after %d", ErrCalendarDesync, idx, c.latest)
	}
	c.latest = idx
	c.daily[idx] = dailyReturn

	series := c.daily[:idx+1]

	total := 1.0
	for _, r := range series {
		total *= 1 + r
	}
	total -= 1
	c.total[idx] = total

	daysPass := date.Sub(c.startDate).Hours()/24 + 1
	c.annualized[idx] = math.Pow(1+total, c.daysPerYear/daysPass) - 1

	if total > c.maxReturn {
		c.maxReturn = total
	}

	risk := model.Risk{
		Volatility:   c.volatility(series),
		MaxDrawdown:  c.drawdown(total),
		DownsideRisk: c.downsideRisk(series),
	}
	risk.Sharpe = c.ratio(series, risk.Volatility)
	risk.Sortino = c.ratio(series, risk.DownsideRisk)

	c.history = append(c.history, DatedRisk{Date: date, Risk: risk})
	c.byDate[date] = risk
	return risk, nil
}

// volatility is the sample standard deviation of daily returns scaled to
// annual, zero below two samples.
func (c *Calculator) volatility(series []float64) float64 {
	n := len(series)
	if n <= 1 {
		return 0
	}
	mean := 0.0
	for _, r := range series {
		mean += r
	}
	mean /= float64(n)

	variance := 0.0
	for _, r := range series {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(n - 1)

	return math.Sqrt(c.tradingDaysPerYear) * math.Sqrt(variance)
}

// drawdown updates the running max drawdown against the running return
// peak. It is monotonically non-increasing: once recorded it only ever
// tightens.
func (c *Calculator) drawdown(total float64) float64 {
	today := (1+total)/(1+c.maxReturn) - 1
	if today < c.maxDrawdown {
		c.maxDrawdown = today
	}
	return c.maxDrawdown
}

// downsideRisk is the annualized root mean square of strictly negative
// returns, zero below two negative samples.
func (c *Calculator) downsideRisk(series []float64) float64 {
	sum := 0.0
	n := 0
	for _, r := range series {
		if r < 0 {
			sum += r * r
			n++
		}
	}
	if n <= 1 {
		return 0
	}
	return math.Sqrt(sum/float64(n)) * math.Sqrt(c.tradingDaysPerYear)
}

// ratio is the sharpe/sortino numerator over the given denominator,
// explicitly NaN when the denominator is zero.
func (c *Calculator) ratio(series []float64, denom float64) float64 {
	if denom == 0 {
		return math.NaN()
	}
	sum := 0.0
	for _, r := range series {
		sum += r
	}
	annualizedMean := sum / float64(len(series)) * c.tradingDaysPerYear
	return (annualizedMean - c.riskFreeRate) / denom
}

// Index returns the settlement calendar the calculator is indexed by.
func (c *Calculator) Index() []time.Time {
	return c.index
}

// History returns the per-settlement risk records in calendar order.
func (c *Calculator) History() []DatedRisk {
	return c.history
}

// ByDate returns the risk stored for a settlement date.
func (c *Calculator) ByDate(date time.Time) (model.Risk, bool) {
	r, ok := c.byDate[date]
	return r, ok
}

// TotalReturn returns the cumulative compounded return after the latest
// settlement.
func (c *Calculator) TotalReturn() float64 {
	if c.latest < 0 {
		return 0
	}
	return c.total[c.latest]
}

// AnnualizedReturn returns the compounded annualized return after the
// latest settlement.
func (c *Calculator) AnnualizedReturn() float64 {
	if c.latest < 0 {
		return 0
	}
	return c.annualized[c.latest]
}
