// Package server exposes backtest results over HTTP: the per-settlement
// result series, a summary endpoint, Prometheus metrics, and a WebSocket
// stream of settlements as the simulation produces them.
package server

import (
	"encoding/json"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/btsvob/backtest-engine/internal/executor"
	"github.com/btsvob/backtest-engine/internal/metrics"
	"github.com/btsvob/backtest-engine/internal/model"
)

// jsonFloat marshals NaN as null. Risk ratios are NaN when their
// denominator is zero, and encoding/json refuses raw NaN.
type jsonFloat float64

func (f jsonFloat) MarshalJSON() ([]byte, error) {
	v := float64(f)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}

// riskView is the JSON shape of a risk record.
type riskView struct {
	Volatility   jsonFloat `json:"volatility"`
	MaxDrawdown  jsonFloat `json:"max_drawdown"`
	DownsideRisk jsonFloat `json:"downside_risk"`
	Sharpe       jsonFloat `json:"sharpe"`
	Sortino      jsonFloat `json:"sortino"`
}

// resultView is the JSON shape of one settlement result.
type resultView struct {
	Date             string                     `json:"date"`
	DailyReturn      jsonFloat                  `json:"daily_return"`
	TotalReturn      jsonFloat                  `json:"total_return"`
	AnnualizedReturn jsonFloat                  `json:"annualized_return"`
	PortfolioValue   string                     `json:"portfolio_value"`
	Cash             string                     `json:"cash"`
	PnL              string                     `json:"pnl"`
	TotalCommission  string                     `json:"total_commission"`
	TotalTax         string                     `json:"total_tax"`
	Positions        map[string]*model.Position `json:"positions"`
	Trades           []model.Trade              `json:"trades"`
	Risk             riskView                   `json:"risk"`
}

const dateLayout = "2006-01-02"

func viewOf(r executor.Result) resultView {
	return resultView{
		Date:             r.Date.Format(dateLayout),
		DailyReturn:      jsonFloat(r.DailyReturn),
		TotalReturn:      jsonFloat(r.TotalReturn),
		AnnualizedReturn: jsonFloat(r.AnnualizedReturn),
		PortfolioValue:   r.PortfolioValue.String(),
		Cash:             r.Cash.String(),
		PnL:              r.PnL.String(),
		TotalCommission:  r.TotalCommission.String(),
		TotalTax:         r.TotalTax.String(),
		Positions:        r.Positions,
		Trades:           r.Trades,
		Risk: riskView{
			Volatility:   jsonFloat(r.Risk.Volatility),
			MaxDrawdown:  jsonFloat(r.Risk.MaxDrawdown),
			DownsideRisk: jsonFloat(r.Risk.DownsideRisk),
			Sharpe:       jsonFloat(r.Risk.Sharpe),
			Sortino:      jsonFloat(r.Risk.Sortino),
		},
	}
}

// Server accumulates results and serves them. Add may be called while HTTP
// requests are in flight; access is guarded accordingly.
type Server struct {
	mu      sync.RWMutex
	results []executor.Result
	byDate  map[string]int
	done    bool

	hub *WSHub
}

// New creates an empty results server with a running WebSocket hub.
func New() *Server {
	hub := NewWSHub()
	go hub.Run()
	return &Server{
		byDate: make(map[string]int),
		hub:    hub,
	}
}

// Add appends one settlement result and broadcasts it to WebSocket
// subscribers. Intended as the executor's OnSettlement hook.
func (s *Server) Add(r executor.Result) {
	s.mu.Lock()
	s.byDate[r.Date.Format(dateLayout)] = len(s.results)
	s.results = append(s.results, r)
	s.mu.Unlock()

	s.hub.Broadcast(SettlementMessage{
		Type:           "settlement",
		Date:           r.Date.Format(dateLayout),
		PortfolioValue: r.PortfolioValue.String(),
		DailyReturn:    jsonFloat(r.DailyReturn),
		TotalReturn:    jsonFloat(r.TotalReturn),
		Trades:         len(r.Trades),
	})
}

// Finish marks the run complete so /health can report it.
func (s *Server) Finish() {
	s.mu.Lock()
	s.done = true
	s.mu.Unlock()
}

// Router builds the HTTP routing tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/ws", s.hub.HandleWS)
		r.Get("/results", s.handleListResults)
		r.Get("/results/{date}", s.handleGetResult)
		r.Get("/summary", s.handleSummary)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	done := s.done
	n := len(s.results)
	s.mu.RUnlock()

	status := "running"
	if done {
		status = "finished"
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":      status,
		"service":     "backtest-engine",
		"settlements": n,
	})
}

func (s *Server) handleListResults(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	views := make([]resultView, len(s.results))
	for i, r := range s.results {
		views[i] = viewOf(r)
	}
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(views)
}

func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	date := chi.URLParam(r, "date")

	s.mu.RLock()
	idx, ok := s.byDate[date]
	var view resultView
	if ok {
		view = viewOf(s.results[idx])
	}
	s.mu.RUnlock()

	if !ok {
		writeError(w, "no settlement for date "+date, http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(view)
}

// handleSummary reports the run's terminal statistics: final value,
// returns, and the last risk record.
func (s *Server) handleSummary(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	n := len(s.results)
	var last executor.Result
	if n > 0 {
		last = s.results[n-1]
	}
	done := s.done
	s.mu.RUnlock()

	if n == 0 {
		writeError(w, "no settlements yet", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"finished":          done,
		"settlements":       n,
		"final_date":        last.Date.Format(dateLayout),
		"portfolio_value":   last.PortfolioValue.String(),
		"total_return":      jsonFloat(last.TotalReturn),
		"annualized_return": jsonFloat(last.AnnualizedReturn),
		"total_commission":  last.TotalCommission.String(),
		"total_tax":         last.TotalTax.String(),
		"risk": riskView{
			Volatility:   jsonFloat(last.Risk.Volatility),
			MaxDrawdown:  jsonFloat(last.Risk.MaxDrawdown),
			DownsideRisk: jsonFloat(last.Risk.DownsideRisk),
			Sharpe:       jsonFloat(last.Risk.Sharpe),
			Sortino:      jsonFloat(last.Risk.Sortino),
		},
	})
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
