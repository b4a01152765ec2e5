package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/spotbot/internal/domain"
	"github.com/alejandrodnm/spotbot/internal/ports"
)

// Config holds the risk limits. The numeric values are tuning knobs, not
// invariants; defaults live in the config package.
type Config struct {
	// MaxDrawdown is the fraction of initial capital the session may lose
	// before trading halts globally.
	MaxDrawdown float64

	// BaseDailyLossLimit is the base per-pair daily loss limit as a
	// fraction of the pair's quote balance, before volatility damping.
	BaseDailyLossLimit float64

	// VolatilityThreshold caps ATR/avgPrice per pair and scales the
	// daily-loss damping.
	VolatilityThreshold float64

	// MinOrderNotional is the smallest order the venues accept; a pair
	// needs twice this to be worth an open slot.
	MinOrderNotional float64

	// MaxConcurrentPairs bounds simultaneous open positions regardless of
	// capital, to bound blast radius.
	MaxConcurrentPairs int

	// ForecastMultiplier scales the forecasted loss when it drives the
	// adaptive limit.
	ForecastMultiplier float64
}

// State carries the mutable daily-loss counters. It is owned by the
// orchestrator and handed to the gate, never package-global.
type State struct {
	DailyLosses   map[string]float64
	LossHistory   map[string][]float64
	LastResetDate string // "2006-01-02"
}

// NewState returns an empty risk state dated today.
func NewState(now time.Time) *State {
	return &State{
		DailyLosses:   make(map[string]float64),
		LossHistory:   make(map[string][]float64),
		LastResetDate: now.Format("2006-01-02"),
	}
}

// Gate evaluates the session's risk limits. All checks return (ok, reason):
// they never fail with an error, and missing capital data reads as not ok.
//
// The state mutex exists because concurrent pair tasks record losses for
// different pairs into the same maps; Go maps need the lock even when the
// keys never collide.
type Gate struct {
	cfg            Config
	initialCapital float64
	mu             sync.Mutex
	state          *State
	forecaster     ports.LossForecaster
	now            func() time.Time
}

// New creates a gate over the given state. forecaster may be nil, in which
// case the adaptive limit falls back to the damped base limit alone.
func New(cfg Config, initialCapital float64, state *State, forecaster ports.LossForecaster) *Gate {
	if cfg.MaxConcurrentPairs <= 0 {
		cfg.MaxConcurrentPairs = 4
	}
	if cfg.ForecastMultiplier <= 0 {
		cfg.ForecastMultiplier = 1.5
	}
	return &Gate{
		cfg:            cfg,
		initialCapital: initialCapital,
		state:          state,
		forecaster:     forecaster,
		now:            time.Now,
	}
}

// SetClock overrides the gate's clock. Test hook.
func (g *Gate) SetClock(now func() time.Time) { g.now = now }

// CheckDrawdown marks the whole book to market and fails closed when the
// decline from initial capital exceeds the configured fraction. A failure
// here halts the session permanently.
func (g *Gate) CheckDrawdown(ledgers map[string]*domain.PairLedger, refPrices map[string]float64) (bool, string) {
	if g.initialCapital <= 0 {
		return false, "drawdown check: initial capital unknown"
	}

	var total float64
	for pair, ledger := range ledgers {
		total += ledger.MarkToMarket(refPrices[pair])
	}

	drawdown := (g.initialCapital - total) / g.initialCapital
	if drawdown > g.cfg.MaxDrawdown {
		return false, fmt.Sprintf("max drawdown exceeded: %.1f%% (> %.1f%%)",
			drawdown*100, g.cfg.MaxDrawdown*100)
	}
	return true, ""
}

// CheckDailyLoss applies the adaptive per-pair daily loss limit:
//
//	limit = max(base × damping, forecastedLoss/quote × multiplier)
//	damping = 1 − ATR/(capital × volatilityThreshold), clamped to [0,1]
//
// The counters reset when the calendar date (string compare, not elapsed
// seconds) rolls over, so a restart crossing midnight still resets once.
func (g *Gate) CheckDailyLoss(ctx context.Context, pair string, ledger *domain.PairLedger, venue string, atr, spread float64, window []domain.Candle) (bool, string) {
	g.maybeResetDay()

	quote := ledger.Quote(venue)
	if quote <= 0 {
		return false, fmt.Sprintf("%s: no quote capital on %s for daily loss check", pair, venue)
	}

	damping := 1 - atr/(g.initialCapital*g.cfg.VolatilityThreshold)
	if damping < 0 {
		damping = 0
	}
	if damping > 1 {
		damping = 1
	}

	forecast := g.forecastLoss(ctx, pair, window, spread)

	limit := g.cfg.BaseDailyLossLimit * damping
	if adaptive := forecast / quote * g.cfg.ForecastMultiplier; adaptive > limit {
		limit = adaptive
	}

	g.mu.Lock()
	loss := g.state.DailyLosses[pair]
	g.mu.Unlock()
	if loss > quote*limit {
		return false, fmt.Sprintf("%s: adaptive daily loss limit exceeded: %.2f (> %.2f, forecast %.2f)",
			pair, loss, quote*limit, forecast)
	}
	return true, ""
}

// CheckVolatility fails the pair when ATR relative to its average price
// exceeds the configured threshold.
func (g *Gate) CheckVolatility(pair string, atr, avgPrice float64) (bool, string) {
	if avgPrice <= 0 {
		return false, fmt.Sprintf("%s: no price data for volatility check", pair)
	}
	vol := atr / avgPrice
	if vol > g.cfg.VolatilityThreshold {
		return false, fmt.Sprintf("%s: volatility too high: %.1f%% (> %.1f%%)",
			pair, vol*100, g.cfg.VolatilityThreshold*100)
	}
	return true, ""
}

// OptimalConcurrency bounds simultaneous open positions by the available
// quote capital divided by the minimum viable per-pair capital, capped at
// MaxConcurrentPairs and never below one.
func (g *Gate) OptimalConcurrency(ledgers map[string]*domain.PairLedger) int {
	var total float64
	for _, ledger := range ledgers {
		total += ledger.TotalQuote()
	}

	minPerPair := g.cfg.MinOrderNotional * 2
	limit := 1
	if minPerPair > 0 {
		limit = int(total / minPerPair)
	}
	if limit > g.cfg.MaxConcurrentPairs {
		limit = g.cfg.MaxConcurrentPairs
	}
	if limit < 1 {
		limit = 1
	}
	slog.Debug("risk: optimal concurrency", "limit", limit, "total_quote", fmt.Sprintf("%.2f", total))
	return limit
}

// RecordLoss adds a realized loss to the pair's daily counter and to the
// history window the forecaster trains on.
func (g *Gate) RecordLoss(pair string, loss float64) {
	if loss <= 0 {
		return
	}
	g.maybeResetDay()
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state.DailyLosses[pair] += loss
	g.state.LossHistory[pair] = append(g.state.LossHistory[pair], loss)
}

// DailyLoss returns the pair's accumulated loss for the current day.
func (g *Gate) DailyLoss(pair string) float64 {
	g.maybeResetDay()
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.DailyLosses[pair]
}

// maybeResetDay clears the daily counters exactly once per date rollover.
func (g *Gate) maybeResetDay() {
	day := g.now().Format("2006-01-02")
	g.mu.Lock()
	defer g.mu.Unlock()
	if day == g.state.LastResetDate {
		return
	}
	slog.Info("risk: daily loss counters reset", "from", g.state.LastResetDate, "to", day)
	g.state.DailyLosses = make(map[string]float64)
	g.state.LastResetDate = day
}

// forecastLoss queries the oracle, clamped to [0, capital × base limit].
// Any oracle failure reads as no forecast.
func (g *Gate) forecastLoss(ctx context.Context, pair string, window []domain.Candle, spread float64) float64 {
	if g.forecaster == nil {
		return 0
	}
	g.mu.Lock()
	history := append([]float64(nil), g.state.LossHistory[pair]...)
	g.mu.Unlock()
	forecast, err := g.forecaster.ForecastLoss(ctx, pair, window, spread, history)
	if err != nil {
		slog.Debug("risk: loss forecast unavailable", "pair", pair, "err", err)
		return 0
	}
	if forecast < 0 {
		forecast = 0
	}
	if ceil := g.initialCapital * g.cfg.BaseDailyLossLimit; forecast > ceil {
		forecast = ceil
	}
	return forecast
}
