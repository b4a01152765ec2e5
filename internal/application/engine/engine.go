package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alejandrodnm/spotbot/internal/application/allocator"
	"github.com/alejandrodnm/spotbot/internal/application/risk"
	"github.com/alejandrodnm/spotbot/internal/domain"
	"github.com/alejandrodnm/spotbot/internal/metrics"
	"github.com/alejandrodnm/spotbot/internal/ports"
)

// Config tunes the trading cycle engine. All numeric limits are
// configuration, not invariants.
type Config struct {
	Pairs         []string
	CycleInterval time.Duration
	MaxIterations int // 0 = run until the context is cancelled

	MinOrderNotional float64 // smallest entry the venues accept
	MinSellNotional  float64 // residuals below this are dust, left unsold
	FixedStopLoss    float64 // fractional stop below entry price
	EntryThreshold   float64 // oracle probability that opens a long
	ExitThreshold    float64 // oracle probability that closes a long
	TradeFraction    float64 // fraction of quote capital per entry

	DepthLevels         int     // book levels walked for sizing
	BasePriceAdjustment float64 // base limit-price nudge
	BaseMaxPositionSize float64 // fraction of pair value one order may take
	SafetyMargin        float64 // spread margin over the two maker fees

	VolatilityThreshold float64 // shared with the risk gate
	BaseDailyLossLimit  float64 // shared with the risk gate
}

// Engine drives the trading cycles: risk gates, pair selection, concurrent
// per-pair execution, fill reconciliation and the shutdown liquidation.
// Pairs are partitioned 1:1 to tasks within a cycle, so each pair's ledger
// and order queue have a single writer.
type Engine struct {
	cfg        Config
	primary    ports.Exchange
	secondary  ports.Exchange
	alloc      *allocator.Allocator
	gate       *risk.Gate
	forecaster ports.LossForecaster
	notifier   ports.Notifier
	store      ports.SessionStorage // may be nil

	ledgers        map[string]*domain.PairLedger
	queues         map[string]*orderQueue
	state          *risk.State
	initialCapital float64

	// lastPrices carries the reference prices observed on the most recent
	// scan, used to mark open positions for the drawdown gate.
	lastPrices map[string]float64

	// daily counters for the summary row, bumped from concurrent pair tasks
	ordersPlaced    atomic.Int64
	ordersCancelled atomic.Int64
	fills           atomic.Int64

	clock func() time.Time
}

// New assembles the engine. ledgers and state come from Bootstrap (restored
// snapshot or live balance split); forecaster and store may be nil.
func New(
	cfg Config,
	primary, secondary ports.Exchange,
	alloc *allocator.Allocator,
	gate *risk.Gate,
	forecaster ports.LossForecaster,
	notifier ports.Notifier,
	store ports.SessionStorage,
	ledgers map[string]*domain.PairLedger,
	state *risk.State,
	initialCapital float64,
) *Engine {
	queues := make(map[string]*orderQueue, len(cfg.Pairs))
	for _, pair := range cfg.Pairs {
		queues[pair] = &orderQueue{}
	}
	if cfg.TradeFraction <= 0 {
		cfg.TradeFraction = 0.1
	}
	if cfg.DepthLevels <= 0 {
		cfg.DepthLevels = 5
	}
	return &Engine{
		cfg:            cfg,
		primary:        primary,
		secondary:      secondary,
		alloc:          alloc,
		gate:           gate,
		forecaster:     forecaster,
		notifier:       notifier,
		store:          store,
		ledgers:        ledgers,
		queues:         queues,
		state:          state,
		initialCapital: initialCapital,
		lastPrices:     make(map[string]float64, len(cfg.Pairs)),
		clock:          time.Now,
	}
}

// Run drives cycles on a ticker until the context is cancelled, the
// iteration budget is spent, or the drawdown gate halts the session. The
// shutdown path (cancel orders, liquidate residuals, final report) always
// runs; it uses a fresh context so a cancelled signal context does not
// strand open orders.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	slog.Info("engine starting",
		"pairs", len(e.cfg.Pairs),
		"interval", e.cfg.CycleInterval,
		"iterations", e.cfg.MaxIterations,
		"initial_capital", fmt.Sprintf("%.2f", e.initialCapital),
	)

	ticker := time.NewTicker(e.cfg.CycleInterval)
	defer ticker.Stop()

	iteration := 0
	var runErr error

loop:
	for {
		iteration++
		if err := e.RunCycle(ctx); err != nil {
			if errorsIsHalt(err) {
				runErr = err
				break loop
			}
			slog.Error("cycle failed", "iteration", iteration, "err", err)
		} else {
			slog.Info("cycle complete", "iteration", iteration)
		}

		if e.cfg.MaxIterations > 0 && iteration >= e.cfg.MaxIterations {
			slog.Info("iteration budget spent", "iterations", iteration)
			break loop
		}

		select {
		case <-ctx.Done():
			slog.Info("stop signal received", "iterations", iteration)
			break loop
		case <-ticker.C:
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	report := e.Shutdown(shutdownCtx)
	return report, runErr
}

// RunCycle executes one full trading cycle.
func (e *Engine) RunCycle(ctx context.Context) error {
	start := e.clock()

	// 1. Global halt check. Failing closed here ends the session.
	if ok, reason := e.gate.CheckDrawdown(e.ledgers, e.lastPrices); !ok {
		metrics.RiskRejections.WithLabelValues("drawdown").Inc()
		e.notifier.Notify(ctx, "trading halted: "+reason)
		slog.Error("risk gate halt", "reason", reason)
		return fmt.Errorf("%s: %w", reason, domain.ErrRiskHalt)
	}

	// 2. Score and select pairs under the concurrency limit.
	scan := e.alloc.Scan(ctx)
	for pair, price := range scan.RefPrices {
		if price > 0 {
			e.lastPrices[pair] = price
		}
	}

	limit := e.gate.OptimalConcurrency(e.ledgers)
	selected := allocator.Select(scan.Eligible, limit)
	allocator.Reallocate(e.ledgers, selected, []string{e.primary.Name(), e.secondary.Name()})

	if len(selected) > 0 {
		e.notifier.Notify(ctx, fmt.Sprintf("selected %d pairs (limit %d): %s",
			len(selected), limit, pairNames(selected)))
	}

	// 3. Per-pair gates; a failed check skips the pair, not the cycle.
	var runnable []domain.CandidateScore
	for _, c := range selected {
		ledger := e.ledgers[c.Pair]
		window := scan.Windows[c.Pair]

		if ok, reason := e.gate.CheckDailyLoss(ctx, c.Pair, ledger, e.primary.Name(), c.ATR, c.Spread, window); !ok {
			metrics.RiskRejections.WithLabelValues("daily_loss").Inc()
			slog.Warn("pair paused until next day", "pair", c.Pair, "reason", reason)
			e.notifier.Notify(ctx, reason)
			continue
		}
		if ok, reason := e.gate.CheckVolatility(c.Pair, c.ATR, domain.AvgClose(window)); !ok {
			metrics.RiskRejections.WithLabelValues("volatility").Inc()
			slog.Warn("pair paused", "pair", c.Pair, "reason", reason)
			e.notifier.Notify(ctx, reason)
			continue
		}
		if e.queues[c.Pair].len() >= limit {
			metrics.RiskRejections.WithLabelValues("order_cap").Inc()
			slog.Warn("open order cap reached", "pair", c.Pair, "open", e.queues[c.Pair].len(), "cap", limit)
			continue
		}
		runnable = append(runnable, c)
	}

	// 4. Fan out one task per pair; failures stay inside their task.
	var wg sync.WaitGroup
	for _, c := range runnable {
		wg.Add(1)
		go func(c domain.CandidateScore) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					slog.Error("pair task panicked", "pair", c.Pair, "panic", r)
				}
			}()
			if err := e.tradePair(ctx, c, scan.Windows[c.Pair]); err != nil {
				slog.Warn("pair task failed", "pair", c.Pair, "err", err)
			}
		}(c)
	}
	wg.Wait()

	e.updateGauges()
	e.persist(ctx)

	metrics.Cycles.Inc()
	metrics.CycleDuration.Observe(e.clock().Sub(start).Seconds())
	return nil
}

// Equity marks the whole book to the last observed prices.
func (e *Engine) Equity() float64 {
	var total float64
	for pair, ledger := range e.ledgers {
		total += ledger.MarkToMarket(e.lastPrices[pair])
	}
	return total
}

func (e *Engine) updateGauges() {
	metrics.Equity.Set(e.Equity())
	for _, pair := range e.cfg.Pairs {
		metrics.DailyLoss.WithLabelValues(pair).Set(e.gate.DailyLoss(pair))
	}
}

// persist writes the session snapshot and the daily summary. Best effort:
// storage failures are logged, never fatal to the cycle.
func (e *Engine) persist(ctx context.Context) {
	if e.store == nil {
		return
	}

	snap := domain.SessionSnapshot{
		SavedAt:        e.clock(),
		InitialCapital: e.initialCapital,
		Ledgers:        make(map[string]domain.LedgerSnapshot, len(e.ledgers)),
		DailyLosses:    e.state.DailyLosses,
		LastResetDate:  e.state.LastResetDate,
		LossHistory:    e.state.LossHistory,
	}
	for pair, ledger := range e.ledgers {
		snap.Ledgers[pair] = ledger.Snapshot()
	}
	if err := e.store.SaveSession(ctx, snap); err != nil {
		slog.Warn("session snapshot not saved", "err", err)
	}

	var totalFees, totalLoss float64
	for _, l := range snap.Ledgers {
		totalFees += l.TotalFees
	}
	for _, loss := range e.state.DailyLosses {
		totalLoss += loss
	}
	summary := domain.DailySummary{
		Date:            e.clock().UTC().Truncate(24 * time.Hour),
		OrdersPlaced:    int(e.ordersPlaced.Load()),
		OrdersCancelled: int(e.ordersCancelled.Load()),
		Fills:           int(e.fills.Load()),
		RealizedLoss:    totalLoss,
		TotalFees:       totalFees,
		Equity:          e.Equity(),
	}
	if err := e.store.SaveDailySummary(ctx, summary); err != nil {
		slog.Warn("daily summary not saved", "err", err)
	}
}

func errorsIsHalt(err error) bool {
	return errors.Is(err, domain.ErrRiskHalt)
}

func pairNames(cs []domain.CandidateScore) string {
	names := ""
	for i, c := range cs {
		if i > 0 {
			names += ", "
		}
		names += c.Pair
	}
	return names
}
