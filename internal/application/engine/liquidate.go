package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alejandrodnm/spotbot/internal/domain"
)

// Report is the final profit/loss summary emitted at shutdown.
type Report struct {
	InitialCapital float64
	FinalEquity    float64
	TotalFees      float64
	Pairs          []PairReport
}

// PairReport is one pair's closing state.
type PairReport struct {
	Pair         string
	BaseQty      float64 // residual dust left unsold
	Quote        float64 // quote balance summed across venues
	TotalFees    float64
	Cost         float64
	Revenue      float64
	RealizedLoss float64
}

// PnL is the session result relative to initial capital.
func (r *Report) PnL() float64 { return r.FinalEquity - r.InitialCapital }

// Shutdown runs the termination path: cancel every open order, liquidate
// residual positions, persist the final snapshot and return the P&L report.
// In-flight orders are reconciled, not abandoned, so no order is left in an
// unknown state.
func (e *Engine) Shutdown(ctx context.Context) *Report {
	slog.Info("shutdown: draining open orders")
	e.notifier.Notify(ctx, "shutting down: cancelling open orders and liquidating positions")

	e.cancelAllOrders(ctx)
	e.liquidateResiduals(ctx)
	e.updateGauges()
	e.persist(ctx)

	report := e.buildReport()
	msg := fmt.Sprintf("session closed: P&L %.2f (equity %.2f / initial %.2f), fees %.2f",
		report.PnL(), report.FinalEquity, report.InitialCapital, report.TotalFees)
	slog.Info("shutdown complete",
		"pnl", fmt.Sprintf("%.2f", report.PnL()),
		"equity", fmt.Sprintf("%.2f", report.FinalEquity),
		"fees", fmt.Sprintf("%.2f", report.TotalFees),
	)
	e.notifier.Notify(ctx, msg)
	return report
}

// liquidateResiduals market-sells each pair's full position on the primary
// venue when its notional clears the minimum; smaller remainders are dust
// and stay on the book, logged.
func (e *Engine) liquidateResiduals(ctx context.Context) {
	for _, pair := range e.cfg.Pairs {
		ledger := e.ledgers[pair]
		baseQty, _ := ledger.Position()
		if baseQty <= 0 {
			continue
		}

		ticker, err := e.primary.FetchTicker(ctx, pair)
		if err != nil || ticker.Ask <= 0 {
			slog.Warn("liquidation skipped: no price", "pair", pair, "err", err)
			continue
		}

		notional := baseQty * ticker.Ask
		if notional < e.cfg.MinSellNotional {
			slog.Info("residual left as dust",
				"pair", pair,
				"qty", fmt.Sprintf("%.6f", baseQty),
				"notional", fmt.Sprintf("%.2f", notional),
				"min", fmt.Sprintf("%.2f", e.cfg.MinSellNotional),
			)
			continue
		}

		_, filled, price, err := e.primary.PlaceMarketOrder(ctx, pair, domain.SideSell, baseQty)
		if err != nil {
			slog.Warn("liquidation order failed", "pair", pair, "err", err)
			continue
		}

		outcome := ledger.ApplyFill(e.primary.Name(), domain.SideSell, filled, price, 0)
		if outcome.RealizedLoss > 0 {
			e.gate.RecordLoss(pair, outcome.RealizedLoss)
		}
		e.fills.Add(1)
		msg := fmt.Sprintf("%s: liquidated %.4f @ %.4f", pair, filled, price)
		slog.Info("residual liquidated", "pair", pair,
			"qty", fmt.Sprintf("%.4f", filled), "price", fmt.Sprintf("%.4f", price))
		e.notifier.Notify(ctx, msg)
	}
}

func (e *Engine) buildReport() *Report {
	report := &Report{InitialCapital: e.initialCapital}
	for _, pair := range e.cfg.Pairs {
		snap := e.ledgers[pair].Snapshot()
		var quote float64
		for _, b := range snap.QuoteBalance {
			quote += b
		}
		report.Pairs = append(report.Pairs, PairReport{
			Pair:         pair,
			BaseQty:      snap.BaseQty,
			Quote:        quote,
			TotalFees:    snap.TotalFees,
			Cost:         snap.CumulativeCost,
			Revenue:      snap.CumulativeRevenue,
			RealizedLoss: e.gate.DailyLoss(pair),
		})
		report.TotalFees += snap.TotalFees
	}
	report.FinalEquity = e.Equity()
	return report
}
