// Package metrics exposes the Prometheus instrumentation the engine updates
// during operation:
//   - bot_orders_total{venue,side}        – orders placed
//   - bot_fills_total{venue,side}         – fills reconciled into the ledger
//   - bot_order_timeouts_total{venue}     – stale orders cancelled
//   - bot_risk_rejections_total{check}    – pairs skipped by a risk check
//   - bot_stop_losses_total{rule}         – stop-loss exits by rule (fixed|atr)
//   - bot_equity_usd                      – current mark-to-market equity
//   - bot_daily_loss_usd{pair}            – accumulated daily loss per pair
//   - bot_cycle_duration_seconds          – trading cycle wall time
//   - bot_cycles_total                    – completed cycles
//
// Served at /metrics by the HTTP handler started in cmd/trader.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	OrdersPlaced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_orders_total",
			Help: "Orders placed",
		},
		[]string{"venue", "side"},
	)

	Fills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_fills_total",
			Help: "Fills reconciled into the ledger",
		},
		[]string{"venue", "side"},
	)

	OrderTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_order_timeouts_total",
			Help: "Orders cancelled after exceeding their staleness timeout",
		},
		[]string{"venue"},
	)

	RiskRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_risk_rejections_total",
			Help: "Pairs skipped by a risk gate check",
		},
		[]string{"check"}, // drawdown | daily_loss | volatility | order_cap
	)

	StopLosses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_stop_losses_total",
			Help: "Stop-loss exits by triggering rule",
		},
		[]string{"rule"}, // fixed | atr
	)

	Equity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_equity_usd",
			Help: "Mark-to-market equity in quote currency",
		},
	)

	DailyLoss = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bot_daily_loss_usd",
			Help: "Accumulated realized loss for the current day",
		},
		[]string{"pair"},
	)

	CycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bot_cycle_duration_seconds",
			Help:    "Trading cycle wall time",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		},
	)

	Cycles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bot_cycles_total",
			Help: "Completed trading cycles",
		},
	)
)

func init() {
	prometheus.MustRegister(
		OrdersPlaced,
		Fills,
		OrderTimeouts,
		RiskRejections,
		StopLosses,
		Equity,
		DailyLoss,
		CycleDuration,
		Cycles,
	)
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
