package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alejandrodnm/spotbot/internal/domain"
	"github.com/alejandrodnm/spotbot/internal/metrics"
	"github.com/alejandrodnm/spotbot/internal/ports"
)

// tradePair is one pair's work for a cycle: reconcile stale orders, read
// both books, place the cross-venue arbitrage pair when the spread clears
// break-even, then apply the oracle-driven entry/exit and stop-loss rules.
// Steps are strictly sequential within the task; failures abort only this
// pair's cycle.
func (e *Engine) tradePair(ctx context.Context, c domain.CandidateScore, window []domain.Candle) error {
	pair := c.Pair
	ledger := e.ledgers[pair]

	e.reconcileOrders(ctx, e.primary, pair, c.ATR)
	e.reconcileOrders(ctx, e.secondary, pair, c.ATR)

	bookA, err := e.primary.FetchOrderBook(ctx, pair, e.cfg.DepthLevels)
	if err != nil {
		return fmt.Errorf("tradePair %s: book %s: %w", pair, e.primary.Name(), err)
	}
	bookB, err := e.secondary.FetchOrderBook(ctx, pair, e.cfg.DepthLevels)
	if err != nil {
		return fmt.Errorf("tradePair %s: book %s: %w", pair, e.secondary.Name(), err)
	}
	if bookA.BestBid() == 0 || bookA.BestAsk() == 0 || bookB.BestBid() == 0 || bookB.BestAsk() == 0 {
		return fmt.Errorf("tradePair %s: empty book: %w", pair, domain.ErrStaleData)
	}

	baseQty, entry := ledger.Position()
	quoteA := ledger.Quote(e.primary.Name())
	quoteB := ledger.Quote(e.secondary.Name())

	desired := e.desiredAmount(quoteA, bookA.BestBid())

	priceBuyA, amountBuyA := e.bestPriceAndAmount(ctx, pair, bookA, domain.SideBuy, desired, quoteA, c, window)
	priceSellA, amountSellA := e.bestPriceAndAmount(ctx, pair, bookA, domain.SideSell, desired, quoteA, c, window)
	priceBuyB, amountBuyB := e.bestPriceAndAmount(ctx, pair, bookB, domain.SideBuy, desired, quoteB, c, window)
	priceSellB, amountSellB := e.bestPriceAndAmount(ctx, pair, bookB, domain.SideSell, desired, quoteB, c, window)

	minSpread := domain.MinSpread(e.primary.MakerFee(pair), e.secondary.MakerFee(pair), e.cfg.SafetyMargin)

	// Two-leg arbitrage: buy on the cheap venue, sell on the rich one.
	// Best effort — the second leg failing leaves a one-sided position that
	// the stop-loss rules manage.
	if c.Spread > minSpread && quoteA > e.cfg.MinOrderNotional && quoteB > e.cfg.MinOrderNotional {
		if bookA.BestBid() < bookB.BestAsk() {
			amount := minFloat(quoteA/priceBuyA, quoteB/priceSellB, amountBuyA, amountSellB)
			e.placeArbitrage(ctx, pair, e.primary, priceBuyA, e.secondary, priceSellB, amount)
		} else if bookB.BestBid() < bookA.BestAsk() {
			amount := minFloat(quoteB/priceBuyB, quoteA/priceSellA, amountBuyB, amountSellA)
			e.placeArbitrage(ctx, pair, e.secondary, priceBuyB, e.primary, priceSellA, amount)
		}
	}

	// Oracle-driven entry: open or add to a long on the primary venue.
	if c.Probability > e.cfg.EntryThreshold && quoteA > e.cfg.MinOrderNotional {
		amount := minFloat(quoteA*e.cfg.TradeFraction/priceBuyA, quoteA/priceBuyA, amountBuyA)
		if _, err := e.placeLimit(ctx, e.primary, pair, domain.SideBuy, amount, priceBuyA); err != nil {
			slog.Warn("entry not placed", "pair", pair, "err", err)
		} else {
			msg := fmt.Sprintf("%s: buy %.4f @ %.4f on %s (confidence %.2f)",
				pair, amount, priceBuyA, e.primary.Name(), c.Probability)
			slog.Info("entry placed", "pair", pair, "amount", fmt.Sprintf("%.4f", amount),
				"price", fmt.Sprintf("%.4f", priceBuyA), "confidence", fmt.Sprintf("%.2f", c.Probability))
			e.notifier.Notify(ctx, msg)
		}
	} else if baseQty > 0 {
		switch {
		// Oracle-driven exit: the forecast flipped bearish.
		case c.Probability < e.cfg.ExitThreshold:
			amount := minFloat(baseQty*e.cfg.TradeFraction, baseQty, amountSellA)
			if _, err := e.placeLimit(ctx, e.primary, pair, domain.SideSell, amount, priceSellA); err != nil {
				slog.Warn("exit not placed", "pair", pair, "err", err)
			} else {
				msg := fmt.Sprintf("%s: sell %.4f @ %.4f on %s (confidence %.2f)",
					pair, amount, priceSellA, e.primary.Name(), c.Probability)
				slog.Info("exit placed", "pair", pair, "amount", fmt.Sprintf("%.4f", amount),
					"price", fmt.Sprintf("%.4f", priceSellA))
				e.notifier.Notify(ctx, msg)
			}

		// Stop-loss: either rule breached sells the whole position.
		case entry > 0:
			ask := bookA.BestAsk()
			atrStop := entry - 2*c.ATR
			fixedStop := entry * (1 - e.cfg.FixedStopLoss)
			if ask < atrStop || ask < fixedStop {
				rule := "Fixed"
				if ask < atrStop {
					rule = "ATR"
				}
				metrics.StopLosses.WithLabelValues(strings.ToLower(rule)).Inc()
				amount := minFloat(baseQty, amountSellA)
				if _, err := e.placeLimit(ctx, e.primary, pair, domain.SideSell, amount, priceSellA); err != nil {
					slog.Warn("stop-loss not placed", "pair", pair, "err", err)
				} else {
					msg := fmt.Sprintf("%s: stop-loss (%s): sell %.4f @ %.4f (entry %.2f, ATR stop %.2f, fixed stop %.2f)",
						pair, rule, amount, priceSellA, entry, atrStop, fixedStop)
					slog.Info("stop-loss placed", "pair", pair, "rule", rule,
						"entry", fmt.Sprintf("%.2f", entry), "ask", fmt.Sprintf("%.2f", ask))
					e.notifier.Notify(ctx, msg)
				}
			}
		}
	}

	slog.Info("pair cycle",
		"pair", pair,
		"base", fmt.Sprintf("%.4f", baseQty),
		e.primary.Name(), fmt.Sprintf("%.2f", ledger.Quote(e.primary.Name())),
		e.secondary.Name(), fmt.Sprintf("%.2f", ledger.Quote(e.secondary.Name())),
		"daily_loss", fmt.Sprintf("%.2f", e.gate.DailyLoss(pair)),
	)
	return nil
}

// placeArbitrage submits both legs. When the sell leg fails after the buy
// leg landed, the buy is cancelled best-effort so the book stays flat.
func (e *Engine) placeArbitrage(ctx context.Context, pair string, buyEx ports.Exchange, buyPrice float64, sellEx ports.Exchange, sellPrice, amount float64) {
	if amount <= 0 {
		return
	}
	if amount*buyPrice < e.cfg.MinOrderNotional || amount*sellPrice < e.cfg.MinOrderNotional {
		return
	}

	buyOrder, err := e.placeLimit(ctx, buyEx, pair, domain.SideBuy, amount, buyPrice)
	if err != nil {
		slog.Warn("arbitrage buy leg failed", "pair", pair, "venue", buyEx.Name(), "err", err)
		return
	}
	if _, err := e.placeLimit(ctx, sellEx, pair, domain.SideSell, amount, sellPrice); err != nil {
		slog.Warn("arbitrage sell leg failed, cancelling buy leg",
			"pair", pair, "venue", sellEx.Name(), "err", err)
		if cErr := buyEx.CancelOrder(ctx, buyOrder.ExchangeOrderID, pair); cErr != nil {
			slog.Warn("buy leg cancel failed", "pair", pair, "err", cErr)
		} else {
			e.queues[pair].remove(buyOrder.ID)
			e.ordersCancelled.Add(1)
		}
		return
	}

	msg := fmt.Sprintf("arbitrage %s: buy %.4f @ %.4f on %s, sell @ %.4f on %s",
		pair, amount, buyPrice, buyEx.Name(), sellPrice, sellEx.Name())
	slog.Info("arbitrage pair placed",
		"pair", pair,
		"buy_venue", buyEx.Name(), "buy_price", fmt.Sprintf("%.4f", buyPrice),
		"sell_venue", sellEx.Name(), "sell_price", fmt.Sprintf("%.4f", sellPrice),
		"amount", fmt.Sprintf("%.4f", amount),
	)
	e.notifier.Notify(ctx, msg)
}

// desiredAmount is the base quantity an entry aims for: a fraction of the
// pair's quote capital at the current bid.
func (e *Engine) desiredAmount(quote, bid float64) float64 {
	if bid <= 0 {
		return 0
	}
	return quote * e.cfg.TradeFraction / bid
}

// bestPriceAndAmount walks the book for a depth-aware average price and
// bounds the amount by a volatility- and forecast-damped position cap. The
// limit price is nudged away from the average in proportion to the current
// spread, divided by book depth so thin books pay a wider adjustment.
func (e *Engine) bestPriceAndAmount(ctx context.Context, pair string, book domain.OrderBook, side domain.Side, desired, quote float64, c domain.CandidateScore, window []domain.Candle) (price, amount float64) {
	avgPrice, available, depth := book.DepthAverage(side, desired, e.cfg.DepthLevels)
	if avgPrice <= 0 {
		return 0, 0
	}

	avgClose := domain.AvgClose(window)
	volatility := 0.0
	if avgClose > 0 {
		volatility = c.ATR / avgClose
	}

	depthFactor := 1.0
	if desired > 0 {
		depthFactor = minFloat(depth/desired, 1.0)
	}
	positionFactor := maxFloat(0.5, 1-volatility/e.cfg.VolatilityThreshold) * depthFactor

	lossRiskFactor := 1.0
	if e.forecaster != nil && quote > 0 {
		history := append([]float64(nil), e.state.LossHistory[pair]...)
		forecast, err := e.forecaster.ForecastLoss(ctx, pair, window, c.Spread, history)
		if err == nil && forecast > 0 {
			lossRiskFactor = maxFloat(0.5, 1-forecast/(e.cfg.BaseDailyLossLimit*quote))
		}
	}

	dynamicMax := e.cfg.BaseMaxPositionSize * positionFactor * lossRiskFactor

	ledger := e.ledgers[pair]
	baseQty, _ := ledger.Position()
	totalValue := baseQty*avgPrice + quote
	maxAllowed := totalValue * dynamicMax / avgPrice
	amount = minFloat(available, maxAllowed)

	spread := 0.0
	if bid := book.BestBid(); bid > 0 && book.BestAsk() > 0 {
		spread = (book.BestAsk() - bid) / bid
	}
	adjustmentFactor := minFloat(maxFloat(spread*10, 0.5), 2.0)
	adjustment := e.cfg.BasePriceAdjustment * adjustmentFactor
	if depthFactor > 0 {
		adjustment /= depthFactor
	}

	if side == domain.SideBuy {
		price = avgPrice * (1 + adjustment)
	} else {
		price = avgPrice * (1 - adjustment)
	}
	return price, amount
}

func minFloat(values ...float64) float64 {
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
