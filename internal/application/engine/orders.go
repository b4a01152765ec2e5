package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alejandrodnm/spotbot/internal/domain"
	"github.com/alejandrodnm/spotbot/internal/metrics"
	"github.com/alejandrodnm/spotbot/internal/ports"
)

// orderQueue holds a pair's open orders. Within a cycle exactly one task
// touches a pair's queue, and the shutdown path runs after all tasks have
// joined, so no lock is needed.
type orderQueue struct {
	orders []domain.OpenOrder
}

func (q *orderQueue) len() int { return len(q.orders) }

func (q *orderQueue) add(o domain.OpenOrder) { q.orders = append(q.orders, o) }

func (q *orderQueue) remove(id string) {
	for i, o := range q.orders {
		if o.ID == id {
			q.orders = append(q.orders[:i], q.orders[i+1:]...)
			return
		}
	}
}

// reconcileOrders polls the venue for every open order of the pair placed on
// it. Filled orders are applied to the ledger and leave the queue; orders
// older than the ATR-scaled timeout are cancelled. A transient fetch failure
// leaves the order in place for the next cycle.
func (e *Engine) reconcileOrders(ctx context.Context, ex ports.Exchange, pair string, atr float64) {
	queue := e.queues[pair]
	timeout := domain.OrderTimeout(atr)

	for _, order := range append([]domain.OpenOrder(nil), queue.orders...) {
		if order.Venue != ex.Name() {
			continue
		}

		state, err := ex.FetchOrder(ctx, order.ExchangeOrderID, pair)
		if err != nil {
			slog.Warn("order status unavailable", "pair", pair, "order", order.ExchangeOrderID, "err", err)
			continue
		}

		switch {
		case state.Closed():
			e.applyFill(ctx, ex, pair, order, state)
			queue.remove(order.ID)

		case state.Canceled():
			queue.remove(order.ID)
			e.ordersCancelled.Add(1)
			slog.Info("order cancelled by venue", "pair", pair, "order", order.ExchangeOrderID)

		case order.Age(e.clock()) > timeout:
			if err := ex.CancelOrder(ctx, order.ExchangeOrderID, pair); err != nil {
				slog.Warn("stale order cancel failed", "pair", pair, "order", order.ExchangeOrderID, "err", err)
				continue
			}
			queue.remove(order.ID)
			e.ordersCancelled.Add(1)
			metrics.OrderTimeouts.WithLabelValues(ex.Name()).Inc()
			msg := fmt.Sprintf("%s: order %s expired after %.1f min (ATR %.2f), cancelled",
				pair, order.ExchangeOrderID, timeout.Minutes(), atr)
			slog.Info("stale order cancelled", "pair", pair, "order", order.ExchangeOrderID, "timeout", timeout)
			e.notifier.Notify(ctx, msg)
		}
	}
}

// applyFill reconciles a confirmed fill: ledger mutation, realized-loss
// accounting, fill log and notification.
func (e *Engine) applyFill(ctx context.Context, ex ports.Exchange, pair string, order domain.OpenOrder, state domain.OrderState) {
	ledger := e.ledgers[pair]
	outcome := ledger.ApplyFill(ex.Name(), order.Side, state.Filled, state.Price, state.Fee)

	if outcome.BaseShortfall > 0 {
		slog.Error("reconciliation anomaly: sell exceeded held position",
			"pair", pair, "order", order.ExchangeOrderID, "shortfall", outcome.BaseShortfall)
	}
	if outcome.QuoteShortfall > 0 {
		slog.Error("reconciliation anomaly: buy cost exceeded quote balance",
			"pair", pair, "order", order.ExchangeOrderID, "shortfall", outcome.QuoteShortfall)
	}
	if outcome.RealizedLoss > 0 {
		e.gate.RecordLoss(pair, outcome.RealizedLoss)
	}

	e.fills.Add(1)
	metrics.Fills.WithLabelValues(ex.Name(), string(order.Side)).Inc()

	if e.store != nil {
		fill := domain.FillRecord{
			Pair:  pair,
			Venue: ex.Name(),
			Side:  order.Side,
			Qty:   state.Filled,
			Price: state.Price,
			Fee:   state.Fee,
			Time:  e.clock(),
		}
		if err := e.store.SaveFill(ctx, fill); err != nil {
			slog.Warn("fill not persisted", "pair", pair, "err", err)
		}
	}

	msg := fmt.Sprintf("%s: order %s filled, %s %.4f @ %.4f, fee %.2f",
		pair, order.ExchangeOrderID, order.Side, state.Filled, state.Price, state.Fee)
	slog.Info("order filled",
		"pair", pair,
		"venue", ex.Name(),
		"side", order.Side,
		"qty", fmt.Sprintf("%.4f", state.Filled),
		"price", fmt.Sprintf("%.4f", state.Price),
	)
	e.notifier.Notify(ctx, msg)
}

// placeLimit submits a limit order after the capital guard: the required
// notional must not exceed the pair's available quote balance on the venue.
// A violation is a warning no-op, never a partial order.
func (e *Engine) placeLimit(ctx context.Context, ex ports.Exchange, pair string, side domain.Side, qty, price float64) (domain.OpenOrder, error) {
	var zero domain.OpenOrder
	if qty <= 0 || price <= 0 {
		return zero, fmt.Errorf("placeLimit %s: non-positive qty %.8f or price %.8f", pair, qty, price)
	}

	if side == domain.SideBuy {
		required := qty * price
		available := e.ledgers[pair].Quote(ex.Name())
		if required > available {
			slog.Warn("entry skipped: required capital exceeds balance",
				"pair", pair, "venue", ex.Name(),
				"required", fmt.Sprintf("%.2f", required),
				"available", fmt.Sprintf("%.2f", available))
			return zero, fmt.Errorf("placeLimit %s: need %.2f, have %.2f: %w",
				pair, required, available, domain.ErrInsufficientBalance)
		}
	}

	id, err := ex.PlaceLimitOrder(ctx, pair, side, qty, price)
	if err != nil {
		return zero, fmt.Errorf("placeLimit %s on %s: %w", pair, ex.Name(), err)
	}

	order := domain.OpenOrder{
		ID:              uuid.New().String(),
		ExchangeOrderID: id,
		Pair:            pair,
		Venue:           ex.Name(),
		Side:            side,
		RequestedAmount: qty,
		Price:           price,
		SubmittedAt:     e.clock(),
	}
	e.queues[pair].add(order)
	e.ordersPlaced.Add(1)
	metrics.OrdersPlaced.WithLabelValues(ex.Name(), string(side)).Inc()
	return order, nil
}

// cancelAllOrders drains every pair's queue during shutdown, reconciling
// fills that landed in the meantime. Orders that are still open get
// cancelled; a venue that keeps failing is given up on after a few passes
// so shutdown cannot hang.
func (e *Engine) cancelAllOrders(ctx context.Context) {
	const maxPasses = 5
	for pass := 0; pass < maxPasses; pass++ {
		remaining := 0
		for _, pair := range e.cfg.Pairs {
			queue := e.queues[pair]
			if queue.len() == 0 {
				continue
			}
			for _, order := range append([]domain.OpenOrder(nil), queue.orders...) {
				ex := e.venueByName(order.Venue)
				if ex == nil {
					queue.remove(order.ID)
					continue
				}

				state, err := ex.FetchOrder(ctx, order.ExchangeOrderID, pair)
				if err == nil && state.Closed() {
					e.applyFill(ctx, ex, pair, order, state)
					queue.remove(order.ID)
					continue
				}
				if err := ex.CancelOrder(ctx, order.ExchangeOrderID, pair); err != nil {
					if errors.Is(err, context.Canceled) {
						return
					}
					slog.Warn("shutdown cancel failed", "pair", pair, "order", order.ExchangeOrderID, "err", err)
					continue
				}
				queue.remove(order.ID)
				e.ordersCancelled.Add(1)
			}
			remaining += queue.len()
		}
		if remaining == 0 {
			return
		}
		time.Sleep(time.Second)
	}
	slog.Warn("shutdown: some orders could not be cancelled")
}

func (e *Engine) venueByName(name string) ports.Exchange {
	switch name {
	case e.primary.Name():
		return e.primary
	case e.secondary.Name():
		return e.secondary
	}
	return nil
}
