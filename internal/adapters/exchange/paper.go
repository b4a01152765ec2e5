// Package exchange contains the venue adapters: a REST client with rate
// limiting and retries, a websocket ticker cache, and an in-memory paper
// venue used for dry runs and tests.
package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alejandrodnm/spotbot/internal/domain"
)

// Paper is an in-memory venue that simulates execution against a driven
// price. Limit orders rest until the market price crosses their limit;
// market orders fill immediately at the current price. Orders here never
// touch a real exchange.
type Paper struct {
	name     string
	makerFee float64
	feeRate  float64 // taker fee charged on simulated fills

	mu       sync.Mutex
	prices   map[string]float64 // pair → last price
	candles  map[string][]domain.Candle
	balances map[string]domain.Balance
	orders   map[string]*paperOrder
}

type paperOrder struct {
	pair   string
	side   domain.Side
	qty    float64
	price  float64
	status string // open | closed | canceled
	filled float64
}

// NewPaper creates a paper venue with the given display name and fees.
func NewPaper(name string, makerFee float64) *Paper {
	return &Paper{
		name:     name,
		makerFee: makerFee,
		feeRate:  makerFee,
		prices:   make(map[string]float64),
		candles:  make(map[string][]domain.Candle),
		balances: make(map[string]domain.Balance),
		orders:   make(map[string]*paperOrder),
	}
}

// SetPrice drives the pair's market price and settles any resting limit
// orders the move crossed.
func (p *Paper) SetPrice(pair string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[pair] = price
	for _, o := range p.orders {
		if o.pair != pair || o.status != "open" {
			continue
		}
		if (o.side == domain.SideBuy && price <= o.price) ||
			(o.side == domain.SideSell && price >= o.price) {
			o.status = "closed"
			o.filled = o.qty
		}
	}
}

// SetCandles seeds the pair's candle history.
func (p *Paper) SetCandles(pair string, candles []domain.Candle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candles[pair] = candles
}

// SetBalance seeds an asset balance.
func (p *Paper) SetBalance(asset string, free float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balances[asset] = domain.Balance{Free: free}
}

func (p *Paper) Name() string { return p.name }

func (p *Paper) MakerFee(string) float64 { return p.makerFee }

func (p *Paper) FetchTicker(_ context.Context, pair string) (domain.Ticker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	price, ok := p.prices[pair]
	if !ok {
		return domain.Ticker{}, fmt.Errorf("paper %s: no price for %s", p.name, pair)
	}
	// Symmetric synthetic spread of 10 bps around the driven price.
	return domain.Ticker{Pair: pair, Bid: price * 0.9995, Ask: price * 1.0005}, nil
}

func (p *Paper) FetchOrderBook(_ context.Context, pair string, depth int) (domain.OrderBook, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	price, ok := p.prices[pair]
	if !ok {
		return domain.OrderBook{}, fmt.Errorf("paper %s: no price for %s", p.name, pair)
	}
	if depth <= 0 {
		depth = 5
	}
	book := domain.OrderBook{Pair: pair}
	for i := 0; i < depth; i++ {
		step := float64(i+1) * 0.0005
		book.Bids = append(book.Bids, domain.BookLevel{Price: price * (1 - step), Amount: 10})
		book.Asks = append(book.Asks, domain.BookLevel{Price: price * (1 + step), Amount: 10})
	}
	return book, nil
}

func (p *Paper) FetchBalance(context.Context) (map[string]domain.Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]domain.Balance, len(p.balances))
	for asset, b := range p.balances {
		out[asset] = b
	}
	return out, nil
}

func (p *Paper) FetchCandles(_ context.Context, pair, _ string, limit int) ([]domain.Candle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	candles := p.candles[pair]
	if len(candles) == 0 {
		return nil, fmt.Errorf("paper %s: no candles for %s", p.name, pair)
	}
	if limit > 0 && len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	return append([]domain.Candle(nil), candles...), nil
}

func (p *Paper) PlaceLimitOrder(_ context.Context, pair string, side domain.Side, qty, price float64) (string, error) {
	if qty <= 0 || price <= 0 {
		return "", fmt.Errorf("paper %s: invalid order qty=%f price=%f", p.name, qty, price)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	id := uuid.New().String()
	order := &paperOrder{pair: pair, side: side, qty: qty, price: price, status: "open"}

	// A marketable limit fills immediately.
	if market := p.prices[pair]; market > 0 {
		if (side == domain.SideBuy && market <= price) ||
			(side == domain.SideSell && market >= price) {
			order.status = "closed"
			order.filled = qty
		}
	}
	p.orders[id] = order
	return id, nil
}

func (p *Paper) PlaceMarketOrder(_ context.Context, pair string, side domain.Side, qty float64) (string, float64, float64, error) {
	if qty <= 0 {
		return "", 0, 0, fmt.Errorf("paper %s: invalid qty %f", p.name, qty)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	price := p.prices[pair]
	if price <= 0 {
		return "", 0, 0, fmt.Errorf("paper %s: no price for %s", p.name, pair)
	}
	id := uuid.New().String()
	p.orders[id] = &paperOrder{pair: pair, side: side, qty: qty, price: price, status: "closed", filled: qty}
	return id, qty, price, nil
}

func (p *Paper) FetchOrder(_ context.Context, id, _ string) (domain.OrderState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	order, ok := p.orders[id]
	if !ok {
		return domain.OrderState{}, fmt.Errorf("paper %s: unknown order %s", p.name, id)
	}
	fee := 0.0
	if order.status == "closed" {
		fee = order.filled * order.price * p.feeRate
	}
	return domain.OrderState{
		ID:     id,
		Status: order.status,
		Side:   order.side,
		Filled: order.filled,
		Price:  order.price,
		Fee:    fee,
	}, nil
}

func (p *Paper) CancelOrder(_ context.Context, id, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	order, ok := p.orders[id]
	if !ok {
		return fmt.Errorf("paper %s: unknown order %s", p.name, id)
	}
	if order.status == "open" {
		order.status = "canceled"
	}
	return nil
}

// SeedCandleWalk fills the pair's history with a flat synthetic series so
// the scorer has a usable window in paper mode.
func (p *Paper) SeedCandleWalk(pair string, bars int, price float64) {
	candles := make([]domain.Candle, bars)
	start := time.Now().Add(-time.Duration(bars) * 5 * time.Minute)
	for i := range candles {
		candles[i] = domain.Candle{
			Time:   start.Add(time.Duration(i) * 5 * time.Minute),
			Open:   price,
			High:   price * 1.001,
			Low:    price * 0.999,
			Close:  price,
			Volume: 100,
		}
	}
	p.SetCandles(pair, candles)
	p.SetPrice(pair, price)
}
