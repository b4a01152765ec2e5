package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/spotbot/internal/application/risk"
	"github.com/alejandrodnm/spotbot/internal/domain"
	"github.com/alejandrodnm/spotbot/internal/metrics"
)

// scriptedVenue is a controllable exchange for engine tests: order states
// are set by the test, placements and cancels are recorded.
type scriptedVenue struct {
	mu     sync.Mutex
	name   string
	ticker domain.Ticker
	book   domain.OrderBook

	orderStates map[string]domain.OrderState
	nextID      int
	placed      []string // venue order ids, in placement order
	cancelled   []string
	marketSells []float64
	placeErr    error
}

func newScriptedVenue(name string) *scriptedVenue {
	return &scriptedVenue{name: name, orderStates: make(map[string]domain.OrderState)}
}

func (v *scriptedVenue) Name() string            { return v.name }
func (v *scriptedVenue) MakerFee(string) float64 { return 0.001 }

func (v *scriptedVenue) FetchTicker(context.Context, string) (domain.Ticker, error) {
	return v.ticker, nil
}

func (v *scriptedVenue) FetchOrderBook(context.Context, string, int) (domain.OrderBook, error) {
	return v.book, nil
}

func (v *scriptedVenue) FetchBalance(context.Context) (map[string]domain.Balance, error) {
	return map[string]domain.Balance{}, nil
}

func (v *scriptedVenue) FetchCandles(context.Context, string, string, int) ([]domain.Candle, error) {
	return nil, errors.New("not scripted")
}

func (v *scriptedVenue) PlaceLimitOrder(_ context.Context, _ string, side domain.Side, qty, price float64) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.placeErr != nil {
		return "", v.placeErr
	}
	v.nextID++
	id := fmt.Sprintf("%s-%d", v.name, v.nextID)
	v.placed = append(v.placed, id)
	v.orderStates[id] = domain.OrderState{ID: id, Status: "open", Side: side, Price: price}
	return id, nil
}

func (v *scriptedVenue) PlaceMarketOrder(_ context.Context, _ string, side domain.Side, qty float64) (string, float64, float64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if side == domain.SideSell {
		v.marketSells = append(v.marketSells, qty)
	}
	return "mkt", qty, v.ticker.Ask, nil
}

func (v *scriptedVenue) FetchOrder(_ context.Context, id, _ string) (domain.OrderState, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	state, ok := v.orderStates[id]
	if !ok {
		return domain.OrderState{}, errors.New("unknown order")
	}
	return state, nil
}

func (v *scriptedVenue) CancelOrder(_ context.Context, id, _ string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cancelled = append(v.cancelled, id)
	state := v.orderStates[id]
	state.Status = "canceled"
	v.orderStates[id] = state
	return nil
}

func (v *scriptedVenue) setOrderState(id string, s domain.OrderState) {
	v.mu.Lock()
	defer v.mu.Unlock()
	s.ID = id
	v.orderStates[id] = s
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (n *recordingNotifier) Notify(_ context.Context, text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, text)
}

const testPair = "ETH/USDT"

func newTestEngine(t *testing.T, primary, secondary *scriptedVenue, quoteA, quoteB float64) (*Engine, *recordingNotifier) {
	t.Helper()
	ledgers := map[string]*domain.PairLedger{
		testPair: domain.NewPairLedger(map[string]float64{
			primary.Name():   quoteA,
			secondary.Name(): quoteB,
		}),
	}
	state := risk.NewState(time.Now())
	gate := risk.New(risk.Config{
		MaxDrawdown:         0.05,
		BaseDailyLossLimit:  0.02,
		VolatilityThreshold: 0.05,
		MinOrderNotional:    10,
	}, quoteA+quoteB, state, nil)

	notifier := &recordingNotifier{}
	cfg := Config{
		Pairs:            []string{testPair},
		CycleInterval:    time.Second,
		MinOrderNotional: 10,
		MinSellNotional:  10,
		FixedStopLoss:    0.03,
		EntryThreshold:   0.7,
		ExitThreshold:    0.3,
	}
	return New(cfg, primary, secondary, nil, gate, nil, notifier, nil,
		ledgers, state, quoteA+quoteB), notifier
}

func TestReconcile_StaleOrderCancelled(t *testing.T) {
	primary := newScriptedVenue("venue-a")
	secondary := newScriptedVenue("venue-b")
	e, _ := newTestEngine(t, primary, secondary, 1000, 0)

	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := t0
	e.clock = func() time.Time { return now }

	_, err := e.placeLimit(context.Background(), primary, testPair, domain.SideBuy, 1, 100)
	require.NoError(t, err)
	require.Equal(t, 1, e.queues[testPair].len())

	// ATR 1.0 keeps the floor: timeout 120s. At t0+119s the order stays.
	now = t0.Add(119 * time.Second)
	e.reconcileOrders(context.Background(), primary, testPair, 1.0)
	assert.Equal(t, 1, e.queues[testPair].len())
	assert.Empty(t, primary.cancelled)

	// At t0+121s it gets cancelled.
	now = t0.Add(121 * time.Second)
	e.reconcileOrders(context.Background(), primary, testPair, 1.0)
	assert.Equal(t, 0, e.queues[testPair].len())
	assert.Len(t, primary.cancelled, 1)
	assert.Equal(t, int64(1), e.ordersCancelled.Load())
}

func TestReconcile_FillAppliedToLedger(t *testing.T) {
	primary := newScriptedVenue("venue-a")
	secondary := newScriptedVenue("venue-b")
	e, _ := newTestEngine(t, primary, secondary, 1000, 0)

	order, err := e.placeLimit(context.Background(), primary, testPair, domain.SideBuy, 2, 100)
	require.NoError(t, err)

	primary.setOrderState(order.ExchangeOrderID, domain.OrderState{
		Status: "closed", Side: domain.SideBuy, Filled: 2, Price: 100, Fee: 0.2,
	})
	e.reconcileOrders(context.Background(), primary, testPair, 1.0)

	assert.Equal(t, 0, e.queues[testPair].len())
	qty, entry := e.ledgers[testPair].Position()
	assert.Equal(t, 2.0, qty)
	assert.Equal(t, 100.0, entry)
	assert.InDelta(t, 799.8, e.ledgers[testPair].Quote("venue-a"), 1e-9)
	assert.Equal(t, int64(1), e.fills.Load())
}

func TestReconcile_LosingSellFeedsDailyLoss(t *testing.T) {
	primary := newScriptedVenue("venue-a")
	secondary := newScriptedVenue("venue-b")
	e, _ := newTestEngine(t, primary, secondary, 1000, 0)

	e.ledgers[testPair].ApplyFill("venue-a", domain.SideBuy, 2, 100, 0)

	order, err := e.placeLimit(context.Background(), primary, testPair, domain.SideSell, 2, 95)
	require.NoError(t, err)
	primary.setOrderState(order.ExchangeOrderID, domain.OrderState{
		Status: "closed", Side: domain.SideSell, Filled: 2, Price: 95, Fee: 0.1,
	})

	e.reconcileOrders(context.Background(), primary, testPair, 1.0)

	// (100 − 95) × 2 lands in the daily-loss counter.
	assert.InDelta(t, 10.0, e.gate.DailyLoss(testPair), 1e-9)
}

func TestPlaceLimit_CapitalGuard(t *testing.T) {
	primary := newScriptedVenue("venue-a")
	secondary := newScriptedVenue("venue-b")
	e, _ := newTestEngine(t, primary, secondary, 50, 0)

	// 1 × 100 needs more than the 50 available: warning no-op.
	_, err := e.placeLimit(context.Background(), primary, testPair, domain.SideBuy, 1, 100)

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	assert.Empty(t, primary.placed)
	assert.Equal(t, 0, e.queues[testPair].len())
	assert.Equal(t, 50.0, e.ledgers[testPair].Quote("venue-a")) // untouched
}

func TestPlaceLimit_SellNotGuarded(t *testing.T) {
	primary := newScriptedVenue("venue-a")
	secondary := newScriptedVenue("venue-b")
	e, _ := newTestEngine(t, primary, secondary, 0, 0)

	// Sells consume base, not quote: no capital guard.
	_, err := e.placeLimit(context.Background(), primary, testPair, domain.SideSell, 1, 100)
	require.NoError(t, err)
	assert.Len(t, primary.placed, 1)
}

func TestLiquidateResiduals_DustLeftUnsold(t *testing.T) {
	primary := newScriptedVenue("venue-a")
	secondary := newScriptedVenue("venue-b")
	e, _ := newTestEngine(t, primary, secondary, 1000, 0)

	e.ledgers[testPair].ApplyFill("venue-a", domain.SideBuy, 0.05, 100, 0)
	primary.ticker = domain.Ticker{Pair: testPair, Bid: 99.9, Ask: 100}

	// 0.05 × 100 = 5 notional, below the 10 minimum: dust stays.
	e.liquidateResiduals(context.Background())

	assert.Empty(t, primary.marketSells)
	qty, _ := e.ledgers[testPair].Position()
	assert.Equal(t, 0.05, qty)
}

func TestLiquidateResiduals_SellsAboveMinimum(t *testing.T) {
	primary := newScriptedVenue("venue-a")
	secondary := newScriptedVenue("venue-b")
	e, _ := newTestEngine(t, primary, secondary, 1000, 0)

	e.ledgers[testPair].ApplyFill("venue-a", domain.SideBuy, 2, 100, 0)
	primary.ticker = domain.Ticker{Pair: testPair, Bid: 99.9, Ask: 100}

	e.liquidateResiduals(context.Background())

	require.Len(t, primary.marketSells, 1)
	assert.Equal(t, 2.0, primary.marketSells[0])
	qty, _ := e.ledgers[testPair].Position()
	assert.Zero(t, qty)
}

func TestPlaceArbitrage_SellLegFailureCancelsBuy(t *testing.T) {
	primary := newScriptedVenue("venue-a")
	secondary := newScriptedVenue("venue-b")
	e, _ := newTestEngine(t, primary, secondary, 1000, 1000)

	secondary.placeErr = errors.New("venue down")

	e.placeArbitrage(context.Background(), testPair, primary, 100, secondary, 101, 1)

	require.Len(t, primary.placed, 1)
	assert.Len(t, primary.cancelled, 1) // buy leg rolled back
	assert.Equal(t, 0, e.queues[testPair].len())
}

func TestPlaceArbitrage_BelowMinNotionalSkipped(t *testing.T) {
	primary := newScriptedVenue("venue-a")
	secondary := newScriptedVenue("venue-b")
	e, _ := newTestEngine(t, primary, secondary, 1000, 1000)

	// 0.05 × 100 = 5 < 10 minimum: neither leg placed.
	e.placeArbitrage(context.Background(), testPair, primary, 100, secondary, 101, 0.05)

	assert.Empty(t, primary.placed)
	assert.Empty(t, secondary.placed)
}

func TestCancelAllOrders_ReconcilesLandedFills(t *testing.T) {
	primary := newScriptedVenue("venue-a")
	secondary := newScriptedVenue("venue-b")
	e, _ := newTestEngine(t, primary, secondary, 1000, 0)

	open, err := e.placeLimit(context.Background(), primary, testPair, domain.SideBuy, 1, 100)
	require.NoError(t, err)
	filled, err := e.placeLimit(context.Background(), primary, testPair, domain.SideBuy, 1, 100)
	require.NoError(t, err)

	// One order filled while shutting down, one still open.
	primary.setOrderState(filled.ExchangeOrderID, domain.OrderState{
		Status: "closed", Side: domain.SideBuy, Filled: 1, Price: 100, Fee: 0,
	})

	e.cancelAllOrders(context.Background())

	assert.Equal(t, 0, e.queues[testPair].len())
	assert.Contains(t, primary.cancelled, open.ExchangeOrderID)
	assert.NotContains(t, primary.cancelled, filled.ExchangeOrderID)
	qty, _ := e.ledgers[testPair].Position()
	assert.Equal(t, 1.0, qty) // the landed fill reached the ledger
}

func TestRunCycle_DrawdownHaltsSession(t *testing.T) {
	primary := newScriptedVenue("venue-a")
	secondary := newScriptedVenue("venue-b")
	e, notifier := newTestEngine(t, primary, secondary, 1000, 0)

	// Drain the book below the 5% drawdown limit.
	e.ledgers[testPair].SetQuote("venue-a", 900)

	err := e.RunCycle(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRiskHalt)
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	require.NotEmpty(t, notifier.msgs)
	assert.Contains(t, notifier.msgs[0], "trading halted")
}

// capturingForecaster records the loss history it was handed.
type capturingForecaster struct {
	history  []float64
	forecast float64
}

func (f *capturingForecaster) ForecastLoss(_ context.Context, _ string, _ []domain.Candle, _ float64, lossHistory []float64) (float64, error) {
	f.history = append([]float64(nil), lossHistory...)
	return f.forecast, nil
}

func TestBestPriceAndAmount_ForecastSeesRecordedLosses(t *testing.T) {
	primary := newScriptedVenue("venue-a")
	secondary := newScriptedVenue("venue-b")
	e, _ := newTestEngine(t, primary, secondary, 1000, 0)
	e.cfg.BaseMaxPositionSize = 0.5
	e.cfg.VolatilityThreshold = 0.05
	e.cfg.BaseDailyLossLimit = 0.02
	e.cfg.BasePriceAdjustment = 0.001

	e.state.LossHistory[testPair] = []float64{4, 5, 6}
	fc := &capturingForecaster{forecast: 10}
	e.forecaster = fc

	book := domain.OrderBook{
		Pair: testPair,
		Bids: []domain.BookLevel{{Price: 100, Amount: 50}},
		Asks: []domain.BookLevel{{Price: 100.2, Amount: 50}},
	}
	window := []domain.Candle{
		{High: 101, Low: 99, Close: 100},
		{High: 101, Low: 99, Close: 100},
	}
	c := domain.CandidateScore{Pair: testPair, ATR: 1.0}

	_, damped := e.bestPriceAndAmount(context.Background(), testPair, book, domain.SideBuy, 10, 1000, c, window)
	assert.Equal(t, []float64{4, 5, 6}, fc.history)

	fc.forecast = 0
	_, undamped := e.bestPriceAndAmount(context.Background(), testPair, book, domain.SideBuy, 10, 1000, c, window)

	// forecast 10 against limit 0.02×1000=20 halves the position cap:
	// 1000×0.5×0.8×0.5/100 = 2 vs 1000×0.5×0.8/100 = 4
	assert.InDelta(t, 2.0, damped, 1e-9)
	assert.InDelta(t, 4.0, undamped, 1e-9)
}

func TestTradePair_StopLossCountedByRule(t *testing.T) {
	primary := newScriptedVenue("venue-a")
	secondary := newScriptedVenue("venue-b")
	e, _ := newTestEngine(t, primary, secondary, 1000, 0)
	e.cfg.BaseMaxPositionSize = 0.5
	e.cfg.VolatilityThreshold = 0.05
	e.cfg.BaseDailyLossLimit = 0.02

	e.ledgers[testPair].ApplyFill("venue-a", domain.SideBuy, 2, 100, 0)
	primary.book = domain.OrderBook{
		Pair: testPair,
		Bids: []domain.BookLevel{{Price: 89.8, Amount: 50}},
		Asks: []domain.BookLevel{{Price: 90, Amount: 50}},
	}
	secondary.book = primary.book

	before := testutil.ToFloat64(metrics.StopLosses.WithLabelValues("atr"))

	window := []domain.Candle{
		{High: 91, Low: 89, Close: 90},
		{High: 91, Low: 89, Close: 90},
	}
	c := domain.CandidateScore{Pair: testPair, Probability: 0.5, ATR: 3.0}
	require.NoError(t, e.tradePair(context.Background(), c, window))

	// ask 90 is under the ATR stop 100-2×3=94, so the ATR rule fires and
	// the counter label is the lowercased rule name.
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.StopLosses.WithLabelValues("atr")))
	require.NotEmpty(t, primary.placed)
}

func TestEquity(t *testing.T) {
	primary := newScriptedVenue("venue-a")
	secondary := newScriptedVenue("venue-b")
	e, _ := newTestEngine(t, primary, secondary, 500, 300)

	e.ledgers[testPair].ApplyFill("venue-a", domain.SideBuy, 2, 100, 0)
	e.lastPrices[testPair] = 110

	// 300 quote on A + 300 on B + 2×110 marked.
	assert.InDelta(t, 820.0, e.Equity(), 1e-9)
}
