package allocator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/spotbot/internal/domain"
)

// fakeVenue is a scripted exchange for scan tests.
type fakeVenue struct {
	name     string
	tickers  map[string]domain.Ticker
	candles  map[string][]domain.Candle
	makerFee float64
}

func (f *fakeVenue) Name() string            { return f.name }
func (f *fakeVenue) MakerFee(string) float64 { return f.makerFee }

func (f *fakeVenue) FetchTicker(_ context.Context, pair string) (domain.Ticker, error) {
	t, ok := f.tickers[pair]
	if !ok {
		return domain.Ticker{}, errors.New("no ticker")
	}
	return t, nil
}

func (f *fakeVenue) FetchCandles(_ context.Context, pair, _ string, _ int) ([]domain.Candle, error) {
	c, ok := f.candles[pair]
	if !ok {
		return nil, errors.New("no candles")
	}
	return c, nil
}

func (f *fakeVenue) FetchOrderBook(context.Context, string, int) (domain.OrderBook, error) {
	return domain.OrderBook{}, errors.New("not scripted")
}
func (f *fakeVenue) FetchBalance(context.Context) (map[string]domain.Balance, error) {
	return nil, errors.New("not scripted")
}
func (f *fakeVenue) PlaceLimitOrder(context.Context, string, domain.Side, float64, float64) (string, error) {
	return "", errors.New("not scripted")
}
func (f *fakeVenue) PlaceMarketOrder(context.Context, string, domain.Side, float64) (string, float64, float64, error) {
	return "", 0, 0, errors.New("not scripted")
}
func (f *fakeVenue) FetchOrder(context.Context, string, string) (domain.OrderState, error) {
	return domain.OrderState{}, errors.New("not scripted")
}
func (f *fakeVenue) CancelOrder(context.Context, string, string) error {
	return errors.New("not scripted")
}

type fakePredictor struct {
	probs map[string]float64
}

func (f fakePredictor) Predict(_ context.Context, pair string, _ []domain.Candle) (float64, error) {
	p, ok := f.probs[pair]
	if !ok {
		return 0, errors.New("no prediction")
	}
	return p, nil
}

func flatWindow(n int, price float64) []domain.Candle {
	out := make([]domain.Candle, n)
	for i := range out {
		out[i] = domain.Candle{Open: price, High: price * 1.01, Low: price * 0.99, Close: price}
	}
	return out
}

func newScanFixture(probs map[string]float64) (*Allocator, *fakeVenue, *fakeVenue) {
	pairs := []string{"ETH/USDT", "SOL/USDT", "XRP/USDT"}
	a := &fakeVenue{
		name: "venue-a", makerFee: 0.001,
		tickers: map[string]domain.Ticker{
			"ETH/USDT": {Pair: "ETH/USDT", Bid: 100, Ask: 100.1},
			"SOL/USDT": {Pair: "SOL/USDT", Bid: 50, Ask: 50.05},
			"XRP/USDT": {Pair: "XRP/USDT", Bid: 1, Ask: 1.001},
		},
		candles: map[string][]domain.Candle{
			"ETH/USDT": flatWindow(30, 100),
			"SOL/USDT": flatWindow(30, 50),
			"XRP/USDT": flatWindow(30, 1),
		},
	}
	b := &fakeVenue{
		name: "venue-b", makerFee: 0.001,
		tickers: map[string]domain.Ticker{
			"ETH/USDT": {Pair: "ETH/USDT", Bid: 101.5, Ask: 101.6}, // 1.5% above A
			"SOL/USDT": {Pair: "SOL/USDT", Bid: 50, Ask: 50.05},    // no spread
			"XRP/USDT": {Pair: "XRP/USDT", Bid: 1, Ask: 1.001},     // no spread
		},
	}
	alloc := New(Config{
		Pairs:               pairs,
		SafetyMargin:        0.005,
		PredictionThreshold: 0.7,
		CandleLimit:         30,
		ATRPeriod:           14,
		Workers:             2,
	}, a, b, fakePredictor{probs: probs})
	return alloc, a, b
}

func TestScan_RanksBySpreadAndProbability(t *testing.T) {
	alloc, _, _ := newScanFixture(map[string]float64{
		"ETH/USDT": 0.4,  // eligible via 1.5% spread
		"SOL/USDT": 0.8,  // eligible via probability
		"XRP/USDT": 0.2,  // neither
	})

	res := alloc.Scan(context.Background())

	require.Len(t, res.Eligible, 2)
	// Spread dominates the composite: ETH first.
	assert.Equal(t, "ETH/USDT", res.Eligible[0].Pair)
	assert.Equal(t, "SOL/USDT", res.Eligible[1].Pair)

	// Every scored pair contributes a reference price and window.
	assert.Len(t, res.RefPrices, 3)
	assert.InDelta(t, 100.05, res.RefPrices["ETH/USDT"], 1e-9)
	assert.Len(t, res.Windows["SOL/USDT"], 30)
}

func TestScan_SkipsUnfetchablePair(t *testing.T) {
	alloc, a, _ := newScanFixture(map[string]float64{
		"ETH/USDT": 0.8, "SOL/USDT": 0.8, "XRP/USDT": 0.8,
	})
	delete(a.tickers, "SOL/USDT")

	res := alloc.Scan(context.Background())

	assert.Len(t, res.Eligible, 2) // SOL skipped, cycle survives
	_, ok := res.RefPrices["SOL/USDT"]
	assert.False(t, ok)
}

func TestScan_ShortWindowIsStale(t *testing.T) {
	alloc, a, _ := newScanFixture(map[string]float64{"ETH/USDT": 0.8})
	a.candles["ETH/USDT"] = flatWindow(5, 100) // fewer than ATR period + 1

	res := alloc.Scan(context.Background())

	for _, c := range res.Eligible {
		assert.NotEqual(t, "ETH/USDT", c.Pair)
	}
}

func TestSelect(t *testing.T) {
	candidates := []domain.CandidateScore{
		{Pair: "A", Composite: 3}, {Pair: "B", Composite: 2}, {Pair: "C", Composite: 1},
	}
	assert.Len(t, Select(candidates, 2), 2)
	assert.Equal(t, "A", Select(candidates, 2)[0].Pair)
	assert.Len(t, Select(candidates, 10), 3)
	assert.Empty(t, Select(candidates, 0))
}

func TestReallocate(t *testing.T) {
	ledgers := map[string]*domain.PairLedger{
		"A": domain.NewPairLedger(map[string]float64{"venue-a": 300}),
		"B": domain.NewPairLedger(map[string]float64{"venue-a": 200}),
		"C": domain.NewPairLedger(map[string]float64{"venue-a": 100}),
	}
	selected := []domain.CandidateScore{{Pair: "B"}, {Pair: "C"}}

	Reallocate(ledgers, selected, []string{"venue-a"})

	// Total 600 split 2/3 vs 1/3 by harmonic rank.
	assert.InDelta(t, 400.0, ledgers["B"].Quote("venue-a"), 1e-9)
	assert.InDelta(t, 200.0, ledgers["C"].Quote("venue-a"), 1e-9)
	assert.Zero(t, ledgers["A"].Quote("venue-a"))

	// Conservation: the venue total is unchanged.
	total := ledgers["A"].Quote("venue-a") + ledgers["B"].Quote("venue-a") + ledgers["C"].Quote("venue-a")
	assert.InDelta(t, 600.0, total, 1e-9)
}

func TestReallocate_KeepsPositions(t *testing.T) {
	ledger := domain.NewPairLedger(map[string]float64{"venue-a": 100})
	ledger.ApplyFill("venue-a", domain.SideBuy, 2, 10, 0)
	ledgers := map[string]*domain.PairLedger{"A": ledger}

	Reallocate(ledgers, nil, []string{"venue-a"})

	qty, entry := ledger.Position()
	assert.Equal(t, 2.0, qty) // base position untouched
	assert.Equal(t, 10.0, entry)
	assert.Zero(t, ledger.Quote("venue-a"))
}
