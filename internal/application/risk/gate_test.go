package risk

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/alejandrodnm/spotbot/internal/domain"
)

func newTestGate(cfg Config, capital float64) *Gate {
	return New(cfg, capital, NewState(time.Now()), nil)
}

func ledgersWith(quote float64) map[string]*domain.PairLedger {
	return map[string]*domain.PairLedger{
		"ETH/USDT": domain.NewPairLedger(map[string]float64{"venue-a": quote}),
	}
}

func TestCheckDrawdown(t *testing.T) {
	g := newTestGate(Config{MaxDrawdown: 0.05}, 1000)

	// Book worth 960: 4% down, within the 5% limit.
	ok, _ := g.CheckDrawdown(ledgersWith(960), nil)
	assert.True(t, ok)

	// Book worth 940: 6% down, halt.
	ok, reason := g.CheckDrawdown(ledgersWith(940), nil)
	assert.False(t, ok)
	assert.Contains(t, reason, "6.0%")
}

func TestCheckDrawdown_MarksPositions(t *testing.T) {
	g := newTestGate(Config{MaxDrawdown: 0.05}, 1000)

	ledger := domain.NewPairLedger(map[string]float64{"venue-a": 800})
	ledger.ApplyFill("venue-a", domain.SideBuy, 2, 100, 0) // 600 quote + 2 base
	ledgers := map[string]*domain.PairLedger{"ETH/USDT": ledger}

	// Marked at 100: 600 + 200 = 800 → 20% drawdown.
	ok, _ := g.CheckDrawdown(ledgers, map[string]float64{"ETH/USDT": 100})
	assert.False(t, ok)

	// Marked at 220: 600 + 440 = 1040 → no drawdown.
	ok, _ = g.CheckDrawdown(ledgers, map[string]float64{"ETH/USDT": 220})
	assert.True(t, ok)
}

func TestCheckDrawdown_NoCapital(t *testing.T) {
	g := newTestGate(Config{MaxDrawdown: 0.05}, 0)
	ok, _ := g.CheckDrawdown(ledgersWith(100), nil)
	assert.False(t, ok) // fails closed
}

func TestCheckDailyLoss(t *testing.T) {
	g := newTestGate(Config{
		BaseDailyLossLimit:  0.02,
		VolatilityThreshold: 0.05,
	}, 1000)
	ledger := domain.NewPairLedger(map[string]float64{"venue-a": 500})

	// No losses yet.
	ok, _ := g.CheckDailyLoss(context.Background(), "ETH/USDT", ledger, "venue-a", 0, 0.01, nil)
	assert.True(t, ok)

	// Limit with zero ATR is 500 × 0.02 = 10. Record 11 and the pair pauses.
	g.RecordLoss("ETH/USDT", 11)
	ok, reason := g.CheckDailyLoss(context.Background(), "ETH/USDT", ledger, "venue-a", 0, 0.01, nil)
	assert.False(t, ok)
	assert.Contains(t, reason, "daily loss limit")
}

func TestCheckDailyLoss_VolatilityDamping(t *testing.T) {
	g := newTestGate(Config{
		BaseDailyLossLimit:  0.02,
		VolatilityThreshold: 0.05,
	}, 1000)
	ledger := domain.NewPairLedger(map[string]float64{"venue-a": 500})

	// ATR 25 halves the damping: 1 − 25/(1000×0.05) = 0.5, limit 500×0.01 = 5.
	g.RecordLoss("ETH/USDT", 7)
	ok, _ := g.CheckDailyLoss(context.Background(), "ETH/USDT", ledger, "venue-a", 25, 0.01, nil)
	assert.False(t, ok)

	// Same loss passes with no volatility (limit 10).
	ok, _ = g.CheckDailyLoss(context.Background(), "ETH/USDT", ledger, "venue-a", 0, 0.01, nil)
	assert.True(t, ok)
}

type fixedForecaster struct{ loss float64 }

func (f fixedForecaster) ForecastLoss(context.Context, string, []domain.Candle, float64, []float64) (float64, error) {
	return f.loss, nil
}

func TestCheckDailyLoss_ForecastRaisesLimit(t *testing.T) {
	cfg := Config{
		BaseDailyLossLimit:  0.02,
		VolatilityThreshold: 0.05,
		ForecastMultiplier:  1.5,
	}
	// Forecast 8 → adaptive limit 8/500 × 1.5 = 0.024 > base 0.02,
	// so a 11-loss passes where the base limit (10) would pause.
	g := New(cfg, 1000, NewState(time.Now()), fixedForecaster{loss: 8})
	ledger := domain.NewPairLedger(map[string]float64{"venue-a": 500})

	g.RecordLoss("ETH/USDT", 11)
	ok, _ := g.CheckDailyLoss(context.Background(), "ETH/USDT", ledger, "venue-a", 0, 0.01, nil)
	assert.True(t, ok)

	// But 13 exceeds even the adaptive limit of 12.
	g.RecordLoss("ETH/USDT", 2)
	ok, _ = g.CheckDailyLoss(context.Background(), "ETH/USDT", ledger, "venue-a", 0, 0.01, nil)
	assert.False(t, ok)
}

func TestDailyLossResetsOnDateRollover(t *testing.T) {
	g := newTestGate(Config{BaseDailyLossLimit: 0.02, VolatilityThreshold: 0.05}, 1000)

	day1 := time.Date(2026, 3, 1, 23, 50, 0, 0, time.UTC)
	now := day1
	g.SetClock(func() time.Time { return now })
	g.state.LastResetDate = day1.Format("2006-01-02")

	g.RecordLoss("ETH/USDT", 50)
	assert.Equal(t, 50.0, g.DailyLoss("ETH/USDT"))

	// Ten minutes later the date changed: counters reset even though far
	// less than 24h elapsed.
	now = day1.Add(10 * time.Minute)
	assert.Zero(t, g.DailyLoss("ETH/USDT"))

	// Same date, no second reset.
	g.RecordLoss("ETH/USDT", 5)
	now = now.Add(time.Hour)
	assert.Equal(t, 5.0, g.DailyLoss("ETH/USDT"))
}

func TestCheckVolatility(t *testing.T) {
	g := newTestGate(Config{VolatilityThreshold: 0.05}, 1000)

	ok, _ := g.CheckVolatility("ETH/USDT", 4, 100) // 4%
	assert.True(t, ok)

	ok, reason := g.CheckVolatility("ETH/USDT", 6, 100) // 6%
	assert.False(t, ok)
	assert.Contains(t, reason, "volatility too high")

	ok, _ = g.CheckVolatility("ETH/USDT", 1, 0) // no price data
	assert.False(t, ok)
}

func TestOptimalConcurrency(t *testing.T) {
	g := newTestGate(Config{MinOrderNotional: 10, MaxConcurrentPairs: 4}, 1000)

	// 60 total / (2×10) = 3 slots.
	assert.Equal(t, 3, g.OptimalConcurrency(ledgersWith(60)))

	// Plenty of capital caps at MaxConcurrentPairs.
	assert.Equal(t, 4, g.OptimalConcurrency(ledgersWith(10000)))

	// Nearly broke still gets one slot.
	assert.Equal(t, 1, g.OptimalConcurrency(ledgersWith(5)))
}

func TestRecordLoss_IgnoresNonPositive(t *testing.T) {
	g := newTestGate(Config{}, 1000)
	g.RecordLoss("ETH/USDT", 0)
	g.RecordLoss("ETH/USDT", -3)
	assert.Zero(t, g.DailyLoss("ETH/USDT"))
}
