package oracle

import (
	"context"
	"math"

	"github.com/alejandrodnm/spotbot/internal/domain"
)

// Momentum is a local predictor used when no sidecar is configured, mainly
// for paper runs. It squashes the window's recent return, normalized by
// volatility, through a logistic curve.
type Momentum struct {
	// Lookback is how many closes back the return is measured over.
	Lookback int
}

// NewMomentum returns a predictor with a 10-bar lookback.
func NewMomentum() *Momentum { return &Momentum{Lookback: 10} }

func (m *Momentum) Predict(_ context.Context, _ string, window []domain.Candle) (float64, error) {
	n := len(window)
	if n < 2 {
		return 0.5, nil
	}
	look := m.Lookback
	if look >= n {
		look = n - 1
	}
	ref := window[n-1-look].Close
	last := window[n-1].Close
	if ref <= 0 {
		return 0.5, nil
	}
	ret := (last - ref) / ref

	vol := domain.ATR(window, look)
	avg := domain.AvgClose(window)
	if vol > 0 && avg > 0 {
		ret = ret / (vol / avg)
	}
	return 1 / (1 + math.Exp(-4*ret)), nil
}

// ForecastLoss estimates expected loss as the mean realized loss scaled by
// current volatility relative to the window average. Too short a history
// forecasts nothing.
func (m *Momentum) ForecastLoss(_ context.Context, _ string, window []domain.Candle, _ float64, lossHistory []float64) (float64, error) {
	if len(lossHistory) < 3 {
		return 0, nil
	}
	var sum float64
	for _, l := range lossHistory {
		sum += l
	}
	mean := sum / float64(len(lossHistory))

	scale := 1.0
	if avg := domain.AvgClose(window); avg > 0 {
		if vol := domain.ATR(window, 14); vol > 0 {
			scale = 1 + vol/avg
		}
	}
	return mean * scale, nil
}
