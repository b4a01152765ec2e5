package ports

import (
	"context"

	"github.com/alejandrodnm/spotbot/internal/domain"
)

// Predictor is the external scoring oracle. Synchronous request/response,
// no side effects; training and feature engineering are out of scope.
type Predictor interface {
	// Predict returns a probability in [0,1] that the pair's price rises
	// over the next bar, given the recent candle window.
	Predict(ctx context.Context, pair string, window []domain.Candle) (float64, error)
}

// LossForecaster estimates expected loss for the adaptive daily-loss limit.
// Implementations may return 0 when the loss history is too short to
// forecast from.
type LossForecaster interface {
	// ForecastLoss returns an expected quote-currency loss for the pair
	// given its recent window, current spread and the realized loss history.
	ForecastLoss(ctx context.Context, pair string, window []domain.Candle, spread float64, lossHistory []float64) (float64, error)
}
