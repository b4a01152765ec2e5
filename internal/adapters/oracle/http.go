// Package oracle contains the prediction adapters: an HTTP client for the
// external scoring sidecar and a local momentum fallback for paper runs.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/alejandrodnm/spotbot/internal/domain"
)

// HTTP talks to the scoring sidecar over JSON. One POST per prediction;
// the sidecar owns the model, this client owns nothing but the transport.
type HTTP struct {
	base string
	http *http.Client
}

// NewHTTP creates a sidecar client for the given base URL.
func NewHTTP(base string) *HTTP {
	return &HTTP{
		base: base,
		http: &http.Client{Timeout: 5 * time.Second},
	}
}

type candlePayload struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

func encodeWindow(window []domain.Candle) []candlePayload {
	out := make([]candlePayload, len(window))
	for i, c := range window {
		out[i] = candlePayload{
			Time:   c.Time.UnixMilli(),
			Open:   c.Open,
			High:   c.High,
			Low:    c.Low,
			Close:  c.Close,
			Volume: c.Volume,
		}
	}
	return out
}

// Predict asks the sidecar for the pair's upside probability.
func (h *HTTP) Predict(ctx context.Context, pair string, window []domain.Candle) (float64, error) {
	req := struct {
		Pair    string          `json:"pair"`
		Candles []candlePayload `json:"candles"`
	}{Pair: pair, Candles: encodeWindow(window)}

	var resp struct {
		Probability float64 `json:"probability"`
	}
	if err := h.post(ctx, "/predict", req, &resp); err != nil {
		return 0, fmt.Errorf("predict %s: %w", pair, err)
	}
	if resp.Probability < 0 || resp.Probability > 1 {
		return 0, fmt.Errorf("predict %s: probability %f out of range", pair, resp.Probability)
	}
	return resp.Probability, nil
}

// ForecastLoss asks the sidecar for the pair's expected loss.
func (h *HTTP) ForecastLoss(ctx context.Context, pair string, window []domain.Candle, spread float64, lossHistory []float64) (float64, error) {
	req := struct {
		Pair        string          `json:"pair"`
		Candles     []candlePayload `json:"candles"`
		Spread      float64         `json:"spread"`
		LossHistory []float64       `json:"loss_history"`
	}{Pair: pair, Candles: encodeWindow(window), Spread: spread, LossHistory: lossHistory}

	var resp struct {
		Loss float64 `json:"loss"`
	}
	if err := h.post(ctx, "/forecast-loss", req, &resp); err != nil {
		return 0, fmt.Errorf("forecast loss %s: %w", pair, err)
	}
	return resp.Loss, nil
}

func (h *HTTP) post(ctx context.Context, path string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.base+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.http.Do(req)
	if err != nil {
		return domain.Transient("oracle", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("oracle status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}
