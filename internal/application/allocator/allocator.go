package allocator

// Pair scoring and capital allocation. Each cycle the allocator scores all
// configured pairs across both venues in a small worker pool, keeps the
// eligible ones ranked by composite score, and redistributes the uncommitted
// quote capital over the selected top-N with harmonic-rank weights.

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"

	"github.com/alejandrodnm/spotbot/internal/domain"
	"github.com/alejandrodnm/spotbot/internal/ports"
)

// Config tunes the scorer.
type Config struct {
	Pairs               []string
	SafetyMargin        float64 // added to both maker fees for break-even spread
	PredictionThreshold float64 // probability that makes a pair eligible on its own
	CandleTimeframe     string
	CandleLimit         int
	ATRPeriod           int
	Workers             int // 0 = NumCPU
}

// Allocator ranks pairs and reallocates capital. The primary venue supplies
// candles for the oracle; spreads are computed against the secondary venue.
type Allocator struct {
	cfg       Config
	primary   ports.Exchange
	secondary ports.Exchange
	predictor ports.Predictor
}

// New creates an Allocator over two venues and the prediction oracle.
func New(cfg Config, primary, secondary ports.Exchange, predictor ports.Predictor) *Allocator {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.ATRPeriod <= 0 {
		cfg.ATRPeriod = 14
	}
	return &Allocator{cfg: cfg, primary: primary, secondary: secondary, predictor: predictor}
}

// ScanResult is one cycle's scoring output: eligible candidates ranked by
// composite score, plus per-pair reference prices and candle windows for
// every pair that could be scored (eligible or not). Windows are reused
// downstream by the risk gate's loss forecast and by position sizing so the
// same data is not fetched twice in a cycle.
type ScanResult struct {
	Eligible  []domain.CandidateScore
	RefPrices map[string]float64
	Windows   map[string][]domain.Candle
}

// Scan scores every configured pair concurrently. A pair whose data cannot
// be fetched this cycle is skipped with a warning, never fatal.
func (a *Allocator) Scan(ctx context.Context) ScanResult {
	type scored struct {
		candidate domain.CandidateScore
		refPrice  float64
		window    []domain.Candle
		eligible  bool
	}

	workCh := make(chan string, len(a.cfg.Pairs))
	resultCh := make(chan scored, len(a.cfg.Pairs))

	var wg sync.WaitGroup
	for i := 0; i < a.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for pair := range workCh {
				candidate, refPrice, window, eligible, err := a.score(ctx, pair)
				if err != nil {
					if domain.IsTransient(err) {
						slog.Info("allocator: pair skipped, venue unreachable", "pair", pair, "err", err)
					} else {
						slog.Warn("allocator: pair skipped", "pair", pair, "err", err)
					}
					continue
				}
				resultCh <- scored{candidate: candidate, refPrice: refPrice, window: window, eligible: eligible}
			}
		}()
	}

	for _, pair := range a.cfg.Pairs {
		workCh <- pair
	}
	close(workCh)

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	result := ScanResult{
		RefPrices: make(map[string]float64, len(a.cfg.Pairs)),
		Windows:   make(map[string][]domain.Candle, len(a.cfg.Pairs)),
	}
	for r := range resultCh {
		result.RefPrices[r.candidate.Pair] = r.refPrice
		result.Windows[r.candidate.Pair] = r.window
		if r.eligible {
			result.Eligible = append(result.Eligible, r.candidate)
		}
	}

	sort.Slice(result.Eligible, func(i, j int) bool {
		return result.Eligible[i].Composite > result.Eligible[j].Composite
	})
	return result
}

// score builds one pair's candidate: cross-venue spread from both tickers,
// prediction from the oracle over the primary venue's candle window.
func (a *Allocator) score(ctx context.Context, pair string) (domain.CandidateScore, float64, []domain.Candle, bool, error) {
	var zero domain.CandidateScore

	tickA, err := a.primary.FetchTicker(ctx, pair)
	if err != nil {
		return zero, 0, nil, false, fmt.Errorf("ticker %s: %w", a.primary.Name(), err)
	}
	tickB, err := a.secondary.FetchTicker(ctx, pair)
	if err != nil {
		return zero, 0, nil, false, fmt.Errorf("ticker %s: %w", a.secondary.Name(), err)
	}
	if !tickA.Valid() || !tickB.Valid() {
		return zero, 0, nil, false, fmt.Errorf("ticker for %s: %w", pair, domain.ErrStaleData)
	}

	window, err := a.primary.FetchCandles(ctx, pair, a.cfg.CandleTimeframe, a.cfg.CandleLimit)
	if err != nil {
		return zero, 0, nil, false, fmt.Errorf("candles: %w", err)
	}
	if len(window) < a.cfg.ATRPeriod+1 {
		return zero, 0, nil, false, fmt.Errorf("candle window %d bars: %w", len(window), domain.ErrStaleData)
	}

	probability, err := a.predictor.Predict(ctx, pair, window)
	if err != nil {
		return zero, 0, nil, false, fmt.Errorf("predict: %w", err)
	}

	spread := domain.CrossVenueSpread(tickA.Bid, tickA.Ask, tickB.Bid, tickB.Ask)
	minSpread := domain.MinSpread(a.primary.MakerFee(pair), a.secondary.MakerFee(pair), a.cfg.SafetyMargin)

	candidate := domain.CandidateScore{
		Pair:        pair,
		Composite:   domain.CompositeScore(spread, probability),
		Spread:      spread,
		Probability: probability,
		ATR:         domain.ATR(window, a.cfg.ATRPeriod),
	}
	refPrice := (tickA.Bid + tickA.Ask) / 2
	return candidate, refPrice, window, candidate.Eligible(minSpread, a.cfg.PredictionThreshold), nil
}

// Select returns the top candidates under the concurrency limit. Candidates
// must already be sorted by composite score descending.
func Select(candidates []domain.CandidateScore, limit int) []domain.CandidateScore {
	if limit < 0 {
		limit = 0
	}
	if limit > len(candidates) {
		limit = len(candidates)
	}
	return candidates[:limit]
}

// Reallocate redistributes each venue's total uncommitted quote capital over
// the selected pairs with harmonic-rank weights (rank r gets 1/r,
// normalized). Unselected pairs' quote capital is zeroed for the cycle.
// Open positions' BaseQty are never touched.
func Reallocate(ledgers map[string]*domain.PairLedger, selected []domain.CandidateScore, venues []string) {
	weights := domain.HarmonicWeights(len(selected))

	for _, venue := range venues {
		var total float64
		for _, ledger := range ledgers {
			total += ledger.Quote(venue)
		}

		selectedSet := make(map[string]float64, len(selected))
		for rank, c := range selected {
			selectedSet[c.Pair] = weights[rank]
		}

		for pair, ledger := range ledgers {
			weight, ok := selectedSet[pair]
			if !ok {
				ledger.SetQuote(venue, 0)
				continue
			}
			ledger.SetQuote(venue, total*weight)
		}
	}
}
