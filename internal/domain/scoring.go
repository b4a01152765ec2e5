package domain

// CandidateScore is the per-cycle scoring result for one pair. It is
// consumed by the allocator immediately after the scan and discarded.
type CandidateScore struct {
	Pair        string
	Composite   float64
	Spread      float64
	Probability float64
	ATR         float64 // ATR of the pair's recent candle window
}

// CrossVenueSpread returns the relative price gap available by buying where
// the pair is cheap and selling where it is rich, taking the better of the
// two directions. A direction contributes zero when its quote relationship
// is inverted (bid on the buy venue already above the sell venue's ask).
func CrossVenueSpread(bidA, askA, bidB, askB float64) float64 {
	buyAsellB := directionalSpread(bidA, askB)
	buyBsellA := directionalSpread(bidB, askA)
	if buyAsellB > buyBsellA {
		return buyAsellB
	}
	return buyBsellA
}

// directionalSpread is the relative gap between the buy-side bid and the
// sell-side ask for one direction of the two-leg trade.
func directionalSpread(buyBid, sellAsk float64) float64 {
	if buyBid <= 0 || sellAsk <= 0 || buyBid >= sellAsk {
		return 0
	}
	ref := buyBid
	if sellAsk < ref {
		ref = sellAsk
	}
	return (sellAsk - buyBid) / ref
}

// CompositeScore ranks a pair by spread and prediction together. The spread
// term dominates: a 1% cross-venue gap outweighs any probability.
func CompositeScore(spread, probability float64) float64 {
	return spread*100 + probability
}

// MinSpread is the break-even spread: both venues' maker fees plus a fixed
// safety margin.
func MinSpread(makerFeeA, makerFeeB, safetyMargin float64) float64 {
	return makerFeeA + makerFeeB + safetyMargin
}

// Eligible reports whether a pair qualifies for selection this cycle:
// either its spread clears break-even or the oracle is confident enough.
func (c CandidateScore) Eligible(minSpread, predictionThreshold float64) bool {
	return c.Spread > minSpread || c.Probability > predictionThreshold
}

// HarmonicWeights returns the capital weights for n ranked pairs: rank r
// (1-indexed) gets 1/r, normalized so the weights sum to one. The result is
// strictly decreasing, funding top-ranked pairs first while keeping lower
// ranks alive.
func HarmonicWeights(n int) []float64 {
	if n <= 0 {
		return nil
	}
	weights := make([]float64, n)
	var total float64
	for i := range weights {
		weights[i] = 1 / float64(i+1)
		total += weights[i]
	}
	for i := range weights {
		weights[i] /= total
	}
	return weights
}
