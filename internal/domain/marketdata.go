package domain

// SplitPair splits a "BASE/QUOTE" symbol into its assets. The second value
// is empty when the symbol has no separator.
func SplitPair(pair string) (base, quote string) {
	for i := 0; i < len(pair); i++ {
		if pair[i] == '/' {
			return pair[:i], pair[i+1:]
		}
	}
	return pair, ""
}

// Ticker is the best bid/ask of a pair on one venue.
type Ticker struct {
	Pair string
	Bid  float64
	Ask  float64
}

// Valid reports whether the ticker carries usable quotes.
func (t Ticker) Valid() bool { return t.Bid > 0 && t.Ask > 0 }

// OrderBook is a depth snapshot of a pair on one venue.
type OrderBook struct {
	Pair string
	Bids []BookLevel // sorted best (highest) first
	Asks []BookLevel // sorted best (lowest) first
}

// BookLevel is one price level of an order book.
type BookLevel struct {
	Price  float64
	Amount float64
}

// BestBid returns the highest bid price, or 0 when the book is empty.
func (ob OrderBook) BestBid() float64 {
	if len(ob.Bids) == 0 {
		return 0
	}
	return ob.Bids[0].Price
}

// BestAsk returns the lowest ask price, or 0 when the book is empty.
func (ob OrderBook) BestAsk() float64 {
	if len(ob.Asks) == 0 {
		return 0
	}
	return ob.Asks[0].Price
}

// DepthAverage walks up to maxLevels of one side of the book accumulating
// liquidity toward the desired amount. It returns the volume-weighted
// average price of the liquidity taken, the amount actually available (at
// most desired), and the total depth seen across the walked levels.
//
// side selects bids for a buy and asks for a sell, matching the levels a
// maker order on that side queues against.
func (ob OrderBook) DepthAverage(side Side, desired float64, maxLevels int) (avgPrice, available, depth float64) {
	levels := ob.Bids
	if side == SideSell {
		levels = ob.Asks
	}
	if len(levels) == 0 {
		return 0, 0, 0
	}
	if maxLevels > len(levels) {
		maxLevels = len(levels)
	}

	var taken, cost float64
	for _, lvl := range levels[:maxLevels] {
		depth += lvl.Amount
		want := desired - taken
		if want <= 0 {
			continue
		}
		take := lvl.Amount
		if take > want {
			take = want
		}
		taken += take
		cost += take * lvl.Price
	}

	if taken > 0 {
		avgPrice = cost / taken
	} else {
		avgPrice = levels[0].Price
	}
	if taken > desired {
		taken = desired
	}
	return avgPrice, taken, depth
}

// Balance is a venue's view of one asset.
type Balance struct {
	Free   float64
	Locked float64
}
