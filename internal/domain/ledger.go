package domain

import (
	"fmt"
	"sync"
)

// Side is the direction of an order or fill.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// PairLedger tracks the balance and position of a single trading pair.
// One ledger exists per pair for the whole session; it is created at start
// with an initial capital split and zeroed by the shutdown liquidation.
//
// All mutations go through the methods below, which hold the ledger mutex so
// concurrent readers never observe a half-applied fill.
type PairLedger struct {
	mu sync.Mutex

	// BaseQty is the held quantity of the traded asset. Never negative.
	BaseQty float64

	// QuoteBalance is the available quote-currency balance per venue.
	// Values never go below zero.
	QuoteBalance map[string]float64

	// EntryPrice is the price of the most recent open long entry.
	// nil exactly when BaseQty == 0.
	EntryPrice *float64

	// Monotonically non-decreasing accumulators.
	TotalFees         float64
	CumulativeCost    float64
	CumulativeRevenue float64
}

// NewPairLedger creates a ledger with the given per-venue quote balances.
func NewPairLedger(quote map[string]float64) *PairLedger {
	q := make(map[string]float64, len(quote))
	for v, b := range quote {
		if b < 0 {
			b = 0
		}
		q[v] = b
	}
	return &PairLedger{QuoteBalance: q}
}

// FillOutcome reports the side effects of applying a fill that the caller
// should surface: realized loss for the daily-loss counter and any
// reconciliation anomalies.
type FillOutcome struct {
	// RealizedLoss is (entry − fill price) × qty on a losing sell, else 0.
	RealizedLoss float64
	// BaseShortfall is the base quantity a sell fill tried to remove beyond
	// the held position. Non-zero values indicate a reconciliation anomaly.
	BaseShortfall float64
	// QuoteShortfall is the quote amount a buy fill tried to debit beyond
	// the available balance. Non-zero values indicate an anomaly.
	QuoteShortfall float64
}

// Credit adds amount to the venue's quote balance. Negative amounts are
// ignored.
func (l *PairLedger) Credit(venue string, amount float64) {
	if amount <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.QuoteBalance[venue] += amount
}

// Debit removes amount from the venue's quote balance. Fails with
// ErrInsufficientBalance when amount exceeds the available balance; the
// balance is untouched in that case.
func (l *PairLedger) Debit(venue string, amount float64) error {
	if amount < 0 {
		return fmt.Errorf("ledger.Debit: negative amount %.8f", amount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if amount > l.QuoteBalance[venue] {
		return fmt.Errorf("ledger.Debit: %.2f > available %.2f on %s: %w",
			amount, l.QuoteBalance[venue], venue, ErrInsufficientBalance)
	}
	l.QuoteBalance[venue] -= amount
	return nil
}

// ApplyFill reconciles a confirmed fill into the ledger.
//
// A buy increases BaseQty and debits the venue's quote balance by
// qty×price + fee. A sell decreases BaseQty (clamped at zero) and credits
// the quote balance with qty×price − fee. EntryPrice is set on the first
// buy into a flat position and cleared when the position returns to flat.
//
// The update is applied atomically under the ledger mutex. Amounts that
// would push a balance negative are clamped and reported in the outcome so
// the caller can log the anomaly.
func (l *PairLedger) ApplyFill(venue string, side Side, qty, price, fee float64) FillOutcome {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out FillOutcome
	if qty <= 0 || price <= 0 {
		return out
	}

	switch side {
	case SideBuy:
		if l.BaseQty == 0 && l.EntryPrice == nil {
			p := price
			l.EntryPrice = &p
		}
		l.BaseQty += qty

		cost := qty*price + fee
		if cost > l.QuoteBalance[venue] {
			out.QuoteShortfall = cost - l.QuoteBalance[venue]
			cost = l.QuoteBalance[venue]
		}
		l.QuoteBalance[venue] -= cost
		l.CumulativeCost += qty * price

	case SideSell:
		if l.EntryPrice != nil && price < *l.EntryPrice {
			out.RealizedLoss = (*l.EntryPrice - price) * qty
		}

		if qty > l.BaseQty {
			out.BaseShortfall = qty - l.BaseQty
			l.BaseQty = 0
		} else {
			l.BaseQty -= qty
		}
		if l.BaseQty == 0 {
			l.EntryPrice = nil
		}

		proceeds := qty*price - fee
		if proceeds > 0 {
			l.QuoteBalance[venue] += proceeds
		}
		l.CumulativeRevenue += qty * price
	}

	l.TotalFees += fee
	return out
}

// Quote returns the available quote balance on the given venue.
func (l *PairLedger) Quote(venue string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.QuoteBalance[venue]
}

// TotalQuote returns the quote balance summed across venues.
func (l *PairLedger) TotalQuote() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var total float64
	for _, b := range l.QuoteBalance {
		total += b
	}
	return total
}

// SetQuote overwrites the venue's quote balance. Used by the allocator when
// it reallocates uncommitted capital across the selected pairs.
func (l *PairLedger) SetQuote(venue string, amount float64) {
	if amount < 0 {
		amount = 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.QuoteBalance[venue] = amount
}

// Position returns the held base quantity and the entry price (0 when flat).
func (l *PairLedger) Position() (qty, entry float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.EntryPrice != nil {
		entry = *l.EntryPrice
	}
	return l.BaseQty, entry
}

// MarkToMarket values the ledger at refPrice: BaseQty×refPrice plus the sum
// of quote balances. When refPrice is zero the entry price is used, so an
// open position is still counted after a data outage.
func (l *PairLedger) MarkToMarket(refPrice float64) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	price := refPrice
	if price == 0 && l.EntryPrice != nil {
		price = *l.EntryPrice
	}
	total := l.BaseQty * price
	for _, b := range l.QuoteBalance {
		total += b
	}
	return total
}

// Snapshot returns a copy of the ledger's current values for persistence
// and reporting.
func (l *PairLedger) Snapshot() LedgerSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	quote := make(map[string]float64, len(l.QuoteBalance))
	for v, b := range l.QuoteBalance {
		quote[v] = b
	}
	snap := LedgerSnapshot{
		BaseQty:           l.BaseQty,
		QuoteBalance:      quote,
		TotalFees:         l.TotalFees,
		CumulativeCost:    l.CumulativeCost,
		CumulativeRevenue: l.CumulativeRevenue,
	}
	if l.EntryPrice != nil {
		p := *l.EntryPrice
		snap.EntryPrice = &p
	}
	return snap
}

// Restore overwrites the ledger with a persisted snapshot.
func (l *PairLedger) Restore(snap LedgerSnapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.BaseQty = snap.BaseQty
	l.QuoteBalance = make(map[string]float64, len(snap.QuoteBalance))
	for v, b := range snap.QuoteBalance {
		l.QuoteBalance[v] = b
	}
	l.EntryPrice = nil
	if snap.EntryPrice != nil && snap.BaseQty > 0 {
		p := *snap.EntryPrice
		l.EntryPrice = &p
	}
	l.TotalFees = snap.TotalFees
	l.CumulativeCost = snap.CumulativeCost
	l.CumulativeRevenue = snap.CumulativeRevenue
}

// LedgerSnapshot is an immutable copy of a PairLedger, safe to serialize.
type LedgerSnapshot struct {
	BaseQty           float64
	QuoteBalance      map[string]float64
	EntryPrice        *float64
	TotalFees         float64
	CumulativeCost    float64
	CumulativeRevenue float64
}
