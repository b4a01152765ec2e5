package domain

import "time"

// SessionSnapshot is the persisted state of a trading session: every pair's
// ledger plus the risk counters, enough to resume after a restart.
type SessionSnapshot struct {
	SavedAt        time.Time
	InitialCapital float64
	Ledgers        map[string]LedgerSnapshot
	DailyLosses    map[string]float64
	LastResetDate  string // calendar date "2006-01-02"
	LossHistory    map[string][]float64
}

// FillRecord is one confirmed fill as written to the fill log.
type FillRecord struct {
	Pair  string
	Venue string
	Side  Side
	Qty   float64
	Price float64
	Fee   float64
	Time  time.Time
}

// Notional returns the quote value of the fill.
func (f FillRecord) Notional() float64 { return f.Qty * f.Price }

// DailySummary aggregates one calendar day of trading activity.
type DailySummary struct {
	Date            time.Time
	OrdersPlaced    int
	OrdersCancelled int
	Fills           int
	RealizedLoss    float64
	TotalFees       float64
	Equity          float64
}
