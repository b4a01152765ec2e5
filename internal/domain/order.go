package domain

import "time"

// OrderStatus is the lifecycle state of a tracked order.
// Transitions: pending → filled | cancelled | expired. Terminal states never
// re-enter the queue.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
	OrderExpired   OrderStatus = "expired"
)

// OpenOrder is a live order tracked by the pair's order queue. Ephemeral:
// it is removed from the queue as soon as it reaches a terminal state.
type OpenOrder struct {
	ID              string // local id (uuid)
	ExchangeOrderID string // id assigned by the venue
	Pair            string
	Venue           string
	Side            Side
	RequestedAmount float64
	Price           float64
	SubmittedAt     time.Time
}

// Age returns how long the order has been outstanding.
func (o OpenOrder) Age(now time.Time) time.Duration {
	return now.Sub(o.SubmittedAt)
}

// OrderTimeout returns the staleness cutoff for an open order. The timeout
// scales with volatility so orders in fast markets get more room to fill,
// floored at two minutes.
func OrderTimeout(atr float64) time.Duration {
	secs := atr * 60
	if secs < 120 {
		secs = 120
	}
	return time.Duration(secs * float64(time.Second))
}

// OrderState is the venue's view of an order, returned by FetchOrder.
type OrderState struct {
	ID     string
	Status string // open | closed | canceled
	Side   Side
	Filled float64
	Price  float64
	Fee    float64
}

// Closed reports whether the venue considers the order fully executed.
func (s OrderState) Closed() bool { return s.Status == "closed" }

// Canceled reports whether the venue cancelled the order.
func (s OrderState) Canceled() bool { return s.Status == "canceled" }
