package ports

import (
	"context"

	"github.com/alejandrodnm/spotbot/internal/domain"
)

// Exchange is the capability surface the engine needs from one venue, one
// method per operation. Implementations live under internal/adapters and
// may fail with a transient error (network, rate limit) or a permanent one
// (invalid order); either way the engine treats the step as not having
// happened.
type Exchange interface {
	// Name identifies the venue ("binance", "bingx", "paper", ...). Used as
	// the ledger's quote-balance key.
	Name() string

	// FetchTicker returns the pair's current best bid/ask.
	FetchTicker(ctx context.Context, pair string) (domain.Ticker, error)

	// FetchOrderBook returns a depth snapshot limited to depth levels per side.
	FetchOrderBook(ctx context.Context, pair string, depth int) (domain.OrderBook, error)

	// FetchBalance returns free/locked balances keyed by asset.
	FetchBalance(ctx context.Context) (map[string]domain.Balance, error)

	// FetchCandles returns up to limit recent OHLCV bars for the pair.
	FetchCandles(ctx context.Context, pair, timeframe string, limit int) ([]domain.Candle, error)

	// MakerFee returns the venue's maker fee rate for the pair.
	MakerFee(pair string) float64

	// PlaceLimitOrder submits a limit order and returns the venue order id.
	PlaceLimitOrder(ctx context.Context, pair string, side domain.Side, qty, price float64) (string, error)

	// PlaceMarketOrder submits a market order and returns the venue order
	// id, the filled quantity and the average execution price.
	PlaceMarketOrder(ctx context.Context, pair string, side domain.Side, qty float64) (id string, filled, price float64, err error)

	// FetchOrder returns the venue's current view of an order.
	FetchOrder(ctx context.Context, id, pair string) (domain.OrderState, error)

	// CancelOrder cancels an order by venue id.
	CancelOrder(ctx context.Context, id, pair string) error
}
