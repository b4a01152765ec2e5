package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/alejandrodnm/spotbot/internal/domain"
)

const (
	// Rate limits at 60% of the documented weight budget.
	// Market data: 1200 weight/min → 720/min → 12/s
	marketRatePerSec = 12
	// Orders: 50/10s → 30/10s → 3/s
	orderRatePerSec = 3

	maxRetries    = 3
	baseRetryWait = 500 * time.Millisecond
)

// RESTConfig configures a REST venue client.
type RESTConfig struct {
	Name      string
	BaseURL   string
	APIKey    string
	APISecret string
	MakerFee  float64
}

// REST is a spot venue client with rate limiting and retries. Private
// endpoints are signed with HMAC-SHA256 over the query string.
type REST struct {
	cfg           RESTConfig
	http          *http.Client
	marketLimiter *rate.Limiter
	orderLimiter  *rate.Limiter
}

// NewREST creates a REST client for the venue.
func NewREST(cfg RESTConfig) *REST {
	return &REST{
		cfg:           cfg,
		http:          &http.Client{Timeout: 10 * time.Second},
		marketLimiter: rate.NewLimiter(marketRatePerSec, 20),
		orderLimiter:  rate.NewLimiter(orderRatePerSec, 5),
	}
}

func (r *REST) Name() string { return r.cfg.Name }

func (r *REST) MakerFee(string) float64 { return r.cfg.MakerFee }

// symbol converts "ETH/USDT" to the venue's "ETHUSDT" form.
func symbol(pair string) string {
	return strings.ReplaceAll(pair, "/", "")
}

func (r *REST) FetchTicker(ctx context.Context, pair string) (domain.Ticker, error) {
	var raw struct {
		BidPrice string `json:"bidPrice"`
		AskPrice string `json:"askPrice"`
	}
	q := url.Values{"symbol": {symbol(pair)}}
	if err := r.get(ctx, r.marketLimiter, "/api/v3/ticker/bookTicker", q, false, &raw); err != nil {
		return domain.Ticker{}, fmt.Errorf("fetch ticker %s: %w", pair, err)
	}
	bid, _ := strconv.ParseFloat(raw.BidPrice, 64)
	ask, _ := strconv.ParseFloat(raw.AskPrice, 64)
	t := domain.Ticker{Pair: pair, Bid: bid, Ask: ask}
	if !t.Valid() {
		return domain.Ticker{}, fmt.Errorf("fetch ticker %s: %w", pair, domain.ErrStaleData)
	}
	return t, nil
}

func (r *REST) FetchOrderBook(ctx context.Context, pair string, depth int) (domain.OrderBook, error) {
	if depth <= 0 {
		depth = 5
	}
	var raw struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
	}
	q := url.Values{"symbol": {symbol(pair)}, "limit": {strconv.Itoa(depth)}}
	if err := r.get(ctx, r.marketLimiter, "/api/v3/depth", q, false, &raw); err != nil {
		return domain.OrderBook{}, fmt.Errorf("fetch book %s: %w", pair, err)
	}
	book := domain.OrderBook{Pair: pair}
	for _, lvl := range raw.Bids {
		book.Bids = append(book.Bids, parseLevel(lvl))
	}
	for _, lvl := range raw.Asks {
		book.Asks = append(book.Asks, parseLevel(lvl))
	}
	return book, nil
}

func parseLevel(lvl []string) domain.BookLevel {
	if len(lvl) < 2 {
		return domain.BookLevel{}
	}
	price, _ := strconv.ParseFloat(lvl[0], 64)
	amount, _ := strconv.ParseFloat(lvl[1], 64)
	return domain.BookLevel{Price: price, Amount: amount}
}

func (r *REST) FetchCandles(ctx context.Context, pair, timeframe string, limit int) ([]domain.Candle, error) {
	var raw [][]json.RawMessage
	q := url.Values{
		"symbol":   {symbol(pair)},
		"interval": {timeframe},
		"limit":    {strconv.Itoa(limit)},
	}
	if err := r.get(ctx, r.marketLimiter, "/api/v3/klines", q, false, &raw); err != nil {
		return nil, fmt.Errorf("fetch candles %s: %w", pair, err)
	}
	candles := make([]domain.Candle, 0, len(raw))
	for _, k := range raw {
		if len(k) < 6 {
			continue
		}
		var openMs int64
		var o, h, l, c, v string
		_ = json.Unmarshal(k[0], &openMs)
		_ = json.Unmarshal(k[1], &o)
		_ = json.Unmarshal(k[2], &h)
		_ = json.Unmarshal(k[3], &l)
		_ = json.Unmarshal(k[4], &c)
		_ = json.Unmarshal(k[5], &v)
		candle := domain.Candle{Time: time.UnixMilli(openMs)}
		candle.Open, _ = strconv.ParseFloat(o, 64)
		candle.High, _ = strconv.ParseFloat(h, 64)
		candle.Low, _ = strconv.ParseFloat(l, 64)
		candle.Close, _ = strconv.ParseFloat(c, 64)
		candle.Volume, _ = strconv.ParseFloat(v, 64)
		candles = append(candles, candle)
	}
	return candles, nil
}

func (r *REST) FetchBalance(ctx context.Context) (map[string]domain.Balance, error) {
	var raw struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := r.get(ctx, r.orderLimiter, "/api/v3/account", url.Values{}, true, &raw); err != nil {
		return nil, fmt.Errorf("fetch balance: %w", err)
	}
	out := make(map[string]domain.Balance, len(raw.Balances))
	for _, b := range raw.Balances {
		free, _ := strconv.ParseFloat(b.Free, 64)
		locked, _ := strconv.ParseFloat(b.Locked, 64)
		out[b.Asset] = domain.Balance{Free: free, Locked: locked}
	}
	return out, nil
}

type orderResponse struct {
	OrderID     int64  `json:"orderId"`
	Status      string `json:"status"`
	ExecutedQty string `json:"executedQty"`
	Price       string `json:"price"`
	Side        string `json:"side"`
}

func (r *REST) PlaceLimitOrder(ctx context.Context, pair string, side domain.Side, qty, price float64) (string, error) {
	q := url.Values{
		"symbol":      {symbol(pair)},
		"side":        {strings.ToUpper(string(side))},
		"type":        {"LIMIT"},
		"timeInForce": {"GTC"},
		"quantity":    {formatFloat(qty)},
		"price":       {formatFloat(price)},
	}
	var resp orderResponse
	if err := r.post(ctx, r.orderLimiter, "/api/v3/order", q, &resp); err != nil {
		return "", fmt.Errorf("place limit %s %s: %w", side, pair, err)
	}
	return strconv.FormatInt(resp.OrderID, 10), nil
}

func (r *REST) PlaceMarketOrder(ctx context.Context, pair string, side domain.Side, qty float64) (string, float64, float64, error) {
	q := url.Values{
		"symbol":   {symbol(pair)},
		"side":     {strings.ToUpper(string(side))},
		"type":     {"MARKET"},
		"quantity": {formatFloat(qty)},
	}
	var resp struct {
		orderResponse
		Fills []struct {
			Price string `json:"price"`
			Qty   string `json:"qty"`
		} `json:"fills"`
	}
	if err := r.post(ctx, r.orderLimiter, "/api/v3/order", q, &resp); err != nil {
		return "", 0, 0, fmt.Errorf("place market %s %s: %w", side, pair, err)
	}
	filled, _ := strconv.ParseFloat(resp.ExecutedQty, 64)
	var cost, qtySum float64
	for _, f := range resp.Fills {
		p, _ := strconv.ParseFloat(f.Price, 64)
		fq, _ := strconv.ParseFloat(f.Qty, 64)
		cost += p * fq
		qtySum += fq
	}
	price := 0.0
	if qtySum > 0 {
		price = cost / qtySum
	}
	return strconv.FormatInt(resp.OrderID, 10), filled, price, nil
}

func (r *REST) FetchOrder(ctx context.Context, id, pair string) (domain.OrderState, error) {
	q := url.Values{"symbol": {symbol(pair)}, "orderId": {id}}
	var resp orderResponse
	if err := r.get(ctx, r.orderLimiter, "/api/v3/order", q, true, &resp); err != nil {
		return domain.OrderState{}, fmt.Errorf("fetch order %s: %w", id, err)
	}
	filled, _ := strconv.ParseFloat(resp.ExecutedQty, 64)
	price, _ := strconv.ParseFloat(resp.Price, 64)
	return domain.OrderState{
		ID:     id,
		Status: mapStatus(resp.Status),
		Side:   domain.Side(strings.ToLower(resp.Side)),
		Filled: filled,
		Price:  price,
		// Commission comes back per fill on the trade stream; the poll
		// path estimates it from the maker fee.
		Fee: filled * price * r.cfg.MakerFee,
	}, nil
}

func mapStatus(s string) string {
	switch s {
	case "FILLED":
		return "closed"
	case "CANCELED", "REJECTED", "EXPIRED":
		return "canceled"
	default:
		return "open"
	}
}

func (r *REST) CancelOrder(ctx context.Context, id, pair string) error {
	q := url.Values{"symbol": {symbol(pair)}, "orderId": {id}}
	var resp orderResponse
	if err := r.delete(ctx, r.orderLimiter, "/api/v3/order", q, &resp); err != nil {
		return fmt.Errorf("cancel order %s: %w", id, err)
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// sign appends timestamp and signature for private endpoints.
func (r *REST) sign(q url.Values) url.Values {
	q.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	mac := hmac.New(sha256.New, []byte(r.cfg.APISecret))
	mac.Write([]byte(q.Encode()))
	q.Set("signature", hex.EncodeToString(mac.Sum(nil)))
	return q
}

func (r *REST) get(ctx context.Context, limiter *rate.Limiter, path string, q url.Values, signed bool, out any) error {
	return r.doWithRetry(ctx, limiter, func() (*http.Response, error) {
		query := q
		if signed {
			query = r.sign(q)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.BaseURL+path+"?"+query.Encode(), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-MBX-APIKEY", r.cfg.APIKey)
		return r.http.Do(req)
	}, out)
}

func (r *REST) post(ctx context.Context, limiter *rate.Limiter, path string, q url.Values, out any) error {
	return r.doWithRetry(ctx, limiter, func() (*http.Response, error) {
		body := r.sign(q).Encode()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.BaseURL+path, strings.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("X-MBX-APIKEY", r.cfg.APIKey)
		return r.http.Do(req)
	}, out)
}

func (r *REST) delete(ctx context.Context, limiter *rate.Limiter, path string, q url.Values, out any) error {
	return r.doWithRetry(ctx, limiter, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, r.cfg.BaseURL+path+"?"+r.sign(q).Encode(), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-MBX-APIKEY", r.cfg.APIKey)
		return r.http.Do(req)
	}, out)
}

// doWithRetry runs the request with exponential backoff, retrying on
// transport errors, 429s and 5xx responses. When retries run out the
// error is a domain.TransientError so callers can skip the pair for
// the cycle instead of aborting.
func (r *REST) doWithRetry(ctx context.Context, limiter *rate.Limiter, fn func() (*http.Response, error), out any) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}

		resp, err := fn()
		if err != nil {
			if attempt == maxRetries {
				return domain.Transient(r.cfg.Name, fmt.Errorf("request failed after %d retries: %w", maxRetries, err))
			}
			r.sleep(ctx, attempt)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			resp.Body.Close()
			slog.Warn("rate limited by venue", "venue", r.cfg.Name, "attempt", attempt+1)
			r.sleep(ctx, attempt)
			continue
		}

		if resp.StatusCode >= 500 {
			resp.Body.Close()
			if attempt == maxRetries {
				return domain.Transient(r.cfg.Name, fmt.Errorf("server error %d after %d retries", resp.StatusCode, maxRetries))
			}
			r.sleep(ctx, attempt)
			continue
		}

		if resp.StatusCode >= 400 {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return fmt.Errorf("client error %d: %s", resp.StatusCode, string(body))
		}

		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	return domain.Transient(r.cfg.Name, fmt.Errorf("exhausted %d retries", maxRetries))
}

func (r *REST) sleep(ctx context.Context, attempt int) {
	wait := time.Duration(math.Pow(2, float64(attempt))) * baseRetryWait
	select {
	case <-time.After(wait):
	case <-ctx.Done():
	}
}
