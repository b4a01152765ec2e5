package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alejandrodnm/spotbot/internal/domain"
	"github.com/alejandrodnm/spotbot/internal/ports"
)

const (
	wsReadTimeout  = 60 * time.Second
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 20 * time.Second
	wsStaleAfter   = 10 * time.Second
	wsReconnectMax = 30 * time.Second
)

// TickerStream wraps a venue with a websocket book-ticker feed. FetchTicker
// is served from the cached stream quotes while they are fresh and falls
// back to the wrapped venue's REST call when they are not. All other calls
// pass through.
type TickerStream struct {
	ports.Exchange

	url   string
	pairs []string

	mu     sync.RWMutex
	quotes map[string]streamQuote
}

type streamQuote struct {
	ticker domain.Ticker
	seen   time.Time
}

// NewTickerStream creates the stream wrapper. Call Run to start consuming.
func NewTickerStream(inner ports.Exchange, url string, pairs []string) *TickerStream {
	return &TickerStream{
		Exchange: inner,
		url:      url,
		pairs:    pairs,
		quotes:   make(map[string]streamQuote),
	}
}

// FetchTicker returns the streamed quote when fresh, otherwise delegates.
func (s *TickerStream) FetchTicker(ctx context.Context, pair string) (domain.Ticker, error) {
	s.mu.RLock()
	q, ok := s.quotes[pair]
	s.mu.RUnlock()
	if ok && time.Since(q.seen) < wsStaleAfter {
		return q.ticker, nil
	}
	return s.Exchange.FetchTicker(ctx, pair)
}

// Run consumes the feed until the context is cancelled, reconnecting with
// backoff on failure.
func (s *TickerStream) Run(ctx context.Context) {
	backoff := time.Second
	for {
		if err := s.consume(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("ticker stream disconnected",
				"venue", s.Name(), "error", err, "retry_in", backoff)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > wsReconnectMax {
			backoff = wsReconnectMax
		}
	}
}

func (s *TickerStream) consume(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.url, err)
	}
	defer conn.Close()
	slog.Info("ticker stream connected", "venue", s.Name(), "pairs", len(s.pairs))

	if err := s.subscribe(conn); err != nil {
		return err
	}

	// Close the connection when the context ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	go s.pingLoop(ctx, conn)

	conn.SetReadLimit(1 << 20)
	conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		s.handle(message)
	}
}

func (s *TickerStream) subscribe(conn *websocket.Conn) error {
	streams := make([]string, 0, len(s.pairs))
	for _, pair := range s.pairs {
		streams = append(streams, strings.ToLower(symbol(pair))+"@bookTicker")
	}
	sub := map[string]any{"method": "SUBSCRIBE", "params": streams, "id": 1}
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}

func (s *TickerStream) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *TickerStream) handle(message []byte) {
	var raw struct {
		Symbol string `json:"s"`
		Bid    string `json:"b"`
		Ask    string `json:"a"`
	}
	if err := json.Unmarshal(message, &raw); err != nil || raw.Symbol == "" {
		return
	}
	pair := s.pairFor(raw.Symbol)
	if pair == "" {
		return
	}
	bid, _ := strconv.ParseFloat(raw.Bid, 64)
	ask, _ := strconv.ParseFloat(raw.Ask, 64)
	t := domain.Ticker{Pair: pair, Bid: bid, Ask: ask}
	if !t.Valid() {
		return
	}
	s.mu.Lock()
	s.quotes[pair] = streamQuote{ticker: t, seen: time.Now()}
	s.mu.Unlock()
}

func (s *TickerStream) pairFor(sym string) string {
	for _, pair := range s.pairs {
		if strings.EqualFold(symbol(pair), sym) {
			return pair
		}
	}
	return ""
}
