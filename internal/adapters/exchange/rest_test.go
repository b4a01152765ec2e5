package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/spotbot/internal/domain"
)

func newTestREST(url string) *REST {
	return NewREST(RESTConfig{Name: "test", BaseURL: url, APISecret: "secret", MakerFee: 0.001})
}

func TestREST_FetchTicker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/ticker/bookTicker", r.URL.Path)
		assert.Equal(t, "ETHUSDT", r.URL.Query().Get("symbol"))
		w.Write([]byte(`{"bidPrice":"100.5","askPrice":"100.7"}`))
	}))
	defer srv.Close()

	ticker, err := newTestREST(srv.URL).FetchTicker(context.Background(), "ETH/USDT")
	require.NoError(t, err)
	assert.Equal(t, 100.5, ticker.Bid)
	assert.Equal(t, 100.7, ticker.Ask)
}

func TestREST_FetchTicker_EmptyQuotesAreStale(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"bidPrice":"0","askPrice":"0"}`))
	}))
	defer srv.Close()

	_, err := newTestREST(srv.URL).FetchTicker(context.Background(), "ETH/USDT")
	assert.ErrorIs(t, err, domain.ErrStaleData)
}

func TestREST_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"bidPrice":"100","askPrice":"101"}`))
	}))
	defer srv.Close()

	ticker, err := newTestREST(srv.URL).FetchTicker(context.Background(), "ETH/USDT")
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 100.0, ticker.Bid)
}

func TestREST_ExhaustedRetriesAreTransient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestREST(srv.URL).FetchTicker(context.Background(), "ETH/USDT")
	require.Error(t, err)
	assert.True(t, domain.IsTransient(err))
	assert.Equal(t, int32(4), calls.Load()) // initial attempt + 3 retries
}

func TestREST_TransportFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	_, err := newTestREST(srv.URL).FetchTicker(context.Background(), "ETH/USDT")
	require.Error(t, err)
	assert.True(t, domain.IsTransient(err))
}

func TestREST_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	}))
	defer srv.Close()

	_, err := newTestREST(srv.URL).FetchTicker(context.Background(), "ETH/USDT")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid symbol")
	assert.Equal(t, int32(1), calls.Load())
}

func TestREST_FetchOrderBook(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"bids":[["100.0","2.5"],["99.5","1.0"]],"asks":[["100.5","3.0"]]}`))
	}))
	defer srv.Close()

	book, err := newTestREST(srv.URL).FetchOrderBook(context.Background(), "ETH/USDT", 5)
	require.NoError(t, err)
	require.Len(t, book.Bids, 2)
	assert.Equal(t, 100.0, book.BestBid())
	assert.Equal(t, 2.5, book.Bids[0].Amount)
	assert.Equal(t, 100.5, book.BestAsk())
}

func TestREST_PlaceAndFetchOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "BUY", r.PostForm.Get("side"))
			assert.Equal(t, "LIMIT", r.PostForm.Get("type"))
			assert.NotEmpty(t, r.PostForm.Get("signature"))
			w.Write([]byte(`{"orderId":12345,"status":"NEW"}`))
		case http.MethodGet:
			assert.Equal(t, "12345", r.URL.Query().Get("orderId"))
			w.Write([]byte(`{"orderId":12345,"status":"FILLED","executedQty":"1.5","price":"100.0","side":"BUY"}`))
		}
	}))
	defer srv.Close()

	client := newTestREST(srv.URL)
	id, err := client.PlaceLimitOrder(context.Background(), "ETH/USDT", domain.SideBuy, 1.5, 100)
	require.NoError(t, err)
	assert.Equal(t, "12345", id)

	state, err := client.FetchOrder(context.Background(), id, "ETH/USDT")
	require.NoError(t, err)
	assert.True(t, state.Closed())
	assert.Equal(t, 1.5, state.Filled)
	assert.Equal(t, domain.SideBuy, state.Side)
}

func TestMapStatus(t *testing.T) {
	assert.Equal(t, "closed", mapStatus("FILLED"))
	assert.Equal(t, "canceled", mapStatus("CANCELED"))
	assert.Equal(t, "canceled", mapStatus("EXPIRED"))
	assert.Equal(t, "open", mapStatus("NEW"))
	assert.Equal(t, "open", mapStatus("PARTIALLY_FILLED"))
}
