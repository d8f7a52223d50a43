package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"martingale-core/pkg/exchange"
)

func TestSign(t *testing.T) {
	// Example from the Binance API documentation.
	secret := "NhqPtmdSJYdKjVHjA7PZj4Mge3R5YNiP1e3UZjInClVN65XAbvqqM6A7H5fATj0j"
	payload := "symbol=LTCBTC&side=BUY&type=LIMIT&timeInForce=GTC&quantity=1&price=0.1&recvWindow=5000&timestamp=1499827319559"
	assert.Equal(t, "c8db56825ae71d6d79447849e617115f4a920fa2acdcab2b053c4b2838bd6b71", Sign(secret, payload))
}

func TestNormalizeStatus(t *testing.T) {
	tests := []struct {
		in   string
		want exchange.OrderStatus
	}{
		{"NEW", exchange.StatusNew},
		{"PARTIALLY_FILLED", exchange.StatusPartial},
		{"FILLED", exchange.StatusFilled},
		{"CANCELED", exchange.StatusCanceled},
		{"REJECTED", exchange.StatusRejected},
		{"EXPIRED", exchange.StatusExpired},
		{"EXPIRED_IN_MATCH", exchange.StatusExpired},
		{"PENDING_CANCEL", exchange.StatusUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizeStatus(tt.in), tt.in)
	}
}

func TestGetPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/ticker/price", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		w.Write([]byte(`{"symbol":"BTCUSDT","price":"42123.45"}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	price, err := c.GetPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 42123.45, price)
}

func TestSubmitOrderSignsRequest(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v3/order", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-MBX-APIKEY"))
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`{"orderId":12345,"status":"FILLED","executedQty":"1.0","cummulativeQuoteQty":"42000.0"}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "test-key", APISecret: "test-secret"})
	res, err := c.SubmitOrder(context.Background(), exchange.OrderRequest{
		Symbol: "BTCUSDT",
		Side:   exchange.SideBuy,
		Type:   exchange.OrderTypeMarket,
		Qty:    1,
	})
	require.NoError(t, err)

	assert.Equal(t, "12345", res.ExchangeOrderID)
	assert.Equal(t, exchange.StatusFilled, res.Status)
	assert.Equal(t, 1.0, res.ExecutedQty)
	assert.Equal(t, 42000.0, res.AvgPrice)

	// The signature covers everything before the signature parameter.
	require.Contains(t, gotQuery, "&signature=")
	assert.Contains(t, gotQuery, "quantity=1")
	assert.Contains(t, gotQuery, "recvWindow=5000")
	assert.NotContains(t, gotQuery, "timeInForce", "market orders carry no time in force")
}

func TestSubmitOrderLimitCarriesPriceAndTIF(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "LIMIT", q.Get("type"))
		assert.Equal(t, "98.5", q.Get("price"))
		assert.Equal(t, "GTC", q.Get("timeInForce"))
		w.Write([]byte(`{"orderId":7,"status":"NEW","executedQty":"0","cummulativeQuoteQty":"0"}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "k", APISecret: "s"})
	res, err := c.SubmitOrder(context.Background(), exchange.OrderRequest{
		Symbol: "BTCUSDT",
		Side:   exchange.SideBuy,
		Type:   exchange.OrderTypeLimit,
		Qty:    0.5,
		Price:  98.5,
	})
	require.NoError(t, err)
	assert.Equal(t, exchange.StatusNew, res.Status)
	assert.Zero(t, res.AvgPrice)
}

func TestAPIErrorDecoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	_, err := c.GetPrice(context.Background(), "NOPE")
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.HTTPStatus)
	assert.Equal(t, -1121, apiErr.Code)
	assert.False(t, IsNotFound(err))
}

func TestIsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"code":-2014,"msg":"API-key format invalid."}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	_, err := c.GetPrice(context.Background(), "BTCUSDT")
	assert.True(t, IsNotFound(err))
}

func TestGetSymbolFiltersParsesAndCaches(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte(`{"symbols":[{"symbol":"BTCUSDT","filters":[
			{"filterType":"LOT_SIZE","stepSize":"0.00001","minQty":"0.00001"},
			{"filterType":"PRICE_FILTER","tickSize":"0.01"},
			{"filterType":"NOTIONAL","minNotional":"5"}
		]}]}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	f, err := c.GetSymbolFilters(context.Background(), "BTCUSDT")
	require.NoError(t, err)

	assert.Equal(t, 0.00001, f.StepSize)
	assert.Equal(t, 0.00001, f.MinQty)
	assert.Equal(t, 0.01, f.TickSize)
	assert.Equal(t, 5.0, f.MinNotional)
	assert.Equal(t, 5, f.QtyPrecision)
	assert.Equal(t, 2, f.PricePrecision)

	_, err = c.GetSymbolFilters(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 1, hits, "second lookup served from cache")

	// The cache belongs to the client: a rebuilt client starts cold.
	c2 := New(Config{BaseURL: srv.URL})
	_, err = c2.GetSymbolFilters(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 2, hits, "fresh client does not inherit the cache")
}

func TestGetKlines(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "200", r.URL.Query().Get("limit"))
		w.Write([]byte(`[[1700000000000,"100","110","90","105","12.5",1700000059999,"0",0,"0","0","0"]]`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	candles, err := c.GetKlines(context.Background(), "BTCUSDT", "1m", 200)
	require.NoError(t, err)
	require.Len(t, candles, 1)
	assert.Equal(t, 100.0, candles[0].Open)
	assert.Equal(t, 105.0, candles[0].Close)
	assert.Equal(t, int64(1700000000000), candles[0].OpenTime)
	assert.True(t, candles[0].Final)
}
