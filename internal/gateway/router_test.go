package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"martingale-core/internal/broadcast"
	"martingale-core/pkg/exchange"
)

// --- fakes ---

type nopConn struct{}

func (nopConn) ReadMessage() (int, []byte, error) { return 0, nil, nil }
func (nopConn) WriteMessage(int, []byte) error    { return nil }
func (nopConn) Close() error                      { return nil }

type fakeMarket struct {
	tickerCalls [][]string
	candleCalls []string
	changed     []string
	removed     []string
	tickers     map[string]exchange.Ticker
	candles     map[string]exchange.Candle
}

func newFakeMarket() *fakeMarket {
	return &fakeMarket{
		tickers: make(map[string]exchange.Ticker),
		candles: make(map[string]exchange.Candle),
	}
}

func (m *fakeMarket) AddTicker(_ context.Context, _ int64, _ string, symbols []string) error {
	m.tickerCalls = append(m.tickerCalls, symbols)
	return nil
}

func (m *fakeMarket) AddCandle(_ context.Context, _ int64, _, symbol, interval string) error {
	m.candleCalls = append(m.candleCalls, symbol+"@"+interval)
	return nil
}

func (m *fakeMarket) ChangeSubscription(_ context.Context, _ int64, _, symbol, interval string) error {
	m.changed = append(m.changed, symbol+"@"+interval)
	return nil
}

func (m *fakeMarket) RemoveClient(clientID string) {
	m.removed = append(m.removed, clientID)
}

func (m *fakeMarket) CachedTicker(_ int64, symbol string) (exchange.Ticker, bool) {
	t, ok := m.tickers[symbol]
	return t, ok
}

func (m *fakeMarket) CachedCandle(_ int64, symbol, interval string) (exchange.Candle, bool) {
	c, ok := m.candles[symbol+"@"+interval]
	return c, ok
}

type fakeBalances struct {
	byAsset map[string][]exchange.Balance
}

func (b fakeBalances) Get(_ context.Context, _ int64, asset string) ([]exchange.Balance, error) {
	return b.byAsset[asset], nil
}

type klineGateway struct {
	exchange.Gateway
	candles []exchange.Candle
}

func (g klineGateway) GetKlines(context.Context, string, string, int) ([]exchange.Candle, error) {
	return g.candles, nil
}

type fakeHistory struct{ gw exchange.Gateway }

func (h fakeHistory) Gateway(context.Context, int64) (exchange.Gateway, error) { return h.gw, nil }

// --- harness ---

type routerFixture struct {
	router *Router
	hub    *broadcast.Hub
	market *fakeMarket
	client *Client
}

func newFixture() *routerFixture {
	hub := broadcast.NewHub(zap.NewNop(), 64, time.Minute)
	market := newFakeMarket()
	balances := fakeBalances{byAsset: map[string][]exchange.Balance{
		"ALL":  {{Asset: "USDT", Free: 1000}, {Asset: "BTC", Free: 1}},
		"USDT": {{Asset: "USDT", Free: 1000}},
	}}
	history := fakeHistory{gw: klineGateway{candles: []exchange.Candle{
		{Symbol: "BTCUSDT", Interval: "1m", Close: 100},
	}}}
	r := NewRouter(hub, market, balances, history, zap.NewNop(), 1, 200)
	return &routerFixture{
		router: r,
		hub:    hub,
		market: market,
		client: newClient(nopConn{}, "user-1", zap.NewNop()),
	}
}

func (f *routerFixture) send(t *testing.T, frame string) {
	t.Helper()
	f.router.dispatch(context.Background(), f.client, []byte(frame))
}

// recv pops the next reply off the client's write queue.
func (f *routerFixture) recv(t *testing.T) broadcast.Envelope {
	t.Helper()
	select {
	case payload := <-f.client.send:
		var env broadcast.Envelope
		require.NoError(t, json.Unmarshal(payload, &env))
		return env
	default:
		t.Fatal("no reply queued")
		return broadcast.Envelope{}
	}
}

func (f *routerFixture) noReply(t *testing.T) {
	t.Helper()
	select {
	case payload := <-f.client.send:
		t.Fatalf("unexpected reply: %s", payload)
	default:
	}
}

// --- tests ---

func TestSubscribeTickerConfirmsAndReplaysCache(t *testing.T) {
	f := newFixture()
	f.market.tickers["BTCUSDT"] = exchange.Ticker{Symbol: "BTCUSDT", Price: 123}

	f.send(t, `{"type":"subscribe_ticker","symbols":["btcusdt","ETHUSDT"]}`)

	require.Len(t, f.market.tickerCalls, 1)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, f.market.tickerCalls[0])
	assert.True(t, f.hub.Subscribed(broadcast.ChannelTicker, f.client.ID()))

	assert.Equal(t, "subscription_confirmed", f.recv(t).Type)
	// Only BTCUSDT has a cached snapshot.
	replay := f.recv(t)
	assert.Equal(t, "ticker_update", replay.Type)
	f.noReply(t)
}

func TestSubscribeTickerWithoutSymbolsErrors(t *testing.T) {
	f := newFixture()
	f.send(t, `{"type":"subscribe_ticker"}`)
	assert.Equal(t, "error", f.recv(t).Type)
	assert.Empty(t, f.market.tickerCalls)
}

func TestMalformedFrameRepliesErrorOnce(t *testing.T) {
	f := newFixture()
	f.send(t, `{"type":`)
	assert.Equal(t, "error", f.recv(t).Type)
	f.noReply(t)
}

func TestUnknownTypeIsIgnored(t *testing.T) {
	f := newFixture()
	f.send(t, `{"type":"warp_drive"}`)
	f.noReply(t)
}

func TestConfigureStreamCandlesReplaysHistory(t *testing.T) {
	f := newFixture()
	f.market.candles["BTCUSDT@1m"] = exchange.Candle{Symbol: "BTCUSDT", Interval: "1m", Close: 101}

	f.send(t, `{"type":"configure_stream","dataType":"kline","symbols":["BTCUSDT"],"interval":"1m"}`)

	assert.Equal(t, []string{"BTCUSDT@1m"}, f.market.candleCalls)
	assert.True(t, f.hub.Subscribed(broadcast.ChannelCandle, f.client.ID()))

	assert.Equal(t, "subscription_confirmed", f.recv(t).Type)
	assert.Equal(t, "historical_candles", f.recv(t).Type)
	assert.Equal(t, "candle_update", f.recv(t).Type)
	f.noReply(t)
}

func TestChangeSubscriptionSwapsBothChannels(t *testing.T) {
	f := newFixture()
	f.send(t, `{"type":"change_subscription","symbol":"ethusdt","interval":"5m"}`)

	assert.Equal(t, []string{"ETHUSDT@5m"}, f.market.changed)
	assert.True(t, f.hub.Subscribed(broadcast.ChannelTicker, f.client.ID()))
	assert.True(t, f.hub.Subscribed(broadcast.ChannelCandle, f.client.ID()))
	assert.Equal(t, "subscription_confirmed", f.recv(t).Type)
}

func TestUnsubscribePurgesEverywhere(t *testing.T) {
	f := newFixture()
	f.send(t, `{"type":"subscribe_ticker","symbols":["BTCUSDT"]}`)
	f.recv(t) // drain the confirmation; no cache means no replay

	f.send(t, `{"type":"unsubscribe"}`)
	assert.False(t, f.hub.Subscribed(broadcast.ChannelTicker, f.client.ID()))
	assert.Contains(t, f.market.removed, f.client.ID())

	// Unsubscribing again is harmless.
	f.send(t, `{"type":"unsubscribe"}`)
}

func TestGetBalance(t *testing.T) {
	f := newFixture()
	f.send(t, `{"type":"get_balance","exchangeId":1,"asset":"USDT"}`)

	env := f.recv(t)
	assert.Equal(t, "balance_data", env.Type)

	raw, err := json.Marshal(env.Data)
	require.NoError(t, err)
	var balances []exchange.Balance
	require.NoError(t, json.Unmarshal(raw, &balances))
	require.Len(t, balances, 1)
	assert.Equal(t, "USDT", balances[0].Asset)
}

func TestSubscribeBalanceSendsSnapshot(t *testing.T) {
	f := newFixture()
	f.send(t, `{"type":"subscribe_balance"}`)

	assert.True(t, f.hub.Subscribed(broadcast.ChannelBalance, f.client.ID()))
	assert.Equal(t, "subscription_confirmed", f.recv(t).Type)
	assert.Equal(t, "balance_update", f.recv(t).Type)

	f.send(t, `{"type":"unsubscribe_balance"}`)
	assert.False(t, f.hub.Subscribed(broadcast.ChannelBalance, f.client.ID()))
}

func TestTestEcho(t *testing.T) {
	f := newFixture()
	f.send(t, `{"type":"test"}`)
	assert.Equal(t, "test_response", f.recv(t).Type)
}
