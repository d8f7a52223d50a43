package gateway

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"martingale-core/internal/broadcast"
	"martingale-core/pkg/exchange"
)

// MarketStreams is the multiplexer surface the router drives.
type MarketStreams interface {
	AddTicker(ctx context.Context, exchangeID int64, clientID string, symbols []string) error
	AddCandle(ctx context.Context, exchangeID int64, clientID, symbol, interval string) error
	ChangeSubscription(ctx context.Context, exchangeID int64, clientID, symbol, interval string) error
	RemoveClient(clientID string)
	CachedTicker(exchangeID int64, symbol string) (exchange.Ticker, bool)
	CachedCandle(exchangeID int64, symbol, interval string) (exchange.Candle, bool)
}

// BalanceSource answers balance queries.
type BalanceSource interface {
	Get(ctx context.Context, exchangeID int64, asset string) ([]exchange.Balance, error)
}

// HistorySource provides the REST gateway used for historical candle replay.
type HistorySource interface {
	Gateway(ctx context.Context, exchangeID int64) (exchange.Gateway, error)
}

// Router parses inbound control frames and dispatches them to the stream
// managers and balance lookups.
type Router struct {
	hub      *broadcast.Hub
	market   MarketStreams
	balances BalanceSource
	history  HistorySource
	log      *zap.Logger

	defaultExchangeID int64
	candleCount       int
}

// NewRouter builds the message router.
func NewRouter(hub *broadcast.Hub, market MarketStreams, balances BalanceSource, history HistorySource, log *zap.Logger, defaultExchangeID int64, candleCount int) *Router {
	if candleCount <= 0 {
		candleCount = 200
	}
	return &Router{
		hub:               hub,
		market:            market,
		balances:          balances,
		history:           history,
		log:               log,
		defaultExchangeID: defaultExchangeID,
		candleCount:       candleCount,
	}
}

// Serve runs a client's read loop until disconnect, then purges its
// subscriptions. Purging is idempotent: a racing broadcast-side drop of the
// same client is harmless.
func (r *Router) Serve(ctx context.Context, client *Client) {
	go client.writePump()
	defer r.cleanup(client)

	r.log.Info("client connected",
		zap.String("client_id", client.ID()),
		zap.String("user_id", client.UserID()))

	for {
		_, raw, err := client.conn.ReadMessage()
		if err != nil {
			r.log.Debug("client read loop ended", zap.String("client_id", client.ID()), zap.Error(err))
			return
		}
		r.dispatch(ctx, client, raw)
	}
}

func (r *Router) cleanup(client *Client) {
	client.close()
	r.hub.RemoveClient(client.ID())
	r.market.RemoveClient(client.ID())
	r.log.Info("client disconnected", zap.String("client_id", client.ID()))
}

func (r *Router) dispatch(ctx context.Context, client *Client, raw []byte) {
	var msg inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		r.replyError(client, "malformed message")
		return
	}

	switch msg.Type {
	case msgSubscribe, msgSubscribeTicker:
		r.handleSubscribeTicker(ctx, client, msg)
	case msgConfigureStream:
		r.handleConfigureStream(ctx, client, msg)
	case msgChangeSubscription:
		r.handleChangeSubscription(ctx, client, msg)
	case msgUnsubscribe:
		r.handleUnsubscribe(client)
	case msgGetBalance:
		r.handleGetBalance(ctx, client, msg)
	case msgSubscribeBalance:
		r.handleSubscribeBalance(ctx, client, msg)
	case msgUnsubscribeBalance:
		r.hub.Unsubscribe(broadcast.ChannelBalance, client.ID())
		r.reply(client, "unsubscribed", map[string]any{"channel": broadcast.ChannelBalance})
	case msgTest:
		r.reply(client, "test_response", map[string]any{"clientId": client.ID()})
	default:
		// Unknown types are ignored; a typo in one frame must not kill the
		// connection.
		r.log.Warn("unknown message type",
			zap.String("client_id", client.ID()),
			zap.String("type", msg.Type))
	}
}

func (r *Router) handleSubscribeTicker(ctx context.Context, client *Client, msg inbound) {
	symbols := normalizeSymbols(msg.Symbols)
	if len(symbols) == 0 {
		r.replyError(client, "symbols required")
		return
	}
	exchangeID := r.exchangeID(msg)

	if err := r.market.AddTicker(ctx, exchangeID, client.ID(), symbols); err != nil {
		r.log.Error("ticker subscribe failed", zap.String("client_id", client.ID()), zap.Error(err))
		r.replyError(client, "ticker subscription failed")
		return
	}
	r.hub.Subscribe(broadcast.ChannelTicker, client, symbols)

	r.reply(client, "subscription_confirmed", map[string]any{
		"channel": broadcast.ChannelTicker,
		"symbols": symbols,
	})

	// Cached snapshots first so the client never renders a blank state.
	for _, sym := range symbols {
		if t, ok := r.market.CachedTicker(exchangeID, sym); ok {
			r.reply(client, "ticker_update", t)
		}
	}
}

func (r *Router) handleConfigureStream(ctx context.Context, client *Client, msg inbound) {
	switch strings.ToLower(msg.DataType) {
	case "ticker":
		r.handleSubscribeTicker(ctx, client, msg)

	case "kline", "candle":
		symbols := normalizeSymbols(msg.Symbols)
		if len(symbols) == 0 || msg.Interval == "" {
			r.replyError(client, "symbols and interval required")
			return
		}
		exchangeID := r.exchangeID(msg)

		for _, sym := range symbols {
			if err := r.market.AddCandle(ctx, exchangeID, client.ID(), sym, msg.Interval); err != nil {
				r.log.Error("candle subscribe failed", zap.String("client_id", client.ID()), zap.Error(err))
				r.replyError(client, "candle subscription failed")
				return
			}
		}
		r.hub.Subscribe(broadcast.ChannelCandle, client, symbols)

		r.reply(client, "subscription_confirmed", map[string]any{
			"channel":  broadcast.ChannelCandle,
			"symbols":  symbols,
			"interval": msg.Interval,
		})

		for _, sym := range symbols {
			r.replayCandles(ctx, client, exchangeID, sym, msg.Interval)
		}

	default:
		r.replyError(client, "unsupported dataType")
	}
}

func (r *Router) handleChangeSubscription(ctx context.Context, client *Client, msg inbound) {
	symbol := strings.ToUpper(strings.TrimSpace(msg.Symbol))
	if symbol == "" || msg.Interval == "" {
		r.replyError(client, "symbol and interval required")
		return
	}
	exchangeID := r.exchangeID(msg)

	if err := r.market.ChangeSubscription(ctx, exchangeID, client.ID(), symbol, msg.Interval); err != nil {
		r.log.Error("change subscription failed", zap.String("client_id", client.ID()), zap.Error(err))
		r.replyError(client, "subscription change failed")
		return
	}
	r.hub.Subscribe(broadcast.ChannelTicker, client, []string{symbol})
	r.hub.Subscribe(broadcast.ChannelCandle, client, []string{symbol})

	r.reply(client, "subscription_confirmed", map[string]any{
		"symbol":   symbol,
		"interval": msg.Interval,
	})

	if t, ok := r.market.CachedTicker(exchangeID, symbol); ok {
		r.reply(client, "ticker_update", t)
	}
	r.replayCandles(ctx, client, exchangeID, symbol, msg.Interval)
}

func (r *Router) handleUnsubscribe(client *Client) {
	r.hub.RemoveClient(client.ID())
	r.market.RemoveClient(client.ID())
	r.reply(client, "unsubscribed", nil)
}

func (r *Router) handleGetBalance(ctx context.Context, client *Client, msg inbound) {
	balances, err := r.balances.Get(ctx, r.exchangeID(msg), msg.Asset)
	if err != nil {
		r.log.Error("balance query failed", zap.String("client_id", client.ID()), zap.Error(err))
		r.replyError(client, "balance query failed")
		return
	}
	r.reply(client, "balance_data", balances)
}

func (r *Router) handleSubscribeBalance(ctx context.Context, client *Client, msg inbound) {
	r.hub.Subscribe(broadcast.ChannelBalance, client, nil)
	r.reply(client, "subscription_confirmed", map[string]any{"channel": broadcast.ChannelBalance})

	// Immediate snapshot; pushes follow from the user data stream.
	balances, err := r.balances.Get(ctx, r.exchangeID(msg), "ALL")
	if err != nil {
		r.log.Warn("initial balance fetch failed", zap.String("client_id", client.ID()), zap.Error(err))
		return
	}
	r.reply(client, "balance_update", balances)
}

// replayCandles sends recent history from the exchange REST API, then the
// cached live candle when one is newer.
func (r *Router) replayCandles(ctx context.Context, client *Client, exchangeID int64, symbol, interval string) {
	gw, err := r.history.Gateway(ctx, exchangeID)
	if err == nil {
		candles, kerr := gw.GetKlines(ctx, symbol, interval, r.candleCount)
		if kerr != nil {
			r.log.Warn("historical candle fetch failed", zap.String("symbol", symbol), zap.Error(kerr))
		} else if len(candles) > 0 {
			r.reply(client, "historical_candles", map[string]any{
				"symbol":   symbol,
				"interval": interval,
				"candles":  candles,
			})
		}
	}

	if c, ok := r.market.CachedCandle(exchangeID, symbol, interval); ok {
		r.reply(client, "candle_update", c)
	}
}

func (r *Router) exchangeID(msg inbound) int64 {
	if msg.ExchangeID > 0 {
		return msg.ExchangeID
	}
	return r.defaultExchangeID
}

func (r *Router) reply(client *Client, msgType string, data any) {
	payload, err := json.Marshal(broadcast.NewEnvelope(msgType, data))
	if err != nil {
		r.log.Error("reply marshal failed", zap.String("type", msgType), zap.Error(err))
		return
	}
	if err := client.Send(payload); err != nil {
		r.log.Debug("reply dropped", zap.String("client_id", client.ID()), zap.Error(err))
	}
}

func (r *Router) replyError(client *Client, reason string) {
	r.reply(client, "error", map[string]any{"message": reason})
}

func normalizeSymbols(symbols []string) []string {
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
