package stream

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"martingale-core/internal/broadcast"
	"martingale-core/internal/endpoints"
	"martingale-core/internal/events"
	"martingale-core/pkg/exchange"
	"martingale-core/pkg/exchange/binance"
)

// Stream kinds multiplexed over upstream connections.
const (
	kindTicker = "ticker"
	kindKline  = "kline"
)

type streamKey struct {
	exchangeID int64
	kind       string
}

type symbolKey struct {
	exchangeID int64
	name       string // symbol for tickers, symbol@interval for candles
}

// subscribeFrame is the upstream delta message shape.
type subscribeFrame struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int      `json:"id"`
}

// upstream is one live connection per (exchange, stream kind).
type upstream struct {
	conn    Conn
	writeMu sync.Mutex
	nextID  int
	subs    map[string]map[string]struct{} // stream name -> client ids
	pending map[string]*time.Timer         // debounced unsubscribes
	cancel  context.CancelFunc
}

func (u *upstream) writeDelta(method string, params ...string) error {
	u.writeMu.Lock()
	defer u.writeMu.Unlock()
	u.nextID++
	return u.conn.WriteJSON(subscribeFrame{Method: method, Params: params, ID: u.nextID})
}

// Multiplexer maintains exactly one upstream connection per (exchange,
// stream kind), tracks the union of client interest, and caches the latest
// value per symbol for instant replay.
type Multiplexer struct {
	resolver *endpoints.Resolver
	hub      *broadcast.Hub
	bus      *events.Bus
	log      *zap.Logger
	dial     DialFunc
	debounce time.Duration

	mu      sync.Mutex
	ups     map[streamKey]*upstream
	tickers map[symbolKey]exchange.Ticker
	candles map[symbolKey]exchange.Candle
}

// NewMultiplexer builds the market data multiplexer.
func NewMultiplexer(resolver *endpoints.Resolver, hub *broadcast.Hub, bus *events.Bus, log *zap.Logger, debounce time.Duration) *Multiplexer {
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	return &Multiplexer{
		resolver: resolver,
		hub:      hub,
		bus:      bus,
		log:      log,
		dial:     Dial,
		debounce: debounce,
		ups:      make(map[streamKey]*upstream),
		tickers:  make(map[symbolKey]exchange.Ticker),
		candles:  make(map[symbolKey]exchange.Candle),
	}
}

// SetDialFunc overrides the upstream dialer (tests).
func (m *Multiplexer) SetDialFunc(dial DialFunc) { m.dial = dial }

// AddTicker registers a client's interest in ticker streams for symbols.
func (m *Multiplexer) AddTicker(ctx context.Context, exchangeID int64, clientID string, symbols []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sym := range symbols {
		name := strings.ToLower(sym) + "@ticker"
		if err := m.addLocked(ctx, streamKey{exchangeID, kindTicker}, name, clientID); err != nil {
			return err
		}
	}
	return nil
}

// AddCandle registers a client's interest in one symbol+interval kline stream.
func (m *Multiplexer) AddCandle(ctx context.Context, exchangeID int64, clientID, symbol, interval string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := strings.ToLower(symbol) + "@kline_" + interval
	return m.addLocked(ctx, streamKey{exchangeID, kindKline}, name, clientID)
}

// ChangeSubscription swaps a client's ticker and candle interest to a new
// symbol in one step.
func (m *Multiplexer) ChangeSubscription(ctx context.Context, exchangeID int64, clientID, symbol, interval string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.removeClientLocked(clientID)

	if err := m.addLocked(ctx, streamKey{exchangeID, kindTicker}, strings.ToLower(symbol)+"@ticker", clientID); err != nil {
		return err
	}
	return m.addLocked(ctx, streamKey{exchangeID, kindKline}, strings.ToLower(symbol)+"@kline_"+interval, clientID)
}

// RemoveClient drops all of a client's stream interest. Idempotent; the last
// unsubscriber of a stream arms a debounce timer before the upstream delta
// is actually sent, to absorb rapid resubscribe churn.
func (m *Multiplexer) RemoveClient(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeClientLocked(clientID)
}

// CachedTicker returns the latest ticker for a symbol if one was seen.
func (m *Multiplexer) CachedTicker(exchangeID int64, symbol string) (exchange.Ticker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickers[symbolKey{exchangeID, symbol}]
	return t, ok
}

// CachedCandle returns the latest candle for a symbol+interval if one was seen.
func (m *Multiplexer) CachedCandle(exchangeID int64, symbol, interval string) (exchange.Candle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.candles[symbolKey{exchangeID, symbol + "@" + interval}]
	return c, ok
}

func (m *Multiplexer) addLocked(ctx context.Context, key streamKey, name, clientID string) error {
	up, err := m.ensureUpstreamLocked(ctx, key)
	if err != nil {
		return err
	}

	// A pending teardown for this stream is no longer wanted.
	if timer, ok := up.pending[name]; ok {
		timer.Stop()
		delete(up.pending, name)
	}

	clients, existed := up.subs[name]
	if !existed {
		clients = make(map[string]struct{})
		up.subs[name] = clients
	}
	clients[clientID] = struct{}{}

	if !existed {
		if err := up.writeDelta("SUBSCRIBE", name); err != nil {
			m.dropUpstreamLocked(key)
			return err
		}
	}
	return nil
}

func (m *Multiplexer) removeClientLocked(clientID string) {
	for key, up := range m.ups {
		for name, clients := range up.subs {
			if _, ok := clients[clientID]; !ok {
				continue
			}
			delete(clients, clientID)
			if len(clients) == 0 {
				m.armTeardownLocked(key, up, name)
			}
		}
	}
}

// armTeardownLocked schedules the upstream UNSUBSCRIBE delta after the
// debounce window, re-checking need before actually tearing down.
func (m *Multiplexer) armTeardownLocked(key streamKey, up *upstream, name string) {
	if _, ok := up.pending[name]; ok {
		return
	}
	up.pending[name] = time.AfterFunc(m.debounce, func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		current, ok := m.ups[key]
		if !ok || current != up {
			return // upstream was already dropped and rebuilt
		}
		delete(up.pending, name)
		if len(up.subs[name]) > 0 {
			return // a client resubscribed during the debounce window
		}
		delete(up.subs, name)
		if err := up.writeDelta("UNSUBSCRIBE", name); err != nil {
			m.log.Warn("upstream unsubscribe failed", zap.String("stream", name), zap.Error(err))
		}
	})
}

func (m *Multiplexer) ensureUpstreamLocked(ctx context.Context, key streamKey) (*upstream, error) {
	if up, ok := m.ups[key]; ok {
		return up, nil
	}

	ep, err := m.resolver.Resolve(ctx, key.exchangeID)
	if err != nil {
		return nil, err
	}

	conn, err := m.dial(ctx, ep.StreamBase+"/ws")
	if err != nil {
		if errors.Is(err, ErrEndpointGone) {
			m.resolver.Invalidate(key.exchangeID)
		}
		return nil, err
	}

	readCtx, cancel := context.WithCancel(context.Background())
	up := &upstream{
		conn:    conn,
		subs:    make(map[string]map[string]struct{}),
		pending: make(map[string]*time.Timer),
		cancel:  cancel,
	}
	m.ups[key] = up

	go m.readLoop(readCtx, key, up)
	return up, nil
}

// dropUpstreamLocked clears all tracked subscriptions for a dead upstream.
// The connection is re-established lazily on next client demand.
func (m *Multiplexer) dropUpstreamLocked(key streamKey) {
	up, ok := m.ups[key]
	if !ok {
		return
	}
	up.cancel()
	_ = up.conn.Close()
	for _, timer := range up.pending {
		timer.Stop()
	}
	delete(m.ups, key)
}

func (m *Multiplexer) readLoop(ctx context.Context, key streamKey, up *upstream) {
	for {
		_, msg, err := up.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				m.log.Warn("market stream closed",
					zap.Int64("exchange_id", key.exchangeID),
					zap.String("kind", key.kind),
					zap.Error(err))
				m.mu.Lock()
				m.dropUpstreamLocked(key)
				m.mu.Unlock()
			}
			return
		}
		m.handleMessage(key, msg)
	}
}

func (m *Multiplexer) handleMessage(key streamKey, msg []byte) {
	switch binance.EventType(msg) {
	case binance.EventTicker:
		t, err := binance.ParseTicker(msg)
		if err != nil {
			m.log.Warn("ticker parse failed", zap.Error(err))
			return
		}
		m.mu.Lock()
		m.tickers[symbolKey{key.exchangeID, t.Symbol}] = t
		m.mu.Unlock()

		m.hub.Broadcast(broadcast.ChannelTicker, t.Symbol,
			broadcast.NewEnvelope("ticker_update", t), broadcast.PriorityNormal)
		m.bus.Publish(events.EventPriceTick, events.PriceTick{
			ExchangeID: key.exchangeID,
			Symbol:     t.Symbol,
			Price:      t.Price,
		})

	case binance.EventKline:
		c, err := binance.ParseKline(msg)
		if err != nil {
			m.log.Warn("kline parse failed", zap.Error(err))
			return
		}
		m.mu.Lock()
		m.candles[symbolKey{key.exchangeID, c.Symbol + "@" + c.Interval}] = c
		m.mu.Unlock()

		m.hub.Broadcast(broadcast.ChannelCandle, c.Symbol,
			broadcast.NewEnvelope("candle_update", c), broadcast.PriorityNormal)

	default:
		// SUBSCRIBE/UNSUBSCRIBE acks carry no event tag; nothing to do.
	}
}
