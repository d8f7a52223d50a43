package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"martingale-core/internal/broadcast"
	"martingale-core/internal/endpoints"
	"martingale-core/internal/events"
	"martingale-core/pkg/db"
	"martingale-core/pkg/exchange"
	"martingale-core/pkg/exchange/binance"
)

// errListenKeyExpired triggers a transparent token renewal, not a failure.
var errListenKeyExpired = errors.New("listen key expired")

// ErrStreamHalted is returned when reconnects were exhausted and a manual
// Reset is required.
var ErrStreamHalted = errors.New("user data stream halted after repeated failures")

// OrderLookup resolves private-stream fills back to bot orders.
type OrderLookup interface {
	OrderByExchangeOrderID(ctx context.Context, exchangeOrderID string) (*db.Order, error)
	OrderByClientOrderID(ctx context.Context, clientOrderID string) (*db.Order, error)
}

// FillHandler reacts to confirmed fills of bot orders.
type FillHandler interface {
	HandleFill(ctx context.Context, ord *db.Order, report exchange.ExecutionReport)
}

// GatewayProvider hands out the signed REST gateway for an exchange record.
type GatewayProvider interface {
	Gateway(ctx context.Context, exchangeID int64) (exchange.Gateway, error)
}

// UserStreamConfig bounds reconnect behavior.
type UserStreamConfig struct {
	MaxFailures    int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	KeepAliveEvery time.Duration
}

type session struct {
	cancel   context.CancelFunc
	failures int
	halted   bool
}

// UserStreams runs one authenticated private stream per exchange credential.
type UserStreams struct {
	cfg      UserStreamConfig
	repo     OrderLookup
	venues   GatewayProvider
	resolver *endpoints.Resolver
	hub      *broadcast.Hub
	bus      *events.Bus
	log      *zap.Logger
	dial     DialFunc

	// invalidate drops cached gateways/endpoints after 404-class errors.
	invalidate func(exchangeID int64)

	strategy FillHandler

	mu       sync.Mutex
	sessions map[int64]*session
}

// NewUserStreams builds the user data stream manager.
func NewUserStreams(cfg UserStreamConfig, repo OrderLookup, venues GatewayProvider, resolver *endpoints.Resolver, hub *broadcast.Hub, bus *events.Bus, log *zap.Logger) *UserStreams {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = time.Minute
	}
	if cfg.KeepAliveEvery <= 0 {
		cfg.KeepAliveEvery = 30 * time.Minute
	}
	return &UserStreams{
		cfg:        cfg,
		repo:       repo,
		venues:     venues,
		resolver:   resolver,
		hub:        hub,
		bus:        bus,
		log:        log,
		dial:       Dial,
		invalidate: func(int64) {},
		sessions:   make(map[int64]*session),
	}
}

// SetDialFunc overrides the upstream dialer (tests).
func (u *UserStreams) SetDialFunc(dial DialFunc) { u.dial = dial }

// SetInvalidator wires the gateway-pool invalidation hook.
func (u *UserStreams) SetInvalidator(fn func(exchangeID int64)) { u.invalidate = fn }

// SetFillHandler wires the strategy engine. Must be called before Start.
func (u *UserStreams) SetFillHandler(h FillHandler) { u.strategy = h }

// Start opens the private stream for an exchange. Calling Start for an
// exchange that already has a session is a no-op.
func (u *UserStreams) Start(ctx context.Context, exchangeID int64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.sessions[exchangeID]; ok {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	s := &session{cancel: cancel}
	u.sessions[exchangeID] = s
	go u.run(runCtx, exchangeID, s)
}

// Stop tears down the stream for an exchange. Idempotent.
func (u *UserStreams) Stop(exchangeID int64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if s, ok := u.sessions[exchangeID]; ok {
		s.cancel()
		delete(u.sessions, exchangeID)
	}
}

// Reset clears the failure counter for a halted stream and reconnects.
func (u *UserStreams) Reset(ctx context.Context, exchangeID int64) {
	u.Stop(exchangeID)
	u.Start(ctx, exchangeID)
}

// Failures reports the consecutive-failure count and whether the stream gave
// up reconnecting.
func (u *UserStreams) Failures(exchangeID int64) (int, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if s, ok := u.sessions[exchangeID]; ok {
		return s.failures, s.halted
	}
	return 0, false
}

func (u *UserStreams) run(ctx context.Context, exchangeID int64, s *session) {
	log := u.log.With(zap.Int64("exchange_id", exchangeID))

	for {
		if ctx.Err() != nil {
			return
		}

		err := u.connectAndStream(ctx, exchangeID, s)
		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, errListenKeyExpired):
			// Re-acquire the session token transparently.
			log.Info("listen key expired, renewing")
			continue
		}

		u.mu.Lock()
		s.failures++
		failures := s.failures
		if failures >= u.cfg.MaxFailures {
			s.halted = true
		}
		halted := s.halted
		u.mu.Unlock()

		if halted {
			// Silent infinite retry is a correctness hazard; surface
			// the failure and wait for a manual Reset.
			log.Error("user data stream halted, manual reset required",
				zap.Int("failures", failures), zap.Error(err))
			u.bus.Publish(events.EventStreamDown, exchangeID)
			u.hub.Broadcast(broadcast.ChannelBot, "",
				broadcast.NewEnvelope("stream_error", map[string]any{
					"exchangeId": exchangeID,
					"error":      ErrStreamHalted.Error(),
				}), broadcast.PriorityHigh)
			return
		}

		delay := backoffDelay(u.cfg.BackoffBase, u.cfg.BackoffMax, failures)
		log.Warn("user data stream disconnected, reconnecting",
			zap.Int("failures", failures),
			zap.Duration("delay", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (u *UserStreams) connectAndStream(ctx context.Context, exchangeID int64, s *session) error {
	gw, err := u.venues.Gateway(ctx, exchangeID)
	if err != nil {
		return err
	}

	listenKey, err := gw.CreateListenKey(ctx)
	if err != nil {
		if binance.IsNotFound(err) {
			u.invalidate(exchangeID)
		}
		return fmt.Errorf("create listen key: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.CloseListenKey(closeCtx, listenKey)
	}()

	ep, err := u.resolver.Resolve(ctx, exchangeID)
	if err != nil {
		return err
	}

	conn, err := u.dial(ctx, ep.StreamBase+"/ws/"+listenKey)
	if err != nil {
		if errors.Is(err, ErrEndpointGone) {
			u.invalidate(exchangeID)
		}
		return err
	}
	defer conn.Close()

	// Connected; the consecutive-failure counter starts over.
	u.mu.Lock()
	s.failures = 0
	u.mu.Unlock()
	u.log.Info("user data stream connected", zap.Int64("exchange_id", exchangeID))

	keepAliveCtx, stopKeepAlive := context.WithCancel(ctx)
	defer stopKeepAlive()
	go u.keepAlive(keepAliveCtx, gw, listenKey)

	// ReadMessage does not honor ctx; closing the conn unblocks it on Stop.
	go func() {
		<-keepAliveCtx.Done()
		_ = conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if renew := u.handleMessage(ctx, exchangeID, msg); renew {
			return errListenKeyExpired
		}
	}
}

func (u *UserStreams) keepAlive(ctx context.Context, gw exchange.Gateway, listenKey string) {
	ticker := time.NewTicker(u.cfg.KeepAliveEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := gw.KeepAliveListenKey(ctx, listenKey); err != nil {
				u.log.Warn("listen key keepalive failed", zap.Error(err))
			}
		}
	}
}

// handleMessage decodes one private-stream event. The returned flag requests
// a listen key renewal.
func (u *UserStreams) handleMessage(ctx context.Context, exchangeID int64, msg []byte) bool {
	switch binance.EventType(msg) {
	case binance.EventListenKeyExpired:
		return true

	case binance.EventExecutionReport:
		report, err := binance.ParseExecutionReport(msg)
		if err != nil {
			u.log.Warn("execution report parse failed", zap.Error(err))
			return false
		}
		u.handleExecutionReport(ctx, exchangeID, report)

	case binance.EventAccountPosition:
		balances, err := binance.ParseBalances(msg)
		if err != nil {
			u.log.Warn("balance event parse failed", zap.Error(err))
			return false
		}
		u.hub.Broadcast(broadcast.ChannelBalance, "",
			broadcast.NewEnvelope("balance_update", balances), broadcast.PriorityNormal)

	default:
		// balanceUpdate and unknown event kinds are not needed by the core.
	}
	return false
}

func (u *UserStreams) handleExecutionReport(ctx context.Context, exchangeID int64, report exchange.ExecutionReport) {
	prio := broadcast.PriorityNormal
	if report.Status == string(exchange.StatusFilled) {
		prio = broadcast.PriorityHigh
	}
	u.hub.Broadcast(broadcast.ChannelOrder, report.Symbol,
		broadcast.NewEnvelope("order_update", report), prio)
	u.bus.Publish(events.EventOrderUpdate, report)

	if report.Status != string(exchange.StatusFilled) {
		return
	}

	ord, err := u.repo.OrderByExchangeOrderID(ctx, report.ExchangeOrderID)
	if errors.Is(err, db.ErrNotFound) && report.ClientOrderID != "" {
		// A fill can arrive before the placement ack writes the exchange
		// order id; the client order id is stamped before submission.
		ord, err = u.repo.OrderByClientOrderID(ctx, report.ClientOrderID)
	}
	if errors.Is(err, db.ErrNotFound) {
		// Manual (non-bot) trade: broadcast only, never fed to the
		// strategy engine.
		u.log.Debug("manual trade fill",
			zap.Int64("exchange_id", exchangeID),
			zap.String("exchange_order_id", report.ExchangeOrderID))
		return
	}
	if err != nil {
		u.log.Error("order lookup failed", zap.String("exchange_order_id", report.ExchangeOrderID), zap.Error(err))
		return
	}

	if u.strategy != nil {
		u.strategy.HandleFill(ctx, ord, report)
	}
}

// backoffDelay doubles per failure, capped.
func backoffDelay(base, max time.Duration, failures int) time.Duration {
	delay := base
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
