package strategy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"martingale-core/internal/broadcast"
	"martingale-core/internal/events"
	"martingale-core/pkg/db"
	"martingale-core/pkg/exchange"
)

// ErrCycleActive is returned when a cycle start is requested for a bot that
// already has one running.
var ErrCycleActive = errors.New("strategy: bot already has an active cycle")

type watchKey struct {
	exchangeID int64
	symbol     string
}

// Engine drives the Martingale state machine for every active bot. All
// cycle-mutating operations for one bot are serialized by a per-bot lock;
// different bots proceed fully in parallel.
type Engine struct {
	repo   Repository
	venues GatewayProvider
	hub    *broadcast.Hub
	bus    *events.Bus
	log    *zap.Logger
	market MarketWatcher

	mu        sync.Mutex
	locks     map[int64]*sync.Mutex
	cooldowns map[int64]*time.Timer
	watch     map[int64]watchKey
}

// NewEngine builds the strategy engine.
func NewEngine(repo Repository, venues GatewayProvider, hub *broadcast.Hub, bus *events.Bus, log *zap.Logger) *Engine {
	return &Engine{
		repo:      repo,
		venues:    venues,
		hub:       hub,
		bus:       bus,
		log:       log,
		locks:     make(map[int64]*sync.Mutex),
		cooldowns: make(map[int64]*time.Timer),
		watch:     make(map[int64]watchKey),
	}
}

// SetMarketWatcher wires the market data multiplexer so the engine receives
// price ticks for bot symbols.
func (e *Engine) SetMarketWatcher(m MarketWatcher) { e.market = m }

func (e *Engine) botLock(botID int64) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[botID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[botID] = l
	}
	return l
}

// Run consumes price ticks until ctx is done. Safety-order evaluation off
// price ticks is idempotent, so missed or duplicated ticks are harmless.
func (e *Engine) Run(ctx context.Context) {
	ch, unsub := e.bus.Subscribe(events.EventPriceTick, 256)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-ch:
			if !ok {
				return
			}
			if tick, ok := v.(events.PriceTick); ok {
				e.onTick(ctx, tick)
			}
		}
	}
}

// Resume re-arms every bot flagged active after a restart: bots without a
// running cycle get a fresh one, bots mid-cycle get their take-profit and
// safety ladder verified and re-placed where a previous shutdown left gaps.
func (e *Engine) Resume(ctx context.Context) {
	bots, err := e.repo.ListActiveBots(ctx)
	if err != nil {
		e.log.Error("resume: list active bots failed", zap.Error(err))
		return
	}

	for i := range bots {
		bot := bots[i]
		e.watchBot(ctx, &bot)

		if err := e.ResumeCycle(ctx, bot.ID); err != nil {
			e.log.Error("resume: bot re-arm failed", zap.Int64("bot_id", bot.ID), zap.Error(err))
		}
	}
}

// ValidateBot pre-flights a bot's parameters against the exchange's
// constraints. A bot whose configured sizes cannot produce a valid order is
// rejected up front instead of failing on its first placement.
func (e *Engine) ValidateBot(ctx context.Context, bot *db.Bot) error {
	if bot.Direction != db.DirectionLong && bot.Direction != db.DirectionShort {
		return fmt.Errorf("direction %q is not long or short", bot.Direction)
	}
	if bot.BaseOrderAmount <= 0 || bot.SafetyOrderAmount <= 0 {
		return errors.New("order amounts must be positive")
	}
	if bot.SafetyOrderSizeMult <= 0 || bot.PriceDeviationMult <= 0 {
		return errors.New("multipliers must be positive")
	}
	if bot.PriceDeviationPct <= 0 || bot.TakeProfitPct <= 0 {
		return errors.New("deviation and take-profit percentages must be positive")
	}
	if bot.MaxSafetyOrders < 0 || bot.ActiveSafetyOrders < 0 || bot.ActiveSafetyOrders > bot.MaxSafetyOrders {
		return errors.New("safety order counts are inconsistent")
	}

	gw, err := e.venues.Gateway(ctx, bot.ExchangeID)
	if err != nil {
		return err
	}
	filters, err := gw.GetSymbolFilters(ctx, bot.Symbol)
	if err != nil {
		return fmt.Errorf("symbol filters for %s: %w", bot.Symbol, err)
	}
	price, err := gw.GetPrice(ctx, bot.Symbol)
	if err != nil {
		return fmt.Errorf("price for %s: %w", bot.Symbol, err)
	}

	if _, err := sizeByQuote(filters, bot.BaseOrderAmount, price); err != nil {
		return fmt.Errorf("base order: %w", err)
	}
	for k := 1; k <= bot.MaxSafetyOrders; k++ {
		amount := SafetyOrderAmount(bot.SafetyOrderAmount, bot.SafetyOrderSizeMult, k)
		trigger := SafetyTriggerPrice(price, bot.Direction, bot.PriceDeviationPct, bot.PriceDeviationMult, k)
		if _, err := sizeByQuote(filters, amount, filters.SnapPrice(trigger)); err != nil {
			return fmt.Errorf("safety order %d: %w", k, err)
		}
	}
	return nil
}

// StartBot validates, activates and opens the first cycle for a bot.
func (e *Engine) StartBot(ctx context.Context, botID int64) error {
	bot, err := e.repo.GetBot(ctx, botID)
	if err != nil {
		return err
	}
	if err := e.ValidateBot(ctx, bot); err != nil {
		return fmt.Errorf("bot %d validation: %w", botID, err)
	}
	if err := e.repo.UpdateBotStatus(ctx, botID, db.BotActive, true, ""); err != nil {
		return err
	}
	e.watchBot(ctx, bot)

	err = e.StartCycle(ctx, botID)
	if errors.Is(err, ErrCycleActive) {
		// A stop interrupted a cycle mid-flight; re-arm it instead of
		// stranding the invested position without an exit order.
		return e.ResumeCycle(ctx, botID)
	}
	return err
}

// StopBot deactivates a bot: pending cooldown is cancelled, open orders of
// the active cycle are cancelled on the exchange, the bot is marked stopped.
// The cycle row stays active; restarting via StartBot re-arms it.
func (e *Engine) StopBot(ctx context.Context, botID int64) error {
	lock := e.botLock(botID)
	lock.Lock()
	defer lock.Unlock()

	e.cancelCooldown(botID)
	e.unwatchBot(botID)

	bot, err := e.repo.GetBot(ctx, botID)
	if err != nil {
		return err
	}

	if cycle, err := e.repo.ActiveCycle(ctx, botID); err == nil {
		if err := e.cancelOpenOrders(ctx, bot, cycle.ID); err != nil {
			e.log.Warn("stop: cancel open orders", zap.Int64("bot_id", botID), zap.Error(err))
		}
	}

	return e.repo.UpdateBotStatus(ctx, botID, db.BotStopped, false, "")
}

// StartCycle opens a new cycle for a bot under its serialization lock.
func (e *Engine) StartCycle(ctx context.Context, botID int64) error {
	lock := e.botLock(botID)
	lock.Lock()
	defer lock.Unlock()

	bot, err := e.repo.GetBot(ctx, botID)
	if err != nil {
		return err
	}
	return e.startCycleLocked(ctx, bot)
}

func (e *Engine) startCycleLocked(ctx context.Context, bot *db.Bot) error {
	if _, err := e.repo.ActiveCycle(ctx, bot.ID); err == nil {
		return ErrCycleActive
	} else if !errors.Is(err, db.ErrNotFound) {
		return err
	}

	gw, err := e.venues.Gateway(ctx, bot.ExchangeID)
	if err != nil {
		return err
	}

	price, err := gw.GetPrice(ctx, bot.Symbol)
	if err != nil {
		return fmt.Errorf("price for %s: %w", bot.Symbol, err)
	}

	if err := e.checkBalance(ctx, gw, bot, price); err != nil {
		e.failBot(ctx, bot.ID, err.Error())
		return err
	}

	cycle, err := e.repo.CreateCycle(ctx, bot.ID)
	if err != nil {
		return err
	}
	e.log.Info("cycle started",
		zap.Int64("bot_id", bot.ID),
		zap.Int64("cycle_id", cycle.ID),
		zap.Int("sequence", cycle.Sequence),
		zap.String("symbol", bot.Symbol))

	return e.placeBaseOrder(ctx, gw, bot, cycle, price)
}

// ResumeCycle re-arms a cycle whose open orders were cancelled by a stop or
// left incomplete by a shutdown: the take-profit is re-placed from the
// current average when none is live, and missing safety rungs are re-placed
// up to the ladder policy's target. A bot with no active cycle gets a fresh
// one.
func (e *Engine) ResumeCycle(ctx context.Context, botID int64) error {
	lock := e.botLock(botID)
	lock.Lock()
	defer lock.Unlock()

	bot, err := e.repo.GetBot(ctx, botID)
	if err != nil {
		return err
	}
	cycle, err := e.repo.ActiveCycle(ctx, botID)
	if errors.Is(err, db.ErrNotFound) {
		return e.startCycleLocked(ctx, bot)
	}
	if err != nil {
		return err
	}

	orders, err := e.repo.OrdersByCycle(ctx, cycle.ID)
	if err != nil {
		return err
	}
	var entry float64
	for _, o := range orders {
		if o.Type == db.OrderTypeBase && o.Status == db.OrderFilled {
			entry = o.FilledPrice
			break
		}
	}
	if entry <= 0 {
		// The base order never filled: nothing is invested, so close the
		// empty cycle and open a fresh one.
		if err := e.repo.CompleteCycle(ctx, cycle.ID, 0); err != nil {
			return err
		}
		return e.startCycleLocked(ctx, bot)
	}

	if _, err := e.repo.LiveTakeProfit(ctx, cycle.ID); errors.Is(err, db.ErrNotFound) {
		if err := e.placeTakeProfit(ctx, bot, cycle.ID); err != nil {
			e.failBot(ctx, bot.ID, fmt.Sprintf("take-profit replacement: %v", err))
			return err
		}
	} else if err != nil {
		return err
	}

	return e.topUpSafetyLadder(ctx, bot, cycle.ID, entry, orders)
}

// topUpSafetyLadder re-places safety rungs missing from the ladder, up to the
// policy's target: the full ladder when pre-placement is disabled, otherwise
// the configured count beyond what has already filled.
func (e *Engine) topUpSafetyLadder(ctx context.Context, bot *db.Bot, cycleID int64, entryPrice float64, orders []db.Order) error {
	standing := make(map[int]bool)
	filled := 0
	for _, o := range orders {
		if o.Type != db.OrderTypeSafety {
			continue
		}
		switch o.Status {
		case db.OrderFilled:
			filled++
			standing[o.SafetyIndex] = true
		case db.OrderPending, db.OrderActive:
			standing[o.SafetyIndex] = true
		}
	}

	target := bot.MaxSafetyOrders
	if bot.ActiveSafetyOrders > 0 && filled+bot.ActiveSafetyOrders < target {
		target = filled + bot.ActiveSafetyOrders
	}
	for k := 1; k <= target; k++ {
		if standing[k] {
			continue
		}
		if err := e.placeSafetyOrder(ctx, bot, cycleID, entryPrice, k); err != nil {
			return err
		}
	}
	return nil
}

// checkBalance aborts a cycle whose base order the account cannot fund. The
// safety ladder locks funds only as rungs are placed, so it is not
// pre-checked here.
func (e *Engine) checkBalance(ctx context.Context, gw exchange.Gateway, bot *db.Bot, price float64) error {
	required := bot.BaseOrderAmount

	balances, err := gw.GetBalances(ctx)
	if err != nil {
		return fmt.Errorf("balance check: %w", err)
	}

	asset := quoteAsset(bot.Symbol)
	var free float64
	for _, b := range balances {
		if b.Asset == asset {
			free = b.Free
			break
		}
	}
	if bot.Direction == db.DirectionShort {
		// Short entries sell the base asset; value its free amount in quote.
		asset = baseAsset(bot.Symbol)
		free = 0
		for _, b := range balances {
			if b.Asset == asset {
				free = b.Free * price
				break
			}
		}
	}

	if free < required {
		return fmt.Errorf("insufficient balance: %.2f %s free, %.2f required for base order", free, asset, required)
	}
	return nil
}

func (e *Engine) placeBaseOrder(ctx context.Context, gw exchange.Gateway, bot *db.Bot, cycle *db.Cycle, price float64) error {
	filters, err := gw.GetSymbolFilters(ctx, bot.Symbol)
	if err != nil {
		return err
	}
	qty, err := sizeByQuote(filters, bot.BaseOrderAmount, price)
	if err != nil {
		e.failBot(ctx, bot.ID, err.Error())
		return err
	}

	ord := &db.Order{
		CycleID:       cycle.ID,
		BotID:         bot.ID,
		Type:          db.OrderTypeBase,
		Side:          string(entrySide(bot.Direction)),
		Category:      string(exchange.OrderTypeMarket),
		Symbol:        bot.Symbol,
		Qty:           qty,
		Price:         price,
		ClientOrderID: newClientOrderID(),
	}
	if err := e.repo.CreateOrder(ctx, ord); err != nil {
		return err
	}

	ack, err := gw.SubmitOrder(ctx, exchange.OrderRequest{
		Symbol:   bot.Symbol,
		Side:     entrySide(bot.Direction),
		Type:     exchange.OrderTypeMarket,
		Qty:      qty,
		ClientID: ord.ClientOrderID,
	})
	if err != nil {
		e.failOrder(ctx, ord.ID, err)
		e.failBot(ctx, bot.ID, fmt.Sprintf("base order placement: %v", err))
		return err
	}
	if err := e.repo.UpdateOrderPlaced(ctx, ord.ID, ack.ExchangeOrderID, db.OrderActive); err != nil {
		return err
	}
	ord.ExchangeOrderID = ack.ExchangeOrderID

	// Market orders usually ack already filled; the private stream delivers
	// the same fill later, which applyFill treats as a no-op.
	if ack.Status == exchange.StatusFilled {
		fillQty, fillPrice := ack.ExecutedQty, ack.AvgPrice
		if fillQty <= 0 {
			fillQty = qty
		}
		if fillPrice <= 0 {
			fillPrice = price
		}
		return e.applyFillLocked(ctx, bot, ord, fillQty, fillPrice)
	}
	return nil
}

// HandleFill processes a confirmed fill from the private stream. Safe to call
// more than once for the same order.
func (e *Engine) HandleFill(ctx context.Context, ord *db.Order, report exchange.ExecutionReport) {
	lock := e.botLock(ord.BotID)
	lock.Lock()
	defer lock.Unlock()

	// Reload: an inline market fill may already have been applied.
	if fresh, err := e.reloadOrder(ctx, ord); err == nil {
		ord = fresh
	}
	if ord.Status == db.OrderFilled {
		return
	}

	bot, err := e.repo.GetBot(ctx, ord.BotID)
	if err != nil {
		e.log.Error("fill: bot lookup failed", zap.Int64("bot_id", ord.BotID), zap.Error(err))
		return
	}

	qty := report.CumQty
	if qty <= 0 {
		qty = ord.Qty
	}
	price := report.AvgFillPrice()
	if price <= 0 {
		price = ord.Price
	}

	if err := e.applyFillLocked(ctx, bot, ord, qty, price); err != nil {
		e.log.Error("fill handling failed",
			zap.Int64("bot_id", bot.ID),
			zap.Int64("order_id", ord.ID),
			zap.String("type", ord.Type),
			zap.Error(err))
	}
}

// reloadOrder fetches the current row for an order. The exchange order id can
// still be unset when a fill beats the placement ack; the client order id is
// stamped before submission and always resolves.
func (e *Engine) reloadOrder(ctx context.Context, ord *db.Order) (*db.Order, error) {
	if ord.ExchangeOrderID != "" {
		return e.repo.OrderByExchangeOrderID(ctx, ord.ExchangeOrderID)
	}
	if ord.ClientOrderID != "" {
		return e.repo.OrderByClientOrderID(ctx, ord.ClientOrderID)
	}
	return nil, db.ErrNotFound
}

// applyFillLocked is the single fill transition point. Caller holds the
// bot's lock.
func (e *Engine) applyFillLocked(ctx context.Context, bot *db.Bot, ord *db.Order, qty, price float64) error {
	if err := e.repo.RecordFill(ctx, ord.ID, qty, price, db.OrderFilled); err != nil {
		return err
	}
	e.log.Info("order filled",
		zap.Int64("bot_id", bot.ID),
		zap.Int64("order_id", ord.ID),
		zap.String("type", ord.Type),
		zap.Int("safety_index", ord.SafetyIndex),
		zap.Float64("qty", qty),
		zap.Float64("price", price))

	switch ord.Type {
	case db.OrderTypeBase:
		if err := e.repo.AddCycleInvestment(ctx, ord.CycleID, qty*price); err != nil {
			return err
		}
		if err := e.placeTakeProfit(ctx, bot, ord.CycleID); err != nil {
			e.failBot(ctx, bot.ID, fmt.Sprintf("take-profit placement: %v", err))
			return err
		}
		return e.placeSafetyLadder(ctx, bot, ord.CycleID, price)

	case db.OrderTypeSafety:
		if err := e.repo.AddCycleInvestment(ctx, ord.CycleID, qty*price); err != nil {
			return err
		}
		// The average entry moved; the resting take-profit must never
		// reference the stale average.
		if err := e.placeTakeProfit(ctx, bot, ord.CycleID); err != nil {
			e.failBot(ctx, bot.ID, fmt.Sprintf("take-profit reprice: %v", err))
			return err
		}
		if bot.ActiveSafetyOrders > 0 {
			return e.placeNextSafety(ctx, bot, ord.CycleID)
		}
		return nil

	case db.OrderTypeTakeProfit:
		return e.completeCycleLocked(ctx, bot, ord.CycleID)
	}
	return nil
}

// placeSafetyLadder places the initial safety orders after the base fill:
// the whole ladder when pre-placement is disabled, otherwise the configured
// head of it.
func (e *Engine) placeSafetyLadder(ctx context.Context, bot *db.Bot, cycleID int64, entryPrice float64) error {
	count := bot.MaxSafetyOrders
	if bot.ActiveSafetyOrders > 0 && bot.ActiveSafetyOrders < count {
		count = bot.ActiveSafetyOrders
	}
	for k := 1; k <= count; k++ {
		if err := e.placeSafetyOrder(ctx, bot, cycleID, entryPrice, k); err != nil {
			return err
		}
	}
	return nil
}

// placeNextSafety extends a partially pre-placed ladder by one rung.
func (e *Engine) placeNextSafety(ctx context.Context, bot *db.Bot, cycleID int64) error {
	placed, err := e.repo.CountSafetyOrders(ctx, cycleID)
	if err != nil {
		return err
	}
	next := placed + 1
	if next > bot.MaxSafetyOrders {
		return nil
	}
	entry, err := e.cycleEntryPrice(ctx, cycleID)
	if err != nil {
		return err
	}
	return e.placeSafetyOrder(ctx, bot, cycleID, entry, next)
}

func (e *Engine) placeSafetyOrder(ctx context.Context, bot *db.Bot, cycleID int64, entryPrice float64, k int) error {
	gw, err := e.venues.Gateway(ctx, bot.ExchangeID)
	if err != nil {
		return err
	}
	filters, err := gw.GetSymbolFilters(ctx, bot.Symbol)
	if err != nil {
		return err
	}

	price := filters.SnapPrice(SafetyTriggerPrice(entryPrice, bot.Direction, bot.PriceDeviationPct, bot.PriceDeviationMult, k))
	amount := SafetyOrderAmount(bot.SafetyOrderAmount, bot.SafetyOrderSizeMult, k)
	qty, err := sizeByQuote(filters, amount, price)
	if err != nil {
		e.failBot(ctx, bot.ID, fmt.Sprintf("safety order %d sizing: %v", k, err))
		return err
	}

	ord := &db.Order{
		CycleID:       cycleID,
		BotID:         bot.ID,
		Type:          db.OrderTypeSafety,
		SafetyIndex:   k,
		Side:          string(entrySide(bot.Direction)),
		Category:      string(exchange.OrderTypeLimit),
		Symbol:        bot.Symbol,
		Qty:           qty,
		Price:         price,
		ClientOrderID: newClientOrderID(),
	}
	if err := e.repo.CreateOrder(ctx, ord); err != nil {
		return err
	}

	ack, err := gw.SubmitOrder(ctx, exchange.OrderRequest{
		Symbol:   bot.Symbol,
		Side:     entrySide(bot.Direction),
		Type:     exchange.OrderTypeLimit,
		Qty:      qty,
		Price:    price,
		ClientID: ord.ClientOrderID,
	})
	if err != nil {
		e.failOrder(ctx, ord.ID, err)
		e.failBot(ctx, bot.ID, fmt.Sprintf("safety order %d placement: %v", k, err))
		return err
	}
	return e.repo.UpdateOrderPlaced(ctx, ord.ID, ack.ExchangeOrderID, db.OrderActive)
}

// placeTakeProfit computes the exit from the current average entry, cancels
// the superseded take-profit if one is resting, and places the replacement.
func (e *Engine) placeTakeProfit(ctx context.Context, bot *db.Bot, cycleID int64) error {
	gw, err := e.venues.Gateway(ctx, bot.ExchangeID)
	if err != nil {
		return err
	}
	filters, err := gw.GetSymbolFilters(ctx, bot.Symbol)
	if err != nil {
		return err
	}

	orders, err := e.repo.OrdersByCycle(ctx, cycleID)
	if err != nil {
		return err
	}
	avg, totalQty := AverageEntry(orders)
	if totalQty <= 0 {
		return errors.New("no filled entry orders in cycle")
	}

	price := filters.SnapPrice(TakeProfitPrice(avg, bot.Direction, bot.TakeProfitPct))
	qty := filters.SnapQty(totalQty)
	if err := filters.ValidateQty(qty); err != nil {
		return err
	}

	// Cancel-before-replace: never two live take-profits for one cycle.
	if stale, err := e.repo.LiveTakeProfit(ctx, cycleID); err == nil {
		if stale.ExchangeOrderID != "" {
			if err := gw.CancelOrder(ctx, bot.Symbol, stale.ExchangeOrderID); err != nil {
				return fmt.Errorf("cancel stale take-profit: %w", err)
			}
		}
		if err := e.repo.UpdateOrderStatus(ctx, stale.ID, db.OrderCancelled); err != nil {
			return err
		}
	} else if !errors.Is(err, db.ErrNotFound) {
		return err
	}

	ord := &db.Order{
		CycleID:       cycleID,
		BotID:         bot.ID,
		Type:          db.OrderTypeTakeProfit,
		Side:          string(entrySide(bot.Direction).Opposite()),
		Category:      string(exchange.OrderTypeLimit),
		Symbol:        bot.Symbol,
		Qty:           qty,
		Price:         price,
		ClientOrderID: newClientOrderID(),
	}
	if err := e.repo.CreateOrder(ctx, ord); err != nil {
		return err
	}

	ack, err := gw.SubmitOrder(ctx, exchange.OrderRequest{
		Symbol:   bot.Symbol,
		Side:     entrySide(bot.Direction).Opposite(),
		Type:     exchange.OrderTypeLimit,
		Qty:      qty,
		Price:    price,
		ClientID: ord.ClientOrderID,
	})
	if err != nil {
		e.failOrder(ctx, ord.ID, err)
		return err
	}
	e.log.Info("take-profit placed",
		zap.Int64("bot_id", bot.ID),
		zap.Int64("cycle_id", cycleID),
		zap.Float64("avg_entry", avg),
		zap.Float64("price", price),
		zap.Float64("qty", qty))
	return e.repo.UpdateOrderPlaced(ctx, ord.ID, ack.ExchangeOrderID, db.OrderActive)
}

func (e *Engine) completeCycleLocked(ctx context.Context, bot *db.Bot, cycleID int64) error {
	gw, err := e.venues.Gateway(ctx, bot.ExchangeID)
	if err != nil {
		return err
	}
	if err := e.cancelOpenOrdersWith(ctx, gw, bot, cycleID); err != nil {
		e.log.Warn("complete: cancel open orders", zap.Int64("cycle_id", cycleID), zap.Error(err))
	}

	orders, err := e.repo.OrdersByCycle(ctx, cycleID)
	if err != nil {
		return err
	}
	var buys, sells float64
	for _, o := range orders {
		if o.Status != db.OrderFilled {
			continue
		}
		notional := o.FilledQty * o.FilledPrice
		if o.Side == string(exchange.SideBuy) {
			buys += notional
		} else {
			sells += notional
		}
	}
	profit := sells - buys

	if err := e.repo.CompleteCycle(ctx, cycleID, profit); err != nil {
		return err
	}

	e.log.Info("cycle completed",
		zap.Int64("bot_id", bot.ID),
		zap.Int64("cycle_id", cycleID),
		zap.Float64("profit", profit))

	result := events.CycleResult{BotID: bot.ID, CycleID: cycleID, Profit: profit}
	e.bus.Publish(events.EventCycleCompleted, result)
	e.hub.Broadcast(broadcast.ChannelBot, bot.Symbol,
		broadcast.NewEnvelope("cycle_completed", result), broadcast.PriorityHigh)

	if !bot.IsActive {
		return nil
	}
	if bot.CooldownEnabled && bot.CooldownSeconds > 0 {
		e.armCooldown(bot.ID, time.Duration(bot.CooldownSeconds)*time.Second)
		return nil
	}
	return e.startCycleLocked(ctx, bot)
}

// armCooldown schedules the next cycle. Re-arming replaces the pending timer.
func (e *Engine) armCooldown(botID int64, d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.cooldowns[botID]; ok {
		t.Stop()
	}
	e.cooldowns[botID] = time.AfterFunc(d, func() {
		e.mu.Lock()
		delete(e.cooldowns, botID)
		e.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		bot, err := e.repo.GetBot(ctx, botID)
		if err != nil || !bot.IsActive {
			return
		}
		if err := e.StartCycle(ctx, botID); err != nil && !errors.Is(err, ErrCycleActive) {
			e.log.Error("cooldown restart failed", zap.Int64("bot_id", botID), zap.Error(err))
		}
	})
}

func (e *Engine) cancelCooldown(botID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.cooldowns[botID]; ok {
		t.Stop()
		delete(e.cooldowns, botID)
	}
}

// onTick evaluates price-triggered safety placement for bots watching the
// tick's symbol.
func (e *Engine) onTick(ctx context.Context, tick events.PriceTick) {
	e.mu.Lock()
	var botIDs []int64
	for id, w := range e.watch {
		if w.exchangeID == tick.ExchangeID && w.symbol == tick.Symbol {
			botIDs = append(botIDs, id)
		}
	}
	e.mu.Unlock()

	for _, id := range botIDs {
		e.evaluateSafety(ctx, id, tick.Price)
	}
}

// evaluateSafety places the next unplaced safety order when the price has
// crossed its trigger. Idempotent: never beyond maxSafetyOrders, never the
// same rung twice.
func (e *Engine) evaluateSafety(ctx context.Context, botID int64, price float64) {
	lock := e.botLock(botID)
	lock.Lock()
	defer lock.Unlock()

	bot, err := e.repo.GetBot(ctx, botID)
	if err != nil || !bot.IsActive || bot.Status != db.BotActive {
		return
	}
	cycle, err := e.repo.ActiveCycle(ctx, botID)
	if err != nil {
		return
	}

	placed, err := e.repo.CountSafetyOrders(ctx, cycle.ID)
	if err != nil {
		return
	}
	next := placed + 1
	if next > bot.MaxSafetyOrders {
		return
	}

	entry, err := e.cycleEntryPrice(ctx, cycle.ID)
	if err != nil {
		return
	}
	trigger := SafetyTriggerPrice(entry, bot.Direction, bot.PriceDeviationPct, bot.PriceDeviationMult, next)
	crossed := price <= trigger
	if bot.Direction == db.DirectionShort {
		crossed = price >= trigger
	}
	if !crossed {
		return
	}

	if err := e.placeSafetyOrder(ctx, bot, cycle.ID, entry, next); err != nil {
		e.log.Error("price-triggered safety placement failed",
			zap.Int64("bot_id", botID),
			zap.Int("safety_index", next),
			zap.Error(err))
	}
}

// cycleEntryPrice is the filled base order's price, the anchor all safety
// triggers are computed from.
func (e *Engine) cycleEntryPrice(ctx context.Context, cycleID int64) (float64, error) {
	orders, err := e.repo.OrdersByCycle(ctx, cycleID)
	if err != nil {
		return 0, err
	}
	for _, o := range orders {
		if o.Type == db.OrderTypeBase && o.Status == db.OrderFilled {
			return o.FilledPrice, nil
		}
	}
	return 0, errors.New("cycle has no filled base order")
}

func (e *Engine) cancelOpenOrders(ctx context.Context, bot *db.Bot, cycleID int64) error {
	gw, err := e.venues.Gateway(ctx, bot.ExchangeID)
	if err != nil {
		return err
	}
	return e.cancelOpenOrdersWith(ctx, gw, bot, cycleID)
}

func (e *Engine) cancelOpenOrdersWith(ctx context.Context, gw exchange.Gateway, bot *db.Bot, cycleID int64) error {
	orders, err := e.repo.OrdersByCycle(ctx, cycleID)
	if err != nil {
		return err
	}
	var firstErr error
	for _, o := range orders {
		if o.Status != db.OrderPending && o.Status != db.OrderActive {
			continue
		}
		if o.ExchangeOrderID != "" {
			if err := gw.CancelOrder(ctx, bot.Symbol, o.ExchangeOrderID); err != nil && firstErr == nil {
				firstErr = err
				continue
			}
		}
		if err := e.repo.UpdateOrderStatus(ctx, o.ID, db.OrderCancelled); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// failOrder marks a single placement failed. No automatic retry: the bot is
// failed alongside so a human can intervene.
func (e *Engine) failOrder(ctx context.Context, orderID int64, cause error) {
	if err := e.repo.UpdateOrderStatus(ctx, orderID, db.OrderFailed); err != nil {
		e.log.Error("mark order failed", zap.Int64("order_id", orderID), zap.Error(err))
	}
	e.log.Error("order placement failed", zap.Int64("order_id", orderID), zap.Error(cause))
}

func (e *Engine) failBot(ctx context.Context, botID int64, reason string) {
	e.cancelCooldown(botID)
	e.unwatchBot(botID)
	if err := e.repo.UpdateBotStatus(ctx, botID, db.BotFailed, false, reason); err != nil {
		e.log.Error("mark bot failed", zap.Int64("bot_id", botID), zap.Error(err))
	}
	e.log.Error("bot failed", zap.Int64("bot_id", botID), zap.String("reason", reason))

	failure := events.BotFailure{BotID: botID, Reason: reason}
	e.bus.Publish(events.EventBotFailed, failure)
	e.hub.Broadcast(broadcast.ChannelBot, "",
		broadcast.NewEnvelope("bot_failed", failure), broadcast.PriorityHigh)
}

func (e *Engine) watchBot(ctx context.Context, bot *db.Bot) {
	e.mu.Lock()
	e.watch[bot.ID] = watchKey{exchangeID: bot.ExchangeID, symbol: bot.Symbol}
	e.mu.Unlock()

	if e.market != nil {
		if err := e.market.AddTicker(ctx, bot.ExchangeID, engineClientID(bot.ID), []string{bot.Symbol}); err != nil {
			e.log.Warn("ticker watch failed", zap.Int64("bot_id", bot.ID), zap.Error(err))
		}
	}
}

func (e *Engine) unwatchBot(botID int64) {
	e.mu.Lock()
	delete(e.watch, botID)
	e.mu.Unlock()

	if e.market != nil {
		e.market.RemoveClient(engineClientID(botID))
	}
}

func engineClientID(botID int64) string {
	return fmt.Sprintf("strategy-bot-%d", botID)
}

// newClientOrderID issues the id stamped on every order request, so fills
// arriving before the placement ack still resolve to their row.
func newClientOrderID() string {
	return uuid.NewString()
}

func entrySide(direction string) exchange.Side {
	if direction == db.DirectionShort {
		return exchange.SideSell
	}
	return exchange.SideBuy
}
