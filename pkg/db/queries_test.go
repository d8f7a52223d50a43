package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.InitSchema(context.Background()))
	return store
}

func seedBot(t *testing.T, store *Store) *Bot {
	t.Helper()
	ctx := context.Background()

	ex := &Exchange{Name: "binance-test", Family: "binance", Testnet: true}
	require.NoError(t, store.CreateExchange(ctx, ex))

	bot := &Bot{
		UserID:              "user-1",
		ExchangeID:          ex.ID,
		Symbol:              "BTCUSDT",
		Direction:           DirectionLong,
		BaseOrderAmount:     100,
		SafetyOrderAmount:   50,
		SafetyOrderSizeMult: 1.5,
		PriceDeviationPct:   2,
		PriceDeviationMult:  1.5,
		MaxSafetyOrders:     3,
		TakeProfitPct:       2,
		IsActive:            true,
		Status:              BotActive,
	}
	require.NoError(t, store.CreateBot(ctx, bot))
	return bot
}

func TestExchangeRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	n, err := store.CountExchanges(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	ex := &Exchange{Name: "main", Family: "binance", APIKeyEnc: "ENC[v1]:abc"}
	require.NoError(t, store.CreateExchange(ctx, ex))
	require.NotZero(t, ex.ID)

	got, err := store.GetExchange(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, "main", got.Name)
	assert.Equal(t, "ENC[v1]:abc", got.APIKeyEnc)
	assert.False(t, got.Testnet)

	_, err = store.GetExchange(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBotLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	bot := seedBot(t, store)

	active, err := store.ListActiveBots(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)

	require.NoError(t, store.UpdateBotStatus(ctx, bot.ID, BotFailed, false, "insufficient balance"))

	got, err := store.GetBot(ctx, bot.ID)
	require.NoError(t, err)
	assert.Equal(t, BotFailed, got.Status)
	assert.False(t, got.IsActive)
	assert.Equal(t, "insufficient balance", got.ErrorMessage)

	active, err = store.ListActiveBots(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestCycleSequenceAndSingleActive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	bot := seedBot(t, store)

	_, err := store.ActiveCycle(ctx, bot.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	c1, err := store.CreateCycle(ctx, bot.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, c1.Sequence)

	require.NoError(t, store.AddCycleInvestment(ctx, c1.ID, 100))
	require.NoError(t, store.AddCycleInvestment(ctx, c1.ID, 50))

	active, err := store.ActiveCycle(ctx, bot.ID)
	require.NoError(t, err)
	assert.Equal(t, c1.ID, active.ID)
	assert.InDelta(t, 150.0, active.Invested, 1e-9)

	require.NoError(t, store.CompleteCycle(ctx, c1.ID, 2.5))
	_, err = store.ActiveCycle(ctx, bot.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	c2, err := store.CreateCycle(ctx, bot.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, c2.Sequence, "sequence keeps counting across completed cycles")
}

func TestOrderQueries(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	bot := seedBot(t, store)
	cycle, err := store.CreateCycle(ctx, bot.ID)
	require.NoError(t, err)

	base := &Order{
		CycleID: cycle.ID, BotID: bot.ID, Type: OrderTypeBase,
		Side: "BUY", Category: "MARKET", Symbol: "BTCUSDT", Qty: 1, Price: 100,
		ClientOrderID: "coid-base",
	}
	require.NoError(t, store.CreateOrder(ctx, base))
	assert.Equal(t, OrderPending, base.Status)

	require.NoError(t, store.UpdateOrderPlaced(ctx, base.ID, "ex-1", OrderActive))
	require.NoError(t, store.RecordFill(ctx, base.ID, 1, 100.5, OrderFilled))

	got, err := store.OrderByExchangeOrderID(ctx, "ex-1")
	require.NoError(t, err)
	assert.Equal(t, base.ID, got.ID)
	assert.InDelta(t, 100.5, got.FilledPrice, 1e-9)

	_, err = store.OrderByExchangeOrderID(ctx, "manual-fill")
	assert.ErrorIs(t, err, ErrNotFound)

	// The client order id resolves the same row even before the exchange id
	// is written.
	got, err = store.OrderByClientOrderID(ctx, "coid-base")
	require.NoError(t, err)
	assert.Equal(t, base.ID, got.ID)

	_, err = store.OrderByClientOrderID(ctx, "coid-unknown")
	assert.ErrorIs(t, err, ErrNotFound)

	// Safety order counting skips failed placements and cancelled rungs.
	for i, status := range []string{OrderActive, OrderFilled, OrderFailed, OrderCancelled} {
		o := &Order{
			CycleID: cycle.ID, BotID: bot.ID, Type: OrderTypeSafety, SafetyIndex: i + 1,
			Side: "BUY", Category: "LIMIT", Symbol: "BTCUSDT", Qty: 0.5, Price: 98, Status: status,
		}
		require.NoError(t, store.CreateOrder(ctx, o))
	}
	n, err := store.CountSafetyOrders(ctx, cycle.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	orders, err := store.OrdersByCycle(ctx, cycle.ID)
	require.NoError(t, err)
	assert.Len(t, orders, 5)
}

func TestLiveTakeProfit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	bot := seedBot(t, store)
	cycle, err := store.CreateCycle(ctx, bot.ID)
	require.NoError(t, err)

	_, err = store.LiveTakeProfit(ctx, cycle.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	tp1 := &Order{CycleID: cycle.ID, BotID: bot.ID, Type: OrderTypeTakeProfit, Side: "SELL", Category: "LIMIT", Symbol: "BTCUSDT", Qty: 1, Price: 102}
	require.NoError(t, store.CreateOrder(ctx, tp1))
	require.NoError(t, store.UpdateOrderPlaced(ctx, tp1.ID, "tp-1", OrderActive))

	live, err := store.LiveTakeProfit(ctx, cycle.ID)
	require.NoError(t, err)
	assert.Equal(t, tp1.ID, live.ID)

	// Superseded take-profit is cancelled; the replacement becomes live.
	require.NoError(t, store.UpdateOrderStatus(ctx, tp1.ID, OrderCancelled))
	tp2 := &Order{CycleID: cycle.ID, BotID: bot.ID, Type: OrderTypeTakeProfit, Side: "SELL", Category: "LIMIT", Symbol: "BTCUSDT", Qty: 1.5, Price: 101}
	require.NoError(t, store.CreateOrder(ctx, tp2))
	require.NoError(t, store.UpdateOrderPlaced(ctx, tp2.ID, "tp-2", OrderActive))

	live, err = store.LiveTakeProfit(ctx, cycle.ID)
	require.NoError(t, err)
	assert.Equal(t, tp2.ID, live.ID)
}

func TestBotSummaries(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	bot := seedBot(t, store)

	c1, err := store.CreateCycle(ctx, bot.ID)
	require.NoError(t, err)
	require.NoError(t, store.CompleteCycle(ctx, c1.ID, 1.5))
	c2, err := store.CreateCycle(ctx, bot.ID)
	require.NoError(t, err)
	require.NoError(t, store.AddCycleInvestment(ctx, c2.ID, 100))

	rows, err := store.BotSummaries(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, bot.ID, rows[0].BotID)
	assert.Equal(t, 2, rows[0].CycleSeq)
	assert.InDelta(t, 100.0, rows[0].Invested, 1e-9)
	assert.InDelta(t, 1.5, rows[0].TotalProfit, 1e-9)
}
