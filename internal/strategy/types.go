// Package strategy implements the Martingale cycle state machine: base order,
// take-profit plus safety-order ladder, fill-driven repricing, completion and
// cooldown.
package strategy

import (
	"context"

	"martingale-core/pkg/db"
	"martingale-core/pkg/exchange"
)

// Repository is the slice of the storage layer the engine mutates.
type Repository interface {
	GetBot(ctx context.Context, id int64) (*db.Bot, error)
	ListActiveBots(ctx context.Context) ([]db.Bot, error)
	UpdateBotStatus(ctx context.Context, id int64, status string, isActive bool, errorMessage string) error

	CreateCycle(ctx context.Context, botID int64) (*db.Cycle, error)
	ActiveCycle(ctx context.Context, botID int64) (*db.Cycle, error)
	CompleteCycle(ctx context.Context, cycleID int64, profit float64) error
	AddCycleInvestment(ctx context.Context, cycleID int64, delta float64) error

	CreateOrder(ctx context.Context, o *db.Order) error
	UpdateOrderPlaced(ctx context.Context, id int64, exchangeOrderID, status string) error
	UpdateOrderStatus(ctx context.Context, id int64, status string) error
	RecordFill(ctx context.Context, id int64, qty, price float64, status string) error
	OrderByExchangeOrderID(ctx context.Context, exchangeOrderID string) (*db.Order, error)
	OrderByClientOrderID(ctx context.Context, clientOrderID string) (*db.Order, error)
	OrdersByCycle(ctx context.Context, cycleID int64) ([]db.Order, error)
	CountSafetyOrders(ctx context.Context, cycleID int64) (int, error)
	LiveTakeProfit(ctx context.Context, cycleID int64) (*db.Order, error)
}

// GatewayProvider hands out the trading gateway for an exchange record.
type GatewayProvider interface {
	Gateway(ctx context.Context, exchangeID int64) (exchange.Gateway, error)
}

// MarketWatcher lets the engine register its own ticker interest so price
// ticks flow for bot symbols even with no gateway client watching them.
type MarketWatcher interface {
	AddTicker(ctx context.Context, exchangeID int64, clientID string, symbols []string) error
	RemoveClient(clientID string)
}
