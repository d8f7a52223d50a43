package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("db: not found")

// --- Exchanges ---

// CreateExchange inserts a venue record and fills in its ID.
func (s *Store) CreateExchange(ctx context.Context, e *Exchange) error {
	e.CreatedAt = time.Now().UTC()
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO exchanges (name, family, rest_url, stream_url, testnet, api_key_encrypted, api_secret_encrypted, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.Name, e.Family, e.RestURL, e.StreamURL, boolToInt(e.Testnet), e.APIKeyEnc, e.APISecretEnc, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert exchange: %w", err)
	}
	e.ID, err = res.LastInsertId()
	return err
}

// GetExchange returns one exchange by id.
func (s *Store) GetExchange(ctx context.Context, id int64) (*Exchange, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, name, family, rest_url, stream_url, testnet, api_key_encrypted, api_secret_encrypted, created_at
		FROM exchanges WHERE id = ?
	`, id)

	var e Exchange
	var testnet int
	err := row.Scan(&e.ID, &e.Name, &e.Family, &e.RestURL, &e.StreamURL, &testnet, &e.APIKeyEnc, &e.APISecretEnc, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.Testnet = testnet != 0
	return &e, nil
}

// CountExchanges reports how many venue records exist (used at boot to decide
// whether seed records are needed).
func (s *Store) CountExchanges(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM exchanges`).Scan(&n)
	return n, err
}

// --- Bots ---

// CreateBot inserts a bot row and fills in its ID.
func (s *Store) CreateBot(ctx context.Context, b *Bot) error {
	now := time.Now().UTC()
	b.CreatedAt = now
	b.UpdatedAt = now
	if b.Status == "" {
		b.Status = BotStopped
	}
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO bots (user_id, exchange_id, symbol, direction,
			base_order_amount, safety_order_amount, safety_order_size_mult,
			price_deviation_pct, price_deviation_mult, max_safety_orders,
			active_safety_orders, take_profit_pct, cooldown_enabled,
			cooldown_seconds, is_active, status, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, b.UserID, b.ExchangeID, b.Symbol, b.Direction,
		b.BaseOrderAmount, b.SafetyOrderAmount, b.SafetyOrderSizeMult,
		b.PriceDeviationPct, b.PriceDeviationMult, b.MaxSafetyOrders,
		b.ActiveSafetyOrders, b.TakeProfitPct, boolToInt(b.CooldownEnabled),
		b.CooldownSeconds, boolToInt(b.IsActive), b.Status, b.ErrorMessage, b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert bot: %w", err)
	}
	b.ID, err = res.LastInsertId()
	return err
}

const botColumns = `id, user_id, exchange_id, symbol, direction,
	base_order_amount, safety_order_amount, safety_order_size_mult,
	price_deviation_pct, price_deviation_mult, max_safety_orders,
	active_safety_orders, take_profit_pct, cooldown_enabled,
	cooldown_seconds, is_active, status, error_message, created_at, updated_at`

func scanBot(row interface{ Scan(...any) error }) (*Bot, error) {
	var b Bot
	var cooldown, active int
	err := row.Scan(&b.ID, &b.UserID, &b.ExchangeID, &b.Symbol, &b.Direction,
		&b.BaseOrderAmount, &b.SafetyOrderAmount, &b.SafetyOrderSizeMult,
		&b.PriceDeviationPct, &b.PriceDeviationMult, &b.MaxSafetyOrders,
		&b.ActiveSafetyOrders, &b.TakeProfitPct, &cooldown,
		&b.CooldownSeconds, &active, &b.Status, &b.ErrorMessage, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	b.CooldownEnabled = cooldown != 0
	b.IsActive = active != 0
	return &b, nil
}

// GetBot returns one bot by id.
func (s *Store) GetBot(ctx context.Context, id int64) (*Bot, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+botColumns+` FROM bots WHERE id = ?`, id)
	return scanBot(row)
}

// ListActiveBots returns every bot flagged active.
func (s *Store) ListActiveBots(ctx context.Context) ([]Bot, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+botColumns+` FROM bots WHERE is_active = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bots []Bot
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, err
		}
		bots = append(bots, *b)
	}
	return bots, rows.Err()
}

// UpdateBotStatus sets status, active flag and error message in one step.
func (s *Store) UpdateBotStatus(ctx context.Context, id int64, status string, isActive bool, errorMessage string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE bots SET status = ?, is_active = ?, error_message = ?, updated_at = ? WHERE id = ?
	`, status, boolToInt(isActive), errorMessage, time.Now().UTC(), id)
	return err
}

// --- Cycles ---

// CreateCycle opens a new active cycle with the next sequence number.
func (s *Store) CreateCycle(ctx context.Context, botID int64) (*Cycle, error) {
	var seq int
	if err := s.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(sequence), 0) FROM cycles WHERE bot_id = ?`, botID).Scan(&seq); err != nil {
		return nil, err
	}

	c := Cycle{
		BotID:     botID,
		Sequence:  seq + 1,
		Status:    CycleActive,
		CreatedAt: time.Now().UTC(),
	}
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO cycles (bot_id, sequence, status, invested, profit, created_at)
		VALUES (?, ?, ?, 0, 0, ?)
	`, c.BotID, c.Sequence, c.Status, c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert cycle: %w", err)
	}
	c.ID, err = res.LastInsertId()
	return &c, err
}

// ActiveCycle returns the single active cycle for a bot, or ErrNotFound.
func (s *Store) ActiveCycle(ctx context.Context, botID int64) (*Cycle, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, bot_id, sequence, status, invested, profit, created_at, completed_at
		FROM cycles WHERE bot_id = ? AND status = ?
	`, botID, CycleActive)
	return scanCycle(row)
}

func scanCycle(row interface{ Scan(...any) error }) (*Cycle, error) {
	var c Cycle
	var completed sql.NullTime
	err := row.Scan(&c.ID, &c.BotID, &c.Sequence, &c.Status, &c.Invested, &c.Profit, &c.CreatedAt, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if completed.Valid {
		c.CompletedAt = &completed.Time
	}
	return &c, nil
}

// CompleteCycle marks a cycle completed and records realized profit.
func (s *Store) CompleteCycle(ctx context.Context, cycleID int64, profit float64) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE cycles SET status = ?, profit = ?, completed_at = ? WHERE id = ?
	`, CycleCompleted, profit, time.Now().UTC(), cycleID)
	return err
}

// AddCycleInvestment accumulates the quote amount spent on filled buy orders.
func (s *Store) AddCycleInvestment(ctx context.Context, cycleID int64, delta float64) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE cycles SET invested = invested + ? WHERE id = ?`, delta, cycleID)
	return err
}

// --- Orders ---

const orderColumns = `id, cycle_id, bot_id, type, safety_index, side, category,
	symbol, qty, price, exchange_order_id, client_order_id, status, filled_qty, filled_price, created_at, updated_at`

// CreateOrder inserts an order row and fills in its ID.
func (s *Store) CreateOrder(ctx context.Context, o *Order) error {
	now := time.Now().UTC()
	o.CreatedAt = now
	o.UpdatedAt = now
	if o.Status == "" {
		o.Status = OrderPending
	}
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO orders (cycle_id, bot_id, type, safety_index, side, category,
			symbol, qty, price, exchange_order_id, client_order_id, status, filled_qty, filled_price, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.CycleID, o.BotID, o.Type, o.SafetyIndex, o.Side, o.Category,
		o.Symbol, o.Qty, o.Price, o.ExchangeOrderID, o.ClientOrderID, o.Status, o.FilledQty, o.FilledPrice, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	o.ID, err = res.LastInsertId()
	return err
}

func scanOrder(row interface{ Scan(...any) error }) (*Order, error) {
	var o Order
	err := row.Scan(&o.ID, &o.CycleID, &o.BotID, &o.Type, &o.SafetyIndex, &o.Side, &o.Category,
		&o.Symbol, &o.Qty, &o.Price, &o.ExchangeOrderID, &o.ClientOrderID, &o.Status, &o.FilledQty, &o.FilledPrice, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// UpdateOrderPlaced records the exchange ack for a submitted order.
func (s *Store) UpdateOrderPlaced(ctx context.Context, id int64, exchangeOrderID, status string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE orders SET exchange_order_id = ?, status = ?, updated_at = ? WHERE id = ?
	`, exchangeOrderID, status, time.Now().UTC(), id)
	return err
}

// UpdateOrderStatus moves an order to a new lifecycle status.
func (s *Store) UpdateOrderStatus(ctx context.Context, id int64, status string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE orders SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id)
	return err
}

// RecordFill stores fill quantity/price alongside the new status.
func (s *Store) RecordFill(ctx context.Context, id int64, qty, price float64, status string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE orders SET filled_qty = ?, filled_price = ?, status = ?, updated_at = ? WHERE id = ?
	`, qty, price, status, time.Now().UTC(), id)
	return err
}

// OrderByExchangeOrderID resolves a private-stream fill back to its order.
// ErrNotFound means the fill belongs to a manual (non-bot) trade.
func (s *Store) OrderByExchangeOrderID(ctx context.Context, exchangeOrderID string) (*Order, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT `+orderColumns+` FROM orders WHERE exchange_order_id = ? AND exchange_order_id != ''
	`, exchangeOrderID)
	return scanOrder(row)
}

// OrderByClientOrderID resolves a fill by the client order id stamped on the
// request before submission. The private stream can deliver a fill before the
// REST ack's exchange order id has been written; the client id never races.
func (s *Store) OrderByClientOrderID(ctx context.Context, clientOrderID string) (*Order, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT `+orderColumns+` FROM orders WHERE client_order_id = ? AND client_order_id != ''
	`, clientOrderID)
	return scanOrder(row)
}

// OrdersByCycle returns every order of a cycle in placement order.
func (s *Store) OrdersByCycle(ctx context.Context, cycleID int64) ([]Order, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE cycle_id = ? ORDER BY id`, cycleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// CountSafetyOrders counts safety orders standing against a cycle's maximum.
// Failed placements never made it to the exchange, and rungs cancelled by a
// stop free their slot for re-placement; neither counts.
func (s *Store) CountSafetyOrders(ctx context.Context, cycleID int64) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM orders WHERE cycle_id = ? AND type = ? AND status NOT IN (?, ?)
	`, cycleID, OrderTypeSafety, OrderFailed, OrderCancelled).Scan(&n)
	return n, err
}

// LiveTakeProfit returns the currently resting take-profit order for a cycle,
// or ErrNotFound when none is live.
func (s *Store) LiveTakeProfit(ctx context.Context, cycleID int64) (*Order, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE cycle_id = ? AND type = ? AND status IN (?, ?)
		ORDER BY id DESC LIMIT 1
	`, cycleID, OrderTypeTakeProfit, OrderPending, OrderActive)
	return scanOrder(row)
}

// BotSummaries joins bots with their active cycle and lifetime profit, for
// the console reporter.
func (s *Store) BotSummaries(ctx context.Context) ([]BotSummary, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT b.id, b.symbol, b.status,
			COALESCE(c.sequence, 0), COALESCE(c.invested, 0),
			COALESCE((SELECT SUM(profit) FROM cycles WHERE bot_id = b.id AND status = ?), 0)
		FROM bots b
		LEFT JOIN cycles c ON c.bot_id = b.id AND c.status = ?
	`, CycleCompleted, CycleActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BotSummary
	for rows.Next() {
		var r BotSummary
		if err := rows.Scan(&r.BotID, &r.Symbol, &r.Status, &r.CycleSeq, &r.Invested, &r.TotalProfit); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
