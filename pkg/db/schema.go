package db

import "context"

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS exchanges (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		family TEXT NOT NULL DEFAULT 'binance',
		rest_url TEXT NOT NULL DEFAULT '',
		stream_url TEXT NOT NULL DEFAULT '',
		testnet INTEGER NOT NULL DEFAULT 0,
		api_key_encrypted TEXT NOT NULL DEFAULT '',
		api_secret_encrypted TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS bots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL DEFAULT '',
		exchange_id INTEGER NOT NULL REFERENCES exchanges(id),
		symbol TEXT NOT NULL,
		direction TEXT NOT NULL DEFAULT 'long',
		base_order_amount REAL NOT NULL,
		safety_order_amount REAL NOT NULL,
		safety_order_size_mult REAL NOT NULL DEFAULT 1,
		price_deviation_pct REAL NOT NULL,
		price_deviation_mult REAL NOT NULL DEFAULT 1,
		max_safety_orders INTEGER NOT NULL DEFAULT 0,
		active_safety_orders INTEGER NOT NULL DEFAULT 0,
		take_profit_pct REAL NOT NULL,
		cooldown_enabled INTEGER NOT NULL DEFAULT 0,
		cooldown_seconds INTEGER NOT NULL DEFAULT 0,
		is_active INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'stopped',
		error_message TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS cycles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		bot_id INTEGER NOT NULL REFERENCES bots(id),
		sequence INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		invested REAL NOT NULL DEFAULT 0,
		profit REAL NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		completed_at TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		cycle_id INTEGER NOT NULL REFERENCES cycles(id),
		bot_id INTEGER NOT NULL REFERENCES bots(id),
		type TEXT NOT NULL,
		safety_index INTEGER NOT NULL DEFAULT 0,
		side TEXT NOT NULL,
		category TEXT NOT NULL,
		symbol TEXT NOT NULL,
		qty REAL NOT NULL,
		price REAL NOT NULL DEFAULT 0,
		exchange_order_id TEXT NOT NULL DEFAULT '',
		client_order_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		filled_qty REAL NOT NULL DEFAULT 0,
		filled_price REAL NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cycles_bot_status ON cycles(bot_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_cycle ON orders(cycle_id)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_exchange_order ON orders(exchange_order_id)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_client_order ON orders(client_order_id)`,
}

// InitSchema creates all tables and indexes if they do not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
