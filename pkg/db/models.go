package db

import "time"

// Bot status values.
const (
	BotActive  = "active"
	BotStopped = "stopped"
	BotFailed  = "failed"
)

// Cycle status values.
const (
	CycleActive    = "active"
	CycleCompleted = "completed"
)

// Order lifecycle status values.
const (
	OrderPending   = "pending"
	OrderActive    = "active"
	OrderFilled    = "filled"
	OrderCancelled = "cancelled"
	OrderFailed    = "failed"
)

// Order types within a cycle.
const (
	OrderTypeBase       = "base_order"
	OrderTypeSafety     = "safety_order"
	OrderTypeTakeProfit = "take_profit"
)

// Trade directions.
const (
	DirectionLong  = "long"
	DirectionShort = "short"
)

// Exchange is a credentialed venue record. Credentials stay encrypted; the
// core hands them to the key manager when a gateway is built.
type Exchange struct {
	ID           int64
	Name         string
	Family       string // e.g. "binance"
	RestURL      string // empty means resolve from family+testnet
	StreamURL    string
	Testnet      bool
	APIKeyEnc    string
	APISecretEnc string
	CreatedAt    time.Time
}

// Bot holds the Martingale strategy parameters for one trading pair.
type Bot struct {
	ID                  int64
	UserID              string
	ExchangeID          int64
	Symbol              string
	Direction           string // long or short
	BaseOrderAmount     float64
	SafetyOrderAmount   float64
	SafetyOrderSizeMult float64
	PriceDeviationPct   float64
	PriceDeviationMult  float64
	MaxSafetyOrders     int
	ActiveSafetyOrders  int // 0 places the whole ladder after the base fill
	TakeProfitPct       float64
	CooldownEnabled     bool
	CooldownSeconds     int
	IsActive            bool
	Status              string
	ErrorMessage        string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Cycle is one round of the strategy: base order through take-profit fill.
// At most one cycle per bot is active at any time.
type Cycle struct {
	ID          int64
	BotID       int64
	Sequence    int
	Status      string
	Invested    float64
	Profit      float64
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// Order belongs to exactly one cycle.
type Order struct {
	ID              int64
	CycleID         int64
	BotID           int64
	Type            string // base_order, safety_order, take_profit
	SafetyIndex     int    // 1-based for safety orders, 0 otherwise
	Side            string // BUY or SELL
	Category        string // MARKET or LIMIT
	Symbol          string
	Qty             float64
	Price           float64
	ExchangeOrderID string
	ClientOrderID   string // stamped before submission, unlike the exchange id
	Status          string
	FilledQty       float64
	FilledPrice     float64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// BotSummary is a reporting row joining a bot with its active cycle.
type BotSummary struct {
	BotID       int64
	Symbol      string
	Status      string
	CycleSeq    int
	Invested    float64
	TotalProfit float64
}
