package events

// Event enumerates internal topics inside the trading core.
type Event string

const (
	EventPriceTick      Event = "price_tick"
	EventOrderUpdate    Event = "order_update"
	EventCycleCompleted Event = "cycle_completed"
	EventBotFailed      Event = "bot_failed"
	EventStreamDown     Event = "stream_down"
)

// PriceTick is the payload of EventPriceTick.
type PriceTick struct {
	ExchangeID int64
	Symbol     string
	Price      float64
}

// CycleResult is the payload of EventCycleCompleted.
type CycleResult struct {
	BotID    int64
	CycleID  int64
	Sequence int
	Profit   float64
}

// BotFailure is the payload of EventBotFailed.
type BotFailure struct {
	BotID  int64
	Reason string
}
