// Package exchange defines the venue-neutral types and the Gateway interface
// the core trades through.
package exchange

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType denotes basic order types.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusPartial  OrderStatus = "PARTIALLY_FILLED"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusExpired  OrderStatus = "EXPIRED"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// OrderRequest captures an order intent to be sent to an exchange.
type OrderRequest struct {
	Symbol   string
	Side     Side
	Type     OrderType
	Qty      float64
	Price    float64 // required for LIMIT
	ClientID string  // optional client order id
}

// OrderResult returns the exchange ack. Market orders usually come back
// already filled; ExecutedQty/AvgPrice are zero otherwise.
type OrderResult struct {
	ExchangeOrderID string
	Status          OrderStatus
	ExecutedQty     float64
	AvgPrice        float64
}

// Balance is one asset row of the account.
type Balance struct {
	Asset  string  `json:"asset"`
	Free   float64 `json:"free"`
	Locked float64 `json:"locked"`
}

// Ticker holds the latest 24h price snapshot for a symbol.
type Ticker struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	ChangePct float64 `json:"changePct"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Volume    float64 `json:"volume"`
	Time      int64   `json:"time"`
}

// Candle is a single kline.
type Candle struct {
	Symbol    string  `json:"symbol"`
	Interval  string  `json:"interval"`
	OpenTime  int64   `json:"openTime"`
	CloseTime int64   `json:"closeTime"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Final     bool    `json:"final"`
}

// ExecutionReport is a normalized private-stream order update.
type ExecutionReport struct {
	Symbol          string  `json:"symbol"`
	Side            string  `json:"side"`
	OrderType       string  `json:"orderType"`
	Status          string  `json:"status"`
	ExchangeOrderID string  `json:"exchangeOrderId"`
	ClientOrderID   string  `json:"clientOrderId"`
	Price           float64 `json:"price"`
	Qty             float64 `json:"qty"`
	CumQty          float64 `json:"cumQty"`
	CumQuote        float64 `json:"cumQuote"`
	LastPrice       float64 `json:"lastPrice"`
	EventTime       int64   `json:"eventTime"`
}

// AvgFillPrice derives the average fill price from cumulative quote/base.
func (r ExecutionReport) AvgFillPrice() float64 {
	if r.CumQty <= 0 {
		return r.Price
	}
	if r.CumQuote > 0 {
		return r.CumQuote / r.CumQty
	}
	if r.LastPrice > 0 {
		return r.LastPrice
	}
	return r.Price
}
