package gateway

// inbound is the tagged union of every client control message. Fields are a
// superset; each handler reads only what its type defines.
type inbound struct {
	Type       string   `json:"type"`
	Symbols    []string `json:"symbols,omitempty"`
	Symbol     string   `json:"symbol,omitempty"`
	DataType   string   `json:"dataType,omitempty"`
	Interval   string   `json:"interval,omitempty"`
	ExchangeID int64    `json:"exchangeId,omitempty"`
	Asset      string   `json:"asset,omitempty"`
}

// Inbound message types.
const (
	msgSubscribe          = "subscribe"
	msgSubscribeTicker    = "subscribe_ticker"
	msgConfigureStream    = "configure_stream"
	msgChangeSubscription = "change_subscription"
	msgUnsubscribe        = "unsubscribe"
	msgGetBalance         = "get_balance"
	msgSubscribeBalance   = "subscribe_balance"
	msgUnsubscribeBalance = "unsubscribe_balance"
	msgTest               = "test"
)
