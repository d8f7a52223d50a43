package exchange

import "context"

// Gateway abstracts a trading venue: signed REST for trading plus the
// listen-key lifecycle for the private event stream.
type Gateway interface {
	GetPrice(ctx context.Context, symbol string) (float64, error)
	GetBalances(ctx context.Context) ([]Balance, error)
	GetSymbolFilters(ctx context.Context, symbol string) (SymbolFilters, error)
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)

	SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error

	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, listenKey string) error
	CloseListenKey(ctx context.Context, listenKey string) error
}
