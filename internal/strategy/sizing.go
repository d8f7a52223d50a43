package strategy

import (
	"fmt"
	"strings"

	"martingale-core/pkg/exchange"
)

// sizeByQuote converts a quote investment into a base quantity snapped to the
// symbol's step size. Snapping never silently clamps below exchange minimums;
// a quantity or notional violation after snapping is an error.
func sizeByQuote(f exchange.SymbolFilters, quoteAmount, price float64) (float64, error) {
	if price <= 0 {
		return 0, fmt.Errorf("price %v is not positive", price)
	}
	qty := f.SnapQty(quoteAmount / price)
	if err := f.ValidateQty(qty); err != nil {
		return 0, fmt.Errorf("amount %.2f at price %v: %w", quoteAmount, price, err)
	}
	if err := f.ValidateNotional(qty, price); err != nil {
		return 0, fmt.Errorf("amount %.2f at price %v: %w", quoteAmount, price, err)
	}
	return qty, nil
}

// Known quote assets, longest first so USDT wins over BTC-suffix ambiguity.
var quoteAssets = []string{"FDUSD", "USDT", "USDC", "BUSD", "TUSD", "BTC", "ETH", "BNB", "EUR", "TRY"}

// quoteAsset extracts the quote asset from a concatenated spot symbol like
// BTCUSDT. Unknown suffixes fall back to the last four characters.
func quoteAsset(symbol string) string {
	for _, q := range quoteAssets {
		if strings.HasSuffix(symbol, q) && len(symbol) > len(q) {
			return q
		}
	}
	if len(symbol) > 4 {
		return symbol[len(symbol)-4:]
	}
	return symbol
}

// baseAsset is the symbol with its quote suffix stripped.
func baseAsset(symbol string) string {
	return strings.TrimSuffix(symbol, quoteAsset(symbol))
}
