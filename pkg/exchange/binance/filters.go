package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"martingale-core/pkg/exchange"
)

// GetSymbolFilters returns the step/tick/minimum constraints for a symbol,
// served from the client's cache after the first fetch.
func (c *Client) GetSymbolFilters(ctx context.Context, symbol string) (exchange.SymbolFilters, error) {
	c.filterMu.RLock()
	if f, ok := c.filters[symbol]; ok {
		c.filterMu.RUnlock()
		return f, nil
	}
	c.filterMu.RUnlock()

	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.doPublic(ctx, "/api/v3/exchangeInfo", params)
	if err != nil {
		return exchange.SymbolFilters{}, err
	}

	var resp struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType  string `json:"filterType"`
				StepSize    string `json:"stepSize"`
				MinQty      string `json:"minQty"`
				TickSize    string `json:"tickSize"`
				MinNotional string `json:"minNotional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return exchange.SymbolFilters{}, fmt.Errorf("decode exchangeInfo: %w", err)
	}
	if len(resp.Symbols) == 0 {
		return exchange.SymbolFilters{}, fmt.Errorf("symbol %s not found on exchange", symbol)
	}

	var f exchange.SymbolFilters
	for _, raw := range resp.Symbols[0].Filters {
		switch raw.FilterType {
		case "LOT_SIZE":
			f.StepSize = parse(raw.StepSize)
			f.MinQty = parse(raw.MinQty)
		case "PRICE_FILTER":
			f.TickSize = parse(raw.TickSize)
		case "MIN_NOTIONAL", "NOTIONAL":
			f.MinNotional = parse(raw.MinNotional)
		}
	}
	f.QtyPrecision = exchange.PrecisionFromStep(f.StepSize)
	f.PricePrecision = exchange.PrecisionFromStep(f.TickSize)

	c.filterMu.Lock()
	c.filters[symbol] = f
	c.filterMu.Unlock()
	return f, nil
}

func parse(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
