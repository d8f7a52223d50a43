package binance

import (
	"encoding/json"
	"fmt"
	"strconv"

	"martingale-core/pkg/exchange"
)

// Stream event type tags as they appear in the "e" field.
const (
	EventTicker           = "24hrTicker"
	EventKline            = "kline"
	EventExecutionReport  = "executionReport"
	EventListenKeyExpired = "listenKeyExpired"
	EventAccountPosition  = "outboundAccountPosition"
	EventBalanceUpdate    = "balanceUpdate"
)

// EventType peeks at the "e" tag of a raw stream message.
func EventType(msg []byte) string {
	var head struct {
		Event string `json:"e"`
	}
	_ = json.Unmarshal(msg, &head)
	return head.Event
}

// ParseTicker decodes a 24hrTicker stream event.
func ParseTicker(msg []byte) (exchange.Ticker, error) {
	var raw struct {
		EventTime int64  `json:"E"`
		Symbol    string `json:"s"`
		Last      string `json:"c"`
		ChangePct string `json:"P"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Volume    string `json:"v"`
	}
	if err := json.Unmarshal(msg, &raw); err != nil {
		return exchange.Ticker{}, err
	}
	return exchange.Ticker{
		Symbol:    raw.Symbol,
		Price:     parseF(raw.Last),
		ChangePct: parseF(raw.ChangePct),
		High:      parseF(raw.High),
		Low:       parseF(raw.Low),
		Volume:    parseF(raw.Volume),
		Time:      raw.EventTime,
	}, nil
}

// ParseKline decodes a kline stream event.
func ParseKline(msg []byte) (exchange.Candle, error) {
	var raw struct {
		Data struct {
			StartTime int64  `json:"t"`
			CloseTime int64  `json:"T"`
			Symbol    string `json:"s"`
			Interval  string `json:"i"`
			Open      string `json:"o"`
			Close     string `json:"c"`
			High      string `json:"h"`
			Low       string `json:"l"`
			Volume    string `json:"v"`
			Final     bool   `json:"x"`
		} `json:"k"`
	}
	if err := json.Unmarshal(msg, &raw); err != nil {
		return exchange.Candle{}, err
	}
	k := raw.Data
	if k.Symbol == "" {
		return exchange.Candle{}, fmt.Errorf("kline event missing symbol")
	}
	return exchange.Candle{
		Symbol:    k.Symbol,
		Interval:  k.Interval,
		OpenTime:  k.StartTime,
		CloseTime: k.CloseTime,
		Open:      parseF(k.Open),
		High:      parseF(k.High),
		Low:       parseF(k.Low),
		Close:     parseF(k.Close),
		Volume:    parseF(k.Volume),
		Final:     k.Final,
	}, nil
}

// ParseExecutionReport decodes an executionReport user-stream event into the
// normalized form the core consumes.
func ParseExecutionReport(msg []byte) (exchange.ExecutionReport, error) {
	var raw struct {
		EventTime int64  `json:"E"`
		Symbol    string `json:"s"`
		Side      string `json:"S"`
		OrderType string `json:"o"`
		Status    string `json:"X"`
		OrderID   int64  `json:"i"`
		ClientID  string `json:"c"`
		Price     string `json:"p"`
		Qty       string `json:"q"`
		CumQty    string `json:"z"`
		CumQuote  string `json:"Z"`
		LastPrice string `json:"L"`
	}
	if err := json.Unmarshal(msg, &raw); err != nil {
		return exchange.ExecutionReport{}, err
	}
	return exchange.ExecutionReport{
		Symbol:          raw.Symbol,
		Side:            raw.Side,
		OrderType:       raw.OrderType,
		Status:          raw.Status,
		ExchangeOrderID: strconv.FormatInt(raw.OrderID, 10),
		ClientOrderID:   raw.ClientID,
		Price:           parseF(raw.Price),
		Qty:             parseF(raw.Qty),
		CumQty:          parseF(raw.CumQty),
		CumQuote:        parseF(raw.CumQuote),
		LastPrice:       parseF(raw.LastPrice),
		EventTime:       raw.EventTime,
	}, nil
}

// ParseBalances decodes an outboundAccountPosition event.
func ParseBalances(msg []byte) ([]exchange.Balance, error) {
	var raw struct {
		Balances []struct {
			Asset  string `json:"a"`
			Free   string `json:"f"`
			Locked string `json:"l"`
		} `json:"B"`
	}
	if err := json.Unmarshal(msg, &raw); err != nil {
		return nil, err
	}
	out := make([]exchange.Balance, 0, len(raw.Balances))
	for _, b := range raw.Balances {
		out = append(out, exchange.Balance{Asset: b.Asset, Free: parseF(b.Free), Locked: parseF(b.Locked)})
	}
	return out, nil
}

func parseF(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
