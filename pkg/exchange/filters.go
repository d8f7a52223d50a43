package exchange

import (
	"fmt"
	"math"
)

// SymbolFilters are the exchange-imposed quantization constraints for one
// trading pair.
type SymbolFilters struct {
	StepSize       float64 // quantity granularity
	MinQty         float64 // minimum order quantity
	TickSize       float64 // price granularity
	MinNotional    float64 // minimum quote value of an order, 0 when unset
	QtyPrecision   int
	PricePrecision int
}

// SnapQty floors qty to the symbol's step size.
func (f SymbolFilters) SnapQty(qty float64) float64 {
	if f.StepSize <= 0 {
		return qty
	}
	snapped := math.Floor(qty/f.StepSize+1e-9) * f.StepSize
	return roundTo(snapped, f.QtyPrecision)
}

// SnapPrice floors price to the symbol's tick size.
func (f SymbolFilters) SnapPrice(price float64) float64 {
	if f.TickSize <= 0 {
		return price
	}
	snapped := math.Floor(price/f.TickSize+1e-9) * f.TickSize
	return roundTo(snapped, f.PricePrecision)
}

// ValidateQty rejects quantities below the exchange minimum after snapping.
func (f SymbolFilters) ValidateQty(qty float64) error {
	if qty <= 0 {
		return fmt.Errorf("quantity %v is not positive", qty)
	}
	if f.MinQty > 0 && qty < f.MinQty {
		return fmt.Errorf("quantity %v below exchange minimum %v", qty, f.MinQty)
	}
	return nil
}

// ValidateNotional rejects orders whose quote value is below the exchange
// minimum notional.
func (f SymbolFilters) ValidateNotional(qty, price float64) error {
	if f.MinNotional > 0 && qty*price < f.MinNotional {
		return fmt.Errorf("order value %.8f below exchange minimum notional %v", qty*price, f.MinNotional)
	}
	return nil
}

// PrecisionFromStep derives decimal precision from a step/tick size, e.g.
// 0.001 -> 3. Steps that are not powers of ten fall back to 8.
func PrecisionFromStep(step float64) int {
	if step <= 0 {
		return 8
	}
	p := -math.Log10(step)
	rounded := math.Round(p)
	if math.Abs(p-rounded) > 1e-6 {
		return 8
	}
	if rounded < 0 {
		return 0
	}
	return int(rounded)
}

func roundTo(v float64, precision int) float64 {
	if precision <= 0 {
		return math.Round(v)
	}
	pow := math.Pow(10, float64(precision))
	return math.Round(v*pow) / pow
}
