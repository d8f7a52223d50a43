package strategy

import (
	"math"

	"martingale-core/pkg/db"
)

// SafetyDeviationPct is the distance from entry for safety order k (1-based):
// base deviation percent scaled by the step multiplier per rung.
func SafetyDeviationPct(basePct, stepMult float64, k int) float64 {
	return basePct * math.Pow(stepMult, float64(k-1))
}

// SafetyTriggerPrice shifts the entry price against the position by the
// k-th rung's deviation: down for long bots, up for short bots.
func SafetyTriggerPrice(entry float64, direction string, basePct, stepMult float64, k int) float64 {
	dev := SafetyDeviationPct(basePct, stepMult, k) / 100
	if direction == db.DirectionShort {
		return entry * (1 + dev)
	}
	return entry * (1 - dev)
}

// SafetyOrderAmount is the quote amount for safety order k (1-based).
func SafetyOrderAmount(baseAmount, sizeMult float64, k int) float64 {
	return baseAmount * math.Pow(sizeMult, float64(k-1))
}

// TakeProfitPrice offsets the average entry price in the position's favor.
func TakeProfitPrice(avgEntry float64, direction string, tpPct float64) float64 {
	if direction == db.DirectionShort {
		return avgEntry * (1 - tpPct/100)
	}
	return avgEntry * (1 + tpPct/100)
}

// AverageEntry aggregates the filled entry orders (base plus safety) of a
// cycle into the position's average price and total quantity.
func AverageEntry(orders []db.Order) (avgPrice, totalQty float64) {
	var notional float64
	for _, o := range orders {
		if o.Status != db.OrderFilled {
			continue
		}
		if o.Type != db.OrderTypeBase && o.Type != db.OrderTypeSafety {
			continue
		}
		notional += o.FilledQty * o.FilledPrice
		totalQty += o.FilledQty
	}
	if totalQty <= 0 {
		return 0, 0
	}
	return notional / totalQty, totalQty
}
