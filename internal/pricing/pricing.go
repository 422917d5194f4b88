package pricing

import "github.com/shopspring/decimal"

// The VPP reference price is a tiered markup on a discounted grid price.
// It is recorded on the market snapshot for reporting and price history;
// trades themselves execute pay-as-offer and never use it directly.
var (
	// Members trade at a discount to the external grid price.
	baseDiscount = decimal.RequireFromString("0.85")

	// Balance thresholds, in kWh (supply minus demand).
	criticalDeficitBelow = decimal.NewFromInt(-5)
	surplusAbove         = decimal.NewFromInt(10)

	// Tier multipliers applied to the discounted base price.
	criticalDeficitMultiplier = decimal.RequireFromString("1.30")
	deficitMultiplier         = decimal.RequireFromString("1.15")
	balancedMultiplier        = decimal.RequireFromString("1.00")
	surplusMultiplier         = decimal.RequireFromString("0.85")
)

// ReferencePrice derives the clearing run's reference price from the
// supply/demand balance and the external grid price.
//
// Boundary values resolve to the less extreme tier: a balance of exactly -5
// is a plain deficit, and exactly 0 or 10 is balanced.
func ReferencePrice(balanceKwh, gridPricePerKwh decimal.Decimal) decimal.Decimal {
	base := gridPricePerKwh.Mul(baseDiscount)

	switch {
	case balanceKwh.LessThan(criticalDeficitBelow):
		return base.Mul(criticalDeficitMultiplier)
	case balanceKwh.IsNegative():
		return base.Mul(deficitMultiplier)
	case balanceKwh.GreaterThan(surplusAbove):
		return base.Mul(surplusMultiplier)
	default:
		return base.Mul(balancedMultiplier)
	}
}
