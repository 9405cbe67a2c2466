package billing

import "github.com/shopspring/decimal"

// =============================================================================
// MONEY - Fixed-point amounts compared with a one-cent tolerance
// =============================================================================

// Cent is the comparison tolerance for every amount in the engine.
var Cent = decimal.New(1, -2)

// Negligible reports |d| < 0.01.
func Negligible(d decimal.Decimal) bool { return d.Abs().LessThan(Cent) }

// AtLeastCent reports d >= 0.01.
func AtLeastCent(d decimal.Decimal) bool { return d.GreaterThanOrEqual(Cent) }

// BelowCent reports d < 0.01. Negative amounts are below a cent.
func BelowCent(d decimal.Decimal) bool { return d.LessThan(Cent) }

// Differs reports |a - b| >= 0.01.
func Differs(a, b decimal.Decimal) bool { return !Negligible(a.Sub(b)) }

// Round2 rounds half away from zero to two decimals.
func Round2(d decimal.Decimal) decimal.Decimal { return d.Round(2) }

// NonNegative clamps d at zero.
func NonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// MustAmount parses a literal amount, panicking on malformed input.
// Intended for fixtures and constants.
func MustAmount(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// AmountPtr is a convenience for optional instruction fields.
func AmountPtr(s string) *decimal.Decimal {
	d := MustAmount(s)
	return &d
}
