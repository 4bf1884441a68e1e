// Package money provides fixed-point decimal helpers for wallet and pricing
// arithmetic. Nothing in this package ever touches binary floats for a value
// that is persisted or compared for equality.
package money

import "github.com/shopspring/decimal"

// Round2HalfUp rounds to 2 decimal places using half-up rounding, the default
// policy for display prices when points are not enabled.
func Round2HalfUp(v decimal.Decimal) decimal.Decimal {
	return v.Round(2)
}

// Round2Up rounds to 2 decimal places, always rounding away from zero. Used
// when points are enabled so a provider can never be charged less than the
// true cost through sub-unit loss.
func Round2Up(v decimal.Decimal) decimal.Decimal {
	truncated := v.Truncate(2)
	if truncated.Equal(v) {
		return truncated
	}
	step := decimal.New(1, -2)
	if v.IsNegative() {
		return truncated.Sub(step)
	}
	return truncated.Add(step)
}

// SellPrice computes provider.sellPrice = round2(rawCost * multiplier + fixedMarkup).
// usePoints selects ceiling rounding over half-up.
func SellPrice(rawCost, multiplier, fixedMarkup decimal.Decimal, usePoints bool) decimal.Decimal {
	raw := rawCost.Mul(multiplier).Add(fixedMarkup)
	if usePoints {
		return Round2Up(raw)
	}
	return Round2HalfUp(raw)
}

// jitterBuffer is the 0.1% safety margin applied by MaxProfitableRawCost.
var jitterBuffer = decimal.New(999, -3) // 0.999

// MaxProfitableRawCost computes the maximum upstream raw cost that remains
// profitable for a given sold price, applying a 0.1% jitter buffer and
// rounding down, so the reverse computation never overstates the margin.
func MaxProfitableRawCost(sellPrice, multiplier, fixedMarkup decimal.Decimal) decimal.Decimal {
	if multiplier.IsZero() {
		return decimal.Zero
	}
	maxCost := sellPrice.Sub(fixedMarkup).Div(multiplier)
	buffered := maxCost.Mul(jitterBuffer)
	if buffered.IsNegative() {
		return decimal.Zero
	}
	return buffered.Truncate(2)
}

// NormalizeDirect returns rawCost unchanged: provider currency == display currency.
func NormalizeDirect(rawCost decimal.Decimal) decimal.Decimal {
	return rawCost
}

// NormalizeSmartAuto normalizes rawCost by the effective deposit rate and then
// by the system points rate.
func NormalizeSmartAuto(rawCost, depositReceived, depositSpent, pointsRate decimal.Decimal) decimal.Decimal {
	if depositSpent.IsZero() || pointsRate.IsZero() {
		return rawCost
	}
	effectiveRate := depositReceived.Div(depositSpent)
	return rawCost.Mul(effectiveRate).Div(pointsRate)
}

// NormalizeManual normalizes rawCost by an operator-supplied fixed rate.
func NormalizeManual(rawCost, fixedRate decimal.Decimal) decimal.Decimal {
	if fixedRate.IsZero() {
		return rawCost
	}
	return rawCost.Mul(fixedRate)
}

// ToMinorUnits converts a decimal display amount into an integer count of the
// smallest currency unit (e.g. cents), for wallet ledger rows.
func ToMinorUnits(v decimal.Decimal) int64 {
	return v.Mul(decimal.New(100, 0)).Round(0).IntPart()
}

// FromMinorUnits converts an integer count of the smallest currency unit back
// into a display decimal.
func FromMinorUnits(minor int64) decimal.Decimal {
	return decimal.New(minor, 0).Div(decimal.New(100, 0))
}
