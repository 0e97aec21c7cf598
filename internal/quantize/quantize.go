// Package quantize rounds prices and sizes to a market's tick and
// minimum-size granularity using exact decimal arithmetic.
//
// Rounding is half-away-from-zero, not the banker's rounding (round-half-to-
// even) used elsewhere in the ecosystem's Python tooling — ties round up in
// magnitude, deterministically, regardless of whether the nearest even
// multiple is above or below.
package quantize

import (
	"github.com/shopspring/decimal"

	"polymarket-mm/pkg/types"
)

var half = decimal.NewFromFloat(0.5)

// Price rounds price to the nearest multiple of the market's tick size and
// returns both the rounded float and the integer tick count (used for
// fingerprinting and dedup keys).
func Price(price float64, tick types.TickSize) (rounded float64, ticks int64) {
	step := decimal.NewFromFloat(mustParseTick(tick))
	return quantizeToStep(price, step)
}

// Size rounds size to the nearest multiple of minOrderSize and returns both
// the rounded float and the integer unit count.
func Size(size, minOrderSize float64) (rounded float64, units int64) {
	if minOrderSize <= 0 {
		return size, int64(size)
	}
	step := decimal.NewFromFloat(minOrderSize)
	return quantizeToStep(size, step)
}

func quantizeToStep(v float64, step decimal.Decimal) (float64, int64) {
	if step.IsZero() {
		return v, 0
	}
	dv := decimal.NewFromFloat(v)
	units := dv.Div(step)
	rounded := roundHalfAwayFromZero(units)
	result := rounded.Mul(step)
	f, _ := result.Float64()
	u := rounded.IntPart()
	return f, u
}

// roundHalfAwayFromZero rounds a decimal quotient to the nearest integer,
// breaking ties away from zero (0.5 -> 1, -0.5 -> -1), unlike
// decimal.Round which uses round-half-up only for positive values via
// banker's rounding internally for some ops — this is spelled out
// explicitly so the tie-breaking rule is never ambiguous.
func roundHalfAwayFromZero(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return roundHalfAwayFromZero(v.Neg()).Neg()
	}
	floor := v.Floor()
	frac := v.Sub(floor)
	if frac.GreaterThanOrEqual(half) {
		return floor.Add(decimal.NewFromInt(1))
	}
	return floor
}

func mustParseTick(tick types.TickSize) float64 {
	switch tick {
	case types.Tick01:
		return 0.1
	case types.Tick0001:
		return 0.001
	case types.Tick00001:
		return 0.0001
	default:
		return 0.01
	}
}
