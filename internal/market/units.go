package market

import (
	"math"

	"github.com/shopspring/decimal"
)

// Balances and order amounts live in the fast store as scaled integers with
// MaxFractionDigits fractional digits, so every Lua-side comparison and
// mutation is exact integer arithmetic. Decimals exist only at the API edge.
const (
	MaxFractionDigits int32 = 8
	unitExponent      int32 = -8
)

// maxUnitsAmount is the largest amount representable in int64 units,
// 92233720368.54775807.
var maxUnitsAmount = decimal.New(math.MaxInt64, unitExponent)

// FitsUnits reports whether d is representable in int64 units. IntPart wraps
// silently past that bound, so every amount admitted from outside must pass
// this check before it reaches ToUnits.
func FitsUnits(d decimal.Decimal) bool {
	return d.Abs().LessThanOrEqual(maxUnitsAmount)
}

func ToUnits(d decimal.Decimal) int64 {
	return d.Shift(-unitExponent).IntPart()
}

func FromUnits(units int64) decimal.Decimal {
	return decimal.New(units, unitExponent)
}

// QuoteUnits computes quantity*price in quote units, truncated to the unit
// scale. Used for freezes and for the quote leg of settlement.
func QuoteUnits(quantity, price decimal.Decimal) int64 {
	return ToUnits(quantity.Mul(price))
}
