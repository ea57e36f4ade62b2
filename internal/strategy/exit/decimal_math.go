package exit

import (
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	decHundred  = decimal.NewFromInt(100)
	decimalZero = decimal.Zero
)

func decFromFloat(val float64) decimal.Decimal {
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return decimalZero
	}
	return decimal.NewFromFloat(val)
}

func decToFloat(val decimal.Decimal) float64 {
	f, _ := val.Float64()
	return f
}

func decimalCompare(a, b float64) int {
	return decFromFloat(a).Cmp(decFromFloat(b))
}

func decimalLTE(a, b float64) bool { return decimalCompare(a, b) <= 0 }
func decimalGTE(a, b float64) bool { return decimalCompare(a, b) >= 0 }
func decimalLT(a, b float64) bool  { return decimalCompare(a, b) < 0 }

// ValidPrice rejects NaN, ±Inf, zero and negative prices.
func ValidPrice(price float64) bool {
	return !math.IsNaN(price) && !math.IsInf(price, 0) && price > 0
}

// ROI returns the signed return in percent of price against entry. Shorts
// profit when the price falls. Invalid inputs yield 0.
func ROI(side string, entry, price float64) float64 {
	if !ValidPrice(entry) || !ValidPrice(price) {
		return 0
	}
	e := decFromFloat(entry)
	move := decFromFloat(price).Sub(e)
	if strings.EqualFold(strings.TrimSpace(side), "short") {
		move = move.Neg()
	}
	return decToFloat(move.Div(e).Mul(decHundred).Round(6))
}

// Reached reports roi >= threshold without float noise around the boundary.
func Reached(roi, threshold float64) bool { return decimalGTE(roi, threshold) }

// Breached reports roi <= threshold without float noise around the boundary.
func Breached(roi, threshold float64) bool { return decimalLTE(roi, threshold) }

// Drawdown returns peak - roi.
func Drawdown(peak, roi float64) float64 {
	return decToFloat(decFromFloat(peak).Sub(decFromFloat(roi)))
}
