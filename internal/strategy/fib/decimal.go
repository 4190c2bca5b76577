package fib

import (
	"math"

	"github.com/shopspring/decimal"
)

func decFromFloat(val float64) (decimal.Decimal, bool) {
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return decimal.Zero, false
	}
	return decimal.NewFromFloat(val), true
}

func decToFloat(val decimal.Decimal) float64 {
	f, _ := val.Float64()
	return f
}

// compare returns -1, 0, 1; ok is false when either side is not finite, in
// which case no comparison holds.
func compare(a, b float64) (int, bool) {
	da, okA := decFromFloat(a)
	db, okB := decFromFloat(b)
	if !okA || !okB {
		return 0, false
	}
	return da.Cmp(db), true
}

func lt(a, b float64) bool {
	c, ok := compare(a, b)
	return ok && c < 0
}

func lte(a, b float64) bool {
	c, ok := compare(a, b)
	return ok && c <= 0
}

func gt(a, b float64) bool {
	c, ok := compare(a, b)
	return ok && c > 0
}

func gte(a, b float64) bool {
	c, ok := compare(a, b)
	return ok && c >= 0
}
