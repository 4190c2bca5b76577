package fib

import "github.com/shopspring/decimal"

// SizePosition returns the quantity whose stop-out loses exactly
// cash*riskPerTrade: (cash*risk)/|entry-stop|, floored at 0. A zero distance
// yields ErrZeroRiskDistance; non-finite inputs yield 0.
func SizePosition(cash, riskPerTrade, entry, stop float64) (float64, error) {
	dCash, ok1 := decFromFloat(cash)
	dRisk, ok2 := decFromFloat(riskPerTrade)
	dEntry, ok3 := decFromFloat(entry)
	dStop, ok4 := decFromFloat(stop)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return 0, nil
	}
	dist := dEntry.Sub(dStop).Abs()
	if dist.IsZero() {
		return 0, ErrZeroRiskDistance
	}
	riskAmt := dCash.Mul(dRisk)
	if riskAmt.Sign() <= 0 {
		return 0, nil
	}
	size := riskAmt.DivRound(dist, 16)
	return decToFloat(decimal.Max(size, decimal.Zero)), nil
}

// PositionSize is SizePosition with the error folded into a zero size.
func PositionSize(cash, riskPerTrade, entry, stop float64) float64 {
	size, err := SizePosition(cash, riskPerTrade, entry, stop)
	if err != nil {
		return 0
	}
	return size
}
