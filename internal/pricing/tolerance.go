package pricing

import "github.com/shopspring/decimal"

const bpsDenominator = 10000

// Tolerance is a symmetric band around an expected payment, in basis points.
type Tolerance struct {
	Bps int64
}

func (t Tolerance) bounds(expected int64) (decimal.Decimal, decimal.Decimal) {
	exp := decimal.NewFromInt(expected)
	delta := exp.Mul(decimal.NewFromInt(t.Bps)).Div(decimal.NewFromInt(bpsDenominator))
	return exp.Sub(delta), exp.Add(delta)
}

// Within reports whether actual lies inside the band, edges included.
func (t Tolerance) Within(expected, actual int64) bool {
	lo, hi := t.bounds(expected)
	a := decimal.NewFromInt(actual)
	return a.GreaterThanOrEqual(lo) && a.LessThanOrEqual(hi)
}

// Covers reports whether actual reaches at least the lower edge of the band.
func (t Tolerance) Covers(expected, actual int64) bool {
	lo, _ := t.bounds(expected)
	return decimal.NewFromInt(actual).GreaterThanOrEqual(lo)
}
