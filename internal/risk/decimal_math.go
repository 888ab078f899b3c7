package risk

import "github.com/shopspring/decimal"

// lnApprox approximates the natural log via fixed-iteration Newton's method;
// shopspring/decimal has no native Ln, and the risk-of-ruin formula needs
// decimal precision rather than float64's rounding.
func lnApprox(x decimal.Decimal) decimal.Decimal {
	if x.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	y := x.Sub(decimal.NewFromInt(1))
	for i := 0; i < 30; i++ {
		ey := expApprox(y)
		y = y.Add(decimal.NewFromInt(2).Mul(x.Sub(ey)).Div(x.Add(ey)))
	}
	return y
}

// expApprox approximates e^y via a truncated Taylor series.
func expApprox(y decimal.Decimal) decimal.Decimal {
	term := decimal.NewFromInt(1)
	sum := decimal.NewFromInt(1)
	for n := 1; n <= 30; n++ {
		term = term.Mul(y).Div(decimal.NewFromInt(int64(n)))
		sum = sum.Add(term)
	}
	return sum
}

func clampDecimal(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}
