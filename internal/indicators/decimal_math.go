package indicators

import "github.com/shopspring/decimal"

// sqrtDecimal computes a square root via Newton's method. shopspring/decimal
// has no native Sqrt; 20 iterations converges to full decimal.Decimal
// precision for the price/volatility magnitudes this package works with.
func sqrtDecimal(d decimal.Decimal) decimal.Decimal {
	if d.IsZero() || d.IsNegative() {
		return decimal.Zero
	}
	x := d
	two := decimal.NewFromInt(2)
	for i := 0; i < 20; i++ {
		x = x.Add(d.Div(x)).Div(two)
	}
	return x
}

func maxDec(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

func minDec(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}
