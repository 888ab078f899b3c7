package indicators

import "github.com/shopspring/decimal"

// Value is one point of an indicator series. Valid is false for the
// warmup region, mirroring the "leading NaN" contract without pretending
// shopspring/decimal has a NaN — decimal.NullDecimal backs the same idea.
type Value = decimal.NullDecimal

func valid(d decimal.Decimal) Value {
	return Value{Decimal: d, Valid: true}
}

var invalid = Value{}

// Series is an indicator output aligned 1:1 with its input candle slice.
type Series []Value

// Last returns the most recent value and whether it is past warmup.
func (s Series) Last() (decimal.Decimal, bool) {
	if len(s) == 0 || !s[len(s)-1].Valid {
		return decimal.Zero, false
	}
	return s[len(s)-1].Decimal, true
}
