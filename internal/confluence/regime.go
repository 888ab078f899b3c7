package confluence

import (
	"sort"

	"github.com/novapulse/supervisor/internal/indicators"
	"github.com/novapulse/supervisor/pkg/types"
	"github.com/shopspring/decimal"
)

var lnTwoMinusOne = decimal.NewFromFloat(0.386294) // 2*ln(2) - 1, precomputed constant used by Garman-Klass

// garmanKlass computes the per-bar Garman-Klass volatility estimator:
// 0.5*ln(H/L)^2 - (2ln2-1)*ln(C/O)^2. Bars with non-positive O/L are skipped.
func garmanKlass(candles []types.Candle) []decimal.Decimal {
	out := make([]decimal.Decimal, 0, len(candles))
	for _, c := range candles {
		if c.Low.LessThanOrEqual(decimal.Zero) || c.Open.LessThanOrEqual(decimal.Zero) {
			out = append(out, decimal.Zero)
			continue
		}
		hl := lnApprox(c.High.Div(c.Low))
		co := lnApprox(c.Close.Div(c.Open))
		gk := hl.Mul(hl).Mul(decimal.NewFromFloat(0.5)).Sub(lnTwoMinusOne.Mul(co).Mul(co))
		if gk.IsNegative() {
			gk = decimal.Zero
		}
		out = append(out, gk)
	}
	return out
}

// lnApprox approximates the natural log via a fixed-iteration Newton scheme
// on decimal.Decimal (no native ln in shopspring/decimal), adequate for the
// small ratios (close to 1.0) that OHLC ratios produce.
func lnApprox(x decimal.Decimal) decimal.Decimal {
	if x.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	// ln(x) via y_{n+1} = y_n + 2*(x - e^{y_n})/(x + e^{y_n}), a few iterations
	// converge quickly for x in a reasonable OHLC ratio range.
	y := x.Sub(decimal.NewFromInt(1)) // initial guess: x-1 approximates ln(x) near 1
	for i := 0; i < 30; i++ {
		ey := expApprox(y)
		y = y.Add(decimal.NewFromInt(2).Mul(x.Sub(ey)).Div(x.Add(ey)))
	}
	return y
}

// expApprox approximates e^y via a truncated Taylor series, sufficient for
// the |y| < ~1 range produced by OHLC log-ratios.
func expApprox(y decimal.Decimal) decimal.Decimal {
	term := decimal.NewFromInt(1)
	sum := decimal.NewFromInt(1)
	for n := 1; n <= 25; n++ {
		term = term.Mul(y).Div(decimal.NewFromInt(int64(n)))
		sum = sum.Add(term)
	}
	return sum
}

// Regime is the detected market state for one pair on its primary timeframe.
type Regime struct {
	Trend        types.TrendRegime
	Vol          types.VolRegime
	VolLevel     decimal.Decimal // percentile in [0,1]
	VolExpanding bool
}

// DetectRegime classifies trend/vol state on candles using ADX (trend) and
// ATR% (vol bucket), with Garman-Klass percentile/expansion for vol_level.
func DetectRegime(candles []types.Candle, adxThreshold, atrLowPct, atrHighPct, expandRatio decimal.Decimal, gkLookback int) Regime {
	r := Regime{Trend: types.TrendRegimeRange, Vol: types.VolRegimeMid}
	if len(candles) < 20 {
		return r
	}

	adx := indicators.ADX(candles, 14)
	if v, ok := adx.ADX.Last(); ok && v.GreaterThanOrEqual(adxThreshold) {
		r.Trend = types.TrendRegimeTrend
	}

	atr, _ := indicators.ATR(candles, 14).Last()
	price := candles[len(candles)-1].Close
	if price.IsPositive() {
		atrPct := atr.Div(price)
		switch {
		case atrPct.LessThan(atrLowPct):
			r.Vol = types.VolRegimeLow
		case atrPct.GreaterThan(atrHighPct):
			r.Vol = types.VolRegimeHigh
		default:
			r.Vol = types.VolRegimeMid
		}
	}

	gk := garmanKlass(candles)
	n := len(gk)
	lookback := gkLookback
	if lookback <= 0 {
		lookback = 100
	}
	start := 0
	if n > lookback {
		start = n - lookback
	}
	window := append([]decimal.Decimal(nil), gk[start:]...)
	if len(window) > 0 {
		sorted := append([]decimal.Decimal(nil), window...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })
		current := gk[n-1]
		rank := 0
		for _, v := range sorted {
			if v.LessThanOrEqual(current) {
				rank++
			}
		}
		r.VolLevel = decimal.NewFromInt(int64(rank)).Div(decimal.NewFromInt(int64(len(sorted))))
	}

	if n > 10 {
		tenBarsAgo := gk[n-11]
		if tenBarsAgo.IsPositive() && gk[n-1].GreaterThan(tenBarsAgo.Mul(expandRatio)) {
			r.VolExpanding = true
		}
	}

	return r
}
