// Package indicators computes technical indicators over closed-candle
// views. Every function takes a contiguous, newest-last candle slice and
// returns a Series aligned to the input length, with an invalid (NaN-like)
// leading warmup region.
package indicators

import (
	"github.com/novapulse/supervisor/pkg/types"
	"github.com/shopspring/decimal"
)

func closes(candles []types.Candle) []decimal.Decimal {
	out := make([]decimal.Decimal, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// EMA computes the exponential moving average with the standard recurrence,
// seeded by a simple average of the first `period` closes.
func EMA(candles []types.Candle, period int) Series {
	n := len(candles)
	out := make(Series, n)
	if n < period || period <= 0 {
		return out
	}
	alpha := decimal.NewFromInt(2).Div(decimal.NewFromInt(int64(period + 1)))

	sum := decimal.Zero
	for i := 0; i < period; i++ {
		sum = sum.Add(candles[i].Close)
	}
	prev := sum.Div(decimal.NewFromInt(int64(period)))
	out[period-1] = valid(prev)

	for i := period; i < n; i++ {
		prev = candles[i].Close.Sub(prev).Mul(alpha).Add(prev)
		out[i] = valid(prev)
	}
	return out
}

// SMA computes the simple moving average over period.
func SMA(candles []types.Candle, period int) Series {
	n := len(candles)
	out := make(Series, n)
	if period <= 0 {
		return out
	}
	sum := decimal.Zero
	for i := 0; i < n; i++ {
		sum = sum.Add(candles[i].Close)
		if i >= period {
			sum = sum.Sub(candles[i-period].Close)
		}
		if i >= period-1 {
			out[i] = valid(sum.Div(decimal.NewFromInt(int64(period))))
		}
	}
	return out
}

// trueRange returns TR for index i (i must be >= 1 for a gap-aware range).
func trueRange(candles []types.Candle, i int) decimal.Decimal {
	if i == 0 {
		return candles[0].High.Sub(candles[0].Low)
	}
	hl := candles[i].High.Sub(candles[i].Low)
	hc := candles[i].High.Sub(candles[i-1].Close).Abs()
	lc := candles[i].Low.Sub(candles[i-1].Close).Abs()
	return maxDec(hl, maxDec(hc, lc))
}

// ATR computes Wilder's smoothed average true range.
func ATR(candles []types.Candle, period int) Series {
	n := len(candles)
	out := make(Series, n)
	if n <= period || period <= 0 {
		return out
	}

	sum := decimal.Zero
	for i := 0; i <= period; i++ {
		sum = sum.Add(trueRange(candles, i))
	}
	prev := sum.Div(decimal.NewFromInt(int64(period + 1)))
	out[period] = valid(prev)

	pd := decimal.NewFromInt(int64(period))
	for i := period + 1; i < n; i++ {
		tr := trueRange(candles, i)
		prev = prev.Mul(pd.Sub(decimal.NewFromInt(1))).Add(tr).Div(pd)
		out[i] = valid(prev)
	}
	return out
}

// RSI computes the relative strength index via Wilder smoothing of
// average gains/losses.
func RSI(candles []types.Candle, period int) Series {
	n := len(candles)
	out := make(Series, n)
	if n <= period || period <= 0 {
		return out
	}

	gainSum, lossSum := decimal.Zero, decimal.Zero
	for i := 1; i <= period; i++ {
		delta := candles[i].Close.Sub(candles[i-1].Close)
		if delta.IsPositive() {
			gainSum = gainSum.Add(delta)
		} else {
			lossSum = lossSum.Add(delta.Abs())
		}
	}
	pd := decimal.NewFromInt(int64(period))
	avgGain := gainSum.Div(pd)
	avgLoss := lossSum.Div(pd)
	out[period] = valid(rsiFromAvg(avgGain, avgLoss))

	for i := period + 1; i < n; i++ {
		delta := candles[i].Close.Sub(candles[i-1].Close)
		gain, loss := decimal.Zero, decimal.Zero
		if delta.IsPositive() {
			gain = delta
		} else {
			loss = delta.Abs()
		}
		avgGain = avgGain.Mul(pd.Sub(decimal.NewFromInt(1))).Add(gain).Div(pd)
		avgLoss = avgLoss.Mul(pd.Sub(decimal.NewFromInt(1))).Add(loss).Div(pd)
		out[i] = valid(rsiFromAvg(avgGain, avgLoss))
	}
	return out
}

func rsiFromAvg(avgGain, avgLoss decimal.Decimal) decimal.Decimal {
	if avgLoss.IsZero() {
		return decimal.NewFromInt(100)
	}
	rs := avgGain.Div(avgLoss)
	hundred := decimal.NewFromInt(100)
	return hundred.Sub(hundred.Div(decimal.NewFromInt(1).Add(rs)))
}

// MACDResult holds the MACD line, signal line and histogram.
type MACDResult struct {
	MACD      Series
	Signal    Series
	Histogram Series
}

// MACD computes the standard 12/26/9 (or caller-supplied) configuration.
func MACD(candles []types.Candle, fast, slow, signal int) MACDResult {
	n := len(candles)
	fastEMA := EMA(candles, fast)
	slowEMA := EMA(candles, slow)

	macdLine := make(Series, n)
	for i := 0; i < n; i++ {
		if fastEMA[i].Valid && slowEMA[i].Valid {
			macdLine[i] = valid(fastEMA[i].Decimal.Sub(slowEMA[i].Decimal))
		}
	}

	// signal = EMA(signal) of the macd line, computed directly on the
	// valid sub-range rather than re-using EMA (which expects candles).
	signalLine := make(Series, n)
	firstValid := -1
	for i, v := range macdLine {
		if v.Valid {
			firstValid = i
			break
		}
	}
	histogram := make(Series, n)
	if firstValid == -1 || firstValid+signal > n {
		return MACDResult{MACD: macdLine, Signal: signalLine, Histogram: histogram}
	}

	sum := decimal.Zero
	for i := firstValid; i < firstValid+signal; i++ {
		sum = sum.Add(macdLine[i].Decimal)
	}
	alpha := decimal.NewFromInt(2).Div(decimal.NewFromInt(int64(signal + 1)))
	prev := sum.Div(decimal.NewFromInt(int64(signal)))
	idx := firstValid + signal - 1
	signalLine[idx] = valid(prev)
	histogram[idx] = valid(macdLine[idx].Decimal.Sub(prev))

	for i := idx + 1; i < n; i++ {
		prev = macdLine[i].Decimal.Sub(prev).Mul(alpha).Add(prev)
		signalLine[i] = valid(prev)
		histogram[i] = valid(macdLine[i].Decimal.Sub(prev))
	}
	return MACDResult{MACD: macdLine, Signal: signalLine, Histogram: histogram}
}

// BollingerResult holds the middle/upper/lower bands.
type BollingerResult struct {
	Middle Series
	Upper  Series
	Lower  Series
}

// Bollinger computes bands using population standard deviation (matching
// the teacher's sqrtDecimal-based strategy math).
func Bollinger(candles []types.Candle, period int, numStdDev decimal.Decimal) BollingerResult {
	n := len(candles)
	middle := SMA(candles, period)
	upper := make(Series, n)
	lower := make(Series, n)
	if period <= 0 {
		return BollingerResult{Middle: middle, Upper: upper, Lower: lower}
	}

	pd := decimal.NewFromInt(int64(period))
	for i := period - 1; i < n; i++ {
		if !middle[i].Valid {
			continue
		}
		mean := middle[i].Decimal
		variance := decimal.Zero
		for j := i - period + 1; j <= i; j++ {
			diff := candles[j].Close.Sub(mean)
			variance = variance.Add(diff.Mul(diff))
		}
		variance = variance.Div(pd)
		stdDev := sqrtDecimal(variance)
		band := stdDev.Mul(numStdDev)
		upper[i] = valid(mean.Add(band))
		lower[i] = valid(mean.Sub(band))
	}
	return BollingerResult{Middle: middle, Upper: upper, Lower: lower}
}

// KeltnerResult holds the EMA midline and ATR-multiple channel bounds.
type KeltnerResult struct {
	Middle Series
	Upper  Series
	Lower  Series
}

// Keltner computes an EMA midline with ATR-multiple channel boundaries.
func Keltner(candles []types.Candle, emaPeriod, atrPeriod int, atrMult decimal.Decimal) KeltnerResult {
	n := len(candles)
	middle := EMA(candles, emaPeriod)
	atr := ATR(candles, atrPeriod)
	upper := make(Series, n)
	lower := make(Series, n)
	for i := 0; i < n; i++ {
		if !middle[i].Valid || !atr[i].Valid {
			continue
		}
		band := atr[i].Decimal.Mul(atrMult)
		upper[i] = valid(middle[i].Decimal.Add(band))
		lower[i] = valid(middle[i].Decimal.Sub(band))
	}
	return KeltnerResult{Middle: middle, Upper: upper, Lower: lower}
}

// ADX computes the average directional index alongside +DI/-DI, using
// Wilder's DM/TR smoothing.
type ADXResult struct {
	ADX    Series
	PlusDI Series
	MinusDI Series
}

func ADX(candles []types.Candle, period int) ADXResult {
	n := len(candles)
	adx := make(Series, n)
	plusDI := make(Series, n)
	minusDI := make(Series, n)
	if n <= period*2 || period <= 0 {
		return ADXResult{ADX: adx, PlusDI: plusDI, MinusDI: minusDI}
	}

	pd := decimal.NewFromInt(int64(period))
	trSum, plusDMSum, minusDMSum := decimal.Zero, decimal.Zero, decimal.Zero
	for i := 1; i <= period; i++ {
		upMove := candles[i].High.Sub(candles[i-1].High)
		downMove := candles[i-1].Low.Sub(candles[i].Low)
		plusDM, minusDM := decimal.Zero, decimal.Zero
		if upMove.GreaterThan(downMove) && upMove.IsPositive() {
			plusDM = upMove
		}
		if downMove.GreaterThan(upMove) && downMove.IsPositive() {
			minusDM = downMove
		}
		trSum = trSum.Add(trueRange(candles, i))
		plusDMSum = plusDMSum.Add(plusDM)
		minusDMSum = minusDMSum.Add(minusDM)
	}

	dxs := make([]decimal.Decimal, 0, n)
	smoothTR, smoothPlusDM, smoothMinusDM := trSum, plusDMSum, minusDMSum
	for i := period + 1; i < n; i++ {
		upMove := candles[i].High.Sub(candles[i-1].High)
		downMove := candles[i-1].Low.Sub(candles[i].Low)
		plusDM, minusDM := decimal.Zero, decimal.Zero
		if upMove.GreaterThan(downMove) && upMove.IsPositive() {
			plusDM = upMove
		}
		if downMove.GreaterThan(upMove) && downMove.IsPositive() {
			minusDM = downMove
		}
		tr := trueRange(candles, i)
		smoothTR = smoothTR.Sub(smoothTR.Div(pd)).Add(tr)
		smoothPlusDM = smoothPlusDM.Sub(smoothPlusDM.Div(pd)).Add(plusDM)
		smoothMinusDM = smoothMinusDM.Sub(smoothMinusDM.Div(pd)).Add(minusDM)

		if smoothTR.IsZero() {
			continue
		}
		pDI := smoothPlusDM.Div(smoothTR).Mul(decimal.NewFromInt(100))
		mDI := smoothMinusDM.Div(smoothTR).Mul(decimal.NewFromInt(100))
		plusDI[i] = valid(pDI)
		minusDI[i] = valid(mDI)

		diSum := pDI.Add(mDI)
		dx := decimal.Zero
		if diSum.IsPositive() {
			dx = pDI.Sub(mDI).Abs().Div(diSum).Mul(decimal.NewFromInt(100))
		}
		dxs = append(dxs, dx)

		if len(dxs) == period {
			sum := decimal.Zero
			for _, v := range dxs {
				sum = sum.Add(v)
			}
			adx[i] = valid(sum.Div(pd))
		} else if len(dxs) > period {
			prevADX, _ := adx.atOrZero(i - 1)
			next := prevADX.Mul(pd.Sub(decimal.NewFromInt(1))).Add(dx).Div(pd)
			adx[i] = valid(next)
		}
	}
	return ADXResult{ADX: adx, PlusDI: plusDI, MinusDI: minusDI}
}

func (s Series) atOrZero(i int) (decimal.Decimal, bool) {
	if i < 0 || i >= len(s) || !s[i].Valid {
		return decimal.Zero, false
	}
	return s[i].Decimal, true
}

// StochasticResult holds %K (raw, SMA-smoothed) and %D.
type StochasticResult struct {
	K Series
	D Series
}

// Stochastic computes %K over kPeriod and smooths it by dPeriod for %D.
func Stochastic(candles []types.Candle, kPeriod, dPeriod int) StochasticResult {
	n := len(candles)
	k := make(Series, n)
	if kPeriod <= 0 {
		return StochasticResult{K: k, D: make(Series, n)}
	}
	for i := kPeriod - 1; i < n; i++ {
		lowest, highest := candles[i-kPeriod+1].Low, candles[i-kPeriod+1].High
		for j := i - kPeriod + 1; j <= i; j++ {
			lowest = minDec(lowest, candles[j].Low)
			highest = maxDec(highest, candles[j].High)
		}
		rng := highest.Sub(lowest)
		if rng.IsZero() {
			k[i] = valid(decimal.NewFromInt(50))
			continue
		}
		k[i] = valid(candles[i].Close.Sub(lowest).Div(rng).Mul(decimal.NewFromInt(100)))
	}

	d := make(Series, n)
	for i := kPeriod - 1 + dPeriod - 1; i < n; i++ {
		sum := decimal.Zero
		ok := true
		for j := i - dPeriod + 1; j <= i; j++ {
			if !k[j].Valid {
				ok = false
				break
			}
			sum = sum.Add(k[j].Decimal)
		}
		if ok {
			d[i] = valid(sum.Div(decimal.NewFromInt(int64(dPeriod))))
		}
	}
	return StochasticResult{K: k, D: d}
}

// SupertrendResult holds the trailing stop line and a +1/-1 direction flag
// (1 while price trades above the line, -1 below).
type SupertrendResult struct {
	Line      Series
	Direction []int
}

// Supertrend alternates a basic-band direction flag with ATR channel
// boundaries, matching the standard construction.
func Supertrend(candles []types.Candle, atrPeriod int, mult decimal.Decimal) SupertrendResult {
	n := len(candles)
	atr := ATR(candles, atrPeriod)
	line := make(Series, n)
	dir := make([]int, n)

	trend := 1
	var finalUpper, finalLower decimal.Decimal
	for i := 0; i < n; i++ {
		if !atr[i].Valid {
			continue
		}
		hl2 := candles[i].High.Add(candles[i].Low).Div(decimal.NewFromInt(2))
		band := atr[i].Decimal.Mul(mult)
		basicUpper := hl2.Add(band)
		basicLower := hl2.Sub(band)

		if i == 0 || !line[i-1].Valid {
			finalUpper, finalLower = basicUpper, basicLower
			trend = 1
		} else {
			prevClose := candles[i-1].Close
			if basicUpper.LessThan(finalUpper) || prevClose.GreaterThan(finalUpper) {
				finalUpper = basicUpper
			}
			if basicLower.GreaterThan(finalLower) || prevClose.LessThan(finalLower) {
				finalLower = basicLower
			}
			switch {
			case trend == 1 && candles[i].Close.LessThan(finalLower):
				trend = -1
			case trend == -1 && candles[i].Close.GreaterThan(finalUpper):
				trend = 1
			}
		}

		dir[i] = trend
		if trend == 1 {
			line[i] = valid(finalLower)
		} else {
			line[i] = valid(finalUpper)
		}
	}
	return SupertrendResult{Line: line, Direction: dir}
}

// ComputeSLTP derives absolute SL/TP prices from an ATR-scaled distance,
// floored by a percentage of entry so sub-minute ATR noise never produces
// an unrealistically tight stop.
func ComputeSLTP(direction types.Direction, entry, atr, slMult, tpMult, floorSLPct, floorTPPct decimal.Decimal) (sl, tp decimal.Decimal) {
	slDistance := maxDec(atr.Mul(slMult), entry.Mul(floorSLPct))
	tpDistance := maxDec(atr.Mul(tpMult), entry.Mul(floorTPPct))

	if direction == types.DirectionLong {
		return entry.Sub(slDistance), entry.Add(tpDistance)
	}
	return entry.Add(slDistance), entry.Sub(tpDistance)
}
