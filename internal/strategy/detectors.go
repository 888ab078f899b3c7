package strategy

import (
	"github.com/novapulse/supervisor/internal/indicators"
	"github.com/novapulse/supervisor/pkg/types"
	"github.com/shopspring/decimal"
)

func lastCandle(candles []types.Candle) (types.Candle, bool) {
	if len(candles) == 0 {
		return types.Candle{}, false
	}
	return candles[len(candles)-1], true
}

func signal(strategy, pair string, direction types.Direction, strength, confidence decimal.Decimal, entry, sl, tp decimal.Decimal, meta map[string]interface{}) types.StrategySignal {
	return types.StrategySignal{
		Strategy: strategy, Pair: pair, Direction: direction,
		Strength: clampDecimal(strength, decimal.Zero, decimal.NewFromInt(1)),
		Confidence: clampDecimal(confidence, decimal.Zero, decimal.NewFromInt(1)),
		EntryHint: entry, SLHint: sl, TPHint: tp, Metadata: meta,
	}
}

// KeltnerStrategy: price rejects a Keltner channel band with a confirming
// MACD histogram sign and RSI threshold.
type KeltnerStrategy struct{}

func (s *KeltnerStrategy) Name() string { return "keltner" }

func (s *KeltnerStrategy) Evaluate(pair string, candles []types.Candle, book types.BookAnalysis, cache *indicators.ScanCache, regime Regime) types.StrategySignal {
	last, ok := lastCandle(candles)
	if !ok {
		return neutralSignal(s.Name(), pair)
	}
	kc := indicators.Keltner(candles, 20, 10, decimal.NewFromFloat(1.5))
	macd := indicators.MACD(candles, 12, 26, 9)
	rsi := indicators.RSI(candles, 14)

	upper, okU := kc.Upper.Last()
	lower, okL := kc.Lower.Last()
	hist, okH := macd.Histogram.Last()
	rsiVal, okR := rsi.Last()
	if !okU || !okL || !okH || !okR {
		return neutralSignal(s.Name(), pair)
	}

	price := last.Close
	switch {
	case price.LessThanOrEqual(lower) && hist.IsPositive() && rsiVal.LessThan(decimal.NewFromInt(40)):
		atr, _ := indicators.ATR(candles, 14).Last()
		sl, tp := indicators.ComputeSLTP(types.DirectionLong, price, atr, decimal.NewFromFloat(1.5), decimal.NewFromFloat(3), decimal.NewFromFloat(0.01), decimal.NewFromFloat(0.02))
		return signal(s.Name(), pair, types.DirectionLong, decimal.NewFromFloat(0.6), decimal.NewFromFloat(0.55), price, sl, tp, nil)
	case price.GreaterThanOrEqual(upper) && hist.IsNegative() && rsiVal.GreaterThan(decimal.NewFromInt(60)):
		atr, _ := indicators.ATR(candles, 14).Last()
		sl, tp := indicators.ComputeSLTP(types.DirectionShort, price, atr, decimal.NewFromFloat(1.5), decimal.NewFromFloat(3), decimal.NewFromFloat(0.01), decimal.NewFromFloat(0.02))
		return signal(s.Name(), pair, types.DirectionShort, decimal.NewFromFloat(0.6), decimal.NewFromFloat(0.55), price, sl, tp, nil)
	}
	return neutralSignal(s.Name(), pair)
}

// MeanReversionStrategy: Bollinger-band extreme combined with an RSI cross
// of the 30/70 threshold.
type MeanReversionStrategy struct{}

func (s *MeanReversionStrategy) Name() string { return "mean_reversion" }

func (s *MeanReversionStrategy) Evaluate(pair string, candles []types.Candle, book types.BookAnalysis, cache *indicators.ScanCache, regime Regime) types.StrategySignal {
	last, ok := lastCandle(candles)
	if !ok {
		return neutralSignal(s.Name(), pair)
	}
	bb := indicators.Bollinger(candles, 20, decimal.NewFromFloat(2))
	rsi := indicators.RSI(candles, 14)

	upper, okU := bb.Upper.Last()
	lower, okL := bb.Lower.Last()
	mid, okM := bb.Middle.Last()
	rsiVal, okR := rsi.Last()
	if !okU || !okL || !okM || !okR || len(rsi) < 2 || !rsi[len(rsi)-2].Valid {
		return neutralSignal(s.Name(), pair)
	}
	prevRSI := rsi[len(rsi)-2].Decimal
	price := last.Close

	switch {
	case price.LessThan(lower) && prevRSI.LessThanOrEqual(decimal.NewFromInt(30)) && rsiVal.GreaterThan(decimal.NewFromInt(30)):
		atr, _ := indicators.ATR(candles, 14).Last()
		sl := price.Sub(atr.Mul(decimal.NewFromFloat(1.5)))
		return signal(s.Name(), pair, types.DirectionLong, decimal.NewFromFloat(0.55), decimal.NewFromFloat(0.5), price, sl, mid, nil)
	case price.GreaterThan(upper) && prevRSI.GreaterThanOrEqual(decimal.NewFromInt(70)) && rsiVal.LessThan(decimal.NewFromInt(70)):
		atr, _ := indicators.ATR(candles, 14).Last()
		sl := price.Add(atr.Mul(decimal.NewFromFloat(1.5)))
		return signal(s.Name(), pair, types.DirectionShort, decimal.NewFromFloat(0.55), decimal.NewFromFloat(0.5), price, sl, mid, nil)
	}
	return neutralSignal(s.Name(), pair)
}

// IchimokuStrategy: Tenkan/Kijun cross gated by price-vs-cloud position and
// a Chikou past-price confirmation.
type IchimokuStrategy struct{}

func (s *IchimokuStrategy) Name() string { return "ichimoku" }

func highLowMid(candles []types.Candle, period, end int) (decimal.Decimal, bool) {
	start := end - period + 1
	if start < 0 || end >= len(candles) {
		return decimal.Zero, false
	}
	highest, lowest := candles[start].High, candles[start].Low
	for i := start + 1; i <= end; i++ {
		if candles[i].High.GreaterThan(highest) {
			highest = candles[i].High
		}
		if candles[i].Low.LessThan(lowest) {
			lowest = candles[i].Low
		}
	}
	return highest.Add(lowest).Div(decimal.NewFromInt(2)), true
}

func (s *IchimokuStrategy) Evaluate(pair string, candles []types.Candle, book types.BookAnalysis, cache *indicators.ScanCache, regime Regime) types.StrategySignal {
	n := len(candles)
	if n < 54 {
		return neutralSignal(s.Name(), pair)
	}
	idx := n - 1
	tenkan, okT := highLowMid(candles, 9, idx)
	kijun, okK := highLowMid(candles, 26, idx)
	prevTenkan, okPT := highLowMid(candles, 9, idx-1)
	prevKijun, okPK := highLowMid(candles, 26, idx-1)
	senkouA := tenkan.Add(kijun).Div(decimal.NewFromInt(2))
	senkouB, okB := highLowMid(candles, 52, idx)
	if !okT || !okK || !okPT || !okPK || !okB {
		return neutralSignal(s.Name(), pair)
	}

	cloudTop := maxDec(senkouA, senkouB)
	cloudBottom := minDec(senkouA, senkouB)
	price := candles[idx].Close
	chikouRef := candles[idx-26].Close // price 26 bars ago, compared to current close stand-in

	wasBelow := prevTenkan.LessThanOrEqual(prevKijun)
	isAbove := tenkan.GreaterThan(kijun)
	wasAbove := prevTenkan.GreaterThanOrEqual(prevKijun)
	isBelow := tenkan.LessThan(kijun)

	switch {
	case wasBelow && isAbove && price.GreaterThan(cloudTop) && price.GreaterThan(chikouRef):
		atr, _ := indicators.ATR(candles, 14).Last()
		sl, tp := indicators.ComputeSLTP(types.DirectionLong, price, atr, decimal.NewFromFloat(1.5), decimal.NewFromFloat(3), decimal.NewFromFloat(0.01), decimal.NewFromFloat(0.025))
		return signal(s.Name(), pair, types.DirectionLong, decimal.NewFromFloat(0.65), decimal.NewFromFloat(0.6), price, sl, tp, nil)
	case wasAbove && isBelow && price.LessThan(cloudBottom) && price.LessThan(chikouRef):
		atr, _ := indicators.ATR(candles, 14).Last()
		sl, tp := indicators.ComputeSLTP(types.DirectionShort, price, atr, decimal.NewFromFloat(1.5), decimal.NewFromFloat(3), decimal.NewFromFloat(0.01), decimal.NewFromFloat(0.025))
		return signal(s.Name(), pair, types.DirectionShort, decimal.NewFromFloat(0.65), decimal.NewFromFloat(0.6), price, sl, tp, nil)
	}
	return neutralSignal(s.Name(), pair)
}

// OrderFlowStrategy: book_score beyond a threshold, confirmed by a tight
// spread and a non-contradictory positional context.
type OrderFlowStrategy struct{}

func (s *OrderFlowStrategy) Name() string { return "order_flow" }

func (s *OrderFlowStrategy) Evaluate(pair string, candles []types.Candle, book types.BookAnalysis, cache *indicators.ScanCache, regime Regime) types.StrategySignal {
	last, ok := lastCandle(candles)
	if !ok || book.Pair == "" {
		return neutralSignal(s.Name(), pair)
	}
	threshold := decimal.NewFromFloat(0.35)
	tightSpread := book.SpreadPct.LessThan(decimal.NewFromFloat(0.001))
	price := last.Close

	switch {
	case book.BookScore.GreaterThan(threshold) && tightSpread && !book.WhaleFlag:
		atr, _ := indicators.ATR(candles, 14).Last()
		sl, tp := indicators.ComputeSLTP(types.DirectionLong, price, atr, decimal.NewFromFloat(1), decimal.NewFromFloat(2), decimal.NewFromFloat(0.008), decimal.NewFromFloat(0.016))
		conf := clampDecimal(book.BookScore, decimal.Zero, decimal.NewFromInt(1))
		return signal(s.Name(), pair, types.DirectionLong, book.BookScore, conf, price, sl, tp, map[string]interface{}{"obi": book.OBI})
	case book.BookScore.LessThan(threshold.Neg()) && tightSpread && !book.WhaleFlag:
		atr, _ := indicators.ATR(candles, 14).Last()
		sl, tp := indicators.ComputeSLTP(types.DirectionShort, price, atr, decimal.NewFromFloat(1), decimal.NewFromFloat(2), decimal.NewFromFloat(0.008), decimal.NewFromFloat(0.016))
		conf := clampDecimal(book.BookScore.Abs(), decimal.Zero, decimal.NewFromInt(1))
		return signal(s.Name(), pair, types.DirectionShort, book.BookScore.Abs(), conf, price, sl, tp, map[string]interface{}{"obi": book.OBI})
	}
	return neutralSignal(s.Name(), pair)
}

// TrendStrategy: fast EMA crosses slow EMA while ADX confirms trend strength.
type TrendStrategy struct{}

func (s *TrendStrategy) Name() string { return "trend" }

func (s *TrendStrategy) Evaluate(pair string, candles []types.Candle, book types.BookAnalysis, cache *indicators.ScanCache, regime Regime) types.StrategySignal {
	fastEMA := indicators.EMA(candles, 12)
	slowEMA := indicators.EMA(candles, 26)
	adx := indicators.ADX(candles, 14)

	n := len(candles)
	if n < 2 || !fastEMA[n-1].Valid || !slowEMA[n-1].Valid || !fastEMA[n-2].Valid || !slowEMA[n-2].Valid {
		return neutralSignal(s.Name(), pair)
	}
	adxVal, okA := adx.ADX.Last()
	if !okA || adxVal.LessThan(decimal.NewFromInt(25)) {
		return neutralSignal(s.Name(), pair)
	}
	price := candles[n-1].Close
	wasBelow := fastEMA[n-2].Decimal.LessThanOrEqual(slowEMA[n-2].Decimal)
	isAbove := fastEMA[n-1].Decimal.GreaterThan(slowEMA[n-1].Decimal)
	wasAbove := fastEMA[n-2].Decimal.GreaterThanOrEqual(slowEMA[n-2].Decimal)
	isBelow := fastEMA[n-1].Decimal.LessThan(slowEMA[n-1].Decimal)

	switch {
	case wasBelow && isAbove:
		atr, _ := indicators.ATR(candles, 14).Last()
		sl, tp := indicators.ComputeSLTP(types.DirectionLong, price, atr, decimal.NewFromFloat(2), decimal.NewFromFloat(4), decimal.NewFromFloat(0.012), decimal.NewFromFloat(0.03))
		strength := clampDecimal(adxVal.Div(decimal.NewFromInt(50)), decimal.Zero, decimal.NewFromInt(1))
		return signal(s.Name(), pair, types.DirectionLong, strength, strength, price, sl, tp, map[string]interface{}{"adx": adxVal})
	case wasAbove && isBelow:
		atr, _ := indicators.ATR(candles, 14).Last()
		sl, tp := indicators.ComputeSLTP(types.DirectionShort, price, atr, decimal.NewFromFloat(2), decimal.NewFromFloat(4), decimal.NewFromFloat(0.012), decimal.NewFromFloat(0.03))
		strength := clampDecimal(adxVal.Div(decimal.NewFromInt(50)), decimal.Zero, decimal.NewFromInt(1))
		return signal(s.Name(), pair, types.DirectionShort, strength, strength, price, sl, tp, map[string]interface{}{"adx": adxVal})
	}
	return neutralSignal(s.Name(), pair)
}

// StochDivergenceStrategy: bullish/bearish price-vs-oscillator divergence
// confirmed while the stochastic sits in an extreme zone.
type StochDivergenceStrategy struct{}

func (s *StochDivergenceStrategy) Name() string { return "stoch_divergence" }

func (s *StochDivergenceStrategy) Evaluate(pair string, candles []types.Candle, book types.BookAnalysis, cache *indicators.ScanCache, regime Regime) types.StrategySignal {
	stoch := indicators.Stochastic(candles, 14, 3)
	n := len(candles)
	lookback := 10
	if n < lookback+2 {
		return neutralSignal(s.Name(), pair)
	}
	idx := n - 1
	if !stoch.K[idx].Valid {
		return neutralSignal(s.Name(), pair)
	}
	kVal := stoch.K[idx].Decimal
	price := candles[idx].Close

	// compare the close and %K from lookback bars ago with the current ones
	// for a classic divergence read.
	refIdx := idx - lookback
	refPrice := candles[refIdx].Close
	refK, okRef := stoch.K[refIdx].Decimal, stoch.K[refIdx].Valid
	if !okRef {
		return neutralSignal(s.Name(), pair)
	}

	switch {
	case kVal.LessThan(decimal.NewFromInt(20)) && price.LessThan(refPrice) && kVal.GreaterThan(refK):
		atr, _ := indicators.ATR(candles, 14).Last()
		sl, tp := indicators.ComputeSLTP(types.DirectionLong, price, atr, decimal.NewFromFloat(1.5), decimal.NewFromFloat(3), decimal.NewFromFloat(0.01), decimal.NewFromFloat(0.02))
		return signal(s.Name(), pair, types.DirectionLong, decimal.NewFromFloat(0.55), decimal.NewFromFloat(0.5), price, sl, tp, nil)
	case kVal.GreaterThan(decimal.NewFromInt(80)) && price.GreaterThan(refPrice) && kVal.LessThan(refK):
		atr, _ := indicators.ATR(candles, 14).Last()
		sl, tp := indicators.ComputeSLTP(types.DirectionShort, price, atr, decimal.NewFromFloat(1.5), decimal.NewFromFloat(3), decimal.NewFromFloat(0.01), decimal.NewFromFloat(0.02))
		return signal(s.Name(), pair, types.DirectionShort, decimal.NewFromFloat(0.55), decimal.NewFromFloat(0.5), price, sl, tp, nil)
	}
	return neutralSignal(s.Name(), pair)
}

// VolSqueezeStrategy: Bollinger sits inside Keltner for N bars, then price
// releases with a momentum sign confirming direction.
type VolSqueezeStrategy struct{}

func (s *VolSqueezeStrategy) Name() string { return "vol_squeeze" }

const squeezeMinBars = 6

func (s *VolSqueezeStrategy) Evaluate(pair string, candles []types.Candle, book types.BookAnalysis, cache *indicators.ScanCache, regime Regime) types.StrategySignal {
	n := len(candles)
	if n < 30 {
		return neutralSignal(s.Name(), pair)
	}
	bb := indicators.Bollinger(candles, 20, decimal.NewFromFloat(2))
	kc := indicators.Keltner(candles, 20, 10, decimal.NewFromFloat(1.5))

	squeezeBars := 0
	for i := n - 1; i >= 0 && i > n-1-20; i-- {
		if !bb.Upper[i].Valid || !kc.Upper[i].Valid {
			break
		}
		inside := bb.Upper[i].Decimal.LessThan(kc.Upper[i].Decimal) && bb.Lower[i].Decimal.GreaterThan(kc.Lower[i].Decimal)
		if i == n-1 {
			// current bar must have released (not squeezed) to fire
			if inside {
				return neutralSignal(s.Name(), pair)
			}
			continue
		}
		if inside {
			squeezeBars++
		} else {
			break
		}
	}
	if squeezeBars < squeezeMinBars {
		return neutralSignal(s.Name(), pair)
	}

	macd := indicators.MACD(candles, 12, 26, 9)
	hist, okH := macd.Histogram.Last()
	if !okH {
		return neutralSignal(s.Name(), pair)
	}
	price := candles[n-1].Close
	atr, _ := indicators.ATR(candles, 14).Last()

	switch {
	case hist.IsPositive():
		sl, tp := indicators.ComputeSLTP(types.DirectionLong, price, atr, decimal.NewFromFloat(1.5), decimal.NewFromFloat(3.5), decimal.NewFromFloat(0.01), decimal.NewFromFloat(0.03))
		strength := decimal.NewFromFloat(0.6)
		return signal(s.Name(), pair, types.DirectionLong, strength, strength, price, sl, tp, map[string]interface{}{"squeeze_bars": squeezeBars})
	case hist.IsNegative():
		sl, tp := indicators.ComputeSLTP(types.DirectionShort, price, atr, decimal.NewFromFloat(1.5), decimal.NewFromFloat(3.5), decimal.NewFromFloat(0.01), decimal.NewFromFloat(0.03))
		strength := decimal.NewFromFloat(0.6)
		return signal(s.Name(), pair, types.DirectionShort, strength, strength, price, sl, tp, map[string]interface{}{"squeeze_bars": squeezeBars})
	}
	return neutralSignal(s.Name(), pair)
}

// SupertrendStrategy: the Supertrend line flips while volume confirms with
// a multiple of its recent average.
type SupertrendStrategy struct{}

func (s *SupertrendStrategy) Name() string { return "supertrend" }

func (s *SupertrendStrategy) Evaluate(pair string, candles []types.Candle, book types.BookAnalysis, cache *indicators.ScanCache, regime Regime) types.StrategySignal {
	n := len(candles)
	if n < 25 {
		return neutralSignal(s.Name(), pair)
	}
	st := indicators.Supertrend(candles, 10, decimal.NewFromFloat(3))
	idx := n - 1
	if st.Direction[idx] == 0 || st.Direction[idx-1] == 0 {
		return neutralSignal(s.Name(), pair)
	}
	if st.Direction[idx] == st.Direction[idx-1] {
		return neutralSignal(s.Name(), pair)
	}

	avgVol := decimal.Zero
	lookback := 20
	for i := idx - lookback; i < idx; i++ {
		avgVol = avgVol.Add(candles[i].Volume)
	}
	avgVol = avgVol.Div(decimal.NewFromInt(int64(lookback)))
	volMult := decimal.NewFromFloat(1.3)
	if avgVol.IsZero() || candles[idx].Volume.LessThan(avgVol.Mul(volMult)) {
		return neutralSignal(s.Name(), pair)
	}

	price := candles[idx].Close
	atr, _ := indicators.ATR(candles, 14).Last()
	line, _ := st.Line.Last()

	if st.Direction[idx] == 1 {
		sl := minDec(line, price.Sub(atr.Mul(decimal.NewFromFloat(1.5))))
		tp := price.Add(atr.Mul(decimal.NewFromFloat(3)))
		return signal(s.Name(), pair, types.DirectionLong, decimal.NewFromFloat(0.65), decimal.NewFromFloat(0.6), price, sl, tp, nil)
	}
	sl := maxDec(line, price.Add(atr.Mul(decimal.NewFromFloat(1.5))))
	tp := price.Sub(atr.Mul(decimal.NewFromFloat(3)))
	return signal(s.Name(), pair, types.DirectionShort, decimal.NewFromFloat(0.65), decimal.NewFromFloat(0.6), price, sl, tp, nil)
}

// ReversalStrategy: an extreme RSI reading plus K consecutive confirmation
// candles in the reversal direction.
type ReversalStrategy struct{}

func (s *ReversalStrategy) Name() string { return "reversal" }

const reversalConfirmCandles = 2

func (s *ReversalStrategy) Evaluate(pair string, candles []types.Candle, book types.BookAnalysis, cache *indicators.ScanCache, regime Regime) types.StrategySignal {
	n := len(candles)
	if n < 20 {
		return neutralSignal(s.Name(), pair)
	}
	rsi := indicators.RSI(candles, 14)
	idx := n - 1
	if !rsi[idx].Valid {
		return neutralSignal(s.Name(), pair)
	}
	rsiVal := rsi[idx].Decimal
	price := candles[idx].Close
	atr, _ := indicators.ATR(candles, 14).Last()

	bullConfirm := true
	for i := idx - reversalConfirmCandles + 1; i <= idx; i++ {
		if !candles[i].Close.GreaterThan(candles[i].Open) {
			bullConfirm = false
			break
		}
	}
	bearConfirm := true
	for i := idx - reversalConfirmCandles + 1; i <= idx; i++ {
		if !candles[i].Close.LessThan(candles[i].Open) {
			bearConfirm = false
			break
		}
	}

	switch {
	case rsiVal.LessThan(decimal.NewFromInt(25)) && bullConfirm:
		sl, tp := indicators.ComputeSLTP(types.DirectionLong, price, atr, decimal.NewFromFloat(2), decimal.NewFromFloat(3), decimal.NewFromFloat(0.015), decimal.NewFromFloat(0.025))
		return signal(s.Name(), pair, types.DirectionLong, decimal.NewFromFloat(0.5), decimal.NewFromFloat(0.45), price, sl, tp, map[string]interface{}{"rsi": rsiVal})
	case rsiVal.GreaterThan(decimal.NewFromInt(75)) && bearConfirm:
		sl, tp := indicators.ComputeSLTP(types.DirectionShort, price, atr, decimal.NewFromFloat(2), decimal.NewFromFloat(3), decimal.NewFromFloat(0.015), decimal.NewFromFloat(0.025))
		return signal(s.Name(), pair, types.DirectionShort, decimal.NewFromFloat(0.5), decimal.NewFromFloat(0.45), price, sl, tp, map[string]interface{}{"rsi": rsiVal})
	}
	return neutralSignal(s.Name(), pair)
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
