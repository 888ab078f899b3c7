// Package confluence implements the multi-timeframe, multi-strategy
// aggregation pipeline: regime detection, adaptive per-strategy weighting,
// order-book fusion, timeframe combination, and the sure-fire/session-hour
// overlays that turn nine independent detectors into one tradeable verdict.
package confluence

import (
	"context"
	"sync"
	"time"

	"github.com/novapulse/supervisor/internal/indicators"
	"github.com/novapulse/supervisor/internal/strategy"
	"github.com/novapulse/supervisor/pkg/config"
	"github.com/novapulse/supervisor/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Engine runs the confluence pipeline for one pair at a time. It is safe
// for concurrent use across pairs; per-pair state lives in the caller
// (MarketDataCache, strategy.Registry's own locking).
type Engine struct {
	logger     *zap.Logger
	cfg        config.ConfluenceConfig
	regimeCfg  config.RegimeConfig
	riskCfg    config.RiskConfig
	registry   *strategy.Registry

	mu           sync.Mutex
	sessionStats map[int]*hourStat // UTC hour -> running win-rate tracker
}

type hourStat struct {
	wins, total int
}

// NewEngine constructs a confluence engine bound to a strategy registry.
// riskCfg supplies the ATR stop/target multipliers; everything else the
// pipeline needs lives in cfg/regimeCfg.
func NewEngine(logger *zap.Logger, cfg config.ConfluenceConfig, regimeCfg config.RegimeConfig, riskCfg config.RiskConfig, registry *strategy.Registry) *Engine {
	return &Engine{
		logger:       logger.Named("confluence"),
		cfg:          cfg,
		regimeCfg:    regimeCfg,
		riskCfg:      riskCfg,
		registry:     registry,
		sessionStats: make(map[int]*hourStat),
	}
}

// timeframeAggregate is one timeframe's independent aggregate verdict.
type timeframeAggregate struct {
	timeframe  int
	direction  types.Direction
	strength   decimal.Decimal
	confidence decimal.Decimal
	count      int
	obiAgrees  bool
	atr        decimal.Decimal
}

// Evaluate runs the full pipeline for pair given its base 1-minute candle
// history and the latest order-book analysis, returning the aggregated
// confluence signal. Direction is neutral when no timeframe reaches a
// tradeable confluence.
func (e *Engine) Evaluate(ctx context.Context, pair string, base1m []types.Candle, book types.BookAnalysis, scanCache *indicators.ScanCache, now time.Time) types.ConfluenceSignal {
	timeframes := e.cfg.Timeframes
	if len(timeframes) == 0 {
		timeframes = []int{1, 5, 15}
	}
	primaryTF := e.cfg.PrimaryTimeframe
	if primaryTF == 0 {
		primaryTF = timeframes[0]
	}

	candlesByTF := make(map[int][]types.Candle, len(timeframes))
	for _, tf := range timeframes {
		c := base1m
		if tf != 1 {
			c = AggregateCandles(base1m, tf)
		}
		if e.cfg.UseClosedCandlesOnly {
			c = DropInProgress(c)
		}
		candlesByTF[tf] = c
	}

	primaryCandles := candlesByTF[primaryTF]
	regime := DetectRegime(primaryCandles, e.cfg.ADXTrendThreshold, e.cfg.ATRLowPct, e.cfg.ATRHighPct, e.regimeCfg.VolExpandingRatio, e.regimeCfg.VolLevelLookback)

	aggregates := make(map[int]timeframeAggregate, len(timeframes))
	for _, tf := range timeframes {
		aggregates[tf] = e.aggregateTimeframe(ctx, pair, tf, candlesByTF[tf], book, regime, scanCache)
	}

	primary := aggregates[primaryTF]
	if primary.direction == types.DirectionNeutral {
		return neutralConfluence(pair, regime, now)
	}

	strength, confidence, timeframeAgreement, highestAgreeingTF := e.combineTimeframes(primary, aggregates, timeframes)
	if strength.IsZero() && confidence.IsZero() {
		return neutralConfluence(pair, regime, now)
	}

	strength, confidence = e.applySessionMultiplier(strength, confidence, now)

	confluenceCount := primary.count
	sureFire := confluenceCount >= e.cfg.SureFireCount && primary.obiAgrees && confidence.GreaterThanOrEqual(e.cfg.MinConfidence)
	if sureFire {
		strength = strength.Add(decimal.NewFromFloat(0.15))
		confidence = confidence.Add(decimal.NewFromFloat(0.10))
	}
	strength = clampDecimal01(strength)
	confidence = clampDecimal01(confidence)

	entry := primaryCandles[len(primaryCandles)-1].Close
	atr := aggregates[highestAgreeingTF].atr
	sl, tp := indicators.ComputeSLTP(primary.direction, entry, atr, e.riskCfg.ATRMultiplierSL, e.riskCfg.ATRMultiplierTP, decimal.NewFromFloat(0.025), decimal.NewFromFloat(0.05))

	return types.ConfluenceSignal{
		Pair: pair, Direction: primary.direction, Strength: strength, Confidence: confidence,
		ConfluenceCount: confluenceCount, IsSureFire: sureFire, OBIAgrees: primary.obiAgrees,
		Entry: entry, SL: sl, TP: tp,
		TrendRegime: regime.Trend, VolRegime: regime.Vol, VolLevel: regime.VolLevel, VolExpanding: regime.VolExpanding,
		TimeframeAgreement: timeframeAgreement, Ts: now,
	}
}

// aggregateTimeframe runs every enabled, non-cooling-down detector under a
// per-strategy deadline, computes effective weights, and aggregates signals
// sharing the dominant direction, including order-book fusion.
func (e *Engine) aggregateTimeframe(ctx context.Context, pair string, tf int, candles []types.Candle, book types.BookAnalysis, regime Regime, scanCache *indicators.ScanCache) timeframeAggregate {
	if len(candles) < 10 {
		return timeframeAggregate{timeframe: tf, direction: types.DirectionNeutral}
	}

	type weighted struct {
		sig    types.StrategySignal
		weight decimal.Decimal
	}
	var results []weighted
	regimeKey := regimeKeyFor(regime)

	for _, name := range e.activeStrategyNames() {
		perf := e.registry.Performance(name)
		if perf.IsDisabled() {
			continue
		}

		det, ok := e.registry.Create(name)
		if !ok {
			continue
		}
		sig := e.evaluateWithDeadline(ctx, det, pair, candles, book, scanCache, regime, name)
		if sig.Direction == types.DirectionNeutral {
			continue
		}
		if perf.IsCoolingDown(pair, sig.Direction) {
			continue
		}

		adaptive := perf.AdaptivePerformanceFactor(strategy.Regime{Trend: regime.Trend, Vol: regime.Vol})
		mult := e.regimeMultiplier(regimeKey, name)
		baseWeight := e.cfg.BaseWeights[name]
		if baseWeight.IsZero() {
			baseWeight = decimal.NewFromInt(1)
		}
		w := baseWeight.Mul(adaptive).Mul(mult)
		if w.IsZero() {
			continue
		}
		results = append(results, weighted{sig: sig, weight: w})
	}

	if len(results) == 0 {
		return timeframeAggregate{timeframe: tf, direction: types.DirectionNeutral}
	}

	// dominant direction: highest sum of w*strength
	sums := map[types.Direction]decimal.Decimal{}
	for _, r := range results {
		sums[r.sig.Direction] = sums[r.sig.Direction].Add(r.weight.Mul(r.sig.Strength))
	}
	dominant := types.DirectionNeutral
	best := decimal.Zero
	for d, s := range sums {
		if s.GreaterThan(best) {
			best = s
			dominant = d
		}
	}
	if dominant == types.DirectionNeutral {
		return timeframeAggregate{timeframe: tf, direction: types.DirectionNeutral}
	}

	weightSum, weightedStrengthSum, weightedConfidenceSum := decimal.Zero, decimal.Zero, decimal.Zero
	count := 0
	opposing := 0
	for _, r := range results {
		if r.sig.Direction == dominant {
			weightSum = weightSum.Add(r.weight)
			weightedStrengthSum = weightedStrengthSum.Add(r.weight.Mul(r.sig.Strength))
			weightedConfidenceSum = weightedConfidenceSum.Add(r.weight.Mul(r.sig.Confidence))
			if r.sig.Strength.GreaterThan(decimal.NewFromFloat(0.1)) {
				count++
			}
		} else {
			opposing++
		}
	}
	if weightSum.IsZero() {
		return timeframeAggregate{timeframe: tf, direction: types.DirectionNeutral}
	}

	weightedStrength := weightedStrengthSum.Div(weightSum)
	weightedConfidence := weightedConfidenceSum.Div(weightSum)

	if count > 1 {
		bonus := decimal.NewFromFloat(0.10).Mul(decimal.NewFromInt(int64(count - 1)))
		weightedConfidence = weightedConfidence.Add(clampDecimal(bonus, decimal.Zero, decimal.NewFromFloat(0.30)))
	}
	if opposing > 0 {
		penalty := decimal.NewFromFloat(0.04).Mul(decimal.NewFromInt(int64(opposing)))
		weightedConfidence = weightedConfidence.Sub(clampDecimal(penalty, decimal.Zero, decimal.NewFromFloat(0.12)))
	}

	obiAgrees := false
	if book.Pair != "" {
		signMatches := (dominant == types.DirectionLong && book.BookScore.IsPositive()) || (dominant == types.DirectionShort && book.BookScore.IsNegative())
		if e.cfg.ObiCountsAsConfluence && book.BookScore.Abs().GreaterThanOrEqual(e.cfg.BookScoreThreshold) && signMatches {
			weightSum = weightSum.Add(e.cfg.ObiWeight)
			weightedStrength = weightedStrengthSum.Add(e.cfg.ObiWeight.Mul(book.BookScore.Abs())).Div(weightSum)
			obiAgrees = true
		} else if signMatches {
			weightedConfidence = weightedConfidence.Add(decimal.NewFromFloat(0.05))
			obiAgrees = true
		}
	}

	atr, _ := indicators.ATR(candles, 14).Last()

	return timeframeAggregate{
		timeframe: tf, direction: dominant,
		strength: clampDecimal01(weightedStrength), confidence: clampDecimal01(weightedConfidence),
		count: count, obiAgrees: obiAgrees, atr: atr,
	}
}

// evaluateWithDeadline runs one detector under a wall-clock timeout;
// timeouts and panics both yield neutral and are logged, never penalized
// in the weighting pass.
func (e *Engine) evaluateWithDeadline(ctx context.Context, det strategy.Detector, pair string, candles []types.Candle, book types.BookAnalysis, scanCache *indicators.ScanCache, regime Regime, name string) types.StrategySignal {
	deadline := 5 * time.Second
	resultCh := make(chan types.StrategySignal, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Warn("strategy panicked, neutralizing for this scan", zap.String("strategy", name), zap.Any("panic", r))
				resultCh <- types.StrategySignal{Strategy: name, Pair: pair, Direction: types.DirectionNeutral}
			}
		}()
		resultCh <- det.Evaluate(pair, candles, book, scanCache, strategy.Regime{Trend: regime.Trend, Vol: regime.Vol})
	}()

	select {
	case sig := <-resultCh:
		return sig
	case <-time.After(deadline):
		e.logger.Warn("strategy evaluation timed out, neutralizing", zap.String("strategy", name), zap.String("pair", pair))
		return types.StrategySignal{Strategy: name, Pair: pair, Direction: types.DirectionNeutral}
	case <-ctx.Done():
		return types.StrategySignal{Strategy: name, Pair: pair, Direction: types.DirectionNeutral}
	}
}

// combineTimeframes applies step 7: the primary timeframe picks direction;
// other timeframes must agree at rate >= min_agreement, weighted by
// timeframe_weights, with unanimous/partial confidence bonuses.
func (e *Engine) combineTimeframes(primary timeframeAggregate, aggregates map[int]timeframeAggregate, timeframes []int) (strength, confidence, agreement decimal.Decimal, highestAgreeingTF int) {
	highestAgreeingTF = primary.timeframe
	highestWeight := e.timeframeWeight(primary.timeframe)

	agreeing, total := 0, 0
	weightedStrengthSum, weightedConfidenceSum, weightSum := decimal.Zero, decimal.Zero, decimal.Zero

	for _, tf := range timeframes {
		agg := aggregates[tf]
		if agg.direction == types.DirectionNeutral {
			continue
		}
		total++
		w := e.timeframeWeight(tf)
		if agg.direction == primary.direction {
			agreeing++
			weightedStrengthSum = weightedStrengthSum.Add(w.Mul(agg.strength))
			weightedConfidenceSum = weightedConfidenceSum.Add(w.Mul(agg.confidence))
			weightSum = weightSum.Add(w)
			if w.GreaterThan(highestWeight) {
				highestWeight = w
				highestAgreeingTF = tf
			}
		}
	}
	if total == 0 || weightSum.IsZero() {
		return decimal.Zero, decimal.Zero, decimal.Zero, primary.timeframe
	}

	agreement = decimal.NewFromInt(int64(agreeing)).Div(decimal.NewFromInt(int64(total)))
	if agreement.LessThan(e.cfg.MinAgreement) {
		return decimal.Zero, decimal.Zero, agreement, primary.timeframe
	}

	strength = weightedStrengthSum.Div(weightSum)
	confidence = weightedConfidenceSum.Div(weightSum)

	switch {
	case agreeing == total:
		confidence = confidence.Add(decimal.NewFromFloat(0.15))
	default:
		confidence = confidence.Add(agreement.Mul(decimal.NewFromFloat(0.10)))
	}
	return strength, confidence, agreement, highestAgreeingTF
}

// activeStrategyNames returns every registered detector, or in
// single-strategy mode just the one with the highest configured base
// weight (ties broken by name for determinism), so an operator can pin
// the pipeline to a single strategy without disabling the rest in the
// registry.
func (e *Engine) activeStrategyNames() []string {
	names := e.registry.Names()
	if !e.cfg.SingleStrategyMode || len(names) <= 1 {
		return names
	}
	best := names[0]
	bestWeight := e.cfg.BaseWeights[best]
	for _, n := range names[1:] {
		w := e.cfg.BaseWeights[n]
		if w.GreaterThan(bestWeight) || (w.Equal(bestWeight) && n < best) {
			best, bestWeight = n, w
		}
	}
	return []string{best}
}

func (e *Engine) timeframeWeight(tf int) decimal.Decimal {
	if w, ok := e.cfg.TimeframeWeights[tf]; ok {
		return w
	}
	return decimal.NewFromInt(1)
}

func (e *Engine) regimeMultiplier(regimeKey, strategyName string) decimal.Decimal {
	if byRegime, ok := e.cfg.RegimeMultipliers[regimeKey]; ok {
		if m, ok := byRegime[strategyName]; ok {
			return m
		}
	}
	return decimal.NewFromInt(1)
}

func regimeKeyFor(r Regime) string {
	return string(r.Trend) + "_" + string(r.Vol)
}

// applySessionMultiplier scales strength/confidence by the learned per-hour
// win-rate multiplier, clamped to [0.70, 1.15]; hours with too few samples
// use a neutral 1.0.
func (e *Engine) applySessionMultiplier(strength, confidence decimal.Decimal, now time.Time) (decimal.Decimal, decimal.Decimal) {
	hour := now.UTC().Hour()
	mult := decimal.NewFromInt(1)

	e.mu.Lock()
	stat, ok := e.sessionStats[hour]
	e.mu.Unlock()
	if ok && stat.total >= 10 {
		winRate := decimal.NewFromInt(int64(stat.wins)).Div(decimal.NewFromInt(int64(stat.total)))
		// map [0,1] win rate to the documented [0.70,1.15] band around a 50%
		// baseline, so a coin-flip hour stays neutral at 1.0.
		mult = decimal.NewFromFloat(0.70).Add(winRate.Mul(decimal.NewFromFloat(0.60)))
		mult = clampDecimal(mult, decimal.NewFromFloat(0.70), decimal.NewFromFloat(1.15))
	}
	return strength.Mul(mult), confidence.Mul(mult)
}

// RecordTradeResult feeds a closed trade's outcome back into the strategy's
// performance window, the session-hour win-rate tracker, and re-evaluates
// the strategy's guardrail.
func (e *Engine) RecordTradeResult(strategyName string, regime Regime, pnlPct decimal.Decimal, closedAt time.Time) {
	perf := e.registry.Performance(strategyName)
	perf.RecordTradeResult(strategy.Regime{Trend: regime.Trend, Vol: regime.Vol}, pnlPct)
	perf.Guardrail(e.cfg.GuardrailWindowTrades, e.cfg.GuardrailMinTrades, e.cfg.GuardrailMinWinRate, e.cfg.GuardrailMinProfitFactor, e.cfg.GuardrailDisableMinutes)
	if perf.IsDisabled() {
		e.logger.Warn("strategy disabled by guardrail", zap.String("strategy", strategyName), zap.String("reason", perf.DisabledReason()))
	}

	hour := closedAt.UTC().Hour()
	e.mu.Lock()
	stat, ok := e.sessionStats[hour]
	if !ok {
		stat = &hourStat{}
		e.sessionStats[hour] = stat
	}
	stat.total++
	if pnlPct.IsPositive() {
		stat.wins++
	}
	e.mu.Unlock()
}

func neutralConfluence(pair string, regime Regime, now time.Time) types.ConfluenceSignal {
	return types.ConfluenceSignal{
		Pair: pair, Direction: types.DirectionNeutral,
		TrendRegime: regime.Trend, VolRegime: regime.Vol, VolLevel: regime.VolLevel, VolExpanding: regime.VolExpanding,
		Ts: now,
	}
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

func clampDecimal01(v decimal.Decimal) decimal.Decimal {
	return clampDecimal(v, decimal.Zero, decimal.NewFromInt(1))
}
