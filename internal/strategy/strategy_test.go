package strategy

import (
	"testing"
	"time"

	"github.com/novapulse/supervisor/internal/indicators"
	"github.com/novapulse/supervisor/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func flatCandles(n int, start, step float64) []types.Candle {
	out := make([]types.Candle, n)
	price := start
	for i := 0; i < n; i++ {
		c := decimal.NewFromFloat(price)
		out[i] = types.Candle{
			Pair: "BTCUSDT", T: int64(i),
			Open: c, High: c.Add(decimal.NewFromFloat(1)),
			Low: c.Sub(decimal.NewFromFloat(1)), Close: c,
			Volume: decimal.NewFromInt(100),
			Closed: true,
		}
		price += step
	}
	return out
}

func TestRegistryHasAllNineDetectors(t *testing.T) {
	r := NewRegistry()
	names := r.Names()
	assert.Len(t, names, 9)
	for _, n := range []string{"keltner", "mean_reversion", "ichimoku", "order_flow", "trend", "stoch_divergence", "vol_squeeze", "supertrend", "reversal"} {
		_, ok := r.Create(n)
		assert.True(t, ok, "expected detector %s to be registered", n)
	}
}

func TestDetectorsReturnNeutralOnInsufficientData(t *testing.T) {
	r := NewRegistry()
	candles := flatCandles(3, 100, 0)
	cache := indicators.NewScanCache()
	for _, name := range r.Names() {
		d, _ := r.Create(name)
		sig := d.Evaluate("BTCUSDT", candles, types.BookAnalysis{}, cache, Regime{})
		assert.Equal(t, types.DirectionNeutral, sig.Direction, "detector %s should be neutral on sparse data", name)
	}
}

func TestTrendStrategyNotBearishOnStrongUptrend(t *testing.T) {
	candles := flatCandles(60, 100, 1.5)
	d := &TrendStrategy{}
	sig := d.Evaluate("BTCUSDT", candles, types.BookAnalysis{}, indicators.NewScanCache(), Regime{})
	// a strictly rising series should not be bearish
	assert.NotEqual(t, types.DirectionShort, sig.Direction)
}

func TestOrderFlowStrategyLongOnPositiveBookScore(t *testing.T) {
	candles := flatCandles(20, 100, 0)
	d := &OrderFlowStrategy{}
	book := types.BookAnalysis{Pair: "BTCUSDT", BookScore: decimal.NewFromFloat(0.5), SpreadPct: decimal.NewFromFloat(0.0001)}
	sig := d.Evaluate("BTCUSDT", candles, book, indicators.NewScanCache(), Regime{})
	assert.Equal(t, types.DirectionLong, sig.Direction)
	assert.True(t, sig.Confidence.GreaterThan(decimal.Zero))
}

func TestOrderFlowStrategyNeutralOnWideSpread(t *testing.T) {
	candles := flatCandles(20, 100, 0)
	d := &OrderFlowStrategy{}
	book := types.BookAnalysis{Pair: "BTCUSDT", BookScore: decimal.NewFromFloat(0.5), SpreadPct: decimal.NewFromFloat(0.01)}
	sig := d.Evaluate("BTCUSDT", candles, book, indicators.NewScanCache(), Regime{})
	assert.Equal(t, types.DirectionNeutral, sig.Direction)
}

func TestPerformanceTrackerSlidingWindowCapsAt50(t *testing.T) {
	p := NewPerformanceTracker()
	regime := Regime{Trend: types.TrendRegimeTrend, Vol: types.VolRegimeMid}
	for i := 0; i < 80; i++ {
		p.RecordTradeResult(regime, decimal.NewFromFloat(0.01))
	}
	assert.Len(t, p.history, 50)
}

func TestPerformanceTrackerAdaptiveFactorDefaultsToOneWithFewSamples(t *testing.T) {
	p := NewPerformanceTracker()
	regime := Regime{Trend: types.TrendRegimeTrend, Vol: types.VolRegimeMid}
	factor := p.AdaptivePerformanceFactor(regime)
	assert.True(t, factor.Equal(decimal.NewFromFloat(1.0)))
}

func TestPerformanceTrackerAdaptiveFactorClampedRange(t *testing.T) {
	p := NewPerformanceTracker()
	regime := Regime{Trend: types.TrendRegimeTrend, Vol: types.VolRegimeMid}
	for i := 0; i < 10; i++ {
		p.RecordTradeResult(regime, decimal.NewFromFloat(0.05))
	}
	factor := p.AdaptivePerformanceFactor(regime)
	assert.True(t, factor.GreaterThanOrEqual(decimal.NewFromFloat(0.5)))
	assert.True(t, factor.LessThanOrEqual(decimal.NewFromFloat(1.5)))
}

func TestGuardrailDisablesOnPoorPerformance(t *testing.T) {
	p := NewPerformanceTracker()
	regime := Regime{Trend: types.TrendRegimeRange, Vol: types.VolRegimeLow}
	for i := 0; i < 20; i++ {
		p.RecordTradeResult(regime, decimal.NewFromFloat(-0.02))
	}
	require.False(t, p.IsDisabled())
	p.Guardrail(20, 10, decimal.NewFromFloat(0.35), decimal.NewFromFloat(0.85), 120)
	assert.True(t, p.IsDisabled())
	assert.NotEmpty(t, p.DisabledReason())
}

func TestGuardrailDoesNotDisableWithTooFewTrades(t *testing.T) {
	p := NewPerformanceTracker()
	regime := Regime{Trend: types.TrendRegimeRange, Vol: types.VolRegimeLow}
	for i := 0; i < 5; i++ {
		p.RecordTradeResult(regime, decimal.NewFromFloat(-0.02))
	}
	p.Guardrail(20, 10, decimal.NewFromFloat(0.35), decimal.NewFromFloat(0.85), 120)
	assert.False(t, p.IsDisabled())
}

func TestCooldownExpiresAfterDuration(t *testing.T) {
	p := NewPerformanceTracker()
	p.SetCooldown("BTCUSDT", types.DirectionLong, time.Now().Add(-time.Second))
	assert.False(t, p.IsCoolingDown("BTCUSDT", types.DirectionLong))

	p.SetCooldown("BTCUSDT", types.DirectionLong, time.Now().Add(time.Hour))
	assert.True(t, p.IsCoolingDown("BTCUSDT", types.DirectionLong))
}
