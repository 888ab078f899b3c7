package indicators

import (
	"testing"

	"github.com/novapulse/supervisor/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func flatCandles(n int, start float64, step float64) []types.Candle {
	out := make([]types.Candle, n)
	price := start
	for i := 0; i < n; i++ {
		c := decimal.NewFromFloat(price)
		out[i] = types.Candle{
			Pair: "BTCUSDT", T: int64(i),
			Open: c, High: c.Add(decimal.NewFromFloat(1)),
			Low: c.Sub(decimal.NewFromFloat(1)), Close: c,
			Closed: true,
		}
		price += step
	}
	return out
}

func TestEMAWarmupLeadsWithInvalid(t *testing.T) {
	candles := flatCandles(20, 100, 1)
	series := EMA(candles, 5)
	for i := 0; i < 4; i++ {
		assert.False(t, series[i].Valid, "index %d should be warmup", i)
	}
	v, ok := series.Last()
	require.True(t, ok)
	assert.True(t, v.GreaterThan(decimal.Zero))
}

func TestEMAConstantSeriesConverges(t *testing.T) {
	candles := flatCandles(30, 50, 0)
	series := EMA(candles, 10)
	v, ok := series.Last()
	require.True(t, ok)
	assert.True(t, v.Equal(decimal.NewFromInt(50)))
}

func TestATRNonNegative(t *testing.T) {
	candles := flatCandles(20, 100, 0.5)
	series := ATR(candles, 14)
	for _, v := range series {
		if v.Valid {
			assert.True(t, v.Decimal.GreaterThanOrEqual(decimal.Zero))
		}
	}
}

func TestRSIBoundedZeroToHundred(t *testing.T) {
	candles := flatCandles(40, 100, 1) // strictly rising
	series := RSI(candles, 14)
	v, ok := series.Last()
	require.True(t, ok)
	assert.True(t, v.Equal(decimal.NewFromInt(100)), "strictly rising series saturates RSI at 100")
}

func TestComputeSLTPLongOrdering(t *testing.T) {
	entry := decimal.NewFromInt(100)
	atr := decimal.NewFromFloat(1)
	sl, tp := ComputeSLTP(types.DirectionLong, entry, atr,
		decimal.NewFromFloat(2), decimal.NewFromFloat(4),
		decimal.NewFromFloat(0.025), decimal.NewFromFloat(0.05))
	assert.True(t, sl.LessThan(entry))
	assert.True(t, entry.LessThan(tp))
}

func TestComputeSLTPShortOrdering(t *testing.T) {
	entry := decimal.NewFromInt(100)
	atr := decimal.NewFromFloat(1)
	sl, tp := ComputeSLTP(types.DirectionShort, entry, atr,
		decimal.NewFromFloat(2), decimal.NewFromFloat(4),
		decimal.NewFromFloat(0.025), decimal.NewFromFloat(0.05))
	assert.True(t, tp.LessThan(entry))
	assert.True(t, entry.LessThan(sl))
}

func TestComputeSLTPFloorAppliesWhenATRTiny(t *testing.T) {
	entry := decimal.NewFromInt(100)
	tinyATR := decimal.NewFromFloat(0.0001)
	sl, _ := ComputeSLTP(types.DirectionLong, entry, tinyATR,
		decimal.NewFromFloat(2), decimal.NewFromFloat(4),
		decimal.NewFromFloat(0.025), decimal.NewFromFloat(0.05))
	expectedFloor := entry.Mul(decimal.NewFromFloat(0.025))
	assert.True(t, entry.Sub(sl).Equal(expectedFloor))
}

func TestScanCacheComputesOnce(t *testing.T) {
	cache := NewScanCache()
	calls := 0
	compute := func() interface{} {
		calls++
		return 42
	}
	v1 := cache.GetOrCompute("ema", "BTCUSDT", 5, "period=20", compute)
	v2 := cache.GetOrCompute("ema", "BTCUSDT", 5, "period=20", compute)
	assert.Equal(t, 1, calls)
	assert.Equal(t, v1, v2)
}
