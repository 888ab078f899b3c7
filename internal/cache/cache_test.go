package cache

import (
	"testing"
	"time"

	"github.com/novapulse/supervisor/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func newTestCache(capacity int) *Cache {
	cfg := DefaultConfig()
	cfg.RingCapacity = capacity
	return New(zap.NewNop(), cfg)
}

func TestGetCandlesReturnsNewestLast(t *testing.T) {
	c := newTestCache(5)
	for i := 0; i < 5; i++ {
		c.UpdateCandle(types.Candle{
			Pair:   "BTCUSDT",
			T:      int64(i),
			Open:   dec("100"),
			High:   dec("100"),
			Low:    dec("100"),
			Close:  dec("100").Add(decimal.NewFromInt(int64(i))),
			Closed: true,
		})
	}
	got := c.GetCandles("BTCUSDT", 3)
	require.Len(t, got, 3)
	assert.Equal(t, int64(2), got[0].T)
	assert.Equal(t, int64(4), got[2].T)
}

func TestRingWrapsAtCapacity(t *testing.T) {
	c := newTestCache(3)
	for i := 0; i < 7; i++ {
		c.UpdateCandle(types.Candle{
			Pair:   "ETHUSDT",
			T:      int64(i),
			Close:  dec("10"),
			Closed: true,
		})
	}
	got := c.GetCandles("ETHUSDT", 10)
	require.Len(t, got, 3)
	assert.Equal(t, int64(4), got[0].T)
	assert.Equal(t, int64(6), got[2].T)
}

func TestOutlierCandleRejected(t *testing.T) {
	c := newTestCache(10)
	c.UpdateCandle(types.Candle{Pair: "BTCUSDT", T: 1, Close: dec("100"), Closed: true})
	c.UpdateCandle(types.Candle{Pair: "BTCUSDT", T: 2, Close: dec("130"), Closed: true}) // +30%, rejected

	got := c.GetCandles("BTCUSDT", 10)
	require.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0].T)
	assert.Equal(t, 1, c.OutlierCount("BTCUSDT"))
}

func TestInProgressBarOverwritesInPlace(t *testing.T) {
	c := newTestCache(10)
	c.UpdateCandle(types.Candle{Pair: "BTCUSDT", T: 1, Close: dec("100"), Closed: false})
	c.UpdateCandle(types.Candle{Pair: "BTCUSDT", T: 1, Close: dec("101"), Closed: false})

	got := c.GetCandles("BTCUSDT", 10)
	require.Len(t, got, 1)
	assert.Equal(t, dec("101").String(), got[0].Close.String())
}

func TestBarTransitionClosesInPlaceThenStartsNewSlot(t *testing.T) {
	c := newTestCache(10)
	c.UpdateCandle(types.Candle{Pair: "BTCUSDT", T: 1000, Close: dec("100"), Closed: false})
	c.UpdateCandle(types.Candle{Pair: "BTCUSDT", T: 1000, Close: dec("101"), Closed: false})
	c.UpdateCandle(types.Candle{Pair: "BTCUSDT", T: 1000, Close: dec("102"), Closed: true})
	c.UpdateCandle(types.Candle{Pair: "BTCUSDT", T: 1060, Close: dec("103"), Closed: false})

	got := c.GetCandles("BTCUSDT", 10)
	require.Len(t, got, 2, "closing tick must not duplicate the bar, and the next bar's first tick must not erase it")
	assert.Equal(t, int64(1000), got[0].T)
	assert.True(t, got[0].Closed)
	assert.Equal(t, dec("102").String(), got[0].Close.String())
	assert.Equal(t, int64(1060), got[1].T)
	assert.False(t, got[1].Closed)
}

func TestIsStale(t *testing.T) {
	c := newTestCache(10)
	assert.True(t, c.IsStale("BTCUSDT", time.Second), "never-updated pair is stale")

	c.UpdateTicker(types.Ticker{Pair: "BTCUSDT", Last: dec("100"), Ts: time.Now()})
	assert.False(t, c.IsStale("BTCUSDT", time.Minute))
}

func TestBookAnalysisOBISign(t *testing.T) {
	c := newTestCache(10)
	c.UpdateBook(types.BookSnapshot{
		Pair: "BTCUSDT",
		Bids: []types.BookLevel{{Price: dec("99"), Size: dec("10")}},
		Asks: []types.BookLevel{{Price: dec("101"), Size: dec("2")}},
		Ts:   time.Now(),
	})
	analysis, ok := c.GetBookAnalysis("BTCUSDT")
	require.True(t, ok)
	assert.True(t, analysis.OBI.IsPositive(), "heavier bid side should yield positive OBI")
	assert.True(t, analysis.BookScore.GreaterThanOrEqual(decimal.NewFromInt(-1)))
	assert.True(t, analysis.BookScore.LessThanOrEqual(decimal.NewFromInt(1)))
}
