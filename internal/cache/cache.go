// Package cache holds the Supervisor's single source of truth for observed
// market state: per-pair candle history, the latest ticker, and the latest
// order book snapshot with its derived microstructure analysis.
//
// MarketDataCache is owned by the stream-consumer task, which is its sole
// writer. Readers (scan-loop, position-loop) take snapshots rather than
// holding the cache's lock across any suspension point.
package cache

import (
	"sync"
	"time"

	"github.com/novapulse/supervisor/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const defaultRingCapacity = 1000

// Config tunes outlier rejection and ring sizing.
type Config struct {
	RingCapacity        int
	OutlierThresholdPct decimal.Decimal // default 0.20
	BookTopLevels       int             // levels considered for OBI, default 10
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{
		RingCapacity:        defaultRingCapacity,
		OutlierThresholdPct: decimal.NewFromFloat(0.20),
		BookTopLevels:       10,
	}
}

type pairState struct {
	mu         sync.RWMutex
	candles    *candleRing
	ticker     types.Ticker
	hasTicker  bool
	book       types.BookSnapshot
	analysis   types.BookAnalysis
	hasBook    bool
	lastUpdate time.Time
	outliers   int
}

// Cache is the MarketDataCache: per-pair ring buffers, ticker and order
// book state, with outlier rejection and staleness tracking.
type Cache struct {
	logger *zap.Logger
	cfg    Config

	mu     sync.RWMutex // guards the pairs map itself, not its entries
	pairs  map[string]*pairState
}

// New constructs an empty cache.
func New(logger *zap.Logger, cfg Config) *Cache {
	if cfg.RingCapacity <= 0 {
		cfg.RingCapacity = defaultRingCapacity
	}
	if cfg.BookTopLevels <= 0 {
		cfg.BookTopLevels = 10
	}
	return &Cache{
		logger: logger.Named("cache"),
		cfg:    cfg,
		pairs:  make(map[string]*pairState),
	}
}

func (c *Cache) stateFor(pair string) *pairState {
	c.mu.RLock()
	s, ok := c.pairs[pair]
	c.mu.RUnlock()
	if ok {
		return s
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok = c.pairs[pair]; ok {
		return s
	}
	s = &pairState{candles: newCandleRing(c.cfg.RingCapacity)}
	c.pairs[pair] = s
	return s
}

// UpdateCandle ingests a new or in-progress bar. Whether the update is
// pushed as a new ring slot or replaces the current one is decided by
// comparing bar timestamps, not by the incoming candle's Closed flag: a
// closing tick carries the same T as the in-progress ticks that preceded
// it and must replace the slot they occupy, not append a duplicate. Only a
// genuine bar transition (a new T) is subject to outlier rejection, and
// only when it is itself a closed bar.
func (c *Cache) UpdateCandle(candle types.Candle) {
	s := c.stateFor(candle.Pair)
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, hasPrev := s.candles.LastOne()
	if hasPrev && prev.T == candle.T {
		s.candles.ReplaceLast(candle)
		s.lastUpdate = time.Now()
		return
	}

	if candle.Closed && hasPrev && prev.Closed && !prev.Close.IsZero() {
		delta := candle.Close.Sub(prev.Close).Abs().Div(prev.Close)
		if delta.GreaterThan(c.cfg.OutlierThresholdPct) {
			s.outliers++
			c.logger.Warn("rejecting outlier candle",
				zap.String("pair", candle.Pair),
				zap.String("prev_close", prev.Close.String()),
				zap.String("close", candle.Close.String()),
				zap.String("delta_pct", delta.String()),
			)
			return
		}
	}
	s.candles.Push(candle)
	s.lastUpdate = time.Now()
}

// UpdateTicker records the latest best bid/ask/last for a pair.
func (c *Cache) UpdateTicker(t types.Ticker) {
	s := c.stateFor(t.Pair)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticker = t
	s.hasTicker = true
	s.lastUpdate = time.Now()
}

// UpdateBook records a new order book snapshot and recomputes its derived
// analysis. Recomputation happens at most once per call, matching the
// invariant that book_analysis.ts never exceeds the snapshot it derives from.
func (c *Cache) UpdateBook(book types.BookSnapshot) {
	s := c.stateFor(book.Pair)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.book = book
	s.hasBook = true
	s.analysis = analyzeBook(book, c.cfg.BookTopLevels)
	s.lastUpdate = time.Now()
}

// GetCandles returns a newest-last copy of the most recent n candles.
func (c *Cache) GetCandles(pair string, n int) []types.Candle {
	s := c.stateFor(pair)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.candles.Last(n)
}

// GetTicker returns the latest ticker for pair and whether one has ever
// been recorded.
func (c *Cache) GetTicker(pair string) (types.Ticker, bool) {
	s := c.stateFor(pair)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ticker, s.hasTicker
}

// GetBookAnalysis returns the latest derived book analysis for pair.
func (c *Cache) GetBookAnalysis(pair string) (types.BookAnalysis, bool) {
	s := c.stateFor(pair)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.analysis, s.hasBook
}

// IsStale reports whether pair has not been touched by any update path
// (ticker, candle, or book) within maxAge.
func (c *Cache) IsStale(pair string, maxAge time.Duration) bool {
	s := c.stateFor(pair)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastUpdate.IsZero() {
		return true
	}
	return time.Since(s.lastUpdate) > maxAge
}

// LastUpdateTs returns the timestamp of the most recent update to pair,
// across any update path.
func (c *Cache) LastUpdateTs(pair string) time.Time {
	s := c.stateFor(pair)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUpdate
}

// OutlierCount returns the number of closed bars rejected as outliers for pair.
func (c *Cache) OutlierCount(pair string) int {
	s := c.stateFor(pair)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.outliers
}

// analyzeBook derives OBI, a composite book_score, spread and a coarse
// liquidity/whale read from a snapshot's top N levels.
func analyzeBook(book types.BookSnapshot, topN int) types.BookAnalysis {
	bidVol, askVol := decimal.Zero, decimal.Zero
	maxLevel := decimal.Zero

	for i, lvl := range book.Bids {
		if i >= topN {
			break
		}
		bidVol = bidVol.Add(lvl.Size)
		if lvl.Size.GreaterThan(maxLevel) {
			maxLevel = lvl.Size
		}
	}
	for i, lvl := range book.Asks {
		if i >= topN {
			break
		}
		askVol = askVol.Add(lvl.Size)
		if lvl.Size.GreaterThan(maxLevel) {
			maxLevel = lvl.Size
		}
	}

	total := bidVol.Add(askVol)
	obi := decimal.Zero
	if total.IsPositive() {
		obi = bidVol.Sub(askVol).Div(total)
	}

	var spreadPct decimal.Decimal
	if len(book.Bids) > 0 && len(book.Asks) > 0 {
		bestBid, bestAsk := book.Bids[0].Price, book.Asks[0].Price
		mid := bestBid.Add(bestAsk).Div(decimal.NewFromInt(2))
		if mid.IsPositive() {
			spreadPct = bestAsk.Sub(bestBid).Div(mid)
		}
	}

	// book_score blends OBI with a spread penalty: a wide spread dampens
	// how much weight imbalance should carry.
	spreadPenalty := decimal.NewFromInt(1).Sub(clampDecimal(spreadPct.Mul(decimal.NewFromInt(50)), decimal.Zero, decimal.NewFromFloat(0.5)))
	bookScore := obi.Mul(spreadPenalty)

	avgLevel := decimal.Zero
	levelCount := len(book.Bids) + len(book.Asks)
	if levelCount > 0 {
		avgLevel = total.Div(decimal.NewFromInt(int64(levelCount)))
	}
	whaleFlag := avgLevel.IsPositive() && maxLevel.GreaterThan(avgLevel.Mul(decimal.NewFromInt(5)))

	liquidityScore := clampDecimal(total.Div(decimal.NewFromInt(100)), decimal.Zero, decimal.NewFromInt(1))

	return types.BookAnalysis{
		Pair:           book.Pair,
		OBI:            obi,
		BookScore:      clampDecimal(bookScore, decimal.NewFromInt(-1), decimal.NewFromInt(1)),
		SpreadPct:      spreadPct,
		WhaleFlag:      whaleFlag,
		LiquidityScore: liquidityScore,
		Ts:             book.Ts,
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
