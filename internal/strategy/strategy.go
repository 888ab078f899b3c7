// Package strategy implements the nine confluence detectors and the
// registry that dispatches them by name, following the data-driven
// factory-map pattern rather than a class hierarchy.
package strategy

import (
	"sync"
	"time"

	"github.com/novapulse/supervisor/internal/indicators"
	"github.com/novapulse/supervisor/pkg/types"
	"github.com/shopspring/decimal"
)

// Regime is the confluence-detected market state a detector evaluates under.
type Regime struct {
	Trend types.TrendRegime
	Vol   types.VolRegime
}

// Detector is the interface every strategy implements. Evaluate must
// always return a signal, including a neutral one — neutrality is the
// inactionable base case, never an error.
type Detector interface {
	Name() string
	Evaluate(pair string, candles []types.Candle, book types.BookAnalysis, cache *indicators.ScanCache, regime Regime) types.StrategySignal
}

// Registry is a mutex-protected factory-map dispatch table, avoiding a
// strategy class hierarchy per the data-driven dispatch convention.
type Registry struct {
	mu          sync.RWMutex
	factories   map[string]func() Detector
	performance map[string]*PerformanceTracker
}

// NewRegistry constructs a registry with all nine built-in detectors
// pre-registered.
func NewRegistry() *Registry {
	r := &Registry{
		factories:   make(map[string]func() Detector),
		performance: make(map[string]*PerformanceTracker),
	}
	r.Register("keltner", func() Detector { return &KeltnerStrategy{} })
	r.Register("mean_reversion", func() Detector { return &MeanReversionStrategy{} })
	r.Register("ichimoku", func() Detector { return &IchimokuStrategy{} })
	r.Register("order_flow", func() Detector { return &OrderFlowStrategy{} })
	r.Register("trend", func() Detector { return &TrendStrategy{} })
	r.Register("stoch_divergence", func() Detector { return &StochDivergenceStrategy{} })
	r.Register("vol_squeeze", func() Detector { return &VolSqueezeStrategy{} })
	r.Register("supertrend", func() Detector { return &SupertrendStrategy{} })
	r.Register("reversal", func() Detector { return &ReversalStrategy{} })
	return r
}

// Register adds or replaces a detector factory.
func (r *Registry) Register(name string, factory func() Detector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
	if _, ok := r.performance[name]; !ok {
		r.performance[name] = NewPerformanceTracker()
	}
}

// Create instantiates a detector by name.
func (r *Registry) Create(name string) (Detector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	if !ok {
		return nil, false
	}
	return f(), true
}

// Names returns every registered detector name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for n := range r.factories {
		out = append(out, n)
	}
	return out
}

// Performance returns the shared performance tracker for name, creating one
// if it doesn't already exist (e.g. for a dynamically registered strategy).
func (r *Registry) Performance(name string) *PerformanceTracker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.performance[name]; ok {
		return p
	}
	p := NewPerformanceTracker()
	r.performance[name] = p
	return p
}

// tradeResult is one closed-trade outcome recorded against a strategy.
type tradeResult struct {
	regime Regime
	pnlPct decimal.Decimal
	at     time.Time
}

const maxHistoryWindow = 50

// PerformanceTracker keeps a sliding window (≤50) of closed-trade results
// for one strategy and derives an adaptive performance factor and cooldown
// state from it.
type PerformanceTracker struct {
	mu      sync.Mutex
	history []tradeResult

	cooldownUntil  map[string]time.Time // keyed by pair|direction
	disabledUntil  time.Time
	disabledReason string
}

// NewPerformanceTracker returns an empty tracker.
func NewPerformanceTracker() *PerformanceTracker {
	return &PerformanceTracker{cooldownUntil: make(map[string]time.Time)}
}

// RecordTradeResult appends a closed-trade outcome, evicting the oldest
// entry once the window exceeds 50.
func (p *PerformanceTracker) RecordTradeResult(regime Regime, pnlPct decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history = append(p.history, tradeResult{regime: regime, pnlPct: pnlPct, at: time.Now()})
	if len(p.history) > maxHistoryWindow {
		p.history = p.history[len(p.history)-maxHistoryWindow:]
	}
}

// AdaptivePerformanceFactor is a regime-conditioned Sharpe-like statistic
// clamped to [0.5, 1.5]: mean/stddev of recent pnl_pct in the same regime,
// rescaled so a neutral (zero) statistic maps to the 1.0 midpoint.
func (p *PerformanceTracker) AdaptivePerformanceFactor(regime Regime) decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()

	var samples []decimal.Decimal
	for _, r := range p.history {
		if r.regime == regime {
			samples = append(samples, r.pnlPct)
		}
	}
	if len(samples) < 3 {
		return decimal.NewFromFloat(1.0)
	}

	sum := decimal.Zero
	for _, s := range samples {
		sum = sum.Add(s)
	}
	n := decimal.NewFromInt(int64(len(samples)))
	mean := sum.Div(n)

	variance := decimal.Zero
	for _, s := range samples {
		d := s.Sub(mean)
		variance = variance.Add(d.Mul(d))
	}
	variance = variance.Div(n)
	stdDev := sqrtDecimal(variance)
	if stdDev.IsZero() {
		stdDev = decimal.NewFromFloat(0.0001)
	}

	sharpe := mean.Div(stdDev)
	factor := decimal.NewFromFloat(1.0).Add(sharpe.Mul(decimal.NewFromFloat(0.25)))
	return clampDecimal(factor, decimal.NewFromFloat(0.5), decimal.NewFromFloat(1.5))
}

// Guardrail evaluates the latest windowTrades closed results: if win rate
// is below minWinRate and profit factor below minProfitFactor (with at
// least minTrades samples), the strategy is disabled until
// now+disableMinutes.
func (p *PerformanceTracker) Guardrail(windowTrades, minTrades int, minWinRate, minProfitFactor decimal.Decimal, disableMinutes int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.history)
	if n < minTrades {
		return
	}
	start := 0
	if n > windowTrades {
		start = n - windowTrades
	}
	window := p.history[start:]

	wins, grossProfit, grossLoss := 0, decimal.Zero, decimal.Zero
	for _, r := range window {
		if r.pnlPct.IsPositive() {
			wins++
			grossProfit = grossProfit.Add(r.pnlPct)
		} else {
			grossLoss = grossLoss.Add(r.pnlPct.Abs())
		}
	}
	winRate := decimal.NewFromInt(int64(wins)).Div(decimal.NewFromInt(int64(len(window))))
	profitFactor := decimal.NewFromFloat(999)
	if grossLoss.IsPositive() {
		profitFactor = grossProfit.Div(grossLoss)
	}

	if winRate.LessThan(minWinRate) && profitFactor.LessThan(minProfitFactor) {
		p.disabledUntil = time.Now().Add(time.Duration(disableMinutes) * time.Minute)
		p.disabledReason = "win_rate_and_profit_factor_below_guardrail"
	}
}

// IsDisabled reports whether the strategy is currently runtime-disabled by
// its guardrail; auto-re-enables once the window has expired.
func (p *PerformanceTracker) IsDisabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.disabledUntil.IsZero() && time.Now().Before(p.disabledUntil)
}

// DisabledReason returns the last guardrail reason, empty if never tripped.
func (p *PerformanceTracker) DisabledReason() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disabledReason
}

// SetCooldown marks the strategy as cooling down for pair+direction until
// the given instant — after a signal drives an entry, the same strategy
// cannot re-drive confluence for the same pair+direction until it expires.
func (p *PerformanceTracker) SetCooldown(pair string, direction types.Direction, until time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cooldownUntil[pair+"|"+string(direction)] = until
}

// IsCoolingDown reports whether pair+direction is currently on cooldown.
func (p *PerformanceTracker) IsCoolingDown(pair string, direction types.Direction) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	until, ok := p.cooldownUntil[pair+"|"+string(direction)]
	return ok && time.Now().Before(until)
}

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

func clampDecimal(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}

func neutralSignal(strategy, pair string) types.StrategySignal {
	return types.StrategySignal{Strategy: strategy, Pair: pair, Direction: types.DirectionNeutral}
}
