package risk

import (
	"testing"
	"time"

	"github.com/novapulse/supervisor/pkg/config"
	"github.com/novapulse/supervisor/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testManager() *Manager {
	cfg := config.DefaultRiskConfig()
	cfg.CorrelationGroups = map[string][]string{"btc": {"BTCUSDT"}}
	return NewManager(zap.NewNop(), cfg, config.DefaultConfluenceConfig())
}

func baseRequest(now time.Time) SizingRequest {
	return SizingRequest{
		Pair: "BTCUSDT", Strategy: "trend", Direction: types.DirectionLong,
		Entry: decimal.NewFromInt(100), SL: decimal.NewFromInt(98), TP: decimal.NewFromInt(106),
		Confidence: decimal.NewFromFloat(0.8), SignalAt: now, Now: now,
		SpreadPct: decimal.NewFromFloat(0.0005), VolRegime: types.VolRegimeMid,
	}
}

func TestGateAndSizeApprovesCleanRequest(t *testing.T) {
	m := testManager()
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	result := m.GateAndSize(EngineFlags{}, baseRequest(now))
	require.True(t, result.Approved, result.Reason)
	assert.True(t, result.SizeUSD.GreaterThan(decimal.Zero))
}

func TestGateAndSizeRejectsWhenKilled(t *testing.T) {
	m := testManager()
	result := m.GateAndSize(EngineFlags{Killed: true}, baseRequest(time.Now()))
	assert.False(t, result.Approved)
	assert.Equal(t, "killed", result.Reason)
}

func TestGateAndSizeRejectsOnDailyLossLimit(t *testing.T) {
	m := testManager()
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	m.mu.Lock()
	m.state.DailyLossDay = now.UTC().Format("2006-01-02")
	m.dailyTradeDay = m.state.DailyLossDay
	m.state.DailyPnL = m.state.InitialBankroll.Mul(m.cfg.MaxDailyLossPct).Neg()
	m.mu.Unlock()
	result := m.GateAndSize(EngineFlags{}, baseRequest(now))
	assert.False(t, result.Approved)
	assert.Equal(t, "daily_loss_limit", result.Reason)
}

func TestGateAndSizeRejectsOnGlobalCooldown(t *testing.T) {
	m := testManager()
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	m.mu.Lock()
	m.state.GlobalCooldownUntil = now.Add(time.Hour)
	m.mu.Unlock()
	result := m.GateAndSize(EngineFlags{}, baseRequest(now))
	assert.False(t, result.Approved)
	assert.Equal(t, "global_cooldown", result.Reason)
}

func TestGateAndSizeRejectsOnMaxConcurrentPositions(t *testing.T) {
	m := testManager()
	m.cfg.MaxConcurrentPositions = 1
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	m.RegisterOpen("ETHUSDT", decimal.NewFromInt(50), now, false)
	result := m.GateAndSize(EngineFlags{}, baseRequest(now))
	assert.False(t, result.Approved)
	assert.Equal(t, "max_concurrent_positions", result.Reason)
}

func TestGateAndSizeRejectsOnCorrelationGroupCap(t *testing.T) {
	m := testManager()
	m.cfg.CorrelationGroupCap = 1
	m.cfg.MaxConcurrentPositions = 10
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	m.RegisterOpen("BTCUSDT", decimal.NewFromInt(50), now, false)
	result := m.GateAndSize(EngineFlags{}, baseRequest(now))
	assert.False(t, result.Approved)
	assert.Equal(t, "correlation_group_cap", result.Reason)
}

func TestGateAndSizeRejectsOnBadRiskReward(t *testing.T) {
	m := testManager()
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	req := baseRequest(now)
	req.TP = decimal.NewFromInt(100).Add(decimal.NewFromFloat(0.5)) // tiny reward vs 2% SL distance
	result := m.GateAndSize(EngineFlags{}, req)
	assert.False(t, result.Approved)
	assert.Equal(t, "risk_reward_below_minimum", result.Reason)
}

func TestGateAndSizeRejectsOnStaleSignal(t *testing.T) {
	m := testManager()
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	req := baseRequest(now)
	req.SignalAt = now.Add(-time.Hour)
	result := m.GateAndSize(EngineFlags{}, req)
	assert.False(t, result.Approved)
	assert.Equal(t, "signal_stale", result.Reason)
}

func TestGateAndSizeCanaryTightensThresholds(t *testing.T) {
	m := testManager()
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	req := baseRequest(now)
	req.Confidence = decimal.NewFromFloat(0.60) // passes normally, fails under canary's 1.2x bump
	result := m.GateAndSize(EngineFlags{Canary: true}, req)
	assert.False(t, result.Approved)
	assert.Equal(t, "confidence_below_threshold", result.Reason)
}

func TestCloseSideSetsGlobalCooldownOnLoss(t *testing.T) {
	m := testManager()
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	m.RegisterOpen("BTCUSDT", decimal.NewFromInt(500), now, false)
	m.CloseSide(CloseResult{Pair: "BTCUSDT", SizeUSD: decimal.NewFromInt(500), PnLUSD: decimal.NewFromInt(-50), PnLPct: decimal.NewFromFloat(-0.1), ClosedAt: now})
	state := m.State()
	assert.True(t, state.GlobalCooldownUntil.After(now))
	assert.Equal(t, 1, state.ConsecutiveLosses)
}

func TestCloseSideResetsStreakOnWin(t *testing.T) {
	m := testManager()
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	m.RegisterOpen("BTCUSDT", decimal.NewFromInt(500), now, false)
	m.CloseSide(CloseResult{Pair: "BTCUSDT", SizeUSD: decimal.NewFromInt(500), PnLUSD: decimal.NewFromInt(-50), PnLPct: decimal.NewFromFloat(-0.1), ClosedAt: now})
	m.RegisterOpen("BTCUSDT", decimal.NewFromInt(500), now, false)
	m.CloseSide(CloseResult{Pair: "BTCUSDT", SizeUSD: decimal.NewFromInt(500), PnLUSD: decimal.NewFromInt(80), PnLPct: decimal.NewFromFloat(0.16), ClosedAt: now})
	state := m.State()
	assert.Equal(t, 0, state.ConsecutiveLosses)
	assert.Equal(t, 1, state.ConsecutiveWins)
}

func TestDrawdownFactorTiers(t *testing.T) {
	m := testManager()
	m.state.PeakBankroll = decimal.NewFromInt(10000)
	m.state.Bankroll = decimal.NewFromInt(9200) // 8% DD -> tier2 (>=7%)
	f := m.drawdownFactorLocked()
	assert.True(t, f.Equal(decimal.NewFromFloat(0.60)))
}

func TestStreakFactorPenalizesLosingStreak(t *testing.T) {
	m := testManager()
	m.state.ConsecutiveLosses = 5
	f := m.streakFactorLocked()
	assert.True(t, f.LessThan(decimal.NewFromInt(1)))
	assert.True(t, f.GreaterThanOrEqual(decimal.NewFromFloat(0.40)))
}

func TestSpreadPenaltyNoOpBelowThreshold(t *testing.T) {
	f := spreadPenalty(decimal.NewFromFloat(0.0005))
	assert.True(t, f.Equal(decimal.NewFromInt(1)))
}

func TestSpreadPenaltyDeratesAboveThreshold(t *testing.T) {
	f := spreadPenalty(decimal.NewFromFloat(0.005))
	assert.True(t, f.LessThan(decimal.NewFromInt(1)))
}

func TestVolRegimeFactorLowVolBonus(t *testing.T) {
	f := volRegimeFactor(types.VolRegimeLow, decimal.NewFromFloat(0.1), false)
	assert.True(t, f.Equal(decimal.NewFromFloat(1.15)))
}

func TestVolRegimeFactorExpandingCompoundsWithHighVolTier(t *testing.T) {
	f := volRegimeFactor(types.VolRegimeHigh, decimal.NewFromFloat(0.9), true)
	assert.True(t, f.Equal(decimal.NewFromFloat(0.60).Mul(decimal.NewFromFloat(0.60))))
}

func TestRiskOfRuinReturnsOneOnNegativeEdge(t *testing.T) {
	m := testManager()
	m.closedTrades = 60
	for i := 0; i < 60; i++ {
		m.pnlHistory = append(m.pnlHistory, decimal.NewFromFloat(-0.01))
		m.betSizes = append(m.betSizes, decimal.NewFromInt(100))
	}
	ror := m.riskOfRuinLocked()
	assert.True(t, ror.Equal(decimal.NewFromInt(1)))
}

func TestRiskOfRuinBelowOneOnPositiveEdge(t *testing.T) {
	m := testManager()
	m.closedTrades = 60
	m.state.Bankroll = decimal.NewFromInt(10000)
	for i := 0; i < 60; i++ {
		if i%3 == 0 {
			m.pnlHistory = append(m.pnlHistory, decimal.NewFromFloat(-0.01))
		} else {
			m.pnlHistory = append(m.pnlHistory, decimal.NewFromFloat(0.02))
		}
		m.betSizes = append(m.betSizes, decimal.NewFromInt(100))
	}
	ror := m.riskOfRuinLocked()
	assert.True(t, ror.LessThan(decimal.NewFromInt(1)))
	assert.True(t, ror.GreaterThanOrEqual(decimal.Zero))
}
