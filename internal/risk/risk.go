// Package risk implements the pre-trade gate chain, position sizing, and
// close-side bookkeeping that sits between the confluence engine's signals
// and the executor's order placement.
package risk

import (
	"sync"
	"time"

	"github.com/novapulse/supervisor/pkg/config"
	"github.com/novapulse/supervisor/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Manager evaluates pre-trade gates, sizes approved entries, and tracks the
// bankroll/streak/exposure state that future gate evaluations depend on.
type Manager struct {
	logger     *zap.Logger
	cfg        config.RiskConfig
	confCfg    config.ConfluenceConfig

	mu              sync.Mutex
	state           *types.RiskState
	dailyTradeCount int
	dailyTradeDay   string
	entryTimes      []time.Time // rolling hour window for the per-hour throttle
	closedTrades    int
	pnlHistory      []decimal.Decimal // closed-trade pnl_pct, last 500 kept — used for RoR/Kelly edge
	betSizes        []decimal.Decimal // closed-trade notional, same length as pnlHistory
}

// NewManager constructs a risk manager seeded with the configured bankroll.
// confCfg supplies the confidence floor gate 11 enforces; it is otherwise
// the confluence engine's config, not the risk manager's own.
func NewManager(logger *zap.Logger, cfg config.RiskConfig, confCfg config.ConfluenceConfig) *Manager {
	return &Manager{
		logger:  logger.Named("risk"),
		cfg:     cfg,
		confCfg: confCfg,
		state:   types.NewRiskState(cfg.InitialBankroll),
	}
}

// State returns a snapshot of the risk manager's current posture, safe to
// persist or expose via the control plane.
func (m *Manager) State() types.RiskState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.state
}

// SizingRequest carries everything GateAndSize needs to evaluate the chain
// and compute a position size for one candidate entry.
type SizingRequest struct {
	Pair            string
	Strategy        string
	Direction       types.Direction
	Entry           decimal.Decimal
	SL              decimal.Decimal
	TP              decimal.Decimal
	Confidence      decimal.Decimal
	SignalAt        time.Time
	SpreadPct       decimal.Decimal
	VolRegime       types.VolRegime
	VolLevel        decimal.Decimal
	VolExpanding    bool
	Now             time.Time
}

// GateResult is the outcome of running the pre-trade chain. When Approved is
// false, Reason names the first gate that failed.
type GateResult struct {
	Approved  bool
	Reason    string
	SizeUSD   decimal.Decimal
	Quantity  decimal.Decimal
}

// EngineFlags is the subset of Supervisor state the gate chain consults;
// the Supervisor owns killed/paused/auto-paused, the risk manager only reads it.
type EngineFlags struct {
	Killed     bool
	Paused     bool
	AutoPaused bool
	Canary     bool
}

func reject(reason string) GateResult { return GateResult{Approved: false, Reason: reason} }

// GateAndSize runs the thirteen ordered pre-trade gates and, if every gate
// passes, computes the approved position size. The first failing gate
// aborts immediately with its reason; no size is returned in that case.
func (m *Manager) GateAndSize(flags EngineFlags, req SizingRequest) GateResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rollDailyCounterLocked(req.Now)
	m.purgeStaleEntryTimesLocked(req.Now)

	// 1. kill switch / manual pause / auto pause.
	if flags.Killed {
		return reject("killed")
	}
	if flags.Paused {
		return reject("paused")
	}
	if flags.AutoPaused {
		return reject("auto_paused")
	}

	// 2. bankroll solvency.
	if m.state.Bankroll.LessThanOrEqual(decimal.Zero) {
		return reject("bankroll_depleted")
	}

	// 3. daily loss limit.
	maxDailyLoss := m.state.InitialBankroll.Mul(m.cfg.MaxDailyLossPct)
	if m.state.DailyPnL.LessThanOrEqual(maxDailyLoss.Neg()) {
		return reject("daily_loss_limit")
	}

	// 4. cooldowns.
	if req.Now.Before(m.state.GlobalCooldownUntil) {
		return reject("global_cooldown")
	}
	if until, ok := m.state.PerPairCooldownUntil[req.Pair]; ok && req.Now.Before(until) {
		return reject("pair_cooldown")
	}
	if until, ok := m.state.PerStrategyCooldownUntil[req.Strategy]; ok && req.Now.Before(until) {
		return reject("strategy_cooldown")
	}

	// 5. concurrent position cap.
	if len(m.state.OpenPositions) >= m.cfg.MaxConcurrentPositions {
		return reject("max_concurrent_positions")
	}

	// 6. daily trade cap.
	if m.cfg.MaxDailyTrades > 0 && m.dailyTradeCount >= m.cfg.MaxDailyTrades {
		return reject("max_daily_trades")
	}

	// 7. quiet hours.
	hour := req.Now.UTC().Hour()
	for _, h := range m.cfg.QuietHoursUTC {
		if h == hour {
			return reject("quiet_hours")
		}
	}

	// 8. per-hour rate throttle.
	if m.cfg.HourlyThrottle > 0 && len(m.entryTimes) >= m.cfg.HourlyThrottle {
		return reject("hourly_throttle")
	}

	// 9. correlation-group cap.
	if group := m.correlationGroup(req.Pair); group != "" {
		cap := m.cfg.CorrelationGroupCap
		if cap <= 0 {
			cap = 2
		}
		if m.openPositionsInGroup(group) >= cap {
			return reject("correlation_group_cap")
		}
	}

	// 10. SL distance and risk:reward.
	if req.Entry.IsZero() {
		return reject("invalid_entry_price")
	}
	slDistancePct := req.Entry.Sub(req.SL).Abs().Div(req.Entry)
	if slDistancePct.LessThanOrEqual(decimal.Zero) || slDistancePct.GreaterThan(m.cfg.MaxSLDistancePct) {
		return reject("sl_distance_out_of_range")
	}
	tpDistancePct := req.Entry.Sub(req.TP).Abs().Div(req.Entry)
	riskReward := tpDistancePct.Div(slDistancePct)
	if riskReward.LessThan(m.cfg.MinRiskReward) {
		return reject("risk_reward_below_minimum")
	}

	// 11. signal freshness and confidence, scaled by canary mode.
	maxAge := m.cfg.SignalMaxAge
	minConfidence := m.confCfg.MinConfidence
	if flags.Canary {
		maxAge = maxAge / 2
		minConfidence = minConfidence.Mul(decimal.NewFromFloat(1.2))
	}
	if !req.SignalAt.IsZero() && req.Now.Sub(req.SignalAt) > maxAge {
		return reject("signal_stale")
	}
	if req.Confidence.LessThan(minConfidence) {
		return reject("confidence_below_threshold")
	}

	// Sizing happens before gate 12 so portfolio heat can test the proposed
	// notional, matching the documented gate order.
	sizeUSD, kellyApplied := m.computeSizeLocked(req, slDistancePct)

	// 12. portfolio heat.
	maxExposure := m.state.Bankroll.Mul(m.cfg.MaxPortfolioHeatPct)
	if m.state.TotalExposureUSD.Add(sizeUSD).GreaterThan(maxExposure) {
		return reject("portfolio_heat_exceeded")
	}

	// 13. risk of ruin, only once enough closed trades exist.
	if m.closedTrades >= m.cfg.RORMinClosedTrades {
		ror := m.riskOfRuinLocked()
		if ror.GreaterThan(m.cfg.MaxRiskOfRuin) {
			return reject("risk_of_ruin_exceeded")
		}
	}

	if sizeUSD.LessThan(m.cfg.MinNotionalUSD) {
		return reject("size_below_minimum_notional")
	}

	quantity := sizeUSD.Div(req.Entry)

	m.logger.Info("entry approved",
		zap.String("pair", req.Pair), zap.String("strategy", req.Strategy),
		zap.String("size_usd", sizeUSD.String()), zap.Bool("kelly_capped", kellyApplied))

	return GateResult{Approved: true, SizeUSD: sizeUSD, Quantity: quantity}
}

func (m *Manager) rollDailyCounterLocked(now time.Time) {
	day := now.UTC().Format("2006-01-02")
	if m.dailyTradeDay != day {
		m.dailyTradeDay = day
		m.dailyTradeCount = 0
		m.state.DailyPnL = decimal.Zero
		m.state.DailyLossDay = day
	}
}

func (m *Manager) purgeStaleEntryTimesLocked(now time.Time) {
	cutoff := now.Add(-time.Hour)
	kept := m.entryTimes[:0]
	for _, t := range m.entryTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	m.entryTimes = kept
}

func (m *Manager) correlationGroup(pair string) string {
	for group, members := range m.cfg.CorrelationGroups {
		for _, p := range members {
			if p == pair {
				return group
			}
		}
	}
	return ""
}

func (m *Manager) openPositionsInGroup(group string) int {
	members := m.cfg.CorrelationGroups[group]
	count := 0
	for pair, open := range m.state.OpenPositions {
		if !open {
			continue
		}
		for _, p := range members {
			if p == pair {
				count++
				break
			}
		}
	}
	return count
}

// RegisterOpen records an approved, now-placed entry: updates the daily
// counter, the hourly rolling window, open-position set and total exposure.
// isRestart skips the daily counter, matching restart-safe rehydration.
func (m *Manager) RegisterOpen(pair string, sizeUSD decimal.Decimal, now time.Time, isRestart bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDailyCounterLocked(now)
	if !isRestart {
		m.dailyTradeCount++
		m.entryTimes = append(m.entryTimes, now)
	}
	m.state.OpenPositions[pair] = true
	m.state.TotalExposureUSD = m.state.TotalExposureUSD.Add(sizeUSD)
}

// CloseResult summarizes a closed trade for the risk manager's accounting.
type CloseResult struct {
	Pair     string
	SizeUSD  decimal.Decimal
	PnLUSD   decimal.Decimal
	PnLPct   decimal.Decimal
	ClosedAt time.Time
}

// CloseSide applies the close-side accounting documented for close_position:
// updates bankroll, peak, daily PnL, streaks, and on a loss sets the global
// cooldown.
func (m *Manager) CloseSide(res CloseResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rollDailyCounterLocked(res.ClosedAt)
	delete(m.state.OpenPositions, res.Pair)
	m.state.TotalExposureUSD = m.state.TotalExposureUSD.Sub(res.SizeUSD)
	if m.state.TotalExposureUSD.IsNegative() {
		m.state.TotalExposureUSD = decimal.Zero
	}

	m.state.Bankroll = m.state.Bankroll.Add(res.PnLUSD)
	m.state.DailyPnL = m.state.DailyPnL.Add(res.PnLUSD)
	if m.state.Bankroll.GreaterThan(m.state.PeakBankroll) {
		m.state.PeakBankroll = m.state.Bankroll
	}

	if res.PnLUSD.IsNegative() {
		m.state.ConsecutiveLosses++
		m.state.ConsecutiveWins = 0
		cooldown := m.cfg.GlobalCooldownAfterLoss
		if cooldown <= 0 {
			cooldown = 30 * time.Minute
		}
		m.state.GlobalCooldownUntil = res.ClosedAt.Add(cooldown)
	} else {
		m.state.ConsecutiveWins++
		m.state.ConsecutiveLosses = 0
	}

	m.closedTrades++
	m.pnlHistory = append(m.pnlHistory, res.PnLPct)
	m.betSizes = append(m.betSizes, res.SizeUSD)
	const maxWindow = 500
	if len(m.pnlHistory) > maxWindow {
		m.pnlHistory = m.pnlHistory[len(m.pnlHistory)-maxWindow:]
		m.betSizes = m.betSizes[len(m.betSizes)-maxWindow:]
	}
	m.state.TradeHistoryWindow = append([]decimal.Decimal(nil), m.pnlHistory...)

	m.logger.Info("trade closed",
		zap.String("pair", res.Pair), zap.String("pnl_usd", res.PnLUSD.String()),
		zap.Int("consecutive_losses", m.state.ConsecutiveLosses))
}

// SetPairCooldown pins a per-pair cooldown, e.g. following a stopped-out exit.
func (m *Manager) SetPairCooldown(pair string, until time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.PerPairCooldownUntil[pair] = until
}

// SetStrategyCooldown pins a per-strategy cooldown.
func (m *Manager) SetStrategyCooldown(strategy string, until time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.PerStrategyCooldownUntil[strategy] = until
}

// winLossStatsLocked summarizes the closed-trade history into win rate and
// the average win/loss magnitude ratio, both needed by Kelly and RoR.
func (m *Manager) winLossStatsLocked() (winRate, avgWinLossRatio decimal.Decimal, edge decimal.Decimal) {
	if len(m.pnlHistory) == 0 {
		return decimal.Zero, decimal.Zero, decimal.Zero
	}
	var wins, losses int
	winSum, lossSum := decimal.Zero, decimal.Zero
	for _, pnl := range m.pnlHistory {
		if pnl.IsPositive() {
			wins++
			winSum = winSum.Add(pnl)
		} else if pnl.IsNegative() {
			losses++
			lossSum = lossSum.Add(pnl.Abs())
		}
	}
	n := decimal.NewFromInt(int64(len(m.pnlHistory)))
	winRate = decimal.NewFromInt(int64(wins)).Div(n)

	avgWin := decimal.Zero
	if wins > 0 {
		avgWin = winSum.Div(decimal.NewFromInt(int64(wins)))
	}
	avgLoss := decimal.Zero
	if losses > 0 {
		avgLoss = lossSum.Div(decimal.NewFromInt(int64(losses)))
	}
	if avgLoss.IsPositive() {
		avgWinLossRatio = avgWin.Div(avgLoss)
	}
	edge = winSum.Sub(lossSum).Div(n)
	return winRate, avgWinLossRatio, edge
}

// riskOfRuinLocked implements RoR = ((1-edge_ratio)/(1+edge_ratio))^units,
// edge_ratio = edge/avg_bet, units = bankroll/avg_bet. Requires the caller
// to have already checked the minimum closed-trade count; negative edge
// returns 1.0 (certain ruin under this formula's assumptions).
func (m *Manager) riskOfRuinLocked() decimal.Decimal {
	_, _, edge := m.winLossStatsLocked()
	if edge.LessThanOrEqual(decimal.Zero) {
		return decimal.NewFromInt(1)
	}
	avgBet := averageLocked(m.betSizes)
	if avgBet.LessThanOrEqual(decimal.Zero) {
		return decimal.NewFromInt(1)
	}
	edgeRatio := edge.Div(avgBet)
	if edgeRatio.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return decimal.Zero
	}
	units := m.state.Bankroll.Div(avgBet)
	base := decimal.NewFromInt(1).Sub(edgeRatio).Div(decimal.NewFromInt(1).Add(edgeRatio))
	return powDecimal(base, units)
}

func averageLocked(vals []decimal.Decimal) decimal.Decimal {
	if len(vals) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, v := range vals {
		sum = sum.Add(v)
	}
	return sum.Div(decimal.NewFromInt(int64(len(vals))))
}

// powDecimal raises base to a non-integer exponent via exp(exponent*ln(base)),
// falling back to 0 for a non-positive base (ruin formula never evaluates
// base <= 0 in practice since edgeRatio is clamped below 1).
func powDecimal(base, exponent decimal.Decimal) decimal.Decimal {
	if base.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	if exponent.LessThanOrEqual(decimal.Zero) {
		return decimal.NewFromInt(1)
	}
	return expApprox(exponent.Mul(lnApprox(base)))
}
