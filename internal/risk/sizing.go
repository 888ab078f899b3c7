package risk

import (
	"github.com/novapulse/supervisor/pkg/types"
	"github.com/shopspring/decimal"
)

// computeSizeLocked derives the USD notional for an approved entry: a
// risk-based base size, an optional Kelly upper bound, four multiplicative
// regime/streak/spread/drawdown adjustments floored at MinSizeMultiplier,
// and finally the position and remaining-exposure caps. Caller holds m.mu.
func (m *Manager) computeSizeLocked(req SizingRequest, slDistancePct decimal.Decimal) (sizeUSD decimal.Decimal, kellyApplied bool) {
	riskUSD := m.state.Bankroll.Mul(m.cfg.RiskPerTradePct)
	rawSize := riskUSD.Div(slDistancePct)

	if m.closedTrades >= m.cfg.RORMinClosedTrades {
		winRate, avgWinLossRatio, edge := m.winLossStatsLocked()
		if edge.IsPositive() && avgWinLossRatio.IsPositive() {
			q := decimal.NewFromInt(1).Sub(winRate)
			k := winRate.Mul(avgWinLossRatio).Sub(q).Div(avgWinLossRatio)
			if k.IsPositive() {
				kEff := m.cfg.KellyFractionCap.Mul(k).Mul(req.Confidence)
				if kEff.GreaterThan(m.cfg.MaxKellySizePct) {
					kEff = m.cfg.MaxKellySizePct
				}
				kellyUSD := m.state.Bankroll.Mul(kEff)
				if kellyUSD.LessThan(rawSize) {
					rawSize = kellyUSD
					kellyApplied = true
				}
			}
		}
	}

	multiplier := m.drawdownFactorLocked().
		Mul(m.streakFactorLocked()).
		Mul(spreadPenalty(req.SpreadPct)).
		Mul(volRegimeFactor(req.VolRegime, req.VolLevel, req.VolExpanding))

	if multiplier.LessThan(m.cfg.MinSizeMultiplier) {
		multiplier = m.cfg.MinSizeMultiplier
	}

	sizeUSD = rawSize.Mul(multiplier)

	remainingCapacity := m.state.Bankroll.Mul(m.cfg.MaxPortfolioHeatPct).Sub(m.state.TotalExposureUSD)
	cap := m.cfg.MaxPositionUSD
	if remainingCapacity.LessThan(cap) {
		cap = remainingCapacity
	}
	if sizeUSD.GreaterThan(cap) {
		sizeUSD = cap
	}
	if sizeUSD.IsNegative() {
		sizeUSD = decimal.Zero
	}
	return sizeUSD, kellyApplied
}

// drawdownFactorLocked scales size down as the bankroll falls from its peak,
// in discrete tiers rather than a continuous curve.
func (m *Manager) drawdownFactorLocked() decimal.Decimal {
	if m.state.PeakBankroll.LessThanOrEqual(decimal.Zero) {
		return decimal.NewFromInt(1)
	}
	dd := m.state.PeakBankroll.Sub(m.state.Bankroll).Div(m.state.PeakBankroll)
	switch {
	case dd.GreaterThanOrEqual(m.cfg.DrawdownTier4Pct):
		return decimal.NewFromFloat(0.15)
	case dd.GreaterThanOrEqual(m.cfg.DrawdownTier3Pct):
		return decimal.NewFromFloat(0.35)
	case dd.GreaterThanOrEqual(m.cfg.DrawdownTier2Pct):
		return decimal.NewFromFloat(0.60)
	case dd.GreaterThanOrEqual(m.cfg.DrawdownTier1Pct):
		return decimal.NewFromFloat(0.80)
	default:
		return decimal.NewFromInt(1)
	}
}

// streakFactorLocked penalizes losing streaks and rewards winning streaks
// past three in a row, each additional streak entry moving 15%/5%.
func (m *Manager) streakFactorLocked() decimal.Decimal {
	switch {
	case m.state.ConsecutiveLosses >= 3:
		extra := m.state.ConsecutiveLosses - 2
		f := decimal.NewFromInt(1).Sub(decimal.NewFromFloat(0.15).Mul(decimal.NewFromInt(int64(extra))))
		return clampDecimal(f, decimal.NewFromFloat(0.40), decimal.NewFromInt(1))
	case m.state.ConsecutiveWins >= 3:
		extra := m.state.ConsecutiveWins - 2
		f := decimal.NewFromInt(1).Add(decimal.NewFromFloat(0.05).Mul(decimal.NewFromInt(int64(extra))))
		return clampDecimal(f, decimal.NewFromInt(1), decimal.NewFromFloat(1.20))
	default:
		return decimal.NewFromInt(1)
	}
}

// spreadPenalty derates size as spread widens past 0.1%.
func spreadPenalty(spreadPct decimal.Decimal) decimal.Decimal {
	threshold := decimal.NewFromFloat(0.001)
	if spreadPct.LessThanOrEqual(threshold) {
		return decimal.NewFromInt(1)
	}
	f := decimal.NewFromInt(1).Sub(spreadPct.Sub(threshold).Mul(decimal.NewFromInt(50)))
	return clampDecimal(f, decimal.NewFromFloat(0.5), decimal.NewFromInt(1))
}

// volRegimeFactor rewards quiet-and-calm setups and derates high-vol or
// rapidly expanding ones; expansion applies its penalty on top of the
// regime tier rather than replacing it.
func volRegimeFactor(regime types.VolRegime, volLevel decimal.Decimal, expanding bool) decimal.Decimal {
	factor := decimal.NewFromInt(1)
	switch regime {
	case types.VolRegimeLow:
		if volLevel.LessThan(decimal.NewFromFloat(0.3)) {
			factor = decimal.NewFromFloat(1.15)
		}
	case types.VolRegimeHigh:
		switch {
		case volLevel.GreaterThan(decimal.NewFromFloat(0.8)):
			factor = decimal.NewFromFloat(0.60)
		case volLevel.GreaterThan(decimal.NewFromFloat(0.6)):
			factor = decimal.NewFromFloat(0.70)
		default:
			factor = decimal.NewFromFloat(0.80)
		}
	}
	if expanding {
		factor = factor.Mul(decimal.NewFromFloat(0.60))
	}
	return factor
}
