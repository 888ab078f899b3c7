package supervisor

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// checkCircuitBreakers runs the health-monitor's pause conditions in the
// documented order and sets auto_pause_reason on the first one that trips.
// It never clears an existing auto-pause; that is Resume's job.
func (s *Supervisor) checkCircuitBreakers(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.AutoPauseReason != "" {
		return
	}

	for _, pair := range s.cfg.Pairs {
		if s.cache.IsStale(pair, s.cfg.Monitoring.MaxTickerAge) {
			s.staleChecks[pair]++
			if s.staleChecks[pair] >= s.cfg.Monitoring.StaleConsecutiveMax {
				s.triggerAutoPauseLocked("stale_data", now)
				return
			}
		} else {
			s.staleChecks[pair] = 0
		}
	}

	if !s.state.WSConnected {
		if s.wsDownSince.IsZero() {
			s.wsDownSince = now
		} else if now.Sub(s.wsDownSince) >= s.cfg.Monitoring.WSDisconnectGrace {
			s.triggerAutoPauseLocked("ws_disconnected", now)
			return
		}
	} else {
		s.wsDownSince = time.Time{}
	}

	risk := s.riskMgr.State()
	if risk.ConsecutiveLosses >= s.cfg.Risk.ConsecutiveLossCircuitBreaker {
		s.triggerAutoPauseLocked("consecutive_losses", now)
		return
	}

	if risk.PeakBankroll.GreaterThan(decimal.Zero) {
		dd := risk.PeakBankroll.Sub(risk.Bankroll).Div(risk.PeakBankroll)
		if dd.GreaterThanOrEqual(s.cfg.Risk.DrawdownCircuitBreakerPct) {
			s.triggerAutoPauseLocked("drawdown", now)
			return
		}
	}
}

// triggerAutoPauseLocked must be called with s.mu held.
func (s *Supervisor) triggerAutoPauseLocked(reason string, now time.Time) {
	s.state.AutoPauseReason = reason
	s.logger.Warn("circuit breaker tripped, auto-pausing new entries", zap.String("reason", reason))

	if s.cfg.Risk.EmergencyCloseAllOnCircuitBreaker {
		go s.CloseAll(context.Background())
	}
}
