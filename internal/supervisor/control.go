package supervisor

import (
	"context"
	"time"

	"github.com/novapulse/supervisor/pkg/types"
)

// StatusSnapshot is the operator-facing view of engine, risk and position
// state returned by Status.
type StatusSnapshot struct {
	Engine    types.EngineState
	Risk      types.RiskState
	OpenTrades []types.Trade
}

// Pause flips the manual pause flag. New entries stop; open positions are
// still managed and can still be closed.
func (s *Supervisor) Pause() {
	s.mu.Lock()
	s.manualPause = true
	s.mu.Unlock()
	s.logger.Info("manual pause requested")
}

// Resume clears both the manual pause flag and any tripped circuit breaker.
// An in-flight position close is never interrupted by Pause, so Resume has
// nothing to undo there.
func (s *Supervisor) Resume() {
	s.mu.Lock()
	s.manualPause = false
	s.state.AutoPauseReason = ""
	for pair := range s.staleChecks {
		s.staleChecks[pair] = 0
	}
	s.wsDownSince = time.Time{}
	s.mu.Unlock()
	s.logger.Info("resume requested, circuit breakers cleared")
}

// CloseAll directs the executor to close every open trade, independent of
// the pause/kill state.
func (s *Supervisor) CloseAll(ctx context.Context) {
	s.logger.Warn("close_all requested")
	s.executor.CloseAll(ctx, "operator_close_all", s.engine)
}

// Kill sets the killed flag, permanently blocking new entries for the life
// of this process. It does not itself close open positions; pair that with
// CloseAll for a full shutdown.
func (s *Supervisor) Kill() {
	s.mu.Lock()
	s.state.Killed = true
	s.mu.Unlock()
	s.logger.Warn("kill switch activated, no further entries will be taken")
}

// Status returns a snapshot of engine, risk, and open-position state.
func (s *Supervisor) Status() StatusSnapshot {
	s.mu.RLock()
	engineState := s.state
	engineState.StaleCounterPerPair = make(map[string]int, len(s.staleChecks))
	for k, v := range s.staleChecks {
		engineState.StaleCounterPerPair[k] = v
	}
	manualPause := s.manualPause
	s.mu.RUnlock()

	engineState.Paused = manualPause

	return StatusSnapshot{
		Engine:     engineState,
		Risk:       s.riskMgr.State(),
		OpenTrades: s.executor.OpenTrades(),
	}
}
