// Package supervisor owns the cooperative task scheduler that wires market
// data ingestion, the confluence decision pipeline, risk gating, order
// execution, and the circuit breakers into one running engine, under a
// single-instance advisory lock with restart-safe rehydration.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/novapulse/supervisor/internal/cache"
	"github.com/novapulse/supervisor/internal/confluence"
	"github.com/novapulse/supervisor/internal/exchange"
	"github.com/novapulse/supervisor/internal/execution"
	"github.com/novapulse/supervisor/internal/indicators"
	"github.com/novapulse/supervisor/internal/risk"
	"github.com/novapulse/supervisor/pkg/config"
	"github.com/novapulse/supervisor/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Ledger is the persistence surface the supervisor depends on directly,
// beyond what the executor already needs: rehydration reads open trades,
// and the cleanup task purges old records.
type Ledger interface {
	execution.Ledger
	PurgeOldRecords(ctx context.Context, before time.Time) error
}

// Supervisor drives the full trading lifecycle: init, warmup, run, stop.
type Supervisor struct {
	logger   *zap.Logger
	cfg      config.SupervisorConfig
	adapter  exchange.Adapter
	cache    *cache.Cache
	engine   *confluence.Engine
	riskMgr  *risk.Manager
	executor *execution.Executor
	ledger   Ledger
	events   chan exchange.Event

	lock *fileLock

	mu          sync.RWMutex
	state       types.EngineState
	manualPause bool
	staleChecks map[string]int
	wsDownSince time.Time
	lastScan    map[string]decimal.Decimal // pair -> price at last enqueued scan

	scanQueue *scanQueue
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New constructs a supervisor bound to every component it orchestrates.
// events is the channel the exchange adapter was built with; the
// supervisor is its sole consumer.
func New(logger *zap.Logger, cfg config.SupervisorConfig, adapter exchange.Adapter, c *cache.Cache, engine *confluence.Engine, riskMgr *risk.Manager, executor *execution.Executor, ledger Ledger, events chan exchange.Event) *Supervisor {
	return &Supervisor{
		logger:      logger.Named("supervisor"),
		cfg:         cfg,
		adapter:     adapter,
		cache:       c,
		engine:      engine,
		riskMgr:     riskMgr,
		executor:    executor,
		ledger:      ledger,
		events:      events,
		staleChecks: make(map[string]int, len(cfg.Pairs)),
		lastScan:    make(map[string]decimal.Decimal, len(cfg.Pairs)),
		scanQueue:   newScanQueue(cfg.Pairs),
		stopCh:      make(chan struct{}),
	}
}

// Init acquires the single-instance advisory lock. It must succeed before
// any durable work happens.
func (s *Supervisor) Init() error {
	lock, err := acquireLock(s.cfg.Ledger.LockPath)
	if err != nil {
		return err
	}
	s.lock = lock
	s.state.StartedAt = time.Now()
	return nil
}

// Warmup seeds the cache with enough closed candles to satisfy the largest
// strategy window, then subscribes to live streams for every pair.
func (s *Supervisor) Warmup(ctx context.Context) error {
	since := time.Now().Add(-time.Duration(s.cfg.Trading.WarmupBars) * time.Minute)
	for _, pair := range s.cfg.Pairs {
		candles, err := s.adapter.FetchOHLC(ctx, pair, 1, since, s.cfg.Trading.WarmupBars)
		if err != nil {
			return fmt.Errorf("supervisor: warmup fetch for %s: %w", pair, err)
		}
		for _, c := range candles {
			s.cache.UpdateCandle(c)
		}
		if err := s.adapter.Subscribe(ctx, pair, []exchange.Channel{exchange.ChannelTicker, exchange.ChannelOHLC, exchange.ChannelBook}); err != nil {
			return fmt.Errorf("supervisor: subscribe %s: %w", pair, err)
		}
		s.logger.Info("warmup complete", zap.String("pair", pair), zap.Int("candles", len(candles)))
	}
	s.mu.Lock()
	s.state.WSConnected = s.adapter.IsConnected()
	s.mu.Unlock()
	return nil
}

// Rehydrate restores every open trade from the ledger after warmup,
// re-registering it with the risk manager without incrementing the daily
// trade counter.
func (s *Supervisor) Rehydrate(ctx context.Context) error {
	trades, err := s.ledger.OpenTrades(ctx)
	if err != nil {
		return fmt.Errorf("supervisor: rehydrate: %w", err)
	}
	for _, t := range trades {
		s.executor.RestoreTrade(t)
		s.riskMgr.RegisterOpen(t.Pair, t.EntryPrice.Mul(t.Quantity), t.EntryTime, true)
		s.logger.Info("rehydrated open trade", zap.String("trade_id", t.TradeID), zap.String("pair", t.Pair))
	}
	return nil
}

// Run starts every cooperative task and blocks until ctx is cancelled or
// Stop is called.
func (s *Supervisor) Run(ctx context.Context) {
	s.mu.Lock()
	s.state.Running = true
	s.mu.Unlock()

	tasks := []func(context.Context){
		s.streamConsumerLoop,
		s.scanLoop,
		s.positionLoop,
		s.healthMonitorLoop,
		s.reconcileLoop,
		s.cleanupLoop,
	}
	for _, task := range tasks {
		s.wg.Add(1)
		go func(t func(context.Context)) {
			defer s.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("supervisor task panicked", zap.Any("panic", r))
				}
			}()
			t(ctx)
		}(task)
	}

	select {
	case <-ctx.Done():
	case <-s.stopCh:
	}
	s.Stop()
}

// Stop signals every task to finish its current unit of work and exit, then
// releases the single-instance lock. Stop is idempotent.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.state.Running {
		s.mu.Unlock()
		return
	}
	s.state.Running = false
	s.mu.Unlock()

	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	s.wg.Wait()

	if err := s.lock.Release(); err != nil {
		s.logger.Warn("release lock failed", zap.Error(err))
	}
	s.logger.Info("supervisor stopped")
}

// streamConsumerLoop drains the adapter's event channel in arrival order,
// updating the cache and enqueueing scans. It never blocks on a full scan
// queue; a dropped enqueue is recovered by the interval fallback.
func (s *Supervisor) streamConsumerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case ev := <-s.events:
			s.handleEvent(ev)
		}
	}
}

func (s *Supervisor) handleEvent(ev exchange.Event) {
	switch {
	case ev.Ticker != nil:
		t := ev.Ticker.Ticker
		s.cache.UpdateTicker(t)
		s.mu.Lock()
		s.state.WSConnected = true
		s.mu.Unlock()
		s.maybeEnqueueOnPriceMove(t)
	case ev.Candle != nil:
		s.cache.UpdateCandle(ev.Candle.Candle)
		if ev.Candle.Closed {
			s.scanQueue.Enqueue(ev.Candle.Candle.Pair)
		}
	case ev.Book != nil:
		s.cache.UpdateBook(ev.Book.Book)
	}
}

func (s *Supervisor) maybeEnqueueOnPriceMove(t types.Ticker) {
	mid := t.Mid()
	if mid.IsZero() {
		return
	}
	s.mu.Lock()
	last, seen := s.lastScan[t.Pair]
	s.mu.Unlock()
	if !seen || last.IsZero() {
		return
	}
	move := mid.Sub(last).Abs().Div(last)
	if move.GreaterThanOrEqual(s.cfg.Trading.EventPriceMovePct) {
		s.scanQueue.Enqueue(t.Pair)
	}
}

// scanLoop blocks on the scan queue and also enqueues every pair on a fixed
// interval so progress is guaranteed even with no qualifying events.
func (s *Supervisor) scanLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Trading.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case pair := <-s.scanQueue.Chan():
			s.scanQueue.Dequeued(pair)
			s.scanPair(ctx, pair)
		case <-ticker.C:
			for _, pair := range s.cfg.Pairs {
				s.scanQueue.Enqueue(pair)
			}
		}
	}
}

func (s *Supervisor) scanPair(ctx context.Context, pair string) {
	evalCtx, cancel := context.WithTimeout(ctx, s.cfg.Trading.StrategyEvalTimeout)
	defer cancel()

	candles := s.cache.GetCandles(pair, s.cfg.Trading.WarmupBars)
	if len(candles) == 0 {
		return
	}
	book, _ := s.cache.GetBookAnalysis(pair)
	scanCache := indicators.NewScanCache()
	now := time.Now()

	sig := s.engine.Evaluate(evalCtx, pair, candles, book, scanCache, now)

	s.mu.Lock()
	s.state.ScanCount++
	if sig.Direction != types.DirectionNeutral && !sig.Entry.IsZero() {
		s.lastScan[pair] = sig.Entry
	}
	canOpen := s.state.Running && !s.manualPause && s.state.AutoPauseReason == "" && !s.state.Killed
	flags := risk.EngineFlags{Killed: s.state.Killed, Paused: s.manualPause, AutoPaused: s.state.AutoPauseReason != "", Canary: s.cfg.Canary}
	s.mu.Unlock()

	if sig.Direction == types.DirectionNeutral {
		return
	}
	if !canOpen {
		s.logger.Debug("signal suppressed, engine not accepting entries", zap.String("pair", pair))
		return
	}

	ticker, ok := s.cache.GetTicker(pair)
	spread := decimal.Zero
	if ok {
		spread = ticker.SpreadPct()
	}
	if spread.GreaterThan(s.cfg.Trading.MaxSpreadPct) {
		s.logger.Debug("entry rejected, spread too wide", zap.String("pair", pair), zap.String("spread_pct", spread.String()))
		return
	}

	result := s.riskMgr.GateAndSize(flags, risk.SizingRequest{
		Pair: pair, Strategy: "confluence", Direction: sig.Direction,
		Entry: sig.Entry, SL: sig.SL, TP: sig.TP, Confidence: sig.Confidence,
		SignalAt: sig.Ts, SpreadPct: spread, VolRegime: sig.VolRegime,
		VolLevel: sig.VolLevel, VolExpanding: sig.VolExpanding, Now: now,
	})
	if !result.Approved {
		s.logger.Debug("entry rejected", zap.String("pair", pair), zap.String("reason", result.Reason))
		return
	}

	trade, err := s.executor.Enter(ctx, execution.EntryRequest{
		Pair: pair, Strategy: "confluence", Direction: sig.Direction,
		Quantity: result.Quantity, PlannedSL: sig.SL, PlannedTP: sig.TP,
		Confidence: sig.Confidence, Regime: sig.TrendRegime, VolRegime: sig.VolRegime,
		MakerFee: s.cfg.Exchange.MakerFeeRate, TakerFee: s.cfg.Exchange.TakerFeeRate,
	})
	if err != nil {
		s.logger.Error("entry failed", zap.String("pair", pair), zap.Error(err))
		return
	}
	s.logger.Info("entry opened", zap.String("pair", pair), zap.String("trade_id", trade.TradeID))
}

// positionLoop drives trailing/smart-exit/stop maintenance for every open
// trade on a fixed interval.
func (s *Supervisor) positionLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Trading.PositionCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.executor.ManagePositions(ctx, s.engine)
		}
	}
}

// healthMonitorLoop evaluates circuit breakers on a short fixed interval.
func (s *Supervisor) healthMonitorLoop(ctx context.Context) {
	interval := s.cfg.Trading.HealthInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.checkCircuitBreakers(time.Now())
		}
	}
}

// reconcileLoop diffs tracked trades against exchange state every five
// minutes, logging discrepancies for operator action.
func (s *Supervisor) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Trading.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			discrepancies := s.executor.Reconcile(ctx, s.cfg.Pairs)
			for _, d := range discrepancies {
				s.logger.Warn("reconciliation discrepancy", zap.String("kind", d.Kind), zap.String("pair", d.Pair), zap.String("trade_id", d.TradeID), zap.String("order_id", d.OrderID))
			}
		}
	}
}

// cleanupLoop purges aged, non-canonical records hourly.
func (s *Supervisor) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Trading.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-30 * 24 * time.Hour)
			if err := s.ledger.PurgeOldRecords(ctx, cutoff); err != nil {
				s.logger.Warn("cleanup purge failed", zap.Error(err))
			}
		}
	}
}
