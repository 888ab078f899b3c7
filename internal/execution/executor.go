// Package execution places and manages orders: the entry flow from an
// approved confluence signal through limit-chase/market-fallback fills, the
// position-management loop that maintains trailing stops and smart-exit
// tiers, and the exit flow with a bounded retry ladder.
package execution

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/novapulse/supervisor/internal/cache"
	"github.com/novapulse/supervisor/internal/exchange"
	"github.com/novapulse/supervisor/internal/risk"
	"github.com/novapulse/supervisor/pkg/config"
	"github.com/novapulse/supervisor/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Ledger is the narrow persistence surface the executor depends on; the
// concrete implementation lives in internal/ledger.
type Ledger interface {
	SaveTrade(ctx context.Context, trade types.Trade) error
	OpenTrades(ctx context.Context) ([]types.Trade, error)
}

// Executor owns the full lifecycle of trades: entry, trailing maintenance,
// and exit, against one exchange adapter and one pair cache.
type Executor struct {
	logger      *zap.Logger
	cfg         config.TradingConfig
	riskCfg     config.RiskConfig
	exchangeCfg config.ExchangeConfig
	adapter     exchange.Adapter
	cache       *cache.Cache
	ledger      Ledger
	riskMgr     *risk.Manager
	paper       bool

	mu     sync.RWMutex
	trades map[string]*types.Trade // keyed by TradeID
	rng    *rand.Rand
}

// NewExecutor constructs an executor bound to one exchange adapter, pair
// cache, ledger and risk manager.
func NewExecutor(logger *zap.Logger, cfg config.TradingConfig, riskCfg config.RiskConfig, exchangeCfg config.ExchangeConfig, adapter exchange.Adapter, c *cache.Cache, ledger Ledger, riskMgr *risk.Manager, paper bool) *Executor {
	return &Executor{
		logger:      logger.Named("executor"),
		cfg:         cfg,
		riskCfg:     riskCfg,
		exchangeCfg: exchangeCfg,
		adapter:     adapter,
		cache:       c,
		ledger:      ledger,
		riskMgr:     riskMgr,
		paper:       paper,
		trades:      make(map[string]*types.Trade),
		rng:         rand.New(rand.NewSource(1)),
	}
}

// OpenTrades returns a snapshot of currently tracked open trades.
func (e *Executor) OpenTrades() []types.Trade {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]types.Trade, 0, len(e.trades))
	for _, t := range e.trades {
		out = append(out, *t)
	}
	return out
}

// Trade returns one tracked trade by ID.
func (e *Executor) Trade(tradeID string) (types.Trade, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.trades[tradeID]
	if !ok {
		return types.Trade{}, false
	}
	return *t, true
}

// RestoreTrade re-registers a trade loaded from the ledger, used during
// restart-safe rehydration before the position-management loop starts.
func (e *Executor) RestoreTrade(t types.Trade) {
	e.mu.Lock()
	e.trades[t.TradeID] = &t
	e.mu.Unlock()
}

// EntryRequest is the approved, sized signal the executor turns into a
// live or paper position.
type EntryRequest struct {
	Pair       string
	Strategy   string
	Direction  types.Direction
	Quantity   decimal.Decimal
	PlannedSL  decimal.Decimal
	PlannedTP  decimal.Decimal
	Confidence decimal.Decimal
	Regime     types.TrendRegime
	VolRegime  types.VolRegime
	MakerFee   decimal.Decimal
	TakerFee   decimal.Decimal
}

// Enter runs the entry flow: ticker-derived planned price, paper fill or
// limit-chase-then-market-fallback live fill, SL/TP shift to the actual
// fill, trade persistence, risk-manager registration, and (live mode) an
// exchange-native stop-loss order.
func (e *Executor) Enter(ctx context.Context, req EntryRequest) (*types.Trade, error) {
	ticker, ok := e.cache.GetTicker(req.Pair)
	if !ok {
		return nil, fmt.Errorf("execution: no ticker for %s", req.Pair)
	}

	side := types.SideBuy
	plannedEntry := ticker.Ask
	if req.Direction == types.DirectionShort {
		side = types.SideSell
		plannedEntry = ticker.Bid
	}

	var filledPrice, fees decimal.Decimal
	var orderID string
	var err error

	if e.paper {
		filledPrice, fees = e.simulateFill(ticker, side, req.Quantity, req.TakerFee)
	} else {
		filledPrice, orderID, err = e.chaseAndFill(ctx, req.Pair, side, req.Quantity, plannedEntry)
		if err != nil {
			return nil, fmt.Errorf("execution: entry fill failed: %w", err)
		}
		fees = filledPrice.Mul(req.Quantity).Mul(req.TakerFee)
	}

	shift := filledPrice.Sub(plannedEntry)
	sl := req.PlannedSL.Add(shift)
	tp := req.PlannedTP.Add(shift)

	trade := &types.Trade{
		TradeID:    newTradeID(req.Pair),
		Pair:       req.Pair,
		Side:       side,
		Status:     types.TradeStatusOpen,
		EntryPrice: filledPrice,
		Quantity:   req.Quantity,
		Fees:       fees,
		Strategy:   req.Strategy,
		Confidence: req.Confidence,
		StopLoss:   sl,
		TakeProfit: tp,
		Trailing: types.TrailingState{
			InitialSL: sl, CurrentSL: sl,
			TrailingHigh: filledPrice, TrailingLow: filledPrice,
		},
		EntryTime: time.Now(),
		Metadata: types.TradeMetadata{
			PlannedEntry: plannedEntry, FilledEntry: filledPrice, OrderID: orderID,
			MakerFeeRate: req.MakerFee, TakerFeeRate: req.TakerFee,
			RegimeAtEntry: req.Regime, VolRegimeAtEntry: req.VolRegime,
		},
	}

	if err := e.ledger.SaveTrade(ctx, *trade); err != nil {
		return nil, fmt.Errorf("execution: persist trade: %w", err)
	}

	e.mu.Lock()
	e.trades[trade.TradeID] = trade
	e.mu.Unlock()

	e.riskMgr.RegisterOpen(req.Pair, filledPrice.Mul(req.Quantity), trade.EntryTime, false)

	if !e.paper {
		stopID, err := e.adapter.PlaceOrder(ctx, exchange.OrderRequest{
			Pair: req.Pair, Side: oppositeSide(side), Kind: exchange.OrderKindStopLoss,
			Quantity: req.Quantity, Price: sl,
		})
		if err != nil {
			e.logger.Warn("exchange stop placement failed, continuing without it", zap.String("pair", req.Pair), zap.Error(err))
		} else {
			trade.Metadata.ExchangeStopID = stopID
			if err := e.ledger.SaveTrade(ctx, *trade); err != nil {
				e.logger.Warn("persist stop id failed", zap.Error(err))
			}
		}
	}

	e.logger.Info("entry filled",
		zap.String("pair", req.Pair), zap.String("trade_id", trade.TradeID),
		zap.String("entry", filledPrice.String()), zap.String("sl", sl.String()), zap.String("tp", tp.String()))

	return trade, nil
}

// simulateFill synthesizes a paper-mode fill at the ticker with a symmetric
// micro-slippage draw bounded by spread/10.
func (e *Executor) simulateFill(ticker types.Ticker, side types.Side, qty, takerFee decimal.Decimal) (price, fees decimal.Decimal) {
	spread := ticker.Ask.Sub(ticker.Bid)
	bound := spread.Div(decimal.NewFromInt(10))
	draw := decimal.NewFromFloat(e.rng.Float64()*2 - 1).Mul(bound)

	base := ticker.Ask
	if side == types.SideSell {
		base = ticker.Bid
	}
	price = base.Add(draw)
	fees = price.Mul(qty).Mul(takerFee)
	return price, fees
}

// chaseAndFill runs the limit-chase loop. After the configured number of
// attempts go unfilled it falls back to a market order only if the
// exchange config allows it and the chase isn't post-only; a post-only
// chase that never fills returns an error instead of crossing the spread.
func (e *Executor) chaseAndFill(ctx context.Context, pair string, side types.Side, qty, startPrice decimal.Decimal) (decimal.Decimal, string, error) {
	price := startPrice
	var lastOrderID string

	for attempt := 0; attempt < e.cfg.ChaseAttempts; attempt++ {
		orderID, err := e.adapter.PlaceOrder(ctx, exchange.OrderRequest{
			Pair: pair, Side: side, Kind: exchange.OrderKindLimit, Quantity: qty, Price: price, PostOnly: e.exchangeCfg.PostOnly,
		})
		if err != nil {
			return decimal.Zero, "", err
		}
		lastOrderID = orderID

		deadline := time.Now().Add(e.cfg.ChaseDelay)
		for time.Now().Before(deadline) {
			info, err := e.adapter.OrderInfo(ctx, orderID)
			if err == nil && info.Status == "filled" {
				return info.AvgFillPrice, orderID, nil
			}
			select {
			case <-ctx.Done():
				return decimal.Zero, "", ctx.Err()
			case <-time.After(200 * time.Millisecond):
			}
		}

		_ = e.adapter.CancelOrder(ctx, orderID)
		if ticker, ok := e.cache.GetTicker(pair); ok {
			if side == types.SideBuy {
				price = ticker.Ask
			} else {
				price = ticker.Bid
			}
		}
	}

	if e.exchangeCfg.PostOnly || !e.exchangeCfg.LimitFallbackToMarket {
		return decimal.Zero, lastOrderID, fmt.Errorf("execution: limit chase exhausted %d attempts with no fill and market fallback disabled", e.cfg.ChaseAttempts)
	}

	orderID, err := e.adapter.PlaceOrder(ctx, exchange.OrderRequest{
		Pair: pair, Side: side, Kind: exchange.OrderKindMarket, Quantity: qty,
	})
	if err != nil {
		return decimal.Zero, lastOrderID, err
	}
	info, err := e.adapter.OrderInfo(ctx, orderID)
	if err != nil {
		return decimal.Zero, orderID, err
	}
	return info.AvgFillPrice, orderID, nil
}

func oppositeSide(s types.Side) types.Side {
	if s == types.SideBuy {
		return types.SideSell
	}
	return types.SideBuy
}

func newTradeID(pair string) string {
	return fmt.Sprintf("%s-%s", pair, uuid.New().String())
}
