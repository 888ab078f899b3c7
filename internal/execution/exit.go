package execution

import (
	"context"
	"errors"
	"time"

	"github.com/novapulse/supervisor/internal/confluence"
	"github.com/novapulse/supervisor/internal/exchange"
	"github.com/novapulse/supervisor/internal/risk"
	"github.com/novapulse/supervisor/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// exitAndRecord runs the exit flow for one trade and, on success, feeds the
// outcome back into the risk manager and the confluence engine's
// per-strategy performance tracking.
func (e *Executor) exitAndRecord(ctx context.Context, trade types.Trade, reason string, feedback *confluence.Engine) {
	exitPrice, err := e.closePosition(ctx, trade)
	if err != nil {
		e.logger.Error("exit flow exhausted retries, leaving position open for reconciliation",
			zap.String("trade_id", trade.TradeID), zap.String("reason", reason), zap.Error(err))
		return
	}

	closed := trade
	closed.Status = types.TradeStatusClosed
	closed.ExitPrice = exitPrice
	closed.ExitTime = time.Now()
	closed.PnL, closed.PnLPct = netPnL(closed, exitPrice)

	if err := e.ledger.SaveTrade(ctx, closed); err != nil {
		e.logger.Error("persist closed trade failed", zap.String("trade_id", trade.TradeID), zap.Error(err))
	}

	e.mu.Lock()
	delete(e.trades, trade.TradeID)
	e.mu.Unlock()

	e.riskMgr.CloseSide(risk.CloseResult{
		Pair: trade.Pair, SizeUSD: trade.EntryPrice.Mul(trade.Quantity),
		PnLUSD: closed.PnL, PnLPct: closed.PnLPct, ClosedAt: closed.ExitTime,
	})

	if feedback != nil {
		feedback.RecordTradeResult(trade.Strategy, confluence.Regime{
			Trend: trade.Metadata.RegimeAtEntry, Vol: trade.Metadata.VolRegimeAtEntry,
		}, closed.PnLPct, closed.ExitTime)
	}

	e.logger.Info("position closed",
		zap.String("trade_id", trade.TradeID), zap.String("reason", reason),
		zap.String("pnl", closed.PnL.String()), zap.String("pnl_pct", closed.PnLPct.String()))
}

// CloseAll runs the exit flow for every currently tracked open trade,
// serving both the control plane's close_all() command and an emergency
// circuit-breaker close-all.
func (e *Executor) CloseAll(ctx context.Context, reason string, feedback *confluence.Engine) {
	for _, trade := range e.OpenTrades() {
		e.exitAndRecord(ctx, trade, reason, feedback)
	}
}

// closePosition cancels any resting exchange stop and market-exits the
// remaining quantity, honoring the bounded retry ladder: authentication and
// invalid-order errors are terminal, rate-limited errors honor RetryAfter,
// everything else backs off exponentially up to ExitRetryAttempts tries.
func (e *Executor) closePosition(ctx context.Context, trade types.Trade) (decimal.Decimal, error) {
	if trade.Metadata.ExchangeStopID != "" && !e.paper {
		if err := e.adapter.CancelOrder(ctx, trade.Metadata.ExchangeStopID); err != nil {
			e.logger.Warn("cancel stop before exit failed, continuing", zap.String("trade_id", trade.TradeID), zap.Error(err))
		}
	}

	if e.paper {
		ticker, ok := e.cache.GetTicker(trade.Pair)
		if !ok {
			return decimal.Zero, &exchange.Error{Kind: exchange.KindTransient}
		}
		price := ticker.Mid()
		if trade.Side == types.SideBuy {
			price = ticker.Bid
		} else {
			price = ticker.Ask
		}
		return price, nil
	}

	side := oppositeSide(trade.Side)
	var lastErr error
	for attempt := 0; attempt < e.cfg.ExitRetryAttempts; attempt++ {
		orderID, err := e.adapter.PlaceOrder(ctx, exchange.OrderRequest{
			Pair: trade.Pair, Side: side, Kind: exchange.OrderKindMarket, Quantity: trade.Quantity,
		})
		if err == nil {
			info, infoErr := e.adapter.OrderInfo(ctx, orderID)
			if infoErr == nil {
				return info.AvgFillPrice, nil
			}
			lastErr = infoErr
		} else {
			lastErr = err
		}

		var exchErr *exchange.Error
		if ok := errors.As(lastErr, &exchErr); ok {
			switch exchErr.Kind {
			case exchange.KindAuthError, exchange.KindInvalidOrder:
				return decimal.Zero, lastErr
			case exchange.KindRateLimited:
				wait := exchErr.RetryAfter
				if wait <= 0 {
					wait = exchange.Backoff(e.cfg.ExitRetryBackoff, 30*time.Second, attempt, 200*time.Millisecond)
				}
				select {
				case <-ctx.Done():
					return decimal.Zero, ctx.Err()
				case <-time.After(wait):
				}
				continue
			}
		}

		wait := exchange.Backoff(e.cfg.ExitRetryBackoff, 30*time.Second, attempt, 200*time.Millisecond)
		select {
		case <-ctx.Done():
			return decimal.Zero, ctx.Err()
		case <-time.After(wait):
		}
	}
	return decimal.Zero, lastErr
}

// netPnL returns absolute and fractional PnL net of entry and notional
// exit fees estimated at the trade's recorded taker rate.
func netPnL(trade types.Trade, exitPrice decimal.Decimal) (pnlUSD, pnlPct decimal.Decimal) {
	gross := exitPrice.Sub(trade.EntryPrice).Mul(trade.Quantity)
	if trade.Side == types.SideSell {
		gross = trade.EntryPrice.Sub(exitPrice).Mul(trade.Quantity)
	}
	exitFee := exitPrice.Mul(trade.Quantity).Mul(trade.Metadata.TakerFeeRate)
	pnlUSD = gross.Sub(trade.Fees).Sub(exitFee)

	notional := trade.EntryPrice.Mul(trade.Quantity)
	if notional.IsZero() {
		return pnlUSD, decimal.Zero
	}
	return pnlUSD, pnlUSD.Div(notional)
}
