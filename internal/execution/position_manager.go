package execution

import (
	"context"
	"time"

	"github.com/novapulse/supervisor/internal/confluence"
	"github.com/novapulse/supervisor/internal/exchange"
	"github.com/novapulse/supervisor/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// smartExitTier is one partial-close level of the documented smart-exit
// ladder: close Fraction of the remaining position once unrealized PnL
// reaches TriggerPct.
type smartExitTier struct {
	TriggerPct decimal.Decimal
	Fraction   decimal.Decimal
}

var smartExitTiers = []smartExitTier{
	{TriggerPct: decimal.NewFromFloat(0.03), Fraction: decimal.NewFromFloat(0.33)},
	{TriggerPct: decimal.NewFromFloat(0.05), Fraction: decimal.NewFromFloat(0.50)},
}

var (
	breakevenTriggerPct = decimal.NewFromFloat(0.03)
	trailingTriggerPct  = decimal.NewFromFloat(0.05)
	trailingCoefficient = decimal.NewFromFloat(0.40) // fraction of unrealized gain given back before trailing tightens
	stopAmendThreshold  = decimal.NewFromFloat(0.005)
)

// ManagePositions runs one pass of the position-management loop over every
// open trade: stale-data abort, max-duration enforcement, breakeven and
// trailing stop maintenance, smart-exit partial closes, and stop-out/target
// checks. feedback receives the closed-trade outcome so the confluence
// engine's per-strategy tracking stays current.
func (e *Executor) ManagePositions(ctx context.Context, feedback *confluence.Engine) {
	for _, trade := range e.OpenTrades() {
		e.manageOne(ctx, trade, feedback)
	}
}

func (e *Executor) manageOne(ctx context.Context, trade types.Trade, feedback *confluence.Engine) {
	ticker, ok := e.cache.GetTicker(trade.Pair)
	if !ok {
		e.logger.Warn("no ticker for open position, skipping management pass", zap.String("pair", trade.Pair))
		return
	}
	if e.cache.IsStale(trade.Pair, 120*time.Second) {
		e.logger.Warn("stale market data for open position, skipping management pass", zap.String("pair", trade.Pair))
		return
	}

	if time.Since(trade.EntryTime) > e.cfg.MaxPositionDuration {
		e.logger.Info("max position duration exceeded, closing", zap.String("trade_id", trade.TradeID))
		e.exitAndRecord(ctx, trade, "max_duration", feedback)
		return
	}

	price := ticker.Last
	if price.IsZero() {
		price = ticker.Mid()
	}

	unrealizedPct := unrealizedPnLPct(trade, price)

	t := trade
	e.updateTrailing(&t, price, unrealizedPct)
	e.applySmartExitTiers(ctx, &t, price, unrealizedPct)

	e.mu.Lock()
	if stored, ok := e.trades[t.TradeID]; ok {
		stored.Trailing = t.Trailing
		stored.Metadata.PartialExits = t.Metadata.PartialExits
		stored.Quantity = t.Quantity
	}
	e.mu.Unlock()

	if e.stopHit(t, price) {
		e.exitAndRecord(ctx, t, "stop_loss", feedback)
		return
	}
	if e.targetHit(t, price) {
		e.exitAndRecord(ctx, t, "take_profit", feedback)
		return
	}

	if !t.Trailing.CurrentSL.Equal(trade.Trailing.CurrentSL) &&
		t.Trailing.CurrentSL.Sub(trade.Trailing.CurrentSL).Abs().Div(price).GreaterThanOrEqual(stopAmendThreshold) && !e.paper {
		e.amendExchangeStop(ctx, &t)
		e.mu.Lock()
		if stored, ok := e.trades[t.TradeID]; ok {
			stored.Metadata.ExchangeStopID = t.Metadata.ExchangeStopID
		}
		e.mu.Unlock()
	}
}

// unrealizedPnLPct returns the signed fractional unrealized gain/loss
// relative to entry price for the current mark.
func unrealizedPnLPct(trade types.Trade, price decimal.Decimal) decimal.Decimal {
	if trade.EntryPrice.IsZero() {
		return decimal.Zero
	}
	diff := price.Sub(trade.EntryPrice)
	if trade.Side == types.SideSell {
		diff = diff.Neg()
	}
	return diff.Div(trade.EntryPrice)
}

// updateTrailing applies breakeven-at-3% and trailing-at-5% stop discipline.
// CurrentSL only ever tightens toward price, matching TrailingState's
// monotonic invariant.
func (e *Executor) updateTrailing(t *types.Trade, price, unrealizedPct decimal.Decimal) {
	long := t.Side == types.SideBuy

	if long {
		if price.GreaterThan(t.Trailing.TrailingHigh) {
			t.Trailing.TrailingHigh = price
		}
	} else {
		if t.Trailing.TrailingLow.IsZero() || price.LessThan(t.Trailing.TrailingLow) {
			t.Trailing.TrailingLow = price
		}
	}

	if !t.Trailing.BreakevenActivated && unrealizedPct.GreaterThanOrEqual(breakevenTriggerPct) {
		t.Trailing.BreakevenActivated = true
		newSL := t.EntryPrice
		t.Trailing.CurrentSL = tightenOnly(t.Trailing.CurrentSL, newSL, long)
	}

	if unrealizedPct.GreaterThanOrEqual(trailingTriggerPct) {
		t.Trailing.TrailingActivated = true
	}
	if t.Trailing.TrailingActivated {
		var candidate decimal.Decimal
		if long {
			gain := t.Trailing.TrailingHigh.Sub(t.EntryPrice)
			candidate = t.Trailing.TrailingHigh.Sub(gain.Mul(trailingCoefficient))
		} else {
			gain := t.EntryPrice.Sub(t.Trailing.TrailingLow)
			candidate = t.Trailing.TrailingLow.Add(gain.Mul(trailingCoefficient))
		}
		t.Trailing.CurrentSL = tightenOnly(t.Trailing.CurrentSL, candidate, long)
	}
}

// tightenOnly returns whichever of current/candidate is closer to price in
// the trade's favor, preserving the never-loosens invariant.
func tightenOnly(current, candidate decimal.Decimal, long bool) decimal.Decimal {
	if long {
		if candidate.GreaterThan(current) {
			return candidate
		}
		return current
	}
	if current.IsZero() || candidate.LessThan(current) {
		return candidate
	}
	return current
}

// applySmartExitTiers closes the configured fraction of the remaining
// position the first time unrealized PnL crosses each tier's trigger.
func (e *Executor) applySmartExitTiers(ctx context.Context, t *types.Trade, price, unrealizedPct decimal.Decimal) {
	for i, tier := range smartExitTiers {
		if unrealizedPct.LessThan(tier.TriggerPct) {
			continue
		}
		if tierAlreadyFired(t.Metadata.PartialExits, i+1) {
			continue
		}

		closeQty := t.Quantity.Mul(tier.Fraction)
		if closeQty.LessThanOrEqual(decimal.Zero) {
			continue
		}

		if !e.paper {
			_, err := e.adapter.PlaceOrder(ctx, exchange.OrderRequest{
				Pair: t.Pair, Side: oppositeSide(t.Side), Kind: exchange.OrderKindMarket, Quantity: closeQty,
			})
			if err != nil {
				e.logger.Warn("smart-exit partial close order failed", zap.String("trade_id", t.TradeID), zap.Int("tier", i+1), zap.Error(err))
				continue
			}
		}

		pnl := closeQty.Mul(price.Sub(t.EntryPrice))
		if t.Side == types.SideSell {
			pnl = closeQty.Mul(t.EntryPrice.Sub(price))
		}

		t.Quantity = t.Quantity.Sub(closeQty)
		t.Metadata.PartialExits = append(t.Metadata.PartialExits, types.PartialExit{
			Tier: i + 1, Price: price, Fraction: tier.Fraction, PnL: pnl, Ts: time.Now(),
		})

		e.logger.Info("smart-exit tier fired",
			zap.String("trade_id", t.TradeID), zap.Int("tier", i+1), zap.String("qty", closeQty.String()))
	}
}

func tierAlreadyFired(exits []types.PartialExit, tier int) bool {
	for _, ex := range exits {
		if ex.Tier == tier {
			return true
		}
	}
	return false
}

func (e *Executor) stopHit(t types.Trade, price decimal.Decimal) bool {
	if t.Side == types.SideBuy {
		return price.LessThanOrEqual(t.Trailing.CurrentSL)
	}
	return price.GreaterThanOrEqual(t.Trailing.CurrentSL)
}

func (e *Executor) targetHit(t types.Trade, price decimal.Decimal) bool {
	if t.TakeProfit.IsZero() {
		return false
	}
	if t.Side == types.SideBuy {
		return price.GreaterThanOrEqual(t.TakeProfit)
	}
	return price.LessThanOrEqual(t.TakeProfit)
}

// amendExchangeStop cancels the existing exchange-native stop order and
// replaces it at the trailed stop price; exchanges generally do not support
// in-place amendment of a resting stop order.
func (e *Executor) amendExchangeStop(ctx context.Context, t *types.Trade) {
	if t.Metadata.ExchangeStopID != "" {
		if err := e.adapter.CancelOrder(ctx, t.Metadata.ExchangeStopID); err != nil {
			e.logger.Warn("cancel stale exchange stop failed", zap.String("trade_id", t.TradeID), zap.Error(err))
		}
	}
	stopID, err := e.adapter.PlaceOrder(ctx, exchange.OrderRequest{
		Pair: t.Pair, Side: oppositeSide(t.Side), Kind: exchange.OrderKindStopLoss,
		Quantity: t.Quantity, Price: t.Trailing.CurrentSL,
	})
	if err != nil {
		e.logger.Warn("replace exchange stop failed", zap.String("trade_id", t.TradeID), zap.Error(err))
		t.Metadata.ExchangeStopID = ""
		return
	}
	t.Metadata.ExchangeStopID = stopID
}
