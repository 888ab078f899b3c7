package execution

import (
	"context"

	"go.uber.org/zap"
)

// Discrepancy describes one mismatch found while reconciling tracked
// trades against the exchange's live open-order set. Reconciliation only
// reports; it never mutates state on either side.
type Discrepancy struct {
	Kind    string // "ghost" (tracked locally, absent on exchange) or "orphan" (open on exchange, untracked)
	Pair    string
	TradeID string
	OrderID string
}

// Reconcile compares the executor's in-memory open trades against the
// exchange's reported open orders for each pair and returns any mismatches
// found, following the poll-and-diff shape of order status monitoring
// without mutating either side.
func (e *Executor) Reconcile(ctx context.Context, pairs []string) []Discrepancy {
	var discrepancies []Discrepancy

	exchangeOrderIDs := make(map[string]bool)
	for _, pair := range pairs {
		open, err := e.adapter.OpenOrders(ctx, pair)
		if err != nil {
			e.logger.Warn("reconcile: fetch open orders failed", zap.String("pair", pair), zap.Error(err))
			continue
		}
		for _, o := range open {
			exchangeOrderIDs[o.OrderID] = true
		}
	}

	for _, trade := range e.OpenTrades() {
		if trade.Metadata.ExchangeStopID == "" {
			continue
		}
		if !exchangeOrderIDs[trade.Metadata.ExchangeStopID] {
			discrepancies = append(discrepancies, Discrepancy{
				Kind: "ghost", Pair: trade.Pair, TradeID: trade.TradeID, OrderID: trade.Metadata.ExchangeStopID,
			})
		}
		delete(exchangeOrderIDs, trade.Metadata.ExchangeStopID)
	}

	for orderID := range exchangeOrderIDs {
		discrepancies = append(discrepancies, Discrepancy{Kind: "orphan", OrderID: orderID})
	}

	if len(discrepancies) > 0 {
		e.logger.Warn("reconciliation found discrepancies", zap.Int("count", len(discrepancies)))
	}
	return discrepancies
}
