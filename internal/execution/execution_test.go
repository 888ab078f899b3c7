package execution

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/novapulse/supervisor/internal/cache"
	"github.com/novapulse/supervisor/internal/exchange"
	"github.com/novapulse/supervisor/internal/risk"
	"github.com/novapulse/supervisor/pkg/config"
	"github.com/novapulse/supervisor/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeAdapter is a minimal in-memory exchange.Adapter used for exercising
// the entry/exit flows without a real exchange.
type fakeAdapter struct {
	mu        sync.Mutex
	orders    map[string]exchange.OrderInfo
	nextID    int
	fillPrice decimal.Decimal
	placeErr  error
}

func newFakeAdapter(fillPrice decimal.Decimal) *fakeAdapter {
	return &fakeAdapter{orders: make(map[string]exchange.OrderInfo), fillPrice: fillPrice}
}

func (f *fakeAdapter) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return "", f.placeErr
	}
	f.nextID++
	id := "ord-" + string(rune('a'+f.nextID))
	price := req.Price
	if req.Kind == exchange.OrderKindMarket || price.IsZero() {
		price = f.fillPrice
	}
	f.orders[id] = exchange.OrderInfo{
		OrderID: id, Pair: req.Pair, Side: req.Side, Kind: req.Kind,
		Price: price, Quantity: req.Quantity, FilledQty: req.Quantity,
		AvgFillPrice: price, Status: "filled", Ts: time.Now(),
	}
	return id, nil
}

func (f *fakeAdapter) CancelOrder(ctx context.Context, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.orders, orderID)
	return nil
}

func (f *fakeAdapter) FetchOHLC(ctx context.Context, pair string, timeframeMinutes int, since time.Time, limit int) ([]types.Candle, error) {
	return nil, nil
}

func (f *fakeAdapter) OpenOrders(ctx context.Context, pair string) ([]exchange.OrderInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []exchange.OrderInfo
	for _, o := range f.orders {
		if o.Pair == pair {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *fakeAdapter) OrderInfo(ctx context.Context, orderID string) (exchange.OrderInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.orders[orderID]
	if !ok {
		return exchange.OrderInfo{}, &exchange.Error{Kind: exchange.KindInvalidOrder}
	}
	return info, nil
}

func (f *fakeAdapter) TradeHistory(ctx context.Context, start, end time.Time) ([]exchange.OrderInfo, error) {
	return nil, nil
}

func (f *fakeAdapter) Subscribe(ctx context.Context, pair string, channels []exchange.Channel) error {
	return nil
}

func (f *fakeAdapter) IsConnected() bool { return true }

type fakeLedger struct {
	mu     sync.Mutex
	trades map[string]types.Trade
}

func newFakeLedger() *fakeLedger { return &fakeLedger{trades: make(map[string]types.Trade)} }

func (l *fakeLedger) SaveTrade(ctx context.Context, trade types.Trade) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.trades[trade.TradeID] = trade
	return nil
}

func (l *fakeLedger) OpenTrades(ctx context.Context) ([]types.Trade, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []types.Trade
	for _, t := range l.trades {
		if t.Status == types.TradeStatusOpen {
			out = append(out, t)
		}
	}
	return out, nil
}

func testExecutor(t *testing.T, paper bool, adapter *fakeAdapter) (*Executor, *cache.Cache, *risk.Manager, *fakeLedger) {
	t.Helper()
	c := cache.New(zap.NewNop(), cache.DefaultConfig())
	c.UpdateTicker(types.Ticker{Pair: "BTCUSDT", Bid: decimal.NewFromInt(100), Ask: decimal.NewFromInt(100).Add(decimal.NewFromFloat(0.2)), Last: decimal.NewFromInt(100), Ts: time.Now()})

	riskCfg := config.DefaultRiskConfig()
	riskMgr := risk.NewManager(zap.NewNop(), riskCfg, config.DefaultConfluenceConfig())
	ledger := newFakeLedger()

	exec := NewExecutor(zap.NewNop(), config.DefaultTradingConfig(), riskCfg, config.DefaultExchangeConfig(), adapter, c, ledger, riskMgr, paper)
	return exec, c, riskMgr, ledger
}

func TestEnterPaperModeFillsAtTickerWithShiftedStops(t *testing.T) {
	adapter := newFakeAdapter(decimal.NewFromInt(100))
	exec, _, _, ledger := testExecutor(t, true, adapter)

	trade, err := exec.Enter(context.Background(), EntryRequest{
		Pair: "BTCUSDT", Strategy: "trend", Direction: types.DirectionLong,
		Quantity: decimal.NewFromInt(1), PlannedSL: decimal.NewFromInt(98), PlannedTP: decimal.NewFromInt(106),
		Confidence: decimal.NewFromFloat(0.8), MakerFee: decimal.NewFromFloat(0.001), TakerFee: decimal.NewFromFloat(0.001),
	})
	require.NoError(t, err)
	assert.Equal(t, types.TradeStatusOpen, trade.Status)
	assert.True(t, trade.StopLoss.LessThan(trade.EntryPrice))

	stored, ok := exec.Trade(trade.TradeID)
	require.True(t, ok)
	assert.Equal(t, trade.TradeID, stored.TradeID)

	saved, err := ledger.OpenTrades(context.Background())
	require.NoError(t, err)
	require.Len(t, saved, 1)
}

func TestEnterLiveModeChasesThenFillsViaLimit(t *testing.T) {
	adapter := newFakeAdapter(decimal.NewFromInt(100))
	exec, _, riskMgr, _ := testExecutor(t, false, adapter)

	trade, err := exec.Enter(context.Background(), EntryRequest{
		Pair: "BTCUSDT", Strategy: "trend", Direction: types.DirectionLong,
		Quantity: decimal.NewFromInt(1), PlannedSL: decimal.NewFromInt(98), PlannedTP: decimal.NewFromInt(106),
		Confidence: decimal.NewFromFloat(0.8), MakerFee: decimal.NewFromFloat(0.001), TakerFee: decimal.NewFromFloat(0.001),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, trade.Metadata.OrderID)
	assert.NotEmpty(t, trade.Metadata.ExchangeStopID)

	state := riskMgr.State()
	assert.True(t, state.OpenPositions["BTCUSDT"])
}

func TestUpdateTrailingActivatesBreakevenThenTrails(t *testing.T) {
	exec, _, _, _ := testExecutor(t, true, newFakeAdapter(decimal.NewFromInt(100)))

	trade := types.Trade{
		TradeID: "t1", Pair: "BTCUSDT", Side: types.SideBuy, EntryPrice: decimal.NewFromInt(100),
		Quantity: decimal.NewFromInt(1), StopLoss: decimal.NewFromInt(98),
		Trailing: types.TrailingState{InitialSL: decimal.NewFromInt(98), CurrentSL: decimal.NewFromInt(98), TrailingHigh: decimal.NewFromInt(100)},
	}

	exec.updateTrailing(&trade, decimal.NewFromInt(103), unrealizedPnLPct(trade, decimal.NewFromInt(103)))
	assert.True(t, trade.Trailing.BreakevenActivated)
	assert.True(t, trade.Trailing.CurrentSL.GreaterThanOrEqual(decimal.NewFromInt(100)))

	exec.updateTrailing(&trade, decimal.NewFromInt(106), unrealizedPnLPct(trade, decimal.NewFromInt(106)))
	assert.True(t, trade.Trailing.TrailingActivated)
	assert.True(t, trade.Trailing.CurrentSL.GreaterThan(decimal.NewFromInt(100)))
}

func TestUpdateTrailingNeverLoosensStop(t *testing.T) {
	exec, _, _, _ := testExecutor(t, true, newFakeAdapter(decimal.NewFromInt(100)))
	trade := types.Trade{
		Side: types.SideBuy, EntryPrice: decimal.NewFromInt(100),
		Trailing: types.TrailingState{CurrentSL: decimal.NewFromInt(102), TrailingHigh: decimal.NewFromInt(106)},
	}
	before := trade.Trailing.CurrentSL
	exec.updateTrailing(&trade, decimal.NewFromInt(101), unrealizedPnLPct(trade, decimal.NewFromInt(101)))
	assert.True(t, trade.Trailing.CurrentSL.GreaterThanOrEqual(before))
}

func TestApplySmartExitTiersFiresOnceAndReducesQuantity(t *testing.T) {
	adapter := newFakeAdapter(decimal.NewFromInt(100))
	exec, _, _, _ := testExecutor(t, false, adapter)

	trade := types.Trade{
		TradeID: "t1", Pair: "BTCUSDT", Side: types.SideBuy, EntryPrice: decimal.NewFromInt(100),
		Quantity: decimal.NewFromInt(1),
	}
	exec.applySmartExitTiers(context.Background(), &trade, decimal.NewFromFloat(103.5), decimal.NewFromFloat(0.035))
	require.Len(t, trade.Metadata.PartialExits, 1)
	assert.True(t, trade.Quantity.LessThan(decimal.NewFromInt(1)))

	// Second pass at the same PnL level must not re-fire the same tier.
	exec.applySmartExitTiers(context.Background(), &trade, decimal.NewFromFloat(103.5), decimal.NewFromFloat(0.035))
	assert.Len(t, trade.Metadata.PartialExits, 1)
}

func TestStopAndTargetHit(t *testing.T) {
	exec, _, _, _ := testExecutor(t, true, newFakeAdapter(decimal.NewFromInt(100)))
	trade := types.Trade{
		Side: types.SideBuy, TakeProfit: decimal.NewFromInt(110),
		Trailing: types.TrailingState{CurrentSL: decimal.NewFromInt(95)},
	}
	assert.True(t, exec.stopHit(trade, decimal.NewFromInt(94)))
	assert.False(t, exec.stopHit(trade, decimal.NewFromInt(96)))
	assert.True(t, exec.targetHit(trade, decimal.NewFromInt(111)))
	assert.False(t, exec.targetHit(trade, decimal.NewFromInt(109)))
}

func TestNetPnLAccountsForEntryAndExitFees(t *testing.T) {
	trade := types.Trade{
		Side: types.SideBuy, EntryPrice: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(1),
		Fees: decimal.NewFromFloat(0.1), Metadata: types.TradeMetadata{TakerFeeRate: decimal.NewFromFloat(0.001)},
	}
	pnlUSD, pnlPct := netPnL(trade, decimal.NewFromInt(105))
	assert.True(t, pnlUSD.LessThan(decimal.NewFromInt(5)))
	assert.True(t, pnlPct.GreaterThan(decimal.Zero))
}

func TestReconcileReportsGhostAndOrphan(t *testing.T) {
	adapter := newFakeAdapter(decimal.NewFromInt(100))
	exec, _, _, _ := testExecutor(t, false, adapter)

	orphanID, err := adapter.PlaceOrder(context.Background(), exchange.OrderRequest{
		Pair: "BTCUSDT", Side: types.SideSell, Kind: exchange.OrderKindStopLoss, Quantity: decimal.NewFromInt(1), Price: decimal.NewFromInt(90),
	})
	require.NoError(t, err)

	exec.RestoreTrade(types.Trade{
		TradeID: "ghost-1", Pair: "BTCUSDT", Status: types.TradeStatusOpen,
		Metadata: types.TradeMetadata{ExchangeStopID: "missing-order"},
	})

	discrepancies := exec.Reconcile(context.Background(), []string{"BTCUSDT"})
	require.Len(t, discrepancies, 2)

	kinds := map[string]int{}
	for _, d := range discrepancies {
		kinds[d.Kind]++
	}
	assert.Equal(t, 1, kinds["ghost"])
	assert.Equal(t, 1, kinds["orphan"])
	_ = orphanID
}
