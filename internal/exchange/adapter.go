package exchange

import (
	"context"
	"time"

	"github.com/novapulse/supervisor/pkg/types"
	"github.com/shopspring/decimal"
)

// OrderKind is the exchange order type requested by the caller.
type OrderKind string

const (
	OrderKindMarket   OrderKind = "market"
	OrderKindLimit    OrderKind = "limit"
	OrderKindStopLoss OrderKind = "stop-loss"
)

// OrderRequest is the normalized input to PlaceOrder.
type OrderRequest struct {
	Pair          string
	Side          types.Side
	Kind          OrderKind
	Quantity      decimal.Decimal
	Price         decimal.Decimal // required for limit/stop-loss
	PostOnly      bool
	ClientOrderID string
}

// OrderInfo is the normalized order state returned by the adapter.
type OrderInfo struct {
	OrderID       string
	ClientOrderID string
	Pair          string
	Side          types.Side
	Kind          OrderKind
	Price         decimal.Decimal
	Quantity      decimal.Decimal
	FilledQty     decimal.Decimal
	AvgFillPrice  decimal.Decimal
	Status        string // "new", "partially_filled", "filled", "canceled", "rejected"
	Ts            time.Time
}

// Channel is a subscribable stream kind.
type Channel string

const (
	ChannelTicker Channel = "ticker"
	ChannelOHLC   Channel = "ohlc"
	ChannelBook   Channel = "book"
	ChannelTrade  Channel = "trade"
)

// TickerEvent, CandleEvent and BookEvent are the unified events an adapter's
// subscribe path pushes to its single consumer.
type TickerEvent struct {
	Ticker types.Ticker
}

type CandleEvent struct {
	Candle types.Candle
	Closed bool
}

type BookEvent struct {
	Book types.BookSnapshot
}

// Event wraps exactly one of TickerEvent, CandleEvent or BookEvent.
type Event struct {
	Ticker *TickerEvent
	Candle *CandleEvent
	Book   *BookEvent
}

// Adapter is the exchange-agnostic contract the supervisor drives. All
// methods are safe for concurrent use. Errors are always *exchange.Error.
type Adapter interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (orderID string, err error)
	CancelOrder(ctx context.Context, orderID string) error // idempotent
	FetchOHLC(ctx context.Context, pair string, timeframeMinutes int, since time.Time, limit int) ([]types.Candle, error)
	OpenOrders(ctx context.Context, pair string) ([]OrderInfo, error)
	OrderInfo(ctx context.Context, orderID string) (OrderInfo, error)
	TradeHistory(ctx context.Context, start, end time.Time) ([]OrderInfo, error)

	// Subscribe registers interest in channels for pair; normalized events
	// are pushed to the consumer supplied at construction time. Subscribe
	// is additive: repeated calls extend the stored subscription set used
	// to resubscribe after a reconnect.
	Subscribe(ctx context.Context, pair string, channels []Channel) error
	IsConnected() bool
}
