// Package types provides the shared domain records for the trading supervisor.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a trade or order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Direction is the directional call a strategy or confluence signal makes.
type Direction string

const (
	DirectionLong    Direction = "long"
	DirectionShort   Direction = "short"
	DirectionNeutral Direction = "neutral"
)

// TrendRegime classifies the dominant-timeframe trend state.
type TrendRegime string

const (
	TrendRegimeTrend TrendRegime = "trend"
	TrendRegimeRange TrendRegime = "range"
)

// VolRegime buckets realized volatility.
type VolRegime string

const (
	VolRegimeLow VolRegime = "low"
	VolRegimeMid VolRegime = "mid"
	VolRegimeHigh VolRegime = "high"
)

// TradeStatus is the lifecycle state of a durable Trade record.
type TradeStatus string

const (
	TradeStatusOpen      TradeStatus = "open"
	TradeStatusClosed    TradeStatus = "closed"
	TradeStatusCancelled TradeStatus = "cancelled"
	TradeStatusError     TradeStatus = "error"
)

// Candle is one OHLCV bar. t is the bar-open epoch second; bars are
// strictly monotonic within a pair's ring buffer and aligned to the
// buffer's timeframe.
type Candle struct {
	Pair      string          `json:"pair"`
	T         int64           `json:"t"`
	Open      decimal.Decimal `json:"o"`
	High      decimal.Decimal `json:"h"`
	Low       decimal.Decimal `json:"l"`
	Close     decimal.Decimal `json:"c"`
	Volume    decimal.Decimal `json:"v"`
	Closed    bool            `json:"closed"`
}

// Ticker is the latest best bid/ask/last for a pair.
type Ticker struct {
	Pair string          `json:"pair"`
	Bid  decimal.Decimal `json:"bid"`
	Ask  decimal.Decimal `json:"ask"`
	Last decimal.Decimal `json:"last"`
	Ts   time.Time       `json:"ts"`
}

// Mid returns the midpoint of bid/ask, falling back to Last when either
// side is unknown.
func (t Ticker) Mid() decimal.Decimal {
	if t.Bid.IsZero() || t.Ask.IsZero() {
		return t.Last
	}
	return t.Bid.Add(t.Ask).Div(decimal.NewFromInt(2))
}

// SpreadPct returns the bid/ask spread as a fraction of mid price.
func (t Ticker) SpreadPct() decimal.Decimal {
	mid := t.Mid()
	if mid.IsZero() || t.Bid.IsZero() || t.Ask.IsZero() {
		return decimal.Zero
	}
	return t.Ask.Sub(t.Bid).Div(mid)
}

// BookLevel is a single price/size level in an order book snapshot.
type BookLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// BookSnapshot is a sorted top-of-book view: bids descending, asks ascending.
type BookSnapshot struct {
	Pair string      `json:"pair"`
	Bids []BookLevel `json:"bids"`
	Asks []BookLevel `json:"asks"`
	Ts   time.Time   `json:"ts"`
}

// BookAnalysis is the derived microstructure read of a BookSnapshot.
type BookAnalysis struct {
	Pair           string          `json:"pair"`
	OBI            decimal.Decimal `json:"obi"`   // [-1, 1]
	BookScore      decimal.Decimal `json:"book_score"` // [-1, 1]
	SpreadPct      decimal.Decimal `json:"spread_pct"`
	WhaleFlag      bool            `json:"whale_flag"`
	LiquidityScore decimal.Decimal `json:"liquidity_score"`
	Ts             time.Time       `json:"ts"`
}

// StrategySignal is one detector's read for a pair on a given scan.
// Neutral signals (Direction == DirectionNeutral) are never actionable.
type StrategySignal struct {
	Strategy   string                 `json:"strategy"`
	Pair       string                 `json:"pair"`
	Direction  Direction              `json:"direction"`
	Strength   decimal.Decimal        `json:"strength"`   // [0,1]
	Confidence decimal.Decimal        `json:"confidence"` // [0,1]
	EntryHint  decimal.Decimal        `json:"entry_hint"`
	SLHint     decimal.Decimal        `json:"sl_hint"`
	TPHint     decimal.Decimal        `json:"tp_hint"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// ConfluenceSignal is the ConfluenceEngine's aggregated, per-pair verdict.
type ConfluenceSignal struct {
	Pair              string      `json:"pair"`
	Direction         Direction   `json:"direction"`
	Strength          decimal.Decimal `json:"strength"`
	Confidence        decimal.Decimal `json:"confidence"`
	ConfluenceCount   int         `json:"confluence_count"`
	IsSureFire        bool        `json:"is_sure_fire"`
	OBIAgrees         bool        `json:"obi_agrees"`
	Entry             decimal.Decimal `json:"entry"`
	SL                decimal.Decimal `json:"sl"`
	TP                decimal.Decimal `json:"tp"`
	TrendRegime       TrendRegime `json:"trend_regime"`
	VolRegime         VolRegime   `json:"vol_regime"`
	VolLevel          decimal.Decimal `json:"vol_level"` // [0,1]
	VolExpanding      bool        `json:"vol_expanding"`
	TimeframeAgreement decimal.Decimal `json:"timeframe_agreement"`
	Ts                time.Time   `json:"ts"`
}

// TrailingState tracks the evolving stop-loss discipline for an open trade.
// Invariant: CurrentSL tightens monotonically toward price; it never loosens.
type TrailingState struct {
	InitialSL          decimal.Decimal `json:"initial_sl"`
	CurrentSL          decimal.Decimal `json:"current_sl"`
	BreakevenActivated bool            `json:"breakeven_activated"`
	TrailingActivated  bool            `json:"trailing_activated"`
	TrailingHigh       decimal.Decimal `json:"trailing_high"`
	TrailingLow        decimal.Decimal `json:"trailing_low"`
}

// PartialExit records one smart-exit tier fill against a trade.
type PartialExit struct {
	Tier     int             `json:"tier"`
	Price    decimal.Decimal `json:"price"`
	Fraction decimal.Decimal `json:"fraction"`
	PnL      decimal.Decimal `json:"pnl"`
	Ts       time.Time       `json:"ts"`
}

// TradeMetadata carries forward-compatible extension fields per
// spec Design Notes §9 ("explicit metadata map only for extension fields").
type TradeMetadata struct {
	PlannedEntry      decimal.Decimal `json:"planned_entry"`
	FilledEntry       decimal.Decimal `json:"filled_entry"`
	OrderID           string          `json:"order_id,omitempty"`
	ExchangeStopID    string          `json:"exchange_stop_id,omitempty"`
	PartialExits      []PartialExit   `json:"partial_exits,omitempty"`
	MakerFeeRate      decimal.Decimal `json:"maker_fee_rate"`
	TakerFeeRate      decimal.Decimal `json:"taker_fee_rate"`
	RegimeAtEntry     TrendRegime     `json:"regime_at_entry"`
	VolRegimeAtEntry  VolRegime       `json:"vol_regime_at_entry"`
	ExitAttempts      int             `json:"exit_attempts,omitempty"`
	ErrorReason       string          `json:"error_reason,omitempty"`
}

// Trade is the durable record of one position's full lifecycle.
// Trade.TradeID is opaque and globally unique; Trade records are never
// deleted, only transitioned and, on close, finalized.
type Trade struct {
	TradeID      string          `json:"trade_id"`
	Pair         string          `json:"pair"`
	Side         Side            `json:"side"`
	Status       TradeStatus     `json:"status"`
	EntryPrice   decimal.Decimal `json:"entry_price"`
	ExitPrice    decimal.Decimal `json:"exit_price,omitempty"`
	Quantity     decimal.Decimal `json:"quantity"`
	Fees         decimal.Decimal `json:"fees"`
	PnL          decimal.Decimal `json:"pnl"`
	PnLPct       decimal.Decimal `json:"pnl_pct"`
	Strategy     string          `json:"strategy"`
	Confidence   decimal.Decimal `json:"confidence"`
	StopLoss     decimal.Decimal `json:"stop_loss"`
	TakeProfit   decimal.Decimal `json:"take_profit"`
	Trailing     TrailingState   `json:"trailing_state"`
	EntryTime    time.Time       `json:"entry_time"`
	ExitTime     time.Time       `json:"exit_time,omitempty"`
	Metadata     TradeMetadata   `json:"metadata"`
}

// IsLong reports whether the trade's side is a long (buy) position.
func (t *Trade) IsLong() bool { return t.Side == SideBuy }

// RiskState is the in-memory, periodically-snapshotted risk posture.
type RiskState struct {
	Bankroll                 decimal.Decimal            `json:"bankroll"`
	InitialBankroll          decimal.Decimal            `json:"initial_bankroll"`
	PeakBankroll             decimal.Decimal            `json:"peak_bankroll"`
	DailyPnL                 decimal.Decimal            `json:"daily_pnl"`
	DailyLossDay             string                     `json:"daily_loss_day"` // YYYY-MM-DD UTC
	ConsecutiveWins          int                        `json:"consecutive_wins"`
	ConsecutiveLosses        int                        `json:"consecutive_losses"`
	GlobalCooldownUntil      time.Time                  `json:"global_cooldown_until"`
	PerPairCooldownUntil     map[string]time.Time       `json:"per_pair_cooldown_until"`
	PerStrategyCooldownUntil map[string]time.Time       `json:"per_strategy_cooldown_until"`
	OpenPositions            map[string]bool            `json:"open_positions"` // keyed by pair
	TotalExposureUSD         decimal.Decimal            `json:"total_exposure_usd"`
	TradeHistoryWindow       []decimal.Decimal          `json:"trade_history_window"` // recent pnl_pct
}

// NewRiskState returns a zero-value risk state seeded with the given bankroll.
func NewRiskState(bankroll decimal.Decimal) *RiskState {
	return &RiskState{
		Bankroll:                 bankroll,
		InitialBankroll:          bankroll,
		PeakBankroll:             bankroll,
		PerPairCooldownUntil:     make(map[string]time.Time),
		PerStrategyCooldownUntil: make(map[string]time.Time),
		OpenPositions:            make(map[string]bool),
	}
}

// EngineState is the Supervisor's externally-visible lifecycle snapshot.
type EngineState struct {
	Running           bool      `json:"running"`
	Paused            bool      `json:"paused"` // manual
	AutoPauseReason   string    `json:"auto_pause_reason,omitempty"`
	Killed            bool      `json:"killed"`
	WSConnected       bool      `json:"ws_connected"`
	StaleCounterPerPair map[string]int `json:"stale_counter_per_pair"`
	ScanCount         int64     `json:"scan_count"`
	StartedAt         time.Time `json:"started_at"`
}

// Uptime returns the duration since the engine started.
func (e EngineState) Uptime() time.Duration { return time.Since(e.StartedAt) }

// CanOpenNewPositions reports whether the engine currently accepts entries.
func (e EngineState) CanOpenNewPositions() bool {
	return e.Running && !e.Paused && e.AutoPauseReason == "" && !e.Killed
}
