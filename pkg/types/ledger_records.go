package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ThoughtEntry is one line of the audit-facing "thought log": every
// gate rejection, auto-pause, and control-plane action is recorded here
// so the external dashboard (out of scope) can explain engine behavior.
type ThoughtEntry struct {
	Ts      time.Time `json:"ts"`
	Pair    string    `json:"pair,omitempty"`
	Kind    string    `json:"kind"` // e.g. "gate_reject", "auto_pause", "control"
	Message string    `json:"message"`
}

// MetricPoint is a single scalar sample recorded to the metrics table
// (mirrors what internal/telemetry also exports to Prometheus, but the
// ledger keeps its own durable history independent of process uptime).
type MetricPoint struct {
	Ts    time.Time `json:"ts"`
	Name  string    `json:"name"`
	Value float64   `json:"value"`
	Pair  string    `json:"pair,omitempty"`
}

// MLFeatureRow is a best-effort feature capture labeled at trade close;
// consumed by the (out-of-scope) ML trainer subprocess.
type MLFeatureRow struct {
	TradeID  string                 `json:"trade_id"`
	Ts       time.Time              `json:"ts"`
	Features map[string]float64     `json:"features"`
	Label    *decimal.Decimal       `json:"label,omitempty"` // pnl_pct, set at close
}

// OrderBookSnapshotRow persists a BookSnapshot alongside a trade for
// post-hoc review.
type OrderBookSnapshotRow struct {
	TradeID  string       `json:"trade_id,omitempty"`
	Snapshot BookSnapshot `json:"snapshot"`
}

// SignalRow persists a StrategySignal for audit/replay.
type SignalRow struct {
	Ts     time.Time      `json:"ts"`
	Signal StrategySignal `json:"signal"`
}

// DailySummary is unique per (Date, Tenant).
type DailySummary struct {
	Date        string          `json:"date"` // YYYY-MM-DD UTC
	Tenant      string          `json:"tenant"`
	TradesOpened int            `json:"trades_opened"`
	TradesClosed int            `json:"trades_closed"`
	GrossPnL    decimal.Decimal `json:"gross_pnl"`
	Fees        decimal.Decimal `json:"fees"`
	NetPnL      decimal.Decimal `json:"net_pnl"`
	WinRate     decimal.Decimal `json:"win_rate"`
}
