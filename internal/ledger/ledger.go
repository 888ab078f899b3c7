// Package ledger provides the durable, append-oriented store behind the
// trading supervisor: trades, the decision thought log, periodic metrics,
// ML training features, order-book snapshots, raw signals, daily summaries,
// and a small system-state KV, all reachable through one Store interface
// regardless of backend.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/novapulse/supervisor/pkg/types"
)

// Thought is one recorded decision-pipeline trace: what the engine saw and
// concluded for a pair at a point in time, independent of whether a trade
// resulted.
type Thought struct {
	Pair      string
	Ts        time.Time
	Signal    types.ConfluenceSignal
	Action    string // "entered", "skipped:<gate_reason>", "neutral"
}

// MetricSample is one named gauge/counter observation.
type MetricSample struct {
	Name  string
	Value float64
	Tags  map[string]string
	Ts    time.Time
}

// MLFeature is one closed trade's feature vector labeled with its outcome,
// captured at close time for offline model training.
type MLFeature struct {
	TradeID  string
	Features map[string]decimalOrFloat
	PnLPct   float64
	Ts       time.Time
}

// decimalOrFloat keeps MLFeature backend-agnostic: features may originate
// as decimal.Decimal or plain float64 depending on caller.
type decimalOrFloat = float64

// BookSnapshotRecord persists one order-book snapshot for later replay.
type BookSnapshotRecord struct {
	Pair string
	Snap types.BookSnapshot
	Ts   time.Time
}

// SignalRecord persists one raw confluence signal, independent of whether
// it passed the gate chain. EventID enables insert-or-ignore idempotency
// for webhook-sourced signals.
type SignalRecord struct {
	EventID string
	Pair    string
	Signal  types.ConfluenceSignal
	Ts      time.Time
}

// DailySummary is the unique-per-(date,tenant) daily rollup.
type DailySummary struct {
	Date       string // YYYY-MM-DD
	Tenant     string
	TradeCount int
	PnLUSD     float64
	WinRate    float64
}

// Store is the full durable-persistence contract. Both the file and
// Postgres backends implement it identically from the caller's point of
// view; execution.Executor and supervisor.Supervisor each only depend on
// the narrow slice of it they actually call.
type Store interface {
	SaveTrade(ctx context.Context, trade types.Trade) error
	OpenTrades(ctx context.Context) ([]types.Trade, error)
	GetTrade(ctx context.Context, tradeID string) (types.Trade, bool, error)

	SaveThought(ctx context.Context, t Thought) error
	SaveMetric(ctx context.Context, m MetricSample) error
	SaveMLFeature(ctx context.Context, f MLFeature) error
	SaveBookSnapshot(ctx context.Context, b BookSnapshotRecord) error
	SaveSignal(ctx context.Context, s SignalRecord) (inserted bool, err error)
	UpsertDailySummary(ctx context.Context, d DailySummary) error

	GetState(ctx context.Context, key string) (string, bool, error)
	SetState(ctx context.Context, key, value string) error

	PurgeOldRecords(ctx context.Context, before time.Time) error
	Close() error
}

// writeLock serializes writers behind a single slot with a bounded wait,
// matching the documented "lock with a bounded wait timeout (30s),
// escalating to a fatal fault" write path. Reads never take it.
type writeLock struct {
	sem     chan struct{}
	timeout time.Duration
}

func newWriteLock(timeout time.Duration) *writeLock {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &writeLock{sem: make(chan struct{}, 1), timeout: timeout}
}

// Acquire blocks until the writer slot is free, ctx is cancelled, or the
// timeout elapses. The returned release func must always be called when
// err is nil.
func (w *writeLock) Acquire(ctx context.Context) (release func(), err error) {
	select {
	case w.sem <- struct{}{}:
		return func() { <-w.sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(w.timeout):
		return nil, fmt.Errorf("ledger: write lock acquisition timed out after %s", w.timeout)
	}
}
