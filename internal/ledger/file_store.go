package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/novapulse/supervisor/pkg/types"
	"go.uber.org/zap"
)

// FileStore is the default ledger backend: one append-only JSONL file per
// log record kind under dataDir, plus whole-file JSON snapshots for system
// state, daily summaries and trades; trades.json is rewritten whole on every
// trade mutation so OpenTrades never needs a full log scan.
// Mirrors the cache-then-file persistence shape used for historical market
// data elsewhere in this codebase, generalized to multiple record kinds and
// a single serialized writer.
type FileStore struct {
	mu      sync.RWMutex
	wlock   *writeLock
	logger  *zap.Logger
	dataDir string

	trades    map[string]types.Trade
	state     map[string]string
	seenEvent map[string]bool
}

// NewFileStore creates dataDir if needed and loads the current trades
// snapshot, state KV, and signal event-id set into memory.
func NewFileStore(logger *zap.Logger, dataDir string, writeTimeout time.Duration) (*FileStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("ledger: create data dir: %w", err)
	}
	fs := &FileStore{
		wlock:     newWriteLock(writeTimeout),
		logger:    logger,
		dataDir:   dataDir,
		trades:    make(map[string]types.Trade),
		state:     make(map[string]string),
		seenEvent: make(map[string]bool),
	}
	if err := fs.loadTrades(); err != nil {
		return nil, err
	}
	if err := fs.loadState(); err != nil {
		return nil, err
	}
	if err := fs.loadSeenEvents(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (fs *FileStore) path(name string) string {
	return filepath.Join(fs.dataDir, name)
}

func (fs *FileStore) loadTrades() error {
	data, err := os.ReadFile(fs.path("trades.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("ledger: read trades snapshot: %w", err)
	}
	var list []types.Trade
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("ledger: parse trades snapshot: %w", err)
	}
	for _, t := range list {
		fs.trades[t.TradeID] = t
	}
	return nil
}

func (fs *FileStore) loadState() error {
	data, err := os.ReadFile(fs.path("system_state.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("ledger: read system state: %w", err)
	}
	return json.Unmarshal(data, &fs.state)
}

func (fs *FileStore) loadSeenEvents() error {
	f, err := os.Open(fs.path("signals.jsonl"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("ledger: read signals log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var rec SignalRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		if rec.EventID != "" {
			fs.seenEvent[rec.EventID] = true
		}
	}
	return scanner.Err()
}

func (fs *FileStore) writeTradesSnapshotLocked() error {
	list := make([]types.Trade, 0, len(fs.trades))
	for _, t := range fs.trades {
		list = append(list, t)
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("ledger: marshal trades snapshot: %w", err)
	}
	tmp := fs.path("trades.json.tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("ledger: write trades snapshot: %w", err)
	}
	return os.Rename(tmp, fs.path("trades.json"))
}

func appendJSONLine(path string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("ledger: marshal record: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("ledger: open log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("ledger: append record: %w", err)
	}
	return nil
}

// SaveTrade upserts the trade into the in-memory snapshot and persists it.
// The open->closed status transition is idempotent: saving an already
// closed trade with the same status is a harmless overwrite with identical
// data, satisfying the at-most-once close contract.
func (fs *FileStore) SaveTrade(ctx context.Context, trade types.Trade) error {
	release, err := fs.wlock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	defer release()

	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.trades[trade.TradeID] = trade
	return fs.writeTradesSnapshotLocked()
}

// OpenTrades returns all trades currently in open status.
func (fs *FileStore) OpenTrades(ctx context.Context) ([]types.Trade, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	var out []types.Trade
	for _, t := range fs.trades {
		if t.Status == types.TradeStatusOpen {
			out = append(out, t)
		}
	}
	return out, nil
}

// GetTrade looks up a single trade by id.
func (fs *FileStore) GetTrade(ctx context.Context, tradeID string) (types.Trade, bool, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	t, ok := fs.trades[tradeID]
	return t, ok, nil
}

func (fs *FileStore) SaveThought(ctx context.Context, t Thought) error {
	release, err := fs.wlock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	defer release()
	return appendJSONLine(fs.path("thought_log.jsonl"), t)
}

func (fs *FileStore) SaveMetric(ctx context.Context, m MetricSample) error {
	release, err := fs.wlock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	defer release()
	return appendJSONLine(fs.path("metrics.jsonl"), m)
}

func (fs *FileStore) SaveMLFeature(ctx context.Context, f MLFeature) error {
	release, err := fs.wlock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	defer release()
	return appendJSONLine(fs.path("ml_features.jsonl"), f)
}

func (fs *FileStore) SaveBookSnapshot(ctx context.Context, b BookSnapshotRecord) error {
	release, err := fs.wlock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	defer release()
	return appendJSONLine(fs.path("order_book_snapshots.jsonl"), b)
}

// SaveSignal appends the signal record unless its event id has already been
// seen, giving webhook-sourced signals insert-or-ignore idempotency.
func (fs *FileStore) SaveSignal(ctx context.Context, s SignalRecord) (bool, error) {
	release, err := fs.wlock.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("ledger: %w", err)
	}
	defer release()

	fs.mu.Lock()
	if s.EventID != "" && fs.seenEvent[s.EventID] {
		fs.mu.Unlock()
		return false, nil
	}
	if s.EventID != "" {
		fs.seenEvent[s.EventID] = true
	}
	fs.mu.Unlock()

	if err := appendJSONLine(fs.path("signals.jsonl"), s); err != nil {
		return false, err
	}
	return true, nil
}

// UpsertDailySummary rewrites daily_summary.json with the given date+tenant
// row replaced or inserted, preserving the unique-by-(date,tenant) contract.
func (fs *FileStore) UpsertDailySummary(ctx context.Context, d DailySummary) error {
	release, err := fs.wlock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	defer release()

	fs.mu.Lock()
	defer fs.mu.Unlock()

	path := fs.path("daily_summary.json")
	var rows []DailySummary
	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, &rows)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("ledger: read daily summary: %w", err)
	}

	replaced := false
	for i, r := range rows {
		if r.Date == d.Date && r.Tenant == d.Tenant {
			rows[i] = d
			replaced = true
			break
		}
	}
	if !replaced {
		rows = append(rows, d)
	}

	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return fmt.Errorf("ledger: marshal daily summary: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

func (fs *FileStore) GetState(ctx context.Context, key string) (string, bool, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	v, ok := fs.state[key]
	return v, ok, nil
}

func (fs *FileStore) SetState(ctx context.Context, key, value string) error {
	release, err := fs.wlock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	defer release()

	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.state[key] = value

	data, err := json.MarshalIndent(fs.state, "", "  ")
	if err != nil {
		return fmt.Errorf("ledger: marshal system state: %w", err)
	}
	return os.WriteFile(fs.path("system_state.json"), data, 0644)
}

// PurgeOldRecords drops trades.json entries closed before the cutoff. The
// append-only logs (thought_log, metrics, ml_features, order_book_snapshots,
// signals) are left for an offline compaction job; this keeps the hot-path
// trades snapshot from growing unbounded across long-running deployments.
func (fs *FileStore) PurgeOldRecords(ctx context.Context, before time.Time) error {
	release, err := fs.wlock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	defer release()

	fs.mu.Lock()
	defer fs.mu.Unlock()
	for id, t := range fs.trades {
		if t.Status != types.TradeStatusOpen && !t.ExitTime.IsZero() && t.ExitTime.Before(before) {
			delete(fs.trades, id)
		}
	}
	return fs.writeTradesSnapshotLocked()
}

// Close is a no-op for the file backend; every write has already been handed
// to the OS by os.WriteFile/os.Rename when it returns (no explicit fsync).
func (fs *FileStore) Close() error { return nil }
