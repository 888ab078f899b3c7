package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/novapulse/supervisor/pkg/types"
	"go.uber.org/zap"
)

// PostgresStore is the durable backend for deployments that need a real
// database behind the ledger: concurrent readers across multiple processes,
// SQL-level reporting over trades and signals, and a recovery story that
// doesn't depend on the local filesystem. Writes still funnel through the
// same single-writer lock as FileStore; Postgres's own row locking is not a
// substitute for that, since the documented contract is about the ledger's
// logical write ordering, not row-level contention.
type PostgresStore struct {
	db     *sqlx.DB
	wlock  *writeLock
	logger *zap.Logger
}

// NewPostgresStore opens dsn and creates the schema if it does not exist.
func NewPostgresStore(logger *zap.Logger, dsn string, writeTimeout time.Duration) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: connect postgres: %w", err)
	}
	ps := &PostgresStore{db: db, wlock: newWriteLock(writeTimeout), logger: logger}
	if err := ps.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return ps, nil
}

func (ps *PostgresStore) migrate() error {
	_, err := ps.db.Exec(schemaSQL)
	if err != nil {
		return fmt.Errorf("ledger: migrate schema: %w", err)
	}
	return nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS trades (
	trade_id    TEXT PRIMARY KEY,
	pair        TEXT NOT NULL,
	side        TEXT NOT NULL,
	status      TEXT NOT NULL,
	entry_price NUMERIC NOT NULL,
	exit_price  NUMERIC,
	quantity    NUMERIC NOT NULL,
	fees        NUMERIC NOT NULL,
	pnl         NUMERIC NOT NULL,
	pnl_pct     NUMERIC NOT NULL,
	strategy    TEXT NOT NULL,
	confidence  NUMERIC NOT NULL,
	stop_loss   NUMERIC NOT NULL,
	take_profit NUMERIC NOT NULL,
	payload     JSONB NOT NULL,
	entry_time  TIMESTAMPTZ NOT NULL,
	exit_time   TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS thought_log (
	id      BIGSERIAL PRIMARY KEY,
	pair    TEXT NOT NULL,
	ts      TIMESTAMPTZ NOT NULL,
	action  TEXT NOT NULL,
	payload JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS metrics (
	id    BIGSERIAL PRIMARY KEY,
	name  TEXT NOT NULL,
	value DOUBLE PRECISION NOT NULL,
	tags  JSONB,
	ts    TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS ml_features (
	id        BIGSERIAL PRIMARY KEY,
	trade_id  TEXT NOT NULL,
	features  JSONB NOT NULL,
	pnl_pct   DOUBLE PRECISION NOT NULL,
	ts        TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS order_book_snapshots (
	id      BIGSERIAL PRIMARY KEY,
	pair    TEXT NOT NULL,
	payload JSONB NOT NULL,
	ts      TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS signals (
	event_id TEXT PRIMARY KEY,
	pair     TEXT NOT NULL,
	payload  JSONB NOT NULL,
	ts       TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS daily_summary (
	date        TEXT NOT NULL,
	tenant      TEXT NOT NULL,
	trade_count INTEGER NOT NULL,
	pnl_usd     DOUBLE PRECISION NOT NULL,
	win_rate    DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (date, tenant)
);
CREATE TABLE IF NOT EXISTS system_state (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

func (ps *PostgresStore) SaveTrade(ctx context.Context, trade types.Trade) error {
	release, err := ps.wlock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	defer release()

	payload, err := json.Marshal(trade)
	if err != nil {
		return fmt.Errorf("ledger: marshal trade payload: %w", err)
	}

	var exitPrice, exitTime interface{}
	if !trade.ExitPrice.IsZero() {
		exitPrice = trade.ExitPrice.String()
	}
	if !trade.ExitTime.IsZero() {
		exitTime = trade.ExitTime
	}

	_, err = ps.db.ExecContext(ctx, `
		INSERT INTO trades (trade_id, pair, side, status, entry_price, exit_price,
			quantity, fees, pnl, pnl_pct, strategy, confidence, stop_loss, take_profit,
			payload, entry_time, exit_time)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		ON CONFLICT (trade_id) DO UPDATE SET
			status = EXCLUDED.status,
			exit_price = EXCLUDED.exit_price,
			fees = EXCLUDED.fees,
			pnl = EXCLUDED.pnl,
			pnl_pct = EXCLUDED.pnl_pct,
			payload = EXCLUDED.payload,
			exit_time = EXCLUDED.exit_time
	`, trade.TradeID, trade.Pair, string(trade.Side), string(trade.Status),
		trade.EntryPrice.String(), exitPrice, trade.Quantity.String(), trade.Fees.String(),
		trade.PnL.String(), trade.PnLPct.String(), trade.Strategy, trade.Confidence.String(),
		trade.StopLoss.String(), trade.TakeProfit.String(), payload, trade.EntryTime, exitTime)
	if err != nil {
		return fmt.Errorf("ledger: upsert trade: %w", err)
	}
	return nil
}

func (ps *PostgresStore) OpenTrades(ctx context.Context) ([]types.Trade, error) {
	rows, err := ps.db.QueryContext(ctx, `SELECT payload FROM trades WHERE status = $1`, string(types.TradeStatusOpen))
	if err != nil {
		return nil, fmt.Errorf("ledger: query open trades: %w", err)
	}
	defer rows.Close()

	var out []types.Trade
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("ledger: scan trade: %w", err)
		}
		var t types.Trade
		if err := json.Unmarshal(payload, &t); err != nil {
			return nil, fmt.Errorf("ledger: unmarshal trade: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (ps *PostgresStore) GetTrade(ctx context.Context, tradeID string) (types.Trade, bool, error) {
	var payload []byte
	err := ps.db.QueryRowContext(ctx, `SELECT payload FROM trades WHERE trade_id = $1`, tradeID).Scan(&payload)
	if err == sql.ErrNoRows {
		return types.Trade{}, false, nil
	}
	if err != nil {
		return types.Trade{}, false, fmt.Errorf("ledger: get trade: %w", err)
	}
	var t types.Trade
	if err := json.Unmarshal(payload, &t); err != nil {
		return types.Trade{}, false, fmt.Errorf("ledger: unmarshal trade: %w", err)
	}
	return t, true, nil
}

func (ps *PostgresStore) SaveThought(ctx context.Context, t Thought) error {
	release, err := ps.wlock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	defer release()

	payload, err := json.Marshal(t.Signal)
	if err != nil {
		return fmt.Errorf("ledger: marshal thought payload: %w", err)
	}
	_, err = ps.db.ExecContext(ctx, `INSERT INTO thought_log (pair, ts, action, payload) VALUES ($1,$2,$3,$4)`,
		t.Pair, t.Ts, t.Action, payload)
	if err != nil {
		return fmt.Errorf("ledger: insert thought: %w", err)
	}
	return nil
}

func (ps *PostgresStore) SaveMetric(ctx context.Context, m MetricSample) error {
	release, err := ps.wlock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	defer release()

	tags, err := json.Marshal(m.Tags)
	if err != nil {
		return fmt.Errorf("ledger: marshal metric tags: %w", err)
	}
	_, err = ps.db.ExecContext(ctx, `INSERT INTO metrics (name, value, tags, ts) VALUES ($1,$2,$3,$4)`,
		m.Name, m.Value, tags, m.Ts)
	if err != nil {
		return fmt.Errorf("ledger: insert metric: %w", err)
	}
	return nil
}

func (ps *PostgresStore) SaveMLFeature(ctx context.Context, f MLFeature) error {
	release, err := ps.wlock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	defer release()

	features, err := json.Marshal(f.Features)
	if err != nil {
		return fmt.Errorf("ledger: marshal ml features: %w", err)
	}
	_, err = ps.db.ExecContext(ctx, `INSERT INTO ml_features (trade_id, features, pnl_pct, ts) VALUES ($1,$2,$3,$4)`,
		f.TradeID, features, f.PnLPct, f.Ts)
	if err != nil {
		return fmt.Errorf("ledger: insert ml feature: %w", err)
	}
	return nil
}

func (ps *PostgresStore) SaveBookSnapshot(ctx context.Context, b BookSnapshotRecord) error {
	release, err := ps.wlock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	defer release()

	payload, err := json.Marshal(b.Snap)
	if err != nil {
		return fmt.Errorf("ledger: marshal book snapshot: %w", err)
	}
	_, err = ps.db.ExecContext(ctx, `INSERT INTO order_book_snapshots (pair, payload, ts) VALUES ($1,$2,$3)`,
		b.Pair, payload, b.Ts)
	if err != nil {
		return fmt.Errorf("ledger: insert book snapshot: %w", err)
	}
	return nil
}

// SaveSignal relies on the event_id primary key plus ON CONFLICT DO NOTHING
// for insert-or-ignore webhook idempotency, reporting whether a new row was
// actually written.
func (ps *PostgresStore) SaveSignal(ctx context.Context, s SignalRecord) (bool, error) {
	release, err := ps.wlock.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("ledger: %w", err)
	}
	defer release()

	payload, err := json.Marshal(s.Signal)
	if err != nil {
		return false, fmt.Errorf("ledger: marshal signal payload: %w", err)
	}
	res, err := ps.db.ExecContext(ctx, `
		INSERT INTO signals (event_id, pair, payload, ts) VALUES ($1,$2,$3,$4)
		ON CONFLICT (event_id) DO NOTHING
	`, s.EventID, s.Pair, payload, s.Ts)
	if err != nil {
		return false, fmt.Errorf("ledger: insert signal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ledger: rows affected: %w", err)
	}
	return n > 0, nil
}

func (ps *PostgresStore) UpsertDailySummary(ctx context.Context, d DailySummary) error {
	release, err := ps.wlock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	defer release()

	_, err = ps.db.ExecContext(ctx, `
		INSERT INTO daily_summary (date, tenant, trade_count, pnl_usd, win_rate)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (date, tenant) DO UPDATE SET
			trade_count = EXCLUDED.trade_count,
			pnl_usd = EXCLUDED.pnl_usd,
			win_rate = EXCLUDED.win_rate
	`, d.Date, d.Tenant, d.TradeCount, d.PnLUSD, d.WinRate)
	if err != nil {
		return fmt.Errorf("ledger: upsert daily summary: %w", err)
	}
	return nil
}

func (ps *PostgresStore) GetState(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := ps.db.QueryRowContext(ctx, `SELECT value FROM system_state WHERE key = $1`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("ledger: get state: %w", err)
	}
	return value, true, nil
}

func (ps *PostgresStore) SetState(ctx context.Context, key, value string) error {
	release, err := ps.wlock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	defer release()

	_, err = ps.db.ExecContext(ctx, `
		INSERT INTO system_state (key, value) VALUES ($1,$2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("ledger: set state: %w", err)
	}
	return nil
}

// PurgeOldRecords deletes closed trades and append-only log rows older than
// the cutoff, across all record kinds, in one writer-serialized pass.
func (ps *PostgresStore) PurgeOldRecords(ctx context.Context, before time.Time) error {
	release, err := ps.wlock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	defer release()

	if _, err := ps.db.ExecContext(ctx,
		`DELETE FROM trades WHERE status != $1 AND exit_time IS NOT NULL AND exit_time < $2`,
		string(types.TradeStatusOpen), before); err != nil {
		return fmt.Errorf("ledger: purge trades: %w", err)
	}

	logTables := []string{"thought_log", "metrics", "ml_features", "order_book_snapshots", "signals"}
	for _, table := range logTables {
		if _, err := ps.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE ts < $1`, table), before); err != nil {
			return fmt.Errorf("ledger: purge %s: %w", table, err)
		}
	}
	return nil
}

func (ps *PostgresStore) Close() error {
	return ps.db.Close()
}
