package ledger

import (
	"context"
	"encoding/json"
	"os"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/novapulse/supervisor/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testTrade(id string, status types.TradeStatus) types.Trade {
	return types.Trade{
		TradeID:    id,
		Pair:       "BTCUSDT",
		Side:       types.SideBuy,
		Status:     status,
		EntryPrice: decimal.NewFromFloat(50000),
		Quantity:   decimal.NewFromFloat(0.1),
		Fees:       decimal.NewFromFloat(5),
		PnL:        decimal.Zero,
		PnLPct:     decimal.Zero,
		Strategy:   "confluence",
		Confidence: decimal.NewFromFloat(0.8),
		StopLoss:   decimal.NewFromFloat(49000),
		TakeProfit: decimal.NewFromFloat(52000),
		EntryTime:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()
	fs, err := NewFileStore(zap.NewNop(), t.TempDir(), time.Second)
	require.NoError(t, err)
	return fs
}

func TestFileStoreSaveAndOpenTrades(t *testing.T) {
	fs := newTestFileStore(t)
	ctx := context.Background()

	require.NoError(t, fs.SaveTrade(ctx, testTrade("t1", types.TradeStatusOpen)))
	require.NoError(t, fs.SaveTrade(ctx, testTrade("t2", types.TradeStatusClosed)))

	open, err := fs.OpenTrades(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "t1", open[0].TradeID)
}

func TestFileStoreSaveTradeIsIdempotentOnClose(t *testing.T) {
	fs := newTestFileStore(t)
	ctx := context.Background()

	trade := testTrade("t1", types.TradeStatusOpen)
	require.NoError(t, fs.SaveTrade(ctx, trade))

	trade.Status = types.TradeStatusClosed
	trade.ExitPrice = decimal.NewFromFloat(51000)
	trade.ExitTime = time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC)
	require.NoError(t, fs.SaveTrade(ctx, trade))
	require.NoError(t, fs.SaveTrade(ctx, trade)) // repeated close, must be a no-op overwrite

	got, ok, err := fs.GetTrade(ctx, "t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.TradeStatusClosed, got.Status)
}

func TestFileStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	fs1, err := NewFileStore(zap.NewNop(), dir, time.Second)
	require.NoError(t, err)
	require.NoError(t, fs1.SaveTrade(ctx, testTrade("t1", types.TradeStatusOpen)))
	require.NoError(t, fs1.SetState(ctx, "last_scan", "2026-01-01T00:00:00Z"))

	fs2, err := NewFileStore(zap.NewNop(), dir, time.Second)
	require.NoError(t, err)

	open, err := fs2.OpenTrades(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)

	v, ok, err := fs2.GetState(ctx, "last_scan")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2026-01-01T00:00:00Z", v)
}

func TestFileStoreSaveSignalDeduplicatesByEventID(t *testing.T) {
	fs := newTestFileStore(t)
	ctx := context.Background()

	rec := SignalRecord{EventID: "evt-1", Pair: "BTCUSDT", Ts: time.Now().UTC()}
	inserted, err := fs.SaveSignal(ctx, rec)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = fs.SaveSignal(ctx, rec)
	require.NoError(t, err)
	assert.False(t, inserted, "duplicate event id must be ignored")
}

func TestFileStoreSaveSignalDeduplicatesAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	fs1, err := NewFileStore(zap.NewNop(), dir, time.Second)
	require.NoError(t, err)
	_, err = fs1.SaveSignal(ctx, SignalRecord{EventID: "evt-1", Pair: "BTCUSDT", Ts: time.Now().UTC()})
	require.NoError(t, err)

	fs2, err := NewFileStore(zap.NewNop(), dir, time.Second)
	require.NoError(t, err)
	inserted, err := fs2.SaveSignal(ctx, SignalRecord{EventID: "evt-1", Pair: "BTCUSDT", Ts: time.Now().UTC()})
	require.NoError(t, err)
	assert.False(t, inserted)
}

func TestFileStoreUpsertDailySummaryReplacesSameDateTenant(t *testing.T) {
	fs := newTestFileStore(t)
	ctx := context.Background()

	require.NoError(t, fs.UpsertDailySummary(ctx, DailySummary{Date: "2026-01-01", Tenant: "default", TradeCount: 3, PnLUSD: 10}))
	require.NoError(t, fs.UpsertDailySummary(ctx, DailySummary{Date: "2026-01-01", Tenant: "default", TradeCount: 5, PnLUSD: 25}))

	data, err := fs.OpenTrades(ctx) // sanity: unrelated call still works after summary writes
	require.NoError(t, err)
	assert.Empty(t, data)

	raw, err := os.ReadFile(fs.path("daily_summary.json"))
	require.NoError(t, err)
	var rows []DailySummary
	require.NoError(t, json.Unmarshal(raw, &rows))
	require.Len(t, rows, 1)
	assert.EqualValues(t, 5, rows[0].TradeCount)
}

func TestFileStorePurgeOldRecordsDropsClosedTradesBeforeCutoff(t *testing.T) {
	fs := newTestFileStore(t)
	ctx := context.Background()

	old := testTrade("old", types.TradeStatusClosed)
	old.ExitTime = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := testTrade("recent", types.TradeStatusClosed)
	recent.ExitTime = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	open := testTrade("open", types.TradeStatusOpen)

	require.NoError(t, fs.SaveTrade(ctx, old))
	require.NoError(t, fs.SaveTrade(ctx, recent))
	require.NoError(t, fs.SaveTrade(ctx, open))

	require.NoError(t, fs.PurgeOldRecords(ctx, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))

	_, ok, err := fs.GetTrade(ctx, "old")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = fs.GetTrade(ctx, "recent")
	require.NoError(t, err)
	assert.True(t, ok)

	openTrades, err := fs.OpenTrades(ctx)
	require.NoError(t, err)
	assert.Len(t, openTrades, 1)
}

func TestWriteLockTimesOutWhenHeld(t *testing.T) {
	wl := newWriteLock(10 * time.Millisecond)
	release, err := wl.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	_, err = wl.Acquire(context.Background())
	assert.Error(t, err)
}

func newMockPostgresStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 0)) // schema migration
	ps := &PostgresStore{db: sqlx.NewDb(db, "postgres"), wlock: newWriteLock(time.Second), logger: zap.NewNop()}
	require.NoError(t, ps.migrate())
	return ps, mock
}

func TestPostgresStoreSaveTradeUpserts(t *testing.T) {
	ps, mock := newMockPostgresStore(t)
	defer ps.Close()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO trades")).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := ps.SaveTrade(context.Background(), testTrade("t1", types.TradeStatusOpen))
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreSaveSignalReportsInsertedFlag(t *testing.T) {
	ps, mock := newMockPostgresStore(t)
	defer ps.Close()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO signals")).
		WillReturnResult(sqlmock.NewResult(1, 0)) // ON CONFLICT DO NOTHING, no rows affected

	inserted, err := ps.SaveSignal(context.Background(), SignalRecord{EventID: "evt-1", Pair: "BTCUSDT", Ts: time.Now()})
	require.NoError(t, err)
	assert.False(t, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreGetStateNotFound(t *testing.T) {
	ps, mock := newMockPostgresStore(t)
	defer ps.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT value FROM system_state")).
		WillReturnRows(sqlmock.NewRows([]string{"value"}))

	_, ok, err := ps.GetState(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}
