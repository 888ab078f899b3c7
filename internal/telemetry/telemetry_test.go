package telemetry

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerServesRegisteredMetrics(t *testing.T) {
	m := New()
	m.EquityUSD.Set(10500.25)
	m.OpenPositions.Set(3)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "novapulse_equity_usd 10500.25")
	assert.Contains(t, body, "novapulse_open_positions 3")
}

func TestSetAutoPauseClearsOtherReasons(t *testing.T) {
	m := New()
	reasons := []string{"stale_data", "ws_disconnect", "consecutive_losses", "drawdown"}

	m.SetAutoPause(true, "drawdown", reasons)
	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)
	body := rec.Body.String()

	assert.Contains(t, body, `novapulse_auto_pause_active{reason="drawdown"} 1`)
	assert.Contains(t, body, `novapulse_auto_pause_active{reason="stale_data"} 0`)

	m.SetAutoPause(false, "", reasons)
	rec2 := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec2, req)
	assert.Contains(t, rec2.Body.String(), `novapulse_auto_pause_active{reason="drawdown"} 0`)
}
