package controlplane

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/novapulse/supervisor/internal/supervisor"
	"github.com/novapulse/supervisor/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubSupervisor struct {
	paused    bool
	resumed   bool
	closedAll bool
	killed    bool
}

func (s *stubSupervisor) Pause()                        { s.paused = true }
func (s *stubSupervisor) Resume()                       { s.resumed = true }
func (s *stubSupervisor) CloseAll(ctx context.Context)  { s.closedAll = true }
func (s *stubSupervisor) Kill()                         { s.killed = true }
func (s *stubSupervisor) Status() supervisor.StatusSnapshot {
	return supervisor.StatusSnapshot{Engine: types.EngineState{Running: true}}
}

func newTestServer() (*Server, *stubSupervisor) {
	sup := &stubSupervisor{}
	return NewServer(zap.NewNop(), ":0", sup), sup
}

func TestHandleStatusReturnsSnapshot(t *testing.T) {
	srv, _ := newTestServer()
	req := httptest.NewRequest("GET", "/api/v1/status", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"running":true`)
}

func TestHandlePauseInvokesSupervisor(t *testing.T) {
	srv, sup := newTestServer()
	req := httptest.NewRequest("POST", "/api/v1/pause", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, sup.paused)
}

func TestHandleResumeInvokesSupervisor(t *testing.T) {
	srv, sup := newTestServer()
	req := httptest.NewRequest("POST", "/api/v1/resume", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, sup.resumed)
}

func TestHandleCloseAllInvokesSupervisor(t *testing.T) {
	srv, sup := newTestServer()
	req := httptest.NewRequest("POST", "/api/v1/close_all", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, sup.closedAll)
}

func TestHandleKillInvokesSupervisor(t *testing.T) {
	srv, sup := newTestServer()
	req := httptest.NewRequest("POST", "/api/v1/kill", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, sup.killed)
}

func TestHandleHealth(t *testing.T) {
	srv, _ := newTestServer()
	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)
}
