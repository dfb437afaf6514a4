package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/raceboard/eta-server/engine"
)

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	cfg := engine.Defaults()
	cfg.Unified.Storage.DBPath = ""
	cfg.MetricsBackend = "prom"
	e, err := engine.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Stop() })
	return e
}

func TestHealthzReturnsOK(t *testing.T) {
	eng := newTestEngine(t)
	h := NewHealthHandler(eng)
	r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	var payload struct {
		Overall string `json:"Overall"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
}

func TestMetricsServesPrometheusExposition(t *testing.T) {
	eng := newTestEngine(t)
	h := NewMetricsHandler(eng)
	r := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestDebugClustersReturnsJSONArray(t *testing.T) {
	eng := newTestEngine(t)
	mux := NewMux(eng)
	r := httptest.NewRequest(http.MethodGet, "/debug/clusters?source=cargo", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	var payload []json.RawMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
}

func TestAdminRebuildRejectsGet(t *testing.T) {
	eng := newTestEngine(t)
	mux := NewMux(eng)
	r := httptest.NewRequest(http.MethodGet, "/admin/rebuild", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestAdminRebuildPostTriggersRebuild(t *testing.T) {
	eng := newTestEngine(t)
	mux := NewMux(eng)
	r := httptest.NewRequest(http.MethodPost, "/admin/rebuild", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	require.Equal(t, http.StatusAccepted, w.Code)
}

func TestAdminRolloutResetPost(t *testing.T) {
	eng := newTestEngine(t)
	mux := NewMux(eng)
	r := httptest.NewRequest(http.MethodPost, "/admin/rollout/reset", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)
}
