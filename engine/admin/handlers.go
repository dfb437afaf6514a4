// Package admin exposes the minimal net/http surface the server needs for
// liveness, metrics scraping, and operator debugging/control: /healthz,
// /metrics, /debug/clusters, /debug/rollout, /admin/rebuild, and
// /admin/rollout/reset.
package admin

import (
	"encoding/json"
	"net/http"

	"github.com/raceboard/eta-server/engine"
	"github.com/raceboard/eta-server/engine/telemetry/health"
)

// NewMux builds the admin HTTP surface for eng. Callers mount it on their
// own listener (directly, or behind additional middleware).
func NewMux(eng *engine.Engine) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/healthz", NewHealthHandler(eng))
	mux.Handle("/metrics", NewMetricsHandler(eng))
	mux.HandleFunc("/debug/clusters", newClustersHandler(eng))
	mux.HandleFunc("/debug/rollout", newRolloutHandler(eng))
	mux.HandleFunc("/admin/rebuild", newRebuildHandler(eng))
	mux.HandleFunc("/admin/rollout/reset", newRolloutResetHandler(eng))
	return mux
}

// NewHealthHandler reports liveness: the engine's subsystem health rollup,
// which includes a persistence probe (the database file can be stat'ed).
func NewHealthHandler(eng *engine.Engine) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if eng == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "engine not initialized"})
			return
		}
		snap := eng.HealthSnapshot(r.Context())
		status := http.StatusOK
		if snap.Overall == health.StatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, snap)
	})
}

// NewMetricsHandler delegates to the engine's metrics provider, when it
// exposes one (the Prometheus backend does; otel/noop do not).
func NewMetricsHandler(eng *engine.Engine) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if eng == nil {
			http.Error(w, "engine not initialized", http.StatusServiceUnavailable)
			return
		}
		h := eng.MetricsHandler()
		if h == nil {
			http.Error(w, "metrics handler unavailable for configured backend", http.StatusNotImplemented)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func newClustersHandler(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		source := r.URL.Query().Get("source")
		writeJSON(w, http.StatusOK, eng.ClusterSnapshot(source))
	}
}

func newRolloutHandler(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, eng.RolloutSnapshot())
	}
}

func newRebuildHandler(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := eng.TriggerRebuild(); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "rebuild triggered"})
	}
}

func newRolloutResetHandler(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		eng.ResetRollout()
		writeJSON(w, http.StatusOK, map[string]string{"status": "rollout reset to phase 1"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
