package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/fantasim/utxo-recycler/internal/config"
	"github.com/fantasim/utxo-recycler/internal/store"
)

// HealthHandler returns a handler for the GET /api/health endpoint,
// reporting database connectivity.
func HealthHandler(cfg *config.Config, st *store.Store, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("health check requested", "remoteAddr", r.RemoteAddr)

		dbOK := st.Conn().PingContext(r.Context()) == nil

		status := "ok"
		code := http.StatusOK
		if !dbOK {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]any{
			"status":  status,
			"version": version,
			"network": cfg.Network,
			"dbOk":    dbOK,
		})
	}
}
