package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/sharedconn/internal/connection"
	"github.com/rickgao/sharedconn/internal/journal"
)

// createHealthHandler reports the shared connection and journal status.
func createHealthHandler(path string, m *connection.Manager, pool *pgxpool.Pool, rec *journal.Recorder, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		stats := m.Stats()

		health := struct {
			Status     string         `json:"status"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]any),
		}

		conn := map[string]any{
			"state":             stats.State.String(),
			"instance":          stats.InstanceID,
			"refs":              stats.RefCount,
			"instances_created": stats.InstancesCreated,
			"handshakes":        stats.Handshakes,
			"retry_attempt":     stats.Retry.Attempt,
		}
		if stats.Retry.LastError != nil {
			conn["last_error"] = stats.Retry.LastError.Error()
		}
		health.Components["connection"] = conn

		switch stats.State {
		case connection.StateError:
			health.Status = "unhealthy"
		case connection.StateConnecting, connection.StateDisconnected:
			health.Status = "degraded"
		}

		if pool != nil {
			if err := pool.Ping(ctx); err != nil {
				if health.Status == "healthy" {
					health.Status = "degraded"
				}
				health.Components["journal"] = map[string]string{
					"status": "disconnected",
					"error":  err.Error(),
				}
			} else {
				js := rec.Stats()
				health.Components["journal"] = map[string]any{
					"status":   "connected",
					"recorded": js.Recorded,
					"dropped":  js.Dropped,
					"inserts":  js.Inserts,
					"errors":   js.Errors,
				}
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}

		if err := json.NewEncoder(w).Encode(health); err != nil {
			logger.Error("failed to encode health response", "error", err)
		}
	})

	return mux
}
