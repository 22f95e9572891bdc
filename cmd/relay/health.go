package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rickgao/chat-relay/internal/connection"
)

// stateReporter is the part of *connection.Manager the health check reads.
type stateReporter interface {
	Stats() connection.Stats
}

// pinger is the part of *pgxpool.Pool the health check uses.
type pinger interface {
	Ping(ctx context.Context) error
}

type healthResponse struct {
	Status     string         `json:"status"`
	Components map[string]any `json:"components"`
}

// newHealthHandler serves /health and the Prometheus endpoint. db may be nil.
func newHealthHandler(conn stateReporter, db pinger, gatherer prometheus.Gatherer, metricsPath string) http.Handler {
	mux := http.NewServeMux()

	mux.Handle(metricsPath, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := healthResponse{
			Status:     "healthy",
			Components: make(map[string]any),
		}

		// Check connection
		stats := conn.Stats()
		health.Components["connection"] = map[string]any{
			"state":      stats.State.String(),
			"attempts":   stats.Attempts,
			"reconnects": stats.Reconnects,
			"queued":     stats.Queued,
		}
		switch stats.State {
		case connection.StateConnected:
		case connection.StateClosed:
			health.Status = "unhealthy"
		default:
			health.Status = "degraded"
		}

		// Check database
		if db != nil {
			if err := db.Ping(ctx); err != nil {
				health.Status = "unhealthy"
				health.Components["postgres"] = map[string]string{
					"status": "disconnected",
					"error":  err.Error(),
				}
			} else {
				health.Components["postgres"] = "connected"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	return mux
}
