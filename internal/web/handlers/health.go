package handlers

import (
	"context"
	"encoding/json"
	"net/http"
)

// pinger reports whether a dependency is reachable
type pinger interface {
	Ping(ctx context.Context) error
}

// Health handles the /health endpoint. A failing database turns it into a
// 503.
func Health(db pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		response := map[string]string{
			"status":  "healthy",
			"service": "cloudctl-admin",
		}
		if err := db.Ping(r.Context()); err != nil {
			status = http.StatusServiceUnavailable
			response["status"] = "unhealthy"
			response["error"] = err.Error()
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(response)
	}
}
