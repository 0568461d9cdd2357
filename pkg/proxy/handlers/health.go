package handlers

import (
	"encoding/json"
	"net/http"
)

// PoolStatus reports the live account pool for the health endpoint.
type PoolStatus interface {
	Len() int
}

// Health serves the liveness endpoint. It reports degraded (but still 200)
// when the pool has zero enabled accounts; the process is up even if it
// cannot currently serve.
func Health(pool PoolStatus) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := "ok"
		if pool.Len() == 0 {
			status = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":          status,
			"active_accounts": pool.Len(),
		})
	})
}
