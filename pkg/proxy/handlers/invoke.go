// Package handlers holds the non-proxy HTTP endpoints: the operator command
// endpoint and health.
package handlers

import (
	"encoding/json"
	"net/http"

	"mercator-hq/ganymede/pkg/command"
)

// Invoke serves the operator command endpoint: POST {cmd, args} answered
// with {ok, data, error}. Transport-level problems (bad method, unparseable
// envelope) are HTTP errors; command-level failures ride inside the envelope
// with status 200.
func Invoke(registry *command.Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var inv command.Invocation
		if err := json.NewDecoder(r.Body).Decode(&inv); err != nil {
			http.Error(w, "invalid command envelope", http.StatusBadRequest)
			return
		}
		if inv.Cmd == "" {
			http.Error(w, "cmd is required", http.StatusBadRequest)
			return
		}

		resp := registry.Dispatch(r.Context(), inv)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})
}
