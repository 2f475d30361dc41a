// Package handler implements the HTTP surface over internal/service's
// Orchestrator: request parsing, response shaping, and SSE framing. Routing
// and middleware composition live in internal/router; this package only
// holds per-endpoint handlers.
package handler

import (
	"encoding/json"
	"net/http"

	"github.com/rattsbas/aegis/internal/apperr"
)

// envelope is the uniform JSON response shape for non-streaming endpoints.
type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// respondError maps an apperr.Kind to its HTTP status (spec §7) and writes
// the error envelope.
func respondError(w http.ResponseWriter, err error) {
	respondJSON(w, apperr.StatusCode(err), envelope{Success: false, Error: err.Error()})
}
