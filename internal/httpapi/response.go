package httpapi

import (
	"encoding/json"
	"net/http"
)

// envelope is the standard JSON response wrapper for non-WebSocket routes.
type envelope map[string]any

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func ok(w http.ResponseWriter, payload any) {
	writeJSON(w, http.StatusOK, envelope{"data": payload})
}
