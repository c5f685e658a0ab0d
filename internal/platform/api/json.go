package api

import (
	"encoding/json"
	"net/http"
)

// WriteJSON encodes v as the response body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// Success is the body returned by write endpoints that have nothing else to say.
type Success struct {
	Success bool `json:"success"`
}

func OK(w http.ResponseWriter) {
	WriteJSON(w, http.StatusOK, Success{Success: true})
}
