package api

import (
	"encoding/json"
	"net/http"
)

// errorBody is what every failed call returns, middleware rejections
// included: {"error": "..."}.
type errorBody struct {
	Error string `json:"error"`
}

// writeJSON sends payload with status. Asset listings and playback
// descriptors change as jobs finish, so responses are never cached.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	header := w.Header()
	header.Set("Content-Type", "application/json")
	header.Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error()})
}

// WriteError lets the auth and rate limit middleware answer in the same
// error shape as the video handlers.
func WriteError(w http.ResponseWriter, status int, err error) {
	writeError(w, status, err)
}
