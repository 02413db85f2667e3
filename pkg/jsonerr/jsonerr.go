// Package jsonerr renders structured JSON error bodies for HTTP handlers.
package jsonerr

import (
	"encoding/json"
	"net/http"
)

// Additional carries extra context for the client. It must marshal
// cleanly with encoding/json.
type Additional any

// Response is the error body sent to the client.
type Response struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Additional `json:"additional,omitempty"`
}

// Error is http.Error with a Response body. It writes the status and the
// serialized Response; the handler should return immediately after.
func Error(w http.ResponseWriter, r *Response, httpcode int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(httpcode)
	b, _ := json.Marshal(r)
	w.Write(b)
}
