package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"tierstore/internal/tierstore"
)

// envelope wraps every non-streaming response.
type envelope struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Status: status, Message: message, Data: data})
}

// statusFor maps an error to its HTTP status.
func statusFor(err error) int {
	switch {
	case tierstore.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, tierstore.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, tierstore.ErrRangeNotSatisfiable):
		return http.StatusRequestedRangeNotSatisfiable
	case errors.Is(err, tierstore.ErrBackendUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, tierstore.ErrStreamTimeout):
		return http.StatusGatewayTimeout
	}
	if _, ok := tierstore.MissingChunkIndex(err); ok {
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// writeError sends err as an envelope. Server-side failures are logged and
// their details withheld from the client.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	message := err.Error()
	var data any
	if idx, ok := tierstore.MissingChunkIndex(err); ok {
		data = map[string]int{"missingChunk": idx}
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
		if status == http.StatusInternalServerError {
			message = http.StatusText(status)
			if errors.Is(err, tierstore.ErrStorageInconsistency) {
				message = "file bytes are unavailable"
			}
		}
	}
	writeJSON(w, status, message, data)
}
