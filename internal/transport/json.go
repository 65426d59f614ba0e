package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-kit/log/level"

	"github.com/shahriyarr/kvlog/internal/kverrors"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type errorBody struct {
	Status         string  `json:"status"`
	Message        string  `json:"message"`
	CurrentVersion *uint64 `json:"current_version,omitempty"`
}

// writeError maps a kverrors sentinel (or a wrapping error) to the HTTP
// status and body shape the external interface contract names, and logs
// anything that isn't an ordinary client-facing outcome.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	if current, ok := kverrors.AsVersionConflict(err); ok {
		writeJSON(w, http.StatusConflict, errorBody{Status: "error", Message: err.Error(), CurrentVersion: &current})
		return
	}

	switch {
	case errors.Is(err, kverrors.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Status: "error", Message: err.Error()})
	case errors.Is(err, kverrors.ErrInvalidRequest):
		writeJSON(w, http.StatusBadRequest, errorBody{Status: "error", Message: err.Error()})
	case errors.Is(err, kverrors.ErrIO), errors.Is(err, kverrors.ErrInternal):
		level.Error(s.logger).Log("msg", "internal error handling request", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Status: "error", Message: "internal error"})
	default:
		level.Error(s.logger).Log("msg", "unmapped error handling request", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Status: "error", Message: err.Error()})
	}
}

func badRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Status: "error", Message: message})
}
