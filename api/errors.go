package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rom8726/stagewise"
)

// writeError maps the engine's error taxonomy onto HTTP status codes. A
// conflict carries the authoritative participant state in the body so the
// client can merge and retry.
func writeError(w http.ResponseWriter, err error) {
	var conflict *stagewise.ConflictError
	if errors.As(err, &conflict) {
		writeJSON(w, http.StatusConflict, conflictResponse{
			Error:   conflict.Error(),
			Current: conflict.Current,
		})

		return
	}

	var invalidConfig *stagewise.InvalidConfigError
	var deserialization *stagewise.DeserializationError

	switch {
	case errors.Is(err, stagewise.ErrEntityNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.As(err, &invalidConfig), errors.As(err, &deserialization):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
