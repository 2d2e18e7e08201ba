// Package handlers exposes the recall service over HTTP.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/wolfman30/recall-engine/internal/lifecycle"
	"github.com/wolfman30/recall-engine/internal/patients"
	"github.com/wolfman30/recall-engine/internal/recall"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func jsonError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case patients.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, patients.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, patients.ErrDuplicateID), errors.Is(err, patients.ErrRaceLost):
		return http.StatusConflict
	case lifecycle.IsInvalidTransition(err), errors.Is(err, patients.ErrStatusImmutable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, recall.ErrAuditDisabled):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &patients.ValidationError{Field: "body", Reason: err.Error()}
	}
	return nil
}
