// Package httpserver contains the leader and unit HTTP APIs: handlers,
// middleware, and the background task registry.
package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/pioreactor/pioreactor-go/internal/calibration"
	"github.com/pioreactor/pioreactor-go/internal/domain"
)

// errorEnvelope is the wire error shape: {error, description}.
type errorEnvelope struct {
	Error       string `json:"error"`
	Description string `json:"description"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind := "internal"
	switch {
	case calibration.IsValidation(err):
		status = http.StatusBadRequest
		kind = "invalid_input"
	case errors.Is(err, domain.ErrInvalidArgument):
		status = http.StatusBadRequest
		kind = "invalid_argument"
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrJobAbsent):
		status = http.StatusNotFound
		kind = "not_found"
	case errors.Is(err, domain.ErrCalibrationMissing):
		status = http.StatusNotFound
		kind = "calibration_missing"
	case errors.Is(err, domain.ErrDuplicateJob):
		status = http.StatusConflict
		kind = "duplicate_job"
	case errors.Is(err, domain.ErrResourceBusy):
		status = http.StatusConflict
		kind = "resource_busy"
	case errors.Is(err, domain.ErrBusTimeout), errors.Is(err, domain.ErrBusUnavailable):
		status = http.StatusServiceUnavailable
		kind = "bus_unavailable"
	case errors.Is(err, domain.ErrPluginVersion):
		status = http.StatusUnprocessableEntity
		kind = "plugin_version"
	}
	writeJSON(w, status, errorEnvelope{Error: kind, Description: err.Error()})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("op=http.decodeBody: %s: %w", err, domain.ErrInvalidArgument)
	}
	return nil
}
