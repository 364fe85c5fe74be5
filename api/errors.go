package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jmcleod/silverbullet/identity"
	"github.com/jmcleod/silverbullet/lifecycle"
	"github.com/jmcleod/silverbullet/pki"
	"github.com/jmcleod/silverbullet/profile"
	"github.com/jmcleod/silverbullet/status"
	"github.com/jmcleod/silverbullet/storage"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, lifecycle.ErrInvalidToken):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, lifecycle.ErrProfileMismatch):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, lifecycle.ErrUserNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, lifecycle.ErrMaxActiveUsers):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, pki.ErrExpiredUser):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, pki.ErrExternalCANotImplemented):
		writeError(w, http.StatusNotImplemented, err.Error())
	case errors.Is(err, pki.ErrCASigning):
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, status.ErrOCSPGeneration):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, identity.ErrUniqueExhausted):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, profile.ErrProfileNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
