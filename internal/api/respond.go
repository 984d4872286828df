package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Error codes exposed to clients. They map onto HTTP statuses but stay
// stable even if the status mapping shifts.
const (
	CodeValidation = "validation"
	CodeAuth       = "auth"
	CodeNotFound   = "not_found"
	CodeConflict   = "conflict"
	CodeStore      = "store"
	CodeTransport  = "transport"
	CodeTimeout    = "timeout"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorBody struct {
	Error apiError `json:"error"`
}

func respondJSON(logger *slog.Logger, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Warn("encode response", "error", err)
	}
}

func respondError(logger *slog.Logger, w http.ResponseWriter, status int, code, message string) {
	respondJSON(logger, w, status, errorBody{Error: apiError{Code: code, Message: message}})
}

func decodeBody(w http.ResponseWriter, r *http.Request, logger *slog.Logger, dst any) bool {
	defer func() { _ = r.Body.Close() }()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		respondError(logger, w, http.StatusBadRequest, CodeValidation, "malformed request body: "+err.Error())
		return false
	}
	return true
}
