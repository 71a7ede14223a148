// Package handlers exposes the booking API, the telephony callbacks and the
// voice vendor webhook over HTTP.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/wolfman30/callpilot/internal/booking"
	"github.com/wolfman30/callpilot/pkg/logging"
)

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// StatusFor maps an error to its HTTP status by kind.
func StatusFor(err error) int {
	switch booking.KindOf(err) {
	case booking.KindInput:
		if errors.Is(err, booking.ErrNoProviders) {
			return http.StatusUnprocessableEntity
		}
		return http.StatusBadRequest
	case booking.KindNotFound:
		return http.StatusNotFound
	case booking.KindConsistency:
		return http.StatusConflict
	case booking.KindIntegration:
		return http.StatusBadGateway
	case booking.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, logger *logging.Logger, err error) {
	status := StatusFor(err)
	kind := booking.KindOf(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logger.Error("request failed", "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, errorResponse{Error: msg, Kind: kind.String()})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg, Kind: booking.KindInput.String()})
}
