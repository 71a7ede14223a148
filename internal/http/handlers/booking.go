package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/callpilot/internal/booking"
	"github.com/wolfman30/callpilot/internal/providers"
	"github.com/wolfman30/callpilot/internal/status"
	"github.com/wolfman30/callpilot/pkg/logging"
)

const maxBodyBytes = 1 << 20

// BookingService is the orchestrator surface used by the booking API.
type BookingService interface {
	CreateRequest(ctx context.Context, in booking.CreateRequestInput) (*booking.Request, error)
	Dispatch(ctx context.Context, requestID, providerID string) (*booking.Call, error)
	Status(ctx context.Context, requestID string) (*status.View, error)
	Call(ctx context.Context, requestID, callID string) (*status.CallView, error)
	Cancel(ctx context.Context, requestID string) (*booking.Request, error)
	Provider(ctx context.Context, id string) (*providers.Provider, error)
	Providers(ctx context.Context, category string) ([]*providers.Provider, error)
	UpsertProvider(ctx context.Context, p *providers.Provider) (*providers.Provider, error)
	DeleteProvider(ctx context.Context, id string) error
}

// BookingHandler serves /api/booking.
type BookingHandler struct {
	svc    BookingService
	logger *logging.Logger
}

func NewBookingHandler(svc BookingService, logger *logging.Logger) *BookingHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &BookingHandler{svc: svc, logger: logger}
}

type startResponse struct {
	ID          string                `json:"id"`
	Status      booking.RequestStatus `json:"status"`
	ServiceType string                `json:"service_type"`
	CreatedAt   time.Time             `json:"created_at"`
}

// Start creates a booking request.
func (h *BookingHandler) Start(w http.ResponseWriter, r *http.Request) {
	var in booking.CreateRequestInput
	if err := decodeJSON(r, &in); err != nil {
		badRequest(w, err.Error())
		return
	}
	req, err := h.svc.CreateRequest(r.Context(), in)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, startResponse{
		ID:          req.ID,
		Status:      req.Status,
		ServiceType: req.ServiceType,
		CreatedAt:   req.CreatedAt,
	})
}

type dispatchResponse struct {
	CallID        string             `json:"call_id"`
	Status        booking.CallStatus `json:"status"`
	ProviderID    string             `json:"provider_id"`
	ProviderName  string             `json:"provider_name"`
	ProviderPhone string             `json:"provider_phone"`
}

// Dispatch places a call for the request, optionally pinned with ?provider_id=.
func (h *BookingHandler) Dispatch(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestID")
	providerID := strings.TrimSpace(r.URL.Query().Get("provider_id"))
	call, err := h.svc.Dispatch(r.Context(), requestID, providerID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	resp := dispatchResponse{CallID: call.ID, Status: call.Status, ProviderID: call.ProviderID}
	if p, err := h.svc.Provider(r.Context(), call.ProviderID); err == nil {
		resp.ProviderName = p.Name
		resp.ProviderPhone = p.Phone
	} else {
		h.logger.Warn("provider lookup after dispatch failed", "call_id", call.ID, "provider_id", call.ProviderID, "error", err)
	}
	writeJSON(w, http.StatusCreated, resp)
}

// Status returns the merged request view.
func (h *BookingHandler) Status(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.Status(r.Context(), chi.URLParam(r, "requestID"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Call returns one call of the request.
func (h *BookingHandler) Call(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.Call(r.Context(), chi.URLParam(r, "requestID"), chi.URLParam(r, "callID"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type cancelResponse struct {
	ID     string                `json:"id"`
	Status booking.RequestStatus `json:"status"`
	Reason string                `json:"reason,omitempty"`
}

// Cancel closes the request and hangs up its live call.
func (h *BookingHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	req, err := h.svc.Cancel(r.Context(), chi.URLParam(r, "requestID"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelResponse{ID: req.ID, Status: req.Status, Reason: req.Reason})
}

// Providers lists the directory, narrowed by the optional {category} segment.
func (h *BookingHandler) Providers(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.Providers(r.Context(), chi.URLParam(r, "category"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if list == nil {
		list = []*providers.Provider{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": list})
}

// UpsertProvider adds or updates a directory entry.
func (h *BookingHandler) UpsertProvider(w http.ResponseWriter, r *http.Request) {
	var p providers.Provider
	if err := decodeJSON(r, &p); err != nil {
		badRequest(w, err.Error())
		return
	}
	saved, err := h.svc.UpsertProvider(r.Context(), &p)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

// DeleteProvider removes a directory entry.
func (h *BookingHandler) DeleteProvider(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteProvider(r.Context(), chi.URLParam(r, "providerID")); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return errors.New("invalid JSON body")
	}
	return nil
}
