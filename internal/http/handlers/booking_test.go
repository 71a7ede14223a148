package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/callpilot/internal/booking"
	"github.com/wolfman30/callpilot/internal/providers"
)

func serve(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStartCreatesRequest(t *testing.T) {
	svc := &fakeBookingService{}
	r := bookingRouter(NewBookingHandler(svc, nil))

	rec := serve(t, r, http.MethodPost, "/api/booking/start",
		`{"service_type":"dentist","preferred_dates":["2025-01-15"],"preferred_times":["morning"]}`)

	require.Equal(t, http.StatusCreated, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, "dentist", body["service_type"])
	assert.NotEmpty(t, body["id"])
	assert.Equal(t, []string{"morning"}, svc.lastCreated.PreferredTimes)
}

func TestStartRejectsBadInput(t *testing.T) {
	r := bookingRouter(NewBookingHandler(&fakeBookingService{}, nil))

	rec := serve(t, r, http.MethodPost, "/api/booking/start", `{"service_type":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, r, http.MethodPost, "/api/booking/start", `{"service_type":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "service_type is required")
	assert.Contains(t, rec.Body.String(), `"kind":"input"`)
}

func TestDispatchReturnsProvider(t *testing.T) {
	svc := &fakeBookingService{provider: &providers.Provider{ID: "p-1", Name: "Glow Dental", Phone: "+14155550101"}}
	r := bookingRouter(NewBookingHandler(svc, nil))

	rec := serve(t, r, http.MethodPost, "/api/booking/req-1/call?provider_id=p-1", "")

	require.Equal(t, http.StatusCreated, rec.Code)
	var body dispatchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "call-1", body.CallID)
	assert.Equal(t, booking.CallPending, body.Status)
	assert.Equal(t, "Glow Dental", body.ProviderName)
	assert.Equal(t, "+14155550101", body.ProviderPhone)
	assert.Equal(t, "p-1", svc.lastPinned)
}

func TestDispatchErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"in flight", fmt.Errorf("dispatch: %w", booking.ErrAlreadyInFlight), http.StatusConflict},
		{"terminal", booking.ErrRequestTerminal, http.StatusConflict},
		{"not found", booking.ErrRequestNotFound, http.StatusNotFound},
		{"no providers", booking.ErrNoProviders, http.StatusUnprocessableEntity},
		{"dial failure", booking.IntegrationError("place call", errors.New("twilio 500")), http.StatusBadGateway},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := bookingRouter(NewBookingHandler(&fakeBookingService{dispatchErr: tt.err}, nil))
			rec := serve(t, r, http.MethodPost, "/api/booking/req-1/call", "")
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestInternalErrorsAreNotLeaked(t *testing.T) {
	r := bookingRouter(NewBookingHandler(&fakeBookingService{dispatchErr: errors.New("pq: password=hunter2")}, nil))
	rec := serve(t, r, http.MethodPost, "/api/booking/req-1/call", "")
	assert.NotContains(t, rec.Body.String(), "hunter2")
}

func TestStatusAndCall(t *testing.T) {
	svc := &fakeBookingService{}
	r := bookingRouter(NewBookingHandler(svc, nil))

	rec := serve(t, r, http.MethodGet, "/api/booking/req-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"calls":[]`)

	rec = serve(t, r, http.MethodGet, "/api/booking/req-1/call/call-1", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, r, http.MethodGet, "/api/booking/req-1/call/other", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	svc.statusErr = booking.ErrRequestNotFound
	rec = serve(t, r, http.MethodGet, "/api/booking/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancel(t *testing.T) {
	svc := &fakeBookingService{}
	r := bookingRouter(NewBookingHandler(svc, nil))

	rec := serve(t, r, http.MethodPost, "/api/booking/req-1/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"id":"req-1","status":"failed","reason":"cancelled"}`, rec.Body.String())

	svc.cancelErr = fmt.Errorf("%w: request already completed", booking.ErrRequestTerminal)
	rec = serve(t, r, http.MethodPost, "/api/booking/req-1/cancel", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestProviders(t *testing.T) {
	svc := &fakeBookingService{list: []*providers.Provider{
		{ID: "p-1", Name: "Glow Dental", Category: "dentist"},
		{ID: "p-2", Name: "Fade Masters", Category: "barber"},
	}}
	r := bookingRouter(NewBookingHandler(svc, nil))

	rec := serve(t, r, http.MethodGet, "/api/booking/providers/barber", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Providers []providers.Provider `json:"providers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Providers, 1)
	assert.Equal(t, "p-2", body.Providers[0].ID)

	rec = serve(t, r, http.MethodGet, "/api/booking/providers/florist", "")
	assert.Contains(t, rec.Body.String(), `"providers":[]`)
}

func TestProviderAdmin(t *testing.T) {
	svc := &fakeBookingService{}
	r := bookingRouter(NewBookingHandler(svc, nil))

	rec := serve(t, r, http.MethodPut, "/api/admin/providers", `{"name":"Glow Dental","category":"dentist","phone":"+14155550101"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, r, http.MethodPut, "/api/admin/providers", `{"name":"","category":"dentist"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, r, http.MethodDelete, "/api/admin/providers/p-9", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"p-9"}, svc.deleted)
}
