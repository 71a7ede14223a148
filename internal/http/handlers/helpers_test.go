package handlers

import (
	"context"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/callpilot/internal/booking"
	"github.com/wolfman30/callpilot/internal/callsession"
	"github.com/wolfman30/callpilot/internal/orchestrator"
	"github.com/wolfman30/callpilot/internal/providers"
	"github.com/wolfman30/callpilot/internal/status"
)

type fakeBookingService struct {
	createErr   error
	dispatchErr error
	statusErr   error
	cancelErr   error
	deleted     []string
	provider    *providers.Provider
	list        []*providers.Provider
	lastPinned  string
	lastCreated booking.CreateRequestInput
}

func (f *fakeBookingService) CreateRequest(_ context.Context, in booking.CreateRequestInput) (*booking.Request, error) {
	f.lastCreated = in
	if f.createErr != nil {
		return nil, f.createErr
	}
	return booking.NewRequest(in, time.Date(2025, 1, 14, 9, 0, 0, 0, time.UTC))
}

func (f *fakeBookingService) Dispatch(_ context.Context, requestID, providerID string) (*booking.Call, error) {
	f.lastPinned = providerID
	if f.dispatchErr != nil {
		return nil, f.dispatchErr
	}
	c := booking.NewCall(requestID, "p-1", time.Now())
	c.ID = "call-1"
	return c, nil
}

func (f *fakeBookingService) Status(_ context.Context, requestID string) (*status.View, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return &status.View{
		Request: &booking.Request{ID: requestID, ServiceType: "dentist", Status: booking.RequestCalling},
		Calls:   []status.CallView{},
	}, nil
}

func (f *fakeBookingService) Call(_ context.Context, requestID, callID string) (*status.CallView, error) {
	if callID != "call-1" {
		return nil, booking.ErrCallNotFound
	}
	return &status.CallView{Call: &booking.Call{ID: callID, RequestID: requestID, Status: booking.CallRinging}}, nil
}

func (f *fakeBookingService) Cancel(_ context.Context, requestID string) (*booking.Request, error) {
	if f.cancelErr != nil {
		return nil, f.cancelErr
	}
	return &booking.Request{ID: requestID, Status: booking.RequestFailed, Reason: booking.ReasonCancelled}, nil
}

func (f *fakeBookingService) Provider(_ context.Context, id string) (*providers.Provider, error) {
	if f.provider == nil || f.provider.ID != id {
		return nil, providers.ErrNotFound
	}
	return f.provider, nil
}

func (f *fakeBookingService) Providers(_ context.Context, category string) ([]*providers.Provider, error) {
	var out []*providers.Provider
	for _, p := range f.list {
		if category == "" || p.Category == category {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeBookingService) UpsertProvider(_ context.Context, p *providers.Provider) (*providers.Provider, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	p.ID = "p-new"
	return p, nil
}

func (f *fakeBookingService) DeleteProvider(_ context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

type handledEvent struct {
	loc orchestrator.Locator
	ev  callsession.Event
}

type fakeEventService struct {
	mu      sync.Mutex
	handled []handledEvent
	known   map[string]bool
	ended   string
	script  callsession.Script
}

func newFakeEventService(known ...string) *fakeEventService {
	f := &fakeEventService{known: map[string]bool{}}
	for _, id := range known {
		f.known[id] = true
	}
	return f
}

func (f *fakeEventService) HandleEvent(_ context.Context, loc orchestrator.Locator, ev callsession.Event) (*booking.Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := loc.CallID
	if id == "" {
		id = loc.ConversationRef
	}
	if !f.known[id] {
		return nil, booking.ErrCallNotFound
	}
	f.handled = append(f.handled, handledEvent{loc: loc, ev: ev})
	return &booking.Call{ID: id, Status: booking.CallInProgress}, nil
}

func (f *fakeEventService) Script(_ context.Context, callID string) (callsession.Script, error) {
	if !f.known[callID] {
		return callsession.Script{}, booking.ErrCallNotFound
	}
	if callID == f.ended {
		return callsession.Script{}, booking.ErrCallEnded
	}
	s := f.script
	s.CallID = callID
	return s, nil
}

func (f *fakeEventService) events() []handledEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]handledEvent(nil), f.handled...)
}

func bookingRouter(h *BookingHandler) chi.Router {
	r := chi.NewRouter()
	r.Post("/api/booking/start", h.Start)
	r.Get("/api/booking/providers", h.Providers)
	r.Get("/api/booking/providers/{category}", h.Providers)
	r.Post("/api/booking/{requestID}/call", h.Dispatch)
	r.Get("/api/booking/{requestID}", h.Status)
	r.Get("/api/booking/{requestID}/call/{callID}", h.Call)
	r.Post("/api/booking/{requestID}/cancel", h.Cancel)
	r.Put("/api/admin/providers", h.UpsertProvider)
	r.Delete("/api/admin/providers/{providerID}", h.DeleteProvider)
	return r
}
