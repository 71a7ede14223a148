// Package status builds the read-side view of a booking request for polling
// clients.
package status

import (
	"context"
	"errors"

	"github.com/wolfman30/callpilot/internal/booking"
	"github.com/wolfman30/callpilot/internal/outcome"
	"github.com/wolfman30/callpilot/internal/providers"
	"github.com/wolfman30/callpilot/pkg/logging"
)

// ProviderView is the denormalized provider shown next to calls and bookings.
type ProviderView struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Category string  `json:"category"`
	Phone    string  `json:"phone"`
	Address  string  `json:"address,omitempty"`
	Rating   float64 `json:"rating"`
}

// CallView is a call with its provider.
type CallView struct {
	*booking.Call
	Provider *ProviderView `json:"provider,omitempty"`
}

// BookingView is a booking with its provider.
type BookingView struct {
	*booking.Booking
	Provider *ProviderView `json:"provider,omitempty"`
}

// View is the merged state of one request.
type View struct {
	Request *booking.Request `json:"request"`
	Calls   []CallView       `json:"calls"`
	Booking *BookingView     `json:"booking"`
}

// Projector reads views. It never takes the call session locks.
type Projector struct {
	store     booking.Store
	directory providers.Directory
	logger    *logging.Logger
}

func NewProjector(store booking.Store, directory providers.Directory, logger *logging.Logger) *Projector {
	if logger == nil {
		logger = logging.Default()
	}
	return &Projector{store: store, directory: directory, logger: logger}
}

// Get returns the view of a request. A request without calls has an empty
// call list; an unknown request yields booking.ErrRequestNotFound.
func (p *Projector) Get(ctx context.Context, requestID string) (*View, error) {
	snap, err := p.store.Snapshot(ctx, requestID)
	if err != nil {
		return nil, err
	}
	lookup := p.providerLookup(ctx)
	view := &View{Request: snap.Request, Calls: make([]CallView, 0, len(snap.Calls))}
	for _, c := range snap.Calls {
		p.ensureScore(ctx, c)
		view.Calls = append(view.Calls, CallView{Call: c, Provider: callProvider(lookup, c)})
	}
	if snap.Booking != nil {
		view.Booking = &BookingView{Booking: snap.Booking, Provider: lookup(snap.Booking.ProviderID)}
	}
	return view, nil
}

// GetCall returns one call of a request.
func (p *Projector) GetCall(ctx context.Context, requestID, callID string) (*CallView, error) {
	c, err := p.store.GetCall(ctx, callID)
	if err != nil {
		return nil, err
	}
	if c.RequestID != requestID {
		return nil, booking.ErrCallNotFound
	}
	p.ensureScore(ctx, c)
	return &CallView{Call: c, Provider: callProvider(p.providerLookup(ctx), c)}, nil
}

// ensureScore computes the quality score of a terminal call on first read.
func (p *Projector) ensureScore(ctx context.Context, c *booking.Call) {
	if c.Score != nil {
		return
	}
	score, ok := outcome.Score(c)
	if !ok {
		return
	}
	c.Score = &score
	if err := p.store.SetCallScore(ctx, c.ID, score); err != nil {
		p.logger.Warn("persist call score failed", "call_id", c.ID, "error", err)
	}
}

// callProvider falls back to the name and phone captured at dispatch when the
// provider is gone from the directory.
func callProvider(lookup func(string) *ProviderView, c *booking.Call) *ProviderView {
	if v := lookup(c.ProviderID); v != nil {
		return v
	}
	if c.ProviderName == "" && c.ProviderPhone == "" {
		return nil
	}
	return &ProviderView{ID: c.ProviderID, Name: c.ProviderName, Phone: c.ProviderPhone}
}

func (p *Projector) providerLookup(ctx context.Context) func(string) *ProviderView {
	seen := make(map[string]*ProviderView)
	return func(id string) *ProviderView {
		if id == "" || p.directory == nil {
			return nil
		}
		if v, ok := seen[id]; ok {
			return v
		}
		prov, err := p.directory.Get(ctx, id)
		if err != nil {
			if !errors.Is(err, providers.ErrNotFound) {
				p.logger.Warn("provider lookup failed", "provider_id", id, "error", err)
			}
			seen[id] = nil
			return nil
		}
		v := &ProviderView{
			ID:       prov.ID,
			Name:     prov.Name,
			Category: prov.Category,
			Phone:    prov.Phone,
			Address:  prov.Address,
			Rating:   prov.Rating,
		}
		seen[id] = v
		return v
	}
}
