// Package dispatch selects providers for a booking request and issues calls,
// one at a time per request.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/callpilot/internal/booking"
	"github.com/wolfman30/callpilot/internal/events"
	"github.com/wolfman30/callpilot/internal/observability/metrics"
	"github.com/wolfman30/callpilot/internal/providers"
	"github.com/wolfman30/callpilot/pkg/logging"
)

var dispatchTracer = otel.Tracer("callpilot.internal.dispatch")

// Dialer places the outbound phone leg and returns the provider's call reference.
type Dialer interface {
	PlaceCall(ctx context.Context, to, callID string) (string, error)
}

// Hangup ends a phone leg that outlived its call.
type Hangup interface {
	EndCall(ctx context.Context, telephonyRef string) error
}

// Sessions is the part of the call session manager the dispatcher drives.
type Sessions interface {
	Open(ctx context.Context, call *booking.Call)
	Attach(ctx context.Context, callID, telephonyRef string) (*booking.Call, error)
	Fail(ctx context.Context, callID, reason string) (*booking.Call, error)
}

// Config bounds dispatching.
type Config struct {
	MaxAttempts          int
	DefaultMaxDistanceKm float64
}

// Options wires a Dispatcher.
type Options struct {
	Store     booking.Store
	Directory providers.Directory
	Dialer    Dialer
	Hangup    Hangup
	Sessions  Sessions
	Locker    Locker
	Notifier  events.Notifier
	Metrics   *metrics.CallMetrics
	Logger    *logging.Logger
	Config    Config
	// Now is consulted for provider hours; defaults to time.Now.
	Now func() time.Time
}

// Candidate is a provider eligible for a request.
type Candidate struct {
	Provider *providers.Provider
	// DistanceKm is negative when either side has no coordinates.
	DistanceKm float64
	// Open is false when the provider's hours exclude the dispatch time.
	Open   bool
	Pinned bool
}

// Dispatcher issues calls for requests.
type Dispatcher struct {
	store     booking.Store
	directory providers.Directory
	dialer    Dialer
	hangup    Hangup
	sessions  Sessions
	locker    Locker
	notifier  events.Notifier
	metrics   *metrics.CallMetrics
	logger    *logging.Logger
	cfg       Config
	now       func() time.Time
}

func NewDispatcher(opts Options) *Dispatcher {
	if opts.Store == nil || opts.Directory == nil || opts.Dialer == nil || opts.Sessions == nil {
		panic("dispatch: store, directory, dialer and sessions are required")
	}
	if opts.Locker == nil {
		opts.Locker = NewLocalLocker()
	}
	if opts.Notifier == nil {
		opts.Notifier = events.NopNotifier{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.Config.MaxAttempts <= 0 {
		opts.Config.MaxAttempts = 3
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Dispatcher{
		store:     opts.Store,
		directory: opts.Directory,
		dialer:    opts.Dialer,
		hangup:    opts.Hangup,
		sessions:  opts.Sessions,
		locker:    opts.Locker,
		notifier:  opts.Notifier,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		cfg:       opts.Config,
		now:       opts.Now,
	}
}

// Candidates lists the providers eligible for req in call order: the pinned
// provider first, then providers open right now ahead of closed ones, each
// group by rating descending and distance ascending.
func (d *Dispatcher) Candidates(ctx context.Context, req *booking.Request, pinnedID string) ([]Candidate, error) {
	list, err := d.directory.List(ctx, providers.Filter{Category: req.ServiceType})
	if err != nil {
		return nil, fmt.Errorf("dispatch: list providers: %w", err)
	}
	maxDistance := req.MaxDistanceKm
	if maxDistance == 0 {
		maxDistance = d.cfg.DefaultMaxDistanceKm
	}
	now := d.now()
	out := make([]Candidate, 0, len(list))
	for _, p := range list {
		if p.ID == pinnedID {
			continue
		}
		dist := distance(req, p)
		if maxDistance > 0 && req.Coordinates != nil && (dist < 0 || dist > maxDistance) {
			continue
		}
		out = append(out, Candidate{Provider: p, DistanceKm: dist, Open: p.OpenAt(now)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Open != b.Open {
			return a.Open
		}
		if a.Provider.Rating != b.Provider.Rating {
			return a.Provider.Rating > b.Provider.Rating
		}
		if da, db := sortDistance(a.DistanceKm), sortDistance(b.DistanceKm); da != db {
			return da < db
		}
		return a.Provider.ID < b.Provider.ID
	})
	if pinnedID == "" {
		return out, nil
	}
	pinned, err := d.directory.Get(ctx, pinnedID)
	if err != nil {
		return nil, err
	}
	first := Candidate{Provider: pinned, DistanceKm: distance(req, pinned), Open: pinned.OpenAt(now), Pinned: true}
	return append([]Candidate{first}, out...), nil
}

// Dispatch issues the next call for a request, optionally pinned to one
// provider. It fails with booking.ErrAlreadyInFlight while another call of
// the request is live and closes the request when no provider is eligible.
func (d *Dispatcher) Dispatch(ctx context.Context, requestID, pinnedProviderID string) (*booking.Call, error) {
	ctx, span := dispatchTracer.Start(ctx, "dispatch.Dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("callpilot.request_id", requestID),
		attribute.String("callpilot.pinned_provider_id", pinnedProviderID),
	)

	release, err := d.locker.Acquire(ctx, requestID)
	if err != nil {
		d.metrics.ObserveDispatch(resultLabel(err))
		return nil, err
	}
	call, provider, err := d.prepare(ctx, requestID, pinnedProviderID)
	release()
	if err != nil {
		span.RecordError(err)
		d.metrics.ObserveDispatch(resultLabel(err))
		d.logger.Info("dispatch rejected", "request_id", requestID, "error", err)
		return nil, err
	}
	span.SetAttributes(attribute.String("callpilot.call_id", call.ID), attribute.String("callpilot.provider_id", provider.ID))

	d.sessions.Open(ctx, call)
	ref, err := d.dialer.PlaceCall(ctx, provider.Phone, call.ID)
	if err != nil {
		span.RecordError(err)
		d.metrics.ObserveDispatch("dial_failed")
		d.logger.Error("dial failed", "request_id", requestID, "call_id", call.ID, "provider_id", provider.ID, "error", err)
		failed, ferr := d.sessions.Fail(ctx, call.ID, "dial failed: "+err.Error())
		if ferr != nil {
			d.logger.Error("failing undialled call", "call_id", call.ID, "error", ferr)
		}
		if failed != nil {
			call = failed
		}
		return call, booking.IntegrationError("place call", err)
	}
	attached, err := d.sessions.Attach(ctx, call.ID, ref)
	if err != nil {
		d.logger.Warn("attach telephony ref failed", "call_id", call.ID, "error", err)
	}
	if attached != nil {
		call = attached
	}
	if call.Status.Terminal() {
		// The call was closed (usually by a cancel) while the dial was in flight.
		d.endLeg(ctx, call, ref)
		d.metrics.ObserveDispatch("closed_while_dialing")
		return call, fmt.Errorf("%w: call %s ended while dialing", booking.ErrRequestTerminal, call.ID)
	}
	d.metrics.ObserveDispatch("ok")
	d.logger.Info("call dispatched", "request_id", requestID, "call_id", call.ID, "provider_id", provider.ID,
		"phone", logging.MaskPhone(provider.Phone))
	return call, nil
}

func (d *Dispatcher) endLeg(ctx context.Context, call *booking.Call, ref string) {
	if d.hangup == nil {
		d.logger.Warn("no hangup configured for orphaned leg", "call_id", call.ID, "call_sid", ref)
		return
	}
	if err := d.hangup.EndCall(ctx, ref); err != nil {
		d.logger.Error("hang up orphaned leg failed", "call_id", call.ID, "call_sid", ref, "error", err)
		return
	}
	d.logger.Info("orphaned leg hung up", "request_id", call.RequestID, "call_id", call.ID, "call_sid", ref)
}

// DispatchNext calls the next untried candidate of a request.
func (d *Dispatcher) DispatchNext(ctx context.Context, requestID string) (*booking.Call, error) {
	return d.Dispatch(ctx, requestID, "")
}

// CloseIfExhausted fails a request that has no live call and no remaining
// attempt, recording the last call's outcome as the reason.
func (d *Dispatcher) CloseIfExhausted(ctx context.Context, requestID string) (bool, error) {
	release, err := d.locker.Acquire(ctx, requestID)
	if errors.Is(err, booking.ErrAlreadyInFlight) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer release()

	req, err := d.store.GetRequest(ctx, requestID)
	if err != nil {
		return false, err
	}
	if req.Status.Terminal() {
		return false, nil
	}
	calls, err := d.store.ListCalls(ctx, requestID)
	if err != nil {
		return false, err
	}
	if hasActive(calls) {
		return false, nil
	}
	if len(calls) < d.cfg.MaxAttempts {
		candidates, err := d.Candidates(ctx, req, "")
		if err != nil {
			return false, err
		}
		if nextUntried(candidates, calls) != nil {
			return false, nil
		}
	}
	return true, d.closeRequest(ctx, req, latest(calls))
}

func (d *Dispatcher) prepare(ctx context.Context, requestID, pinnedID string) (*booking.Call, *providers.Provider, error) {
	req, err := d.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}
	if req.Status.Terminal() {
		return nil, nil, booking.ErrRequestTerminal
	}
	calls, err := d.store.ListCalls(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}
	if hasActive(calls) {
		return nil, nil, booking.ErrAlreadyInFlight
	}
	if len(calls) >= d.cfg.MaxAttempts {
		if err := d.closeRequest(ctx, req, latest(calls)); err != nil {
			return nil, nil, err
		}
		return nil, nil, booking.ErrAttemptsExhausted
	}

	candidates, err := d.Candidates(ctx, req, pinnedID)
	if err != nil {
		return nil, nil, err
	}
	if len(candidates) == 0 {
		if err := d.failRequest(ctx, req, "no providers"); err != nil {
			return nil, nil, err
		}
		return nil, nil, booking.ErrNoProviders
	}
	var chosen *providers.Provider
	if pinnedID != "" {
		chosen = candidates[0].Provider
	} else {
		chosen = nextUntried(candidates, calls)
	}
	if chosen == nil {
		if err := d.closeRequest(ctx, req, latest(calls)); err != nil {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("%w: every candidate has been called", booking.ErrNoProviders)
	}

	call := booking.NewCall(req.ID, chosen.ID, time.Now())
	call.ProviderName = chosen.Name
	call.ProviderPhone = chosen.Phone
	if err := d.store.CreateCall(ctx, call); err != nil {
		return nil, nil, err
	}
	if req.Status == booking.RequestPending {
		if _, err := d.store.TransitionRequest(ctx, req.ID, booking.RequestCalling, "", booking.RequestPending); err != nil {
			d.abandon(ctx, call, err)
			return nil, nil, err
		}
		d.publish(ctx, req, booking.RequestCalling, "")
	}
	return call, chosen, nil
}

// abandon closes a call whose request could not be moved to calling.
func (d *Dispatcher) abandon(ctx context.Context, call *booking.Call, cause error) {
	now := time.Now().UTC()
	call.Status = booking.CallFailed
	call.Outcome = booking.OutcomeFailed
	call.Reason = "request closed before dial"
	call.EndedAt = &now
	if err := d.store.UpdateCall(ctx, call); err != nil {
		d.logger.Error("abandon call failed", "call_id", call.ID, "cause", cause, "error", err)
	}
}

func (d *Dispatcher) closeRequest(ctx context.Context, req *booking.Request, last *booking.Call) error {
	return d.failRequest(ctx, req, booking.ExhaustedReason(last))
}

func (d *Dispatcher) failRequest(ctx context.Context, req *booking.Request, reason string) error {
	if _, err := d.store.TransitionRequest(ctx, req.ID, booking.RequestFailed, reason); err != nil {
		if errors.Is(err, booking.ErrRequestTerminal) {
			return nil
		}
		return fmt.Errorf("dispatch: fail request: %w", err)
	}
	d.logger.Info("request failed", "request_id", req.ID, "reason", reason)
	d.publish(ctx, req, booking.RequestFailed, reason)
	return nil
}

func (d *Dispatcher) publish(ctx context.Context, req *booking.Request, to booking.RequestStatus, reason string) {
	err := d.notifier.Publish(ctx, events.Transition{
		Entity:    events.EntityRequest,
		RequestID: req.ID,
		From:      string(req.Status),
		To:        string(to),
		Reason:    reason,
		At:        time.Now().UTC(),
	})
	if err != nil {
		d.logger.Warn("publish request transition failed", "request_id", req.ID, "error", err)
	}
}

func nextUntried(candidates []Candidate, calls []*booking.Call) *providers.Provider {
	tried := make(map[string]bool, len(calls))
	for _, c := range calls {
		tried[c.ProviderID] = true
	}
	for _, c := range candidates {
		if !tried[c.Provider.ID] {
			return c.Provider
		}
	}
	return nil
}

func hasActive(calls []*booking.Call) bool {
	for _, c := range calls {
		if !c.Status.Terminal() {
			return true
		}
	}
	return false
}

// latest returns the newest call; calls are listed newest first.
func latest(calls []*booking.Call) *booking.Call {
	if len(calls) == 0 {
		return nil
	}
	return calls[0]
}

func distance(req *booking.Request, p *providers.Provider) float64 {
	if req.Coordinates == nil || p.Coordinates == nil {
		return -1
	}
	return providers.DistanceKm(*req.Coordinates, *p.Coordinates)
}

func sortDistance(d float64) float64 {
	if d < 0 {
		return math.Inf(1)
	}
	return d
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, booking.ErrAlreadyInFlight):
		return "in_flight"
	case errors.Is(err, booking.ErrNoProviders):
		return "no_providers"
	case errors.Is(err, booking.ErrAttemptsExhausted):
		return "exhausted"
	default:
		return booking.KindOf(err).String()
	}
}
