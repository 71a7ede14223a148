package outcome

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/callpilot/internal/booking"
	"github.com/wolfman30/callpilot/internal/events"
	"github.com/wolfman30/callpilot/pkg/logging"
)

var outcomeTracer = otel.Tracer("callpilot.internal.outcome")

// Redialer issues follow-up calls for a request.
type Redialer interface {
	// DispatchNext calls the next untried candidate, closing the request when
	// none remains or the attempt budget is spent.
	DispatchNext(ctx context.Context, requestID string) (*booking.Call, error)
	// CloseIfExhausted fails the request when no further attempt is possible.
	CloseIfExhausted(ctx context.Context, requestID string) (bool, error)
}

// Archiver stores the final record of a call.
type Archiver interface {
	Archive(ctx context.Context, req *booking.Request, call *booking.Call) error
}

// Options wires a Resolver.
type Options struct {
	Store     booking.Store
	Redialer  Redialer
	Archiver  Archiver
	Notifier  events.Notifier
	Logger    *logging.Logger
	AutoRetry bool
	// Location resolves slot dates to appointment times. Defaults to UTC.
	Location *time.Location
}

// Resolver finalizes terminal calls.
type Resolver struct {
	store     booking.Store
	redialer  Redialer
	archiver  Archiver
	notifier  events.Notifier
	logger    *logging.Logger
	autoRetry bool
	location  *time.Location
}

func NewResolver(opts Options) *Resolver {
	if opts.Store == nil {
		panic("outcome: store required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.Notifier == nil {
		opts.Notifier = events.NopNotifier{}
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Resolver{
		store:     opts.Store,
		redialer:  opts.Redialer,
		archiver:  opts.Archiver,
		notifier:  opts.Notifier,
		logger:    opts.Logger,
		autoRetry: opts.AutoRetry,
		location:  opts.Location,
	}
}

// SetRedialer attaches the dispatcher used for retries.
func (r *Resolver) SetRedialer(d Redialer) {
	r.redialer = d
}

// Resolve classifies the terminal call and persists it. A booked call is
// committed together with its booking and the request completion; if the
// request was closed meanwhile the call is recorded as failed instead.
func (r *Resolver) Resolve(ctx context.Context, call *booking.Call) error {
	ctx, span := outcomeTracer.Start(ctx, "outcome.Resolve")
	defer span.End()
	span.SetAttributes(
		attribute.String("callpilot.request_id", call.RequestID),
		attribute.String("callpilot.call_id", call.ID),
		attribute.String("callpilot.call_status", string(call.Status)),
	)

	req, err := r.store.GetRequest(ctx, call.RequestID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("outcome: load request: %w", err)
	}
	cls := Classify(call, req)
	call.Outcome = cls.Outcome
	call.Reason = cls.Reason
	span.SetAttributes(attribute.String("callpilot.outcome", string(cls.Outcome)))

	if cls.Outcome != booking.OutcomeBooked {
		if err := r.store.UpdateCall(ctx, call); err != nil {
			span.RecordError(err)
			return fmt.Errorf("outcome: store call: %w", err)
		}
		return nil
	}

	err = r.commitBooking(ctx, call, cls.Slot)
	if err == nil {
		return nil
	}
	if !errors.Is(err, booking.ErrRequestTerminal) && !errors.Is(err, booking.ErrDuplicateBooking) {
		span.RecordError(err)
		return err
	}
	r.logger.Error("booking rejected", "call_id", call.ID, "request_id", call.RequestID, "error", err)
	call.BookedSlot = nil
	call.ConfirmationNumber = ""
	call.Outcome = booking.OutcomeFailed
	call.Reason = "booking rejected: " + err.Error()
	if err := r.store.UpdateCall(ctx, call); err != nil {
		span.RecordError(err)
		return fmt.Errorf("outcome: store rejected call: %w", err)
	}
	return nil
}

func (r *Resolver) commitBooking(ctx context.Context, call *booking.Call, confirmed *booking.ConfirmedSlot) error {
	ctx, span := outcomeTracer.Start(ctx, "outcome.CommitBooking")
	defer span.End()

	at, err := confirmed.AppointmentTime(r.location)
	if err != nil {
		return err
	}
	slot := confirmed.Slot
	call.BookedSlot = &slot
	call.ConfirmationNumber = confirmed.ConfirmationNumber
	b := &booking.Booking{
		ID:                 uuid.NewString(),
		RequestID:          call.RequestID,
		CallID:             call.ID,
		ProviderID:         call.ProviderID,
		AppointmentTime:    at,
		ConfirmationNumber: confirmed.ConfirmationNumber,
		Status:             booking.BookingConfirmed,
	}
	if err := r.store.CommitBooking(ctx, call, b); err != nil {
		span.RecordError(err)
		return err
	}
	span.SetAttributes(attribute.String("callpilot.booking_id", b.ID))
	r.logger.Info("booking confirmed", "request_id", b.RequestID, "call_id", b.CallID, "booking_id", b.ID,
		"appointment_time", b.AppointmentTime, "confirmation_number", b.ConfirmationNumber)
	return nil
}

// Settle archives the call and moves the request forward: completed requests
// are announced, retryable outcomes trigger the next attempt or close the
// request when none remains.
func (r *Resolver) Settle(ctx context.Context, call *booking.Call) {
	ctx, span := outcomeTracer.Start(ctx, "outcome.Settle")
	defer span.End()
	span.SetAttributes(
		attribute.String("callpilot.request_id", call.RequestID),
		attribute.String("callpilot.call_id", call.ID),
		attribute.String("callpilot.outcome", string(call.Outcome)),
	)

	req, err := r.store.GetRequest(ctx, call.RequestID)
	if err != nil {
		span.RecordError(err)
		r.logger.Error("settle: load request failed", "request_id", call.RequestID, "error", err)
		return
	}
	r.archive(ctx, req, call)

	if call.Outcome == booking.OutcomeBooked {
		r.publish(ctx, events.Transition{
			Entity:    events.EntityRequest,
			RequestID: req.ID,
			CallID:    call.ID,
			From:      string(booking.RequestCalling),
			To:        string(req.Status),
			Outcome:   string(call.Outcome),
			At:        req.UpdatedAt,
		})
		return
	}
	if req.Status.Terminal() {
		r.logger.Info("call settled on closed request", "request_id", req.ID, "call_id", call.ID, "status", req.Status, "outcome", call.Outcome)
		return
	}
	if r.redialer == nil {
		return
	}

	if r.autoRetry {
		next, err := r.redialer.DispatchNext(ctx, req.ID)
		switch {
		case err == nil:
			r.logger.Info("retrying with next provider", "request_id", req.ID, "previous_call_id", call.ID, "call_id", next.ID, "provider_id", next.ProviderID)
		case errors.Is(err, booking.ErrNoProviders), errors.Is(err, booking.ErrAttemptsExhausted), errors.Is(err, booking.ErrRequestTerminal):
			r.logger.Info("request closed without booking", "request_id", req.ID, "reason", booking.ExhaustedReason(call))
		case errors.Is(err, booking.ErrAlreadyInFlight):
			r.logger.Info("retry skipped: call already in flight", "request_id", req.ID)
		default:
			span.RecordError(err)
			r.logger.Error("retry dispatch failed", "request_id", req.ID, "error", err)
		}
		return
	}
	if closed, err := r.redialer.CloseIfExhausted(ctx, req.ID); err != nil {
		span.RecordError(err)
		r.logger.Error("exhaustion check failed", "request_id", req.ID, "error", err)
	} else if closed {
		r.logger.Info("request closed without booking", "request_id", req.ID, "reason", booking.ExhaustedReason(call))
	}
}

func (r *Resolver) archive(ctx context.Context, req *booking.Request, call *booking.Call) {
	if r.archiver == nil {
		return
	}
	if err := r.archiver.Archive(ctx, req, call); err != nil {
		r.logger.Warn("transcript archive failed", "call_id", call.ID, "error", err)
	}
}

func (r *Resolver) publish(ctx context.Context, t events.Transition) {
	if err := r.notifier.Publish(ctx, t); err != nil {
		r.logger.Warn("publish request transition failed", "request_id", t.RequestID, "error", err)
	}
}
