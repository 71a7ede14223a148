// Package orchestrator is the booking orchestrator's public surface: it wires
// the dispatcher, call session manager, outcome resolver and status
// projection and exposes the request lifecycle operations.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/callpilot/internal/booking"
	"github.com/wolfman30/callpilot/internal/callsession"
	"github.com/wolfman30/callpilot/internal/dispatch"
	"github.com/wolfman30/callpilot/internal/events"
	"github.com/wolfman30/callpilot/internal/observability/metrics"
	"github.com/wolfman30/callpilot/internal/outcome"
	"github.com/wolfman30/callpilot/internal/providers"
	"github.com/wolfman30/callpilot/internal/status"
	"github.com/wolfman30/callpilot/pkg/logging"
)

var orchestratorTracer = otel.Tracer("callpilot.internal.orchestrator")

// Hangup ends a live phone leg.
type Hangup interface {
	EndCall(ctx context.Context, telephonyRef string) error
}

// Options wires a Service.
type Options struct {
	Store                booking.Store
	Directory            providers.Directory
	Dialer               dispatch.Dialer
	Hangup               Hangup
	Starter              callsession.ConversationStarter
	Locker               dispatch.Locker
	Notifier             events.Notifier
	Archiver             outcome.Archiver
	Metrics              *metrics.CallMetrics
	Logger               *logging.Logger
	Timeouts             callsession.Config
	MaxAttempts          int
	AutoRetry            bool
	DefaultMaxDistanceKm float64
	// Location resolves confirmed slot dates to appointment times.
	Location *time.Location
}

// Service implements request creation, dispatch, status polling,
// cancellation and event ingestion.
type Service struct {
	store      booking.Store
	directory  providers.Directory
	hangup     Hangup
	sessions   *callsession.Manager
	dispatcher *dispatch.Dispatcher
	resolver   *outcome.Resolver
	projector  *status.Projector
	notifier   events.Notifier
	logger     *logging.Logger
}

func New(opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.Notifier == nil {
		opts.Notifier = events.NopNotifier{}
	}
	sessions := callsession.NewManager(callsession.Options{
		Store:     opts.Store,
		Directory: opts.Directory,
		Starter:   opts.Starter,
		Notifier:  opts.Notifier,
		Metrics:   opts.Metrics,
		Logger:    opts.Logger,
		Config:    opts.Timeouts,
	})
	dispatcher := dispatch.NewDispatcher(dispatch.Options{
		Store:     opts.Store,
		Directory: opts.Directory,
		Dialer:    opts.Dialer,
		Hangup:    opts.Hangup,
		Sessions:  sessions,
		Locker:    opts.Locker,
		Notifier:  opts.Notifier,
		Metrics:   opts.Metrics,
		Logger:    opts.Logger,
		Config: dispatch.Config{
			MaxAttempts:          opts.MaxAttempts,
			DefaultMaxDistanceKm: opts.DefaultMaxDistanceKm,
		},
	})
	resolver := outcome.NewResolver(outcome.Options{
		Store:     opts.Store,
		Redialer:  dispatcher,
		Archiver:  opts.Archiver,
		Notifier:  opts.Notifier,
		Logger:    opts.Logger,
		AutoRetry: opts.AutoRetry,
		Location:  opts.Location,
	})
	sessions.SetResolver(resolver)
	return &Service{
		store:      opts.Store,
		directory:  opts.Directory,
		hangup:     opts.Hangup,
		sessions:   sessions,
		dispatcher: dispatcher,
		resolver:   resolver,
		projector:  status.NewProjector(opts.Store, opts.Directory, opts.Logger),
		notifier:   opts.Notifier,
		logger:     opts.Logger,
	}
}

// Sessions exposes the call session manager to the event edges and the sweeper.
func (s *Service) Sessions() *callsession.Manager {
	return s.sessions
}

// CreateRequest validates and stores a new pending request.
func (s *Service) CreateRequest(ctx context.Context, in booking.CreateRequestInput) (*booking.Request, error) {
	req, err := booking.NewRequest(in, time.Now())
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateRequest(ctx, req); err != nil {
		return nil, err
	}
	s.logger.Info("booking request created", "request_id", req.ID, "service_type", req.ServiceType)
	return req, nil
}

// Dispatch issues a call for a request, optionally pinned to a provider.
func (s *Service) Dispatch(ctx context.Context, requestID, providerID string) (*booking.Call, error) {
	return s.dispatcher.Dispatch(ctx, requestID, providerID)
}

// Status returns the merged view of a request.
func (s *Service) Status(ctx context.Context, requestID string) (*status.View, error) {
	return s.projector.Get(ctx, requestID)
}

// Call returns one call of a request.
func (s *Service) Call(ctx context.Context, requestID, callID string) (*status.CallView, error) {
	return s.projector.GetCall(ctx, requestID, callID)
}

// Cancel closes a request with reason "cancelled" and fails its live call.
// Cancelling an already failed request returns it unchanged; a completed
// request cannot be cancelled.
func (s *Service) Cancel(ctx context.Context, requestID string) (*booking.Request, error) {
	ctx, span := orchestratorTracer.Start(ctx, "orchestrator.Cancel")
	defer span.End()
	span.SetAttributes(attribute.String("callpilot.request_id", requestID))

	req, err := s.store.TransitionRequest(ctx, requestID, booking.RequestFailed, booking.ReasonCancelled)
	if errors.Is(err, booking.ErrRequestTerminal) {
		current, gerr := s.store.GetRequest(ctx, requestID)
		if gerr != nil {
			return nil, gerr
		}
		if current.Status == booking.RequestCompleted {
			return nil, fmt.Errorf("%w: request already completed", booking.ErrRequestTerminal)
		}
		return current, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	s.publishCancelled(ctx, req)

	calls, err := s.store.ListCalls(ctx, requestID)
	if err != nil {
		return req, err
	}
	for _, c := range calls {
		if c.Status.Terminal() {
			continue
		}
		if c.TelephonyRef != "" && s.hangup != nil {
			if err := s.hangup.EndCall(ctx, c.TelephonyRef); err != nil {
				s.logger.Warn("hangup on cancel failed", "call_id", c.ID, "error", err)
			}
		}
		if _, err := s.sessions.Fail(ctx, c.ID, booking.ReasonCancelled); err != nil {
			s.logger.Error("fail call on cancel", "call_id", c.ID, "error", err)
		}
	}
	s.logger.Info("booking request cancelled", "request_id", requestID)
	return req, nil
}

func (s *Service) publishCancelled(ctx context.Context, req *booking.Request) {
	err := s.notifier.Publish(ctx, events.Transition{
		Entity:    events.EntityRequest,
		RequestID: req.ID,
		To:        string(req.Status),
		Reason:    req.Reason,
		At:        req.UpdatedAt,
	})
	if err != nil {
		s.logger.Warn("publish cancel transition failed", "request_id", req.ID, "error", err)
	}
}

// Script returns the conversation context of a call, used to greet the callee.
// A call that already ended has no script.
func (s *Service) Script(ctx context.Context, callID string) (callsession.Script, error) {
	c, err := s.store.GetCall(ctx, callID)
	if err != nil {
		return callsession.Script{}, err
	}
	if c.Status.Terminal() {
		return callsession.Script{}, fmt.Errorf("%w: %s is %s", booking.ErrCallEnded, callID, c.Status)
	}
	return s.sessions.Script(ctx, c)
}

// Locator identifies the call an external event belongs to.
type Locator struct {
	CallID          string
	TelephonyRef    string
	ConversationRef string
}

// HandleEvent applies an external event to the call it belongs to.
func (s *Service) HandleEvent(ctx context.Context, loc Locator, ev callsession.Event) (*booking.Call, error) {
	callID, err := s.locate(ctx, loc)
	if err != nil {
		return nil, err
	}
	return s.sessions.Handle(ctx, callID, ev)
}

func (s *Service) locate(ctx context.Context, loc Locator) (string, error) {
	if loc.CallID != "" {
		return loc.CallID, nil
	}
	if loc.ConversationRef != "" {
		c, err := s.store.FindCallByConversationRef(ctx, loc.ConversationRef)
		if err == nil {
			return c.ID, nil
		}
		if !errors.Is(err, booking.ErrCallNotFound) {
			return "", err
		}
	}
	if loc.TelephonyRef != "" {
		c, err := s.store.FindCallByTelephonyRef(ctx, loc.TelephonyRef)
		if err != nil {
			return "", err
		}
		return c.ID, nil
	}
	return "", booking.ErrCallNotFound
}

// Providers lists the directory, optionally narrowed to one category.
func (s *Service) Providers(ctx context.Context, category string) ([]*providers.Provider, error) {
	return s.directory.List(ctx, providers.Filter{Category: category})
}

// Provider returns one directory entry.
func (s *Service) Provider(ctx context.Context, id string) (*providers.Provider, error) {
	return s.directory.Get(ctx, id)
}

// UpsertProvider adds a provider or refreshes its rating and hours.
func (s *Service) UpsertProvider(ctx context.Context, p *providers.Provider) (*providers.Provider, error) {
	return s.directory.Upsert(ctx, p)
}

// DeleteProvider removes a provider and detaches it from call and booking history.
func (s *Service) DeleteProvider(ctx context.Context, id string) error {
	if err := s.directory.Delete(ctx, id); err != nil {
		return err
	}
	return s.store.DetachProvider(ctx, id)
}
