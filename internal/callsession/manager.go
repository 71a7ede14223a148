// Package callsession drives each call through its state machine, applying
// telephony and conversation events under a per-call lock and firing ring,
// stall and hangup-grace timeouts.
package callsession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/wolfman30/callpilot/internal/booking"
	"github.com/wolfman30/callpilot/internal/events"
	"github.com/wolfman30/callpilot/internal/observability/metrics"
	"github.com/wolfman30/callpilot/internal/providers"
	"github.com/wolfman30/callpilot/pkg/logging"
)

const (
	ReasonRingTimeout       = "ring timeout"
	ReasonStalled           = "stalled"
	ReasonConversationError = "conversation error"

	maxPersistAttempts = 3
)

// Script is the context handed to the conversation vendor when a call connects.
type Script struct {
	CallID         string               `json:"call_id"`
	RequestID      string               `json:"request_id"`
	ServiceType    string               `json:"service_type"`
	ProviderName   string               `json:"provider_name"`
	PreferredDates []string             `json:"preferred_dates"`
	PreferredTimes []booking.TimeBucket `json:"preferred_times"`
	Location       string               `json:"location,omitempty"`
	Notes          string               `json:"notes,omitempty"`
}

// ConversationStarter opens the AI conversation leg for an answered call.
type ConversationStarter interface {
	StartConversation(ctx context.Context, telephonyRef string, script Script) (string, error)
}

// Resolver turns terminal calls into outcomes. Resolve runs under the call
// lock and must persist the call; Settle runs after the lock is released.
type Resolver interface {
	Resolve(ctx context.Context, call *booking.Call) error
	Settle(ctx context.Context, call *booking.Call)
}

// Config bounds the waits of a call. EndWindow is how long a conversation end
// is held so that events stamped before it can still be applied.
type Config struct {
	RingTimeout  time.Duration
	StallTimeout time.Duration
	HangupGrace  time.Duration
	EndWindow    time.Duration
}

// Options wires a Manager.
type Options struct {
	Store     booking.Store
	Directory providers.Directory
	Starter   ConversationStarter
	Resolver  Resolver
	Notifier  events.Notifier
	Metrics   *metrics.CallMetrics
	Logger    *logging.Logger
	Config    Config
	Now       func() time.Time
}

// Manager owns the live sessions of this process.
type Manager struct {
	store     booking.Store
	directory providers.Directory
	starter   ConversationStarter
	resolver  Resolver
	notifier  events.Notifier
	metrics   *metrics.CallMetrics
	logger    *logging.Logger
	cfg       Config
	now       func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	mu    sync.Mutex
	timer *time.Timer
}

type step struct {
	from, to booking.CallStatus
}

// conversationLeg remembers the conversation start of one Handle call across
// persist retries, so the vendor is asked at most once.
type conversationLeg struct {
	started bool
	ref     string
	err     error
}

// NewManager builds a Manager. The resolver may be attached later with
// SetResolver when it depends on components built from the manager.
func NewManager(opts Options) *Manager {
	if opts.Store == nil {
		panic("callsession: store required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.Notifier == nil {
		opts.Notifier = events.NopNotifier{}
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Config.RingTimeout <= 0 {
		opts.Config.RingTimeout = 30 * time.Second
	}
	if opts.Config.StallTimeout <= 0 {
		opts.Config.StallTimeout = 90 * time.Second
	}
	if opts.Config.HangupGrace <= 0 {
		opts.Config.HangupGrace = 10 * time.Second
	}
	if opts.Config.EndWindow <= 0 {
		opts.Config.EndWindow = 2 * time.Second
	}
	return &Manager{
		store:     opts.Store,
		directory: opts.Directory,
		starter:   opts.Starter,
		resolver:  opts.Resolver,
		notifier:  opts.Notifier,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		cfg:       opts.Config,
		now:       opts.Now,
		sessions:  make(map[string]*session),
	}
}

// SetResolver attaches the resolver. It must be called before events flow.
func (m *Manager) SetResolver(r Resolver) {
	m.resolver = r
}

// Open starts tracking a freshly created call and arms its ring timer.
func (m *Manager) Open(ctx context.Context, call *booking.Call) {
	s := m.session(call.ID)
	s.mu.Lock()
	defer s.mu.Unlock()
	m.arm(s, call)
	m.logger.Info("call session opened", "call_id", call.ID, "request_id", call.RequestID, "provider_id", call.ProviderID)
}

// Attach records the telephony reference returned by the dialer. The
// reference is stored even when the call ended while the dial was in flight;
// the returned call is then terminal and the caller must hang the leg up.
func (m *Manager) Attach(ctx context.Context, callID, telephonyRef string) (*booking.Call, error) {
	s := m.session(callID)
	s.mu.Lock()
	call, err := m.attachLocked(ctx, callID, telephonyRef)
	s.mu.Unlock()
	if call == nil || call.Status.Terminal() {
		m.drop(callID)
	}
	return call, err
}

func (m *Manager) attachLocked(ctx context.Context, callID, telephonyRef string) (*booking.Call, error) {
	call, err := m.mutate(ctx, callID, func(c *booking.Call) bool {
		if c.Status.Terminal() || c.TelephonyRef != "" {
			return false
		}
		c.TelephonyRef = telephonyRef
		return true
	})
	if err != nil || !call.Status.Terminal() || call.TelephonyRef != "" {
		return call, err
	}
	if err := m.store.SetTelephonyRef(ctx, callID, telephonyRef); err != nil {
		return call, fmt.Errorf("callsession: record telephony ref: %w", err)
	}
	call.TelephonyRef = telephonyRef
	m.logger.Warn("telephony leg attached to ended call", "call_id", callID, "call_sid", telephonyRef, "status", call.Status)
	return call, nil
}

// Handle applies one event to a call. Replays and events against a terminal
// call are recorded without changing the call.
func (m *Manager) Handle(ctx context.Context, callID string, ev Event) (*booking.Call, error) {
	s := m.session(callID)
	s.mu.Lock()
	call, terminal, err := m.handleLocked(ctx, s, callID, ev)
	s.mu.Unlock()
	switch {
	case terminal:
		m.finish(ctx, call)
	case call == nil || call.Status.Terminal():
		m.drop(callID)
	}
	return call, err
}

func (m *Manager) handleLocked(ctx context.Context, s *session, callID string, ev Event) (*booking.Call, bool, error) {
	key := EventKey(ev)
	var steps []step
	leg := &conversationLeg{}
	for attempt := 1; ; attempt++ {
		call, err := m.store.GetCall(ctx, callID)
		if err != nil {
			return nil, false, err
		}
		if call.Status.Terminal() {
			m.journal(ctx, call.ID, key, ev, false)
			m.logger.Info("event after terminal status recorded", "call_id", call.ID, "event_type", ev.Kind(), "status", call.Status)
			return call, false, nil
		}
		if call.HasApplied(key) {
			m.logger.Debug("duplicate call event ignored", "call_id", call.ID, "event_type", ev.Kind())
			return call, false, nil
		}
		if u, ok := ev.(Unrecognized); ok {
			m.journal(ctx, call.ID, key, ev, false)
			m.logger.Warn("unrecognized call event ignored", "call_id", call.ID, "source", u.Source, "type", u.Type)
			return call, false, nil
		}
		if end := call.PendingEnd; end != nil && conversational(ev) && !m.withinEnd(end, ev) {
			m.journal(ctx, call.ID, key, ev, false)
			m.logger.Info("event after conversation end recorded", "call_id", call.ID, "event_type", ev.Kind())
			return call, false, nil
		}

		now := m.now()
		next := call.Clone()
		steps = m.apply(ctx, next, ev, now, leg)
		next.MarkApplied(key)
		next.LastEventAt = now
		err = m.persist(ctx, next, now)
		if errors.Is(err, booking.ErrStaleCall) && attempt < maxPersistAttempts {
			continue
		}
		if err != nil {
			return call, false, err
		}
		m.journal(ctx, next.ID, key, ev, true)
		m.record(ctx, next, steps)
		m.arm(s, next)
		return next, next.Status.Terminal(), nil
	}
}

// Fail moves a non-terminal call to failed with reason. A terminal call is
// returned unchanged.
func (m *Manager) Fail(ctx context.Context, callID, reason string) (*booking.Call, error) {
	return m.terminate(ctx, callID, "fail", func(c *booking.Call, _ time.Time) (booking.CallStatus, string, bool) {
		return booking.CallFailed, reason, true
	})
}

// ExpireIfDue applies a ring, stall, hangup-grace or end-window deadline that has
// passed. It is driven by the session timer and by the sweeper.
func (m *Manager) ExpireIfDue(ctx context.Context, callID string) (bool, error) {
	expired := false
	_, err := m.terminate(ctx, callID, "timeout", func(c *booking.Call, now time.Time) (booking.CallStatus, string, bool) {
		to, reason, due := m.due(c, now)
		expired = due
		return to, reason, due
	})
	return expired, err
}

type terminalRule func(c *booking.Call, now time.Time) (booking.CallStatus, string, bool)

func (m *Manager) terminate(ctx context.Context, callID, kind string, rule terminalRule) (*booking.Call, error) {
	s := m.session(callID)
	s.mu.Lock()
	call, terminal, err := m.terminateLocked(ctx, s, callID, kind, rule)
	s.mu.Unlock()
	switch {
	case terminal:
		m.finish(ctx, call)
	case call == nil || call.Status.Terminal():
		m.drop(callID)
	}
	return call, err
}

func (m *Manager) terminateLocked(ctx context.Context, s *session, callID, kind string, rule terminalRule) (*booking.Call, bool, error) {
	for attempt := 1; ; attempt++ {
		call, err := m.store.GetCall(ctx, callID)
		if err != nil {
			return nil, false, err
		}
		if call.Status.Terminal() {
			return call, false, nil
		}
		now := m.now()
		to, reason, ok := rule(call, now)
		if !ok {
			m.arm(s, call)
			return call, false, nil
		}
		next := call.Clone()
		var steps []step
		if reason != "" {
			next.Reason = reason
		}
		m.move(next, to, &steps)
		err = m.persist(ctx, next, now)
		if errors.Is(err, booking.ErrStaleCall) && attempt < maxPersistAttempts {
			continue
		}
		if err != nil {
			return call, false, err
		}
		m.journalInternal(ctx, next.ID, kind, next.Reason)
		m.record(ctx, next, steps)
		m.logger.Info("call terminated", "call_id", next.ID, "status", next.Status, "reason", next.Reason)
		return next, true, nil
	}
}

func (m *Manager) mutate(ctx context.Context, callID string, fn func(*booking.Call) bool) (*booking.Call, error) {
	for attempt := 1; ; attempt++ {
		call, err := m.store.GetCall(ctx, callID)
		if err != nil {
			return nil, err
		}
		next := call.Clone()
		if !fn(next) {
			return call, nil
		}
		err = m.store.UpdateCall(ctx, next)
		if errors.Is(err, booking.ErrStaleCall) && attempt < maxPersistAttempts {
			continue
		}
		if err != nil {
			return call, fmt.Errorf("callsession: update call: %w", err)
		}
		return next, nil
	}
}

// persist writes a non-terminal call or resolves a terminal one.
func (m *Manager) persist(ctx context.Context, c *booking.Call, now time.Time) error {
	if !c.Status.Terminal() {
		if err := m.store.UpdateCall(ctx, c); err != nil {
			return fmt.Errorf("callsession: update call: %w", err)
		}
		return nil
	}
	ended := now
	c.EndedAt = &ended
	if c.DurationSeconds == 0 && c.AnsweredAt != nil {
		c.DurationSeconds = int(now.Sub(*c.AnsweredAt).Seconds())
	}
	if m.resolver == nil {
		return errors.New("callsession: resolver not configured")
	}
	if err := m.resolver.Resolve(ctx, c); err != nil {
		return fmt.Errorf("callsession: resolve call: %w", err)
	}
	return nil
}

func (m *Manager) apply(ctx context.Context, c *booking.Call, ev Event, now time.Time, leg *conversationLeg) []step {
	var steps []step
	switch e := ev.(type) {
	case Dialing:
		if e.CallRef != "" && c.TelephonyRef == "" {
			c.TelephonyRef = e.CallRef
		}
	case Ringing:
		if c.Status == booking.CallPending {
			m.move(c, booking.CallRinging, &steps)
		}
	case Answered:
		if isMachine(e.AnsweredBy) {
			c.ReachedMachine = true
		}
		if c.Status == booking.CallPending {
			m.move(c, booking.CallRinging, &steps)
		}
		if c.Status == booking.CallRinging {
			ref, err := m.startConversation(ctx, c, leg)
			if err != nil {
				m.logger.Error("conversation start failed", "call_id", c.ID, "error", err)
				c.Reason = "conversation start failed: " + err.Error()
				m.move(c, booking.CallFailed, &steps)
				break
			}
			answered := now
			c.ConversationRef = ref
			c.AnsweredAt = &answered
			m.move(c, booking.CallInProgress, &steps)
		}
	case TelephonyEnded:
		if e.DurationSeconds > 0 {
			c.DurationSeconds = e.DurationSeconds
		}
		switch c.Status {
		case booking.CallPending, booking.CallRinging:
			to, reason := booking.CallNoAnswer, "no answer"
			switch e.Reason {
			case EndFailed:
				to, reason = booking.CallFailed, "dial failed"
			case EndBusy:
				reason = "busy"
			case EndCanceled:
				reason = "rejected"
			}
			c.Reason = reason
			m.move(c, to, &steps)
		case booking.CallInProgress:
			if e.Reason == EndCompleted {
				if c.HangupAt == nil {
					hangup := now
					c.HangupAt = &hangup
				}
				break
			}
			c.Reason = "telephony leg ended: " + string(e.Reason)
			m.move(c, booking.CallFailed, &steps)
		}
	case TranscriptFragment:
		ts := e.At
		if ts.IsZero() {
			ts = now
		}
		c.InsertTranscript(booking.TranscriptEntry{
			Seq:       e.Seq,
			Speaker:   e.Speaker,
			Text:      e.Text,
			Timestamp: ts,
			EventID:   e.EventID,
		})
	case SlotOffered:
		c.AddSlot(e.Slot)
	case SlotConfirmed:
		c.AddSlot(e.Slot)
		c.AddConfirmation(booking.ConfirmedSlot{Slot: e.Slot, ConfirmationNumber: e.ConfirmationNumber})
	case CallbackRequested:
		c.CallbackRequested = true
	case ConversationEnded:
		if e.ReachedMachine {
			c.ReachedMachine = true
		}
		if e.InferredSlot != nil {
			inferred := *e.InferredSlot
			c.InferredSlot = &inferred
		}
		if c.Status == booking.CallInProgress {
			at := e.At
			if at.IsZero() {
				at = now
			}
			c.PendingEnd = &booking.PendingEnd{At: at, Clean: e.Clean, Reason: e.Reason, ReceivedAt: now}
			break
		}
		reason := e.Reason
		if reason == "" {
			reason = ReasonConversationError
		}
		c.Reason = reason
		m.move(c, booking.CallFailed, &steps)
	}
	return steps
}

func (m *Manager) move(c *booking.Call, to booking.CallStatus, steps *[]step) {
	if !booking.CanTransition(c.Status, to) {
		m.logger.Warn("call transition rejected", "call_id", c.ID, "from", c.Status, "to", to)
		return
	}
	*steps = append(*steps, step{from: c.Status, to: to})
	c.Status = to
}

func (m *Manager) startConversation(ctx context.Context, c *booking.Call, leg *conversationLeg) (string, error) {
	if m.starter == nil {
		return "", nil
	}
	if leg.started {
		return leg.ref, leg.err
	}
	leg.started = true
	script, err := m.Script(ctx, c)
	if err != nil {
		leg.err = err
		return "", err
	}
	leg.ref, leg.err = m.starter.StartConversation(ctx, c.TelephonyRef, script)
	return leg.ref, leg.err
}

// withinEnd reports whether a conversation event delivered after end belongs
// before it and arrived inside the reorder window.
func (m *Manager) withinEnd(end *booking.PendingEnd, ev Event) bool {
	if _, ok := ev.(ConversationEnded); ok {
		return false
	}
	return end.Covers(ev.meta().At) && m.now().Before(end.ReceivedAt.Add(m.cfg.EndWindow))
}

func conversational(ev Event) bool {
	switch ev.(type) {
	case TranscriptFragment, SlotOffered, SlotConfirmed, CallbackRequested, ConversationEnded:
		return true
	}
	return false
}

// Script builds the conversation context for a call from its request and provider.
func (m *Manager) Script(ctx context.Context, c *booking.Call) (Script, error) {
	req, err := m.store.GetRequest(ctx, c.RequestID)
	if err != nil {
		return Script{}, err
	}
	script := Script{
		CallID:         c.ID,
		RequestID:      req.ID,
		ServiceType:    req.ServiceType,
		PreferredDates: req.PreferredDates,
		PreferredTimes: req.PreferredTimes,
		Location:       req.Location,
		Notes:          req.Notes,
	}
	if m.directory != nil && c.ProviderID != "" {
		if p, err := m.directory.Get(ctx, c.ProviderID); err == nil {
			script.ProviderName = p.Name
		}
	}
	if script.ProviderName == "" {
		script.ProviderName = c.ProviderName
	}
	return script, nil
}

// due reports whether a timeout applies to c at now and what it resolves to.
func (m *Manager) due(c *booking.Call, now time.Time) (booking.CallStatus, string, bool) {
	switch c.Status {
	case booking.CallPending, booking.CallRinging:
		if !now.Before(c.LastEventAt.Add(m.cfg.RingTimeout)) {
			return booking.CallNoAnswer, ReasonRingTimeout, true
		}
	case booking.CallInProgress:
		if end := c.PendingEnd; end != nil {
			if now.Before(end.ReceivedAt.Add(m.cfg.EndWindow)) {
				return "", "", false
			}
			if end.Clean {
				return booking.CallCompleted, "", true
			}
			if end.Reason == "" {
				return booking.CallFailed, ReasonConversationError, true
			}
			return booking.CallFailed, end.Reason, true
		}
		if c.HangupAt != nil && !now.Before(c.HangupAt.Add(m.cfg.HangupGrace)) {
			return booking.CallCompleted, "", true
		}
		if !now.Before(c.LastEventAt.Add(m.cfg.StallTimeout)) {
			return booking.CallFailed, ReasonStalled, true
		}
	}
	return "", "", false
}

func (m *Manager) deadline(c *booking.Call) time.Time {
	if c.Status == booking.CallInProgress {
		if c.PendingEnd != nil {
			return c.PendingEnd.ReceivedAt.Add(m.cfg.EndWindow)
		}
		d := c.LastEventAt.Add(m.cfg.StallTimeout)
		if c.HangupAt != nil {
			if grace := c.HangupAt.Add(m.cfg.HangupGrace); grace.Before(d) {
				d = grace
			}
		}
		return d
	}
	return c.LastEventAt.Add(m.cfg.RingTimeout)
}

// arm schedules the next timeout check for c. Caller holds s.mu.
func (m *Manager) arm(s *session, c *booking.Call) {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if c.Status.Terminal() {
		return
	}
	wait := m.deadline(c).Sub(m.now())
	if wait < 0 {
		wait = 0
	}
	callID := c.ID
	s.timer = time.AfterFunc(wait, func() {
		if _, err := m.ExpireIfDue(context.Background(), callID); err != nil {
			m.logger.Error("call timeout check failed", "call_id", callID, "error", err)
		}
	})
}

func (m *Manager) session(callID string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[callID]
	if !ok {
		s = &session{}
		m.sessions[callID] = s
	}
	return s
}

func (m *Manager) drop(callID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[callID]; ok {
		if s.timer != nil {
			s.timer.Stop()
		}
		delete(m.sessions, callID)
	}
}

func (m *Manager) finish(ctx context.Context, call *booking.Call) {
	m.drop(call.ID)
	m.metrics.ObserveOutcome(string(call.Outcome))
	m.resolver.Settle(ctx, call)
}

// ActiveSessions returns the number of calls with a live session.
func (m *Manager) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) record(ctx context.Context, c *booking.Call, steps []step) {
	for _, st := range steps {
		m.metrics.ObserveTransition(string(st.from), string(st.to))
		t := events.Transition{
			Entity:    events.EntityCall,
			RequestID: c.RequestID,
			CallID:    c.ID,
			From:      string(st.from),
			To:        string(st.to),
			At:        c.UpdatedAt,
		}
		if st.to.Terminal() {
			t.Outcome = string(c.Outcome)
			t.Reason = c.Reason
		}
		if err := m.notifier.Publish(ctx, t); err != nil {
			m.logger.Warn("publish call transition failed", "call_id", c.ID, "error", err)
		}
	}
}

func (m *Manager) journal(ctx context.Context, callID, key string, ev Event, applied bool) {
	m.appendJournal(ctx, booking.CallEvent{
		CallID:     callID,
		EventKey:   key,
		Kind:       ev.Kind(),
		Payload:    payloadOf(ev),
		Applied:    applied,
		ReceivedAt: m.now(),
	})
}

func (m *Manager) journalInternal(ctx context.Context, callID, kind, reason string) {
	payload, _ := json.Marshal(map[string]string{"reason": reason})
	m.appendJournal(ctx, booking.CallEvent{
		CallID:     callID,
		EventKey:   kind + ":" + callID,
		Kind:       kind,
		Payload:    payload,
		Applied:    true,
		ReceivedAt: m.now(),
	})
}

func (m *Manager) appendJournal(ctx context.Context, e booking.CallEvent) {
	if err := m.store.AppendCallEvent(ctx, e); err != nil {
		m.logger.Warn("call event journal write failed", "call_id", e.CallID, "error", err)
	}
}

func isMachine(answeredBy string) bool {
	return strings.HasPrefix(strings.ToLower(answeredBy), "machine") || strings.EqualFold(answeredBy, "fax")
}
