// Package booking holds the booking request, call and booking entities, the
// call state machine and the persistence contract shared by the orchestrator.
package booking

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/callpilot/internal/providers"
)

// RequestStatus is the lifecycle state of a booking request.
type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestCalling   RequestStatus = "calling"
	RequestCompleted RequestStatus = "completed"
	RequestFailed    RequestStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s RequestStatus) Terminal() bool {
	return s == RequestCompleted || s == RequestFailed
}

// ReasonCancelled is the terminal reason recorded for user cancellation.
const ReasonCancelled = "cancelled"

// TimeBucket is a coarse part of the day.
type TimeBucket string

const (
	BucketMorning   TimeBucket = "morning"
	BucketAfternoon TimeBucket = "afternoon"
	BucketEvening   TimeBucket = "evening"
)

// ParseTimeBucket accepts a bucket name in any case.
func ParseTimeBucket(s string) (TimeBucket, bool) {
	switch TimeBucket(strings.ToLower(strings.TrimSpace(s))) {
	case BucketMorning:
		return BucketMorning, true
	case BucketAfternoon:
		return BucketAfternoon, true
	case BucketEvening:
		return BucketEvening, true
	}
	return "", false
}

// DateLayout is the calendar date format used for preferred dates and slots.
const DateLayout = "2006-01-02"

// Request is one user intent to book an appointment.
type Request struct {
	ID             string                 `json:"id"`
	ServiceType    string                 `json:"service_type"`
	PreferredDates []string               `json:"preferred_dates"`
	PreferredTimes []TimeBucket           `json:"preferred_times"`
	Location       string                 `json:"location,omitempty"`
	Coordinates    *providers.Coordinates `json:"coordinates,omitempty"`
	MaxDistanceKm  float64                `json:"max_distance_km,omitempty"`
	Notes          string                 `json:"notes,omitempty"`
	Status         RequestStatus          `json:"status"`
	Reason         string                 `json:"reason,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

// Clone returns a deep copy.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	out := *r
	out.PreferredDates = append([]string(nil), r.PreferredDates...)
	out.PreferredTimes = append([]TimeBucket(nil), r.PreferredTimes...)
	if r.Coordinates != nil {
		c := *r.Coordinates
		out.Coordinates = &c
	}
	return &out
}

// CreateRequestInput is the user-supplied part of a booking request.
type CreateRequestInput struct {
	ServiceType    string                 `json:"service_type"`
	PreferredDates []string               `json:"preferred_dates"`
	PreferredTimes []string               `json:"preferred_times"`
	Location       string                 `json:"location"`
	Coordinates    *providers.Coordinates `json:"coordinates"`
	MaxDistanceKm  float64                `json:"max_distance_km"`
	Notes          string                 `json:"notes"`
}

// NewRequest validates input and builds a pending request.
func NewRequest(in CreateRequestInput, now time.Time) (*Request, error) {
	service := strings.ToLower(strings.TrimSpace(in.ServiceType))
	if service == "" {
		return nil, InputError("service_type is required")
	}
	if in.MaxDistanceKm < 0 {
		return nil, InputError("max_distance_km must not be negative")
	}
	if in.MaxDistanceKm > 0 && in.Coordinates == nil {
		return nil, InputError("max_distance_km requires coordinates")
	}
	dates := make([]string, 0, len(in.PreferredDates))
	seenDates := make(map[string]bool)
	for _, raw := range in.PreferredDates {
		d, err := time.Parse(DateLayout, strings.TrimSpace(raw))
		if err != nil {
			return nil, InputError("preferred date %q is not YYYY-MM-DD", raw)
		}
		key := d.Format(DateLayout)
		if !seenDates[key] {
			seenDates[key] = true
			dates = append(dates, key)
		}
	}
	times := make([]TimeBucket, 0, len(in.PreferredTimes))
	seenTimes := make(map[TimeBucket]bool)
	for _, raw := range in.PreferredTimes {
		b, ok := ParseTimeBucket(raw)
		if !ok {
			return nil, InputError("preferred time %q must be morning, afternoon or evening", raw)
		}
		if !seenTimes[b] {
			seenTimes[b] = true
			times = append(times, b)
		}
	}
	var coords *providers.Coordinates
	if in.Coordinates != nil {
		c := *in.Coordinates
		coords = &c
	}
	now = now.UTC()
	return &Request{
		ID:             uuid.NewString(),
		ServiceType:    service,
		PreferredDates: dates,
		PreferredTimes: times,
		Location:       strings.TrimSpace(in.Location),
		Coordinates:    coords,
		MaxDistanceKm:  in.MaxDistanceKm,
		Notes:          strings.TrimSpace(in.Notes),
		Status:         RequestPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// CallStatus is a state of the call state machine.
type CallStatus string

const (
	CallPending    CallStatus = "pending"
	CallRinging    CallStatus = "ringing"
	CallInProgress CallStatus = "in_progress"
	CallCompleted  CallStatus = "completed"
	CallFailed     CallStatus = "failed"
	CallNoAnswer   CallStatus = "no_answer"
)

// ActiveCallStatuses are the non-terminal call states.
var ActiveCallStatuses = []CallStatus{CallPending, CallRinging, CallInProgress}

// Terminal reports whether the status admits no further transition.
func (s CallStatus) Terminal() bool {
	return s == CallCompleted || s == CallFailed || s == CallNoAnswer
}

var callEdges = map[CallStatus][]CallStatus{
	CallPending:    {CallRinging, CallFailed, CallNoAnswer},
	CallRinging:    {CallInProgress, CallNoAnswer, CallFailed},
	CallInProgress: {CallCompleted, CallFailed},
}

// CanTransition reports whether from → to is an edge of the call state machine.
func CanTransition(from, to CallStatus) bool {
	for _, next := range callEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Outcome is the resolved classification of a terminal call.
type Outcome string

const (
	OutcomeBooked            Outcome = "booked"
	OutcomeNoSlots           Outcome = "no_slots"
	OutcomeCallbackRequested Outcome = "callback_requested"
	OutcomeVoicemail         Outcome = "voicemail"
	OutcomeFailed            Outcome = "failed"
	OutcomeNoAnswer          Outcome = "no_answer"
)

// TranscriptEntry is one utterance of the conversation.
type TranscriptEntry struct {
	Seq       int64     `json:"seq"`
	Speaker   string    `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	EventID   string    `json:"event_id,omitempty"`
}

// ConfirmedSlot is a slot the provider explicitly confirmed.
type ConfirmedSlot struct {
	Slot
	ConfirmationNumber string `json:"confirmation_number,omitempty"`
}

// PendingEnd is a conversation end held back so that events stamped before
// it, but delivered after it, still reach the call.
type PendingEnd struct {
	At         time.Time `json:"at"`
	Clean      bool      `json:"clean"`
	Reason     string    `json:"reason,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// Covers reports whether an event stamped at is not later than the end. An
// unstamped event is assumed to belong to the conversation.
func (e *PendingEnd) Covers(at time.Time) bool {
	return at.IsZero() || !at.After(e.At)
}

// Call is one attempt to reach one provider on behalf of one request.
type Call struct {
	ID                 string            `json:"id"`
	RequestID          string            `json:"request_id"`
	ProviderID         string            `json:"provider_id,omitempty"`
	ProviderName       string            `json:"provider_name,omitempty"`
	ProviderPhone      string            `json:"provider_phone,omitempty"`
	TelephonyRef       string            `json:"telephony_ref,omitempty"`
	ConversationRef    string            `json:"conversation_ref,omitempty"`
	Status             CallStatus        `json:"status"`
	Outcome            Outcome           `json:"outcome,omitempty"`
	Reason             string            `json:"reason,omitempty"`
	Transcript         []TranscriptEntry `json:"transcript"`
	AvailableSlots     []Slot            `json:"available_slots"`
	ConfirmedSlots     []ConfirmedSlot   `json:"confirmed_slots,omitempty"`
	BookedSlot         *Slot             `json:"booked_slot,omitempty"`
	ConfirmationNumber string            `json:"confirmation_number,omitempty"`
	InferredSlot       *Slot             `json:"inferred_slot,omitempty"`
	ReachedMachine     bool              `json:"reached_machine,omitempty"`
	CallbackRequested  bool              `json:"callback_requested,omitempty"`
	Score              *int              `json:"score,omitempty"`
	DurationSeconds    int               `json:"duration_seconds"`
	AppliedEvents      []string          `json:"-"`
	AnsweredAt         *time.Time        `json:"answered_at,omitempty"`
	HangupAt           *time.Time        `json:"hangup_at,omitempty"`
	PendingEnd         *PendingEnd       `json:"pending_end,omitempty"`
	EndedAt            *time.Time        `json:"ended_at,omitempty"`
	LastEventAt        time.Time         `json:"last_event_at"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
	Version            int               `json:"-"`
}

// NewCall builds a pending call for request and provider.
func NewCall(requestID, providerID string, now time.Time) *Call {
	now = now.UTC()
	return &Call{
		ID:          uuid.NewString(),
		RequestID:   requestID,
		ProviderID:  providerID,
		Status:      CallPending,
		LastEventAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Clone returns a deep copy.
func (c *Call) Clone() *Call {
	if c == nil {
		return nil
	}
	out := *c
	out.Transcript = append([]TranscriptEntry(nil), c.Transcript...)
	out.AvailableSlots = append([]Slot(nil), c.AvailableSlots...)
	out.ConfirmedSlots = append([]ConfirmedSlot(nil), c.ConfirmedSlots...)
	out.AppliedEvents = append([]string(nil), c.AppliedEvents...)
	out.BookedSlot = cloneSlot(c.BookedSlot)
	out.InferredSlot = cloneSlot(c.InferredSlot)
	out.Score = cloneInt(c.Score)
	out.AnsweredAt = cloneTime(c.AnsweredAt)
	out.HangupAt = cloneTime(c.HangupAt)
	if c.PendingEnd != nil {
		end := *c.PendingEnd
		out.PendingEnd = &end
	}
	out.EndedAt = cloneTime(c.EndedAt)
	return &out
}

// HasApplied reports whether an event key was already applied to the call.
func (c *Call) HasApplied(key string) bool {
	for _, k := range c.AppliedEvents {
		if k == key {
			return true
		}
	}
	return false
}

// MarkApplied records an event key so replays become no-ops.
func (c *Call) MarkApplied(key string) {
	if key == "" || c.HasApplied(key) {
		return
	}
	c.AppliedEvents = append(c.AppliedEvents, key)
}

// InsertTranscript places e ordered by (seq, timestamp). Entries with equal
// keys keep arrival order.
func (c *Call) InsertTranscript(e TranscriptEntry) {
	i := len(c.Transcript)
	for i > 0 && transcriptLess(e, c.Transcript[i-1]) {
		i--
	}
	c.Transcript = append(c.Transcript, TranscriptEntry{})
	copy(c.Transcript[i+1:], c.Transcript[i:])
	c.Transcript[i] = e
}

func transcriptLess(a, b TranscriptEntry) bool {
	if a.Seq != b.Seq {
		return a.Seq < b.Seq
	}
	return a.Timestamp.Before(b.Timestamp)
}

// AddSlot appends s unless a slot with the same date and time exists.
func (c *Call) AddSlot(s Slot) bool {
	for _, existing := range c.AvailableSlots {
		if existing.Key() == s.Key() {
			return false
		}
	}
	c.AvailableSlots = append(c.AvailableSlots, s)
	return true
}

// AddConfirmation records an explicit confirmation, deduplicated by slot.
func (c *Call) AddConfirmation(cs ConfirmedSlot) bool {
	for i, existing := range c.ConfirmedSlots {
		if existing.Key() == cs.Key() {
			if existing.ConfirmationNumber == "" && cs.ConfirmationNumber != "" {
				c.ConfirmedSlots[i].ConfirmationNumber = cs.ConfirmationNumber
			}
			return false
		}
	}
	c.ConfirmedSlots = append(c.ConfirmedSlots, cs)
	return true
}

// BookingStatus is the lifecycle state of a confirmed booking.
type BookingStatus string

const (
	BookingConfirmed BookingStatus = "confirmed"
	BookingCancelled BookingStatus = "cancelled"
	BookingCompleted BookingStatus = "completed"
)

// Booking is the confirmed outcome of a successful call.
type Booking struct {
	ID                 string        `json:"id"`
	RequestID          string        `json:"request_id"`
	CallID             string        `json:"call_id,omitempty"`
	ProviderID         string        `json:"provider_id,omitempty"`
	AppointmentTime    time.Time     `json:"appointment_time"`
	ConfirmationNumber string        `json:"confirmation_number,omitempty"`
	CalendarRef        string        `json:"calendar_ref,omitempty"`
	Status             BookingStatus `json:"status"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// CanTransitionBooking reports whether a booking status change is allowed.
func CanTransitionBooking(from, to BookingStatus) bool {
	return from == BookingConfirmed && (to == BookingCompleted || to == BookingCancelled)
}

// CallEvent is a raw external event recorded against a call.
type CallEvent struct {
	CallID     string          `json:"call_id"`
	EventKey   string          `json:"event_key"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Applied    bool            `json:"applied"`
	ReceivedAt time.Time       `json:"received_at"`
}

func cloneSlot(s *Slot) *Slot {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	n := *v
	return &n
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// ExhaustedReason is the terminal reason recorded on a request whose attempts
// ended without a booking: the last call's outcome and, when known, its reason.
func ExhaustedReason(last *Call) string {
	if last == nil {
		return "no providers"
	}
	outcome := string(last.Outcome)
	if outcome == "" {
		outcome = string(last.Status)
	}
	if last.Reason == "" || last.Reason == outcome {
		return outcome
	}
	return outcome + ": " + last.Reason
}
