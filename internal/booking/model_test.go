package booking

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/callpilot/internal/providers"
)

func TestNewRequestNormalises(t *testing.T) {
	now := time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)
	r, err := NewRequest(CreateRequestInput{
		ServiceType:    " Dentist ",
		PreferredDates: []string{"2025-01-15", "2025-01-15", "2025-01-16"},
		PreferredTimes: []string{"Morning", "morning", "evening"},
		Notes:          "  cleaning  ",
	}, now)
	require.NoError(t, err)
	assert.NotEmpty(t, r.ID)
	assert.Equal(t, "dentist", r.ServiceType)
	assert.Equal(t, []string{"2025-01-15", "2025-01-16"}, r.PreferredDates)
	assert.Equal(t, []TimeBucket{BucketMorning, BucketEvening}, r.PreferredTimes)
	assert.Equal(t, "cleaning", r.Notes)
	assert.Equal(t, RequestPending, r.Status)
	assert.Equal(t, now, r.CreatedAt)
}

func TestNewRequestRejectsInvalidInput(t *testing.T) {
	cases := map[string]CreateRequestInput{
		"missing service":       {ServiceType: "  "},
		"bad date":              {ServiceType: "dentist", PreferredDates: []string{"15/01/2025"}},
		"bad bucket":            {ServiceType: "dentist", PreferredTimes: []string{"midnight"}},
		"negative distance":     {ServiceType: "dentist", MaxDistanceKm: -1},
		"distance needs coords": {ServiceType: "dentist", MaxDistanceKm: 5},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewRequest(in, time.Now())
			require.Error(t, err)
			assert.Equal(t, KindInput, KindOf(err))
		})
	}

	_, err := NewRequest(CreateRequestInput{ServiceType: "dentist", MaxDistanceKm: 5,
		Coordinates: &providers.Coordinates{Lat: 1, Lng: 2}}, time.Now())
	assert.NoError(t, err)
}

func TestCallTransitions(t *testing.T) {
	allowed := [][2]CallStatus{
		{CallPending, CallRinging}, {CallPending, CallFailed}, {CallPending, CallNoAnswer},
		{CallRinging, CallInProgress}, {CallRinging, CallNoAnswer}, {CallRinging, CallFailed},
		{CallInProgress, CallCompleted}, {CallInProgress, CallFailed},
	}
	for _, e := range allowed {
		assert.True(t, CanTransition(e[0], e[1]), "%s -> %s", e[0], e[1])
	}
	forbidden := [][2]CallStatus{
		{CallRinging, CallCompleted}, {CallPending, CallInProgress}, {CallPending, CallCompleted},
		{CallInProgress, CallNoAnswer}, {CallCompleted, CallFailed}, {CallNoAnswer, CallRinging},
	}
	for _, e := range forbidden {
		assert.False(t, CanTransition(e[0], e[1]), "%s -> %s", e[0], e[1])
	}
	assert.True(t, CanReach(CallPending, CallCompleted))
	assert.False(t, CanReach(CallFailed, CallCompleted))
	assert.False(t, CanReach(CallInProgress, CallRinging))
}

func TestRequestTransitions(t *testing.T) {
	assert.True(t, CanTransitionRequest(RequestPending, RequestCalling))
	assert.True(t, CanTransitionRequest(RequestCalling, RequestCompleted))
	assert.False(t, CanTransitionRequest(RequestPending, RequestCompleted))
	assert.False(t, CanTransitionRequest(RequestFailed, RequestCalling))
	assert.False(t, CanTransitionRequest(RequestCompleted, RequestFailed))
}

func TestInsertTranscriptOrdersBySeq(t *testing.T) {
	base := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)
	c := NewCall("r1", "p1", base)
	for _, seq := range []int64{3, 1, 2, 5, 4} {
		c.InsertTranscript(TranscriptEntry{Seq: seq, Speaker: "provider", Text: fmt.Sprintf("line %d", seq), Timestamp: base})
	}
	c.InsertTranscript(TranscriptEntry{Seq: 2, Speaker: "agent", Text: "later same seq", Timestamp: base.Add(time.Second)})
	c.InsertTranscript(TranscriptEntry{Seq: 2, Speaker: "agent", Text: "earlier same seq", Timestamp: base.Add(-time.Second)})

	var texts []string
	for _, e := range c.Transcript {
		texts = append(texts, e.Text)
	}
	assert.Equal(t, []string{"line 1", "earlier same seq", "line 2", "later same seq", "line 3", "line 4", "line 5"}, texts)
}

func TestAddSlotDeduplicates(t *testing.T) {
	c := NewCall("r1", "p1", time.Now())
	assert.True(t, c.AddSlot(Slot{Date: "2025-01-15", Time: "10:00"}))
	assert.False(t, c.AddSlot(Slot{Date: "2025-01-15", Time: "10:00"}))
	assert.True(t, c.AddSlot(Slot{Date: "2025-01-15", Time: "11:00"}))
	assert.Len(t, c.AvailableSlots, 2)

	assert.True(t, c.AddConfirmation(ConfirmedSlot{Slot: Slot{Date: "2025-01-15", Time: "10:00"}}))
	assert.False(t, c.AddConfirmation(ConfirmedSlot{Slot: Slot{Date: "2025-01-15", Time: "10:00"}, ConfirmationNumber: "C1"}))
	require.Len(t, c.ConfirmedSlots, 1)
	assert.Equal(t, "C1", c.ConfirmedSlots[0].ConfirmationNumber)
}

func TestCallCloneIsDeep(t *testing.T) {
	c := NewCall("r1", "p1", time.Now())
	c.AddSlot(Slot{Date: "2025-01-15", Time: "10:00"})
	c.BookedSlot = &Slot{Date: "2025-01-15", Time: "10:00"}
	c.MarkApplied("evt-1")

	clone := c.Clone()
	clone.AvailableSlots[0].Time = "11:00"
	clone.BookedSlot.Time = "11:00"
	clone.MarkApplied("evt-2")

	assert.Equal(t, "10:00", c.AvailableSlots[0].Time)
	assert.Equal(t, "10:00", c.BookedSlot.Time)
	assert.False(t, c.HasApplied("evt-2"))
	assert.True(t, clone.HasApplied("evt-1"))
}

func TestKindOf(t *testing.T) {
	cases := map[error]Kind{
		InputError("bad"):                                   KindInput,
		ErrNoProviders:                                      KindInput,
		fmt.Errorf("wrap: %w", ErrRequestNotFound):          KindNotFound,
		providers.ErrNotFound:                               KindNotFound,
		ErrAlreadyInFlight:                                  KindConsistency,
		ErrDuplicateBooking:                                 KindConsistency,
		IntegrationError("place call", errors.New("boom")): KindIntegration,
		ErrTimeout:                                          KindTimeout,
		errors.New("mystery"):                               KindInternal,
	}
	for err, want := range cases {
		assert.Equal(t, want, KindOf(err), err.Error())
	}
	assert.ErrorContains(t, IntegrationError("place call", errors.New("boom")), "place call: boom")
}

func TestExhaustedReason(t *testing.T) {
	assert.Equal(t, "no providers", ExhaustedReason(nil))
	assert.Equal(t, "no_answer: ring timeout", ExhaustedReason(&Call{Status: CallNoAnswer, Outcome: OutcomeNoAnswer, Reason: "ring timeout"}))
	assert.Equal(t, "voicemail", ExhaustedReason(&Call{Status: CallCompleted, Outcome: OutcomeVoicemail}))
}
