package booking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStoredRequest(t *testing.T, s Store) *Request {
	t.Helper()
	r, err := NewRequest(CreateRequestInput{ServiceType: "dentist"}, time.Now())
	require.NoError(t, err)
	require.NoError(t, s.CreateRequest(context.Background(), r))
	return r
}

func TestMemoryStoreSingleActiveCall(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	r := newStoredRequest(t, s)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		created  int
		inFlight int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.CreateCall(ctx, NewCall(r.ID, "p1", time.Now()))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, ErrAlreadyInFlight):
				inFlight++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, created)
	assert.Equal(t, 7, inFlight)

	active, err := s.ListActiveCalls(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)

	call := active[0]
	call.Status = CallNoAnswer
	call.Outcome = OutcomeNoAnswer
	require.NoError(t, s.UpdateCall(ctx, call))
	require.NoError(t, s.CreateCall(ctx, NewCall(r.ID, "p2", time.Now())))
}

func TestMemoryStoreUpdateCallVersioning(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	r := newStoredRequest(t, s)
	c := NewCall(r.ID, "p1", time.Now())
	require.NoError(t, s.CreateCall(ctx, c))

	first, err := s.GetCall(ctx, c.ID)
	require.NoError(t, err)
	second, err := s.GetCall(ctx, c.ID)
	require.NoError(t, err)

	first.Status = CallRinging
	require.NoError(t, s.UpdateCall(ctx, first))
	assert.Equal(t, 2, first.Version)

	second.Status = CallFailed
	assert.ErrorIs(t, s.UpdateCall(ctx, second), ErrStaleCall)

	first.Status = CallPending
	assert.ErrorIs(t, s.UpdateCall(ctx, first), ErrInvalidTransition)

	first.Status = CallFailed
	first.Reason = "dial failed"
	require.NoError(t, s.UpdateCall(ctx, first))
	first.Reason = "changed"
	assert.ErrorIs(t, s.UpdateCall(ctx, first), ErrInvalidTransition)

	require.NoError(t, s.SetCallScore(ctx, c.ID, 10))
	require.NoError(t, s.SetCallScore(ctx, c.ID, 99))
	stored, err := s.GetCall(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Score)
	assert.Equal(t, 10, *stored.Score)
	assert.Equal(t, "dial failed", stored.Reason)
}

func TestMemoryStoreCommitBooking(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	r := newStoredRequest(t, s)
	_, err := s.TransitionRequest(ctx, r.ID, RequestCalling, "")
	require.NoError(t, err)

	c := NewCall(r.ID, "p1", time.Now())
	require.NoError(t, s.CreateCall(ctx, c))
	c.Status = CallCompleted
	c.Outcome = OutcomeBooked
	c.BookedSlot = &Slot{Date: "2025-01-15", Time: "10:00"}
	b := &Booking{ID: uuid.NewString(), RequestID: r.ID, CallID: c.ID, ProviderID: "p1",
		AppointmentTime: time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC), ConfirmationNumber: "CONF123", Status: BookingConfirmed}
	require.NoError(t, s.CommitBooking(ctx, c, b))

	snap, err := s.Snapshot(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, RequestCompleted, snap.Request.Status)
	require.NotNil(t, snap.Booking)
	assert.Equal(t, "CONF123", snap.Booking.ConfirmationNumber)
	require.Len(t, snap.Calls, 1)
	assert.Equal(t, OutcomeBooked, snap.Calls[0].Outcome)

	again := &Booking{ID: uuid.NewString(), RequestID: r.ID, Status: BookingConfirmed}
	assert.ErrorIs(t, s.CommitBooking(ctx, c, again), ErrRequestTerminal)

	_, err = s.UpdateBookingStatus(ctx, b.ID, BookingCompleted)
	require.NoError(t, err)
	_, err = s.UpdateBookingStatus(ctx, b.ID, BookingCancelled)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestMemoryStoreCommitBookingRejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	r := newStoredRequest(t, s)
	s.bookings["existing"] = &Booking{ID: "existing", RequestID: r.ID, Status: BookingConfirmed}

	c := NewCall(r.ID, "p1", time.Now())
	require.NoError(t, s.CreateCall(ctx, c))
	c.Status = CallFailed
	err := s.CommitBooking(ctx, c, &Booking{ID: "second", RequestID: r.ID, Status: BookingConfirmed})
	assert.ErrorIs(t, err, ErrDuplicateBooking)

	stored, err := s.GetCall(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, CallPending, stored.Status)
}

func TestMemoryStoreTransitionRequest(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	r := newStoredRequest(t, s)

	_, err := s.TransitionRequest(ctx, r.ID, RequestCompleted, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = s.TransitionRequest(ctx, r.ID, RequestFailed, "no providers", RequestCalling)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	failed, err := s.TransitionRequest(ctx, r.ID, RequestFailed, "no providers")
	require.NoError(t, err)
	assert.Equal(t, "no providers", failed.Reason)

	_, err = s.TransitionRequest(ctx, r.ID, RequestCalling, "")
	assert.ErrorIs(t, err, ErrRequestTerminal)

	assert.ErrorIs(t, s.CreateCall(ctx, NewCall(r.ID, "p1", time.Now())), ErrRequestTerminal)
	_, err = s.TransitionRequest(ctx, "missing", RequestFailed, "")
	assert.ErrorIs(t, err, ErrRequestNotFound)
}

func TestMemoryStoreDetachAndDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	r := newStoredRequest(t, s)
	older := NewCall(r.ID, "p1", time.Now().Add(-time.Minute))
	require.NoError(t, s.CreateCall(ctx, older))
	older.Status = CallNoAnswer
	require.NoError(t, s.UpdateCall(ctx, older))
	newer := NewCall(r.ID, "p2", time.Now())
	newer.TelephonyRef = "CA123"
	require.NoError(t, s.CreateCall(ctx, newer))

	calls, err := s.ListCalls(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, calls, 2)
	assert.Equal(t, newer.ID, calls[0].ID)

	found, err := s.FindCallByTelephonyRef(ctx, "CA123")
	require.NoError(t, err)
	assert.Equal(t, newer.ID, found.ID)
	_, err = s.FindCallByTelephonyRef(ctx, "")
	assert.ErrorIs(t, err, ErrCallNotFound)

	require.NoError(t, s.DetachProvider(ctx, "p1"))
	stored, err := s.GetCall(ctx, older.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.ProviderID)

	require.NoError(t, s.DeleteRequest(ctx, r.ID))
	_, err = s.GetCall(ctx, newer.ID)
	assert.ErrorIs(t, err, ErrCallNotFound)
	_, err = s.Snapshot(ctx, r.ID)
	assert.ErrorIs(t, err, ErrRequestNotFound)
}

func TestMemoryStoreSetTelephonyRefOnTerminalCall(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	r := newStoredRequest(t, s)
	c := NewCall(r.ID, "p1", time.Now())
	require.NoError(t, s.CreateCall(ctx, c))

	c.Status = CallFailed
	c.Reason = "cancelled"
	require.NoError(t, s.UpdateCall(ctx, c))

	require.NoError(t, s.SetTelephonyRef(ctx, c.ID, "CA-late"))
	require.NoError(t, s.SetTelephonyRef(ctx, c.ID, "CA-other"))
	stored, err := s.GetCall(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "CA-late", stored.TelephonyRef)
	assert.Equal(t, CallFailed, stored.Status)

	assert.ErrorIs(t, s.SetTelephonyRef(ctx, uuid.NewString(), "CA-x"), ErrCallNotFound)
}
