package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/callpilot/internal/booking"
	"github.com/wolfman30/callpilot/internal/providers"
	"github.com/wolfman30/callpilot/pkg/logging"
)

type stubDialer struct {
	mu     sync.Mutex
	dialed []string
	err    error
	count  atomic.Int32
	// during runs while the dial is in flight.
	during func(callID string)
}

func (d *stubDialer) PlaceCall(_ context.Context, to, callID string) (string, error) {
	d.count.Add(1)
	if d.during != nil {
		d.during(callID)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialed = append(d.dialed, to)
	if d.err != nil {
		return "", d.err
	}
	return "CA-" + callID, nil
}

type stubHangup struct {
	mu     sync.Mutex
	hungUp []string
}

func (h *stubHangup) EndCall(_ context.Context, ref string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hungUp = append(h.hungUp, ref)
	return nil
}

// storeSessions is a minimal session driver that writes straight to the store.
type storeSessions struct {
	store  booking.Store
	mu     sync.Mutex
	opened []string
}

func (s *storeSessions) Open(_ context.Context, call *booking.Call) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = append(s.opened, call.ID)
}

func (s *storeSessions) Attach(ctx context.Context, callID, ref string) (*booking.Call, error) {
	c, err := s.store.GetCall(ctx, callID)
	if err != nil {
		return nil, err
	}
	c.TelephonyRef = ref
	if c.Status.Terminal() {
		return c, s.store.SetTelephonyRef(ctx, callID, ref)
	}
	return c, s.store.UpdateCall(ctx, c)
}

func (s *storeSessions) Fail(ctx context.Context, callID, reason string) (*booking.Call, error) {
	c, err := s.store.GetCall(ctx, callID)
	if err != nil {
		return nil, err
	}
	if c.Status.Terminal() {
		return c, nil
	}
	c.Status = booking.CallFailed
	c.Outcome = booking.OutcomeFailed
	c.Reason = reason
	return c, s.store.UpdateCall(ctx, c)
}

type harness struct {
	store      *booking.MemoryStore
	dir        *providers.InMemoryDirectory
	dialer     *stubDialer
	hangup     *stubHangup
	sessions   *storeSessions
	dispatcher *Dispatcher
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	return newHarnessAt(t, cfg, time.Now)
}

func newHarnessAt(t *testing.T, cfg Config, now func() time.Time) *harness {
	t.Helper()
	store := booking.NewMemoryStore()
	dir := providers.NewInMemoryDirectory()
	h := &harness{
		store:    store,
		dir:      dir,
		dialer:   &stubDialer{},
		hangup:   &stubHangup{},
		sessions: &storeSessions{store: store},
	}
	h.dispatcher = NewDispatcher(Options{
		Store:     store,
		Directory: dir,
		Dialer:    h.dialer,
		Hangup:    h.hangup,
		Sessions:  h.sessions,
		Logger:    logging.New("error"),
		Config:    cfg,
		Now:       now,
	})
	return h
}

func (h *harness) addProvider(t *testing.T, id, category string, rating float64, coords *providers.Coordinates) {
	t.Helper()
	_, err := h.dir.Upsert(context.Background(), &providers.Provider{
		ID:          id,
		Name:        "Provider " + id,
		Category:    category,
		Phone:       "+1415555010" + id[len(id)-1:],
		Rating:      rating,
		Coordinates: coords,
	})
	require.NoError(t, err)
}

func (h *harness) newRequest(t *testing.T, in booking.CreateRequestInput) *booking.Request {
	t.Helper()
	req, err := booking.NewRequest(in, time.Now())
	require.NoError(t, err)
	require.NoError(t, h.store.CreateRequest(context.Background(), req))
	return req
}

func ids(cs []Candidate) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.Provider.ID
	}
	return out
}

var sanFrancisco = &providers.Coordinates{Lat: 37.7749, Lng: -122.4194}

func TestCandidatesOrderAndFilter(t *testing.T) {
	h := newHarness(t, Config{})
	oakland := &providers.Coordinates{Lat: 37.8044, Lng: -122.2712}
	mission := &providers.Coordinates{Lat: 37.7599, Lng: -122.4148}
	sacramento := &providers.Coordinates{Lat: 38.5816, Lng: -121.4944}
	h.addProvider(t, "p1", "dentist", 4.5, oakland)
	h.addProvider(t, "p2", "dentist", 4.5, mission)
	h.addProvider(t, "p3", "dentist", 4.9, sacramento)
	h.addProvider(t, "p4", "dentist", 4.7, nil)
	h.addProvider(t, "p5", "plumber", 5.0, mission)

	req := h.newRequest(t, booking.CreateRequestInput{ServiceType: "Dentist", Coordinates: sanFrancisco, MaxDistanceKm: 25})
	got, err := h.dispatcher.Candidates(context.Background(), req, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"p2", "p1"}, ids(got))
	assert.InDelta(t, 1.7, got[0].DistanceKm, 0.3)

	open := h.newRequest(t, booking.CreateRequestInput{ServiceType: "dentist"})
	got, err = h.dispatcher.Candidates(context.Background(), open, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"p3", "p4", "p1", "p2"}, ids(got))
	assert.Equal(t, -1.0, got[0].DistanceKm)
}

func TestCandidatesPinnedFirst(t *testing.T) {
	h := newHarness(t, Config{})
	h.addProvider(t, "p1", "dentist", 4.9, nil)
	h.addProvider(t, "p2", "dentist", 3.0, nil)
	req := h.newRequest(t, booking.CreateRequestInput{ServiceType: "dentist"})

	got, err := h.dispatcher.Candidates(context.Background(), req, "p2")
	require.NoError(t, err)
	assert.Equal(t, []string{"p2", "p1"}, ids(got))
	assert.True(t, got[0].Pinned)

	_, err = h.dispatcher.Candidates(context.Background(), req, "missing")
	assert.ErrorIs(t, err, providers.ErrNotFound)
}

func TestCandidatesPreferProvidersOpenNow(t *testing.T) {
	// Wednesday 2025-01-15, 18:30.
	evening := time.Date(2025, 1, 15, 18, 30, 0, 0, time.UTC)
	h := newHarnessAt(t, Config{}, func() time.Time { return evening })
	ctx := context.Background()
	for _, p := range []*providers.Provider{
		{ID: "day", Name: "Day Dental", Category: "dentist", Phone: "+14155550101", Rating: 4.9,
			Hours: providers.Hours{"wednesday": {Open: "09:00", Close: "17:00"}}},
		{ID: "late", Name: "Late Dental", Category: "dentist", Phone: "+14155550102", Rating: 4.1,
			Hours: providers.Hours{"wednesday": {Open: "12:00", Close: "21:00"}}},
		{ID: "any", Name: "Any Dental", Category: "dentist", Phone: "+14155550103", Rating: 3.5},
	} {
		_, err := h.dir.Upsert(ctx, p)
		require.NoError(t, err)
	}
	req := h.newRequest(t, booking.CreateRequestInput{ServiceType: "dentist"})

	got, err := h.dispatcher.Candidates(ctx, req, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"late", "any", "day"}, ids(got))
	assert.False(t, got[2].Open)

	pinned, err := h.dispatcher.Candidates(ctx, req, "day")
	require.NoError(t, err)
	assert.Equal(t, []string{"day", "late", "any"}, ids(pinned))
	assert.False(t, pinned[0].Open)
}

func TestCancelWhileDialingHangsUpLeg(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.addProvider(t, "p1", "dentist", 4.9, nil)
	req := h.newRequest(t, booking.CreateRequestInput{ServiceType: "dentist"})
	h.dialer.during = func(callID string) {
		_, err := h.sessions.Fail(ctx, callID, booking.ReasonCancelled)
		require.NoError(t, err)
	}

	call, err := h.dispatcher.Dispatch(ctx, req.ID, "")
	assert.ErrorIs(t, err, booking.ErrRequestTerminal)
	require.NotNil(t, call)
	assert.Equal(t, booking.CallFailed, call.Status)
	assert.Equal(t, []string{"CA-" + call.ID}, h.hangup.hungUp)

	stored, err := h.store.GetCall(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, "CA-"+call.ID, stored.TelephonyRef)
}

func TestDispatchPlacesCall(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.addProvider(t, "p1", "dentist", 4.9, nil)
	req := h.newRequest(t, booking.CreateRequestInput{ServiceType: "dentist"})

	call, err := h.dispatcher.Dispatch(ctx, req.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "p1", call.ProviderID)
	assert.Equal(t, booking.CallPending, call.Status)
	assert.Equal(t, "CA-"+call.ID, call.TelephonyRef)
	assert.Equal(t, "Provider p1", call.ProviderName)
	assert.Equal(t, "+14155550101", call.ProviderPhone)
	assert.Equal(t, []string{"+14155550101"}, h.dialer.dialed)
	assert.Empty(t, h.hangup.hungUp)
	assert.Equal(t, []string{call.ID}, h.sessions.opened)

	current, err := h.store.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.RequestCalling, current.Status)

	_, err = h.dispatcher.Dispatch(ctx, req.ID, "")
	assert.ErrorIs(t, err, booking.ErrAlreadyInFlight)
	assert.Equal(t, booking.KindConsistency, booking.KindOf(err))
}

func TestConcurrentDispatchPlacesOneCall(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.addProvider(t, "p1", "dentist", 4.9, nil)
	h.addProvider(t, "p2", "dentist", 4.1, nil)
	req := h.newRequest(t, booking.CreateRequestInput{ServiceType: "dentist"})

	var (
		wg       sync.WaitGroup
		ok       atomic.Int32
		inFlight atomic.Int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.dispatcher.Dispatch(ctx, req.ID, "")
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, booking.ErrAlreadyInFlight):
				inFlight.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(9), inFlight.Load())
	assert.Equal(t, int32(1), h.dialer.count.Load())
	calls, err := h.store.ListCalls(ctx, req.ID)
	require.NoError(t, err)
	assert.Len(t, calls, 1)
}

func TestDispatchWithoutProvidersFailsRequest(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.addProvider(t, "p1", "plumber", 4.9, nil)
	req := h.newRequest(t, booking.CreateRequestInput{ServiceType: "dentist"})

	_, err := h.dispatcher.Dispatch(ctx, req.ID, "")
	assert.ErrorIs(t, err, booking.ErrNoProviders)
	assert.Equal(t, booking.KindInput, booking.KindOf(err))

	current, err := h.store.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.RequestFailed, current.Status)
	assert.Equal(t, "no providers", current.Reason)
	assert.Zero(t, h.dialer.count.Load())
}

func TestDispatchDialFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.addProvider(t, "p1", "dentist", 4.9, nil)
	h.dialer.err = errors.New("carrier rejected")
	req := h.newRequest(t, booking.CreateRequestInput{ServiceType: "dentist"})

	call, err := h.dispatcher.Dispatch(ctx, req.ID, "")
	require.Error(t, err)
	assert.Equal(t, booking.KindIntegration, booking.KindOf(err))
	require.NotNil(t, call)
	assert.Equal(t, booking.CallFailed, call.Status)
	assert.Contains(t, call.Reason, "dial failed")
}

func TestDispatchNextWalksCandidatesThenCloses(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{MaxAttempts: 5})
	h.addProvider(t, "p1", "dentist", 4.9, nil)
	h.addProvider(t, "p2", "dentist", 4.1, nil)
	req := h.newRequest(t, booking.CreateRequestInput{ServiceType: "dentist"})

	first, err := h.dispatcher.Dispatch(ctx, req.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "p1", first.ProviderID)
	_, err = h.sessions.Fail(ctx, first.ID, "ring timeout")
	require.NoError(t, err)

	closed, err := h.dispatcher.CloseIfExhausted(ctx, req.ID)
	require.NoError(t, err)
	assert.False(t, closed)

	second, err := h.dispatcher.DispatchNext(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, "p2", second.ProviderID)
	_, err = h.sessions.Fail(ctx, second.ID, "stalled")
	require.NoError(t, err)

	_, err = h.dispatcher.DispatchNext(ctx, req.ID)
	assert.ErrorIs(t, err, booking.ErrNoProviders)

	current, err := h.store.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.RequestFailed, current.Status)
	assert.Equal(t, "failed: stalled", current.Reason)
}

func TestDispatchStopsAtMaxAttempts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{MaxAttempts: 1})
	h.addProvider(t, "p1", "dentist", 4.9, nil)
	h.addProvider(t, "p2", "dentist", 4.1, nil)
	req := h.newRequest(t, booking.CreateRequestInput{ServiceType: "dentist"})

	first, err := h.dispatcher.Dispatch(ctx, req.ID, "")
	require.NoError(t, err)
	_, err = h.sessions.Fail(ctx, first.ID, "busy")
	require.NoError(t, err)

	closed, err := h.dispatcher.CloseIfExhausted(ctx, req.ID)
	require.NoError(t, err)
	assert.True(t, closed)

	_, err = h.dispatcher.Dispatch(ctx, req.ID, "")
	assert.ErrorIs(t, err, booking.ErrRequestTerminal)
}

func TestDispatchPinnedProviderIgnoresTried(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.addProvider(t, "p1", "dentist", 4.9, nil)
	h.addProvider(t, "p2", "dentist", 4.1, nil)
	req := h.newRequest(t, booking.CreateRequestInput{ServiceType: "dentist"})

	call, err := h.dispatcher.Dispatch(ctx, req.ID, "p2")
	require.NoError(t, err)
	assert.Equal(t, "p2", call.ProviderID)
	_, err = h.sessions.Fail(ctx, call.ID, "busy")
	require.NoError(t, err)

	again, err := h.dispatcher.Dispatch(ctx, req.ID, "p2")
	require.NoError(t, err)
	assert.Equal(t, "p2", again.ProviderID)
}
