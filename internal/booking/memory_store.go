package booking

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used when no database is configured.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*Request
	calls    map[string]*Call
	bookings map[string]*Booking
	events   []CallEvent
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]*Request),
		calls:    make(map[string]*Call),
		bookings: make(map[string]*Booking),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) CreateRequest(ctx context.Context, r *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[r.ID]; ok {
		return InputError("request %s already exists", r.ID)
	}
	s.requests[r.ID] = r.Clone()
	return nil
}

func (s *MemoryStore) GetRequest(ctx context.Context, id string) (*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	return r.Clone(), nil
}

func (s *MemoryStore) TransitionRequest(ctx context.Context, id string, to RequestStatus, reason string, from ...RequestStatus) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	if r.Status.Terminal() {
		return nil, ErrRequestTerminal
	}
	if len(from) > 0 && !containsStatus(from, r.Status) {
		return nil, ErrInvalidTransition
	}
	if !CanTransitionRequest(r.Status, to) {
		return nil, ErrInvalidTransition
	}
	r.Status = to
	r.Reason = reason
	r.UpdatedAt = time.Now().UTC()
	return r.Clone(), nil
}

func (s *MemoryStore) DeleteRequest(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[id]; !ok {
		return ErrRequestNotFound
	}
	delete(s.requests, id)
	for cid, c := range s.calls {
		if c.RequestID == id {
			delete(s.calls, cid)
		}
	}
	for bid, b := range s.bookings {
		if b.RequestID == id {
			delete(s.bookings, bid)
		}
	}
	return nil
}

func (s *MemoryStore) CreateCall(ctx context.Context, c *Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[c.RequestID]
	if !ok {
		return ErrRequestNotFound
	}
	if r.Status.Terminal() {
		return ErrRequestTerminal
	}
	for _, existing := range s.calls {
		if existing.RequestID == c.RequestID && !existing.Status.Terminal() {
			return ErrAlreadyInFlight
		}
	}
	c.Version = 1
	s.calls[c.ID] = c.Clone()
	return nil
}

func (s *MemoryStore) GetCall(ctx context.Context, id string) (*Call, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.calls[id]
	if !ok {
		return nil, ErrCallNotFound
	}
	return c.Clone(), nil
}

func (s *MemoryStore) FindCallByTelephonyRef(ctx context.Context, ref string) (*Call, error) {
	return s.findCall(func(c *Call) bool { return ref != "" && c.TelephonyRef == ref })
}

func (s *MemoryStore) FindCallByConversationRef(ctx context.Context, ref string) (*Call, error) {
	return s.findCall(func(c *Call) bool { return ref != "" && c.ConversationRef == ref })
}

func (s *MemoryStore) findCall(match func(*Call) bool) (*Call, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.calls {
		if match(c) {
			return c.Clone(), nil
		}
	}
	return nil, ErrCallNotFound
}

func (s *MemoryStore) UpdateCall(ctx context.Context, c *Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateCallLocked(c)
}

func (s *MemoryStore) updateCallLocked(c *Call) error {
	stored, ok := s.calls[c.ID]
	if !ok {
		return ErrCallNotFound
	}
	if stored.Version != c.Version {
		return ErrStaleCall
	}
	if stored.Status.Terminal() || !CanReach(stored.Status, c.Status) {
		return ErrInvalidTransition
	}
	c.Version++
	c.UpdatedAt = time.Now().UTC()
	s.calls[c.ID] = c.Clone()
	return nil
}

func (s *MemoryStore) SetTelephonyRef(ctx context.Context, callID, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[callID]
	if !ok {
		return ErrCallNotFound
	}
	if c.TelephonyRef == "" {
		c.TelephonyRef = ref
	}
	return nil
}

func (s *MemoryStore) SetCallScore(ctx context.Context, callID string, score int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[callID]
	if !ok {
		return ErrCallNotFound
	}
	if c.Score == nil {
		c.Score = &score
	}
	return nil
}

func (s *MemoryStore) ListCalls(ctx context.Context, requestID string) ([]*Call, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.callsForLocked(requestID), nil
}

func (s *MemoryStore) callsForLocked(requestID string) []*Call {
	out := make([]*Call, 0)
	for _, c := range s.calls {
		if c.RequestID == requestID {
			out = append(out, c.Clone())
		}
	}
	sortNewestFirst(out)
	return out
}

func (s *MemoryStore) ListActiveCalls(ctx context.Context) ([]*Call, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Call
	for _, c := range s.calls {
		if !c.Status.Terminal() {
			out = append(out, c.Clone())
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *MemoryStore) AppendCallEvent(ctx context.Context, e CallEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[e.CallID]; !ok {
		return ErrCallNotFound
	}
	s.events = append(s.events, e)
	return nil
}

// CallEvents returns the journal for one call in arrival order.
func (s *MemoryStore) CallEvents(callID string) []CallEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []CallEvent
	for _, e := range s.events {
		if e.CallID == callID {
			out = append(out, e)
		}
	}
	return out
}

func (s *MemoryStore) DetachProvider(ctx context.Context, providerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.calls {
		if c.ProviderID == providerID {
			c.ProviderID = ""
		}
	}
	for _, b := range s.bookings {
		if b.ProviderID == providerID {
			b.ProviderID = ""
		}
	}
	return nil
}

func (s *MemoryStore) CommitBooking(ctx context.Context, c *Call, b *Booking) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[b.RequestID]
	if !ok {
		return ErrRequestNotFound
	}
	if r.Status.Terminal() {
		return ErrRequestTerminal
	}
	if existing := s.activeBookingLocked(b.RequestID); existing != nil {
		return ErrDuplicateBooking
	}
	if err := s.updateCallLocked(c); err != nil {
		return err
	}
	now := time.Now().UTC()
	b.CreatedAt, b.UpdatedAt = now, now
	stored := *b
	s.bookings[b.ID] = &stored
	r.Status = RequestCompleted
	r.Reason = ""
	r.UpdatedAt = now
	return nil
}

func (s *MemoryStore) activeBookingLocked(requestID string) *Booking {
	for _, b := range s.bookings {
		if b.RequestID == requestID && b.Status != BookingCancelled {
			return b
		}
	}
	return nil
}

func (s *MemoryStore) GetBooking(ctx context.Context, requestID string) (*Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b := s.bookingForLocked(requestID)
	if b == nil {
		return nil, ErrBookingNotFound
	}
	return b, nil
}

func (s *MemoryStore) bookingForLocked(requestID string) *Booking {
	if b := s.activeBookingLocked(requestID); b != nil {
		out := *b
		return &out
	}
	var latest *Booking
	for _, b := range s.bookings {
		if b.RequestID == requestID && (latest == nil || b.CreatedAt.After(latest.CreatedAt)) {
			latest = b
		}
	}
	if latest == nil {
		return nil
	}
	out := *latest
	return &out
}

func (s *MemoryStore) UpdateBookingStatus(ctx context.Context, bookingID string, to BookingStatus) (*Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[bookingID]
	if !ok {
		return nil, ErrBookingNotFound
	}
	if !CanTransitionBooking(b.Status, to) {
		return nil, ErrInvalidTransition
	}
	b.Status = to
	b.UpdatedAt = time.Now().UTC()
	out := *b
	return &out, nil
}

func (s *MemoryStore) Snapshot(ctx context.Context, requestID string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[requestID]
	if !ok {
		return nil, ErrRequestNotFound
	}
	return &Snapshot{
		Request: r.Clone(),
		Calls:   s.callsForLocked(requestID),
		Booking: s.bookingForLocked(requestID),
	}, nil
}

func sortNewestFirst(calls []*Call) {
	sort.SliceStable(calls, func(i, j int) bool {
		if calls[i].CreatedAt.Equal(calls[j].CreatedAt) {
			return calls[i].ID > calls[j].ID
		}
		return calls[i].CreatedAt.After(calls[j].CreatedAt)
	})
}
