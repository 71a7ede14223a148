package booking

import "context"

// Snapshot is a consistent read of one request with its calls and booking.
type Snapshot struct {
	Request *Request
	Calls   []*Call // newest first
	Booking *Booking
}

// Store persists requests, calls and bookings with the invariants the
// orchestrator relies on: one non-terminal call per request, one
// non-cancelled booking per request, and atomic call commits.
type Store interface {
	CreateRequest(ctx context.Context, r *Request) error
	GetRequest(ctx context.Context, id string) (*Request, error)
	// TransitionRequest moves a request to status to. When from is non-empty
	// the current status must be one of from.
	TransitionRequest(ctx context.Context, id string, to RequestStatus, reason string, from ...RequestStatus) (*Request, error)
	DeleteRequest(ctx context.Context, id string) error

	// CreateCall inserts a pending call and fails with ErrAlreadyInFlight when
	// the request already owns a non-terminal call.
	CreateCall(ctx context.Context, c *Call) error
	GetCall(ctx context.Context, id string) (*Call, error)
	FindCallByTelephonyRef(ctx context.Context, ref string) (*Call, error)
	FindCallByConversationRef(ctx context.Context, ref string) (*Call, error)
	// UpdateCall writes c when its Version matches the stored row and bumps
	// Version. A terminal stored call cannot be updated.
	UpdateCall(ctx context.Context, c *Call) error
	// SetTelephonyRef records the phone leg reference once, even on a terminal
	// call, so a leg dialled after cancellation can still be hung up.
	SetTelephonyRef(ctx context.Context, callID, ref string) error
	SetCallScore(ctx context.Context, callID string, score int) error
	ListCalls(ctx context.Context, requestID string) ([]*Call, error)
	ListActiveCalls(ctx context.Context) ([]*Call, error)
	AppendCallEvent(ctx context.Context, e CallEvent) error
	DetachProvider(ctx context.Context, providerID string) error

	// CommitBooking atomically stores the booked call, inserts b and completes
	// the request.
	CommitBooking(ctx context.Context, c *Call, b *Booking) error
	GetBooking(ctx context.Context, requestID string) (*Booking, error)
	UpdateBookingStatus(ctx context.Context, bookingID string, to BookingStatus) (*Booking, error)

	Snapshot(ctx context.Context, requestID string) (*Snapshot, error)
}

var requestEdges = map[RequestStatus][]RequestStatus{
	RequestPending: {RequestCalling, RequestFailed},
	RequestCalling: {RequestCalling, RequestCompleted, RequestFailed},
}

// CanTransitionRequest reports whether from → to is a request lifecycle edge.
// calling → calling is allowed so retries can refresh the reason.
func CanTransitionRequest(from, to RequestStatus) bool {
	for _, next := range requestEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CanReach reports whether to is reachable from from along call edges,
// including from itself.
func CanReach(from, to CallStatus) bool {
	if from == to {
		return true
	}
	for _, next := range callEdges[from] {
		if CanReach(next, to) {
			return true
		}
	}
	return false
}

func requestSources(to RequestStatus, from []RequestStatus) []string {
	var out []string
	for _, s := range []RequestStatus{RequestPending, RequestCalling} {
		if !CanTransitionRequest(s, to) {
			continue
		}
		if len(from) > 0 && !containsStatus(from, s) {
			continue
		}
		out = append(out, string(s))
	}
	return out
}

func containsStatus(list []RequestStatus, s RequestStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
