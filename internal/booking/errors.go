package booking

import (
	"context"
	"errors"
	"fmt"

	"github.com/wolfman30/callpilot/internal/providers"
)

// Kind groups errors by how a caller should react to them.
type Kind int

const (
	KindInternal Kind = iota
	KindInput
	KindNotFound
	KindIntegration
	KindConsistency
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindNotFound:
		return "not_found"
	case KindIntegration:
		return "integration"
	case KindConsistency:
		return "consistency"
	case KindTimeout:
		return "timeout"
	default:
		return "internal"
	}
}

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrNoProviders       = errors.New("no providers")
	ErrRequestNotFound   = errors.New("booking request not found")
	ErrCallNotFound      = errors.New("call not found")
	ErrBookingNotFound   = errors.New("booking not found")
	ErrAlreadyInFlight   = errors.New("already in flight")
	ErrDuplicateBooking  = errors.New("duplicate booking")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrRequestTerminal   = errors.New("booking request is terminal")
	ErrStaleCall         = errors.New("call was modified concurrently")
	ErrCallEnded         = errors.New("call has ended")
	ErrAttemptsExhausted = errors.New("call attempts exhausted")
	ErrIntegration       = errors.New("integration failure")
	ErrTimeout           = errors.New("timed out")
)

// KindOf classifies err. Unknown errors are internal.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindInternal
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrNoProviders), errors.Is(err, providers.ErrInvalidProvider):
		return KindInput
	case errors.Is(err, ErrRequestNotFound), errors.Is(err, ErrCallNotFound),
		errors.Is(err, ErrBookingNotFound), errors.Is(err, providers.ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrAlreadyInFlight), errors.Is(err, ErrDuplicateBooking),
		errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrRequestTerminal), errors.Is(err, ErrStaleCall),
		errors.Is(err, ErrAttemptsExhausted), errors.Is(err, ErrCallEnded):
		return KindConsistency
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrIntegration):
		return KindIntegration
	default:
		return KindInternal
	}
}

// IntegrationError marks err as a failure of an external collaborator.
func IntegrationError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrIntegration, op, err)
}

// InputError wraps a validation message as an input error.
func InputError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
