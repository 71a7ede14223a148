// Package outcome classifies terminal calls, persists bookings and decides
// whether a request is retried or closed.
package outcome

import "github.com/wolfman30/callpilot/internal/booking"

// Classification is the resolved outcome of a terminal call.
type Classification struct {
	Outcome booking.Outcome
	Reason  string
	// Slot is set only for OutcomeBooked.
	Slot *booking.ConfirmedSlot
}

// Classify maps a terminal call to its outcome. Only a single explicit
// confirmation on a cleanly completed call yields a booking.
func Classify(call *booking.Call, req *booking.Request) Classification {
	switch call.Status {
	case booking.CallNoAnswer:
		return Classification{Outcome: booking.OutcomeNoAnswer, Reason: orDefault(call.Reason, "no answer")}
	case booking.CallFailed:
		return Classification{Outcome: booking.OutcomeFailed, Reason: orDefault(call.Reason, "call failed")}
	case booking.CallCompleted:
	default:
		return Classification{Outcome: booking.OutcomeFailed, Reason: "call not terminal"}
	}

	switch n := len(call.ConfirmedSlots); {
	case n == 1:
		slot := call.ConfirmedSlots[0]
		return Classification{Outcome: booking.OutcomeBooked, Slot: &slot}
	case n > 1:
		return Classification{Outcome: booking.OutcomeCallbackRequested, Reason: "multiple slots confirmed"}
	}
	if call.InferredSlot != nil {
		return Classification{Outcome: booking.OutcomeCallbackRequested, Reason: "booking inferred without explicit confirmation"}
	}

	if len(call.AvailableSlots) > 0 {
		for _, s := range call.AvailableSlots {
			if req == nil || s.Matches(req) {
				return Classification{Outcome: booking.OutcomeCallbackRequested, Reason: "matching slot offered but not confirmed"}
			}
		}
		return Classification{Outcome: booking.OutcomeNoSlots, Reason: "offered slots did not match preferences"}
	}

	switch {
	case call.CallbackRequested:
		return Classification{Outcome: booking.OutcomeCallbackRequested, Reason: "provider asked for a callback"}
	case call.ReachedMachine:
		return Classification{Outcome: booking.OutcomeVoicemail, Reason: "reached voicemail"}
	default:
		return Classification{Outcome: booking.OutcomeFailed, Reason: "no slots offered"}
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
