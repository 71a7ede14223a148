package outcome

import "github.com/wolfman30/callpilot/internal/booking"

var baseScore = map[booking.Outcome]int{
	booking.OutcomeBooked:            100,
	booking.OutcomeCallbackRequested: 60,
	booking.OutcomeNoSlots:           40,
	booking.OutcomeVoicemail:         20,
	booking.OutcomeFailed:            10,
	booking.OutcomeNoAnswer:          0,
}

// Score rates a terminal call from 0 to 100. Non-terminal calls have no score.
func Score(call *booking.Call) (int, bool) {
	if !call.Status.Terminal() || call.Outcome == "" {
		return 0, false
	}
	score := baseScore[call.Outcome]
	score += min(2*len(call.AvailableSlots), 10)
	score += min(len(call.Transcript)/4, 10)
	return min(score, 100), true
}
