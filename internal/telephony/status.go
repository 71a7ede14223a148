package telephony

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/wolfman30/callpilot/internal/callsession"
)

// StatusCallback is a parsed Twilio call progress callback.
type StatusCallback struct {
	CallSID string
	// CallID is our call id, carried in the callback URL query.
	CallID  string
	Status  string
	EventID string
	Event   callsession.Event
}

// ParseStatusCallback maps a status callback to a telephony event. Statuses
// without a mapping become callsession.Unrecognized.
func ParseStatusCallback(query, form url.Values) StatusCallback {
	sid := form.Get("CallSid")
	status := strings.ToLower(strings.TrimSpace(form.Get("CallStatus")))
	meta := callsession.Meta{EventID: eventID(sid, status, form.Get("SequenceNumber"))}
	if ts, err := time.Parse(time.RFC1123Z, form.Get("Timestamp")); err == nil {
		meta.At = ts.UTC()
	}
	duration, _ := strconv.Atoi(form.Get("CallDuration"))

	var ev callsession.Event
	switch status {
	case "queued", "initiated":
		ev = callsession.Dialing{Meta: meta, CallRef: sid}
	case "ringing":
		ev = callsession.Ringing{Meta: meta}
	case "in-progress", "answered":
		ev = callsession.Answered{Meta: meta, AnsweredBy: form.Get("AnsweredBy")}
	case "completed":
		ev = callsession.TelephonyEnded{Meta: meta, Reason: callsession.EndCompleted, DurationSeconds: duration}
	case "busy":
		ev = callsession.TelephonyEnded{Meta: meta, Reason: callsession.EndBusy, DurationSeconds: duration}
	case "no-answer":
		ev = callsession.TelephonyEnded{Meta: meta, Reason: callsession.EndNoAnswer, DurationSeconds: duration}
	case "failed":
		ev = callsession.TelephonyEnded{Meta: meta, Reason: callsession.EndFailed, DurationSeconds: duration}
	case "canceled":
		ev = callsession.TelephonyEnded{Meta: meta, Reason: callsession.EndCanceled, DurationSeconds: duration}
	default:
		ev = callsession.Unrecognized{Meta: meta, Source: "twilio", Type: status}
	}
	return StatusCallback{
		CallSID: sid,
		CallID:  query.Get("call_id"),
		Status:  status,
		EventID: meta.EventID,
		Event:   ev,
	}
}

func eventID(sid, status, seq string) string {
	if sid == "" {
		return ""
	}
	id := sid + ":" + status
	if seq != "" {
		id += ":" + seq
	}
	return id
}
