package voice

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/wolfman30/callpilot/internal/booking"
	"github.com/wolfman30/callpilot/internal/callsession"
)

// ErrMalformed is returned for payloads that are not JSON objects.
var ErrMalformed = errors.New("voice: malformed webhook payload")

// Tool names the agent may invoke.
const (
	ToolRecordSlot     = "record_available_slot"
	ToolConfirmBooking = "confirm_booking"
	ToolCallback       = "request_callback"
	ToolCheckCalendar  = "check_user_calendar"
)

// CalendarCheck is a synchronous availability question from the agent.
type CalendarCheck struct {
	Datetime string `json:"datetime"`
}

// Webhook is a decoded vendor payload.
type Webhook struct {
	ConversationID string
	// CallID is our call id when the agent echoes it from its variables.
	CallID string
	Type   string
	Tool   string
	// EventID is the vendor event id, empty when the payload carries none.
	EventID string
	// Event is nil for calendar checks, which do not touch the call.
	Event    callsession.Event
	Calendar *CalendarCheck
}

type rawWebhook struct {
	Type           string          `json:"type"`
	EventID        string          `json:"event_id"`
	ConversationID string          `json:"conversation_id"`
	CallID         string          `json:"call_id"`
	Timestamp      json.RawMessage `json:"timestamp"`

	ToolName   string         `json:"tool_name"`
	ToolCallID string         `json:"tool_call_id"`
	ToolInput  map[string]any `json:"tool_input"`

	Seq     json.RawMessage `json:"seq"`
	Speaker string          `json:"speaker"`
	Role    string          `json:"role"`
	Text    string          `json:"text"`
	Message string          `json:"message"`

	Status           string         `json:"status"`
	Error            string         `json:"error"`
	ReachedVoicemail bool           `json:"reached_voicemail"`
	BookedSlot       map[string]any `json:"booked_slot"`

	DynamicVariables map[string]any `json:"dynamic_variables"`
}

// DecodeWebhook turns a vendor payload into a call session event. Payloads
// that cannot be mapped yield callsession.Unrecognized rather than an error.
func DecodeWebhook(body []byte) (Webhook, error) {
	var raw rawWebhook
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&raw); err != nil {
		return Webhook{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	w := Webhook{
		ConversationID: raw.ConversationID,
		CallID:         raw.CallID,
		Type:           raw.Type,
		Tool:           raw.ToolName,
	}
	if w.CallID == "" {
		w.CallID = stringField(raw.DynamicVariables, "call_id")
	}
	meta := callsession.Meta{EventID: firstNonEmpty(raw.ToolCallID, raw.EventID), At: parseTimestamp(raw.Timestamp)}
	w.EventID = meta.EventID
	unrecognized := func(kind string) callsession.Unrecognized {
		return callsession.Unrecognized{Meta: meta, Source: "voice", Type: kind, Raw: json.RawMessage(body)}
	}

	switch raw.Type {
	case "transcript":
		seq, _ := parseInt(raw.Seq)
		w.Event = callsession.TranscriptFragment{
			Meta:    meta,
			Seq:     seq,
			Speaker: normalizeSpeaker(firstNonEmpty(raw.Speaker, raw.Role)),
			Text:    firstNonEmpty(raw.Text, raw.Message),
		}
	case "tool_call":
		w.Event = toolEvent(raw, meta, &w, unrecognized)
	case "conversation_end":
		status := strings.ToLower(raw.Status)
		ended := callsession.ConversationEnded{
			Meta:           meta,
			Clean:          raw.Error == "" && status != "failed" && status != "error",
			Reason:         raw.Error,
			ReachedMachine: raw.ReachedVoicemail,
		}
		if slot, ok := slotFrom(raw.BookedSlot); ok {
			ended.InferredSlot = &slot
		}
		if !ended.Clean && ended.Reason == "" {
			ended.Reason = "conversation " + status
		}
		w.Event = ended
	default:
		w.Event = unrecognized(raw.Type)
	}
	return w, nil
}

func toolEvent(raw rawWebhook, meta callsession.Meta, w *Webhook, unrecognized func(string) callsession.Unrecognized) callsession.Event {
	in := raw.ToolInput
	switch raw.ToolName {
	case ToolRecordSlot:
		slot, ok := slotFrom(in)
		if !ok {
			return unrecognized(raw.ToolName)
		}
		return callsession.SlotOffered{Meta: meta, Slot: slot}
	case ToolConfirmBooking:
		slot, ok := slotFrom(in)
		if !ok {
			return unrecognized(raw.ToolName)
		}
		return callsession.SlotConfirmed{Meta: meta, Slot: slot, ConfirmationNumber: stringField(in, "confirmation_number")}
	case ToolCallback:
		return callsession.CallbackRequested{Meta: meta, Note: firstNonEmpty(stringField(in, "note"), stringField(in, "reason"))}
	case ToolCheckCalendar:
		w.Calendar = &CalendarCheck{Datetime: stringField(in, "datetime")}
		return nil
	default:
		return unrecognized(raw.ToolName)
	}
}

var datetimeLayouts = []string{time.RFC3339, "2006-01-02T15:04", "2006-01-02 15:04", "2006-01-02T15:04:05", "2006-01-02 15:04:05"}

// slotFrom reads {date, time} or a single {datetime}.
func slotFrom(m map[string]any) (booking.Slot, bool) {
	if len(m) == 0 {
		return booking.Slot{}, false
	}
	if date, clock := stringField(m, "date"), stringField(m, "time"); date != "" && clock != "" {
		s, err := booking.NewSlot(date, clock)
		return s, err == nil
	}
	dt := stringField(m, "datetime")
	if dt == "" {
		return booking.Slot{}, false
	}
	for _, layout := range datetimeLayouts {
		if t, err := time.Parse(layout, dt); err == nil {
			return booking.Slot{Date: t.Format(booking.DateLayout), Time: t.Format("15:04")}, true
		}
	}
	return booking.Slot{}, false
}

func stringField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

// parseInt accepts a JSON number or a numeric string.
func parseInt(raw json.RawMessage) (int64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		v, err := n.Int64()
		return v, err == nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		return v, err == nil
	}
	return 0, false
}

// parseTimestamp accepts RFC 3339 strings or unix seconds.
func parseTimestamp(raw json.RawMessage) time.Time {
	if len(raw) == 0 {
		return time.Time{}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.UTC()
		}
		return time.Time{}
	}
	if secs, ok := parseInt(raw); ok {
		return time.Unix(secs, 0).UTC()
	}
	return time.Time{}
}

func normalizeSpeaker(s string) string {
	switch strings.ToLower(s) {
	case "agent", "assistant", "ai":
		return "agent"
	case "user", "provider", "callee", "human":
		return "provider"
	case "":
		return "unknown"
	default:
		return strings.ToLower(s)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
