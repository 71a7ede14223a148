package callsession

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/wolfman30/callpilot/internal/booking"
)

// Event is a normalized signal from the telephony or the conversation leg.
// The set of implementations is closed; vendor payloads that do not map to one
// become Unrecognized.
type Event interface {
	Kind() string
	meta() Meta
}

// Meta carries the vendor event id and the vendor timestamp.
type Meta struct {
	EventID string    `json:"event_id,omitempty"`
	At      time.Time `json:"at,omitempty"`
}

func (m Meta) meta() Meta { return m }

// EndReason is why the telephony leg ended.
type EndReason string

const (
	EndCompleted EndReason = "completed"
	EndBusy      EndReason = "busy"
	EndNoAnswer  EndReason = "no_answer"
	EndFailed    EndReason = "failed"
	EndCanceled  EndReason = "canceled"
)

// Dialing reports that the telephony provider accepted the dial.
type Dialing struct {
	Meta
	CallRef string `json:"call_ref,omitempty"`
}

// Ringing reports that the far end is ringing.
type Ringing struct{ Meta }

// Answered reports that the far end picked up. AnsweredBy carries answering
// machine detection results when available.
type Answered struct {
	Meta
	AnsweredBy string `json:"answered_by,omitempty"`
}

// TelephonyEnded reports the end of the phone leg.
type TelephonyEnded struct {
	Meta
	Reason          EndReason `json:"reason"`
	DurationSeconds int       `json:"duration_seconds,omitempty"`
}

// TranscriptFragment is one utterance from the conversation leg.
type TranscriptFragment struct {
	Meta
	Seq     int64  `json:"seq"`
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

// SlotOffered reports a slot the provider said is available.
type SlotOffered struct {
	Meta
	Slot booking.Slot `json:"slot"`
}

// SlotConfirmed reports that the provider explicitly confirmed a slot.
type SlotConfirmed struct {
	Meta
	Slot               booking.Slot `json:"slot"`
	ConfirmationNumber string       `json:"confirmation_number,omitempty"`
}

// CallbackRequested reports that the provider asked to be called back.
type CallbackRequested struct {
	Meta
	Note string `json:"note,omitempty"`
}

// ConversationEnded closes the conversation leg.
type ConversationEnded struct {
	Meta
	Clean          bool          `json:"clean"`
	Reason         string        `json:"reason,omitempty"`
	ReachedMachine bool          `json:"reached_machine,omitempty"`
	InferredSlot   *booking.Slot `json:"inferred_slot,omitempty"`
}

// Unrecognized wraps a vendor payload with no mapping. It is journaled and
// otherwise ignored.
type Unrecognized struct {
	Meta
	Source string          `json:"source"`
	Type   string          `json:"type"`
	Raw    json.RawMessage `json:"raw,omitempty"`
}

func (Dialing) Kind() string            { return "dialing" }
func (Ringing) Kind() string            { return "ringing" }
func (Answered) Kind() string           { return "answered" }
func (TelephonyEnded) Kind() string     { return "telephony_ended" }
func (TranscriptFragment) Kind() string { return "transcript_fragment" }
func (SlotOffered) Kind() string        { return "slot_offered" }
func (SlotConfirmed) Kind() string      { return "slot_confirmed" }
func (CallbackRequested) Kind() string  { return "callback_requested" }
func (ConversationEnded) Kind() string  { return "conversation_ended" }
func (Unrecognized) Kind() string       { return "unrecognized" }

// EventKey identifies ev for replay detection: the vendor event id when
// present, otherwise a hash of the event content.
func EventKey(ev Event) string {
	if id := ev.meta().EventID; id != "" {
		return ev.Kind() + ":" + id
	}
	payload, _ := json.Marshal(ev)
	sum := sha256.Sum256(append([]byte(ev.Kind()+"|"), payload...))
	return ev.Kind() + "#" + hex.EncodeToString(sum[:12])
}

func payloadOf(ev Event) json.RawMessage {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil
	}
	return data
}
