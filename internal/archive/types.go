package archive

import (
	"time"

	"github.com/wolfman30/callpilot/internal/booking"
)

const recordVersion = "1.0"

// CallRecord is the archived form of a terminal call.
type CallRecord struct {
	Version            string                    `json:"version"`
	CallID             string                    `json:"call_id"`
	RequestID          string                    `json:"request_id"`
	ProviderID         string                    `json:"provider_id,omitempty"`
	ServiceType        string                    `json:"service_type"`
	PreferredDates     []string                  `json:"preferred_dates"`
	PreferredTimes     []booking.TimeBucket      `json:"preferred_times"`
	Status             booking.CallStatus        `json:"status"`
	Outcome            booking.Outcome           `json:"outcome"`
	Reason             string                    `json:"reason,omitempty"`
	DurationSeconds    int                       `json:"duration_seconds"`
	AvailableSlots     []booking.Slot            `json:"available_slots"`
	ConfirmedSlots     []booking.ConfirmedSlot   `json:"confirmed_slots"`
	BookedSlot         *booking.Slot             `json:"booked_slot,omitempty"`
	ConfirmationNumber string                    `json:"confirmation_number,omitempty"`
	Transcript         []booking.TranscriptEntry `json:"transcript"`
	StartedAt          time.Time                 `json:"started_at"`
	EndedAt            *time.Time                `json:"ended_at,omitempty"`
	ArchivedAt         time.Time                 `json:"archived_at"`
}

// ManifestEntry is one JSONL line in the monthly manifest file.
type ManifestEntry struct {
	CallID          string `json:"call_id"`
	RequestID       string `json:"request_id"`
	S3Key           string `json:"s3_key"`
	Outcome         string `json:"outcome"`
	ArchivedAt      string `json:"archived_at"`
	TranscriptLines int    `json:"transcript_lines"`
}

// NewCallRecord builds the archive record of call with PII scrubbed from the transcript.
func NewCallRecord(req *booking.Request, call *booking.Call, now time.Time) *CallRecord {
	rec := &CallRecord{
		Version:            recordVersion,
		CallID:             call.ID,
		RequestID:          call.RequestID,
		ProviderID:         call.ProviderID,
		Status:             call.Status,
		Outcome:            call.Outcome,
		Reason:             call.Reason,
		DurationSeconds:    call.DurationSeconds,
		AvailableSlots:     call.AvailableSlots,
		ConfirmedSlots:     call.ConfirmedSlots,
		BookedSlot:         call.BookedSlot,
		ConfirmationNumber: call.ConfirmationNumber,
		Transcript:         append([]booking.TranscriptEntry(nil), call.Transcript...),
		StartedAt:          call.CreatedAt,
		EndedAt:            call.EndedAt,
		ArchivedAt:         now.UTC(),
	}
	if req != nil {
		rec.ServiceType = req.ServiceType
		rec.PreferredDates = req.PreferredDates
		rec.PreferredTimes = req.PreferredTimes
	}
	ScrubTranscript(rec.Transcript)
	return rec
}
