package archive

import (
	"regexp"

	"github.com/wolfman30/callpilot/internal/booking"
)

var (
	emailRe = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phoneRe = regexp.MustCompile(`\+?1?[-.\s]?\(?[0-9]{3}\)?[-.\s]?[0-9]{3}[-.\s]?[0-9]{4}`)
)

// ScrubPII replaces emails with [EMAIL] and phone numbers with [PHONE].
func ScrubPII(text string) string {
	text = emailRe.ReplaceAllString(text, "[EMAIL]")
	text = phoneRe.ReplaceAllString(text, "[PHONE]")
	return text
}

// ScrubTranscript applies ScrubPII to every entry in place.
func ScrubTranscript(entries []booking.TranscriptEntry) {
	for i := range entries {
		entries[i].Text = ScrubPII(entries[i].Text)
	}
}
