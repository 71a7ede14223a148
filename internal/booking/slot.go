package booking

import (
	"strings"
	"time"
)

// Slot is a calendar date plus either a clock time ("10:00") or a coarse
// bucket ("morning").
type Slot struct {
	Date string `json:"date"`
	Time string `json:"time"`
}

var clockLayouts = []string{"15:04", "15:04:05", "3:04PM", "3:04 PM", "3PM", "3 PM"}

var bucketClock = map[TimeBucket]string{
	BucketMorning:   "09:00",
	BucketAfternoon: "13:00",
	BucketEvening:   "18:00",
}

// NewSlot normalises a date and time into a Slot.
func NewSlot(date, clock string) (Slot, error) {
	d, err := time.Parse(DateLayout, strings.TrimSpace(date))
	if err != nil {
		return Slot{}, InputError("slot date %q is not YYYY-MM-DD", date)
	}
	clock = strings.TrimSpace(clock)
	if b, ok := ParseTimeBucket(clock); ok {
		return Slot{Date: d.Format(DateLayout), Time: string(b)}, nil
	}
	upper := strings.ToUpper(clock)
	for _, layout := range clockLayouts {
		if t, err := time.Parse(layout, upper); err == nil {
			return Slot{Date: d.Format(DateLayout), Time: t.Format("15:04")}, nil
		}
	}
	return Slot{}, InputError("slot time %q is not a clock time or part of day", clock)
}

// Key identifies the slot for deduplication.
func (s Slot) Key() string {
	return s.Date + "T" + s.Time
}

func (s Slot) String() string {
	return s.Date + " " + s.Time
}

// Bucket returns the part of day the slot falls in.
func (s Slot) Bucket() (TimeBucket, bool) {
	if b, ok := ParseTimeBucket(s.Time); ok {
		return b, true
	}
	t, err := time.Parse("15:04", s.Time)
	if err != nil {
		return "", false
	}
	switch h := t.Hour(); {
	case h < 12:
		return BucketMorning, true
	case h < 17:
		return BucketAfternoon, true
	default:
		return BucketEvening, true
	}
}

// Matches reports whether the slot satisfies the request's preferences. An
// empty preference list accepts anything.
func (s Slot) Matches(r *Request) bool {
	if len(r.PreferredDates) > 0 {
		found := false
		for _, d := range r.PreferredDates {
			if d == s.Date {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(r.PreferredTimes) > 0 {
		b, ok := s.Bucket()
		if !ok {
			return false
		}
		for _, want := range r.PreferredTimes {
			if want == b {
				return true
			}
		}
		return false
	}
	return true
}

// AppointmentTime resolves the slot to an absolute time in loc. Bucket slots
// resolve to a representative hour of the bucket.
func (s Slot) AppointmentTime(loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	clock := s.Time
	if b, ok := ParseTimeBucket(s.Time); ok {
		clock = bucketClock[b]
	}
	t, err := time.ParseInLocation(DateLayout+" 15:04", s.Date+" "+clock, loc)
	if err != nil {
		return time.Time{}, InputError("slot %s has no absolute time", s)
	}
	return t, nil
}
