package booking

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSlotNormalises(t *testing.T) {
	cases := []struct {
		date, clock string
		want        Slot
	}{
		{"2025-01-15", "10:00", Slot{Date: "2025-01-15", Time: "10:00"}},
		{"2025-01-15", "3:30 pm", Slot{Date: "2025-01-15", Time: "15:30"}},
		{"2025-01-15", "9AM", Slot{Date: "2025-01-15", Time: "09:00"}},
		{"2025-01-15", "Morning", Slot{Date: "2025-01-15", Time: "morning"}},
	}
	for _, tc := range cases {
		got, err := NewSlot(tc.date, tc.clock)
		require.NoError(t, err, tc.clock)
		assert.Equal(t, tc.want, got)
	}

	_, err := NewSlot("Jan 15", "10:00")
	assert.Equal(t, KindInput, KindOf(err))
	_, err = NewSlot("2025-01-15", "whenever")
	assert.Equal(t, KindInput, KindOf(err))
}

func TestSlotBucket(t *testing.T) {
	cases := map[string]TimeBucket{
		"08:00":     BucketMorning,
		"11:59":     BucketMorning,
		"12:00":     BucketAfternoon,
		"16:59":     BucketAfternoon,
		"17:00":     BucketEvening,
		"afternoon": BucketAfternoon,
	}
	for clock, want := range cases {
		b, ok := Slot{Date: "2025-01-15", Time: clock}.Bucket()
		require.True(t, ok, clock)
		assert.Equal(t, want, b, clock)
	}
}

func TestSlotMatchesPreferences(t *testing.T) {
	r := &Request{PreferredDates: []string{"2025-01-17"}}
	assert.False(t, Slot{Date: "2025-01-15", Time: "morning"}.Matches(r))
	assert.False(t, Slot{Date: "2025-01-16", Time: "afternoon"}.Matches(r))
	assert.True(t, Slot{Date: "2025-01-17", Time: "14:00"}.Matches(r))

	r.PreferredTimes = []TimeBucket{BucketMorning}
	assert.False(t, Slot{Date: "2025-01-17", Time: "14:00"}.Matches(r))
	assert.True(t, Slot{Date: "2025-01-17", Time: "10:30"}.Matches(r))

	anything := &Request{}
	assert.True(t, Slot{Date: "2030-06-01", Time: "evening"}.Matches(anything))
}

func TestSlotAppointmentTime(t *testing.T) {
	at, err := Slot{Date: "2025-01-15", Time: "10:00"}.AppointmentTime(nil)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC), at)

	at, err = Slot{Date: "2025-01-16", Time: "afternoon"}.AppointmentTime(time.UTC)
	require.NoError(t, err)
	assert.Equal(t, 13, at.Hour())
}
