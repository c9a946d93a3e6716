package waitlist

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/konzohila/LindebergsHealth/internal/appointment"
)

func tod(h, m int) *appointment.TimeOfDay {
	t := appointment.NewTimeOfDay(h, m)
	return &t
}

func day(d int) *time.Time {
	t := time.Date(2024, 6, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func TestEntryAccepts(t *testing.T) {
	staff := uuid.New()
	other := uuid.New()
	appt := &appointment.Appointment{
		StaffID:         staff,
		Start:           time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC),
		DurationMinutes: 60,
	}

	tests := []struct {
		name  string
		entry Entry
		want  bool
	}{
		{"open entry", Entry{}, true},
		{"preferred staff", Entry{StaffID: &staff}, true},
		{"other staff", Entry{StaffID: &other}, false},
		{"date window contains slot", Entry{DateFrom: day(1), DateTo: day(5)}, true},
		{"date window ends on slot day", Entry{DateTo: day(3)}, true},
		{"date window starts after slot", Entry{DateFrom: day(4)}, false},
		{"date window ended", Entry{DateTo: day(2)}, false},
		{"time window contains start", Entry{TimeFrom: tod(9, 0), TimeTo: tod(12, 0)}, true},
		{"time window starts at start", Entry{TimeFrom: tod(10, 0)}, true},
		{"afternoon only", Entry{TimeFrom: tod(13, 0)}, false},
		{"early morning only", Entry{TimeTo: tod(9, 30)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.entry.Accepts(appt, time.UTC))
		})
	}
}

func TestRankIsStrictTotalOrder(t *testing.T) {
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	mk := func(p Priority, offset time.Duration) *Entry {
		e := &Entry{Priority: p}
		e.ID = uuid.New()
		e.CreatedAt = base.Add(offset)
		return e
	}

	first := mk(PriorityNormal, 0)
	urgent := mk(PriorityUrgent, time.Hour)
	third := mk(PriorityNormal, 2*time.Hour)
	emergency := mk(PriorityEmergency, 3*time.Hour)
	low := mk(PriorityLow, -time.Hour)

	entries := []*Entry{third, low, first, emergency, urgent}
	Rank(entries)

	assert.Equal(t, []*Entry{emergency, urgent, first, third, low}, entries)
}

func TestPriorityText(t *testing.T) {
	for p := PriorityLow; p <= PriorityEmergency; p++ {
		text, err := p.MarshalText()
		require.NoError(t, err)

		var back Priority
		require.NoError(t, back.UnmarshalText(text))
		assert.Equal(t, p, back)
	}

	_, err := ParsePriority("whenever")
	assert.Error(t, err)
	assert.False(t, Priority(0).Valid())
}
