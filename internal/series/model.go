package series

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/konzohila/LindebergsHealth/internal/appointment"
	"github.com/konzohila/LindebergsHealth/internal/record"
)

const DefaultIntervalDays = 7

// Template generates recurring appointments for one patient.
type Template struct {
	record.Envelope
	Title           string                `json:"title"`
	PatientID       uuid.UUID             `json:"patient_id"`
	StaffID         uuid.UUID             `json:"staff_id"`
	RoomID          uuid.UUID             `json:"room_id"`
	DurationMinutes int                   `json:"duration_minutes"`
	TypeCode        string                `json:"type_code,omitempty"`
	Weekday         *time.Weekday         `json:"weekday,omitempty"`
	TimeOfDay       appointment.TimeOfDay `json:"time_of_day"`
	IntervalDays    int                   `json:"interval_days"`
	PlannedCount    int                   `json:"planned_count"`
	ActualCount     int                   `json:"actual_count"`
	StartDate       time.Time             `json:"start_date"`
	EndDate         *time.Time            `json:"end_date,omitempty"`
	Completed       bool                  `json:"completed"`
}

func (t *Template) Clone() *Template {
	c := *t
	return &c
}

// Candidates returns the occurrence start times in loc: StartDate + k*IntervalDays
// for k < PlannedCount, each moved forward to Weekday when set. Candidates
// after EndDate are dropped.
func (t *Template) Candidates(loc *time.Location) []time.Time {
	interval := t.IntervalDays
	if interval <= 0 {
		interval = DefaultIntervalDays
	}

	var lastDay time.Time
	if t.EndDate != nil {
		lastDay = appointment.Midnight(*t.EndDate, loc)
	}

	base := appointment.Midnight(t.StartDate, loc)
	out := make([]time.Time, 0, t.PlannedCount)
	for k := 0; k < t.PlannedCount; k++ {
		day := base.AddDate(0, 0, k*interval)
		if t.Weekday != nil {
			for day.Weekday() != *t.Weekday {
				day = day.AddDate(0, 0, 1)
			}
		}
		if t.EndDate != nil && day.After(lastDay) {
			break
		}
		out = append(out, t.TimeOfDay.On(day, loc))
	}
	return out
}

// Store persists templates. ListOpen returns non-deleted, incomplete templates.
type Store interface {
	record.Repository[*Template]
	ListOpen(ctx context.Context) ([]*Template, error)
}

// Booker is the slice of the booking engine the generator needs.
type Booker interface {
	Book(ctx context.Context, req appointment.BookRequest) (*appointment.Appointment, error)
	List(ctx context.Context, filter appointment.AppointmentFilter) ([]*appointment.Appointment, error)
}

type OutcomeKind string

const (
	OutcomeBooked  OutcomeKind = "booked"
	OutcomeSkipped OutcomeKind = "skipped"
)

// Outcome describes one candidate. Existing is set when the occurrence was
// booked by an earlier run. Reason is set for skipped occurrences.
type Outcome struct {
	Occurrence  int
	Start       time.Time
	Kind        OutcomeKind
	Appointment *appointment.Appointment
	Existing    bool
	Reason      error
}
