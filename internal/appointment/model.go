package appointment

import (
	"time"

	"github.com/google/uuid"

	"github.com/konzohila/LindebergsHealth/internal/record"
)

type AppointmentStatus string

const (
	StatusPlanned   AppointmentStatus = "planned"
	StatusConfirmed AppointmentStatus = "confirmed"
	StatusCompleted AppointmentStatus = "completed"
	StatusCancelled AppointmentStatus = "cancelled"
	StatusNoShow    AppointmentStatus = "no_show"
)

// occupying statuses keep their resources busy.
var occupyingStatuses = []AppointmentStatus{StatusPlanned, StatusConfirmed, StatusCompleted}

var transitions = map[AppointmentStatus][]AppointmentStatus{
	StatusPlanned:   {StatusConfirmed, StatusCancelled, StatusNoShow},
	StatusConfirmed: {StatusCompleted, StatusCancelled, StatusNoShow},
}

// CanTransition reports whether the state machine allows s -> to.
func (s AppointmentStatus) CanTransition(to AppointmentStatus) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// OccupyingStatuses lists the statuses that keep resources busy.
func OccupyingStatuses() []AppointmentStatus {
	return append([]AppointmentStatus(nil), occupyingStatuses...)
}

// Occupies reports whether an appointment in this status blocks its resources.
func (s AppointmentStatus) Occupies() bool {
	for _, o := range occupyingStatuses {
		if o == s {
			return true
		}
	}
	return false
}

func (s AppointmentStatus) Valid() bool {
	switch s {
	case StatusPlanned, StatusConfirmed, StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}

// Appointment is mutated only through the booking engine. SeriesOccurrence
// is the zero-based index of the series candidate the appointment was booked
// for; it survives reschedules.
type Appointment struct {
	record.Envelope
	Title            string            `json:"title"`
	Notes            string            `json:"notes,omitempty"`
	TypeCode         string            `json:"type_code,omitempty"`
	Start            time.Time         `json:"start"`
	DurationMinutes  int               `json:"duration_minutes"`
	StaffID          uuid.UUID         `json:"staff_id"`
	RoomID           uuid.UUID         `json:"room_id"`
	PatientID        *uuid.UUID        `json:"patient_id,omitempty"`
	Status           AppointmentStatus `json:"status"`
	SeriesID         *uuid.UUID        `json:"series_id,omitempty"`
	SeriesOccurrence *int              `json:"series_occurrence,omitempty"`
	WaitlistEntryID  *uuid.UUID        `json:"waitlist_entry_id,omitempty"`
	CancelReason     string            `json:"cancel_reason,omitempty"`
}

func (a *Appointment) Clone() *Appointment {
	c := *a
	return &c
}

func (a *Appointment) End() time.Time {
	return a.Start.Add(time.Duration(a.DurationMinutes) * time.Minute)
}

func (a *Appointment) Interval() Interval {
	return Interval{Start: a.Start, End: a.End()}
}

type ReasonCode string

const (
	ReasonVacation       ReasonCode = "VACATION"
	ReasonSickness       ReasonCode = "SICKNESS"
	ReasonTraining       ReasonCode = "TRAINING"
	ReasonCongress       ReasonCode = "CONGRESS"
	ReasonMaintenance    ReasonCode = "MAINTENANCE"
	ReasonTeamMeeting    ReasonCode = "TEAM_MEETING"
	ReasonAdministration ReasonCode = "ADMINISTRATION"
	ReasonHoliday        ReasonCode = "HOLIDAY"
	ReasonClosure        ReasonCode = "CLOSURE"
	ReasonOther          ReasonCode = "OTHER"
)

var ReasonCodes = []ReasonCode{
	ReasonVacation, ReasonSickness, ReasonTraining, ReasonCongress, ReasonMaintenance,
	ReasonTeamMeeting, ReasonAdministration, ReasonHoliday, ReasonClosure, ReasonOther,
}

func (r ReasonCode) Valid() bool {
	for _, c := range ReasonCodes {
		if c == r {
			return true
		}
	}
	return false
}

// Blockage marks a resource, or the whole practice when both references are
// nil, as unavailable.
type Blockage struct {
	record.Envelope
	StaffID    *uuid.UUID `json:"staff_id,omitempty"`
	RoomID     *uuid.UUID `json:"room_id,omitempty"`
	Start      time.Time  `json:"start"`
	End        time.Time  `json:"end"`
	WholeDay   bool       `json:"whole_day"`
	ReasonCode ReasonCode `json:"reason_code"`
	Title      string     `json:"title,omitempty"`
}

func (b *Blockage) Clone() *Blockage {
	c := *b
	return &c
}

func (b *Blockage) PracticeWide() bool {
	return b.StaffID == nil && b.RoomID == nil
}

// AppliesTo reports whether the blockage makes res unavailable.
func (b *Blockage) AppliesTo(res Resource) bool {
	if b.PracticeWide() {
		return true
	}
	switch res.Kind {
	case ResourceStaff:
		return b.StaffID != nil && *b.StaffID == res.ID
	case ResourceRoom:
		return b.RoomID != nil && *b.RoomID == res.ID
	}
	return false
}

// Span is the blocked interval. Whole-day blockages run from midnight of the
// start date to midnight after the end date in loc.
func (b *Blockage) Span(loc *time.Location) Interval {
	if !b.WholeDay {
		return Interval{Start: b.Start, End: b.End}
	}
	return Interval{
		Start: Midnight(b.Start, loc),
		End:   Midnight(b.End, loc).AddDate(0, 0, 1),
	}
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}
