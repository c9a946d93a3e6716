package waitlist

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/konzohila/LindebergsHealth/internal/appointment"
	"github.com/konzohila/LindebergsHealth/internal/record"
)

type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityNormal
	PriorityHigh
	PriorityUrgent
	PriorityEmergency
)

var priorityNames = map[Priority]string{
	PriorityLow:       "low",
	PriorityNormal:    "normal",
	PriorityHigh:      "high",
	PriorityUrgent:    "urgent",
	PriorityEmergency: "emergency",
}

func (p Priority) Valid() bool {
	_, ok := priorityNames[p]
	return ok
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

func ParsePriority(s string) (Priority, error) {
	for p, name := range priorityNames {
		if strings.EqualFold(name, s) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Entry is a standing request for a slot. Inactive entries were either
// matched (MatchedAt set) or withdrawn (WithdrawnReason set).
type Entry struct {
	record.Envelope
	PatientID            uuid.UUID              `json:"patient_id"`
	StaffID              *uuid.UUID             `json:"staff_id,omitempty"`
	TypeCode             string                 `json:"type_code,omitempty"`
	Priority             Priority               `json:"priority"`
	DateFrom             *time.Time             `json:"date_from,omitempty"`
	DateTo               *time.Time             `json:"date_to,omitempty"`
	TimeFrom             *appointment.TimeOfDay `json:"time_from,omitempty"`
	TimeTo               *appointment.TimeOfDay `json:"time_to,omitempty"`
	Active               bool                   `json:"active"`
	MatchedAt            *time.Time             `json:"matched_at,omitempty"`
	MatchedAppointmentID *uuid.UUID             `json:"matched_appointment_id,omitempty"`
	WithdrawnReason      string                 `json:"withdrawn_reason,omitempty"`
	Notes                string                 `json:"notes,omitempty"`
}

func (e *Entry) Clone() *Entry {
	c := *e
	return &c
}

// Accepts reports whether the entry wants the slot of appt: matching staff
// preference, slot date inside the date window, slot start inside the
// time-of-day window. Open bounds accept everything; bounds are inclusive.
func (e *Entry) Accepts(appt *appointment.Appointment, loc *time.Location) bool {
	if e.StaffID != nil && *e.StaffID != appt.StaffID {
		return false
	}

	day := appointment.Midnight(appt.Start, loc)
	if e.DateFrom != nil && day.Before(appointment.Midnight(*e.DateFrom, loc)) {
		return false
	}
	if e.DateTo != nil && day.After(appointment.Midnight(*e.DateTo, loc)) {
		return false
	}

	tod := appointment.TimeOfDayOf(appt.Start, loc)
	if e.TimeFrom != nil && tod < *e.TimeFrom {
		return false
	}
	if e.TimeTo != nil && tod > *e.TimeTo {
		return false
	}
	return true
}

// Rank orders entries by priority descending, then registration time
// ascending, then id.
func Rank(entries []*Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID.String() < b.ID.String()
	})
}

// Store persists entries. ListActive returns active, non-deleted entries
// without a staff preference or preferring staffID.
type Store interface {
	record.Repository[*Entry]
	ListActive(ctx context.Context, staffID uuid.UUID) ([]*Entry, error)
}

// Booker is the slice of the booking engine the matcher needs.
type Booker interface {
	Book(ctx context.Context, req appointment.BookRequest) (*appointment.Appointment, error)
	Get(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	Delete(ctx context.Context, id uuid.UUID, actor uuid.UUID, reason string) (*appointment.Appointment, error)
}

type MatchResult struct {
	Entry       *Entry
	Appointment *appointment.Appointment
}
