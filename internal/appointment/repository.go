package appointment

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/konzohila/LindebergsHealth/internal/record"
)

// AppointmentFilter selects non-deleted appointments. Nil fields do not filter.
// From/To select appointments whose interval overlaps [From, To).
type AppointmentFilter struct {
	StaffID         *uuid.UUID
	RoomID          *uuid.UUID
	PatientID       *uuid.UUID
	SeriesID        *uuid.UUID
	WaitlistEntryID *uuid.UUID
	From            *time.Time
	To              *time.Time
	Statuses        []AppointmentStatus
	IncludeDeleted  bool // calendar and conflict queries never set it
}

// Matches applies the filter in memory. Stores backed by a query language
// translate it instead.
func (f AppointmentFilter) Matches(a *Appointment) bool {
	if a.Deleted && !f.IncludeDeleted {
		return false
	}
	if f.StaffID != nil && a.StaffID != *f.StaffID {
		return false
	}
	if f.RoomID != nil && a.RoomID != *f.RoomID {
		return false
	}
	if f.PatientID != nil && (a.PatientID == nil || *a.PatientID != *f.PatientID) {
		return false
	}
	if f.SeriesID != nil && (a.SeriesID == nil || *a.SeriesID != *f.SeriesID) {
		return false
	}
	if f.WaitlistEntryID != nil && (a.WaitlistEntryID == nil || *a.WaitlistEntryID != *f.WaitlistEntryID) {
		return false
	}
	if f.To != nil && !a.Start.Before(*f.To) {
		return false
	}
	if f.From != nil && !f.From.Before(a.End()) {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if a.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// AppointmentStore persists appointments. Get returns soft-deleted rows too;
// ListAppointments never does.
type AppointmentStore interface {
	record.Repository[*Appointment]
	ListAppointments(ctx context.Context, filter AppointmentFilter) ([]*Appointment, error)
}

// BlockageStore persists blockages. ListBlockages returns non-deleted
// blockages whose raw [Start, End] overlaps [from, to).
type BlockageStore interface {
	record.Repository[*Blockage]
	ListBlockages(ctx context.Context, from, to time.Time) ([]*Blockage, error)
}

// EventStore receives best-effort change records.
type EventStore interface {
	InsertEvent(ctx context.Context, ev EventLog) error
}
