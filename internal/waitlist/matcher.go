package waitlist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/konzohila/LindebergsHealth/internal/appointment"
	"github.com/konzohila/LindebergsHealth/internal/observability/metrics"
	"github.com/konzohila/LindebergsHealth/internal/record"
	redisclient "github.com/konzohila/LindebergsHealth/internal/redis"
)

const (
	recordKind     = "waitlist"
	updateAttempts = 3
)

var (
	ErrNotCancelled  = errors.New("appointment is not cancelled")
	ErrEntryInactive = errors.New("waitlist entry is no longer active")
)

var tracer = otel.Tracer("github.com/konzohila/LindebergsHealth/internal/waitlist")

type Matcher struct {
	entries   Store
	booker    Booker
	locker    redisclient.Locker
	versioner *record.Versioner[*Entry]
	loc       *time.Location
	clock     record.Clock
	log       *zap.Logger
	metrics   *metrics.SchedulingMetrics
}

func NewMatcher(entries Store, booker Booker, locker redisclient.Locker, loc *time.Location, deps record.Deps) *Matcher {
	deps = deps.WithDefaults()
	if loc == nil {
		loc = time.UTC
	}
	return &Matcher{
		entries:   entries,
		booker:    booker,
		locker:    locker,
		versioner: record.NewVersioner[*Entry](recordKind, entries, deps),
		loc:       loc,
		clock:     deps.Clock,
		log:       deps.Logger,
		metrics:   deps.Metrics,
	}
}

func entryLockKey(id uuid.UUID) string {
	return "lock:waitlist:" + id.String()
}

// Enqueue registers a new active entry. Priority defaults to normal.
func (m *Matcher) Enqueue(ctx context.Context, e *Entry, actor uuid.UUID) (*Entry, error) {
	if e.Priority == 0 {
		e.Priority = PriorityNormal
	}
	switch {
	case e.PatientID == uuid.Nil:
		return nil, &appointment.InvalidRequestError{Field: "patient_id", Reason: "required"}
	case !e.Priority.Valid():
		return nil, &appointment.InvalidRequestError{Field: "priority", Reason: "unknown priority"}
	case e.DateFrom != nil && e.DateTo != nil && e.DateTo.Before(*e.DateFrom):
		return nil, &appointment.InvalidRequestError{Field: "date_to", Reason: "must not precede date_from"}
	case e.TimeFrom != nil && !e.TimeFrom.Valid(), e.TimeTo != nil && !e.TimeTo.Valid():
		return nil, &appointment.InvalidRequestError{Field: "time_from", Reason: "must be within the day"}
	case e.TimeFrom != nil && e.TimeTo != nil && *e.TimeTo < *e.TimeFrom:
		return nil, &appointment.InvalidRequestError{Field: "time_to", Reason: "must not precede time_from"}
	}

	e.Active = true
	e.MatchedAt = nil
	e.MatchedAppointmentID = nil
	e.WithdrawnReason = ""
	return m.versioner.Create(ctx, e, actor, "waitlist entry registered")
}

func (m *Matcher) Get(ctx context.Context, id uuid.UUID) (*Entry, error) {
	return m.versioner.Load(ctx, id)
}

// Withdraw deactivates an entry without a match. reason is required.
func (m *Matcher) Withdraw(ctx context.Context, id uuid.UUID, actor uuid.UUID, reason string) (*Entry, error) {
	if reason == "" {
		return nil, &appointment.InvalidRequestError{Field: "reason", Reason: "required"}
	}

	var withdrawn *Entry
	err := m.locker.WithLocks(ctx, []string{entryLockKey(id)}, func(lockCtx context.Context) error {
		return record.Retry(lockCtx, updateAttempts, func(ctx context.Context) error {
			current, err := m.versioner.Load(ctx, id)
			if err != nil {
				return err
			}
			if !current.Active {
				return ErrEntryInactive
			}
			withdrawn, err = m.versioner.Apply(ctx, current, actor, "withdrawn: "+reason, func(e *Entry) error {
				e.Active = false
				e.WithdrawnReason = reason
				return nil
			})
			return err
		})
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, fmt.Errorf("waitlist entry %s is being matched: %w", id, record.ErrConcurrencyConflict)
		}
		return nil, err
	}
	return withdrawn, nil
}

// RematchAppointment re-runs matching for an already cancelled appointment.
func (m *Matcher) RematchAppointment(ctx context.Context, id uuid.UUID) (*MatchResult, error) {
	appt, err := m.booker.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if appt.Status != appointment.StatusCancelled {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotCancelled, id, appt.Status)
	}
	return m.OnCancelled(ctx, appt)
}

// OnCancelled offers the freed slot of a cancelled appointment to the best
// ranked eligible entry. At most one entry is matched. No eligible entry or
// a failed booking yields a nil result and no error.
func (m *Matcher) OnCancelled(ctx context.Context, cancelled *appointment.Appointment) (_ *MatchResult, err error) {
	ctx, span := tracer.Start(ctx, "waitlist.OnCancelled", trace.WithAttributes(
		attribute.String("appointment_id", cancelled.ID.String()),
	))
	started := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		m.metrics.ObserveOperation("match", appointment.Outcome(err), time.Since(started).Seconds())
	}()

	active, err := m.entries.ListActive(ctx, cancelled.StaffID)
	if err != nil {
		return nil, record.Classify("list waitlist", err)
	}

	eligible := active[:0]
	for _, e := range active {
		if e.Active && !e.Deleted && e.Accepts(cancelled, m.loc) {
			eligible = append(eligible, e)
		}
	}
	Rank(eligible)

	for _, candidate := range eligible {
		result, settled, err := m.offer(ctx, candidate.ID, cancelled)
		if err != nil {
			return nil, err
		}
		if settled {
			return result, nil
		}
	}

	m.metrics.ObserveWaitlistMatch("no_candidate")
	return nil, nil
}

// offer tries one entry under its lock. settled is false when the entry
// turned out to be unavailable and the next candidate should be tried.
func (m *Matcher) offer(ctx context.Context, entryID uuid.UUID, cancelled *appointment.Appointment) (result *MatchResult, settled bool, err error) {
	lockErr := m.locker.WithLocks(ctx, []string{entryLockKey(entryID)}, func(lockCtx context.Context) error {
		entry, err := m.versioner.Load(lockCtx, entryID)
		if errors.Is(err, record.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !entry.Active || !entry.Accepts(cancelled, m.loc) {
			return nil
		}
		settled = true

		typeCode := entry.TypeCode
		if typeCode == "" {
			typeCode = cancelled.TypeCode
		}
		patient := entry.PatientID
		entryRef := entry.ID
		booked, err := m.booker.Book(lockCtx, appointment.BookRequest{
			Title:           cancelled.Title,
			Notes:           entry.Notes,
			TypeCode:        typeCode,
			Start:           cancelled.Start,
			DurationMinutes: cancelled.DurationMinutes,
			StaffID:         cancelled.StaffID,
			RoomID:          cancelled.RoomID,
			PatientID:       &patient,
			WaitlistEntryID: &entryRef,
			Actor:           cancelled.LastActor(),
		})
		if err != nil {
			if errors.Is(err, record.ErrStorageUnavailable) {
				return err
			}
			m.metrics.ObserveWaitlistMatch("booking_failed")
			m.log.Info("waitlist booking failed, slot stays open",
				zap.Stringer("entry_id", entry.ID),
				zap.Stringer("cancelled_appointment_id", cancelled.ID),
				zap.Error(err),
			)
			return nil
		}

		matched, err := m.markMatched(lockCtx, entry, booked, cancelled.LastActor())
		if err != nil {
			m.metrics.ObserveWaitlistMatch("rolled_back")
			m.undoBooking(lockCtx, entry, booked, cancelled.LastActor(), err)
			return err
		}

		m.metrics.ObserveWaitlistMatch("matched")
		result = &MatchResult{Entry: matched, Appointment: booked}
		return nil
	})
	if lockErr != nil {
		if errors.Is(lockErr, redisclient.ErrLockNotAcquired) {
			// another matcher owns this entry
			return nil, false, nil
		}
		return nil, false, record.Classify("match waitlist entry", lockErr)
	}
	return result, settled, nil
}

// undoBooking soft-deletes an appointment whose entry could not be marked
// matched, so the entry stays active and the slot is free for the next run.
func (m *Matcher) undoBooking(ctx context.Context, entry *Entry, booked *appointment.Appointment, actor uuid.UUID, cause error) {
	fields := []zap.Field{
		zap.Stringer("entry_id", entry.ID),
		zap.Stringer("appointment_id", booked.ID),
		zap.NamedError("cause", cause),
	}

	_, err := m.booker.Delete(context.WithoutCancel(ctx), booked.ID, actor, "waitlist match could not be recorded")
	if err != nil {
		m.log.Error("waitlist booking orphaned, delete the appointment or mark the entry matched by hand",
			append(fields, zap.Error(err))...)
		return
	}
	m.log.Warn("waitlist booking rolled back, entry stays active", fields...)
}

func (m *Matcher) markMatched(ctx context.Context, entry *Entry, booked *appointment.Appointment, actor uuid.UUID) (*Entry, error) {
	var matched *Entry
	current := entry
	err := record.Retry(ctx, updateAttempts, func(ctx context.Context) error {
		if current == nil {
			fresh, err := m.versioner.Load(ctx, entry.ID)
			if err != nil {
				return err
			}
			current = fresh
		}
		now := m.clock.Now()
		apptID := booked.ID
		updated, err := m.versioner.Apply(ctx, current, actor, "matched to appointment "+booked.ID.String(), func(e *Entry) error {
			e.Active = false
			e.MatchedAt = &now
			e.MatchedAppointmentID = &apptID
			return nil
		})
		if err != nil {
			current = nil
			return err
		}
		matched = updated
		return nil
	})
	return matched, err
}
