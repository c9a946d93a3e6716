package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/konzohila/LindebergsHealth/internal/config"
	"github.com/konzohila/LindebergsHealth/internal/observability/metrics"
	"github.com/konzohila/LindebergsHealth/internal/record"
	redisclient "github.com/konzohila/LindebergsHealth/internal/redis"
)

const (
	EventAppointmentBooked      = "APPOINTMENT_BOOKED"
	EventAppointmentRescheduled = "APPOINTMENT_RESCHEDULED"
	EventAppointmentConfirmed   = "APPOINTMENT_CONFIRMED"
	EventAppointmentCompleted   = "APPOINTMENT_COMPLETED"
	EventAppointmentCancelled   = "APPOINTMENT_CANCELLED"
	EventAppointmentNoShow      = "APPOINTMENT_NO_SHOW"
	EventAppointmentDeleted     = "APPOINTMENT_DELETED"
)

const recordKind = "appointment"

var tracer = otel.Tracer("github.com/konzohila/LindebergsHealth/internal/appointment")

// Backfiller is told about every committed cancellation. It must not fail
// the cancellation; implementations log their own errors.
type Backfiller interface {
	Backfill(ctx context.Context, cancelled *Appointment)
}

type BookRequest struct {
	Title            string
	Notes            string
	TypeCode         string
	Start            time.Time
	DurationMinutes  int
	StaffID          uuid.UUID
	RoomID           uuid.UUID
	PatientID        *uuid.UUID
	SeriesID         *uuid.UUID
	SeriesOccurrence *int // only meaningful together with SeriesID
	WaitlistEntryID  *uuid.UUID
	Actor            uuid.UUID
}

type Service struct {
	appts      AppointmentStore
	events     EventStore
	calendar   *Calendar
	versioner  *record.Versioner[*Appointment]
	locker     redisclient.Locker
	cfg        config.Config
	clock      record.Clock
	log        *zap.Logger
	metrics    *metrics.SchedulingMetrics
	backfiller Backfiller
}

func NewService(appts AppointmentStore, blocks BlockageStore, events EventStore, locker redisclient.Locker, cfg config.Config, deps record.Deps) *Service {
	deps = deps.WithDefaults()
	return &Service{
		appts:     appts,
		events:    events,
		calendar:  NewCalendar(appts, blocks, cfg.Location),
		versioner: record.NewVersioner[*Appointment](recordKind, appts, deps),
		locker:    locker,
		cfg:       cfg,
		clock:     deps.Clock,
		log:       deps.Logger,
		metrics:   deps.Metrics,
	}
}

// SetBackfiller installs the cancellation hook. It is set after construction
// because the waitlist matcher itself books through this service.
func (s *Service) SetBackfiller(b Backfiller) {
	s.backfiller = b
}

func (s *Service) Calendar() *Calendar {
	return s.calendar
}

// Book creates a planned appointment if both staff and room are free for
// the whole window. The calendar is re-read under the resource locks
// immediately before the insert.
func (s *Service) Book(ctx context.Context, req BookRequest) (_ *Appointment, err error) {
	ctx, span := tracer.Start(ctx, "appointment.Book", trace.WithAttributes(
		attribute.String("staff_id", req.StaffID.String()),
		attribute.String("room_id", req.RoomID.String()),
	))
	defer s.finish(span, "book", time.Now(), &err)

	if req.StaffID == uuid.Nil {
		return nil, invalid("staff_id", "required")
	}
	if req.RoomID == uuid.Nil {
		return nil, invalid("room_id", "required")
	}
	window, err := s.validateWindow(req.Start, req.DurationMinutes)
	if err != nil {
		return nil, err
	}

	var created *Appointment
	keys := s.lockKeys(window, Staff(req.StaffID), Room(req.RoomID))
	err = s.withResourceLocks(ctx, keys, func(lockCtx context.Context) error {
		if err := s.ensureFree(lockCtx, req.StaffID, req.RoomID, window, uuid.Nil); err != nil {
			return err
		}

		appt, err := s.versioner.Create(lockCtx, &Appointment{
			Title:            req.Title,
			Notes:            req.Notes,
			TypeCode:         req.TypeCode,
			Start:            req.Start,
			DurationMinutes:  req.DurationMinutes,
			StaffID:          req.StaffID,
			RoomID:           req.RoomID,
			PatientID:        req.PatientID,
			Status:           StatusPlanned,
			SeriesID:         req.SeriesID,
			SeriesOccurrence: req.SeriesOccurrence,
			WaitlistEntryID:  req.WaitlistEntryID,
		}, req.Actor, "booked")
		if err != nil {
			return err
		}
		created = appt

		s.logEvent(lockCtx, appt.ID, EventAppointmentBooked, map[string]any{
			"start":            appt.Start,
			"duration_minutes": appt.DurationMinutes,
			"staff_id":         appt.StaffID,
			"room_id":          appt.RoomID,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	return created, nil
}

// Reschedule moves an appointment to a new window on the same resources.
// The appointment's own current interval never conflicts with the new one.
func (s *Service) Reschedule(ctx context.Context, id uuid.UUID, newStart time.Time, newDuration int, actor uuid.UUID, reason string) (_ *Appointment, err error) {
	ctx, span := tracer.Start(ctx, "appointment.Reschedule", trace.WithAttributes(
		attribute.String("appointment_id", id.String()),
	))
	defer s.finish(span, "reschedule", time.Now(), &err)

	current, err := s.versioner.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != StatusPlanned && current.Status != StatusConfirmed {
		return nil, fmt.Errorf("%w: cannot reschedule a %s appointment", ErrInvalidStatusTransition, current.Status)
	}

	// zero keeps the current duration
	if newDuration == 0 {
		newDuration = current.DurationMinutes
	}
	window, err := s.validateWindow(newStart, newDuration)
	if err != nil {
		return nil, err
	}

	var updated *Appointment
	keys := s.lockKeys(window, Staff(current.StaffID), Room(current.RoomID))
	err = s.withResourceLocks(ctx, keys, func(lockCtx context.Context) error {
		if err := s.ensureFree(lockCtx, current.StaffID, current.RoomID, window, current.ID); err != nil {
			return err
		}

		appt, err := s.versioner.Apply(lockCtx, current, actor, reason, func(a *Appointment) error {
			a.Start = newStart
			a.DurationMinutes = newDuration
			return nil
		})
		if err != nil {
			return err
		}
		updated = appt

		s.logEvent(lockCtx, appt.ID, EventAppointmentRescheduled, map[string]any{
			"old_start":            current.Start,
			"old_duration_minutes": current.DurationMinutes,
			"new_start":            appt.Start,
			"new_duration_minutes": appt.DurationMinutes,
			"reason":               reason,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

// Cancel commits the cancellation, then always attempts a waitlist backfill.
// The backfill outcome never affects the returned error.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, actor uuid.UUID, reason string) (err error) {
	ctx, span := tracer.Start(ctx, "appointment.Cancel", trace.WithAttributes(
		attribute.String("appointment_id", id.String()),
	))
	defer s.finish(span, "cancel", time.Now(), &err)

	cancelled, err := s.transition(ctx, id, StatusCancelled, actor, reason, EventAppointmentCancelled)
	if err != nil {
		return err
	}

	if s.backfiller != nil {
		s.backfiller.Backfill(ctx, cancelled)
	}
	return nil
}

func (s *Service) Confirm(ctx context.Context, id uuid.UUID, actor uuid.UUID) (err error) {
	defer s.finish(nil, "confirm", time.Now(), &err)
	_, err = s.transition(ctx, id, StatusConfirmed, actor, "confirmed", EventAppointmentConfirmed)
	return err
}

func (s *Service) MarkCompleted(ctx context.Context, id uuid.UUID, actor uuid.UUID) (err error) {
	defer s.finish(nil, "complete", time.Now(), &err)
	_, err = s.transition(ctx, id, StatusCompleted, actor, "completed", EventAppointmentCompleted)
	return err
}

func (s *Service) MarkNoShow(ctx context.Context, id uuid.UUID, actor uuid.UUID) (err error) {
	defer s.finish(nil, "no_show", time.Now(), &err)
	_, err = s.transition(ctx, id, StatusNoShow, actor, "no show", EventAppointmentNoShow)
	return err
}

// Delete soft-deletes the appointment. It disappears from the calendar but
// stays readable through history.
func (s *Service) Delete(ctx context.Context, id uuid.UUID, actor uuid.UUID, reason string) (_ *Appointment, err error) {
	defer s.finish(nil, "delete", time.Now(), &err)

	appt, err := s.versioner.SoftDelete(ctx, id, actor, reason)
	if err != nil {
		return nil, err
	}
	s.logEvent(ctx, appt.ID, EventAppointmentDeleted, map[string]any{"reason": reason})
	return appt, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.versioner.Load(ctx, id)
}

func (s *Service) List(ctx context.Context, filter AppointmentFilter) ([]*Appointment, error) {
	appts, err := s.appts.ListAppointments(ctx, filter)
	if err != nil {
		return nil, record.Classify("list appointments", err)
	}
	return appts, nil
}

// ListForResource returns the non-deleted appointments of res overlapping [from, to).
func (s *Service) ListForResource(ctx context.Context, res Resource, from, to time.Time) ([]*Appointment, error) {
	filter := AppointmentFilter{From: &from, To: &to}
	switch res.Kind {
	case ResourceStaff:
		filter.StaffID = &res.ID
	case ResourceRoom:
		filter.RoomID = &res.ID
	default:
		return nil, invalid("resource_kind", fmt.Sprintf("unknown kind %q", res.Kind))
	}
	return s.List(ctx, filter)
}

func (s *Service) transition(ctx context.Context, id uuid.UUID, to AppointmentStatus, actor uuid.UUID, reason, event string) (*Appointment, error) {
	current, err := s.versioner.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !current.Status.CanTransition(to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, current.Status, to)
	}

	updated, err := s.versioner.Apply(ctx, current, actor, reason, func(a *Appointment) error {
		a.Status = to
		if to == StatusCancelled {
			a.CancelReason = reason
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logEvent(ctx, updated.ID, event, map[string]any{
		"old_status": current.Status,
		"new_status": updated.Status,
		"reason":     reason,
	})
	return updated, nil
}

func (s *Service) validateWindow(start time.Time, durationMinutes int) (Interval, error) {
	if start.IsZero() {
		return Interval{}, invalid("start", "required")
	}
	if durationMinutes < s.cfg.MinDuration || durationMinutes > s.cfg.MaxDuration {
		return Interval{}, invalid("duration_minutes",
			fmt.Sprintf("must be between %d and %d, got %d", s.cfg.MinDuration, s.cfg.MaxDuration, durationMinutes))
	}
	if start.Before(s.clock.Now().Add(-s.cfg.BookingGrace)) {
		return Interval{}, invalid("start", "lies in the past")
	}
	return Interval{Start: start, End: start.Add(time.Duration(durationMinutes) * time.Minute)}, nil
}

// ensureFree checks staff before room and reports the first busy one.
func (s *Service) ensureFree(ctx context.Context, staffID, roomID uuid.UUID, window Interval, excludeID uuid.UUID) error {
	for _, res := range []Resource{Staff(staffID), Room(roomID)} {
		busy, err := s.calendar.Collisions(ctx, res, window, excludeID)
		if err != nil {
			return err
		}
		if len(busy) > 0 {
			return &SlotConflictError{Resource: res, Colliding: busy}
		}
	}
	return nil
}

// lockKeys names one lock per resource and practice-local date the window touches.
func (s *Service) lockKeys(window Interval, resources ...Resource) []string {
	loc := s.calendar.Location()
	var keys []string
	for _, res := range resources {
		for day := Midnight(window.Start, loc); day.Before(window.End); day = day.AddDate(0, 0, 1) {
			keys = append(keys, ResourceLockKey(res, day))
		}
	}
	return keys
}

func ResourceLockKey(res Resource, day time.Time) string {
	return fmt.Sprintf("lock:resource:%s:%s:%s", res.Kind, res.ID, day.Format("2006-01-02"))
}

func (s *Service) withResourceLocks(ctx context.Context, keys []string, fn func(ctx context.Context) error) error {
	var fnErr error
	err := s.locker.WithLocks(ctx, keys, func(lockCtx context.Context) error {
		fnErr = fn(lockCtx)
		return fnErr
	})
	if fnErr != nil {
		return fnErr
	}
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return ErrSlotBeingBooked
		}
		return record.Unavailable("resource lock", err)
	}
	return nil
}

func (s *Service) finish(span trace.Span, op string, started time.Time, errp *error) {
	err := *errp
	if span != nil {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
	s.metrics.ObserveOperation(op, Outcome(err), time.Since(started).Seconds())
}

// Outcome classifies err into a low-cardinality label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrSlotConflict):
		return "slot_conflict"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrInvalidStatusTransition):
		return "invalid_transition"
	case errors.Is(err, record.ErrConcurrencyConflict):
		return "concurrency_conflict"
	case errors.Is(err, record.ErrNotFound):
		return "not_found"
	case errors.Is(err, record.ErrStorageUnavailable):
		return "storage_unavailable"
	default:
		return "error"
	}
}

func (s *Service) logEvent(ctx context.Context, appointmentID uuid.UUID, eventType string, payload map[string]any) {
	if s.events == nil {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Warn("failed to marshal event payload", zap.String("event_type", eventType), zap.Error(err))
		data = nil
	}

	apptID := appointmentID

	ev := EventLog{
		EventType:     eventType,
		AppointmentID: &apptID,
		Payload:       data,
		CreatedAt:     s.clock.Now(),
	}

	if err := s.events.InsertEvent(ctx, ev); err != nil {
		s.log.Warn("failed to insert event log",
			zap.String("event_type", eventType),
			zap.Stringer("appointment_id", appointmentID),
			zap.Error(err),
		)
	}
}
