package series

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
)

const (
	recordKind = "series"

	// counter updates race only with other expansions of the same template
	refreshAttempts = 3
)

var tracer = otel.Tracer("github.com/konzohila/LindebergsHealth/internal/series")

type Generator struct {
	templates Store
	booker    Booker
	versioner *record.Versioner[*Template]
	loc       *time.Location
	clock     record.Clock
	log       *zap.Logger
	metrics   *metrics.SchedulingMetrics
}

func NewGenerator(templates Store, booker Booker, loc *time.Location, deps record.Deps) *Generator {
	deps = deps.WithDefaults()
	if loc == nil {
		loc = time.UTC
	}
	return &Generator{
		templates: templates,
		booker:    booker,
		versioner: record.NewVersioner[*Template](recordKind, templates, deps),
		loc:       loc,
		clock:     deps.Clock,
		log:       deps.Logger,
		metrics:   deps.Metrics,
	}
}

// Create validates and stores a template. Expansion is a separate call.
func (g *Generator) Create(ctx context.Context, tpl *Template, actor uuid.UUID) (*Template, error) {
	if tpl.IntervalDays == 0 {
		tpl.IntervalDays = DefaultIntervalDays
	}
	if err := validate(tpl); err != nil {
		return nil, err
	}
	tpl.ActualCount = 0
	tpl.Completed = false
	return g.versioner.Create(ctx, tpl, actor, "series created")
}

func (g *Generator) Get(ctx context.Context, id uuid.UUID) (*Template, error) {
	return g.versioner.Load(ctx, id)
}

// Delete soft-deletes the template. Occurrences already booked stay.
func (g *Generator) Delete(ctx context.Context, id uuid.UUID, actor uuid.UUID, reason string) (*Template, error) {
	return g.versioner.SoftDelete(ctx, id, actor, reason)
}

func validate(tpl *Template) error {
	switch {
	case tpl.PatientID == uuid.Nil:
		return &appointment.InvalidRequestError{Field: "patient_id", Reason: "required"}
	case tpl.StaffID == uuid.Nil:
		return &appointment.InvalidRequestError{Field: "staff_id", Reason: "required"}
	case tpl.RoomID == uuid.Nil:
		return &appointment.InvalidRequestError{Field: "room_id", Reason: "required"}
	case tpl.DurationMinutes <= 0:
		return &appointment.InvalidRequestError{Field: "duration_minutes", Reason: "must be positive"}
	case tpl.PlannedCount <= 0:
		return &appointment.InvalidRequestError{Field: "planned_count", Reason: "must be positive"}
	case tpl.IntervalDays <= 0:
		return &appointment.InvalidRequestError{Field: "interval_days", Reason: "must be positive"}
	case !tpl.TimeOfDay.Valid():
		return &appointment.InvalidRequestError{Field: "time_of_day", Reason: "must be within the day"}
	case tpl.StartDate.IsZero():
		return &appointment.InvalidRequestError{Field: "start_date", Reason: "required"}
	case tpl.Weekday != nil && (*tpl.Weekday < time.Sunday || *tpl.Weekday > time.Saturday):
		return &appointment.InvalidRequestError{Field: "weekday", Reason: "must be 0..6"}
	case tpl.EndDate != nil && tpl.EndDate.Before(tpl.StartDate):
		return &appointment.InvalidRequestError{Field: "end_date", Reason: "must not precede start_date"}
	}
	return nil
}

// Expand books every candidate occurrence of the template. Conflicting or
// invalid occurrences are skipped; any other error stops the run and is
// returned together with the outcomes so far. An occurrence index that
// already has an appointment is never booked again, whether that appointment
// was since rescheduled, cancelled or deleted.
func (g *Generator) Expand(ctx context.Context, templateID uuid.UUID, actor uuid.UUID) (_ []Outcome, err error) {
	ctx, span := tracer.Start(ctx, "series.Expand", trace.WithAttributes(
		attribute.String("series_id", templateID.String()),
	))
	started := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		g.metrics.ObserveOperation("expand", appointment.Outcome(err), time.Since(started).Seconds())
	}()

	tpl, err := g.versioner.Load(ctx, templateID)
	if err != nil {
		return nil, err
	}

	linked, err := g.linked(ctx, tpl.ID)
	if err != nil {
		return nil, err
	}

	candidates := tpl.Candidates(g.loc)
	outcomes := make([]Outcome, 0, len(candidates))
	for k, start := range candidates {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return outcomes, record.Unavailable("expand series", ctxErr)
		}

		if prev := linked.find(k, start); prev != nil {
			outcomes = append(outcomes, g.existingOutcome(k, start, prev))
			continue
		}

		patient := tpl.PatientID
		seriesID := tpl.ID
		occurrence := k
		appt, err := g.booker.Book(ctx, appointment.BookRequest{
			Title:            tpl.Title,
			TypeCode:         tpl.TypeCode,
			Start:            start,
			DurationMinutes:  tpl.DurationMinutes,
			StaffID:          tpl.StaffID,
			RoomID:           tpl.RoomID,
			PatientID:        &patient,
			SeriesID:         &seriesID,
			SeriesOccurrence: &occurrence,
			Actor:            actor,
		})
		switch {
		case err == nil:
			g.metrics.ObserveSeriesOccurrence(string(OutcomeBooked))
			outcomes = append(outcomes, Outcome{Occurrence: k, Start: start, Kind: OutcomeBooked, Appointment: appt})
		case errors.Is(err, appointment.ErrSlotConflict), errors.Is(err, appointment.ErrInvalidRequest):
			g.metrics.ObserveSeriesOccurrence(string(OutcomeSkipped))
			g.log.Debug("series occurrence skipped",
				zap.Stringer("series_id", tpl.ID),
				zap.Time("start", start),
				zap.Error(err),
			)
			outcomes = append(outcomes, Outcome{Occurrence: k, Start: start, Kind: OutcomeSkipped, Reason: err})
		default:
			return outcomes, fmt.Errorf("book occurrence %d of series %s: %w", k, tpl.ID, err)
		}
	}

	if err := g.refresh(ctx, tpl.ID, actor); err != nil {
		return outcomes, err
	}
	return outcomes, nil
}

func (g *Generator) existingOutcome(k int, start time.Time, appt *appointment.Appointment) Outcome {
	g.metrics.ObserveSeriesOccurrence("existing")
	if appt.Deleted {
		return Outcome{
			Occurrence:  k,
			Start:       start,
			Kind:        OutcomeSkipped,
			Appointment: appt,
			Existing:    true,
			Reason:      errors.New("occurrence deleted"),
		}
	}
	if appt.Status.Occupies() {
		return Outcome{Occurrence: k, Start: start, Kind: OutcomeBooked, Appointment: appt, Existing: true}
	}
	return Outcome{
		Occurrence:  k,
		Start:       start,
		Kind:        OutcomeSkipped,
		Appointment: appt,
		Existing:    true,
		Reason:      fmt.Errorf("occurrence already %s", appt.Status),
	}
}

// occurrences indexes every appointment ever booked for a series, deleted
// ones included. Appointments without an occurrence index are matched by
// their start second.
type occurrences struct {
	byIndex map[int]*appointment.Appointment
	byStart map[int64]*appointment.Appointment
}

func (o occurrences) find(k int, start time.Time) *appointment.Appointment {
	if a, ok := o.byIndex[k]; ok {
		return a
	}
	return o.byStart[start.Unix()]
}

func (g *Generator) linked(ctx context.Context, seriesID uuid.UUID) (occurrences, error) {
	appts, err := g.booker.List(ctx, appointment.AppointmentFilter{SeriesID: &seriesID, IncludeDeleted: true})
	if err != nil {
		return occurrences{}, err
	}
	out := occurrences{
		byIndex: make(map[int]*appointment.Appointment, len(appts)),
		byStart: make(map[int64]*appointment.Appointment),
	}
	for _, a := range appts {
		if a.SeriesOccurrence != nil {
			out.byIndex[*a.SeriesOccurrence] = a
			continue
		}
		out.byStart[a.Start.Unix()] = a
	}
	return out, nil
}

// refresh recounts live occurrences and settles the completion flag.
func (g *Generator) refresh(ctx context.Context, id uuid.UUID, actor uuid.UUID) error {
	return record.Retry(ctx, refreshAttempts, func(ctx context.Context) error {
		tpl, err := g.versioner.Load(ctx, id)
		if err != nil {
			return err
		}

		live, err := g.booker.List(ctx, appointment.AppointmentFilter{
			SeriesID: &id,
			Statuses: appointment.OccupyingStatuses(),
		})
		if err != nil {
			return err
		}

		count := len(live)
		completed := count >= tpl.PlannedCount || g.endPassed(tpl)
		if tpl.ActualCount == count && tpl.Completed == completed {
			return nil
		}

		_, err = g.versioner.Apply(ctx, tpl, actor, "series expanded", func(t *Template) error {
			t.ActualCount = count
			t.Completed = completed
			return nil
		})
		return err
	})
}

func (g *Generator) endPassed(tpl *Template) bool {
	if tpl.EndDate == nil {
		return false
	}
	endOfDay := appointment.Midnight(*tpl.EndDate, g.loc).AddDate(0, 0, 1)
	return !g.clock.Now().Before(endOfDay)
}

// ExpandOpen extends every incomplete template. A failing template is logged
// and does not stop the others; the joined errors are returned.
func (g *Generator) ExpandOpen(ctx context.Context, actor uuid.UUID) (int, error) {
	open, err := g.templates.ListOpen(ctx)
	if err != nil {
		return 0, record.Classify("list open series", err)
	}

	var (
		expanded int
		errs     []error
	)
	for _, tpl := range open {
		if ctxErr := ctx.Err(); ctxErr != nil {
			errs = append(errs, record.Unavailable("expand open series", ctxErr))
			break
		}
		if _, err := g.Expand(ctx, tpl.ID, actor); err != nil {
			g.log.Warn("series expansion failed", zap.Stringer("series_id", tpl.ID), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		expanded++
	}
	return expanded, errors.Join(errs...)
}
