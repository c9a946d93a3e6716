package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/konzohila/LindebergsHealth/internal/appointment"
	"github.com/konzohila/LindebergsHealth/internal/history"
	"github.com/konzohila/LindebergsHealth/internal/series"
	"github.com/konzohila/LindebergsHealth/internal/waitlist"
)

func createBlockageHandler(svc *appointment.BlockageService, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateBlockageRequest
		if !decode(w, r, &req) {
			return
		}

		b, err := svc.Create(r.Context(), &appointment.Blockage{
			StaffID:    optionalUUID(req.StaffID),
			RoomID:     optionalUUID(req.RoomID),
			Start:      req.Start,
			End:        req.End,
			WholeDay:   req.WholeDay,
			ReasonCode: appointment.ReasonCode(req.ReasonCode),
			Title:      req.Title,
		}, actorFrom(r.Context()))
		if err != nil {
			handleServiceError(w, log, err)
			return
		}

		writeJSON(w, http.StatusCreated, b)
	}
}

func listBlockagesHandler(svc *appointment.BlockageService, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		from, err := time.Parse(time.RFC3339, r.URL.Query().Get("from"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_from", "from must be RFC3339")
			return
		}
		to, err := time.Parse(time.RFC3339, r.URL.Query().Get("to"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_to", "to must be RFC3339")
			return
		}

		blocks, err := svc.List(r.Context(), from, to)
		if err != nil {
			handleServiceError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, blocks)
	}
}

func deleteBlockageHandler(svc *appointment.BlockageService, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}

		b, err := svc.Delete(r.Context(), id, actorFrom(r.Context()), r.URL.Query().Get("reason"))
		if err != nil {
			handleServiceError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, b)
	}
}

// calendarHandler lists the busy intervals and appointments of one resource
// on one calendar day (?day=2006-01-02, practice time zone).
func calendarHandler(svc *appointment.Service, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res := appointment.Resource{Kind: appointment.ResourceKind(chi.URLParam(r, "kind"))}
		if !res.Kind.Valid() {
			writeError(w, http.StatusBadRequest, "invalid_kind", "kind must be staff or room")
			return
		}
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		res.ID = id

		loc := svc.Calendar().Location()
		day, err := time.ParseInLocation(time.DateOnly, r.URL.Query().Get("day"), loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_day", "day must be YYYY-MM-DD")
			return
		}

		busy, err := svc.Calendar().BusyIntervals(r.Context(), res, day)
		if err != nil {
			handleServiceError(w, log, err)
			return
		}
		appts, err := svc.ListForResource(r.Context(), res, day, day.AddDate(0, 0, 1))
		if err != nil {
			handleServiceError(w, log, err)
			return
		}

		resp := CalendarResponse{
			Kind:         res.Kind,
			ID:           res.ID,
			Day:          day.Format(time.DateOnly),
			Busy:         newIntervals(busy),
			Appointments: make([]AppointmentResponse, len(appts)),
		}
		for i, a := range appts {
			resp.Appointments[i] = newAppointmentResponse(a)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func createSeriesHandler(gen *series.Generator, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateSeriesRequest
		if !decode(w, r, &req) {
			return
		}

		tod, _ := appointment.ParseTimeOfDay(req.TimeOfDay)
		tpl := &series.Template{
			Title:           req.Title,
			PatientID:       uuid.MustParse(req.PatientID),
			StaffID:         uuid.MustParse(req.StaffID),
			RoomID:          uuid.MustParse(req.RoomID),
			DurationMinutes: req.DurationMinutes,
			TypeCode:        req.TypeCode,
			TimeOfDay:       tod,
			IntervalDays:    req.IntervalDays,
			PlannedCount:    req.PlannedCount,
			StartDate:       req.StartDate,
			EndDate:         req.EndDate,
		}
		if req.Weekday != nil {
			wd := time.Weekday(*req.Weekday)
			tpl.Weekday = &wd
		}

		created, err := gen.Create(r.Context(), tpl, actorFrom(r.Context()))
		if err != nil {
			handleServiceError(w, log, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	}
}

func getSeriesHandler(gen *series.Generator, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}

		tpl, err := gen.Get(r.Context(), id)
		if err != nil {
			handleServiceError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, tpl)
	}
}

func deleteSeriesHandler(gen *series.Generator, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}

		tpl, err := gen.Delete(r.Context(), id, actorFrom(r.Context()), r.URL.Query().Get("reason"))
		if err != nil {
			handleServiceError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, tpl)
	}
}

// expandSeriesHandler books the outstanding occurrences. A run that stops
// early still reports the occurrences handled so far.
func expandSeriesHandler(gen *series.Generator, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}

		outcomes, err := gen.Expand(r.Context(), id, actorFrom(r.Context()))
		if err != nil && len(outcomes) == 0 {
			handleServiceError(w, log, err)
			return
		}
		if err != nil {
			log.Warn("series expansion stopped early", zap.Stringer("series_id", id), zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, newExpandResponse(id, outcomes))
			return
		}
		writeJSON(w, http.StatusOK, newExpandResponse(id, outcomes))
	}
}

func enqueueWaitlistHandler(m *waitlist.Matcher, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req EnqueueWaitlistRequest
		if !decode(w, r, &req) {
			return
		}

		entry := &waitlist.Entry{
			PatientID: uuid.MustParse(req.PatientID),
			StaffID:   optionalUUID(req.StaffID),
			TypeCode:  req.TypeCode,
			DateFrom:  req.DateFrom,
			DateTo:    req.DateTo,
			TimeFrom:  optionalTimeOfDay(req.TimeFrom),
			TimeTo:    optionalTimeOfDay(req.TimeTo),
			Notes:     req.Notes,
		}
		if req.Priority != "" {
			p, err := waitlist.ParsePriority(req.Priority)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Field: "priority", Details: err.Error()})
				return
			}
			entry.Priority = p
		}

		created, err := m.Enqueue(r.Context(), entry, actorFrom(r.Context()))
		if err != nil {
			handleServiceError(w, log, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	}
}

func getWaitlistEntryHandler(m *waitlist.Matcher, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}

		e, err := m.Get(r.Context(), id)
		if err != nil {
			handleServiceError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, e)
	}
}

func withdrawWaitlistHandler(m *waitlist.Matcher, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		var req ReasonRequest
		if !decode(w, r, &req) {
			return
		}

		e, err := m.Withdraw(r.Context(), id, actorFrom(r.Context()), req.Reason)
		if err != nil {
			handleServiceError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, e)
	}
}

func rematchHandler(m *waitlist.Matcher, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}

		res, err := m.RematchAppointment(r.Context(), id)
		if err != nil {
			handleServiceError(w, log, err)
			return
		}

		resp := MatchResponse{}
		if res != nil {
			entryID, apptID := res.Entry.ID, res.Appointment.ID
			resp = MatchResponse{Matched: true, EntryID: &entryID, AppointmentID: &apptID}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// historyHandler returns the version valid at ?at= (RFC3339), or every
// version when at is absent.
func historyHandler(rec *history.Recorder, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}

		raw := r.URL.Query().Get("at")
		if raw == "" {
			versions, err := rec.Versions(r.Context(), id)
			if err != nil {
				handleServiceError(w, log, err)
				return
			}
			writeJSON(w, http.StatusOK, versions)
			return
		}

		at, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_at", "at must be RFC3339")
			return
		}
		snap, err := rec.QueryAt(r.Context(), id, at)
		if err != nil {
			handleServiceError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}
