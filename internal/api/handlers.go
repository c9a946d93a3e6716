package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/konzohila/LindebergsHealth/internal/appointment"
	"github.com/konzohila/LindebergsHealth/internal/record"
	"github.com/konzohila/LindebergsHealth/internal/waitlist"
)

func bookAppointmentHandler(svc *appointment.Service, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req BookAppointmentRequest
		if !decode(w, r, &req) {
			return
		}

		appt, err := svc.Book(r.Context(), appointment.BookRequest{
			Title:           req.Title,
			Notes:           req.Notes,
			TypeCode:        req.TypeCode,
			Start:           req.Start,
			DurationMinutes: req.DurationMinutes,
			StaffID:         uuid.MustParse(req.StaffID),
			RoomID:          uuid.MustParse(req.RoomID),
			PatientID:       optionalUUID(req.PatientID),
			Actor:           actorFrom(r.Context()),
		})
		if err != nil {
			handleServiceError(w, log, err)
			return
		}

		writeJSON(w, http.StatusCreated, newAppointmentResponse(appt))
	}
}

func getAppointmentHandler(svc *appointment.Service, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}

		appt, err := svc.Get(r.Context(), id)
		if err != nil {
			handleServiceError(w, log, err)
			return
		}

		writeJSON(w, http.StatusOK, newAppointmentResponse(appt))
	}
}

// listAppointmentsHandler supports staff_id, room_id, patient_id, series_id,
// from and to query parameters.
func listAppointmentsHandler(svc *appointment.Service, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var filter appointment.AppointmentFilter
		q := r.URL.Query()
		for name, dst := range map[string]**uuid.UUID{
			"staff_id":   &filter.StaffID,
			"room_id":    &filter.RoomID,
			"patient_id": &filter.PatientID,
			"series_id":  &filter.SeriesID,
		} {
			raw := q.Get(name)
			if raw == "" {
				continue
			}
			id, err := uuid.Parse(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_"+name, name+" must be a valid UUID")
				return
			}
			*dst = &id
		}
		for name, dst := range map[string]**time.Time{"from": &filter.From, "to": &filter.To} {
			raw := q.Get(name)
			if raw == "" {
				continue
			}
			ts, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_"+name, name+" must be RFC3339")
				return
			}
			*dst = &ts
		}

		appts, err := svc.List(r.Context(), filter)
		if err != nil {
			handleServiceError(w, log, err)
			return
		}

		resp := make([]AppointmentResponse, len(appts))
		for i, a := range appts {
			resp[i] = newAppointmentResponse(a)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func rescheduleAppointmentHandler(svc *appointment.Service, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		var req RescheduleRequest
		if !decode(w, r, &req) {
			return
		}

		appt, err := svc.Reschedule(r.Context(), id, req.Start, req.DurationMinutes, actorFrom(r.Context()), req.Reason)
		if err != nil {
			handleServiceError(w, log, err)
			return
		}

		writeJSON(w, http.StatusOK, newAppointmentResponse(appt))
	}
}

func cancelAppointmentHandler(svc *appointment.Service, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		var req ReasonRequest
		if !decode(w, r, &req) {
			return
		}

		if err := svc.Cancel(r.Context(), id, actorFrom(r.Context()), req.Reason); err != nil {
			handleServiceError(w, log, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

// transitionHandler serves confirm, complete and no-show. do is one of the
// service's status methods.
func transitionHandler(svc *appointment.Service, log *zap.Logger, do func(ctx context.Context, id, actor uuid.UUID) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}

		if err := do(r.Context(), id, actorFrom(r.Context())); err != nil {
			handleServiceError(w, log, err)
			return
		}

		appt, err := svc.Get(r.Context(), id)
		if err != nil {
			handleServiceError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, newAppointmentResponse(appt))
	}
}

func deleteAppointmentHandler(svc *appointment.Service, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}

		appt, err := svc.Delete(r.Context(), id, actorFrom(r.Context()), r.URL.Query().Get("reason"))
		if err != nil {
			handleServiceError(w, log, err)
			return
		}

		writeJSON(w, http.StatusOK, newAppointmentResponse(appt))
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// handleServiceError maps the scheduling error taxonomy onto HTTP statuses.
func handleServiceError(w http.ResponseWriter, log *zap.Logger, err error) {
	var conflict *appointment.SlotConflictError
	var invalid *appointment.InvalidRequestError

	switch {
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:     "slot_conflict",
			Details:   err.Error(),
			Resource:  conflict.Resource.String(),
			Colliding: newIntervals(conflict.Colliding),
		})
	case errors.Is(err, appointment.ErrSlotBeingBooked):
		writeError(w, http.StatusConflict, "slot_being_booked", "resource is currently being booked, please retry shortly")
	case errors.Is(err, record.ErrConcurrencyConflict):
		writeError(w, http.StatusConflict, "concurrency_conflict", err.Error())
	case errors.As(err, &invalid):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Field: invalid.Field, Details: invalid.Reason})
	case errors.Is(err, record.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, appointment.ErrInvalidStatusTransition):
		writeError(w, http.StatusConflict, "invalid_status_transition", err.Error())
	case errors.Is(err, waitlist.ErrNotCancelled):
		writeError(w, http.StatusConflict, "appointment_not_cancelled", err.Error())
	case errors.Is(err, waitlist.ErrEntryInactive):
		writeError(w, http.StatusConflict, "waitlist_entry_inactive", err.Error())
	case errors.Is(err, record.ErrStorageUnavailable):
		log.Warn("storage unavailable", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "storage_unavailable", "storage is temporarily unavailable, please retry")
	default:
		log.Error("unhandled service error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
