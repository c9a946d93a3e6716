package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/konzohila/LindebergsHealth/internal/appointment"
	"github.com/konzohila/LindebergsHealth/internal/series"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("reason_code", func(fl validator.FieldLevel) bool {
		return appointment.ReasonCode(fl.Field().String()).Valid()
	})
	_ = v.RegisterValidation("time_of_day", func(fl validator.FieldLevel) bool {
		_, err := appointment.ParseTimeOfDay(fl.Field().String())
		return err == nil
	})
	return v
}

type BookAppointmentRequest struct {
	Title           string    `json:"title" validate:"max=200"`
	Notes           string    `json:"notes"`
	TypeCode        string    `json:"type_code" validate:"max=32"`
	Start           time.Time `json:"start" validate:"required"`
	DurationMinutes int       `json:"duration_minutes" validate:"required,min=1"`
	StaffID         string    `json:"staff_id" validate:"required,uuid"`
	RoomID          string    `json:"room_id" validate:"required,uuid"`
	PatientID       string    `json:"patient_id" validate:"omitempty,uuid"`
}

// RescheduleRequest keeps the current duration when DurationMinutes is omitted.
type RescheduleRequest struct {
	Start           time.Time `json:"start" validate:"required"`
	DurationMinutes int       `json:"duration_minutes" validate:"omitempty,min=1"`
	Reason          string    `json:"reason" validate:"max=500"`
}

type ReasonRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

type CreateBlockageRequest struct {
	StaffID    string    `json:"staff_id" validate:"omitempty,uuid"`
	RoomID     string    `json:"room_id" validate:"omitempty,uuid"`
	Start      time.Time `json:"start" validate:"required"`
	End        time.Time `json:"end" validate:"required"`
	WholeDay   bool      `json:"whole_day"`
	ReasonCode string    `json:"reason_code" validate:"omitempty,reason_code"`
	Title      string    `json:"title" validate:"max=200"`
}

type CreateSeriesRequest struct {
	Title           string     `json:"title" validate:"max=200"`
	PatientID       string     `json:"patient_id" validate:"required,uuid"`
	StaffID         string     `json:"staff_id" validate:"required,uuid"`
	RoomID          string     `json:"room_id" validate:"required,uuid"`
	DurationMinutes int        `json:"duration_minutes" validate:"required,min=1"`
	TypeCode        string     `json:"type_code" validate:"max=32"`
	Weekday         *int       `json:"weekday" validate:"omitempty,min=0,max=6"`
	TimeOfDay       string     `json:"time_of_day" validate:"required,time_of_day"`
	IntervalDays    int        `json:"interval_days" validate:"omitempty,min=1"`
	PlannedCount    int        `json:"planned_count" validate:"required,min=1"`
	StartDate       time.Time  `json:"start_date" validate:"required"`
	EndDate         *time.Time `json:"end_date"`
}

type EnqueueWaitlistRequest struct {
	PatientID string     `json:"patient_id" validate:"required,uuid"`
	StaffID   string     `json:"staff_id" validate:"omitempty,uuid"`
	TypeCode  string     `json:"type_code" validate:"max=32"`
	Priority  string     `json:"priority" validate:"omitempty,oneof=low normal high urgent emergency"`
	DateFrom  *time.Time `json:"date_from"`
	DateTo    *time.Time `json:"date_to"`
	TimeFrom  string     `json:"time_from" validate:"omitempty,time_of_day"`
	TimeTo    string     `json:"time_to" validate:"omitempty,time_of_day"`
	Notes     string     `json:"notes"`
}

type AppointmentResponse struct {
	*appointment.Appointment
	End time.Time `json:"end"`
}

func newAppointmentResponse(a *appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{Appointment: a, End: a.End()}
}

type IntervalResponse struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func newIntervals(in []appointment.Interval) []IntervalResponse {
	out := make([]IntervalResponse, len(in))
	for i, iv := range in {
		out[i] = IntervalResponse{Start: iv.Start, End: iv.End}
	}
	return out
}

type CalendarResponse struct {
	Kind         appointment.ResourceKind `json:"kind"`
	ID           uuid.UUID                `json:"id"`
	Day          string                   `json:"day"`
	Busy         []IntervalResponse       `json:"busy"`
	Appointments []AppointmentResponse    `json:"appointments"`
}

type OccurrenceResponse struct {
	Occurrence    int        `json:"occurrence"`
	Start         time.Time  `json:"start"`
	Outcome       string     `json:"outcome"`
	AppointmentID *uuid.UUID `json:"appointment_id,omitempty"`
	Existing      bool       `json:"existing,omitempty"`
	Reason        string     `json:"reason,omitempty"`
}

type ExpandResponse struct {
	SeriesID    uuid.UUID            `json:"series_id"`
	Occurrences []OccurrenceResponse `json:"occurrences"`
}

func newExpandResponse(id uuid.UUID, outcomes []series.Outcome) ExpandResponse {
	resp := ExpandResponse{SeriesID: id, Occurrences: make([]OccurrenceResponse, len(outcomes))}
	for i, o := range outcomes {
		occ := OccurrenceResponse{Occurrence: o.Occurrence, Start: o.Start, Outcome: string(o.Kind), Existing: o.Existing}
		if o.Appointment != nil {
			id := o.Appointment.ID
			occ.AppointmentID = &id
		}
		if o.Reason != nil {
			occ.Reason = o.Reason.Error()
		}
		resp.Occurrences[i] = occ
	}
	return resp
}

type MatchResponse struct {
	Matched       bool       `json:"matched"`
	EntryID       *uuid.UUID `json:"entry_id,omitempty"`
	AppointmentID *uuid.UUID `json:"appointment_id,omitempty"`
}

type ErrorResponse struct {
	Error     string             `json:"error"`
	Details   string             `json:"details,omitempty"`
	Field     string             `json:"field,omitempty"`
	Resource  string             `json:"resource,omitempty"`
	Colliding []IntervalResponse `json:"colliding,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

// decode parses the JSON body into dst and runs the struct validation. An
// empty body decodes as an empty object.
// It writes the 400 response itself and reports false on failure.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return false
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			writeJSON(w, http.StatusBadRequest, ErrorResponse{
				Error:   "invalid_request",
				Field:   fe.Field(),
				Details: fmt.Sprintf("failed on %q", fe.Tag()),
			})
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return false
	}
	return true
}

func optionalUUID(s string) *uuid.UUID {
	if s == "" {
		return nil
	}
	id := uuid.MustParse(s)
	return &id
}

func optionalTimeOfDay(s string) *appointment.TimeOfDay {
	if s == "" {
		return nil
	}
	t, _ := appointment.ParseTimeOfDay(s)
	return &t
}
