package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/konzohila/LindebergsHealth/internal/appointment"
	"github.com/konzohila/LindebergsHealth/internal/record"
)

const appointmentColumns = `id, title, notes, type_code, start_at, duration_minutes, staff_id, room_id,
	patient_id, status, series_id, waitlist_entry_id, cancel_reason, ` + envelopeColumns + `, series_occurrence`

type AppointmentStore struct {
	db queryable
}

func NewAppointmentStore(db queryable) *AppointmentStore {
	return &AppointmentStore{db: db}
}

func scanAppointment(row pgx.Row) (*appointment.Appointment, error) {
	var a appointment.Appointment
	dest := append([]any{
		&a.ID, &a.Title, &a.Notes, &a.TypeCode, &a.Start, &a.DurationMinutes, &a.StaffID, &a.RoomID,
		&a.PatientID, &a.Status, &a.SeriesID, &a.WaitlistEntryID, &a.CancelReason,
	}, envelopeDest(&a.Envelope)...)
	dest = append(dest, &a.SeriesOccurrence)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	return &a, nil
}

func appointmentArgs(a *appointment.Appointment, token record.Token) []any {
	args := append([]any{
		a.ID, a.Title, a.Notes, a.TypeCode, a.Start, a.DurationMinutes, a.StaffID, a.RoomID,
		a.PatientID, string(a.Status), a.SeriesID, a.WaitlistEntryID, a.CancelReason,
	}, envelopeArgs(&a.Envelope, token)...)
	return append(args, a.SeriesOccurrence)
}

func (s *AppointmentStore) Get(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	row := s.db.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1`, id)
	a, err := scanAppointment(row)
	if err != nil {
		return nil, scanErr("get appointment", err)
	}
	return a, nil
}

func (s *AppointmentStore) Insert(ctx context.Context, a *appointment.Appointment) (record.Token, error) {
	token := record.NewToken()
	err := insertRow(ctx, s.db, "insert appointment", `
		INSERT INTO appointments (`+appointmentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
	`, appointmentArgs(a, token)...)
	if err != nil {
		return "", err
	}
	return token, nil
}

func (s *AppointmentStore) CompareAndSwap(ctx context.Context, expected record.Token, a *appointment.Appointment) (record.Token, error) {
	token := record.NewToken()
	args := append(appointmentArgs(a, token), string(expected))
	err := swapRow(ctx, s.db, "update appointment", "appointments", a.ID, `
		UPDATE appointments
		SET title = $2, notes = $3, type_code = $4, start_at = $5, duration_minutes = $6,
		    staff_id = $7, room_id = $8, patient_id = $9, status = $10, series_id = $11,
		    waitlist_entry_id = $12, cancel_reason = $13,
		    created_at = $14, created_by = $15, modified_at = $16, modified_by = $17,
		    deleted = $18, deleted_at = $19, deleted_by = $20, delete_reason = $21, row_token = $22,
		    series_occurrence = $23
		WHERE id = $1
		  AND row_token = $24
	`, args...)
	if err != nil {
		return "", err
	}
	return token, nil
}

// ListAppointments translates the filter into SQL. The interval overlap uses
// the half-open [start_at, start_at + duration) of each row.
func (s *AppointmentStore) ListAppointments(ctx context.Context, f appointment.AppointmentFilter) ([]*appointment.Appointment, error) {
	var where []string
	var args []any
	if !f.IncludeDeleted {
		where = append(where, "NOT deleted")
	}
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	if f.StaffID != nil {
		add("staff_id = $%d", *f.StaffID)
	}
	if f.RoomID != nil {
		add("room_id = $%d", *f.RoomID)
	}
	if f.PatientID != nil {
		add("patient_id = $%d", *f.PatientID)
	}
	if f.SeriesID != nil {
		add("series_id = $%d", *f.SeriesID)
	}
	if f.WaitlistEntryID != nil {
		add("waitlist_entry_id = $%d", *f.WaitlistEntryID)
	}
	if f.To != nil {
		add("start_at < $%d", *f.To)
	}
	if f.From != nil {
		add("start_at + make_interval(mins => duration_minutes) > $%d", *f.From)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		add("status = ANY($%d)", statuses)
	}

	rows, err := s.db.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		`+whereClause(where)+`
		ORDER BY start_at, id
	`, args...)
	if err != nil {
		return nil, record.Unavailable("list appointments", err)
	}
	return collect(rows, "list appointments", scanAppointment)
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return "WHERE " + strings.Join(conds, " AND ")
}

const blockageColumns = `id, staff_id, room_id, start_at, end_at, whole_day, reason_code, title, ` + envelopeColumns

type BlockageStore struct {
	db queryable
}

func NewBlockageStore(db queryable) *BlockageStore {
	return &BlockageStore{db: db}
}

func scanBlockage(row pgx.Row) (*appointment.Blockage, error) {
	var b appointment.Blockage
	dest := append([]any{
		&b.ID, &b.StaffID, &b.RoomID, &b.Start, &b.End, &b.WholeDay, &b.ReasonCode, &b.Title,
	}, envelopeDest(&b.Envelope)...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	return &b, nil
}

func blockageArgs(b *appointment.Blockage, token record.Token) []any {
	return append([]any{
		b.ID, b.StaffID, b.RoomID, b.Start, b.End, b.WholeDay, string(b.ReasonCode), b.Title,
	}, envelopeArgs(&b.Envelope, token)...)
}

func (s *BlockageStore) Get(ctx context.Context, id uuid.UUID) (*appointment.Blockage, error) {
	row := s.db.QueryRow(ctx, `SELECT `+blockageColumns+` FROM blockages WHERE id = $1`, id)
	b, err := scanBlockage(row)
	if err != nil {
		return nil, scanErr("get blockage", err)
	}
	return b, nil
}

func (s *BlockageStore) Insert(ctx context.Context, b *appointment.Blockage) (record.Token, error) {
	token := record.NewToken()
	err := insertRow(ctx, s.db, "insert blockage", `
		INSERT INTO blockages (`+blockageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, blockageArgs(b, token)...)
	if err != nil {
		return "", err
	}
	return token, nil
}

func (s *BlockageStore) CompareAndSwap(ctx context.Context, expected record.Token, b *appointment.Blockage) (record.Token, error) {
	token := record.NewToken()
	args := append(blockageArgs(b, token), string(expected))
	err := swapRow(ctx, s.db, "update blockage", "blockages", b.ID, `
		UPDATE blockages
		SET staff_id = $2, room_id = $3, start_at = $4, end_at = $5, whole_day = $6,
		    reason_code = $7, title = $8,
		    created_at = $9, created_by = $10, modified_at = $11, modified_by = $12,
		    deleted = $13, deleted_at = $14, deleted_by = $15, delete_reason = $16, row_token = $17
		WHERE id = $1
		  AND row_token = $18
	`, args...)
	if err != nil {
		return "", err
	}
	return token, nil
}

func (s *BlockageStore) ListBlockages(ctx context.Context, from, to time.Time) ([]*appointment.Blockage, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+blockageColumns+`
		FROM blockages
		WHERE NOT deleted
		  AND start_at < $1
		  AND end_at > $2
		ORDER BY start_at, id
	`, to, from)
	if err != nil {
		return nil, record.Unavailable("list blockages", err)
	}
	return collect(rows, "list blockages", scanBlockage)
}

// EventStore writes change records to the event_logs table.
type EventStore struct {
	db queryable
}

func NewEventStore(db queryable) *EventStore {
	return &EventStore{db: db}
}

func (s *EventStore) InsertEvent(ctx context.Context, ev appointment.EventLog) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return record.Unavailable("insert event log", err)
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
