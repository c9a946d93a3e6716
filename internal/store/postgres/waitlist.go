package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/konzohila/LindebergsHealth/internal/appointment"
	"github.com/konzohila/LindebergsHealth/internal/record"
	"github.com/konzohila/LindebergsHealth/internal/waitlist"
)

const waitlistColumns = `id, patient_id, staff_id, type_code, priority, date_from, date_to, time_from, time_to,
	active, matched_at, matched_appointment_id, withdrawn_reason, notes, ` + envelopeColumns

type WaitlistStore struct {
	db queryable
}

func NewWaitlistStore(db queryable) *WaitlistStore {
	return &WaitlistStore{db: db}
}

func scanEntry(row pgx.Row) (*waitlist.Entry, error) {
	var e waitlist.Entry
	var priority int16
	var timeFrom, timeTo *int32
	dest := append([]any{
		&e.ID, &e.PatientID, &e.StaffID, &e.TypeCode, &priority, &e.DateFrom, &e.DateTo, &timeFrom, &timeTo,
		&e.Active, &e.MatchedAt, &e.MatchedAppointmentID, &e.WithdrawnReason, &e.Notes,
	}, envelopeDest(&e.Envelope)...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	e.Priority = waitlist.Priority(priority)
	e.TimeFrom = toTimeOfDay(timeFrom)
	e.TimeTo = toTimeOfDay(timeTo)
	return &e, nil
}

func entryArgs(e *waitlist.Entry, token record.Token) []any {
	return append([]any{
		e.ID, e.PatientID, e.StaffID, e.TypeCode, int16(e.Priority), e.DateFrom, e.DateTo,
		fromTimeOfDay(e.TimeFrom), fromTimeOfDay(e.TimeTo),
		e.Active, e.MatchedAt, e.MatchedAppointmentID, e.WithdrawnReason, e.Notes,
	}, envelopeArgs(&e.Envelope, token)...)
}

func toTimeOfDay(v *int32) *appointment.TimeOfDay {
	if v == nil {
		return nil
	}
	t := appointment.TimeOfDay(*v)
	return &t
}

func fromTimeOfDay(t *appointment.TimeOfDay) *int32 {
	if t == nil {
		return nil
	}
	v := int32(*t)
	return &v
}

func (s *WaitlistStore) Get(ctx context.Context, id uuid.UUID) (*waitlist.Entry, error) {
	row := s.db.QueryRow(ctx, `SELECT `+waitlistColumns+` FROM waitlist_entries WHERE id = $1`, id)
	e, err := scanEntry(row)
	if err != nil {
		return nil, scanErr("get waitlist entry", err)
	}
	return e, nil
}

func (s *WaitlistStore) Insert(ctx context.Context, e *waitlist.Entry) (record.Token, error) {
	token := record.NewToken()
	err := insertRow(ctx, s.db, "insert waitlist entry", `
		INSERT INTO waitlist_entries (`+waitlistColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		        $15, $16, $17, $18, $19, $20, $21, $22, $23)
	`, entryArgs(e, token)...)
	if err != nil {
		return "", err
	}
	return token, nil
}

func (s *WaitlistStore) CompareAndSwap(ctx context.Context, expected record.Token, e *waitlist.Entry) (record.Token, error) {
	token := record.NewToken()
	args := append(entryArgs(e, token), string(expected))
	err := swapRow(ctx, s.db, "update waitlist entry", "waitlist_entries", e.ID, `
		UPDATE waitlist_entries
		SET patient_id = $2, staff_id = $3, type_code = $4, priority = $5, date_from = $6, date_to = $7,
		    time_from = $8, time_to = $9, active = $10, matched_at = $11, matched_appointment_id = $12,
		    withdrawn_reason = $13, notes = $14,
		    created_at = $15, created_by = $16, modified_at = $17, modified_by = $18,
		    deleted = $19, deleted_at = $20, deleted_by = $21, delete_reason = $22, row_token = $23
		WHERE id = $1
		  AND row_token = $24
	`, args...)
	if err != nil {
		return "", err
	}
	return token, nil
}

// ListActive returns active entries that either prefer staffID or have no
// staff preference. Ranking happens in the matcher.
func (s *WaitlistStore) ListActive(ctx context.Context, staffID uuid.UUID) ([]*waitlist.Entry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+waitlistColumns+`
		FROM waitlist_entries
		WHERE NOT deleted
		  AND active
		  AND (staff_id IS NULL OR staff_id = $1)
		ORDER BY priority DESC, created_at, id
	`, staffID)
	if err != nil {
		return nil, record.Unavailable("list waitlist", err)
	}
	return collect(rows, "list waitlist", scanEntry)
}
