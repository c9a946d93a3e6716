package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/konzohila/LindebergsHealth/internal/appointment"
	"github.com/konzohila/LindebergsHealth/internal/record"
	"github.com/konzohila/LindebergsHealth/internal/series"
)

const seriesColumns = `id, title, patient_id, staff_id, room_id, duration_minutes, type_code, weekday,
	time_of_day, interval_days, planned_count, actual_count, start_date, end_date, completed, ` + envelopeColumns

type SeriesStore struct {
	db queryable
}

func NewSeriesStore(db queryable) *SeriesStore {
	return &SeriesStore{db: db}
}

func scanTemplate(row pgx.Row) (*series.Template, error) {
	var t series.Template
	var weekday *int16
	var timeOfDay int32
	dest := append([]any{
		&t.ID, &t.Title, &t.PatientID, &t.StaffID, &t.RoomID, &t.DurationMinutes, &t.TypeCode, &weekday,
		&timeOfDay, &t.IntervalDays, &t.PlannedCount, &t.ActualCount, &t.StartDate, &t.EndDate, &t.Completed,
	}, envelopeDest(&t.Envelope)...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	if weekday != nil {
		wd := time.Weekday(*weekday)
		t.Weekday = &wd
	}
	t.TimeOfDay = appointment.TimeOfDay(timeOfDay)
	return &t, nil
}

func templateArgs(t *series.Template, token record.Token) []any {
	var weekday *int16
	if t.Weekday != nil {
		wd := int16(*t.Weekday)
		weekday = &wd
	}
	return append([]any{
		t.ID, t.Title, t.PatientID, t.StaffID, t.RoomID, t.DurationMinutes, t.TypeCode, weekday,
		int32(t.TimeOfDay), t.IntervalDays, t.PlannedCount, t.ActualCount, t.StartDate, t.EndDate, t.Completed,
	}, envelopeArgs(&t.Envelope, token)...)
}

func (s *SeriesStore) Get(ctx context.Context, id uuid.UUID) (*series.Template, error) {
	row := s.db.QueryRow(ctx, `SELECT `+seriesColumns+` FROM series_templates WHERE id = $1`, id)
	t, err := scanTemplate(row)
	if err != nil {
		return nil, scanErr("get series", err)
	}
	return t, nil
}

func (s *SeriesStore) Insert(ctx context.Context, t *series.Template) (record.Token, error) {
	token := record.NewToken()
	err := insertRow(ctx, s.db, "insert series", `
		INSERT INTO series_templates (`+seriesColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
		        $16, $17, $18, $19, $20, $21, $22, $23, $24)
	`, templateArgs(t, token)...)
	if err != nil {
		return "", err
	}
	return token, nil
}

func (s *SeriesStore) CompareAndSwap(ctx context.Context, expected record.Token, t *series.Template) (record.Token, error) {
	token := record.NewToken()
	args := append(templateArgs(t, token), string(expected))
	err := swapRow(ctx, s.db, "update series", "series_templates", t.ID, `
		UPDATE series_templates
		SET title = $2, patient_id = $3, staff_id = $4, room_id = $5, duration_minutes = $6,
		    type_code = $7, weekday = $8, time_of_day = $9, interval_days = $10, planned_count = $11,
		    actual_count = $12, start_date = $13, end_date = $14, completed = $15,
		    created_at = $16, created_by = $17, modified_at = $18, modified_by = $19,
		    deleted = $20, deleted_at = $21, deleted_by = $22, delete_reason = $23, row_token = $24
		WHERE id = $1
		  AND row_token = $25
	`, args...)
	if err != nil {
		return "", err
	}
	return token, nil
}

func (s *SeriesStore) ListOpen(ctx context.Context) ([]*series.Template, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+seriesColumns+`
		FROM series_templates
		WHERE NOT deleted
		  AND NOT completed
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, record.Unavailable("list open series", err)
	}
	return collect(rows, "list open series", scanTemplate)
}
