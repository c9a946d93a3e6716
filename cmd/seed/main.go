package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/konzohila/LindebergsHealth/internal/app"
	"github.com/konzohila/LindebergsHealth/internal/appointment"
	"github.com/konzohila/LindebergsHealth/internal/config"
	"github.com/konzohila/LindebergsHealth/internal/logger"
	"github.com/konzohila/LindebergsHealth/internal/series"
	"github.com/konzohila/LindebergsHealth/internal/waitlist"
)

// practice is the set of resource references the seed spreads data over.
type practice struct {
	staff    []uuid.UUID
	rooms    []uuid.UUID
	patients []uuid.UUID
}

var typeCodes = []string{"CHECKUP", "PHYSIO", "CONSULT", "FOLLOWUP", "LAB"}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("seed failed", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	if cfg.StoreBackend == config.StoreBackendMemory {
		return errors.New("seeding the memory backend is pointless, set STORE_BACKEND=postgres")
	}
	log.Info("seed starting")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	core, err := app.Build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer core.Close()

	faker := gofakeit.New(uint64(time.Now().UnixNano()))
	p := practice{
		staff:    newIDs(getInt("SEED_STAFF", 10)),
		rooms:    newIDs(getInt("SEED_ROOMS", 6)),
		patients: newIDs(getInt("SEED_PATIENTS", 500)),
	}

	if err := seedBlockages(ctx, core, faker, p, cfg.Location, log); err != nil {
		return fmt.Errorf("seed blockages: %w", err)
	}
	if err := seedSeries(ctx, core, faker, p, cfg.Location, getInt("SEED_SERIES", 20), log); err != nil {
		return fmt.Errorf("seed series: %w", err)
	}
	if err := seedWaitlist(ctx, core, faker, p, cfg.Location, getInt("SEED_WAITLIST", 50), log); err != nil {
		return fmt.Errorf("seed waitlist: %w", err)
	}

	for _, id := range p.staff {
		log.Info("seeded staff member", zap.Stringer("staff_id", id))
	}
	for _, id := range p.rooms {
		log.Info("seeded room", zap.Stringer("room_id", id))
	}
	log.Info("seed complete")
	return nil
}

// seedBlockages gives every staff member one absence in the next four weeks
// and closes the practice on one day.
func seedBlockages(ctx context.Context, core *app.Core, faker *gofakeit.Faker, p practice, loc *time.Location, log *zap.Logger) error {
	absences := []appointment.ReasonCode{
		appointment.ReasonVacation, appointment.ReasonSickness, appointment.ReasonTraining, appointment.ReasonCongress,
	}
	today := midnight(time.Now(), loc)

	for _, staffID := range p.staff {
		staffID := staffID
		day := today.AddDate(0, 0, faker.Number(1, 28))
		reason := absences[faker.Number(0, len(absences)-1)]
		_, err := core.Blockages.Create(ctx, &appointment.Blockage{
			StaffID:    &staffID,
			Start:      day,
			End:        day.AddDate(0, 0, faker.Number(1, 3)),
			WholeDay:   true,
			ReasonCode: reason,
			Title:      string(reason) + " " + faker.FirstName(),
		}, app.SystemActor)
		if err != nil {
			return err
		}
	}

	closed := today.AddDate(0, 0, faker.Number(7, 28))
	if _, err := core.Blockages.Create(ctx, &appointment.Blockage{
		Start:      closed,
		End:        closed.AddDate(0, 0, 1),
		WholeDay:   true,
		ReasonCode: appointment.ReasonClosure,
		Title:      "Practice closed",
	}, app.SystemActor); err != nil {
		return err
	}

	log.Info("blockages seeded", zap.Int("count", len(p.staff)+1))
	return nil
}

// seedSeries creates weekly treatment series and expands them. Occurrences
// that collide with earlier seed data are reported as skipped.
func seedSeries(ctx context.Context, core *app.Core, faker *gofakeit.Faker, p practice, loc *time.Location, count int, log *zap.Logger) error {
	start := midnight(time.Now(), loc).AddDate(0, 0, 1)
	booked, skipped := 0, 0

	for i := 0; i < count; i++ {
		wd := time.Weekday(faker.Number(1, 5))
		tpl, err := core.Series.Create(ctx, &series.Template{
			Title:           "Treatment series " + faker.LastName(),
			PatientID:       pick(faker, p.patients),
			StaffID:         pick(faker, p.staff),
			RoomID:          pick(faker, p.rooms),
			DurationMinutes: 15 * faker.Number(2, 4),
			TypeCode:        typeCodes[faker.Number(0, len(typeCodes)-1)],
			Weekday:         &wd,
			TimeOfDay:       appointment.NewTimeOfDay(faker.Number(8, 16), 15*faker.Number(0, 3)),
			IntervalDays:    7,
			PlannedCount:    faker.Number(3, 10),
			StartDate:       start,
		}, app.SystemActor)
		if err != nil {
			return err
		}

		outcomes, err := core.Series.Expand(ctx, tpl.ID, app.SystemActor)
		if err != nil {
			return err
		}
		for _, o := range outcomes {
			switch {
			case o.Kind == series.OutcomeBooked && !o.Existing:
				booked++
			case o.Kind == series.OutcomeSkipped:
				skipped++
			}
		}
	}

	log.Info("series seeded", zap.Int("templates", count), zap.Int("booked", booked), zap.Int("skipped", skipped))
	return nil
}

func seedWaitlist(ctx context.Context, core *app.Core, faker *gofakeit.Faker, p practice, loc *time.Location, count int, log *zap.Logger) error {
	today := midnight(time.Now(), loc)

	for i := 0; i < count; i++ {
		from := today.AddDate(0, 0, faker.Number(0, 7))
		to := from.AddDate(0, 0, faker.Number(7, 21))
		entry := &waitlist.Entry{
			PatientID: pick(faker, p.patients),
			TypeCode:  typeCodes[faker.Number(0, len(typeCodes)-1)],
			Priority:  waitlist.Priority(faker.Number(int(waitlist.PriorityLow), int(waitlist.PriorityEmergency))),
			DateFrom:  &from,
			DateTo:    &to,
			Notes:     "Contact " + faker.Email(),
		}
		if faker.Bool() {
			staffID := pick(faker, p.staff)
			entry.StaffID = &staffID
		}
		if faker.Bool() {
			tf, tt := appointment.NewTimeOfDay(8, 0), appointment.NewTimeOfDay(12, 0)
			if faker.Bool() {
				tf, tt = appointment.NewTimeOfDay(12, 0), appointment.NewTimeOfDay(18, 0)
			}
			entry.TimeFrom, entry.TimeTo = &tf, &tt
		}

		if _, err := core.Waitlist.Enqueue(ctx, entry, app.SystemActor); err != nil {
			return err
		}
	}

	log.Info("waitlist seeded", zap.Int("count", count))
	return nil
}

func newIDs(n int) []uuid.UUID {
	ids := make([]uuid.UUID, n)
	for i := range ids {
		ids[i] = uuid.New()
	}
	return ids
}

func pick(faker *gofakeit.Faker, ids []uuid.UUID) uuid.UUID {
	return ids[faker.Number(0, len(ids)-1)]
}

func midnight(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
