package appointment_test

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/konzohila/LindebergsHealth/internal/appointment"
	"github.com/konzohila/LindebergsHealth/internal/config"
	"github.com/konzohila/LindebergsHealth/internal/history"
	"github.com/konzohila/LindebergsHealth/internal/record"
	redisclient "github.com/konzohila/LindebergsHealth/internal/redis"
	"github.com/konzohila/LindebergsHealth/internal/store/memory"
)

var testNow = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

type harness struct {
	svc      *appointment.Service
	blocks   *appointment.BlockageService
	appts    *memory.AppointmentStore
	events   *memory.EventStore
	recorder *history.Recorder
	clock    *record.ManualClock
	redis    *miniredis.Miniredis
	actor    uuid.UUID
}

func newHarness(t *testing.T, lockWait time.Duration) *harness {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.Default()
	cfg.LockWait = lockWait

	clock := record.NewManualClock(testNow)
	recorder := history.NewRecorder(memory.NewHistoryStore(), clock)
	deps := record.Deps{History: recorder, Clock: clock}

	appts := memory.NewAppointmentStore()
	blockStore := memory.NewBlockageStore()
	events := memory.NewEventStore()
	locker := redisclient.NewRedisLocker(client, cfg.LockTTL, cfg.LockWait, nil)

	return &harness{
		svc:      appointment.NewService(appts, blockStore, events, locker, cfg, deps),
		blocks:   appointment.NewBlockageService(blockStore, deps),
		appts:    appts,
		events:   events,
		recorder: recorder,
		clock:    clock,
		redis:    mr,
		actor:    uuid.New(),
	}
}

func at(day, hour, minute int) time.Time {
	return time.Date(2024, 6, day, hour, minute, 0, 0, time.UTC)
}

func (h *harness) request(staff, room uuid.UUID, start time.Time, minutes int) appointment.BookRequest {
	patient := uuid.New()
	return appointment.BookRequest{
		Title:           "Physiotherapie",
		TypeCode:        "KG",
		Start:           start,
		DurationMinutes: minutes,
		StaffID:         staff,
		RoomID:          room,
		PatientID:       &patient,
		Actor:           h.actor,
	}
}

func (h *harness) book(t *testing.T, staff, room uuid.UUID, start time.Time, minutes int) *appointment.Appointment {
	t.Helper()
	appt, err := h.svc.Book(context.Background(), h.request(staff, room, start, minutes))
	if err != nil {
		t.Fatalf("book %s: %v", start, err)
	}
	return appt
}

type recordingBackfiller struct {
	mu        sync.Mutex
	cancelled []*appointment.Appointment
}

func (b *recordingBackfiller) Backfill(_ context.Context, appt *appointment.Appointment) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelled = append(b.cancelled, appt)
}
