package waitlist_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/konzohila/LindebergsHealth/internal/appointment"
	"github.com/konzohila/LindebergsHealth/internal/config"
	"github.com/konzohila/LindebergsHealth/internal/record"
	redisclient "github.com/konzohila/LindebergsHealth/internal/redis"
	"github.com/konzohila/LindebergsHealth/internal/store/memory"
	"github.com/konzohila/LindebergsHealth/internal/waitlist"
)

type fixture struct {
	svc     *appointment.Service
	matcher *waitlist.Matcher
	entries *memory.WaitlistStore
	client  *redis.Client
	clock   *record.ManualClock
	staff   uuid.UUID
	room    uuid.UUID
	actor   uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.Default()
	clock := record.NewManualClock(time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC))
	deps := record.Deps{Clock: clock}
	locker := redisclient.NewRedisLocker(client, cfg.LockTTL, cfg.LockWait, nil)

	svc := appointment.NewService(memory.NewAppointmentStore(), memory.NewBlockageStore(), memory.NewEventStore(), locker, cfg, deps)
	entries := memory.NewWaitlistStore()
	matcher := waitlist.NewMatcher(entries, svc, locker, time.UTC, deps)

	return &fixture{
		svc:     svc,
		matcher: matcher,
		entries: entries,
		client:  client,
		clock:   clock,
		staff:   uuid.New(),
		room:    uuid.New(),
		actor:   uuid.New(),
	}
}

func at(day, hour, minute int) time.Time {
	return time.Date(2024, 6, day, hour, minute, 0, 0, time.UTC)
}

func (f *fixture) book(t *testing.T, staff uuid.UUID, start time.Time, minutes int) *appointment.Appointment {
	t.Helper()
	patient := uuid.New()
	appt, err := f.svc.Book(context.Background(), appointment.BookRequest{
		Title:           "Manuelle Therapie",
		TypeCode:        "MT",
		Start:           start,
		DurationMinutes: minutes,
		StaffID:         staff,
		RoomID:          f.room,
		PatientID:       &patient,
		Actor:           f.actor,
	})
	require.NoError(t, err)
	return appt
}

func (f *fixture) enqueue(t *testing.T, p waitlist.Priority, staff *uuid.UUID) *waitlist.Entry {
	t.Helper()
	// registration order is driven by the clock
	f.clock.Advance(time.Minute)
	e, err := f.matcher.Enqueue(context.Background(), &waitlist.Entry{
		PatientID: uuid.New(),
		StaffID:   staff,
		Priority:  p,
	}, f.actor)
	require.NoError(t, err)
	return e
}

func (f *fixture) cancelWithoutBackfill(t *testing.T, id uuid.UUID) *appointment.Appointment {
	t.Helper()
	require.NoError(t, f.svc.Cancel(context.Background(), id, f.actor, "patient ill"))
	appt, err := f.svc.Get(context.Background(), id)
	require.NoError(t, err)
	return appt
}

func TestOnCancelledPrefersHigherPriority(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.enqueue(t, waitlist.PriorityNormal, nil)
	urgent := f.enqueue(t, waitlist.PriorityUrgent, nil)
	f.enqueue(t, waitlist.PriorityNormal, nil)

	appt := f.book(t, f.staff, at(3, 10, 0), 60)
	cancelled := f.cancelWithoutBackfill(t, appt.ID)

	res, err := f.matcher.OnCancelled(ctx, cancelled)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, urgent.ID, res.Entry.ID)
	assert.Equal(t, urgent.PatientID, *res.Appointment.PatientID)
}

func TestOnCancelledPrefersEarlierRegistration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.enqueue(t, waitlist.PriorityNormal, nil)
	f.enqueue(t, waitlist.PriorityNormal, nil)

	appt := f.book(t, f.staff, at(3, 10, 0), 60)
	cancelled := f.cancelWithoutBackfill(t, appt.ID)

	res, err := f.matcher.OnCancelled(ctx, cancelled)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, first.ID, res.Entry.ID)
}

func TestOnCancelledMatchesExactlyOneEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.enqueue(t, waitlist.PriorityHigh, nil)
	b := f.enqueue(t, waitlist.PriorityHigh, nil)

	appt := f.book(t, f.staff, at(3, 10, 0), 60)
	cancelled := f.cancelWithoutBackfill(t, appt.ID)

	res, err := f.matcher.OnCancelled(ctx, cancelled)
	require.NoError(t, err)
	require.NotNil(t, res)

	gotA, err := f.matcher.Get(ctx, a.ID)
	require.NoError(t, err)
	gotB, err := f.matcher.Get(ctx, b.ID)
	require.NoError(t, err)

	assert.False(t, gotA.Active)
	assert.True(t, gotB.Active)

	// the matched entry is never reconsidered
	res, err = f.matcher.OnCancelled(ctx, cancelled)
	require.NoError(t, err)
	assert.Nil(t, res, "slot is taken again, so the second entry cannot be booked")

	gotB, err = f.matcher.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, gotB.Active)
}

func TestOnCancelledNoCandidates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	other := uuid.New()
	f.enqueue(t, waitlist.PriorityEmergency, &other)

	appt := f.book(t, f.staff, at(3, 10, 0), 60)
	cancelled := f.cancelWithoutBackfill(t, appt.ID)

	res, err := f.matcher.OnCancelled(ctx, cancelled)
	require.NoError(t, err)
	assert.Nil(t, res)

	busy, err := f.svc.Calendar().IsBusy(ctx, appointment.Staff(f.staff), at(3, 10, 0), at(3, 11, 0))
	require.NoError(t, err)
	assert.False(t, busy)
}

func TestOnCancelledBookingRaceLeavesEntryActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	entry := f.enqueue(t, waitlist.PriorityUrgent, nil)

	appt := f.book(t, f.staff, at(3, 10, 0), 60)
	cancelled := f.cancelWithoutBackfill(t, appt.ID)

	// a direct booking grabs the freed slot first
	f.book(t, f.staff, at(3, 10, 30), 30)

	res, err := f.matcher.OnCancelled(ctx, cancelled)
	require.NoError(t, err)
	assert.Nil(t, res)

	got, err := f.matcher.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.True(t, got.Active)
	assert.Nil(t, got.MatchedAt)
}

// failingEntries rejects every entry update once failUpdates is set.
type failingEntries struct {
	*memory.WaitlistStore
	failUpdates atomic.Bool
}

func (s *failingEntries) CompareAndSwap(ctx context.Context, expected record.Token, e *waitlist.Entry) (record.Token, error) {
	if s.failUpdates.Load() {
		return "", record.Unavailable("update waitlist entry", errors.New("connection reset"))
	}
	return s.WaitlistStore.CompareAndSwap(ctx, expected, e)
}

func TestOnCancelledRollsBackBookingWhenEntryUpdateFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	entries := &failingEntries{WaitlistStore: memory.NewWaitlistStore()}
	locker := redisclient.NewRedisLocker(f.client, time.Second, time.Second, nil)
	matcher := waitlist.NewMatcher(entries, f.svc, locker, time.UTC, record.Deps{Clock: f.clock})

	entry, err := matcher.Enqueue(ctx, &waitlist.Entry{PatientID: uuid.New(), Priority: waitlist.PriorityUrgent}, f.actor)
	require.NoError(t, err)

	appt := f.book(t, f.staff, at(3, 10, 0), 60)
	cancelled := f.cancelWithoutBackfill(t, appt.ID)

	entries.failUpdates.Store(true)
	res, err := matcher.OnCancelled(ctx, cancelled)
	require.ErrorIs(t, err, record.ErrStorageUnavailable)
	assert.Nil(t, res)

	live, err := f.svc.List(ctx, appointment.AppointmentFilter{WaitlistEntryID: &entry.ID})
	require.NoError(t, err)
	assert.Empty(t, live, "the booking for the entry is rolled back")

	all, err := f.svc.List(ctx, appointment.AppointmentFilter{WaitlistEntryID: &entry.ID, IncludeDeleted: true})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].Deleted)

	got, err := matcher.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.True(t, got.Active)
	assert.Nil(t, got.MatchedAppointmentID)

	// the next attempt succeeds on the still free slot
	entries.failUpdates.Store(false)
	res, err = matcher.OnCancelled(ctx, cancelled)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, entry.ID, res.Entry.ID)
}

func TestWithdrawnEntriesAreNotMatched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	entry := f.enqueue(t, waitlist.PriorityEmergency, nil)
	withdrawn, err := f.matcher.Withdraw(ctx, entry.ID, f.actor, "found another practice")
	require.NoError(t, err)
	assert.False(t, withdrawn.Active)
	assert.Equal(t, "found another practice", withdrawn.WithdrawnReason)

	_, err = f.matcher.Withdraw(ctx, entry.ID, f.actor, "again")
	require.ErrorIs(t, err, waitlist.ErrEntryInactive)

	appt := f.book(t, f.staff, at(3, 10, 0), 60)
	cancelled := f.cancelWithoutBackfill(t, appt.ID)

	res, err := f.matcher.OnCancelled(ctx, cancelled)
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestEnqueueValidates(t *testing.T) {
	f := newFixture(t)

	_, err := f.matcher.Enqueue(context.Background(), &waitlist.Entry{}, f.actor)
	require.ErrorIs(t, err, appointment.ErrInvalidRequest)

	from := appointment.NewTimeOfDay(14, 0)
	to := appointment.NewTimeOfDay(9, 0)
	_, err = f.matcher.Enqueue(context.Background(), &waitlist.Entry{PatientID: uuid.New(), TimeFrom: &from, TimeTo: &to}, f.actor)
	require.ErrorIs(t, err, appointment.ErrInvalidRequest)

	e, err := f.matcher.Enqueue(context.Background(), &waitlist.Entry{PatientID: uuid.New()}, f.actor)
	require.NoError(t, err)
	assert.Equal(t, waitlist.PriorityNormal, e.Priority)
	assert.True(t, e.Active)
}

func TestRematchRequiresCancelledAppointment(t *testing.T) {
	f := newFixture(t)

	appt := f.book(t, f.staff, at(3, 10, 0), 60)
	_, err := f.matcher.RematchAppointment(context.Background(), appt.ID)
	require.ErrorIs(t, err, waitlist.ErrNotCancelled)
}

func TestEndToEndCancellationBackfill(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.svc.SetBackfiller(waitlist.NewSyncBackfiller(f.matcher, nil))

	x := f.book(t, f.staff, at(3, 10, 0), 60)

	patient := uuid.New()
	_, err := f.svc.Book(ctx, appointment.BookRequest{
		Start:           at(3, 10, 30),
		DurationMinutes: 60,
		StaffID:         f.staff,
		RoomID:          uuid.New(),
		PatientID:       &patient,
		Actor:           f.actor,
	})
	var conflict *appointment.SlotConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, appointment.Staff(f.staff), conflict.Resource)
	assert.Equal(t, []appointment.Interval{{Start: at(3, 10, 0), End: at(3, 11, 0)}}, conflict.Colliding)

	from, to := appointment.NewTimeOfDay(9, 0), appointment.NewTimeOfDay(12, 0)
	dateFrom, dateTo := at(1, 0, 0), at(7, 0, 0)
	entry, err := f.matcher.Enqueue(ctx, &waitlist.Entry{
		PatientID: uuid.New(),
		StaffID:   &f.staff,
		TypeCode:  "MT",
		Priority:  waitlist.PriorityHigh,
		DateFrom:  &dateFrom,
		DateTo:    &dateTo,
		TimeFrom:  &from,
		TimeTo:    &to,
	}, f.actor)
	require.NoError(t, err)

	require.NoError(t, f.svc.Cancel(ctx, x.ID, f.actor, "patient ill"))

	matched, err := f.matcher.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.False(t, matched.Active)
	require.NotNil(t, matched.MatchedAt)
	require.NotNil(t, matched.MatchedAppointmentID)

	booked, err := f.svc.Get(ctx, *matched.MatchedAppointmentID)
	require.NoError(t, err)
	assert.Equal(t, entry.PatientID, *booked.PatientID)
	assert.Equal(t, at(3, 10, 0), booked.Start)
	assert.Equal(t, at(3, 11, 0), booked.End())
	assert.Equal(t, f.staff, booked.StaffID)
	assert.Equal(t, f.room, booked.RoomID)
	assert.Equal(t, appointment.StatusPlanned, booked.Status)
	require.NotNil(t, booked.WaitlistEntryID)
	assert.Equal(t, entry.ID, *booked.WaitlistEntryID)
}

func TestQueueBackfillerAndWorker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	queue := redisclient.NewQueue(f.client, waitlist.BackfillQueueKey)
	f.svc.SetBackfiller(waitlist.NewQueueBackfiller(queue, nil))

	entry := f.enqueue(t, waitlist.PriorityNormal, nil)
	appt := f.book(t, f.staff, at(3, 10, 0), 60)
	require.NoError(t, f.svc.Cancel(ctx, appt.ID, f.actor, "rescheduled elsewhere"))

	// nothing matched yet, the job waits in redis
	got, err := f.matcher.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.True(t, got.Active)

	n, err := queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	handled, err := waitlist.NewWorker(queue, f.matcher, nil).Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, handled)

	got, err = f.matcher.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)
}
