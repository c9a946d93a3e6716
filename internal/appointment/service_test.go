package appointment_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/konzohila/LindebergsHealth/internal/appointment"
	"github.com/konzohila/LindebergsHealth/internal/record"
)

func TestBookCreatesPlannedAppointment(t *testing.T) {
	h := newHarness(t, time.Second)
	staff, room := uuid.New(), uuid.New()

	appt := h.book(t, staff, room, at(3, 10, 0), 60)

	assert.Equal(t, appointment.StatusPlanned, appt.Status)
	assert.Equal(t, at(3, 11, 0), appt.End())
	assert.Equal(t, h.actor, appt.CreatedBy)
	assert.NotEmpty(t, appt.Token)

	got, err := h.svc.Get(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, appt.Token, got.Token)

	events := h.events.Events()
	require.Len(t, events, 1)
	assert.Equal(t, appointment.EventAppointmentBooked, events[0].EventType)

	// the lock keys are gone once the booking returns
	assert.Empty(t, h.redis.Keys())
}

func TestBookHalfOpenBoundary(t *testing.T) {
	h := newHarness(t, time.Second)
	staff := uuid.New()

	h.book(t, staff, uuid.New(), at(3, 9, 0), 60)

	_, err := h.svc.Book(context.Background(), h.request(staff, uuid.New(), at(3, 10, 0), 30))
	require.NoError(t, err, "back-to-back appointments must not conflict")

	_, err = h.svc.Book(context.Background(), h.request(staff, uuid.New(), at(3, 9, 59), 30))
	var conflict *appointment.SlotConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, appointment.Staff(staff), conflict.Resource)
}

func TestBookReportsCollidingResource(t *testing.T) {
	h := newHarness(t, time.Second)
	staff, room := uuid.New(), uuid.New()
	h.book(t, staff, room, at(3, 10, 0), 60)

	tests := []struct {
		name     string
		staff    uuid.UUID
		room     uuid.UUID
		resource appointment.Resource
	}{
		{"staff busy", staff, uuid.New(), appointment.Staff(staff)},
		{"room busy", uuid.New(), room, appointment.Room(room)},
		{"staff checked before room", staff, room, appointment.Staff(staff)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.Book(context.Background(), h.request(tt.staff, tt.room, at(3, 10, 30), 60))

			var conflict *appointment.SlotConflictError
			require.ErrorAs(t, err, &conflict)
			require.ErrorIs(t, err, appointment.ErrSlotConflict)
			assert.Equal(t, tt.resource, conflict.Resource)
			assert.Equal(t, []appointment.Interval{{Start: at(3, 10, 0), End: at(3, 11, 0)}}, conflict.Colliding)
		})
	}
}

func TestBookRejectsInvalidRequests(t *testing.T) {
	h := newHarness(t, time.Second)
	staff, room := uuid.New(), uuid.New()

	tests := []struct {
		name  string
		req   appointment.BookRequest
		field string
	}{
		{"zero duration", h.request(staff, room, at(3, 10, 0), 0), "duration_minutes"},
		{"too long", h.request(staff, room, at(3, 10, 0), 481), "duration_minutes"},
		{"past start", h.request(staff, room, testNow.Add(-time.Hour), 30), "start"},
		{"missing staff", h.request(uuid.Nil, room, at(3, 10, 0), 30), "staff_id"},
		{"missing room", h.request(staff, uuid.Nil, at(3, 10, 0), 30), "room_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.Book(context.Background(), tt.req)

			var invalid *appointment.InvalidRequestError
			require.ErrorAs(t, err, &invalid)
			require.ErrorIs(t, err, appointment.ErrInvalidRequest)
			assert.Equal(t, tt.field, invalid.Field)
		})
	}

	// within the grace window is fine
	_, err := h.svc.Book(context.Background(), h.request(staff, room, testNow.Add(-time.Minute), 30))
	require.NoError(t, err)
}

func TestBookRespectsBlockages(t *testing.T) {
	ctx := context.Background()
	staff, other, room := uuid.New(), uuid.New(), uuid.New()

	tests := []struct {
		name     string
		blockage appointment.Blockage
		busy     bool
	}{
		{
			name:     "staff vacation",
			blockage: appointment.Blockage{StaffID: &staff, Start: at(3, 0, 0), End: at(3, 0, 0), WholeDay: true, ReasonCode: appointment.ReasonVacation},
			busy:     true,
		},
		{
			name:     "other staff training",
			blockage: appointment.Blockage{StaffID: &other, Start: at(3, 8, 0), End: at(3, 12, 0), ReasonCode: appointment.ReasonTraining},
			busy:     false,
		},
		{
			name:     "practice holiday",
			blockage: appointment.Blockage{Start: at(3, 0, 0), End: at(3, 0, 0), WholeDay: true, ReasonCode: appointment.ReasonHoliday},
			busy:     true,
		},
		{
			name:     "room maintenance",
			blockage: appointment.Blockage{RoomID: &room, Start: at(3, 10, 30), End: at(3, 10, 45), ReasonCode: appointment.ReasonMaintenance},
			busy:     true,
		},
		{
			name:     "multi-day whole-day ending the day before",
			blockage: appointment.Blockage{StaffID: &staff, Start: at(1, 0, 0), End: at(2, 0, 0), WholeDay: true, ReasonCode: appointment.ReasonCongress},
			busy:     false,
		},
		{
			name:     "timed blockage ending at start",
			blockage: appointment.Blockage{StaffID: &staff, Start: at(3, 9, 0), End: at(3, 10, 0), ReasonCode: appointment.ReasonTeamMeeting},
			busy:     false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, time.Second)
			b := tt.blockage
			_, err := h.blocks.Create(ctx, &b, h.actor)
			require.NoError(t, err)

			_, err = h.svc.Book(ctx, h.request(staff, room, at(3, 10, 0), 60))
			if tt.busy {
				require.ErrorIs(t, err, appointment.ErrSlotConflict)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestDeletedBlockageNoLongerBlocks(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()
	staff := uuid.New()

	b, err := h.blocks.Create(ctx, &appointment.Blockage{StaffID: &staff, Start: at(3, 0, 0), End: at(3, 0, 0), WholeDay: true, ReasonCode: appointment.ReasonSickness}, h.actor)
	require.NoError(t, err)

	_, err = h.svc.Book(ctx, h.request(staff, uuid.New(), at(3, 10, 0), 60))
	require.ErrorIs(t, err, appointment.ErrSlotConflict)

	_, err = h.blocks.Delete(ctx, b.ID, h.actor, "recovered")
	require.NoError(t, err)

	_, err = h.svc.Book(ctx, h.request(staff, uuid.New(), at(3, 10, 0), 60))
	require.NoError(t, err)
}

func TestConcurrentBookingsNeverDoubleBook(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	staff := uuid.New()

	const racers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		booked    int
		conflicts int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// same staff, different rooms, overlapping windows
			start := at(3, 10, 0).Add(time.Duration(i) * 5 * time.Minute)
			_, err := h.svc.Book(context.Background(), h.request(staff, uuid.New(), start, 60))

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				booked++
			case errors.Is(err, appointment.ErrSlotConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, booked)
	assert.Equal(t, racers-1, conflicts)

	all, err := h.appts.ListAppointments(context.Background(), appointment.AppointmentFilter{StaffID: &staff})
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestBookLockContentionIsRetryable(t *testing.T) {
	h := newHarness(t, 20*time.Millisecond)
	staff := uuid.New()
	require.NoError(t, h.redis.Set(appointment.ResourceLockKey(appointment.Staff(staff), at(3, 0, 0)), "held-elsewhere"))

	_, err := h.svc.Book(context.Background(), h.request(staff, uuid.New(), at(3, 10, 0), 60))
	require.ErrorIs(t, err, appointment.ErrSlotBeingBooked)
	require.ErrorIs(t, err, record.ErrConcurrencyConflict)
}

func TestBookCancelledContextIsStorageUnavailable(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.svc.Book(ctx, h.request(uuid.New(), uuid.New(), at(3, 10, 0), 60))
	require.ErrorIs(t, err, record.ErrStorageUnavailable)
}

func TestRescheduleExcludesOwnInterval(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()
	staff, room := uuid.New(), uuid.New()

	appt := h.book(t, staff, room, at(3, 10, 0), 60)

	moved, err := h.svc.Reschedule(ctx, appt.ID, at(3, 10, 30), 45, h.actor, "patient late")
	require.NoError(t, err)
	assert.Equal(t, at(3, 10, 30), moved.Start)
	assert.Equal(t, 45, moved.DurationMinutes)
	assert.NotEqual(t, appt.Token, moved.Token)

	events := h.events.Events()
	require.Len(t, events, 2)
	assert.Equal(t, appointment.EventAppointmentRescheduled, events[1].EventType)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(events[1].Payload, &payload))
	assert.Equal(t, "patient late", payload["reason"])
	assert.EqualValues(t, 60, payload["old_duration_minutes"])
	assert.EqualValues(t, 45, payload["new_duration_minutes"])

	versions, err := h.recorder.Versions(ctx, appt.ID)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, "patient late", versions[1].Reason)
}

func TestRescheduleZeroDurationKeepsCurrent(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()

	appt := h.book(t, uuid.New(), uuid.New(), at(3, 10, 0), 45)

	moved, err := h.svc.Reschedule(ctx, appt.ID, at(4, 8, 0), 0, h.actor, "moved")
	require.NoError(t, err)
	assert.Equal(t, at(4, 8, 0), moved.Start)
	assert.Equal(t, 45, moved.DurationMinutes)

	_, err = h.svc.Reschedule(ctx, appt.ID, at(4, 9, 0), -5, h.actor, "moved")
	var invalid *appointment.InvalidRequestError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "duration_minutes", invalid.Field)
}

func TestRescheduleConflictsWithOthers(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()
	staff := uuid.New()

	h.book(t, staff, uuid.New(), at(3, 9, 0), 60)
	appt := h.book(t, staff, uuid.New(), at(3, 11, 0), 60)

	_, err := h.svc.Reschedule(ctx, appt.ID, at(3, 9, 30), 60, h.actor, "earlier")
	var conflict *appointment.SlotConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, appointment.Staff(staff), conflict.Resource)
	assert.Equal(t, []appointment.Interval{{Start: at(3, 9, 0), End: at(3, 10, 0)}}, conflict.Colliding)
}

func TestRescheduleRequiresOpenAppointment(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()
	appt := h.book(t, uuid.New(), uuid.New(), at(3, 10, 0), 60)

	require.NoError(t, h.svc.Confirm(ctx, appt.ID, h.actor))

	_, err := h.svc.Reschedule(ctx, appt.ID, at(3, 12, 0), 60, h.actor, "later")
	require.NoError(t, err, "reschedule reloads the current version")

	require.NoError(t, h.svc.Cancel(ctx, appt.ID, h.actor, "ill"))
	_, err = h.svc.Reschedule(ctx, appt.ID, at(3, 13, 0), 60, h.actor, "later")
	require.ErrorIs(t, err, appointment.ErrInvalidStatusTransition)
}

func TestStatusTransitions(t *testing.T) {
	ctx := context.Background()

	type step func(h *harness, id uuid.UUID) error
	confirm := func(h *harness, id uuid.UUID) error { return h.svc.Confirm(ctx, id, h.actor) }
	complete := func(h *harness, id uuid.UUID) error { return h.svc.MarkCompleted(ctx, id, h.actor) }
	noShow := func(h *harness, id uuid.UUID) error { return h.svc.MarkNoShow(ctx, id, h.actor) }
	cancel := func(h *harness, id uuid.UUID) error { return h.svc.Cancel(ctx, id, h.actor, "changed plans") }

	tests := []struct {
		name    string
		steps   []step
		final   appointment.AppointmentStatus
		lastErr error
	}{
		{"confirm then complete", []step{confirm, complete}, appointment.StatusCompleted, nil},
		{"cancel planned", []step{cancel}, appointment.StatusCancelled, nil},
		{"no show confirmed", []step{confirm, noShow}, appointment.StatusNoShow, nil},
		{"complete planned", []step{complete}, appointment.StatusPlanned, appointment.ErrInvalidStatusTransition},
		{"cancel completed", []step{confirm, complete, cancel}, appointment.StatusCompleted, appointment.ErrInvalidStatusTransition},
		{"cancel twice", []step{cancel, cancel}, appointment.StatusCancelled, appointment.ErrInvalidStatusTransition},
		{"confirm no show", []step{noShow, confirm}, appointment.StatusNoShow, appointment.ErrInvalidStatusTransition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, time.Second)
			appt := h.book(t, uuid.New(), uuid.New(), at(3, 10, 0), 60)

			var err error
			for _, s := range tt.steps {
				err = s(h, appt.ID)
			}
			if tt.lastErr != nil {
				require.ErrorIs(t, err, tt.lastErr)
			} else {
				require.NoError(t, err)
			}

			got, err := h.svc.Get(ctx, appt.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.final, got.Status)
		})
	}
}

func TestCancelFreesSlotAndTriggersBackfill(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()
	staff, room := uuid.New(), uuid.New()
	backfiller := &recordingBackfiller{}
	h.svc.SetBackfiller(backfiller)

	appt := h.book(t, staff, room, at(3, 10, 0), 60)
	require.NoError(t, h.svc.Cancel(ctx, appt.ID, h.actor, "ill"))

	require.Len(t, backfiller.cancelled, 1)
	assert.Equal(t, appointment.StatusCancelled, backfiller.cancelled[0].Status)
	assert.Equal(t, "ill", backfiller.cancelled[0].CancelReason)

	_, err := h.svc.Book(ctx, h.request(staff, room, at(3, 10, 0), 60))
	require.NoError(t, err)
}

func TestCompletedAppointmentsStayBusy(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()
	staff := uuid.New()

	appt := h.book(t, staff, uuid.New(), at(3, 10, 0), 60)
	require.NoError(t, h.svc.Confirm(ctx, appt.ID, h.actor))
	require.NoError(t, h.svc.MarkCompleted(ctx, appt.ID, h.actor))

	busy, err := h.svc.Calendar().IsBusy(ctx, appointment.Staff(staff), at(3, 10, 15), at(3, 10, 30))
	require.NoError(t, err)
	assert.True(t, busy)
}

func TestDeleteIsSoftAndIdempotent(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()
	staff, room := uuid.New(), uuid.New()

	appt := h.book(t, staff, room, at(3, 10, 0), 60)

	first, err := h.svc.Delete(ctx, appt.ID, h.actor, "duplicate")
	require.NoError(t, err)
	second, err := h.svc.Delete(ctx, appt.ID, h.actor, "duplicate entry")
	require.NoError(t, err)

	assert.True(t, second.Deleted)
	assert.Equal(t, *first.DeletedAt, *second.DeletedAt)
	assert.Equal(t, "duplicate entry", second.DeleteReason)

	_, err = h.svc.Get(ctx, appt.ID)
	require.ErrorIs(t, err, record.ErrNotFound)

	err = h.svc.Confirm(ctx, appt.ID, h.actor)
	require.ErrorIs(t, err, record.ErrNotFound)

	_, err = h.svc.Book(ctx, h.request(staff, room, at(3, 10, 0), 60))
	require.NoError(t, err)

	snap, err := h.recorder.QueryAt(ctx, appt.ID, testNow)
	require.NoError(t, err)
	var stored appointment.Appointment
	require.NoError(t, snap.Decode(&stored))
	assert.True(t, stored.Deleted)
}

func TestListForResource(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()
	staff, room := uuid.New(), uuid.New()

	h.book(t, staff, room, at(3, 14, 0), 30)
	h.book(t, staff, uuid.New(), at(3, 9, 0), 30)
	h.book(t, uuid.New(), room, at(3, 11, 0), 30)
	h.book(t, staff, uuid.New(), at(4, 9, 0), 30)

	appts, err := h.svc.ListForResource(ctx, appointment.Staff(staff), at(3, 0, 0), at(4, 0, 0))
	require.NoError(t, err)
	require.Len(t, appts, 2)
	assert.Equal(t, at(3, 9, 0), appts[0].Start)
	assert.Equal(t, at(3, 14, 0), appts[1].Start)

	appts, err = h.svc.ListForResource(ctx, appointment.Room(room), at(3, 0, 0), at(4, 0, 0))
	require.NoError(t, err)
	assert.Len(t, appts, 2)
}
