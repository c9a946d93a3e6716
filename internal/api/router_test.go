package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/konzohila/LindebergsHealth/internal/appointment"
	"github.com/konzohila/LindebergsHealth/internal/config"
	"github.com/konzohila/LindebergsHealth/internal/history"
	"github.com/konzohila/LindebergsHealth/internal/observability/metrics"
	"github.com/konzohila/LindebergsHealth/internal/record"
	redisclient "github.com/konzohila/LindebergsHealth/internal/redis"
	"github.com/konzohila/LindebergsHealth/internal/series"
	"github.com/konzohila/LindebergsHealth/internal/store/memory"
	"github.com/konzohila/LindebergsHealth/internal/waitlist"
)

type testServer struct {
	handler http.Handler
	actor   uuid.UUID
	staff   uuid.UUID
	room    uuid.UUID
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.Default()
	clock := record.NewManualClock(time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC))
	reg := prometheus.NewRegistry()
	recorder := history.NewRecorder(memory.NewHistoryStore(), clock)
	deps := record.Deps{History: recorder, Clock: clock, Metrics: metrics.NewSchedulingMetrics(reg)}
	locker := redisclient.NewRedisLocker(client, cfg.LockTTL, cfg.LockWait, deps.Metrics)

	svc := appointment.NewService(memory.NewAppointmentStore(), memory.NewBlockageStore(), memory.NewEventStore(), locker, cfg, deps)
	matcher := waitlist.NewMatcher(memory.NewWaitlistStore(), svc, locker, time.UTC, deps)
	svc.SetBackfiller(waitlist.NewSyncBackfiller(matcher, nil))

	handler := NewRouter(RouterConfig{
		Appointments: svc,
		Blockages:    appointment.NewBlockageService(memory.NewBlockageStore(), deps),
		Series:       series.NewGenerator(memory.NewSeriesStore(), svc, time.UTC, deps),
		Waitlist:     matcher,
		History:      recorder,
		Redis:        PingFunc(func(ctx context.Context) error { return client.Ping(ctx).Err() }),
		Metrics:      reg,
		Logger:       zap.NewNop(),
		Env:          "test",
		Version:      "dev",
	})

	return &testServer{handler: handler, actor: uuid.New(), staff: uuid.New(), room: uuid.New()}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(ActorHeader, s.actor.String())

	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) book(t *testing.T, start string, minutes int) *httptest.ResponseRecorder {
	t.Helper()
	return s.do(t, http.MethodPost, "/appointments", map[string]any{
		"title":            "Krankengymnastik",
		"start":            start,
		"duration_minutes": minutes,
		"staff_id":         s.staff,
		"room_id":          s.room,
		"patient_id":       uuid.New(),
	})
}

func TestBookAndConflict(t *testing.T) {
	s := newTestServer(t)

	rec := s.book(t, "2024-06-03T10:00:00Z", 60)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "planned", created["status"])
	assert.Equal(t, "2024-06-03T11:00:00Z", created["end"])

	rec = s.book(t, "2024-06-03T10:30:00Z", 60)
	require.Equal(t, http.StatusConflict, rec.Code)

	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, "slot_conflict", errResp.Error)
	assert.Equal(t, appointment.Staff(s.staff).String(), errResp.Resource)
	require.Len(t, errResp.Colliding, 1)
	assert.True(t, errResp.Colliding[0].Start.Equal(time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)))

	rec = s.book(t, "2024-06-03T11:00:00Z", 30)
	assert.Equal(t, http.StatusCreated, rec.Code, "adjacent slot must be bookable")
}

func TestMutationsRequireActor(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/appointments", bytes.NewBufferString(`{}`))
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "missing_actor")
}

func TestBookValidation(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/appointments", map[string]any{
		"start":            "2024-06-03T10:00:00Z",
		"duration_minutes": 30,
		"staff_id":         "not-a-uuid",
		"room_id":          s.room,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, "staff_id", errResp.Field)

	rec = s.do(t, http.MethodPost, "/appointments", map[string]any{
		"start":            "2024-06-03T10:00:00Z",
		"duration_minutes": 600,
		"staff_id":         s.staff,
		"room_id":          s.room,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, "duration_minutes", errResp.Field)
}

func TestCancelThenConfirmIsRejected(t *testing.T) {
	s := newTestServer(t)

	rec := s.book(t, "2024-06-03T10:00:00Z", 60)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created struct {
		ID uuid.UUID `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = s.do(t, http.MethodPost, fmt.Sprintf("/appointments/%s/cancel", created.ID), map[string]string{"reason": "ill"})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, http.MethodPost, fmt.Sprintf("/appointments/%s/confirm", created.ID), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_status_transition")

	rec = s.do(t, http.MethodGet, fmt.Sprintf("/history/%s", created.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var versions []history.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &versions))
	assert.Len(t, versions, 2)
}

func TestRescheduleWithoutDurationKeepsCurrent(t *testing.T) {
	s := newTestServer(t)

	rec := s.book(t, "2024-06-03T10:00:00Z", 45)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created struct {
		ID uuid.UUID `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = s.do(t, http.MethodPost, fmt.Sprintf("/appointments/%s/reschedule", created.ID), map[string]string{
		"start":  "2024-06-04T14:00:00Z",
		"reason": "therapist ill",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var moved map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &moved))
	assert.EqualValues(t, 45, moved["duration_minutes"])
	assert.Equal(t, "2024-06-04T14:45:00Z", moved["end"])
}

func TestGetUnknownAppointment(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/appointments/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, "/appointments/nope", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCalendarEndpoint(t *testing.T) {
	s := newTestServer(t)

	require.Equal(t, http.StatusCreated, s.book(t, "2024-06-03T10:00:00Z", 60).Code)

	rec := s.do(t, http.MethodGet, fmt.Sprintf("/calendar/staff/%s?day=2024-06-03", s.staff), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var cal CalendarResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cal))
	require.Len(t, cal.Busy, 1)
	assert.Len(t, cal.Appointments, 1)

	rec = s.do(t, http.MethodGet, fmt.Sprintf("/calendar/desk/%s?day=2024-06-03", s.staff), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWaitlistBackfillOverHTTP(t *testing.T) {
	s := newTestServer(t)

	rec := s.book(t, "2024-06-03T10:00:00Z", 60)
	require.Equal(t, http.StatusCreated, rec.Code)
	var booked struct {
		ID uuid.UUID `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &booked))

	rec = s.do(t, http.MethodPost, "/waitlist", map[string]any{
		"patient_id": uuid.New(),
		"staff_id":   s.staff,
		"priority":   "urgent",
		"time_from":  "09:00",
		"time_to":    "12:00",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var entry struct {
		ID uuid.UUID `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entry))

	rec = s.do(t, http.MethodPost, fmt.Sprintf("/appointments/%s/cancel", booked.ID), nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, http.MethodGet, "/waitlist/"+entry.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		Active               bool       `json:"active"`
		MatchedAppointmentID *uuid.UUID `json:"matched_appointment_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.False(t, got.Active)
	assert.NotNil(t, got.MatchedAppointmentID)

	rec = s.do(t, http.MethodPost, fmt.Sprintf("/appointments/%s/rematch", got.MatchedAppointmentID), nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "a planned appointment cannot be rematched")
}

func TestReadinessWithMemoryBackend(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/health/ready", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ReadinessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "disabled", resp.Dependencies["postgres"])
	assert.Equal(t, "ok", resp.Dependencies["redis"])
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusCreated, s.book(t, "2024-06-03T10:00:00Z", 60).Code)

	rec := s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "lindeberg_scheduling_operations_total")
}

func TestHandleServiceErrorStatuses(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"slot conflict", &appointment.SlotConflictError{Resource: appointment.Room(uuid.New())}, http.StatusConflict},
		{"being booked", appointment.ErrSlotBeingBooked, http.StatusConflict},
		{"concurrency", fmt.Errorf("update: %w", record.ErrConcurrencyConflict), http.StatusConflict},
		{"invalid", &appointment.InvalidRequestError{Field: "start", Reason: "required"}, http.StatusBadRequest},
		{"storage", record.Unavailable("get", errors.New("timeout")), http.StatusServiceUnavailable},
		{"not found", record.ErrNotFound, http.StatusNotFound},
		{"transition", appointment.ErrInvalidStatusTransition, http.StatusConflict},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handleServiceError(rec, zap.NewNop(), tt.err)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}
