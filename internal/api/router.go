package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/konzohila/LindebergsHealth/internal/appointment"
	"github.com/konzohila/LindebergsHealth/internal/history"
	"github.com/konzohila/LindebergsHealth/internal/logger"
	"github.com/konzohila/LindebergsHealth/internal/series"
	"github.com/konzohila/LindebergsHealth/internal/waitlist"
)

type RouterConfig struct {
	Appointments *appointment.Service
	Blockages    *appointment.BlockageService
	Series       *series.Generator
	Waitlist     *waitlist.Matcher
	History      *history.Recorder

	// Postgres is nil when the memory backend is in use.
	Postgres Pinger
	Redis    Pinger
	// Metrics is served on /metrics when set.
	Metrics prometheus.Gatherer
	Logger  *zap.Logger
	Env     string
	Version string
}

func NewRouter(cfg RouterConfig) http.Handler {
	log := logger.OrNop(cfg.Logger)
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(log))
	r.Use(middleware.Recoverer)

	health := NewHealthHandler(cfg.Postgres, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	if cfg.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Metrics, promhttp.HandlerOpts{}))
	}

	appts := cfg.Appointments
	r.Get("/appointments", listAppointmentsHandler(appts, log))
	r.Get("/appointments/{id}", getAppointmentHandler(appts, log))
	r.Get("/calendar/{kind}/{id}", calendarHandler(appts, log))
	r.Get("/blockages", listBlockagesHandler(cfg.Blockages, log))
	r.Get("/series/{id}", getSeriesHandler(cfg.Series, log))
	r.Get("/waitlist/{id}", getWaitlistEntryHandler(cfg.Waitlist, log))
	r.Get("/history/{id}", historyHandler(cfg.History, log))

	r.Group(func(r chi.Router) {
		r.Use(RequireActor)

		r.Post("/appointments", bookAppointmentHandler(appts, log))
		r.Post("/appointments/{id}/reschedule", rescheduleAppointmentHandler(appts, log))
		r.Post("/appointments/{id}/cancel", cancelAppointmentHandler(appts, log))
		r.Post("/appointments/{id}/confirm", transitionHandler(appts, log, appts.Confirm))
		r.Post("/appointments/{id}/complete", transitionHandler(appts, log, appts.MarkCompleted))
		r.Post("/appointments/{id}/no-show", transitionHandler(appts, log, appts.MarkNoShow))
		r.Post("/appointments/{id}/rematch", rematchHandler(cfg.Waitlist, log))
		r.Delete("/appointments/{id}", deleteAppointmentHandler(appts, log))

		r.Post("/blockages", createBlockageHandler(cfg.Blockages, log))
		r.Delete("/blockages/{id}", deleteBlockageHandler(cfg.Blockages, log))

		r.Post("/series", createSeriesHandler(cfg.Series, log))
		r.Post("/series/{id}/expand", expandSeriesHandler(cfg.Series, log))
		r.Delete("/series/{id}", deleteSeriesHandler(cfg.Series, log))

		r.Post("/waitlist", enqueueWaitlistHandler(cfg.Waitlist, log))
		r.Post("/waitlist/{id}/withdraw", withdrawWaitlistHandler(cfg.Waitlist, log))
	})

	return r
}
