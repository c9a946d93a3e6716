// Package app wires the scheduling core for the command binaries.
package app

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/konzohila/LindebergsHealth/internal/appointment"
	"github.com/konzohila/LindebergsHealth/internal/config"
	"github.com/konzohila/LindebergsHealth/internal/db"
	"github.com/konzohila/LindebergsHealth/internal/history"
	"github.com/konzohila/LindebergsHealth/internal/logger"
	"github.com/konzohila/LindebergsHealth/internal/observability/metrics"
	"github.com/konzohila/LindebergsHealth/internal/record"
	redisclient "github.com/konzohila/LindebergsHealth/internal/redis"
	"github.com/konzohila/LindebergsHealth/internal/series"
	"github.com/konzohila/LindebergsHealth/internal/store/memory"
	"github.com/konzohila/LindebergsHealth/internal/store/postgres"
	"github.com/konzohila/LindebergsHealth/internal/waitlist"
)

// SystemActor is recorded for writes issued by background jobs.
var SystemActor = uuid.MustParse("00000000-0000-0000-0000-000000000001")

type Core struct {
	Config       config.Config
	Appointments *appointment.Service
	Blockages    *appointment.BlockageService
	Series       *series.Generator
	Waitlist     *waitlist.Matcher
	History      *history.Recorder
	BackfillJobs *redisclient.Queue

	Redis    *redis.Client
	Postgres *pgxpool.Pool // nil for the memory backend
	Registry *prometheus.Registry
	Metrics  *metrics.SchedulingMetrics

	log *zap.Logger
}

type stores struct {
	appointments appointment.AppointmentStore
	blockages    appointment.BlockageStore
	events       appointment.EventStore
	series       series.Store
	waitlist     waitlist.Store
	history      history.Store
}

// Build connects Redis and, for the postgres backend, Postgres, and wires
// every scheduling component on top of them.
func Build(ctx context.Context, cfg config.Config, log *zap.Logger) (*Core, error) {
	log = logger.OrNop(log)
	core := &Core{Config: cfg, log: log}

	rdb, err := redisclient.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword, cfg.StorageTimeout)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	core.Redis = rdb
	log.Info("connected to redis", zap.String("addr", cfg.RedisAddr))

	var st stores
	switch cfg.StoreBackend {
	case config.StoreBackendMemory:
		st = stores{
			appointments: memory.NewAppointmentStore(),
			blockages:    memory.NewBlockageStore(),
			events:       memory.NewEventStore(),
			series:       memory.NewSeriesStore(),
			waitlist:     memory.NewWaitlistStore(),
			history:      memory.NewHistoryStore(),
		}
		log.Warn("using in-memory store, data is lost on restart")
	default:
		pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.PoolOptions{StatementTimeout: cfg.StorageTimeout})
		if err != nil {
			core.Close()
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		core.Postgres = pool
		st = stores{
			appointments: postgres.NewAppointmentStore(pool),
			blockages:    postgres.NewBlockageStore(pool),
			events:       postgres.NewEventStore(pool),
			series:       postgres.NewSeriesStore(pool),
			waitlist:     postgres.NewWaitlistStore(pool),
			history:      postgres.NewHistoryStore(pool),
		}
		log.Info("connected to postgres")
	}

	if cfg.MetricsEnabled {
		core.Registry = prometheus.NewRegistry()
		core.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		core.Metrics = metrics.NewSchedulingMetrics(core.Registry)
	}

	clock := record.SystemClock
	core.History = history.NewRecorder(st.history, clock)
	deps := record.Deps{
		History: core.History,
		Clock:   clock,
		Logger:  log,
		Metrics: core.Metrics,
	}

	var observer redisclient.WaitObserver
	if core.Metrics != nil {
		observer = core.Metrics
	}
	locker := redisclient.NewRedisLocker(rdb, cfg.LockTTL, cfg.LockWait, observer)

	core.Appointments = appointment.NewService(st.appointments, st.blockages, st.events, locker, cfg, deps)
	core.Blockages = appointment.NewBlockageService(st.blockages, deps)
	core.Series = series.NewGenerator(st.series, core.Appointments, cfg.Location, deps)
	core.Waitlist = waitlist.NewMatcher(st.waitlist, core.Appointments, locker, cfg.Location, deps)
	core.BackfillJobs = redisclient.NewQueue(rdb, waitlist.BackfillQueueKey)

	switch cfg.BackfillMode {
	case config.BackfillAsync:
		core.Appointments.SetBackfiller(waitlist.NewQueueBackfiller(core.BackfillJobs, log))
	default:
		core.Appointments.SetBackfiller(waitlist.NewSyncBackfiller(core.Waitlist, log))
	}

	return core, nil
}

// BackfillWorker drains the async backfill queue.
func (c *Core) BackfillWorker() *waitlist.Worker {
	return waitlist.NewWorker(c.BackfillJobs, c.Waitlist, c.log)
}

func (c *Core) Close() {
	if c.Postgres != nil {
		c.Postgres.Close()
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			c.log.Warn("error closing redis", zap.Error(err))
		}
	}
}
