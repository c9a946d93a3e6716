package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/konzohila/LindebergsHealth/internal/api"
	"github.com/konzohila/LindebergsHealth/internal/app"
	"github.com/konzohila/LindebergsHealth/internal/config"
	"github.com/konzohila/LindebergsHealth/internal/logger"
)

var version = "dev"

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
		log.Fatal("api-server stopped", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	log.Info("api-server starting up",
		zap.String("env", cfg.Env),
		zap.String("http_port", cfg.HTTPPort),
		zap.String("store_backend", cfg.StoreBackend),
		zap.String("backfill_mode", cfg.BackfillMode),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	connectCtx, cancelConnect := context.WithTimeout(rootCtx, 10*time.Second)
	core, err := app.Build(connectCtx, cfg, log)
	cancelConnect()
	if err != nil {
		return err
	}
	defer core.Close()

	routerCfg := api.RouterConfig{
		Appointments: core.Appointments,
		Blockages:    core.Blockages,
		Series:       core.Series,
		Waitlist:     core.Waitlist,
		History:      core.History,
		Redis:        api.PingFunc(func(ctx context.Context) error { return core.Redis.Ping(ctx).Err() }),
		Logger:       log,
		Env:          cfg.Env,
		Version:      version,
	}
	if core.Postgres != nil {
		routerCfg.Postgres = core.Postgres
	}
	if core.Registry != nil {
		routerCfg.Metrics = core.Registry
	}

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           api.NewRouter(routerCfg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(rootCtx)

	g.Go(func() error {
		log.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// A memory store is private to this process, so the queue must be
	// drained here rather than by the scheduler worker.
	if cfg.StoreBackend == config.StoreBackendMemory && cfg.BackfillMode == config.BackfillAsync {
		g.Go(func() error {
			log.Info("running in-process backfill worker")
			return core.BackfillWorker().Run(ctx)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down api-server")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}
