package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/konzohila/LindebergsHealth/internal/app"
	"github.com/konzohila/LindebergsHealth/internal/config"
	"github.com/konzohila/LindebergsHealth/internal/logger"
	"github.com/konzohila/LindebergsHealth/internal/series"
)

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
		log.Fatal("scheduler-worker stopped", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	if cfg.StoreBackend == config.StoreBackendMemory {
		return errors.New("scheduler-worker needs a shared store, STORE_BACKEND=memory is not supported")
	}

	log.Info("scheduler-worker starting up",
		zap.String("env", cfg.Env),
		zap.Duration("interval", cfg.WorkerInterval),
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

	g, ctx := errgroup.WithContext(rootCtx)

	if cfg.BackfillMode == config.BackfillAsync {
		g.Go(func() error {
			return core.BackfillWorker().Run(ctx)
		})
	}

	g.Go(func() error {
		// run once at startup
		expandOnce(ctx, core.Series, log)

		ticker := time.NewTicker(cfg.WorkerInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				log.Info("shutdown signal received, stopping series expansion")
				return nil
			case <-ticker.C:
				expandOnce(ctx, core.Series, log)
			}
		}
	})

	return g.Wait()
}

func expandOnce(ctx context.Context, gen *series.Generator, log *zap.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	expanded, err := gen.ExpandOpen(runCtx, app.SystemActor)
	if err != nil {
		log.Warn("series expansion run failed", zap.Int("expanded", expanded), zap.Error(err))
		return
	}
	log.Info("series expansion run complete", zap.Int("expanded", expanded), zap.Duration("took", time.Since(start)))
}
