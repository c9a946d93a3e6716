package main

import (
	"fmt"
	"os"
	"strconv"

	"go.uber.org/zap"

	"github.com/konzohila/LindebergsHealth/internal/config"
	"github.com/konzohila/LindebergsHealth/internal/db"
	"github.com/konzohila/LindebergsHealth/internal/logger"
)

const usage = "usage: migrate up | down [steps] | force <version> | version"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}
	if cfg.PostgresDSN == "" {
		fmt.Fprintln(os.Stderr, "POSTGRES_DSN is required")
		os.Exit(1)
	}

	log, err := logger.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg.PostgresDSN, os.Args[1:], log); err != nil {
		log.Fatal("migration failed", zap.Error(err))
	}
}

func run(dsn string, args []string, log *zap.Logger) error {
	if len(args) == 0 {
		return fmt.Errorf("missing command\n%s", usage)
	}

	m, err := db.NewMigrator(dsn)
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Close(); err != nil {
			log.Warn("error closing migrator", zap.Error(err))
		}
	}()

	switch args[0] {
	case "up":
		if err := m.Up(); err != nil {
			return err
		}
	case "down":
		steps := 1
		if len(args) > 1 {
			if steps, err = strconv.Atoi(args[1]); err != nil || steps < 1 {
				return fmt.Errorf("invalid step count %q", args[1])
			}
		}
		if err := m.Down(steps); err != nil {
			return err
		}
	case "force":
		if len(args) < 2 {
			return fmt.Errorf("force needs a version\n%s", usage)
		}
		v, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid version %q", args[1])
		}
		if err := m.Force(v); err != nil {
			return err
		}
	case "version":
	default:
		return fmt.Errorf("unknown command %q\n%s", args[0], usage)
	}

	v, dirty, err := m.Version()
	if err != nil {
		return err
	}
	log.Info("schema version", zap.Uint("version", v), zap.Bool("dirty", dirty))
	return nil
}
