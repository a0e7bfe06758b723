package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/nathangokul/grakn/api"
	"github.com/nathangokul/grakn/internal/config"
	"github.com/nathangokul/grakn/internal/engine"
	"github.com/nathangokul/grakn/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		cfg = loaded
	}

	log := newLogger(cfg.Log)

	store, closer, err := openStorage(cfg.Storage)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Storage.Backend).Msg("storage initialization failed")
	}
	if closer != nil {
		defer func() { _ = closer.Close() }()
	}

	engineID, err := engine.LoadOrCreateEngineID(cfg.Scheduler.IdentityFile)
	if err != nil {
		log.Fatal().Err(err).Msg("engine identity initialization failed")
	}
	log.Info().Str("engine", engineID.String()).Str("backend", cfg.Storage.Backend).Msg("engine starting")

	registry := engine.NewRegistry()
	if err := registry.Register("maintenance.noop", func() engine.Execution {
		return engine.ExecutionFunc(noopMaintenance)
	}); err != nil {
		log.Fatal().Err(err).Msg("task registration failed")
	}

	manager := engine.NewManager(engine.Config{
		EngineID:       engineID,
		PollInterval:   cfg.Scheduler.PollInterval.Std(),
		WorkerCapacity: cfg.Scheduler.WorkerCapacity,
	}, store, registry, log)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	api.NewServer(manager, log).Register(router)

	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("task API listening")
		if err := router.Run(cfg.Server.Addr); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("API server failed")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Blocks until a signal arrives, then waits for in-flight executions.
	manager.Run(ctx)
	log.Info().Msg("engine shut down")
}

func newLogger(cfg config.Log) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var out io.Writer = os.Stdout
	if cfg.Console {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

func openStorage(cfg config.Storage) (storage.TaskStateStorage, io.Closer, error) {
	switch cfg.Backend {
	case "etcd":
		store, err := storage.NewEtcdStore(cfg.Etcd.Endpoints, cfg.Etcd.Timeout.Std())
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	case "sqlite":
		store, err := storage.NewSQLiteStore(cfg.SQLite.Path, cfg.SQLite.BusyTimeout.Std())
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	case "memory":
		return storage.NewMemoryStore(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// noopMaintenance is the built-in smoke-test task type. It works through a
// few checkpointed steps, resuming from the last recorded one, so a fresh
// deployment can exercise the claim, checkpoint and stop paths end to end.
func noopMaintenance(ctx context.Context, run *engine.Run) error {
	type progress struct {
		Step int `json:"step"`
	}

	var p progress
	if resume := run.Resume(); resume != nil {
		if err := json.Unmarshal(resume, &p); err != nil {
			return fmt.Errorf("decode checkpoint: %w", err)
		}
	}

	for p.Step < 5 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
		p.Step++
		payload, err := json.Marshal(p)
		if err != nil {
			return err
		}
		if err := run.Checkpoint(ctx, payload); err != nil {
			return err
		}
	}
	return nil
}
