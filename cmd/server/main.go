package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/me/taskforge/internal/aggregate"
	"github.com/me/taskforge/internal/config"
	"github.com/me/taskforge/internal/dispatch"
	"github.com/me/taskforge/internal/executor"
	"github.com/me/taskforge/internal/lifecycle"
	"github.com/me/taskforge/internal/logging"
	"github.com/me/taskforge/internal/partition"
	"github.com/me/taskforge/internal/pipeline"
	"github.com/me/taskforge/internal/recovery"
	"github.com/me/taskforge/internal/scheduler"
	"github.com/me/taskforge/internal/server"
	"github.com/me/taskforge/internal/store"
)

func main() {
	cfg := config.DefaultServerConfig()

	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "Listen address")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	flag.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format (text, json, auto)")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "Database path (default ~/.taskforge/taskforge.db)")
	flag.StringVar(&cfg.PipelineFile, "pipelines", cfg.PipelineFile, "Pipeline definition file (YAML)")
	flag.StringVar(&cfg.WorkRoot, "work-root", cfg.WorkRoot, "Root of task working directories (default ~/.taskforge/work)")
	flag.StringVar(&cfg.DataRoot, "data-root", cfg.DataRoot, "Directory that first-module inputs resolve against")
	flag.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Scheduler tick interval")
	flag.IntVar(&cfg.MaxParallel, "max-parallel", cfg.MaxParallel, "Concurrent local subtasks (0 for unlimited)")
	debug := flag.Bool("debug", false, "Shorthand for --log-level=debug")

	flag.Parse()

	if *debug {
		cfg.LogLevel = "debug"
	}
	if err := cfg.ApplyDefaults(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if err := logging.ValidateFormat(cfg.LogFormat); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)

	for _, dir := range []string{filepath.Dir(cfg.DBPath), cfg.WorkRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "cannot create %s: %v\n", dir, err)
			os.Exit(1)
		}
	}

	// Open store and run migrations.
	st, err := store.NewSQLiteStore(cfg.DBPath, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.Migrate(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "migrate database: %v\n", err)
		os.Exit(1)
	}
	logger.Info("database ready", "path", cfg.DBPath)

	catalog, err := pipeline.LoadFile(cfg.PipelineFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load pipelines: %v\n", err)
		os.Exit(1)
	}
	logger.Info("pipelines loaded", "file", cfg.PipelineFile, "count", len(catalog.List()))

	// Create executor registry and register backends.
	reg := executor.NewRegistry(logger)
	reg.Register(executor.NewLocalBackend(cfg.MaxParallel, logger))

	machine := lifecycle.NewMachine(st, logger)
	agg := aggregate.NewAggregator(st, logger)
	builder := partition.NewBuilder(partition.DefaultRegistry(logger), logger)
	disp := dispatch.New(st, machine, builder, catalog, reg, cfg.DataRoot, logger)
	launcher := pipeline.NewLauncher(st, catalog, cfg.WorkRoot, logger)
	coord := recovery.NewCoordinator(st, machine, agg, disp, logger)

	schedCfg := scheduler.Config{PollInterval: cfg.PollInterval}
	sched := scheduler.NewLoop(st, disp, machine, agg, reg, schedCfg, logger)

	srv := server.New(cfg, st, sched, logger,
		server.WithPipelines(catalog, launcher),
		server.WithRecovery(coord),
		server.WithExecutorRegistry(reg),
	)

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: srv.Handler(),
	}

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv.StartScheduler(ctx)

	go func() {
		logger.Info("server starting", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	// Stop scheduler before HTTP server.
	if err := sched.Stop(); err != nil {
		logger.Error("scheduler stop error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown error: %v\n", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}
