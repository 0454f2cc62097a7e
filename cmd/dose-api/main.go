// Package main provides the dosing API service entry point.
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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/crivet/dose-engine/internal/api/handlers"
	"github.com/crivet/dose-engine/internal/bootstrap"
	"github.com/crivet/dose-engine/internal/config"
	"github.com/crivet/dose-engine/internal/domain/dosing"
	"github.com/crivet/dose-engine/internal/domain/evaluation"
	"github.com/crivet/dose-engine/internal/domain/patient"
	"github.com/crivet/dose-engine/internal/infrastructure/postgres"
	"github.com/crivet/dose-engine/internal/infrastructure/sqlite"
	"github.com/crivet/dose-engine/internal/observability/metrics"
	"github.com/crivet/dose-engine/internal/observability/tracing"
	"github.com/crivet/dose-engine/pkg/circuitbreaker"
	"github.com/crivet/dose-engine/pkg/idempotency"
	"github.com/crivet/dose-engine/pkg/workerpool"
)

const serviceName = "dose-api"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	apiKeys, err := cfg.APIKeys()
	if err != nil {
		return err
	}

	// Initialize logger
	logger, err := bootstrap.NewLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tracing
	tcfg := tracing.DefaultConfig(serviceName)
	tcfg.Environment = cfg.Env
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tcfg.SampleRate = cfg.TraceSampleRate
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(sctx); err != nil {
			logger.Warn("tracer shutdown", zap.Error(err))
		}
	}()

	m := metrics.New(prometheus.DefaultRegisterer)
	breakers := circuitbreaker.NewManager(logger.Named("breaker"), m.BreakerState)

	// Connect to database when a component needs it
	var pool *pgxpool.Pool
	if cfg.NeedsPostgres() {
		pool, err = bootstrap.Postgres(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer pool.Close()
	}

	repo, err := bootstrap.LoadCatalog(ctx, cfg, pool, breakers, logger)
	if err != nil {
		return err
	}
	logger.Info("catalog loaded",
		zap.String("source", cfg.CatalogSource),
		zap.Int("drugs", len(repo.List())),
		zap.Int("protocols", len(repo.Protocols())),
	)

	// Phase 1 of protocol evaluation fans out over the pool
	pcfg := workerpool.DefaultConfig()
	pcfg.Workers = cfg.Phase1Workers
	workers := workerpool.New(pcfg, logger.Named("phase1")).WithObserver(m)
	workers.Start()
	defer func() {
		if err := workers.Stop(); err != nil {
			logger.Warn("worker pool stop", zap.Error(err))
		}
	}()

	engine := dosing.NewEngine(repo, logger.Named("engine"), dosing.WithRunner(workers))

	opts := handlers.Options{Observer: m}
	ready := map[string]handlers.Check{
		"catalog": func(context.Context) error { return nil },
	}
	if pool != nil {
		ready["database"] = pool.Ping
	}

	// Patient store
	var patients patient.Store
	switch cfg.PatientStore {
	case config.PatientStoreSQLite:
		store, err := sqlite.Open(cfg.SQLitePath, logger.Named("patients"))
		if err != nil {
			return err
		}
		defer store.Close()
		patients = store
	case config.PatientStorePostgres:
		patients = postgres.NewPatientStore(pool, logger.Named("patients"))
	}
	opts.Patients = patients

	// Audit trail through the outbox, deduplicated per client and minute
	if cfg.AuditEnabled {
		inbox := idempotency.NewInbox(pool, idempotency.DefaultConfig(), logger.Named("inbox"))
		inbox.StartCleanup()
		defer inbox.Stop()
		events := evaluation.NewRepository(pool, cfg.EvaluationsTopic, logger.Named("audit"))
		opts.Recorder = evaluation.NewIdempotentRecorder(events, inbox, logger.Named("audit"))
	}

	rc := handlers.RouterConfig{
		Dosing:  handlers.NewDosingHandler(engine, opts, logger),
		Catalog: handlers.NewCatalogHandler(repo),
		APIKeys: apiKeys,
		Metrics: m.Handler(),
		Ready:   ready,
		Service: serviceName,
		Logger:  logger,
	}
	if patients != nil {
		rc.Patients = handlers.NewPatientHandler(patients, logger.Named("patients"))
	}

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handlers.NewRouter(rc),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		logger.Info("shutting down server")
		sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(sctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting dosing API",
		zap.String("port", cfg.Port),
		zap.String("patient_store", cfg.PatientStore),
		zap.Bool("audit", cfg.AuditEnabled),
	)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	logger.Info("server stopped")
	return nil
}
