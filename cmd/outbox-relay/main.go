// Package main provides the outbox relay service entry point. It publishes
// recorded evaluation events from Postgres to Redpanda.
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

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/crivet/dose-engine/internal/bootstrap"
	"github.com/crivet/dose-engine/internal/config"
	"github.com/crivet/dose-engine/internal/infrastructure/postgres"
	"github.com/crivet/dose-engine/internal/infrastructure/redpanda"
	"github.com/crivet/dose-engine/internal/observability/metrics"
	"github.com/crivet/dose-engine/internal/observability/tracing"
	"github.com/crivet/dose-engine/pkg/circuitbreaker"
)

const (
	serviceName = "outbox-relay"
	retention   = 7 * 24 * time.Hour
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	logger, err := bootstrap.NewLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tcfg := tracing.DefaultConfig(serviceName)
	tcfg.Environment = cfg.Env
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tcfg.SampleRate = cfg.TraceSampleRate
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		return err
	}
	defer tp.Shutdown(context.Background())

	m := metrics.New(prometheus.DefaultRegisterer)

	// Connect to database
	pool, err := bootstrap.Postgres(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	// Topics
	brokers := cfg.KafkaBrokers()
	admin, err := redpanda.NewAdmin(brokers, logger.Named("admin"))
	if err != nil {
		return err
	}
	if err := admin.EnsureTopics(ctx, redpanda.DefaultTopicConfigs(cfg.EvaluationsTopic)); err != nil {
		admin.Close()
		return err
	}
	admin.Close()

	// Create Redpanda producer behind a breaker
	breaker, err := circuitbreaker.New(circuitbreaker.DefaultConfig("redpanda"), logger.Named("breaker"), m.BreakerState)
	if err != nil {
		return err
	}
	pcfg := redpanda.DefaultProducerConfig()
	pcfg.Brokers = brokers
	producer, err := redpanda.NewProducer(pcfg, breaker, m.Published, logger.Named("producer"))
	if err != nil {
		return err
	}
	defer producer.Close()
	logger.Info("connected to Redpanda", zap.Strings("brokers", brokers))

	rcfg := postgres.DefaultRelayConfig()
	rcfg.BatchSize = cfg.OutboxBatchSize
	rcfg.PollInterval = cfg.OutboxPollInterval
	relay := postgres.NewRelay(pool, producer, rcfg, logger.Named("relay"), m.OutboxBacklog)
	relay.Start()
	defer relay.Stop()

	go cleanup(ctx, relay, logger)

	r := chi.NewRouter()
	r.Handle("/metrics", m.Handler())
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := redpanda.HealthCheck(r.Context(), brokers); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(sctx)
	}()

	logger.Info("outbox relay running", zap.String("port", cfg.Port))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	logger.Info("shutting down")
	return nil
}

// cleanup drops processed entries past retention once an hour
func cleanup(ctx context.Context, relay *postgres.Relay, logger *zap.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := relay.CleanupProcessed(ctx, retention)
			if err != nil {
				logger.Error("outbox cleanup failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("outbox cleaned", zap.Int64("removed", n))
			}
		}
	}
}
