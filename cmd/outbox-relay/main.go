// Package main provides the outbox relay service entry point.
// It publishes committed outbox entries to Redpanda.
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
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/drfirst/go-emar/internal/config"
	"github.com/drfirst/go-emar/internal/infrastructure/postgres"
	"github.com/drfirst/go-emar/internal/infrastructure/redpanda"
	"github.com/drfirst/go-emar/internal/observability/logging"
	"github.com/drfirst/go-emar/internal/observability/metrics"
	"github.com/drfirst/go-emar/internal/observability/tracing"
)

const serviceName = "outbox-relay"

func main() {
	cfg, err := config.Load(os.Getenv("EMAR_CONFIG_FILE"), serviceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Log, serviceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if cfg.Database.URL == "" {
		logger.Fatal("the outbox relay requires database.url")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("outbox relay failed", zap.Error(err))
	}
	logger.Info("outbox relay stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	tp, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer tp.Shutdown(context.Background())

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	m := metrics.New(reg)

	pool, err := postgres.Connect(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := postgres.Migrate(ctx, pool); err != nil {
		return err
	}
	logger.Info("connected to database")

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.Kafka.Brokers
	producer, err := redpanda.NewProducer(producerCfg, m, logger)
	if err != nil {
		return fmt.Errorf("producer creation failed: %w", err)
	}
	defer producer.Close()

	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = producer.Ping(pctx)
	cancel()
	if err != nil {
		return fmt.Errorf("ping brokers: %w", err)
	}
	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.Kafka.Brokers))

	outbox := postgres.NewOutbox(pool, producer, cfg.Outbox, m, logger)
	outbox.Start()
	defer outbox.Stop()

	jobs, err := housekeeping(ctx, outbox, cfg.Outbox.Retention, m, logger)
	if err != nil {
		return err
	}
	jobs.Start()
	defer func() { <-jobs.Stop().Done() }()

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", metrics.Handler(reg))

	server := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}
	go func() {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	logger.Info("outbox relay started", zap.String("metrics_port", cfg.Server.Port))
	<-ctx.Done()

	logger.Info("shutting down")
	sctx, scancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer scancel()
	return server.Shutdown(sctx)
}

// housekeeping refreshes the pending gauge and prunes processed entries.
func housekeeping(ctx context.Context, outbox *postgres.Outbox, retention time.Duration, m *metrics.Metrics, logger *zap.Logger) (*cron.Cron, error) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))

	if _, err := c.AddFunc("@every 15s", func() {
		stats, err := outbox.GetStats(ctx)
		if err != nil {
			logger.Warn("outbox stats", zap.Error(err))
			return
		}
		m.SetOutboxPending(stats.Pending)
		if stats.Failed > 0 {
			logger.Warn("outbox has exhausted entries", zap.Int64("failed", stats.Failed))
		}
	}); err != nil {
		return nil, err
	}

	if _, err := c.AddFunc("@hourly", func() {
		n, err := outbox.CleanupProcessed(ctx, retention)
		if err != nil {
			logger.Error("outbox cleanup failed", zap.Error(err))
			return
		}
		if n > 0 {
			logger.Info("pruned processed outbox entries", zap.Int64("count", n))
		}
	}); err != nil {
		return nil, err
	}
	return c, nil
}
