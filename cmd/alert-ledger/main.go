// Package main provides the alert ledger service entry point. It consumes
// the alerts topic and records every alert exactly once.
package main

import (
	"context"
	"encoding/json"
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
	"go.uber.org/zap"

	"github.com/drfirst/go-emar/internal/alert"
	"github.com/drfirst/go-emar/internal/config"
	"github.com/drfirst/go-emar/internal/infrastructure/postgres"
	"github.com/drfirst/go-emar/internal/infrastructure/redpanda"
	"github.com/drfirst/go-emar/internal/observability/logging"
	"github.com/drfirst/go-emar/internal/observability/metrics"
	"github.com/drfirst/go-emar/internal/observability/tracing"
	"github.com/drfirst/go-emar/pkg/idempotency"
)

const (
	serviceName = "alert-ledger"
	handlerName = "alert-ledger"
)

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
		logger.Fatal("the alert ledger requires database.url")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("alert ledger failed", zap.Error(err))
	}
	logger.Info("alert ledger stopped")
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

	inbox := idempotency.New(pool, cfg.Inbox, logger)
	if n, err := inbox.RecoverStaleEntries(ctx); err != nil {
		logger.Warn("recover stale inbox entries", zap.Error(err))
	} else if n > 0 {
		logger.Info("recovered stale inbox entries", zap.Int64("count", n))
	}
	inbox.StartCleanup()
	defer inbox.Stop()

	consumerCfg := redpanda.DefaultAlertConsumerConfig()
	consumerCfg.Brokers = cfg.Kafka.Brokers
	consumerCfg.GroupID = cfg.Kafka.ConsumerGroup
	consumerCfg.Topic = cfg.Kafka.AlertsTopic

	h := newLedgerHandler(inbox, postgres.NewAlertLedger(pool), logger)
	consumer, err := redpanda.NewAlertConsumer(consumerCfg, h.Handle, m, logger)
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}
	consumer.Start()
	defer func() {
		if err := consumer.Stop(); err != nil {
			logger.Warn("consumer stop", zap.Error(err))
		}
	}()

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(consumer.Stats())
	})
	r.Handle("/metrics", metrics.Handler(reg))
	server := &http.Server{Addr: ":" + cfg.Server.Port, Handler: r, ReadHeaderTimeout: cfg.Server.ReadTimeout}
	go func() {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	logger.Info("alert ledger started",
		zap.Strings("brokers", consumerCfg.Brokers),
		zap.String("topic", consumerCfg.Topic),
		zap.String("group", consumerCfg.GroupID))
	<-ctx.Done()

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(sctx)
}

// processor is the part of idempotency.Inbox the handler uses.
type processor interface {
	Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn idempotency.Func) (*idempotency.Outcome, error)
}

type recorder interface {
	Record(ctx context.Context, a alert.Alert) (bool, error)
}

type ledgerHandler struct {
	inbox  processor
	ledger recorder
	logger *zap.Logger
}

func newLedgerHandler(inbox processor, ledger recorder, logger *zap.Logger) *ledgerHandler {
	return &ledgerHandler{inbox: inbox, ledger: ledger, logger: logger}
}

// Handle records one alert. Returning an error makes the consumer retry the
// record before it moves on.
func (h *ledgerHandler) Handle(ctx context.Context, rec *redpanda.AlertRecord) error {
	key := idempotency.GenerateKey(rec.Topic, rec.Position())
	if rec.Alert != nil {
		key = idempotency.GenerateKey(rec.Topic, rec.Alert.ID)
	}

	_, err := h.inbox.Process(ctx, key, handlerName, rec.Raw, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		if rec.Alert == nil {
			return nil, idempotency.Terminal(rec.DecodeErr)
		}
		inserted, err := h.ledger.Record(ctx, *rec.Alert)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{"alert_id": rec.Alert.ID, "inserted": inserted})
	})

	switch {
	case err == nil:
		return nil
	case errors.Is(err, idempotency.ErrDuplicate):
		return nil
	case idempotency.IsTerminal(err), errors.Is(err, idempotency.ErrPreviouslyFailed):
		// Poison records are parked in the inbox; redelivery cannot fix them.
		h.logger.Error("dropping undeliverable alert record",
			zap.String("position", rec.Position()),
			zap.String("source", rec.Source),
			zap.Error(err))
		return nil
	default:
		return err
	}
}
