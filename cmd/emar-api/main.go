// Package main provides the medication administration API entry point.
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
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/drfirst/go-emar/internal/alert"
	"github.com/drfirst/go-emar/internal/api/handlers"
	"github.com/drfirst/go-emar/internal/api/middleware"
	"github.com/drfirst/go-emar/internal/config"
	"github.com/drfirst/go-emar/internal/domain/medication"
	"github.com/drfirst/go-emar/internal/infrastructure/memory"
	"github.com/drfirst/go-emar/internal/infrastructure/postgres"
	"github.com/drfirst/go-emar/internal/infrastructure/redpanda"
	"github.com/drfirst/go-emar/internal/observability/logging"
	"github.com/drfirst/go-emar/internal/observability/metrics"
	"github.com/drfirst/go-emar/internal/observability/tracing"
	"github.com/drfirst/go-emar/internal/safety"
	"github.com/drfirst/go-emar/internal/schedule"
	"github.com/drfirst/go-emar/internal/seed"
	"github.com/drfirst/go-emar/internal/sideeffect"
	"github.com/drfirst/go-emar/internal/tracker"
	"github.com/drfirst/go-emar/pkg/circuitbreaker"
)

const serviceName = "emar-api"

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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("emar-api failed", zap.Error(err))
	}
	logger.Info("server stopped")
}

// storage is the record store and rule tables the engine runs on.
type storage struct {
	pool  *pgxpool.Pool
	store medication.Store
	rules medication.RuleTables
	seed  seed.RuleWriter
}

func openStorage(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*storage, error) {
	if cfg.URL == "" {
		logger.Warn("no database configured, the record is kept in memory")
		rules := memory.NewRuleTables()
		return &storage{store: memory.NewStore(), rules: rules, seed: seed.Memory(rules)}, nil
	}

	pool, err := postgres.Connect(ctx, cfg.URL, cfg.MaxConns)
	if err != nil {
		return nil, err
	}
	if err := postgres.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	logger.Info("connected to database")

	rules := postgres.NewRuleTables(pool)
	return &storage{pool: pool, store: postgres.NewStore(pool), rules: rules, seed: rules}, nil
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	tp, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(sctx); err != nil {
			logger.Warn("tracer shutdown", zap.Error(err))
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	breakers := circuitbreaker.NewManager(safety.BreakerConfig(func(name string, _, to circuitbreaker.State) {
		m.SetBreakerState(name, string(to))
	}), logger)

	st, err := openStorage(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	if st.pool != nil {
		defer st.pool.Close()
	}

	rules, err := safety.NewGuardedRules(st.rules, breakers)
	if err != nil {
		return fmt.Errorf("guard rule tables: %w", err)
	}

	sink, closeSink, err := alertSink(cfg, st.pool, breakers, m, logger)
	if err != nil {
		return err
	}
	defer closeSink()

	notifier, err := alert.NewNotifier(sink, cfg.Alerts.Notifier, m, logger)
	if err != nil {
		return fmt.Errorf("create notifier: %w", err)
	}
	defer func() {
		if err := notifier.Stop(); err != nil {
			logger.Warn("notifier stop", zap.Error(err))
		}
	}()

	slots, err := cfg.Engine.SlotTable()
	if err != nil {
		return err
	}
	zones, err := cfg.Engine.Zones()
	if err != nil {
		return err
	}

	tr, err := tracker.New(cfg.Engine.Tracker, tracker.Deps{
		Store:      st.store,
		Catalog:    rules,
		Calculator: schedule.NewCalculator(slots),
		Checker:    safety.NewChecker(rules, cfg.Engine.Safety, m, logger),
		Alerts:     notifier,
		Zones:      zones,
		Metrics:    m,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("create tracker: %w", err)
	}

	var observer handlers.Observer
	if cfg.Engine.Monitor.Enabled {
		mon, err := sideeffect.New(cfg.Engine.Monitor, tr, nil, m, logger)
		if err != nil {
			return fmt.Errorf("create side-effect monitor: %w", err)
		}
		defer func() {
			if err := mon.Stop(); err != nil {
				logger.Warn("monitor stop", zap.Error(err))
			}
		}()
		tr.SetWatcher(mon)
		observer = mon
	}

	if cfg.Engine.SeedFile != "" {
		f, err := seed.Load(cfg.Engine.SeedFile)
		if err != nil {
			return err
		}
		if _, err := seed.Apply(ctx, f, st.seed, tr, logger); err != nil {
			return fmt.Errorf("apply seed: %w", err)
		}
	}

	if cfg.Engine.LowStockSweep != "" {
		sweeper, err := lowStockSweeper(ctx, cfg.Engine, tr, logger)
		if err != nil {
			return err
		}
		sweeper.Start()
		defer func() { <-sweeper.Stop().Done() }()
	}

	h := handlers.NewMedicationHandler(tr, observer, rules, logger)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(serviceName))
	r.Use(middleware.Metrics(m))

	r.Get("/health", healthHandler(breakers))
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if st.pool != nil {
			if err := st.pool.Ping(r.Context()); err != nil {
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	r.Handle("/metrics", metrics.Handler(reg))

	r.Route("/api/v1", func(r chi.Router) {
		if len(cfg.Auth.APIKeys) > 0 {
			r.Use(middleware.APIKeyAuth(cfg.Auth.APIKeys))
		} else {
			logger.Warn("no API keys configured, the API is unauthenticated")
		}
		r.Mount("/", h.Routes())
	})

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting emar API",
			zap.String("port", cfg.Server.Port),
			zap.String("alert_sink", cfg.Alerts.Sink),
			zap.Bool("monitor", observer != nil))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(sctx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	return nil
}

// alertSink builds the dispatcher selected by alerts.sink. Alerts are always
// logged; the outbox and redpanda sinks deliver them as well.
func alertSink(cfg *config.Config, pool *pgxpool.Pool, breakers *circuitbreaker.Manager, m *metrics.Metrics, logger *zap.Logger) (alert.Dispatcher, func(), error) {
	logSink := alert.NewLogDispatcher(logger)

	switch cfg.Alerts.Sink {
	case config.SinkOutbox:
		return alert.Multi(logSink, postgres.NewOutboxDispatcher(pool)), func() {}, nil

	case config.SinkRedpanda:
		pcfg := redpanda.DefaultProducerConfig()
		pcfg.Brokers = cfg.Kafka.Brokers
		producer, err := redpanda.NewProducer(pcfg, m, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("create producer: %w", err)
		}
		cb, err := breakers.GetOrCreate("alerts.producer")
		if err != nil {
			producer.Close()
			return nil, nil, err
		}
		closeFn := func() {
			if err := producer.Close(); err != nil {
				logger.Warn("producer close", zap.Error(err))
			}
		}
		return alert.Multi(logSink, alert.NewProducerDispatcher(producer, cfg.Kafka.AlertsTopic, cb)), closeFn, nil

	default:
		return logSink, func() {}, nil
	}
}

// lowStockSweeper schedules the refill reminder sweep in the facility zone.
func lowStockSweeper(ctx context.Context, cfg config.EngineConfig, tr *tracker.Tracker, logger *zap.Logger) (*cron.Cron, error) {
	loc, err := time.LoadLocation(cfg.FacilityTimezone)
	if err != nil {
		return nil, err
	}
	cronLog := cron.PrintfLogger(zap.NewStdLog(logger.Named("cron")))
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)
	_, err = c.AddFunc(cfg.LowStockSweep, func() {
		n, err := tr.SweepLowStock(ctx)
		if err != nil {
			logger.Error("low-stock sweep failed", zap.Error(err))
			return
		}
		logger.Info("low-stock sweep finished", zap.Int("low_stock", n))
	})
	if err != nil {
		return nil, fmt.Errorf("engine.low_stock_sweep: %w", err)
	}
	return c, nil
}

func healthHandler(breakers *circuitbreaker.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"status":   "healthy",
			"service":  serviceName,
			"breakers": breakers.GetHealthStatus(),
		})
	}
}
