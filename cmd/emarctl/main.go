// Package main provides emarctl, the operator CLI for the medication
// administration engine.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-emar/internal/alert"
	"github.com/drfirst/go-emar/internal/config"
	"github.com/drfirst/go-emar/internal/infrastructure/postgres"
	"github.com/drfirst/go-emar/internal/observability/logging"
	"github.com/drfirst/go-emar/internal/safety"
	"github.com/drfirst/go-emar/internal/schedule"
	"github.com/drfirst/go-emar/internal/tracker"
)

const serviceName = "emarctl"

func main() {
	rootCmd := &cobra.Command{
		Use:           "emarctl",
		Short:         "Operate the medication administration engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("config", os.Getenv("EMAR_CONFIG_FILE"), "Path to a YAML config file")

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(scheduleCmd())
	rootCmd.AddCommand(alertsCmd())
	rootCmd.AddCommand(topicsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// env is what every command starts from.
type env struct {
	cfg    *config.Config
	logger *zap.Logger
}

func loadEnv(cmd *cobra.Command) (*env, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path, serviceName)
	if err != nil {
		return nil, err
	}
	// Commands print their own output; keep the log to warnings.
	cfg.Log.Level = "warn"
	logger, err := logging.New(cfg.Log, serviceName)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, logger: logger}, nil
}

func (e *env) connect(ctx context.Context) (*pgxpool.Pool, error) {
	if e.cfg.Database.URL == "" {
		return nil, fmt.Errorf("database.url is required (set EMAR_DATABASE_URL)")
	}
	return postgres.Connect(ctx, e.cfg.Database.URL, e.cfg.Database.MaxConns)
}

// engine builds a tracker on the database. Alerts it raises are logged and,
// with the outbox sink, written for the relay.
func (e *env) engine(pool *pgxpool.Pool) (*tracker.Tracker, *postgres.RuleTables, error) {
	rules := postgres.NewRuleTables(pool)

	var sink alert.Dispatcher = alert.NewLogDispatcher(e.logger)
	if e.cfg.Alerts.Sink == config.SinkOutbox {
		sink = alert.Multi(sink, postgres.NewOutboxDispatcher(pool))
	}

	slots, err := e.cfg.Engine.SlotTable()
	if err != nil {
		return nil, nil, err
	}
	zones, err := e.cfg.Engine.Zones()
	if err != nil {
		return nil, nil, err
	}
	tr, err := tracker.New(e.cfg.Engine.Tracker, tracker.Deps{
		Store:      postgres.NewStore(pool),
		Catalog:    rules,
		Calculator: schedule.NewCalculator(slots),
		Checker:    safety.NewChecker(rules, e.cfg.Engine.Safety, nil, e.logger),
		Alerts:     sink,
		Zones:      zones,
		Logger:     e.logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return tr, rules, nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pool, err := e.connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := postgres.Migrate(ctx, pool); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Schema is up to date.")
			return nil
		},
	}
}
