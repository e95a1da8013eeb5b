package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/drfirst/go-emar/pkg/idempotency"
)

// Schema creates every table the engine and its relays use. Statements are
// idempotent so Migrate can run on every start.
const Schema = `
CREATE TABLE IF NOT EXISTS prescriptions (
	id                 TEXT PRIMARY KEY,
	subject_id         TEXT NOT NULL,
	medication_id      TEXT NOT NULL,
	dosage_amount      DOUBLE PRECISION NOT NULL DEFAULT 0,
	dosage_unit        TEXT NOT NULL DEFAULT '',
	frequency          TEXT NOT NULL,
	route              TEXT NOT NULL DEFAULT '',
	start_date         DATE NOT NULL,
	end_date           DATE,
	status             TEXT NOT NULL,
	total_quantity     INTEGER NOT NULL DEFAULT 0,
	remaining_quantity INTEGER NOT NULL DEFAULT 0 CHECK (remaining_quantity >= 0),
	refill_count       INTEGER NOT NULL DEFAULT 0,
	prescribed_by      TEXT NOT NULL DEFAULT '',
	instructions       TEXT NOT NULL DEFAULT '',
	created_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_prescriptions_subject ON prescriptions (subject_id);
CREATE INDEX IF NOT EXISTS idx_prescriptions_stock ON prescriptions (remaining_quantity) WHERE status = 'active';

CREATE TABLE IF NOT EXISTS administrations (
	id               TEXT PRIMARY KEY,
	prescription_id  TEXT NOT NULL REFERENCES prescriptions (id),
	subject_id       TEXT NOT NULL,
	medication_id    TEXT NOT NULL,
	scheduled_time   TIMESTAMPTZ NOT NULL,
	actual_time      TIMESTAMPTZ,
	status           TEXT NOT NULL,
	dispensed_units  INTEGER NOT NULL DEFAULT 0,
	administered_by  TEXT NOT NULL DEFAULT '',
	notes            TEXT NOT NULL DEFAULT '',
	vitals           JSONB,
	effectiveness    TEXT NOT NULL DEFAULT '',
	patient_response TEXT NOT NULL DEFAULT '',
	side_effects     JSONB NOT NULL DEFAULT '[]',
	recorded_at      TIMESTAMPTZ NOT NULL,
	UNIQUE (prescription_id, scheduled_time)
);
CREATE INDEX IF NOT EXISTS idx_administrations_subject_time ON administrations (subject_id, scheduled_time);

CREATE TABLE IF NOT EXISTS safety_checks (
	id                TEXT PRIMARY KEY,
	subject_id        TEXT NOT NULL,
	prescription_id   TEXT NOT NULL,
	medication_id     TEXT NOT NULL,
	administration_id TEXT NOT NULL DEFAULT '',
	findings          JSONB NOT NULL DEFAULT '[]',
	degraded          TEXT[] NOT NULL DEFAULT '{}',
	checked_at        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_safety_checks_subject ON safety_checks (subject_id, checked_at);

CREATE TABLE IF NOT EXISTS medications (
	id                 TEXT PRIMARY KEY,
	name               TEXT NOT NULL,
	category           TEXT NOT NULL DEFAULT '',
	active_ingredients TEXT[] NOT NULL DEFAULT '{}',
	allergen_tags      TEXT[] NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS allergies (
	id         BIGSERIAL PRIMARY KEY,
	subject_id TEXT NOT NULL,
	allergen   TEXT NOT NULL,
	type       TEXT NOT NULL,
	severity   TEXT NOT NULL,
	reaction   TEXT NOT NULL DEFAULT '',
	active     BOOLEAN NOT NULL DEFAULT TRUE
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_allergies_subject_allergen ON allergies (subject_id, lower(allergen));

-- medication_a <= medication_b; Lookup normalizes the pair.
CREATE TABLE IF NOT EXISTS interactions (
	medication_a TEXT NOT NULL,
	medication_b TEXT NOT NULL,
	severity     TEXT NOT NULL,
	description  TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (medication_a, medication_b)
);

CREATE TABLE IF NOT EXISTS outbox (
	id             BIGSERIAL PRIMARY KEY,
	aggregate_id   TEXT NOT NULL,
	aggregate_type TEXT NOT NULL,
	event_type     TEXT NOT NULL,
	payload        JSONB NOT NULL,
	kafka_topic    TEXT NOT NULL,
	kafka_key      TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	processed_at   TIMESTAMPTZ,
	retry_count    INTEGER NOT NULL DEFAULT 0,
	last_error     TEXT
);
CREATE INDEX IF NOT EXISTS idx_outbox_unprocessed ON outbox (created_at) WHERE processed_at IS NULL;

CREATE TABLE IF NOT EXISTS alert_ledger (
	alert_id          TEXT PRIMARY KEY,
	kind              TEXT NOT NULL,
	severity          TEXT NOT NULL,
	subject_id        TEXT NOT NULL,
	prescription_id   TEXT NOT NULL DEFAULT '',
	administration_id TEXT NOT NULL DEFAULT '',
	medication_id     TEXT NOT NULL DEFAULT '',
	message           TEXT NOT NULL,
	payload           JSONB,
	raised_at         TIMESTAMPTZ NOT NULL,
	received_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_alert_ledger_subject ON alert_ledger (subject_id, raised_at);
`

// Migrate applies Schema and the idempotency inbox schema.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	if _, err := pool.Exec(ctx, idempotency.Schema); err != nil {
		return fmt.Errorf("apply inbox schema: %w", err)
	}
	return nil
}

// Connect opens a pool and verifies it with a ping.
func Connect(ctx context.Context, url string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}
