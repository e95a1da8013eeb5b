package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/drfirst/go-emar/internal/domain/medication"
)

const uniqueViolation = "23505"

// Store implements medication.Store on PostgreSQL. Apply writes the change
// and its events to the outbox in one transaction.
type Store struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

var _ medication.Store = (*Store)(nil)

// NewStore returns a store on pool. Run Migrate first.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, tracer: otel.Tracer("postgres-store")}
}

const prescriptionColumns = `
	id, subject_id, medication_id, dosage_amount, dosage_unit, frequency, route,
	start_date, end_date, status, total_quantity, remaining_quantity, refill_count,
	prescribed_by, instructions, created_at, updated_at`

func scanPrescription(row pgx.Row) (medication.Prescription, error) {
	var (
		p         medication.Prescription
		frequency string
		start     time.Time
		end       *time.Time
	)
	err := row.Scan(
		&p.ID, &p.SubjectID, &p.MedicationID, &p.Dosage.Amount, &p.Dosage.Unit, &frequency, &p.Route,
		&start, &end, &p.Status, &p.TotalQuantity, &p.RemainingQuantity, &p.RefillCount,
		&p.PrescribedBy, &p.Instructions, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return p, err
	}
	if p.Frequency, err = medication.ParseFrequency(frequency); err != nil {
		return p, fmt.Errorf("prescription %s: stored frequency: %w", p.ID, err)
	}
	p.StartDate = medication.DateOf(start.UTC())
	if end != nil {
		d := medication.DateOf(end.UTC())
		p.EndDate = &d
	}
	return p, nil
}

func dateArg(d *medication.Date) *time.Time {
	if d == nil {
		return nil
	}
	t := d.In(time.UTC)
	return &t
}

func (s *Store) GetPrescription(ctx context.Context, id string) (medication.Prescription, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+prescriptionColumns+` FROM prescriptions WHERE id = $1`, id)
	p, err := scanPrescription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return p, medication.ErrPrescriptionNotFound.With("prescription %s not found", id)
	}
	if err != nil {
		return p, fmt.Errorf("get prescription %s: %w", id, err)
	}
	return p, nil
}

func (s *Store) ListPrescriptions(ctx context.Context, subjectID string) ([]medication.Prescription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+prescriptionColumns+` FROM prescriptions WHERE subject_id = $1 ORDER BY created_at, id`, subjectID)
	if err != nil {
		return nil, fmt.Errorf("list prescriptions: %w", err)
	}
	return collectPrescriptions(rows)
}

func (s *Store) ListLowStock(ctx context.Context, threshold int) ([]medication.Prescription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+prescriptionColumns+` FROM prescriptions
		 WHERE status = 'active' AND remaining_quantity <= $1
		 ORDER BY remaining_quantity, id`, threshold)
	if err != nil {
		return nil, fmt.Errorf("list low stock: %w", err)
	}
	return collectPrescriptions(rows)
}

func collectPrescriptions(rows pgx.Rows) ([]medication.Prescription, error) {
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (medication.Prescription, error) {
		return scanPrescription(row)
	})
	if err != nil {
		return nil, fmt.Errorf("scan prescriptions: %w", err)
	}
	if out == nil {
		out = make([]medication.Prescription, 0)
	}
	return out, nil
}

const administrationColumns = `
	id, prescription_id, subject_id, medication_id, scheduled_time, actual_time, status,
	dispensed_units, administered_by, notes, vitals, effectiveness, patient_response,
	side_effects, recorded_at`

func scanAdministration(row pgx.Row) (medication.Administration, error) {
	var (
		a           medication.Administration
		vitals      []byte
		sideEffects []byte
	)
	err := row.Scan(
		&a.ID, &a.PrescriptionID, &a.SubjectID, &a.MedicationID, &a.ScheduledTime, &a.ActualTime, &a.Status,
		&a.DispensedUnits, &a.AdministeredBy, &a.Notes, &vitals, &a.Effectiveness, &a.PatientResponse,
		&sideEffects, &a.RecordedAt,
	)
	if err != nil {
		return a, err
	}
	if len(vitals) > 0 && string(vitals) != "null" {
		a.Vitals = &medication.VitalSigns{}
		if err := json.Unmarshal(vitals, a.Vitals); err != nil {
			return a, fmt.Errorf("administration %s: vitals: %w", a.ID, err)
		}
	}
	if len(sideEffects) > 0 {
		if err := json.Unmarshal(sideEffects, &a.SideEffects); err != nil {
			return a, fmt.Errorf("administration %s: side effects: %w", a.ID, err)
		}
		if len(a.SideEffects) == 0 {
			a.SideEffects = nil
		}
	}
	return a, nil
}

func (s *Store) GetAdministration(ctx context.Context, id string) (medication.Administration, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+administrationColumns+` FROM administrations WHERE id = $1`, id)
	a, err := scanAdministration(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return a, medication.ErrAdministrationNotFound.With("administration %s not found", id)
	}
	if err != nil {
		return a, fmt.Errorf("get administration %s: %w", id, err)
	}
	return a, nil
}

func (s *Store) FindAdministration(ctx context.Context, prescriptionID string, scheduledTime time.Time) (medication.Administration, bool, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+administrationColumns+` FROM administrations WHERE prescription_id = $1 AND scheduled_time = $2`,
		prescriptionID, scheduledTime)
	a, err := scanAdministration(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return a, false, nil
	}
	if err != nil {
		return a, false, fmt.Errorf("find administration: %w", err)
	}
	return a, true, nil
}

func (s *Store) ListAdministrations(ctx context.Context, subjectID string, from, to time.Time) ([]medication.Administration, error) {
	var fromArg, toArg *time.Time
	if !from.IsZero() {
		fromArg = &from
	}
	if !to.IsZero() {
		toArg = &to
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+administrationColumns+` FROM administrations
		 WHERE subject_id = $1
		   AND ($2::timestamptz IS NULL OR scheduled_time >= $2)
		   AND ($3::timestamptz IS NULL OR scheduled_time < $3)
		 ORDER BY scheduled_time, id`,
		subjectID, fromArg, toArg)
	if err != nil {
		return nil, fmt.Errorf("list administrations: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (medication.Administration, error) {
		return scanAdministration(row)
	})
	if err != nil {
		return nil, fmt.Errorf("scan administrations: %w", err)
	}
	if out == nil {
		out = make([]medication.Administration, 0)
	}
	return out, nil
}

func (s *Store) ListSafetyChecks(ctx context.Context, subjectID string) ([]medication.SafetyCheck, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, subject_id, prescription_id, medication_id, administration_id, findings, degraded, checked_at
		FROM safety_checks
		WHERE subject_id = $1
		ORDER BY checked_at, id`, subjectID)
	if err != nil {
		return nil, fmt.Errorf("list safety checks: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (medication.SafetyCheck, error) {
		var (
			c        medication.SafetyCheck
			findings []byte
		)
		if err := row.Scan(&c.ID, &c.SubjectID, &c.PrescriptionID, &c.MedicationID,
			&c.AdministrationID, &findings, &c.Degraded, &c.CheckedAt); err != nil {
			return c, err
		}
		if err := json.Unmarshal(findings, &c.Findings); err != nil {
			return c, fmt.Errorf("safety check %s: findings: %w", c.ID, err)
		}
		if len(c.Degraded) == 0 {
			c.Degraded = nil
		}
		return c, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan safety checks: %w", err)
	}
	if out == nil {
		out = make([]medication.SafetyCheck, 0)
	}
	return out, nil
}

// Apply writes every part of change and its events in one transaction.
func (s *Store) Apply(ctx context.Context, change medication.Change) error {
	ctx, span := s.tracer.Start(ctx, "store.apply",
		trace.WithAttributes(attribute.Int("events", len(change.Events))))
	defer span.End()

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if p := change.Prescription; p != nil {
			if err := writePrescription(ctx, tx, *p, change.NewPrescription); err != nil {
				return err
			}
		}
		if a := change.Administration; a != nil {
			if err := writeAdministration(ctx, tx, *a, change.NewAdministration); err != nil {
				return err
			}
		}
		if c := change.SafetyCheck; c != nil {
			if err := writeSafetyCheck(ctx, tx, *c); err != nil {
				return err
			}
		}
		for _, ev := range change.Events {
			entry, err := EventEntry(ev)
			if err != nil {
				return err
			}
			if err := WriteEntry(ctx, tx, entry); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func writePrescription(ctx context.Context, tx pgx.Tx, p medication.Prescription, insert bool) error {
	args := []any{
		p.ID, p.SubjectID, p.MedicationID, p.Dosage.Amount, p.Dosage.Unit, p.Frequency.String(), string(p.Route),
		p.StartDate.In(time.UTC), dateArg(p.EndDate), string(p.Status), p.TotalQuantity, p.RemainingQuantity, p.RefillCount,
		p.PrescribedBy, p.Instructions, p.CreatedAt, p.UpdatedAt,
	}
	if insert {
		tag, err := tx.Exec(ctx, `
			INSERT INTO prescriptions (`+prescriptionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
			ON CONFLICT (id) DO NOTHING`, args...)
		if err != nil {
			return fmt.Errorf("insert prescription %s: %w", p.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return medication.ErrPrescriptionExists.With("prescription %s already exists", p.ID)
		}
		return nil
	}

	tag, err := tx.Exec(ctx, `
		UPDATE prescriptions SET
			subject_id = $2, medication_id = $3, dosage_amount = $4, dosage_unit = $5, frequency = $6, route = $7,
			start_date = $8, end_date = $9, status = $10, total_quantity = $11, remaining_quantity = $12,
			refill_count = $13, prescribed_by = $14, instructions = $15, created_at = $16, updated_at = $17
		WHERE id = $1`, args...)
	if err != nil {
		return fmt.Errorf("update prescription %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return medication.ErrPrescriptionNotFound.With("prescription %s not found", p.ID)
	}
	return nil
}

func writeAdministration(ctx context.Context, tx pgx.Tx, a medication.Administration, insert bool) error {
	var vitals []byte
	if a.Vitals != nil {
		b, err := json.Marshal(a.Vitals)
		if err != nil {
			return fmt.Errorf("marshal vitals: %w", err)
		}
		vitals = b
	}
	effects := a.SideEffects
	if effects == nil {
		effects = []medication.SideEffect{}
	}
	sideEffects, err := json.Marshal(effects)
	if err != nil {
		return fmt.Errorf("marshal side effects: %w", err)
	}

	args := []any{
		a.ID, a.PrescriptionID, a.SubjectID, a.MedicationID, a.ScheduledTime, a.ActualTime, string(a.Status),
		a.DispensedUnits, a.AdministeredBy, a.Notes, vitals, a.Effectiveness, a.PatientResponse,
		sideEffects, a.RecordedAt,
	}
	if insert {
		_, err := tx.Exec(ctx, `
			INSERT INTO administrations (`+administrationColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`, args...)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return medication.ErrAdministrationAlreadyFinalized.With(
				"prescription %s already has an administration at %s", a.PrescriptionID, a.ScheduledTime.Format(time.RFC3339))
		}
		if err != nil {
			return fmt.Errorf("insert administration %s: %w", a.ID, err)
		}
		return nil
	}

	tag, err := tx.Exec(ctx, `
		UPDATE administrations SET
			prescription_id = $2, subject_id = $3, medication_id = $4, scheduled_time = $5, actual_time = $6,
			status = $7, dispensed_units = $8, administered_by = $9, notes = $10, vitals = $11,
			effectiveness = $12, patient_response = $13, side_effects = $14, recorded_at = $15
		WHERE id = $1`, args...)
	if err != nil {
		return fmt.Errorf("update administration %s: %w", a.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return medication.ErrAdministrationNotFound.With("administration %s not found", a.ID)
	}
	return nil
}

func writeSafetyCheck(ctx context.Context, tx pgx.Tx, c medication.SafetyCheck) error {
	findings := c.Findings
	if findings == nil {
		findings = []medication.Finding{}
	}
	body, err := json.Marshal(findings)
	if err != nil {
		return fmt.Errorf("marshal findings: %w", err)
	}
	degraded := c.Degraded
	if degraded == nil {
		degraded = []string{}
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO safety_checks (id, subject_id, prescription_id, medication_id, administration_id, findings, degraded, checked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.ID, c.SubjectID, c.PrescriptionID, c.MedicationID, c.AdministrationID, body, degraded, c.CheckedAt)
	if err != nil {
		return fmt.Errorf("insert safety check %s: %w", c.ID, err)
	}
	return nil
}
