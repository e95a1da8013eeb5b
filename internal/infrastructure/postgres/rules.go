package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/drfirst/go-emar/internal/domain/medication"
)

// RuleTables reads the medication catalog, allergy registry and
// interaction table from PostgreSQL.
type RuleTables struct {
	pool *pgxpool.Pool
}

var _ medication.RuleTables = (*RuleTables)(nil)

// NewRuleTables returns rule tables on pool.
func NewRuleTables(pool *pgxpool.Pool) *RuleTables {
	return &RuleTables{pool: pool}
}

func (r *RuleTables) GetMedication(ctx context.Context, id string) (medication.Medication, error) {
	var m medication.Medication
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, category, active_ingredients, allergen_tags
		FROM medications WHERE id = $1`, id,
	).Scan(&m.ID, &m.Name, &m.Category, &m.ActiveIngredients, &m.AllergenTags)
	if errors.Is(err, pgx.ErrNoRows) {
		return m, medication.ErrMedicationNotFound.With("medication %s not in catalog", id)
	}
	if err != nil {
		return m, fmt.Errorf("get medication %s: %w", id, err)
	}
	return m, nil
}

func (r *RuleTables) ActiveAllergies(ctx context.Context, subjectID string) ([]medication.Allergy, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT subject_id, allergen, type, severity, reaction, active
		FROM allergies WHERE subject_id = $1 AND active
		ORDER BY id`, subjectID)
	if err != nil {
		return nil, fmt.Errorf("list allergies: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (medication.Allergy, error) {
		var a medication.Allergy
		err := row.Scan(&a.SubjectID, &a.Allergen, &a.Type, &a.Severity, &a.Reaction, &a.Active)
		return a, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan allergies: %w", err)
	}
	if out == nil {
		out = make([]medication.Allergy, 0)
	}
	return out, nil
}

func (r *RuleTables) Lookup(ctx context.Context, a, b string) (medication.Interaction, bool, error) {
	if strings.TrimSpace(a) == "" || strings.TrimSpace(b) == "" {
		return medication.Interaction{}, false, nil
	}
	lo, hi := orderPair(a, b)

	var i medication.Interaction
	err := r.pool.QueryRow(ctx, `
		SELECT medication_a, medication_b, severity, description
		FROM interactions WHERE medication_a = $1 AND medication_b = $2`, lo, hi,
	).Scan(&i.MedicationA, &i.MedicationB, &i.Severity, &i.Description)
	if errors.Is(err, pgx.ErrNoRows) {
		return medication.Interaction{}, false, nil
	}
	if err != nil {
		return medication.Interaction{}, false, fmt.Errorf("lookup interaction %s/%s: %w", a, b, err)
	}
	return i, true, nil
}

// PutMedication adds or replaces a catalog entry.
func (r *RuleTables) PutMedication(ctx context.Context, m medication.Medication) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO medications (id, name, category, active_ingredients, allergen_tags)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, category = EXCLUDED.category,
			active_ingredients = EXCLUDED.active_ingredients, allergen_tags = EXCLUDED.allergen_tags`,
		m.ID, m.Name, m.Category, nonNil(m.ActiveIngredients), nonNil(m.AllergenTags))
	if err != nil {
		return fmt.Errorf("put medication %s: %w", m.ID, err)
	}
	return nil
}

// AddAllergy records an allergy for its subject, replacing one declared for
// the same allergen.
func (r *RuleTables) AddAllergy(ctx context.Context, a medication.Allergy) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO allergies (subject_id, allergen, type, severity, reaction, active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (subject_id, lower(allergen)) DO UPDATE SET
			type = EXCLUDED.type, severity = EXCLUDED.severity,
			reaction = EXCLUDED.reaction, active = EXCLUDED.active`,
		a.SubjectID, a.Allergen, string(a.Type), string(a.Severity), a.Reaction, a.Active)
	if err != nil {
		return fmt.Errorf("add allergy for %s: %w", a.SubjectID, err)
	}
	return nil
}

// PutInteraction adds or replaces the rule for the pair.
func (r *RuleTables) PutInteraction(ctx context.Context, i medication.Interaction) error {
	lo, hi := orderPair(i.MedicationA, i.MedicationB)
	_, err := r.pool.Exec(ctx, `
		INSERT INTO interactions (medication_a, medication_b, severity, description)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (medication_a, medication_b) DO UPDATE SET
			severity = EXCLUDED.severity, description = EXCLUDED.description`,
		lo, hi, string(i.Severity), i.Description)
	if err != nil {
		return fmt.Errorf("put interaction %s/%s: %w", i.MedicationA, i.MedicationB, err)
	}
	return nil
}

func orderPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
