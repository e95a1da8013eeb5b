package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/drfirst/go-emar/internal/domain/medication"
)

// RuleTables is an in-memory medication catalog, allergy registry and
// interaction table.
type RuleTables struct {
	mu           sync.RWMutex
	medications  map[string]medication.Medication
	allergies    map[string][]medication.Allergy
	interactions map[string]medication.Interaction
}

var _ medication.RuleTables = (*RuleTables)(nil)

// NewRuleTables returns empty rule tables.
func NewRuleTables() *RuleTables {
	return &RuleTables{
		medications:  make(map[string]medication.Medication),
		allergies:    make(map[string][]medication.Allergy),
		interactions: make(map[string]medication.Interaction),
	}
}

// PutMedication adds or replaces a catalog entry.
func (r *RuleTables) PutMedication(m medication.Medication) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.medications[m.ID] = m
}

// AddAllergy records an allergy for its subject, replacing one declared for
// the same allergen.
func (r *RuleTables) AddAllergy(a medication.Allergy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing := r.allergies[a.SubjectID]
	for i, e := range existing {
		if strings.EqualFold(e.Allergen, a.Allergen) {
			existing[i] = a
			return
		}
	}
	r.allergies[a.SubjectID] = append(existing, a)
}

// PutInteraction adds or replaces the rule for the pair.
func (r *RuleTables) PutInteraction(i medication.Interaction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.interactions[medication.PairKey(i.MedicationA, i.MedicationB)] = i
}

func (r *RuleTables) GetMedication(ctx context.Context, id string) (medication.Medication, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.medications[id]
	if !ok {
		return medication.Medication{}, medication.ErrMedicationNotFound.With("medication %s not in catalog", id)
	}
	m.ActiveIngredients = append([]string(nil), m.ActiveIngredients...)
	m.AllergenTags = append([]string(nil), m.AllergenTags...)
	return m, nil
}

func (r *RuleTables) ActiveAllergies(ctx context.Context, subjectID string) ([]medication.Allergy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]medication.Allergy, 0)
	for _, a := range r.allergies[subjectID] {
		if a.Active {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *RuleTables) Lookup(ctx context.Context, a, b string) (medication.Interaction, bool, error) {
	if strings.TrimSpace(a) == "" || strings.TrimSpace(b) == "" {
		return medication.Interaction{}, false, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	i, ok := r.interactions[medication.PairKey(a, b)]
	return i, ok, nil
}
