package seed

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-emar/internal/alert"
	"github.com/drfirst/go-emar/internal/domain/medication"
	"github.com/drfirst/go-emar/internal/infrastructure/memory"
	"github.com/drfirst/go-emar/internal/safety"
	"github.com/drfirst/go-emar/internal/tracker"
)

func TestLoadFixture(t *testing.T) {
	f, err := Load("testdata/ward.yaml")
	require.NoError(t, err)

	require.Len(t, f.Medications, 4)
	assert.Equal(t, []string{"penicillin"}, f.Medications[2].AllergenTags)
	require.Len(t, f.Prescriptions, 3)

	para := f.Prescriptions[1]
	assert.Equal(t, medication.FrequencyCustom, para.Frequency.Kind)
	assert.Equal(t, "custom:08:00,14:00,22:00", para.Frequency.String())
	assert.Equal(t, medication.NewDate(2024, 6, 1), para.StartDate)
	require.NotNil(t, para.EndDate)
	assert.Equal(t, medication.NewDate(2024, 6, 14), *para.EndDate)
	assert.Equal(t, medication.Dosage{Amount: 500, Unit: "mg"}, para.Dosage)

	assert.Equal(t, medication.FrequencyAsNeeded, f.Prescriptions[2].Frequency.Kind)
}

func TestParseKeepsExplicitRemainingQuantity(t *testing.T) {
	f, err := Parse([]byte(`
prescriptions:
  - id: rx-empty
    total_quantity: 30
    remaining_quantity: 0
  - id: rx-full
    total_quantity: 30
`))
	require.NoError(t, err)
	require.Len(t, f.Prescriptions, 2)

	require.NotNil(t, f.Prescriptions[0].RemainingQuantity)
	assert.Zero(t, *f.Prescriptions[0].RemainingQuantity)
	assert.Equal(t, 30, f.Prescriptions[0].TotalQuantity)
	assert.Nil(t, f.Prescriptions[1].RemainingQuantity)
}

func TestParseRejectsInvalidRules(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"medication without name", "medications: [{id: x}]"},
		{"allergy type", "allergies: [{subject_id: s, allergen: nuts, type: dietary}]"},
		{"self interaction", "interactions: [{medication_a: x, medication_b: x, severity: major}]"},
		{"interaction severity", "interactions: [{medication_a: x, medication_b: y, severity: deadly}]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.True(t, medication.IsValidation(err), "got %v", err)
		})
	}

	_, err := Parse([]byte("medications: {"))
	assert.Error(t, err)
}

func TestApplyIsRepeatable(t *testing.T) {
	ctx := context.Background()
	f, err := Load("testdata/ward.yaml")
	require.NoError(t, err)

	rules := memory.NewRuleTables()
	store := memory.NewStore()
	tr, err := tracker.New(tracker.DefaultConfig(), tracker.Deps{
		Store:   store,
		Catalog: rules,
		Checker: safety.NewChecker(rules, safety.DefaultConfig(), nil, nil),
		Alerts:  alert.NewRecorder(),
	})
	require.NoError(t, err)

	s, err := Apply(ctx, f, Memory(rules), tr, nil)
	require.NoError(t, err)
	assert.Equal(t, Summary{Medications: 4, Allergies: 1, Interactions: 1, Prescriptions: 3}, s)

	allergies, err := rules.ActiveAllergies(ctx, "res-101")
	require.NoError(t, err)
	assert.Len(t, allergies, 1)
	ix, found, err := rules.Lookup(ctx, "aspirin", "warfarin")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, medication.InteractionMajor, ix.Severity)

	ps, err := tr.GetPrescriptions(ctx, "res-101")
	require.NoError(t, err)
	remaining := make(map[string]int)
	for _, p := range ps {
		remaining[p.ID] = p.RemainingQuantity
	}
	assert.Equal(t, map[string]int{"rx-101-warfarin": 28, "rx-101-paracetamol": 42}, remaining)

	s, err = Apply(ctx, f, Memory(rules), tr, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, s.Skipped)
	assert.Zero(t, s.Prescriptions)

	allergies, err = rules.ActiveAllergies(ctx, "res-101")
	require.NoError(t, err)
	assert.Len(t, allergies, 1)
}

func TestApplyRulesOnly(t *testing.T) {
	f := &Fixture{
		Medications:   []medication.Medication{{ID: "aspirin", Name: "Aspirin"}},
		Prescriptions: []Prescription{{PrescriptionInput: tracker.PrescriptionInput{
			Prescription: medication.Prescription{ID: "rx-1"},
		}}},
	}
	s, err := Apply(context.Background(), f, Memory(memory.NewRuleTables()), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, Summary{Medications: 1}, s)
}
