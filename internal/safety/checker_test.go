package safety

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-emar/internal/alert"
	"github.com/drfirst/go-emar/internal/domain/medication"
	"github.com/drfirst/go-emar/internal/infrastructure/memory"
	"github.com/drfirst/go-emar/pkg/circuitbreaker"
)

func active(id, medID string) medication.Prescription {
	return medication.Prescription{ID: id, SubjectID: "subj-1", MedicationID: medID, Status: medication.PrescriptionActive}
}

func newRules() *memory.RuleTables {
	r := memory.NewRuleTables()
	r.PutMedication(medication.Medication{ID: "warfarin", Name: "Warfarin", ActiveIngredients: []string{"warfarin sodium"}})
	r.PutMedication(medication.Medication{ID: "aspirin", Name: "Aspirin", ActiveIngredients: []string{"acetylsalicylic acid"}})
	r.PutMedication(medication.Medication{ID: "pen-g", Name: "Bicillin", ActiveIngredients: []string{"Penicillin G"}})
	return r
}

func TestCheckContraindicatedInteractionEscalatesCritical(t *testing.T) {
	rules := newRules()
	rules.PutInteraction(medication.Interaction{
		MedicationA: "aspirin", MedicationB: "warfarin",
		Severity: medication.InteractionContraindicated, Description: "bleeding risk",
	})
	c := NewChecker(rules, DefaultConfig(), nil, nil)

	target := Target{SubjectID: "subj-1", PrescriptionID: "rx-a", MedicationID: "warfarin", AdministrationID: "adm-1"}
	check := c.Check(context.Background(), target, []medication.Prescription{
		active("rx-a", "warfarin"),
		active("rx-b", "aspirin"),
	})

	require.Len(t, check.Findings, 1)
	f := check.Findings[0]
	assert.Equal(t, medication.FindingInteraction, f.Kind)
	assert.Equal(t, medication.EscalationCritical, f.Escalation)
	assert.Equal(t, "rx-b", f.CounterpartPrescriptionID)

	alerts := Alerts(check)
	require.Len(t, alerts, 1)
	assert.Equal(t, alert.KindInteraction, alerts[0].Kind)
	assert.Equal(t, alert.SeverityCritical, alerts[0].Severity)
	assert.Equal(t, "adm-1", alerts[0].AdministrationID)
}

func TestCheckInteractionSeverityMapping(t *testing.T) {
	tests := []struct {
		severity medication.InteractionSeverity
		want     medication.Escalation
	}{
		{medication.InteractionMinor, medication.EscalationNone},
		{medication.InteractionModerate, medication.EscalationNone},
		{medication.InteractionMajor, medication.EscalationHigh},
		{medication.InteractionContraindicated, medication.EscalationCritical},
	}
	for _, tt := range tests {
		t.Run(string(tt.severity), func(t *testing.T) {
			rules := newRules()
			rules.PutInteraction(medication.Interaction{MedicationA: "warfarin", MedicationB: "aspirin", Severity: tt.severity})
			c := NewChecker(rules, DefaultConfig(), nil, nil)

			check := c.Check(context.Background(),
				Target{SubjectID: "subj-1", PrescriptionID: "rx-a", MedicationID: "warfarin"},
				[]medication.Prescription{active("rx-b", "aspirin")})

			require.Len(t, check.Findings, 1, "finding is recorded regardless of severity")
			assert.Equal(t, tt.want, check.Findings[0].Escalation)
			if tt.want == medication.EscalationNone {
				assert.Empty(t, Alerts(check))
			}
		})
	}
}

func TestCheckIgnoresInactiveAndUnknownPairs(t *testing.T) {
	rules := newRules()
	rules.PutInteraction(medication.Interaction{MedicationA: "warfarin", MedicationB: "aspirin", Severity: medication.InteractionMajor})
	c := NewChecker(rules, DefaultConfig(), nil, nil)

	stopped := active("rx-b", "aspirin")
	stopped.Status = medication.PrescriptionDiscontinued
	check := c.Check(context.Background(),
		Target{SubjectID: "subj-1", PrescriptionID: "rx-a", MedicationID: "warfarin"},
		[]medication.Prescription{stopped, active("rx-c", "pen-g")})

	assert.Empty(t, check.Findings)
}

func TestCheckDeduplicatesCounterpartMedication(t *testing.T) {
	rules := newRules()
	rules.PutInteraction(medication.Interaction{MedicationA: "warfarin", MedicationB: "aspirin", Severity: medication.InteractionMajor})
	c := NewChecker(rules, DefaultConfig(), nil, nil)

	check := c.Check(context.Background(),
		Target{SubjectID: "subj-1", PrescriptionID: "rx-a", MedicationID: "warfarin"},
		[]medication.Prescription{active("rx-b", "aspirin"), active("rx-c", "aspirin")})

	assert.Len(t, check.Findings, 1)
}

func TestCheckAllergyConflictIsCaseInsensitive(t *testing.T) {
	rules := newRules()
	rules.AddAllergy(medication.Allergy{
		SubjectID: "subj-1", Allergen: "penicillin", Type: medication.AllergyMedication,
		Severity: medication.AllergyMild, Active: true,
	})
	c := NewChecker(rules, DefaultConfig(), nil, nil)

	check := c.Check(context.Background(),
		Target{SubjectID: "subj-1", PrescriptionID: "rx-p", MedicationID: "pen-g"}, nil)

	require.Len(t, check.Findings, 1)
	assert.Equal(t, medication.FindingAllergyConflict, check.Findings[0].Kind)
	assert.Equal(t, medication.EscalationHigh, check.Findings[0].Escalation, "mild allergies still escalate")

	alerts := Alerts(check)
	require.Len(t, alerts, 1)
	assert.Equal(t, alert.KindAllergyConflict, alerts[0].Kind)
}

func TestCheckAllergySeverityAndTypeFilter(t *testing.T) {
	rules := newRules()
	rules.AddAllergy(medication.Allergy{SubjectID: "subj-1", Allergen: "PENICILLIN", Type: medication.AllergyMedication, Severity: medication.AllergySevere, Active: true})
	rules.AddAllergy(medication.Allergy{SubjectID: "subj-1", Allergen: "bicillin", Type: medication.AllergyFood, Active: true})
	c := NewChecker(rules, DefaultConfig(), nil, nil)

	check := c.Check(context.Background(), Target{SubjectID: "subj-1", MedicationID: "pen-g"}, nil)
	require.Len(t, check.Findings, 1)
	assert.Equal(t, medication.EscalationCritical, check.Findings[0].Escalation)
}

func TestCheckBothChecksRun(t *testing.T) {
	rules := newRules()
	rules.PutInteraction(medication.Interaction{MedicationA: "pen-g", MedicationB: "aspirin", Severity: medication.InteractionMajor})
	rules.AddAllergy(medication.Allergy{SubjectID: "subj-1", Allergen: "penicillin", Type: medication.AllergyMedication, Active: true})
	c := NewChecker(rules, DefaultConfig(), nil, nil)

	check := c.Check(context.Background(),
		Target{SubjectID: "subj-1", PrescriptionID: "rx-p", MedicationID: "pen-g"},
		[]medication.Prescription{active("rx-b", "aspirin")})

	assert.Len(t, check.Escalations(), 2)
}

type failingRules struct {
	*memory.RuleTables
	failLookups bool
}

func (f failingRules) Lookup(ctx context.Context, a, b string) (medication.Interaction, bool, error) {
	if f.failLookups {
		return medication.Interaction{}, false, errors.New("interaction service timeout")
	}
	return f.RuleTables.Lookup(ctx, a, b)
}

func (f failingRules) ActiveAllergies(ctx context.Context, subjectID string) ([]medication.Allergy, error) {
	return nil, errors.New("allergy registry offline")
}

func TestCheckDegradesOnLookupErrors(t *testing.T) {
	rules := failingRules{RuleTables: newRules(), failLookups: true}
	c := NewChecker(rules, DefaultConfig(), nil, nil)

	check := c.Check(context.Background(),
		Target{SubjectID: "subj-1", PrescriptionID: "rx-a", MedicationID: "warfarin"},
		[]medication.Prescription{active("rx-b", "aspirin")})

	assert.Empty(t, check.Findings)
	assert.ElementsMatch(t, []string{"interaction:aspirin", "allergy:subj-1"}, check.Degraded)
}

func TestCheckCatalogMissIsNoFinding(t *testing.T) {
	rules := newRules()
	rules.AddAllergy(medication.Allergy{SubjectID: "subj-1", Allergen: "penicillin", Type: medication.AllergyMedication, Active: true})
	c := NewChecker(rules, DefaultConfig(), nil, nil)

	check := c.Check(context.Background(), Target{SubjectID: "subj-1", MedicationID: "unlisted"}, nil)
	assert.Empty(t, check.Findings)
	assert.Equal(t, []string{"catalog:unlisted"}, check.Degraded)
}

func TestGuardedRulesOpenCircuitDegrades(t *testing.T) {
	cfg := BreakerConfig(nil)
	cfg.FailureThreshold = 1
	cfg.Timeout = time.Minute
	manager := circuitbreaker.NewManager(cfg, nil)

	guarded, err := NewGuardedRules(failingRules{RuleTables: newRules(), failLookups: true}, manager)
	require.NoError(t, err)

	_, _, err = guarded.Lookup(context.Background(), "warfarin", "aspirin")
	require.Error(t, err)

	_, _, err = guarded.Lookup(context.Background(), "warfarin", "aspirin")
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)

	c := NewChecker(guarded, DefaultConfig(), nil, nil)
	check := c.Check(context.Background(),
		Target{SubjectID: "subj-1", PrescriptionID: "rx-a", MedicationID: "warfarin"},
		[]medication.Prescription{active("rx-b", "aspirin")})
	assert.Empty(t, check.Findings)
}

func TestGuardedRulesCatalogMissDoesNotTrip(t *testing.T) {
	cfg := BreakerConfig(nil)
	cfg.FailureThreshold = 1
	manager := circuitbreaker.NewManager(cfg, nil)

	guarded, err := NewGuardedRules(newRules(), manager)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := guarded.GetMedication(context.Background(), "unlisted")
		assert.True(t, medication.IsNotFound(err))
	}
	for _, h := range manager.GetHealthStatus() {
		assert.True(t, h.Healthy, h.Name)
	}
}
