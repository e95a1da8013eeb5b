package tracker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-emar/internal/alert"
	"github.com/drfirst/go-emar/internal/domain/medication"
	"github.com/drfirst/go-emar/internal/infrastructure/memory"
	"github.com/drfirst/go-emar/internal/safety"
	"github.com/drfirst/go-emar/internal/schedule"
)

var june1 = medication.NewDate(2024, time.June, 1)

type fixture struct {
	tracker  *Tracker
	store    *memory.Store
	rules    *memory.RuleTables
	recorder *alert.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := memory.NewStore()
	rules := memory.NewRuleTables()
	rules.PutMedication(medication.Medication{ID: "warfarin", Name: "Warfarin", ActiveIngredients: []string{"warfarin sodium"}})
	rules.PutMedication(medication.Medication{ID: "aspirin", Name: "Aspirin", ActiveIngredients: []string{"acetylsalicylic acid"}})
	rules.PutMedication(medication.Medication{ID: "paracetamol", Name: "Paracetamol", ActiveIngredients: []string{"acetaminophen"}})
	rules.PutMedication(medication.Medication{
		ID: "amoxicillin", Name: "Amoxicillin",
		ActiveIngredients: []string{"amoxicillin trihydrate"},
		AllergenTags:      []string{"Penicillin"},
	})
	recorder := alert.NewRecorder()

	tr, err := New(Config{LowStockThreshold: 5}, Deps{
		Store:      store,
		Catalog:    rules,
		Calculator: schedule.NewCalculator(schedule.DefaultSlots()),
		Checker:    safety.NewChecker(rules, safety.DefaultConfig(), nil, nil),
		Alerts:     recorder,
	})
	require.NoError(t, err)
	tr.now = func() time.Time { return time.Date(2024, time.June, 1, 7, 0, 0, 0, time.UTC) }

	return &fixture{tracker: tr, store: store, rules: rules, recorder: recorder}
}

func (f *fixture) add(t *testing.T, id, medID string, freq medication.Frequency, total int) medication.Prescription {
	t.Helper()
	res, err := f.tracker.AddPrescription(context.Background(), PrescriptionInput{Prescription: medication.Prescription{
		ID:            id,
		SubjectID:     "subj-1",
		MedicationID:  medID,
		Dosage:        medication.Dosage{Amount: 500, Unit: "mg"},
		Frequency:     freq,
		Route:         medication.RouteOral,
		StartDate:     june1,
		TotalQuantity: total,
	}})
	require.NoError(t, err)
	return res.Prescription
}

func administered(prescriptionID string, at time.Time) AdministrationInput {
	return AdministrationInput{
		PrescriptionID: prescriptionID,
		ScheduledTime:  at,
		Status:         medication.AdministrationAdministered,
		AdministeredBy: "nurse-1",
	}
}

func at(hour int) time.Time { return time.Date(2024, time.June, 1, hour, 0, 0, 0, time.UTC) }

func TestRecordAdministrationCompletesOnceDailySchedule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.add(t, "rx-1", "paracetamol", medication.Fixed(medication.FrequencyOnceDaily), 30)

	before, err := f.tracker.BuildSchedule(ctx, "subj-1", june1)
	require.NoError(t, err)
	require.Len(t, before.Items, 1)
	assert.Equal(t, at(9), before.Items[0].ScheduledTime)
	assert.Equal(t, medication.AdministrationScheduled, before.Items[0].Status)
	assert.Equal(t, "Paracetamol", before.Items[0].MedicationName)
	assert.Equal(t, medication.ScheduleInProgress, before.Status)

	res, err := f.tracker.RecordAdministration(ctx, administered("rx-1", at(9)))
	require.NoError(t, err)
	assert.Equal(t, 29, res.Prescription.RemainingQuantity)
	assert.Equal(t, 1, res.Administration.DispensedUnits)
	assert.Equal(t, medication.ScheduleCompleted, res.Schedule.Status)
	assert.Equal(t, 1, res.Schedule.Administered)
	require.NotNil(t, res.SafetyCheck)
	assert.Empty(t, res.Alerts)

	_, err = f.tracker.RecordAdministration(ctx, administered("rx-1", at(9)))
	require.Error(t, err)
	assert.True(t, medication.IsInvalidTransition(err))
	assert.ErrorIs(t, err, medication.ErrAdministrationAlreadyFinalized)

	p, err := f.store.GetPrescription(ctx, "rx-1")
	require.NoError(t, err)
	assert.Equal(t, 29, p.RemainingQuantity, "rejected record must not touch stock")
}

func TestBuildScheduleIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.add(t, "rx-1", "paracetamol", medication.Fixed(medication.FrequencyThreeTimesDaily), 30)
	f.add(t, "rx-2", "aspirin", medication.Custom("07:30", "19:30"), 30)

	first, err := f.tracker.BuildSchedule(ctx, "subj-1", june1)
	require.NoError(t, err)
	second, err := f.tracker.GetSchedule(ctx, "subj-1", june1)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	require.Len(t, first.Items, 5)
	for i := 1; i < len(first.Items); i++ {
		assert.False(t, first.Items[i].ScheduledTime.Before(first.Items[i-1].ScheduledTime), "items are ordered by time")
	}
}

func TestBuildScheduleSkipsPrescriptionsOutsideDate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.add(t, "rx-1", "paracetamol", medication.Fixed(medication.FrequencyOnceDaily), 30)

	s, err := f.tracker.BuildSchedule(ctx, "subj-1", june1.AddDays(-1))
	require.NoError(t, err)
	assert.Empty(t, s.Items)
	assert.Equal(t, medication.ScheduleCompleted, s.Status)

	_, err = f.tracker.UpdatePrescriptionStatus(ctx, "rx-1", medication.PrescriptionOnHold)
	require.NoError(t, err)
	s, err = f.tracker.BuildSchedule(ctx, "subj-1", june1)
	require.NoError(t, err)
	assert.Empty(t, s.Items, "on-hold prescriptions are not scheduled")
}

func TestBuildScheduleUsesSubjectTimezone(t *testing.T) {
	f := newFixture(t)
	zones, err := NewZones("America/New_York")
	require.NoError(t, err)
	f.tracker.zones = zones
	f.add(t, "rx-1", "paracetamol", medication.Fixed(medication.FrequencyOnceDaily), 30)

	s, err := f.tracker.BuildSchedule(context.Background(), "subj-1", june1)
	require.NoError(t, err)
	require.Len(t, s.Items, 1)
	assert.Equal(t, "America/New_York", s.Timezone)
	assert.Equal(t, at(13), s.Items[0].ScheduledTime.UTC())
}

func TestLocalDateFollowsSubjectZone(t *testing.T) {
	f := newFixture(t)
	zones, err := NewZones("UTC")
	require.NoError(t, err)
	require.NoError(t, zones.Set("subj-nz", "Pacific/Auckland"))
	f.tracker.zones = zones
	ctx := context.Background()

	evening := time.Date(2024, time.June, 1, 20, 0, 0, 0, time.UTC)
	assert.Equal(t, june1, f.tracker.LocalDate(ctx, "subj-1", evening))
	assert.Equal(t, june1.AddDays(1), f.tracker.LocalDate(ctx, "subj-nz", evening))
}

func TestRemainingQuantityNeverNegative(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.add(t, "rx-1", "paracetamol", medication.Fixed(medication.FrequencyFourTimesDaily), 1)

	res, err := f.tracker.RecordAdministration(ctx, administered("rx-1", at(8)))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Prescription.RemainingQuantity)
	require.Len(t, f.recorder.OfKind(alert.KindStockExhausted), 1)

	in := administered("rx-1", at(12))
	in.DispensedUnits = 3
	res, err = f.tracker.RecordAdministration(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Prescription.RemainingQuantity)
	assert.Len(t, f.recorder.OfKind(alert.KindStockExhausted), 1, "exhaustion is raised once")
}

func TestLowStockAlertWhenCrossingThreshold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.add(t, "rx-1", "paracetamol", medication.Fixed(medication.FrequencyFourTimesDaily), 6)

	_, err := f.tracker.RecordAdministration(ctx, administered("rx-1", at(8)))
	require.NoError(t, err)
	low := f.recorder.OfKind(alert.KindLowStock)
	require.Len(t, low, 1)
	assert.Equal(t, alert.SeverityMedium, low[0].Severity)
	assert.Equal(t, "rx-1", low[0].PrescriptionID)

	_, err = f.tracker.RecordAdministration(ctx, administered("rx-1", at(12)))
	require.NoError(t, err)
	assert.Len(t, f.recorder.OfKind(alert.KindLowStock), 1, "already below threshold")

	var stockEvents int
	for _, ev := range f.store.Events() {
		if ev.EventType == medication.EventStockLow {
			stockEvents++
		}
	}
	assert.Equal(t, 1, stockEvents)
}

func TestRecordMissedDoseLeavesStockAndMarksOverdue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.add(t, "rx-1", "paracetamol", medication.Fixed(medication.FrequencyTwiceDaily), 10)

	res, err := f.tracker.RecordAdministration(ctx, AdministrationInput{
		PrescriptionID: "rx-1",
		ScheduledTime:  at(9),
		Status:         medication.AdministrationMissed,
		DispensedUnits: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, 10, res.Prescription.RemainingQuantity)
	assert.Equal(t, 0, res.Administration.DispensedUnits)
	assert.Nil(t, res.Administration.ActualTime)
	require.NotNil(t, res.SafetyCheck)
	assert.Equal(t, res.Administration.ID, res.SafetyCheck.AdministrationID)
	assert.Equal(t, medication.ScheduleOverdue, res.Schedule.Status)
	assert.Equal(t, 1, res.Schedule.Missed)

	_, err = f.tracker.RecordAdministration(ctx, administered("rx-1", at(9)))
	assert.True(t, medication.IsInvalidTransition(err), "a missed slot cannot be administered later")
}

func TestRefusedDoseIsSafetyChecked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.rules.PutInteraction(medication.Interaction{
		MedicationA: "warfarin", MedicationB: "aspirin",
		Severity: medication.InteractionMajor, Description: "bleeding risk",
	})
	f.add(t, "rx-w", "warfarin", medication.Fixed(medication.FrequencyOnceDaily), 30)
	f.add(t, "rx-a", "aspirin", medication.Fixed(medication.FrequencyOnceDaily), 30)

	before, err := f.tracker.GetSafetyChecks(ctx, "subj-1")
	require.NoError(t, err)

	res, err := f.tracker.RecordAdministration(ctx, AdministrationInput{
		PrescriptionID: "rx-w",
		ScheduledTime:  at(9),
		Status:         medication.AdministrationRefused,
		Notes:          "patient declined",
	})
	require.NoError(t, err)
	require.NotNil(t, res.SafetyCheck)
	assert.Equal(t, res.Administration.ID, res.SafetyCheck.AdministrationID)
	assert.NotEmpty(t, res.SafetyCheck.Findings)
	assert.Equal(t, 30, res.Prescription.RemainingQuantity)

	after, err := f.tracker.GetSafetyChecks(ctx, "subj-1")
	require.NoError(t, err)
	assert.Len(t, after, len(before)+1)
}

func TestRecordAdministrationValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.add(t, "rx-1", "paracetamol", medication.Fixed(medication.FrequencyOnceDaily), 10)

	tests := []struct {
		name string
		in   AdministrationInput
	}{
		{"scheduled status", AdministrationInput{PrescriptionID: "rx-1", ScheduledTime: at(9), Status: medication.AdministrationScheduled}},
		{"unknown status", AdministrationInput{PrescriptionID: "rx-1", ScheduledTime: at(9), Status: "given"}},
		{"missing prescription id", AdministrationInput{ScheduledTime: at(9), Status: medication.AdministrationAdministered}},
		{"not a slot", administered("rx-1", at(10))},
		{"before start date", administered("rx-1", at(9).AddDate(0, 0, -1))},
		{"no scheduled time", AdministrationInput{PrescriptionID: "rx-1", Status: medication.AdministrationAdministered}},
		{"negative units", AdministrationInput{PrescriptionID: "rx-1", ScheduledTime: at(9), Status: medication.AdministrationAdministered, DispensedUnits: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.tracker.RecordAdministration(ctx, tt.in)
			require.Error(t, err)
			assert.True(t, medication.IsValidation(err), "got %v", err)
		})
	}

	_, err := f.tracker.RecordAdministration(ctx, administered("rx-missing", at(9)))
	assert.True(t, medication.IsNotFound(err))
}

func TestRecordAdministrationRejectsInactivePrescription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.add(t, "rx-1", "paracetamol", medication.Fixed(medication.FrequencyOnceDaily), 10)
	_, err := f.tracker.UpdatePrescriptionStatus(ctx, "rx-1", medication.PrescriptionDiscontinued)
	require.NoError(t, err)

	_, err = f.tracker.RecordAdministration(ctx, administered("rx-1", at(9)))
	require.Error(t, err)
	assert.True(t, medication.IsValidation(err))
}

func TestRecordAsNeededDose(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.add(t, "rx-prn", "paracetamol", medication.Fixed(medication.FrequencyAsNeeded), 10)

	s, err := f.tracker.BuildSchedule(ctx, "subj-1", june1)
	require.NoError(t, err)
	assert.Empty(t, s.Items)

	taken := time.Date(2024, time.June, 1, 15, 42, 0, 0, time.UTC)
	res, err := f.tracker.RecordAdministration(ctx, AdministrationInput{
		PrescriptionID: "rx-prn",
		Status:         medication.AdministrationAdministered,
		ActualTime:     &taken,
	})
	require.NoError(t, err)
	assert.Equal(t, taken, res.Administration.ScheduledTime)
	assert.Equal(t, 9, res.Prescription.RemainingQuantity)
}

func TestContraindicatedInteractionRaisesOneCriticalAlert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.rules.PutInteraction(medication.Interaction{
		MedicationA: "warfarin", MedicationB: "aspirin",
		Severity: medication.InteractionContraindicated, Description: "bleeding risk",
	})
	f.add(t, "rx-w", "warfarin", medication.Fixed(medication.FrequencyOnceDaily), 30)
	f.add(t, "rx-a", "aspirin", medication.Fixed(medication.FrequencyOnceDaily), 30)

	res, err := f.tracker.RecordAdministration(ctx, administered("rx-w", at(9)))
	require.NoError(t, err)

	require.Len(t, res.Alerts, 1)
	assert.Equal(t, alert.KindInteraction, res.Alerts[0].Kind)
	assert.Equal(t, alert.SeverityCritical, res.Alerts[0].Severity)
	assert.Equal(t, res.Administration.ID, res.Alerts[0].AdministrationID)

	var forDose []alert.Alert
	for _, a := range f.recorder.Alerts() {
		if a.AdministrationID == res.Administration.ID {
			forDose = append(forDose, a)
		}
	}
	assert.Len(t, forDose, 1)
}

func TestNoInteractionRuleRaisesNoAlert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.add(t, "rx-w", "warfarin", medication.Fixed(medication.FrequencyOnceDaily), 30)
	f.add(t, "rx-p", "paracetamol", medication.Fixed(medication.FrequencyOnceDaily), 30)

	res, err := f.tracker.RecordAdministration(ctx, administered("rx-w", at(9)))
	require.NoError(t, err)
	assert.Empty(t, res.Alerts)
	assert.Empty(t, res.SafetyCheck.Findings)
	assert.Empty(t, f.recorder.Alerts())
}

func TestPenicillinAllergyConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.rules.AddAllergy(medication.Allergy{
		SubjectID: "subj-1", Allergen: "penicillin",
		Type: medication.AllergyMedication, Severity: medication.AllergySevere, Active: true,
	})

	added, err := f.tracker.AddPrescription(ctx, PrescriptionInput{Prescription: medication.Prescription{
		ID: "rx-amox", SubjectID: "subj-1", MedicationID: "amoxicillin",
		Frequency: medication.Fixed(medication.FrequencyThreeTimesDaily),
		StartDate: june1, TotalQuantity: 21,
	}})
	require.NoError(t, err)
	require.Len(t, added.Alerts, 1, "conflict is flagged when prescribed")
	assert.Empty(t, added.SafetyCheck.AdministrationID)

	res, err := f.tracker.RecordAdministration(ctx, administered("rx-amox", at(8)))
	require.NoError(t, err)
	require.Len(t, res.Alerts, 1)
	assert.Equal(t, alert.KindAllergyConflict, res.Alerts[0].Kind)
	assert.Equal(t, alert.SeverityCritical, res.Alerts[0].Severity)

	checks, err := f.tracker.GetSafetyChecks(ctx, "subj-1")
	require.NoError(t, err)
	assert.Len(t, checks, 2)
}

func TestConcurrentRecordsFinalizeSlotOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.add(t, "rx-1", "paracetamol", medication.Fixed(medication.FrequencyOnceDaily), 30)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok, lost int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.tracker.RecordAdministration(ctx, administered("rx-1", at(9)))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
			} else if medication.IsInvalidTransition(err) {
				lost++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, 7, lost)
	p, err := f.store.GetPrescription(ctx, "rx-1")
	require.NoError(t, err)
	assert.Equal(t, 29, p.RemainingQuantity)
}

type watchRecorder struct {
	mu    sync.Mutex
	doses []medication.Administration
}

func (w *watchRecorder) Watch(a medication.Administration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.doses = append(w.doses, a)
}

func TestWatcherSeesAdministeredDosesOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := &watchRecorder{}
	f.tracker.SetWatcher(w)
	f.add(t, "rx-1", "paracetamol", medication.Fixed(medication.FrequencyTwiceDaily), 30)

	_, err := f.tracker.RecordAdministration(ctx, administered("rx-1", at(9)))
	require.NoError(t, err)
	_, err = f.tracker.RecordAdministration(ctx, AdministrationInput{
		PrescriptionID: "rx-1", ScheduledTime: at(21), Status: medication.AdministrationRefused,
	})
	require.NoError(t, err)

	require.Len(t, w.doses, 1)
	assert.Equal(t, at(9), w.doses[0].ScheduledTime)
}

func TestUpdatePrescriptionStatusTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.add(t, "rx-1", "paracetamol", medication.Fixed(medication.FrequencyOnceDaily), 30)

	p, err := f.tracker.UpdatePrescriptionStatus(ctx, "rx-1", medication.PrescriptionOnHold)
	require.NoError(t, err)
	assert.Equal(t, medication.PrescriptionOnHold, p.Status)

	p, err = f.tracker.UpdatePrescriptionStatus(ctx, "rx-1", medication.PrescriptionActive)
	require.NoError(t, err)
	assert.Equal(t, medication.PrescriptionActive, p.Status)

	_, err = f.tracker.UpdatePrescriptionStatus(ctx, "rx-1", medication.PrescriptionActive)
	require.NoError(t, err, "same status is a no-op")

	_, err = f.tracker.UpdatePrescriptionStatus(ctx, "rx-1", medication.PrescriptionCompleted)
	require.NoError(t, err)
	_, err = f.tracker.UpdatePrescriptionStatus(ctx, "rx-1", medication.PrescriptionActive)
	assert.True(t, medication.IsInvalidTransition(err))

	_, err = f.tracker.UpdatePrescriptionStatus(ctx, "rx-1", "paused")
	assert.True(t, medication.IsValidation(err))
	_, err = f.tracker.UpdatePrescriptionStatus(ctx, "rx-missing", medication.PrescriptionOnHold)
	assert.True(t, medication.IsNotFound(err))
}

func TestAddPrescriptionValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	zero, over, negative := 0, 31, -1

	base := func(id string) medication.Prescription {
		return medication.Prescription{
			ID: id, SubjectID: "subj-1", MedicationID: "paracetamol",
			Frequency: medication.Fixed(medication.FrequencyOnceDaily), StartDate: june1, TotalQuantity: 30,
		}
	}
	custom := base("rx-custom")
	custom.Frequency = medication.Custom("08:00", "25:00")
	negTotal := base("rx-neg-total")
	negTotal.TotalQuantity = -5

	tests := []struct {
		name string
		in   PrescriptionInput
	}{
		{"custom times are strict on write", PrescriptionInput{Prescription: custom}},
		{"negative total", PrescriptionInput{Prescription: negTotal}},
		{"remaining above total", PrescriptionInput{Prescription: base("rx-over"), RemainingQuantity: &over}},
		{"negative remaining", PrescriptionInput{Prescription: base("rx-neg"), RemainingQuantity: &negative}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.tracker.AddPrescription(ctx, tt.in)
			require.Error(t, err)
			assert.True(t, medication.IsValidation(err), "got %v", err)
		})
	}

	added := f.add(t, "rx-2", "paracetamol", medication.Fixed(medication.FrequencyOnceDaily), 10)
	assert.Equal(t, 10, added.RemainingQuantity)
	assert.Equal(t, medication.PrescriptionActive, added.Status)

	empty, err := f.tracker.AddPrescription(ctx, PrescriptionInput{Prescription: base("rx-empty"), RemainingQuantity: &zero})
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Prescription.RemainingQuantity, "an explicit zero is kept")

	_, err = f.tracker.AddPrescription(ctx, PrescriptionInput{Prescription: added})
	assert.True(t, medication.IsInvalidTransition(err))
}

func TestSideEffectsEscalateBySeverity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.add(t, "rx-1", "paracetamol", medication.Fixed(medication.FrequencyOnceDaily), 30)
	res, err := f.tracker.RecordAdministration(ctx, administered("rx-1", at(9)))
	require.NoError(t, err)

	a, err := f.tracker.RecordSideEffects(ctx, res.Administration.ID, []SideEffectInput{
		{Name: "nausea", Severity: medication.SideEffectMild},
		{Name: "rash", Severity: medication.SideEffectSevere},
		{Name: "anaphylaxis", Severity: medication.SideEffectLifeThreatening},
	})
	require.NoError(t, err)
	require.Len(t, a.SideEffects, 3)

	alerts := f.recorder.OfKind(alert.KindSideEffect)
	require.Len(t, alerts, 2)
	assert.Equal(t, alert.SeverityHigh, alerts[0].Severity)
	assert.Equal(t, alert.SeverityCritical, alerts[1].Severity)

	_, err = f.tracker.RecordSideEffects(ctx, res.Administration.ID, []SideEffectInput{{Name: "x", Severity: "awful"}})
	assert.True(t, medication.IsValidation(err))
	_, err = f.tracker.RecordSideEffects(ctx, "adm-missing", []SideEffectInput{{Name: "x", Severity: medication.SideEffectMild}})
	assert.True(t, medication.IsNotFound(err))
}

func TestObservationEscalationSuppressedAfterDiscontinue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.add(t, "rx-1", "paracetamol", medication.Fixed(medication.FrequencyOnceDaily), 30)
	res, err := f.tracker.RecordAdministration(ctx, administered("rx-1", at(9)))
	require.NoError(t, err)

	_, err = f.tracker.UpdatePrescriptionStatus(ctx, "rx-1", medication.PrescriptionDiscontinued)
	require.NoError(t, err)

	out, err := f.tracker.AttachObservations(ctx, res.Administration.ID, []SideEffectInput{
		{Name: "hypotension", Severity: medication.SideEffectSevere},
	})
	require.NoError(t, err)
	assert.True(t, out.Suppressed)
	assert.Empty(t, out.Alerts)
	assert.Empty(t, f.recorder.OfKind(alert.KindSideEffect))
	require.Len(t, out.Administration.SideEffects, 1, "the effect is still recorded")
	assert.Equal(t, medication.SourceObservation, out.Administration.SideEffects[0].Source)
}

func TestResolveSideEffectIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.add(t, "rx-1", "paracetamol", medication.Fixed(medication.FrequencyOnceDaily), 30)
	in := administered("rx-1", at(9))
	in.SideEffects = []SideEffectInput{{Name: "drowsiness", Severity: medication.SideEffectModerate}}
	res, err := f.tracker.RecordAdministration(ctx, in)
	require.NoError(t, err)
	seID := res.Administration.SideEffects[0].ID

	a, err := f.tracker.ResolveSideEffect(ctx, res.Administration.ID, seID)
	require.NoError(t, err)
	assert.Equal(t, medication.SideEffectResolved, a.SideEffects[0].Status)
	require.NotNil(t, a.SideEffects[0].ResolvedAt)

	again, err := f.tracker.ResolveSideEffect(ctx, res.Administration.ID, seID)
	require.NoError(t, err)
	assert.Equal(t, a.SideEffects[0].ResolvedAt, again.SideEffects[0].ResolvedAt)

	_, err = f.tracker.ResolveSideEffect(ctx, res.Administration.ID, "se-missing")
	assert.ErrorIs(t, err, medication.ErrSideEffectNotFound)

	history, err := f.tracker.GetSideEffectHistory(ctx, "subj-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "rx-1", history[0].PrescriptionID)
}

func TestSweepLowStock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.add(t, "rx-1", "paracetamol", medication.Fixed(medication.FrequencyOnceDaily), 3)
	f.add(t, "rx-2", "warfarin", medication.Fixed(medication.FrequencyOnceDaily), 30)

	n, err := f.tracker.SweepLowStock(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	low := f.recorder.OfKind(alert.KindLowStock)
	require.Len(t, low, 1)
	assert.Equal(t, "rx-1", low[0].PrescriptionID)

	ps, err := f.tracker.GetLowStockPrescriptions(ctx, 100)
	require.NoError(t, err)
	require.Len(t, ps, 2)
	assert.Equal(t, "rx-1", ps[0].ID)

	_, err = f.tracker.GetLowStockPrescriptions(ctx, -1)
	assert.True(t, medication.IsValidation(err))
}

func TestGetAdministrationHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.add(t, "rx-1", "paracetamol", medication.Fixed(medication.FrequencyTwiceDaily), 30)
	for _, h := range []int{9, 21} {
		_, err := f.tracker.RecordAdministration(ctx, administered("rx-1", at(h)))
		require.NoError(t, err)
	}

	all, err := f.tracker.GetAdministrationHistory(ctx, "subj-1", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, at(9), all[0].ScheduledTime)

	morning, err := f.tracker.GetAdministrationHistory(ctx, "subj-1", at(0), at(12))
	require.NoError(t, err)
	assert.Len(t, morning, 1)

	_, err = f.tracker.GetAdministrationHistory(ctx, "subj-1", at(12), at(0))
	assert.True(t, medication.IsValidation(err))
}
