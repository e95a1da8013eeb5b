package r5

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-emar/internal/domain/medication"
)

func TestFromPrescription(t *testing.T) {
	end := medication.NewDate(2024, 6, 30)
	p := medication.Prescription{
		ID:            "rx-1",
		SubjectID:     "subj-1",
		MedicationID:  "amoxicillin",
		Dosage:        medication.Dosage{Amount: 500, Unit: "mg"},
		Frequency:     medication.Fixed(medication.FrequencyThreeTimesDaily),
		Route:         medication.RouteOral,
		StartDate:     medication.NewDate(2024, 6, 1),
		EndDate:       &end,
		Status:        medication.PrescriptionOnHold,
		TotalQuantity: 21,
		RefillCount:   1,
		PrescribedBy:  "dr-7",
		CreatedAt:     time.Date(2024, 5, 31, 12, 0, 0, 0, time.UTC),
	}

	req := FromPrescription(p, "Amoxicillin")

	assert.Equal(t, "MedicationRequest", req.ResourceType)
	assert.Equal(t, StatusOnHold, req.Status)
	assert.Equal(t, IntentOrder, req.Intent)
	assert.Equal(t, "subj-1", req.GetPatientID())
	assert.Equal(t, "Amoxicillin", req.Medication.Concept.Text)
	assert.Equal(t, "Practitioner/dr-7", req.Requester.Reference)

	require.Len(t, req.DosageInstruction, 1)
	d := req.DosageInstruction[0]
	assert.Equal(t, 3, d.Timing.Repeat.Frequency)
	assert.Equal(t, "d", d.Timing.Repeat.PeriodUnit)
	assert.Equal(t, 500.0, d.DoseAndRate[0].DoseQuantity.Value)
	assert.Equal(t, "oral", d.Route.Text)

	assert.Equal(t, 1, req.DispenseRequest.NumberOfRepeatsAllowed)
	assert.Equal(t, time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC), *req.DispenseRequest.ValidityPeriod.End)
}

func TestFromPrescriptionCustomTimes(t *testing.T) {
	p := medication.Prescription{
		ID:        "rx-2",
		SubjectID: "subj-1",
		Frequency: medication.Custom("08:00", "bogus", "13:30"),
		StartDate: medication.NewDate(2024, 6, 1),
		Status:    medication.PrescriptionDiscontinued,
	}

	req := FromPrescription(p, "")

	assert.Equal(t, StatusStopped, req.Status)
	assert.Equal(t, []string{"08:00:00", "13:30:00"}, req.DosageInstruction[0].Timing.Repeat.TimeOfDay)
	assert.Equal(t, p.MedicationID, req.Medication.Concept.Text)
}

func TestFromAdministration(t *testing.T) {
	scheduled := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	actual := scheduled.Add(7 * time.Minute)

	tests := []struct {
		name       string
		status     medication.AdministrationStatus
		wantStatus string
		wantReason string
		wantDosage bool
	}{
		{"administered", medication.AdministrationAdministered, AdminStatusCompleted, "", true},
		{"delayed", medication.AdministrationDelayed, AdminStatusCompleted, "delayed", true},
		{"missed", medication.AdministrationMissed, AdminStatusNotDone, "missed", false},
		{"refused", medication.AdministrationRefused, AdminStatusNotDone, "refused", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := medication.Administration{
				ID:             "adm-1",
				PrescriptionID: "rx-1",
				SubjectID:      "subj-1",
				MedicationID:   "warfarin",
				ScheduledTime:  scheduled,
				ActualTime:     &actual,
				Status:         tt.status,
				AdministeredBy: "nurse-3",
				RecordedAt:     actual,
				SideEffects: []medication.SideEffect{{
					Name: "nausea", Severity: medication.SideEffectMild,
					Status: medication.SideEffectActive, OnsetAt: actual,
				}},
			}

			out := FromAdministration(a, AdministrationContext{
				MedicationName: "Warfarin",
				Dosage:         medication.Dosage{Amount: 5, Unit: "mg"},
				Route:          medication.RouteOral,
			})

			assert.Equal(t, tt.wantStatus, out.Status)
			if tt.wantReason == "" {
				assert.Empty(t, out.StatusReason)
			} else {
				require.Len(t, out.StatusReason, 1)
				assert.Equal(t, tt.wantReason, out.StatusReason[0].Text)
			}
			assert.Equal(t, tt.wantDosage, out.Dosage != nil)
			assert.Equal(t, actual, *out.OccurenceTime)
			assert.Equal(t, "MedicationRequest/rx-1", out.Request.Reference)
			require.Len(t, out.Note, 1)
			assert.Contains(t, out.Note[0].Text, "nausea")
		})
	}
}

func TestSearchBundle(t *testing.T) {
	at := time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC)
	a := FromAdministration(medication.Administration{
		ID: "adm-1", PrescriptionID: "rx-1", SubjectID: "subj-1",
		ScheduledTime: at, Status: medication.AdministrationAdministered,
	}, AdministrationContext{})

	b, err := NewSearchBundle(at, a)
	require.NoError(t, err)

	assert.Equal(t, "searchset", b.Type)
	assert.Equal(t, 1, b.Total)
	assert.Equal(t, "MedicationAdministration/adm-1", b.Entry[0].FullURL)

	var decoded MedicationAdministration
	require.NoError(t, json.Unmarshal(b.Entry[0].Resource, &decoded))
	assert.Equal(t, "adm-1", decoded.ID)
	assert.Equal(t, AdminStatusCompleted, decoded.Status)
}

func TestEmptyBundleHasEntryArray(t *testing.T) {
	b, err := NewSearchBundle(time.Now())
	require.NoError(t, err)

	raw, err := json.Marshal(b)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"entry":[]`)
}

func TestErrorOutcome(t *testing.T) {
	o := NewErrorOutcome(IssueNotFound, "prescription rx-9 not found")
	raw, err := json.Marshal(o)
	require.NoError(t, err)
	assert.JSONEq(t, `{"resourceType":"OperationOutcome","issue":[{"severity":"error","code":"not-found","diagnostics":"prescription rx-9 not found"}]}`, string(raw))
}
