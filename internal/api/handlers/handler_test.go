package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-emar/internal/alert"
	"github.com/drfirst/go-emar/internal/domain/medication"
	fhir "github.com/drfirst/go-emar/internal/fhir/r5"
	"github.com/drfirst/go-emar/internal/infrastructure/memory"
	"github.com/drfirst/go-emar/internal/safety"
	"github.com/drfirst/go-emar/internal/tracker"
)

type stubObserver struct {
	id      string
	effects []tracker.SideEffectInput
	err     error
}

func (s *stubObserver) Observe(ctx context.Context, administrationID string, effects []tracker.SideEffectInput) error {
	s.id, s.effects = administrationID, effects
	return s.err
}

type apiFixture struct {
	server   *httptest.Server
	recorder *alert.Recorder
	observer *stubObserver
}

func newAPI(t *testing.T) *apiFixture {
	t.Helper()
	return newAPIAt(t, nil, time.Date(2024, time.June, 1, 7, 0, 0, 0, time.UTC))
}

func newAPIAt(t *testing.T, zones tracker.TimezoneResolver, now time.Time) *apiFixture {
	t.Helper()

	rules := memory.NewRuleTables()
	rules.PutMedication(medication.Medication{ID: "warfarin", Name: "Warfarin"})
	rules.PutMedication(medication.Medication{ID: "aspirin", Name: "Aspirin"})
	rules.PutInteraction(medication.Interaction{
		MedicationA: "warfarin", MedicationB: "aspirin",
		Severity: medication.InteractionMajor, Description: "bleeding risk",
	})
	recorder := alert.NewRecorder()

	tr, err := tracker.New(tracker.Config{LowStockThreshold: 2}, tracker.Deps{
		Store:   memory.NewStore(),
		Catalog: rules,
		Checker: safety.NewChecker(rules, safety.DefaultConfig(), nil, nil),
		Alerts:  recorder,
		Zones:   zones,
	})
	require.NoError(t, err)

	observer := &stubObserver{}
	h := NewMedicationHandler(tr, observer, rules, nil)
	h.now = func() time.Time { return now }

	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)
	return &apiFixture{server: srv, recorder: recorder, observer: observer}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.server.URL+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (f *apiFixture) addPrescription(t *testing.T, id, medID, freq string, total int) {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/prescriptions", map[string]any{
		"id":             id,
		"subject_id":     "subj-1",
		"medication_id":  medID,
		"dosage":         map[string]any{"amount": 5, "unit": "mg"},
		"frequency":      freq,
		"route":          "oral",
		"start_date":     "2024-06-01",
		"total_quantity": total,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestAddPrescriptionRunsSafetyCheck(t *testing.T) {
	f := newAPI(t)
	f.addPrescription(t, "rx-w", "warfarin", "twice_daily", 10)

	resp := f.do(t, http.MethodPost, "/prescriptions", map[string]any{
		"id": "rx-a", "subject_id": "subj-1", "medication_id": "aspirin",
		"frequency": "once_daily", "start_date": "2024-06-01", "total_quantity": 30,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	res := decodeBody[tracker.AddPrescriptionResult](t, resp)
	assert.Equal(t, 30, res.Prescription.RemainingQuantity)
	assert.Equal(t, medication.PrescriptionActive, res.Prescription.Status)
	require.Len(t, res.Alerts, 1)
	assert.Equal(t, alert.KindInteraction, res.Alerts[0].Kind)
	assert.Equal(t, alert.SeverityHigh, res.Alerts[0].Severity)
}

func TestAddPrescriptionRejectsBadFrequency(t *testing.T) {
	f := newAPI(t)
	resp := f.do(t, http.MethodPost, "/prescriptions", map[string]any{
		"id": "rx-1", "subject_id": "subj-1", "medication_id": "aspirin",
		"frequency": "custom:25:00", "start_date": "2024-06-01",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeBody[ErrorResponse](t, resp)
	assert.Equal(t, "ValidationError", body.Code)
}

func TestAddPrescriptionQuantities(t *testing.T) {
	f := newAPI(t)

	resp := f.do(t, http.MethodPost, "/prescriptions", map[string]any{
		"id": "rx-over", "subject_id": "subj-1", "medication_id": "aspirin",
		"frequency": "once_daily", "start_date": "2024-06-01",
		"total_quantity": 30, "remaining_quantity": 500,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/prescriptions", map[string]any{
		"id": "rx-empty", "subject_id": "subj-1", "medication_id": "aspirin",
		"frequency": "once_daily", "start_date": "2024-06-01",
		"total_quantity": 30, "remaining_quantity": 0,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	res := decodeBody[tracker.AddPrescriptionResult](t, resp)
	assert.Equal(t, 0, res.Prescription.RemainingQuantity)
}

func TestScheduleDefaultsToSubjectsToday(t *testing.T) {
	zones, err := tracker.NewZones("Pacific/Auckland")
	require.NoError(t, err)
	// 20:00 UTC on June 1 is already the morning of June 2 in Auckland.
	f := newAPIAt(t, zones, time.Date(2024, time.June, 1, 20, 0, 0, 0, time.UTC))
	f.addPrescription(t, "rx-w", "warfarin", "once_daily", 10)

	resp := f.do(t, http.MethodGet, "/subjects/subj-1/schedule", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sched := decodeBody[medication.Schedule](t, resp)
	assert.Equal(t, medication.NewDate(2024, time.June, 2), sched.Date)
	assert.Equal(t, "Pacific/Auckland", sched.Timezone)
	assert.Len(t, sched.Items, 1)
}

func TestScheduleAndRecord(t *testing.T) {
	f := newAPI(t)
	f.addPrescription(t, "rx-w", "warfarin", "twice_daily", 3)

	resp := f.do(t, http.MethodGet, "/subjects/subj-1/schedule?date=2024-06-01", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sched := decodeBody[medication.Schedule](t, resp)
	require.Len(t, sched.Items, 2)
	assert.Equal(t, medication.ScheduleInProgress, sched.Status)
	assert.Equal(t, "Warfarin", sched.Items[0].MedicationName)

	nine := time.Date(2024, time.June, 1, 9, 0, 0, 0, time.UTC)
	resp = f.do(t, http.MethodPost, "/administrations", map[string]any{
		"prescription_id": "rx-w",
		"scheduled_time":  nine,
		"status":          "administered",
		"administered_by": "nurse-1",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	res := decodeBody[tracker.RecordResult](t, resp)
	assert.Equal(t, 2, res.Prescription.RemainingQuantity)
	assert.Equal(t, 1, res.Schedule.Administered)
	assert.Equal(t, medication.ScheduleInProgress, res.Schedule.Status)
	require.Len(t, res.Alerts, 1)
	assert.Equal(t, alert.KindLowStock, res.Alerts[0].Kind)

	// Same slot again.
	resp = f.do(t, http.MethodPost, "/administrations", map[string]any{
		"prescription_id": "rx-w",
		"scheduled_time":  nine,
		"status":          "missed",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "AdministrationAlreadyFinalized", decodeBody[ErrorResponse](t, resp).Code)
}

func TestRecordUnknownPrescription(t *testing.T) {
	f := newAPI(t)
	resp := f.do(t, http.MethodPost, "/administrations?format=fhir", map[string]any{
		"prescription_id": "rx-missing",
		"scheduled_time":  time.Date(2024, time.June, 1, 9, 0, 0, 0, time.UTC),
		"status":          "administered",
	})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "application/fhir+json", resp.Header.Get("Content-Type"))

	outcome := decodeBody[fhir.OperationOutcome](t, resp)
	require.Len(t, outcome.Issue, 1)
	assert.Equal(t, fhir.IssueNotFound, outcome.Issue[0].Code)
}

func TestAdministrationHistoryFHIR(t *testing.T) {
	f := newAPI(t)
	f.addPrescription(t, "rx-w", "warfarin", "once_daily", 10)

	resp := f.do(t, http.MethodPost, "/administrations", map[string]any{
		"prescription_id": "rx-w",
		"scheduled_time":  time.Date(2024, time.June, 1, 9, 0, 0, 0, time.UTC),
		"status":          "refused",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/subjects/subj-1/administrations?from=2024-06-01&to=2024-06-02", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	admins := decodeBody[[]medication.Administration](t, resp)
	require.Len(t, admins, 1)
	assert.Equal(t, medication.AdministrationRefused, admins[0].Status)

	resp = f.do(t, http.MethodGet, "/subjects/subj-1/administrations?format=fhir", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	bundle := decodeBody[fhir.Bundle](t, resp)
	require.Equal(t, 1, bundle.Total)

	var ma fhir.MedicationAdministration
	require.NoError(t, json.Unmarshal(bundle.Entry[0].Resource, &ma))
	assert.Equal(t, fhir.AdminStatusNotDone, ma.Status)
	assert.Equal(t, "Warfarin", ma.Medication.Concept.Text)

	resp = f.do(t, http.MethodGet, "/subjects/subj-1/administrations?from=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPrescriptionsFHIR(t *testing.T) {
	f := newAPI(t)
	f.addPrescription(t, "rx-w", "warfarin", "twice_daily", 10)

	resp := f.do(t, http.MethodGet, "/subjects/subj-1/prescriptions?format=fhir", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	bundle := decodeBody[fhir.Bundle](t, resp)
	require.Len(t, bundle.Entry, 1)
	assert.Equal(t, "MedicationRequest/rx-w", bundle.Entry[0].FullURL)
}

func TestSideEffectLifecycle(t *testing.T) {
	f := newAPI(t)
	f.addPrescription(t, "rx-w", "warfarin", "once_daily", 10)

	resp := f.do(t, http.MethodPost, "/administrations", map[string]any{
		"prescription_id": "rx-w",
		"scheduled_time":  time.Date(2024, time.June, 1, 9, 0, 0, 0, time.UTC),
		"status":          "administered",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	adminID := decodeBody[tracker.RecordResult](t, resp).Administration.ID

	resp = f.do(t, http.MethodPost, "/administrations/"+adminID+"/side-effects", SideEffectsRequest{
		SideEffects: []tracker.SideEffectInput{{Name: "bruising", Severity: medication.SideEffectSevere}},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	a := decodeBody[medication.Administration](t, resp)
	require.Len(t, a.SideEffects, 1)
	assert.NotEmpty(t, f.recorder.OfKind(alert.KindSideEffect))

	seID := a.SideEffects[0].ID
	resp = f.do(t, http.MethodPost, "/administrations/"+adminID+"/side-effects/"+seID+"/resolve", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	a = decodeBody[medication.Administration](t, resp)
	assert.Equal(t, medication.SideEffectResolved, a.SideEffects[0].Status)

	resp = f.do(t, http.MethodGet, "/subjects/subj-1/side-effects", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entries := decodeBody[[]tracker.SideEffectEntry](t, resp)
	require.Len(t, entries, 1)
	assert.Equal(t, adminID, entries[0].AdministrationID)

	resp = f.do(t, http.MethodPost, "/administrations/"+adminID+"/side-effects/nope/resolve", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestObserveQueuesEffects(t *testing.T) {
	f := newAPI(t)

	resp := f.do(t, http.MethodPost, "/administrations/adm-1/observations", SideEffectsRequest{
		SideEffects: []tracker.SideEffectInput{{Name: "rash", Severity: medication.SideEffectMild}},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "adm-1", f.observer.id)
	assert.Len(t, f.observer.effects, 1)

	resp = f.do(t, http.MethodPost, "/administrations/adm-1/observations", SideEffectsRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUpdateStatusAndLowStock(t *testing.T) {
	f := newAPI(t)
	f.addPrescription(t, "rx-w", "warfarin", "once_daily", 2)
	f.addPrescription(t, "rx-a", "aspirin", "once_daily", 20)

	resp := f.do(t, http.MethodGet, "/prescriptions/low-stock", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	low := decodeBody[[]medication.Prescription](t, resp)
	require.Len(t, low, 1)
	assert.Equal(t, "rx-w", low[0].ID)

	resp = f.do(t, http.MethodGet, "/prescriptions/low-stock?threshold=50", nil)
	assert.Len(t, decodeBody[[]medication.Prescription](t, resp), 2)

	resp = f.do(t, http.MethodPut, "/prescriptions/rx-w/status", StatusRequest{Status: medication.PrescriptionDiscontinued})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, medication.PrescriptionDiscontinued, decodeBody[medication.Prescription](t, resp).Status)

	resp = f.do(t, http.MethodPut, "/prescriptions/rx-w/status", StatusRequest{Status: medication.PrescriptionActive})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = f.do(t, http.MethodPut, "/prescriptions/rx-w/status", StatusRequest{Status: "paused"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/prescriptions/low-stock?threshold=x", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
