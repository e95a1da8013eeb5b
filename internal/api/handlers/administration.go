package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/drfirst/go-emar/internal/api/middleware"
	"github.com/drfirst/go-emar/internal/domain/medication"
	fhir "github.com/drfirst/go-emar/internal/fhir/r5"
	"github.com/drfirst/go-emar/internal/sideeffect"
	"github.com/drfirst/go-emar/internal/tracker"
)

// GetSchedule handles GET /subjects/{subjectID}/schedule?date=YYYY-MM-DD.
// Without a date it returns the schedule for today in the subject's zone.
func (h *MedicationHandler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	subjectID := chi.URLParam(r, "subjectID")
	date := h.tracker.LocalDate(r.Context(), subjectID, h.now())
	if raw := r.URL.Query().Get("date"); raw != "" {
		d, err := medication.ParseDate(raw)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		date = d
	}

	s, err := h.tracker.GetSchedule(r.Context(), subjectID, date)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, s)
}

// GetAdministrationHistory handles GET /subjects/{subjectID}/administrations?from=&to=
func (h *MedicationHandler) GetAdministrationHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	subjectID := chi.URLParam(r, "subjectID")

	from, err := parseInstant("from", r.URL.Query().Get("from"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	to, err := parseInstant("to", r.URL.Query().Get("to"))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	admins, err := h.tracker.GetAdministrationHistory(ctx, subjectID, from, to)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !wantsFHIR(r) {
		ok(w, admins)
		return
	}

	ps, err := h.tracker.GetPrescriptions(ctx, subjectID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	byID := make(map[string]medication.Prescription, len(ps))
	for _, p := range ps {
		byID[p.ID] = p
	}

	names := make(map[string]string)
	resources := make([]fhir.Resource, 0, len(admins))
	for _, a := range admins {
		c := fhir.AdministrationContext{MedicationName: h.medicationName(r, names, a.MedicationID)}
		if p, found := byID[a.PrescriptionID]; found {
			c.Dosage, c.Route = p.Dosage, p.Route
		}
		resources = append(resources, fhir.FromAdministration(a, c))
	}
	h.writeBundle(w, r, resources)
}

// GetSideEffectHistory handles GET /subjects/{subjectID}/side-effects
func (h *MedicationHandler) GetSideEffectHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := h.tracker.GetSideEffectHistory(r.Context(), chi.URLParam(r, "subjectID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, entries)
}

// RecordAdministration handles POST /administrations
func (h *MedicationHandler) RecordAdministration(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "record_administration")
	defer span.End()

	var in tracker.AdministrationInput
	if err := decode(r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	span.SetAttributes(attribute.String("prescription_id", in.PrescriptionID))

	res, err := h.tracker.RecordAdministration(ctx, in)
	if err != nil {
		span.RecordError(err)
		h.fail(w, r, err)
		return
	}

	h.logger.Info("administration accepted",
		zap.String("administration_id", res.Administration.ID),
		zap.String("request_id", middleware.GetRequestID(ctx)),
		zap.String("client_id", middleware.GetClientID(ctx)))

	writeJSON(w, http.StatusCreated, "application/json", res)
}

// SideEffectsRequest is the body of the side-effect and observation endpoints.
type SideEffectsRequest struct {
	SideEffects []tracker.SideEffectInput `json:"side_effects"`
}

// RecordSideEffects handles POST /administrations/{id}/side-effects
func (h *MedicationHandler) RecordSideEffects(w http.ResponseWriter, r *http.Request) {
	var req SideEffectsRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	a, err := h.tracker.RecordSideEffects(r.Context(), chi.URLParam(r, "id"), req.SideEffects)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, "application/json", a)
}

// ResolveSideEffect handles POST /administrations/{id}/side-effects/{sideEffectID}/resolve
func (h *MedicationHandler) ResolveSideEffect(w http.ResponseWriter, r *http.Request) {
	a, err := h.tracker.ResolveSideEffect(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "sideEffectID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, a)
}

// Observe handles POST /administrations/{id}/observations. The effects are
// attached by the dose's observation pass, so the response is 202.
func (h *MedicationHandler) Observe(w http.ResponseWriter, r *http.Request) {
	if h.observer == nil {
		writeJSON(w, http.StatusServiceUnavailable, "application/json",
			ErrorResponse{Error: "side-effect monitor is disabled", Code: "MonitorDisabled"})
		return
	}

	var req SideEffectsRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if len(req.SideEffects) == 0 {
		h.fail(w, r, medication.Validationf("at least one side effect is required"))
		return
	}

	id := chi.URLParam(r, "id")
	err := h.observer.Observe(r.Context(), id, req.SideEffects)
	if errors.Is(err, sideeffect.ErrStopped) {
		writeJSON(w, http.StatusServiceUnavailable, "application/json",
			ErrorResponse{Error: err.Error(), Code: "MonitorStopped"})
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, "application/json", map[string]any{
		"administration_id": id,
		"queued":            len(req.SideEffects),
	})
}
