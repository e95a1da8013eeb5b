package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/drfirst/go-emar/internal/api/middleware"
	"github.com/drfirst/go-emar/internal/domain/medication"
	fhir "github.com/drfirst/go-emar/internal/fhir/r5"
	"github.com/drfirst/go-emar/internal/tracker"
)

// AddPrescription handles POST /prescriptions
func (h *MedicationHandler) AddPrescription(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "add_prescription")
	defer span.End()

	var in tracker.PrescriptionInput
	if err := decode(r, &in); err != nil {
		h.fail(w, r, err)
		return
	}

	res, err := h.tracker.AddPrescription(ctx, in)
	if err != nil {
		span.RecordError(err)
		h.fail(w, r, err)
		return
	}
	span.SetAttributes(attribute.String("prescription_id", res.Prescription.ID))

	h.logger.Info("prescription created",
		zap.String("id", res.Prescription.ID),
		zap.String("request_id", middleware.GetRequestID(ctx)),
		zap.String("client_id", middleware.GetClientID(ctx)),
		zap.Int("alerts", len(res.Alerts)))

	writeJSON(w, http.StatusCreated, "application/json", res)
}

// StatusRequest is the body of PUT /prescriptions/{id}/status.
type StatusRequest struct {
	Status medication.PrescriptionStatus `json:"status"`
}

// UpdatePrescriptionStatus handles PUT /prescriptions/{id}/status
func (h *MedicationHandler) UpdatePrescriptionStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req StatusRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	p, err := h.tracker.UpdatePrescriptionStatus(r.Context(), id, req.Status)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, p)
}

// GetPrescriptions handles GET /subjects/{subjectID}/prescriptions
func (h *MedicationHandler) GetPrescriptions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ps, err := h.tracker.GetPrescriptions(ctx, chi.URLParam(r, "subjectID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	if !wantsFHIR(r) {
		ok(w, ps)
		return
	}
	names := make(map[string]string)
	resources := make([]fhir.Resource, 0, len(ps))
	for _, p := range ps {
		resources = append(resources, fhir.FromPrescription(p, h.medicationName(r, names, p.MedicationID)))
	}
	h.writeBundle(w, r, resources)
}

// GetLowStock handles GET /prescriptions/low-stock
func (h *MedicationHandler) GetLowStock(w http.ResponseWriter, r *http.Request) {
	threshold, err := parseThreshold(r.URL.Query().Get("threshold"), h.tracker.LowStockThreshold())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ps, err := h.tracker.GetLowStockPrescriptions(r.Context(), threshold)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, ps)
}

// GetSafetyChecks handles GET /subjects/{subjectID}/safety-checks
func (h *MedicationHandler) GetSafetyChecks(w http.ResponseWriter, r *http.Request) {
	checks, err := h.tracker.GetSafetyChecks(r.Context(), chi.URLParam(r, "subjectID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, checks)
}

// medicationName resolves a display name through the catalog. A miss
// leaves the name empty; the export falls back to the id.
func (h *MedicationHandler) medicationName(r *http.Request, cache map[string]string, id string) string {
	if name, ok := cache[id]; ok {
		return name
	}
	var name string
	if h.catalog != nil {
		if m, err := h.catalog.GetMedication(r.Context(), id); err == nil {
			name = m.Name
		}
	}
	cache[id] = name
	return name
}

func (h *MedicationHandler) writeBundle(w http.ResponseWriter, r *http.Request, resources []fhir.Resource) {
	b, err := fhir.NewSearchBundle(h.now(), resources...)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fhirContentType, b)
}
