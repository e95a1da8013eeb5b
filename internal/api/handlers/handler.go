// Package handlers provides HTTP handlers for the administration API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-emar/internal/api/middleware"
	"github.com/drfirst/go-emar/internal/domain/medication"
	fhir "github.com/drfirst/go-emar/internal/fhir/r5"
	"github.com/drfirst/go-emar/internal/tracker"
)

const fhirContentType = "application/fhir+json"

// Observer queues side effects for a dose's observation pass.
// *sideeffect.Monitor implements it.
type Observer interface {
	Observe(ctx context.Context, administrationID string, effects []tracker.SideEffectInput) error
}

// MedicationHandler serves the subject medication record.
type MedicationHandler struct {
	tracker  *tracker.Tracker
	observer Observer
	catalog  medication.Catalog
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewMedicationHandler creates a handler. observer may be nil when the
// side-effect monitor is disabled.
func NewMedicationHandler(t *tracker.Tracker, observer Observer, catalog medication.Catalog, logger *zap.Logger) *MedicationHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MedicationHandler{
		tracker:  t,
		observer: observer,
		catalog:  catalog,
		logger:   logger,
		tracer:   otel.Tracer("medication-handler"),
		now:      time.Now,
	}
}

// Routes returns the handler routes, to be mounted under /api/v1.
func (h *MedicationHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/subjects/{subjectID}", func(r chi.Router) {
		r.Get("/schedule", h.GetSchedule)
		r.Get("/prescriptions", h.GetPrescriptions)
		r.Get("/administrations", h.GetAdministrationHistory)
		r.Get("/side-effects", h.GetSideEffectHistory)
		r.Get("/safety-checks", h.GetSafetyChecks)
	})

	r.Route("/prescriptions", func(r chi.Router) {
		r.Post("/", h.AddPrescription)
		r.Get("/low-stock", h.GetLowStock)
		r.Put("/{id}/status", h.UpdatePrescriptionStatus)
	})

	r.Route("/administrations", func(r chi.Router) {
		r.Post("/", h.RecordAdministration)
		r.Post("/{id}/side-effects", h.RecordSideEffects)
		r.Post("/{id}/side-effects/{sideEffectID}/resolve", h.ResolveSideEffect)
		r.Post("/{id}/observations", h.Observe)
	})

	return r
}

// ErrorResponse is the JSON error body.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func wantsFHIR(r *http.Request) bool {
	return r.URL.Query().Get("format") == "fhir"
}

// fail maps an engine error onto a status code. Unclassified errors are
// logged and reported as 500 without detail.
func (h *MedicationHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, issue := http.StatusInternalServerError, "InternalError", fhir.IssueException
	message := "internal server error"

	var e *medication.Error
	if errors.As(err, &e) {
		code, message = e.Code, e.Message
		switch e.Kind {
		case medication.KindNotFound:
			status, issue = http.StatusNotFound, fhir.IssueNotFound
		case medication.KindInvalidTransition:
			status, issue = http.StatusConflict, fhir.IssueConflict
		case medication.KindValidation:
			status, issue = http.StatusBadRequest, fhir.IssueInvalid
		}
	}
	if status == http.StatusInternalServerError {
		code, message = "InternalError", "internal server error"
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
	}

	if wantsFHIR(r) {
		writeJSON(w, status, fhirContentType, fhir.NewErrorOutcome(issue, message))
		return
	}
	writeJSON(w, status, "application/json", ErrorResponse{Error: message, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, contentType string, v any) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func ok(w http.ResponseWriter, v any) {
	writeJSON(w, http.StatusOK, "application/json", v)
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return medication.Validationf("invalid request body: %v", err)
	}
	return nil
}

// parseInstant accepts RFC 3339 or a bare date, read as midnight UTC.
func parseInstant(name, raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	d, err := medication.ParseDate(raw)
	if err != nil {
		return time.Time{}, medication.Validationf("invalid %s %q: want RFC 3339 or YYYY-MM-DD", name, raw)
	}
	return d.In(time.UTC), nil
}

func parseThreshold(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, medication.Validationf("invalid threshold %q", raw)
	}
	return n, nil
}
