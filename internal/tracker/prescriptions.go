package tracker

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-emar/internal/alert"
	"github.com/drfirst/go-emar/internal/domain/medication"
	"github.com/drfirst/go-emar/internal/safety"
)

// AddPrescriptionResult is the stored prescription and the safety check run
// against the subject's existing record.
type AddPrescriptionResult struct {
	Prescription medication.Prescription `json:"prescription"`
	SafetyCheck  medication.SafetyCheck  `json:"safety_check"`
	Alerts       []alert.Alert           `json:"alerts,omitempty"`
}

// PrescriptionInput is a prescription to add. A nil RemainingQuantity starts
// the prescription with its full TotalQuantity; an explicit value, zero
// included, is kept as given.
type PrescriptionInput struct {
	medication.Prescription
	RemainingQuantity *int `json:"remaining_quantity,omitempty"`
}

// AddPrescription stores a new prescription. Custom times must all parse.
// Status defaults to active. The new medication is checked against the
// subject's allergies and active prescriptions straight away.
func (t *Tracker) AddPrescription(ctx context.Context, in PrescriptionInput) (*AddPrescriptionResult, error) {
	p := in.Prescription.Clone()
	ctx, span := t.tracer.Start(ctx, "tracker.add_prescription",
		trace.WithAttributes(
			attribute.String("subject_id", p.SubjectID),
			attribute.String("medication_id", p.MedicationID),
		))
	defer span.End()

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = medication.PrescriptionActive
	}
	p.RemainingQuantity = p.TotalQuantity
	if in.RemainingQuantity != nil {
		p.RemainingQuantity = *in.RemainingQuantity
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := p.Frequency.ValidateStrict(); err != nil {
		return nil, medication.Validationf("prescription %s: %v", p.ID, err)
	}

	unlock := t.locks.lock(p.SubjectID)
	defer unlock()

	now := t.now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now

	ev, err := t.newEvent(medication.AggregatePrescription, p.ID, p.SubjectID, medication.EventPrescriptionAdded, p)
	if err != nil {
		return nil, err
	}
	if err := t.store.Apply(ctx, medication.Change{
		Prescription:    &p,
		NewPrescription: true,
		Events:          []*medication.Event{ev},
	}); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("store prescription: %w", err)
	}

	result := &AddPrescriptionResult{Prescription: p.Clone()}
	if p.Status == medication.PrescriptionActive {
		check, alerts, err := t.runSafetyCheckLocked(ctx, safety.Target{
			SubjectID:      p.SubjectID,
			PrescriptionID: p.ID,
			MedicationID:   p.MedicationID,
		})
		if err != nil {
			t.logger.Error("failed to persist safety check",
				zap.String("prescription_id", p.ID), zap.Error(err))
		}
		result.SafetyCheck = check
		result.Alerts = alerts
		t.raise(ctx, alerts...)
	}

	t.logger.Info("prescription added",
		zap.String("prescription_id", p.ID),
		zap.String("subject_id", p.SubjectID),
		zap.String("medication_id", p.MedicationID),
		zap.String("frequency", p.Frequency.String()),
		zap.Int("alerts", len(result.Alerts)))

	return result, nil
}

// UpdatePrescriptionStatus moves a prescription between active and on_hold,
// or ends it as discontinued or completed. Ended prescriptions cannot change.
// Setting the current status again is a no-op.
func (t *Tracker) UpdatePrescriptionStatus(ctx context.Context, prescriptionID string, status medication.PrescriptionStatus) (medication.Prescription, error) {
	if !status.Valid() {
		return medication.Prescription{}, medication.Validationf("invalid prescription status %q", status)
	}

	p, err := t.store.GetPrescription(ctx, prescriptionID)
	if err != nil {
		return medication.Prescription{}, err
	}
	unlock := t.locks.lock(p.SubjectID)
	defer unlock()

	if p, err = t.store.GetPrescription(ctx, prescriptionID); err != nil {
		return medication.Prescription{}, err
	}
	if p.Status == status {
		return p, nil
	}
	if p.Status == medication.PrescriptionDiscontinued || p.Status == medication.PrescriptionCompleted {
		return medication.Prescription{}, &medication.Error{
			Kind:    medication.KindInvalidTransition,
			Code:    "PrescriptionEnded",
			Message: fmt.Sprintf("prescription %s is %s and cannot become %s", p.ID, p.Status, status),
		}
	}

	from := p.Status
	p.Status = status
	p.UpdatedAt = t.now().UTC()

	ev, err := t.newEvent(medication.AggregatePrescription, p.ID, p.SubjectID, medication.EventPrescriptionStatusChanged,
		medication.PrescriptionStatusChangedData{PrescriptionID: p.ID, From: from, To: status})
	if err != nil {
		return medication.Prescription{}, err
	}
	if err := t.store.Apply(ctx, medication.Change{Prescription: &p, Events: []*medication.Event{ev}}); err != nil {
		return medication.Prescription{}, fmt.Errorf("update prescription status: %w", err)
	}

	t.logger.Info("prescription status changed",
		zap.String("prescription_id", p.ID),
		zap.String("subject_id", p.SubjectID),
		zap.String("from", string(from)),
		zap.String("to", string(status)))
	return p.Clone(), nil
}

// GetPrescriptions returns the subject's prescriptions in every status.
func (t *Tracker) GetPrescriptions(ctx context.Context, subjectID string) ([]medication.Prescription, error) {
	if subjectID == "" {
		return nil, medication.Validationf("subject id is required")
	}
	out, err := t.store.ListPrescriptions(ctx, subjectID)
	if err != nil {
		return nil, fmt.Errorf("list prescriptions for %s: %w", subjectID, err)
	}
	return out, nil
}

// GetLowStockPrescriptions returns active prescriptions at or below
// threshold units, lowest first.
func (t *Tracker) GetLowStockPrescriptions(ctx context.Context, threshold int) ([]medication.Prescription, error) {
	if threshold < 0 {
		return nil, medication.Validationf("threshold must not be negative, got %d", threshold)
	}
	out, err := t.store.ListLowStock(ctx, threshold)
	if err != nil {
		return nil, fmt.Errorf("list low stock: %w", err)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].RemainingQuantity != out[j].RemainingQuantity {
			return out[i].RemainingQuantity < out[j].RemainingQuantity
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// SweepLowStock raises a refill reminder for every active prescription at or
// below the configured threshold and returns how many were found.
func (t *Tracker) SweepLowStock(ctx context.Context) (int, error) {
	low, err := t.GetLowStockPrescriptions(ctx, t.config.LowStockThreshold)
	if err != nil {
		return 0, err
	}
	t.metrics.SetLowStock(len(low))

	now := t.now()
	alerts := make([]alert.Alert, 0, len(low))
	for _, p := range low {
		kind, severity := alert.KindLowStock, alert.SeverityMedium
		msg := fmt.Sprintf("prescription %s has %d units left", p.ID, p.RemainingQuantity)
		if p.RemainingQuantity == 0 {
			kind, severity = alert.KindStockExhausted, alert.SeverityHigh
			msg = fmt.Sprintf("prescription %s is out of stock", p.ID)
		}
		al := alert.New(kind, severity, p.SubjectID, msg, medication.StockLowData{
			PrescriptionID:    p.ID,
			MedicationID:      p.MedicationID,
			RemainingQuantity: p.RemainingQuantity,
			Threshold:         t.config.LowStockThreshold,
		}, now)
		al.PrescriptionID = p.ID
		al.MedicationID = p.MedicationID
		alerts = append(alerts, al)
	}
	t.raise(ctx, alerts...)

	t.logger.Info("low stock sweep finished",
		zap.Int("threshold", t.config.LowStockThreshold),
		zap.Int("prescriptions", len(low)))
	return len(low), nil
}

// GetAdministrationHistory returns the subject's administrations scheduled
// in [from, to), oldest first. Zero bounds are open.
func (t *Tracker) GetAdministrationHistory(ctx context.Context, subjectID string, from, to time.Time) ([]medication.Administration, error) {
	if subjectID == "" {
		return nil, medication.Validationf("subject id is required")
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return nil, medication.Validationf("range end %s precedes start %s",
			to.Format(time.RFC3339), from.Format(time.RFC3339))
	}
	out, err := t.store.ListAdministrations(ctx, subjectID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list administrations for %s: %w", subjectID, err)
	}
	return out, nil
}

// GetSafetyChecks returns the safety audit trail of a subject.
func (t *Tracker) GetSafetyChecks(ctx context.Context, subjectID string) ([]medication.SafetyCheck, error) {
	if subjectID == "" {
		return nil, medication.Validationf("subject id is required")
	}
	out, err := t.store.ListSafetyChecks(ctx, subjectID)
	if err != nil {
		return nil, fmt.Errorf("list safety checks for %s: %w", subjectID, err)
	}
	return out, nil
}
