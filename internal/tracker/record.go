package tracker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-emar/internal/alert"
	"github.com/drfirst/go-emar/internal/domain/medication"
	"github.com/drfirst/go-emar/internal/safety"
)

// AdministrationInput is a dose outcome to record.
type AdministrationInput struct {
	PrescriptionID string                          `json:"prescription_id"`
	ScheduledTime  time.Time                       `json:"scheduled_time"`
	Status         medication.AdministrationStatus `json:"status"`
	ActualTime     *time.Time                      `json:"actual_time,omitempty"`
	// DispensedUnits is the quantity taken from stock; 0 means 1.
	DispensedUnits  int                    `json:"dispensed_units,omitempty"`
	AdministeredBy  string                 `json:"administered_by,omitempty"`
	Notes           string                 `json:"notes,omitempty"`
	Vitals          *medication.VitalSigns `json:"vitals,omitempty"`
	Effectiveness   string                 `json:"effectiveness,omitempty"`
	PatientResponse string                 `json:"patient_response,omitempty"`
	SideEffects     []SideEffectInput      `json:"side_effects,omitempty"`
}

// RecordResult is what RecordAdministration committed and derived.
type RecordResult struct {
	Administration medication.Administration `json:"administration"`
	Prescription   medication.Prescription   `json:"prescription"`
	Schedule       medication.Schedule       `json:"schedule"`
	SafetyCheck    *medication.SafetyCheck   `json:"safety_check,omitempty"`
	Alerts         []alert.Alert             `json:"alerts,omitempty"`
}

func (in AdministrationInput) validate() error {
	if in.PrescriptionID == "" {
		return medication.Validationf("prescription id is required")
	}
	if !in.Status.Valid() {
		return medication.Validationf("invalid administration status %q", in.Status)
	}
	if !in.Status.Terminal() {
		return medication.Validationf("status %q cannot be recorded; use administered, missed, refused or delayed", in.Status)
	}
	if in.DispensedUnits < 0 {
		return medication.Validationf("dispensed units must not be negative, got %d", in.DispensedUnits)
	}
	for i, se := range in.SideEffects {
		if err := se.Validate(); err != nil {
			return fmt.Errorf("side effect %d: %w", i, err)
		}
	}
	return nil
}

// RecordAdministration records the outcome of one dose and safety checks it.
// An administered dose also decrements stock (floored at zero) and is handed
// to the side-effect watcher. Each (prescription, scheduled time) slot can be
// finalized once.
func (t *Tracker) RecordAdministration(ctx context.Context, in AdministrationInput) (*RecordResult, error) {
	started := t.now()
	ctx, span := t.tracer.Start(ctx, "tracker.record_administration",
		trace.WithAttributes(
			attribute.String("prescription_id", in.PrescriptionID),
			attribute.String("status", string(in.Status)),
		))
	defer span.End()

	result, alerts, err := t.record(ctx, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	t.metrics.AdministrationRecorded(string(result.Administration.Status), t.now().Sub(started))
	t.raise(ctx, alerts...)
	result.Alerts = alerts

	if t.watcher != nil && result.Administration.Status == medication.AdministrationAdministered {
		t.watcher.Watch(result.Administration.Clone())
	}

	t.logger.Info("administration recorded",
		zap.String("administration_id", result.Administration.ID),
		zap.String("subject_id", result.Administration.SubjectID),
		zap.String("prescription_id", result.Administration.PrescriptionID),
		zap.String("status", string(result.Administration.Status)),
		zap.Int("remaining_quantity", result.Prescription.RemainingQuantity),
		zap.Int("alerts", len(alerts)))

	return result, nil
}

func (t *Tracker) record(ctx context.Context, in AdministrationInput) (*RecordResult, []alert.Alert, error) {
	if err := in.validate(); err != nil {
		return nil, nil, err
	}

	// The subject is only known from the prescription; read it once to find
	// the lock, then again under the lock.
	p, err := t.store.GetPrescription(ctx, in.PrescriptionID)
	if err != nil {
		return nil, nil, err
	}
	unlock := t.locks.lock(p.SubjectID)
	defer unlock()

	if p, err = t.store.GetPrescription(ctx, in.PrescriptionID); err != nil {
		return nil, nil, err
	}
	if p.Status != medication.PrescriptionActive {
		return nil, nil, medication.Validationf("prescription %s is %s", p.ID, p.Status)
	}

	now := t.now()
	loc := t.location(ctx, p.SubjectID)
	scheduled, err := t.resolveSlot(p, in, loc, now)
	if err != nil {
		return nil, nil, err
	}

	if existing, found, err := t.store.FindAdministration(ctx, p.ID, scheduled); err != nil {
		return nil, nil, fmt.Errorf("find administration: %w", err)
	} else if found {
		return nil, nil, medication.ErrAdministrationAlreadyFinalized.With(
			"dose of %s at %s already recorded as %s (%s)",
			p.ID, scheduled.In(loc).Format(time.RFC3339), existing.Status, existing.ID)
	}

	a := medication.Administration{
		ID:              uuid.NewString(),
		PrescriptionID:  p.ID,
		SubjectID:       p.SubjectID,
		MedicationID:    p.MedicationID,
		ScheduledTime:   scheduled,
		Status:          in.Status,
		DispensedUnits:  in.DispensedUnits,
		AdministeredBy:  in.AdministeredBy,
		Notes:           in.Notes,
		Vitals:          in.Vitals,
		Effectiveness:   in.Effectiveness,
		PatientResponse: in.PatientResponse,
		RecordedAt:      now.UTC(),
	}
	if in.ActualTime != nil {
		at := *in.ActualTime
		a.ActualTime = &at
	} else if in.Status == medication.AdministrationAdministered {
		at := now.UTC()
		a.ActualTime = &at
	}

	var alerts []alert.Alert
	change := medication.Change{Administration: &a, NewAdministration: true}

	if a.Status == medication.AdministrationAdministered {
		if a.DispensedUnits == 0 {
			a.DispensedUnits = 1
		}
		before := p.RemainingQuantity
		p.RemainingQuantity = max(0, before-a.DispensedUnits)
		p.UpdatedAt = now.UTC()
		change.Prescription = &p

		stockAlerts, ev, err := t.stockSignals(p, before)
		if err != nil {
			return nil, nil, err
		}
		alerts = append(alerts, stockAlerts...)
		if ev != nil {
			change.Events = append(change.Events, ev)
		}
	} else {
		a.DispensedUnits = 0
	}

	for _, se := range in.SideEffects {
		a.SideEffects = append(a.SideEffects, se.build(medication.SourceReported, now))
	}

	ev, err := t.newEvent(medication.AggregateAdministration, a.ID, a.SubjectID, medication.EventAdministrationRecorded,
		medication.AdministrationRecordedData{Administration: a, RemainingQuantity: p.RemainingQuantity})
	if err != nil {
		return nil, nil, err
	}
	change.Events = append(change.Events, ev)

	if err := t.store.Apply(ctx, change); err != nil {
		return nil, nil, fmt.Errorf("commit administration: %w", err)
	}
	for _, se := range a.SideEffects {
		t.metrics.SideEffectRecorded(string(se.Severity), string(se.Source))
	}
	alerts = append(alerts, sideEffectAlerts(a, a.SideEffects)...)

	result := &RecordResult{Administration: a.Clone(), Prescription: p.Clone()}

	// Past this point the dose is committed; later failures are logged, not returned.
	sched, err := t.buildScheduleLocked(ctx, p.SubjectID, medication.DateOf(scheduled.In(loc)))
	if err != nil {
		t.logger.Error("failed to rebuild schedule",
			zap.String("subject_id", p.SubjectID), zap.Error(err))
	} else {
		result.Schedule = sched
	}

	// Every recorded dose gets a checked and stored audit record, given or not.
	check, checkAlerts, err := t.runSafetyCheckLocked(ctx, safety.Target{
		SubjectID:        p.SubjectID,
		PrescriptionID:   p.ID,
		MedicationID:     p.MedicationID,
		AdministrationID: a.ID,
	})
	if err != nil {
		t.logger.Error("failed to persist safety check",
			zap.String("administration_id", a.ID), zap.Error(err))
	}
	result.SafetyCheck = &check
	alerts = append(alerts, checkAlerts...)

	return result, alerts, nil
}

// resolveSlot returns the scheduled instant the record applies to. As-needed
// prescriptions have no slots: a missing scheduled time becomes the actual
// time (or now). Scheduled prescriptions must name one of the slots the
// calculator derives for that day.
func (t *Tracker) resolveSlot(p medication.Prescription, in AdministrationInput, loc *time.Location, now time.Time) (time.Time, error) {
	if p.Frequency.Kind == medication.FrequencyAsNeeded {
		switch {
		case !in.ScheduledTime.IsZero():
			return in.ScheduledTime.UTC(), nil
		case in.ActualTime != nil:
			return in.ActualTime.UTC(), nil
		default:
			return now.UTC(), nil
		}
	}

	if in.ScheduledTime.IsZero() {
		return time.Time{}, medication.Validationf("scheduled time is required for %s prescription %s", p.Frequency.Kind, p.ID)
	}
	date := medication.DateOf(in.ScheduledTime.In(loc))
	if date.Before(p.StartDate) || (p.EndDate != nil && date.After(*p.EndDate)) {
		return time.Time{}, medication.Validationf("prescription %s does not cover %s", p.ID, date)
	}
	for _, slot := range t.calc.Times(p, date, loc) {
		if slot.Equal(in.ScheduledTime) {
			return slot.UTC(), nil
		}
	}
	return time.Time{}, medication.Validationf("%s is not a scheduled time of prescription %s",
		in.ScheduledTime.In(loc).Format(time.RFC3339), p.ID)
}

// stockSignals raises low_stock when the remaining quantity first drops to
// the threshold and stock_exhausted when it first reaches zero.
func (t *Tracker) stockSignals(p medication.Prescription, before int) ([]alert.Alert, *medication.Event, error) {
	threshold := t.config.LowStockThreshold
	after := p.RemainingQuantity
	payload := medication.StockLowData{
		PrescriptionID:    p.ID,
		MedicationID:      p.MedicationID,
		RemainingQuantity: after,
		Threshold:         threshold,
	}

	var a *alert.Alert
	switch {
	case after == 0 && before > 0:
		al := alert.New(alert.KindStockExhausted, alert.SeverityHigh, p.SubjectID,
			fmt.Sprintf("prescription %s is out of stock", p.ID), payload, t.now())
		a = &al
	case after <= threshold && before > threshold:
		al := alert.New(alert.KindLowStock, alert.SeverityMedium, p.SubjectID,
			fmt.Sprintf("prescription %s has %d units left", p.ID, after), payload, t.now())
		a = &al
	default:
		return nil, nil, nil
	}
	a.PrescriptionID = p.ID
	a.MedicationID = p.MedicationID

	ev, err := t.newEvent(medication.AggregatePrescription, p.ID, p.SubjectID, medication.EventStockLow, payload)
	if err != nil {
		return nil, nil, err
	}
	return []alert.Alert{*a}, ev, nil
}

// runSafetyCheckLocked checks target against the subject's prescriptions
// and persists the audit record.
func (t *Tracker) runSafetyCheckLocked(ctx context.Context, target safety.Target) (medication.SafetyCheck, []alert.Alert, error) {
	others, err := t.store.ListPrescriptions(ctx, target.SubjectID)
	if err != nil {
		// Without the prescription list the interaction check has nothing to
		// compare; the allergy check still runs.
		t.logger.Warn("list prescriptions for safety check failed",
			zap.String("subject_id", target.SubjectID), zap.Error(err))
		others = nil
	}

	check := t.checker.Check(ctx, target, others)
	alerts := safety.Alerts(check)

	aggregateType, aggregateID := medication.AggregatePrescription, target.PrescriptionID
	if target.AdministrationID != "" {
		aggregateType, aggregateID = medication.AggregateAdministration, target.AdministrationID
	}
	ev, err := t.newEvent(aggregateType, aggregateID, target.SubjectID, medication.EventSafetyChecked, check)
	if err != nil {
		return check, alerts, err
	}
	if err := t.store.Apply(ctx, medication.Change{SafetyCheck: &check, Events: []*medication.Event{ev}}); err != nil {
		return check, alerts, fmt.Errorf("store safety check: %w", err)
	}
	return check, alerts, nil
}
