package tracker

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/drfirst/go-emar/internal/alert"
	"github.com/drfirst/go-emar/internal/domain/medication"
)

// SideEffectInput describes an observed reaction.
type SideEffectInput struct {
	Name     string                        `json:"name"`
	Severity medication.SideEffectSeverity `json:"severity"`
	OnsetAt  *time.Time                    `json:"onset_at,omitempty"`
	Duration string                        `json:"duration,omitempty"`
	Status   medication.SideEffectStatus   `json:"status,omitempty"`
	Notes    string                        `json:"notes,omitempty"`
}

// Validate checks name, severity and status.
func (in SideEffectInput) Validate() error {
	if in.Name == "" {
		return medication.Validationf("side effect name is required")
	}
	if !in.Severity.Valid() {
		return medication.Validationf("invalid side effect severity %q", in.Severity)
	}
	if in.Status != "" && !in.Status.Valid() {
		return medication.Validationf("invalid side effect status %q", in.Status)
	}
	return nil
}

func (in SideEffectInput) build(source medication.SideEffectSource, now time.Time) medication.SideEffect {
	se := medication.SideEffect{
		ID:       uuid.NewString(),
		Name:     in.Name,
		Severity: in.Severity,
		OnsetAt:  now.UTC(),
		Duration: in.Duration,
		Status:   in.Status,
		Notes:    in.Notes,
		Source:   source,
	}
	if in.OnsetAt != nil {
		se.OnsetAt = in.OnsetAt.UTC()
	}
	if se.Status == "" {
		se.Status = medication.SideEffectActive
	}
	if se.Status == medication.SideEffectResolved {
		at := now.UTC()
		se.ResolvedAt = &at
	}
	return se
}

// sideEffectAlerts escalates severe effects as high and life-threatening
// effects as critical.
func sideEffectAlerts(a medication.Administration, effects []medication.SideEffect) []alert.Alert {
	var out []alert.Alert
	for _, se := range effects {
		if !se.Severity.RequiresEscalation() {
			continue
		}
		severity := alert.SeverityHigh
		if se.Severity == medication.SideEffectLifeThreatening {
			severity = alert.SeverityCritical
		}
		al := alert.New(alert.KindSideEffect, severity, a.SubjectID,
			fmt.Sprintf("%s side effect %q after %s", se.Severity, se.Name, a.MedicationID),
			medication.SideEffectData{AdministrationID: a.ID, PrescriptionID: a.PrescriptionID, SideEffect: se},
			se.OnsetAt)
		al.PrescriptionID = a.PrescriptionID
		al.AdministrationID = a.ID
		al.MedicationID = a.MedicationID
		out = append(out, al)
	}
	return out
}

// RecordSideEffects attaches reported reactions to an administration and
// escalates severe ones immediately.
func (t *Tracker) RecordSideEffects(ctx context.Context, administrationID string, effects []SideEffectInput) (medication.Administration, error) {
	a, alerts, _, err := t.attach(ctx, administrationID, effects, medication.SourceReported, false)
	if err != nil {
		return medication.Administration{}, err
	}
	t.raise(ctx, alerts...)
	return a, nil
}

// ObservationOutcome reports what an observation pass attached.
type ObservationOutcome struct {
	Administration medication.Administration
	Alerts         []alert.Alert
	// Suppressed is true when escalation was skipped because the
	// prescription is no longer active.
	Suppressed bool
}

// AttachObservations records effects found by a delayed observation pass.
// Escalation is suppressed when the prescription is no longer active.
func (t *Tracker) AttachObservations(ctx context.Context, administrationID string, effects []SideEffectInput) (ObservationOutcome, error) {
	a, alerts, suppressed, err := t.attach(ctx, administrationID, effects, medication.SourceObservation, true)
	if err != nil {
		return ObservationOutcome{}, err
	}
	t.raise(ctx, alerts...)
	return ObservationOutcome{Administration: a, Alerts: alerts, Suppressed: suppressed}, nil
}

func (t *Tracker) attach(ctx context.Context, administrationID string, effects []SideEffectInput, source medication.SideEffectSource, requireActive bool) (medication.Administration, []alert.Alert, bool, error) {
	if len(effects) == 0 {
		return medication.Administration{}, nil, false, medication.Validationf("at least one side effect is required")
	}
	for i, in := range effects {
		if err := in.Validate(); err != nil {
			return medication.Administration{}, nil, false, fmt.Errorf("side effect %d: %w", i, err)
		}
	}

	a, err := t.store.GetAdministration(ctx, administrationID)
	if err != nil {
		return medication.Administration{}, nil, false, err
	}
	unlock := t.locks.lock(a.SubjectID)
	defer unlock()

	if a, err = t.store.GetAdministration(ctx, administrationID); err != nil {
		return medication.Administration{}, nil, false, err
	}

	now := t.now()
	added := make([]medication.SideEffect, 0, len(effects))
	change := medication.Change{Administration: &a}
	for _, in := range effects {
		se := in.build(source, now)
		a.SideEffects = append(a.SideEffects, se)
		added = append(added, se)

		ev, err := t.newEvent(medication.AggregateAdministration, a.ID, a.SubjectID, medication.EventSideEffectRecorded,
			medication.SideEffectData{AdministrationID: a.ID, PrescriptionID: a.PrescriptionID, SideEffect: se})
		if err != nil {
			return medication.Administration{}, nil, false, err
		}
		change.Events = append(change.Events, ev)
	}

	if err := t.store.Apply(ctx, change); err != nil {
		return medication.Administration{}, nil, false, fmt.Errorf("store side effects: %w", err)
	}
	for _, se := range added {
		t.metrics.SideEffectRecorded(string(se.Severity), string(se.Source))
	}

	alerts := sideEffectAlerts(a, added)
	if requireActive && len(alerts) > 0 {
		p, err := t.store.GetPrescription(ctx, a.PrescriptionID)
		if err != nil || p.Status != medication.PrescriptionActive {
			t.logger.Info("suppressing stale side-effect escalation",
				zap.String("administration_id", a.ID),
				zap.String("prescription_id", a.PrescriptionID),
				zap.Int("alerts", len(alerts)),
				zap.Error(err))
			return a.Clone(), nil, true, nil
		}
	}

	return a.Clone(), alerts, false, nil
}

// ResolveSideEffect marks a side effect resolved. Resolving an already
// resolved effect is a no-op.
func (t *Tracker) ResolveSideEffect(ctx context.Context, administrationID, sideEffectID string) (medication.Administration, error) {
	a, err := t.store.GetAdministration(ctx, administrationID)
	if err != nil {
		return medication.Administration{}, err
	}
	unlock := t.locks.lock(a.SubjectID)
	defer unlock()

	if a, err = t.store.GetAdministration(ctx, administrationID); err != nil {
		return medication.Administration{}, err
	}

	idx := -1
	for i, se := range a.SideEffects {
		if se.ID == sideEffectID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return medication.Administration{}, medication.ErrSideEffectNotFound.With(
			"side effect %s not found on administration %s", sideEffectID, administrationID)
	}
	if a.SideEffects[idx].Status == medication.SideEffectResolved {
		return a, nil
	}

	now := t.now().UTC()
	a.SideEffects[idx].Status = medication.SideEffectResolved
	a.SideEffects[idx].ResolvedAt = &now

	ev, err := t.newEvent(medication.AggregateAdministration, a.ID, a.SubjectID, medication.EventSideEffectResolved,
		medication.SideEffectData{AdministrationID: a.ID, PrescriptionID: a.PrescriptionID, SideEffect: a.SideEffects[idx]})
	if err != nil {
		return medication.Administration{}, err
	}
	if err := t.store.Apply(ctx, medication.Change{Administration: &a, Events: []*medication.Event{ev}}); err != nil {
		return medication.Administration{}, fmt.Errorf("resolve side effect: %w", err)
	}
	return a.Clone(), nil
}

// SideEffectEntry is one side effect with the dose it followed.
type SideEffectEntry struct {
	AdministrationID string                `json:"administration_id"`
	PrescriptionID   string                `json:"prescription_id"`
	MedicationID     string                `json:"medication_id"`
	AdministeredAt   time.Time             `json:"administered_at"`
	SideEffect       medication.SideEffect `json:"side_effect"`
}

// GetSideEffectHistory returns every side effect recorded for the subject,
// oldest onset first.
func (t *Tracker) GetSideEffectHistory(ctx context.Context, subjectID string) ([]SideEffectEntry, error) {
	if subjectID == "" {
		return nil, medication.Validationf("subject id is required")
	}
	admins, err := t.store.ListAdministrations(ctx, subjectID, time.Time{}, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("list administrations for %s: %w", subjectID, err)
	}

	out := make([]SideEffectEntry, 0)
	for _, a := range admins {
		at := a.ScheduledTime
		if a.ActualTime != nil {
			at = *a.ActualTime
		}
		for _, se := range a.SideEffects {
			out = append(out, SideEffectEntry{
				AdministrationID: a.ID,
				PrescriptionID:   a.PrescriptionID,
				MedicationID:     a.MedicationID,
				AdministeredAt:   at,
				SideEffect:       se,
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].SideEffect.OnsetAt.Before(out[j].SideEffect.OnsetAt)
	})
	return out, nil
}
