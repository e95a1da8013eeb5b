package tracker

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/drfirst/go-emar/internal/domain/medication"
)

// BuildSchedule derives the subject's timetable for date from the active
// prescriptions covering it and the administrations already recorded.
func (t *Tracker) BuildSchedule(ctx context.Context, subjectID string, date medication.Date) (medication.Schedule, error) {
	if subjectID == "" {
		return medication.Schedule{}, medication.Validationf("subject id is required")
	}
	if date.IsZero() {
		return medication.Schedule{}, medication.Validationf("date is required")
	}

	ctx, span := t.tracer.Start(ctx, "tracker.build_schedule",
		trace.WithAttributes(
			attribute.String("subject_id", subjectID),
			attribute.String("date", date.String()),
		))
	defer span.End()

	unlock := t.locks.lock(subjectID)
	defer unlock()

	s, err := t.buildScheduleLocked(ctx, subjectID, date)
	if err != nil {
		span.RecordError(err)
		return medication.Schedule{}, err
	}
	return s, nil
}

// GetSchedule returns the subject's timetable for date. Schedules are
// always derived, never cached.
func (t *Tracker) GetSchedule(ctx context.Context, subjectID string, date medication.Date) (medication.Schedule, error) {
	return t.BuildSchedule(ctx, subjectID, date)
}

func (t *Tracker) buildScheduleLocked(ctx context.Context, subjectID string, date medication.Date) (medication.Schedule, error) {
	loc := t.location(ctx, subjectID)

	prescriptions, err := t.store.ListPrescriptions(ctx, subjectID)
	if err != nil {
		return medication.Schedule{}, fmt.Errorf("list prescriptions for %s: %w", subjectID, err)
	}

	s := medication.Schedule{
		SubjectID:   subjectID,
		Date:        date,
		Timezone:    loc.String(),
		Items:       []medication.ScheduledMedication{},
		GeneratedAt: t.now().UTC(),
	}

	names := make(map[string]string)
	for _, p := range prescriptions {
		if !p.ActiveOn(date) {
			continue
		}
		for _, at := range t.calc.Times(p, date, loc) {
			item := medication.ScheduledMedication{
				PrescriptionID: p.ID,
				MedicationID:   p.MedicationID,
				MedicationName: t.medicationName(ctx, names, p.MedicationID),
				Dosage:         p.Dosage,
				Route:          p.Route,
				ScheduledTime:  at,
				Status:         medication.AdministrationScheduled,
			}
			a, found, err := t.store.FindAdministration(ctx, p.ID, at)
			if err != nil {
				return medication.Schedule{}, fmt.Errorf("find administration for %s at %s: %w", p.ID, at.Format(time.RFC3339), err)
			}
			if found {
				item.Status = a.Status
				item.AdministrationID = a.ID
			}
			s.Items = append(s.Items, item)
		}
	}

	sort.SliceStable(s.Items, func(i, j int) bool {
		if !s.Items[i].ScheduledTime.Equal(s.Items[j].ScheduledTime) {
			return s.Items[i].ScheduledTime.Before(s.Items[j].ScheduledTime)
		}
		return s.Items[i].PrescriptionID < s.Items[j].PrescriptionID
	})

	summarize(&s)
	t.metrics.ScheduleBuilt()
	return s, nil
}

// summarize fills the counters and overall status: completed when every
// slot is administered (or there are none), overdue when any slot was
// missed, otherwise in progress.
func summarize(s *medication.Schedule) {
	s.Total = len(s.Items)
	s.Administered, s.Missed, s.Refused, s.Delayed = 0, 0, 0, 0
	for _, item := range s.Items {
		switch item.Status {
		case medication.AdministrationAdministered:
			s.Administered++
		case medication.AdministrationMissed:
			s.Missed++
		case medication.AdministrationRefused:
			s.Refused++
		case medication.AdministrationDelayed:
			s.Delayed++
		}
	}

	switch {
	case s.Total == 0 || s.Administered == s.Total:
		s.Status = medication.ScheduleCompleted
	case s.Missed > 0:
		s.Status = medication.ScheduleOverdue
	default:
		s.Status = medication.ScheduleInProgress
	}
}

func (t *Tracker) medicationName(ctx context.Context, cache map[string]string, id string) string {
	if name, ok := cache[id]; ok {
		return name
	}
	name := id
	if m, err := t.catalog.GetMedication(ctx, id); err == nil && m.Name != "" {
		name = m.Name
	}
	cache[id] = name
	return name
}
