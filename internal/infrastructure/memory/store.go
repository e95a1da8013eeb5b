// Package memory provides in-process implementations of the medication
// store and rule tables, used by tests, the CLI and single-node deployments.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/drfirst/go-emar/internal/domain/medication"
)

type slotKey struct {
	prescriptionID string
	scheduled      int64
}

// Store keeps all medication state in maps guarded by one RWMutex.
type Store struct {
	mu              sync.RWMutex
	prescriptions   map[string]medication.Prescription
	administrations map[string]medication.Administration
	bySlot          map[slotKey]string
	safetyChecks    []medication.SafetyCheck
	events          []*medication.Event
}

var _ medication.Store = (*Store)(nil)

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		prescriptions:   make(map[string]medication.Prescription),
		administrations: make(map[string]medication.Administration),
		bySlot:          make(map[slotKey]string),
	}
}

func keyFor(a medication.Administration) slotKey {
	return slotKey{prescriptionID: a.PrescriptionID, scheduled: a.ScheduledTime.UnixNano()}
}

func (s *Store) GetPrescription(ctx context.Context, id string) (medication.Prescription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.prescriptions[id]
	if !ok {
		return medication.Prescription{}, medication.ErrPrescriptionNotFound.With("prescription %s not found", id)
	}
	return p.Clone(), nil
}

func (s *Store) ListPrescriptions(ctx context.Context, subjectID string) ([]medication.Prescription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]medication.Prescription, 0)
	for _, p := range s.prescriptions {
		if p.SubjectID == subjectID {
			out = append(out, p.Clone())
		}
	}
	sortPrescriptions(out)
	return out, nil
}

func (s *Store) ListLowStock(ctx context.Context, threshold int) ([]medication.Prescription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]medication.Prescription, 0)
	for _, p := range s.prescriptions {
		if p.Status == medication.PrescriptionActive && p.RemainingQuantity <= threshold {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RemainingQuantity != out[j].RemainingQuantity {
			return out[i].RemainingQuantity < out[j].RemainingQuantity
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) GetAdministration(ctx context.Context, id string) (medication.Administration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.administrations[id]
	if !ok {
		return medication.Administration{}, medication.ErrAdministrationNotFound.With("administration %s not found", id)
	}
	return a.Clone(), nil
}

func (s *Store) FindAdministration(ctx context.Context, prescriptionID string, scheduledTime time.Time) (medication.Administration, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.bySlot[slotKey{prescriptionID: prescriptionID, scheduled: scheduledTime.UnixNano()}]
	if !ok {
		return medication.Administration{}, false, nil
	}
	return s.administrations[id].Clone(), true, nil
}

func (s *Store) ListAdministrations(ctx context.Context, subjectID string, from, to time.Time) ([]medication.Administration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]medication.Administration, 0)
	for _, a := range s.administrations {
		if a.SubjectID != subjectID {
			continue
		}
		if !from.IsZero() && a.ScheduledTime.Before(from) {
			continue
		}
		if !to.IsZero() && !a.ScheduledTime.Before(to) {
			continue
		}
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledTime.Equal(out[j].ScheduledTime) {
			return out[i].ScheduledTime.Before(out[j].ScheduledTime)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) ListSafetyChecks(ctx context.Context, subjectID string) ([]medication.SafetyCheck, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]medication.SafetyCheck, 0)
	for _, c := range s.safetyChecks {
		if c.SubjectID == subjectID {
			c.Findings = append([]medication.Finding(nil), c.Findings...)
			out = append(out, c)
		}
	}
	return out, nil
}

// Apply validates the whole change before writing any of it.
func (s *Store) Apply(ctx context.Context, change medication.Change) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if p := change.Prescription; p != nil {
		_, exists := s.prescriptions[p.ID]
		if change.NewPrescription && exists {
			return medication.ErrPrescriptionExists.With("prescription %s already exists", p.ID)
		}
		if !change.NewPrescription && !exists {
			return medication.ErrPrescriptionNotFound.With("prescription %s not found", p.ID)
		}
	}
	if a := change.Administration; a != nil {
		_, exists := s.administrations[a.ID]
		if change.NewAdministration {
			if exists {
				return medication.ErrAdministrationAlreadyFinalized.With("administration %s already recorded", a.ID)
			}
			if _, taken := s.bySlot[keyFor(*a)]; taken {
				return medication.ErrAdministrationAlreadyFinalized.With(
					"prescription %s already has an administration at %s", a.PrescriptionID, a.ScheduledTime.Format(time.RFC3339))
			}
		} else if !exists {
			return medication.ErrAdministrationNotFound.With("administration %s not found", a.ID)
		}
	}

	if p := change.Prescription; p != nil {
		s.prescriptions[p.ID] = p.Clone()
	}
	if a := change.Administration; a != nil {
		s.administrations[a.ID] = a.Clone()
		s.bySlot[keyFor(*a)] = a.ID
	}
	if c := change.SafetyCheck; c != nil {
		stored := *c
		stored.Findings = append([]medication.Finding(nil), c.Findings...)
		s.safetyChecks = append(s.safetyChecks, stored)
	}
	s.events = append(s.events, change.Events...)
	return nil
}

// Events returns every event applied so far, oldest first.
func (s *Store) Events() []*medication.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*medication.Event(nil), s.events...)
}

func sortPrescriptions(ps []medication.Prescription) {
	sort.Slice(ps, func(i, j int) bool {
		if !ps[i].CreatedAt.Equal(ps[j].CreatedAt) {
			return ps[i].CreatedAt.Before(ps[j].CreatedAt)
		}
		return ps[i].ID < ps[j].ID
	})
}
