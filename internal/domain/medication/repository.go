package medication

import (
	"context"
	"time"
)

// Change is one atomic unit of persisted state. Every non-nil part is
// written together or not at all.
type Change struct {
	Prescription   *Prescription
	Administration *Administration
	SafetyCheck    *SafetyCheck
	Events         []*Event
	// NewPrescription marks Prescription as an insert rather than an update.
	NewPrescription bool
	// NewAdministration marks Administration as an insert rather than an update.
	NewAdministration bool
}

// Store persists subject medication state. Implementations need not
// serialize per subject; the tracker does.
type Store interface {
	GetPrescription(ctx context.Context, id string) (Prescription, error)
	ListPrescriptions(ctx context.Context, subjectID string) ([]Prescription, error)
	// ListLowStock returns active prescriptions whose remaining quantity is at or below threshold.
	ListLowStock(ctx context.Context, threshold int) ([]Prescription, error)

	GetAdministration(ctx context.Context, id string) (Administration, error)
	// FindAdministration returns the administration for a dose slot, if any.
	FindAdministration(ctx context.Context, prescriptionID string, scheduledTime time.Time) (Administration, bool, error)
	// ListAdministrations returns a subject's administrations whose scheduled
	// time falls in [from, to). Zero bounds are open.
	ListAdministrations(ctx context.Context, subjectID string, from, to time.Time) ([]Administration, error)

	ListSafetyChecks(ctx context.Context, subjectID string) ([]SafetyCheck, error)

	Apply(ctx context.Context, change Change) error
}

// Catalog looks up medications by id. A miss returns ErrMedicationNotFound.
type Catalog interface {
	GetMedication(ctx context.Context, id string) (Medication, error)
}

// AllergyRegistry returns a subject's active allergies.
type AllergyRegistry interface {
	ActiveAllergies(ctx context.Context, subjectID string) ([]Allergy, error)
}

// InteractionTable looks up the rule for a medication pair in either order.
type InteractionTable interface {
	Lookup(ctx context.Context, medicationA, medicationB string) (Interaction, bool, error)
}

// RuleTables bundles the read-only collaborators consulted by safety checks.
type RuleTables interface {
	Catalog
	AllergyRegistry
	InteractionTable
}
