package r5

import (
	"fmt"
	"time"

	"github.com/drfirst/go-emar/internal/domain/medication"
)

// MedicationAdministration represents a FHIR R5 MedicationAdministration
// resource: one recorded dose.
type MedicationAdministration struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id,omitempty"`
	Meta         *Meta        `json:"meta,omitempty"`
	Identifier   []Identifier `json:"identifier,omitempty"`

	// in-progress | not-done | on-hold | completed | entered-in-error | stopped | unknown
	Status        string            `json:"status"`
	StatusReason  []CodeableConcept `json:"statusReason,omitempty"`
	Medication    CodeableReference `json:"medication"`
	Subject       Reference         `json:"subject"`
	OccurenceTime *time.Time        `json:"occurenceDateTime,omitempty"` // R5 spells it "occurence"
	Recorded      *time.Time        `json:"recorded,omitempty"`
	Performer     []Performer       `json:"performer,omitempty"`
	Request       *Reference        `json:"request,omitempty"`
	Note          []Annotation      `json:"note,omitempty"`
	Dosage        *AdminDosage      `json:"dosage,omitempty"`
}

// Performer is who administered the dose.
type Performer struct {
	Actor CodeableReference `json:"actor"`
}

// AdminDosage is the dose actually given.
type AdminDosage struct {
	Text  string           `json:"text,omitempty"`
	Route *CodeableConcept `json:"route,omitempty"`
	Dose  *Quantity        `json:"dose,omitempty"`
}

// administrationStatus maps a dose status onto the FHIR value set. A
// delayed dose was still given; missed and refused were not.
func administrationStatus(s medication.AdministrationStatus) (string, string) {
	switch s {
	case medication.AdministrationAdministered:
		return AdminStatusCompleted, ""
	case medication.AdministrationDelayed:
		return AdminStatusCompleted, "delayed"
	case medication.AdministrationMissed:
		return AdminStatusNotDone, "missed"
	case medication.AdministrationRefused:
		return AdminStatusNotDone, "refused"
	default:
		return AdminStatusInProgress, ""
	}
}

// AdministrationContext carries what the export needs beyond the record itself.
type AdministrationContext struct {
	MedicationName string
	Dosage         medication.Dosage
	Route          medication.Route
}

// FromAdministration exports a.
func FromAdministration(a medication.Administration, c AdministrationContext) *MedicationAdministration {
	status, reason := administrationStatus(a.Status)

	out := &MedicationAdministration{
		ResourceType: "MedicationAdministration",
		ID:           a.ID,
		Identifier:   []Identifier{{System: SystemEMAR, Value: a.ID}},
		Status:       status,
		Medication:   medicationConcept(a.MedicationID, c.MedicationName),
		Subject:      subjectReference(a.SubjectID),
		Request:      &Reference{Reference: "MedicationRequest/" + a.PrescriptionID, Type: "MedicationRequest"},
	}
	if reason != "" {
		out.StatusReason = []CodeableConcept{{Text: reason}}
	}

	occurred := a.ScheduledTime.UTC()
	if a.ActualTime != nil {
		occurred = a.ActualTime.UTC()
	}
	out.OccurenceTime = &occurred
	if !a.RecordedAt.IsZero() {
		recorded := a.RecordedAt.UTC()
		out.Recorded = &recorded
		out.Meta = &Meta{LastUpdated: recorded}
	}

	if a.AdministeredBy != "" {
		out.Performer = []Performer{{Actor: CodeableReference{
			Reference: &Reference{Reference: "Practitioner/" + a.AdministeredBy},
		}}}
	}

	if status == AdminStatusCompleted {
		dosage := &AdminDosage{Dose: doseQuantity(c.Dosage)}
		if c.Dosage.Amount != 0 && a.DispensedUnits > 1 {
			dosage.Text = fmt.Sprintf("%d units", a.DispensedUnits)
		}
		if c.Route != "" {
			dosage.Route = &CodeableConcept{Text: string(c.Route)}
		}
		out.Dosage = dosage
	}

	if a.Notes != "" {
		out.Note = append(out.Note, Annotation{Text: a.Notes})
	}
	for _, se := range a.SideEffects {
		onset := se.OnsetAt.UTC()
		out.Note = append(out.Note, Annotation{
			Time: &onset,
			Text: fmt.Sprintf("side effect: %s (%s, %s)", se.Name, se.Severity, se.Status),
		})
	}
	return out
}
