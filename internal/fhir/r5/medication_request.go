package r5

import (
	"strings"
	"time"

	"github.com/drfirst/go-emar/internal/domain/medication"
)

// MedicationRequest represents a FHIR R5 MedicationRequest resource.
// A standing prescription is exported as one.
type MedicationRequest struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id,omitempty"`
	Meta         *Meta  `json:"meta,omitempty"`

	Identifier []Identifier `json:"identifier,omitempty"`

	// Status of the prescription
	Status string `json:"status"` // active | on-hold | cancelled | completed | entered-in-error | stopped | draft | unknown

	// Intent of the request
	Intent string `json:"intent"`

	// Medication being requested (R5 uses CodeableReference)
	Medication CodeableReference `json:"medication"`

	// Subject (patient) for whom the medication is prescribed
	Subject Reference `json:"subject"`

	// When request was initially authored
	AuthoredOn *time.Time `json:"authoredOn,omitempty"`

	// Who/What requested the medication
	Requester *Reference `json:"requester,omitempty"`

	Note []Annotation `json:"note,omitempty"`

	// Dosage instructions
	DosageInstruction []Dosage `json:"dosageInstruction,omitempty"`

	// Dispense request
	DispenseRequest *DispenseRequest `json:"dispenseRequest,omitempty"`
}

// DispenseRequest contains information about the requested dispensing.
type DispenseRequest struct {
	// Validity period for the prescription
	ValidityPeriod *Period `json:"validityPeriod,omitempty"`

	// Number of refills authorized
	NumberOfRepeatsAllowed int `json:"numberOfRepeatsAllowed,omitempty"`

	// Quantity per dispense
	Quantity *Quantity `json:"quantity,omitempty"`
}

// Dosage contains dosage instructions for the medication.
type Dosage struct {
	Sequence           int              `json:"sequence,omitempty"`
	Text               string           `json:"text,omitempty"`
	PatientInstruction string           `json:"patientInstruction,omitempty"`
	Timing             *Timing          `json:"timing,omitempty"`
	AsNeeded           bool             `json:"asNeeded,omitempty"`
	Route              *CodeableConcept `json:"route,omitempty"`
	DoseAndRate        []DoseAndRate    `json:"doseAndRate,omitempty"`
}

// DoseAndRate contains dose/rate information.
type DoseAndRate struct {
	DoseQuantity *Quantity `json:"doseQuantity,omitempty"`
}

// Timing contains timing information for dosage.
type Timing struct {
	Repeat *TimingRepeat    `json:"repeat,omitempty"`
	Code   *CodeableConcept `json:"code,omitempty"`
}

// TimingRepeat contains repeat details for timing.
type TimingRepeat struct {
	Frequency  int      `json:"frequency,omitempty"`
	Period     float64  `json:"period,omitempty"`
	PeriodUnit string   `json:"periodUnit,omitempty"`
	TimeOfDay  []string `json:"timeOfDay,omitempty"`
}

// requestStatus maps a prescription status onto the MedicationRequest value set.
func requestStatus(s medication.PrescriptionStatus) string {
	switch s {
	case medication.PrescriptionActive:
		return StatusActive
	case medication.PrescriptionOnHold:
		return StatusOnHold
	case medication.PrescriptionCompleted:
		return StatusCompleted
	default:
		return StatusStopped
	}
}

// timesPerDay is the FHIR repeat frequency of a fixed kind.
func timesPerDay(k medication.FrequencyKind) int {
	switch k {
	case medication.FrequencyOnceDaily:
		return 1
	case medication.FrequencyTwiceDaily:
		return 2
	case medication.FrequencyThreeTimesDaily:
		return 3
	case medication.FrequencyFourTimesDaily:
		return 4
	}
	return 0
}

// FromPrescription exports p. medicationName may be empty.
func FromPrescription(p medication.Prescription, medicationName string) *MedicationRequest {
	dosage := Dosage{
		Sequence:           1,
		Text:               strings.TrimSpace(p.Frequency.String() + " " + string(p.Route)),
		PatientInstruction: p.Instructions,
		AsNeeded:           p.Frequency.Kind == medication.FrequencyAsNeeded,
		Timing:             &Timing{Code: &CodeableConcept{Text: string(p.Frequency.Kind)}},
		DoseAndRate:        []DoseAndRate{{DoseQuantity: doseQuantity(p.Dosage)}},
	}
	switch {
	case p.Frequency.Kind == medication.FrequencyCustom:
		dosage.Timing.Repeat = &TimingRepeat{TimeOfDay: clockTimes(p.Frequency.Times)}
	case timesPerDay(p.Frequency.Kind) > 0:
		dosage.Timing.Repeat = &TimingRepeat{Frequency: timesPerDay(p.Frequency.Kind), Period: 1, PeriodUnit: "d"}
	}
	if p.Route != "" {
		dosage.Route = &CodeableConcept{Text: string(p.Route)}
	}

	start := p.StartDate.In(time.UTC)
	validity := &Period{Start: &start}
	if p.EndDate != nil {
		end := p.EndDate.In(time.UTC)
		validity.End = &end
	}

	req := &MedicationRequest{
		ResourceType:      "MedicationRequest",
		ID:                p.ID,
		Identifier:        []Identifier{{System: SystemEMAR, Value: p.ID}},
		Status:            requestStatus(p.Status),
		Intent:            IntentOrder,
		Medication:        medicationConcept(p.MedicationID, medicationName),
		Subject:           subjectReference(p.SubjectID),
		DosageInstruction: []Dosage{dosage},
	}
	req.DispenseRequest = &DispenseRequest{
		ValidityPeriod:         validity,
		NumberOfRepeatsAllowed: p.RefillCount,
		Quantity:               &Quantity{Value: float64(p.TotalQuantity), Unit: "unit"},
	}
	if !p.CreatedAt.IsZero() {
		authored := p.CreatedAt.UTC()
		req.AuthoredOn = &authored
	}
	if !p.UpdatedAt.IsZero() {
		req.Meta = &Meta{LastUpdated: p.UpdatedAt.UTC()}
	}
	if p.PrescribedBy != "" {
		req.Requester = &Reference{Reference: "Practitioner/" + p.PrescribedBy}
	}
	return req
}

// GetPatientID extracts the patient ID from the Subject reference.
func (m *MedicationRequest) GetPatientID() string {
	if m.Subject.Reference != "" {
		return extractIDFromReference(m.Subject.Reference)
	}
	return ""
}

// FHIR time-of-day values carry seconds.
func clockTimes(entries []string) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if c, err := medication.ParseClock(e); err == nil {
			out = append(out, c.String()+":00")
		}
	}
	return out
}

func doseQuantity(d medication.Dosage) *Quantity {
	if d.Amount == 0 && d.Unit == "" {
		return nil
	}
	return &Quantity{Value: d.Amount, Unit: d.Unit, System: SystemUCUM, Code: d.Unit}
}

func medicationConcept(id, name string) CodeableReference {
	text := name
	if text == "" {
		text = id
	}
	return CodeableReference{Concept: &CodeableConcept{
		Coding: []Coding{{System: SystemEMAR, Code: id, Display: name}},
		Text:   text,
	}}
}

func subjectReference(subjectID string) Reference {
	return Reference{Reference: "Patient/" + subjectID, Type: "Patient"}
}

// extractIDFromReference extracts the ID from a FHIR reference string.
func extractIDFromReference(ref string) string {
	// Handle references like "Patient/123" or "urn:uuid:123"
	for i := len(ref) - 1; i >= 0; i-- {
		if ref[i] == '/' || ref[i] == ':' {
			return ref[i+1:]
		}
	}
	return ref
}
