package medication

import "time"

// FindingKind distinguishes the two safety checks.
type FindingKind string

const (
	FindingInteraction     FindingKind = "interaction"
	FindingAllergyConflict FindingKind = "allergy_conflict"
)

// Escalation is the severity passed to the notification collaborator.
type Escalation string

const (
	EscalationNone     Escalation = ""
	EscalationHigh     Escalation = "high"
	EscalationCritical Escalation = "critical"
)

// Finding is one result of a safety check.
type Finding struct {
	Kind       FindingKind `json:"kind"`
	Escalation Escalation  `json:"escalation,omitempty"`
	// Severity is the rule's interaction severity or the allergy's declared severity.
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
	// CounterpartMedicationID is the other medication of an interaction pair.
	CounterpartMedicationID string `json:"counterpart_medication_id,omitempty"`
	// CounterpartPrescriptionID is the other active prescription of an interaction pair.
	CounterpartPrescriptionID string `json:"counterpart_prescription_id,omitempty"`
	// Allergen is the matched allergen of an allergy conflict.
	Allergen string `json:"allergen,omitempty"`
}

// Escalated reports whether the finding must be sent on as an alert.
func (f Finding) Escalated() bool { return f.Escalation != EscalationNone }

// SafetyCheck is the audit record of one checker run.
type SafetyCheck struct {
	ID               string    `json:"id"`
	SubjectID        string    `json:"subject_id"`
	PrescriptionID   string    `json:"prescription_id"`
	MedicationID     string    `json:"medication_id"`
	AdministrationID string    `json:"administration_id,omitempty"`
	Findings         []Finding `json:"findings"`
	// Degraded lists lookups that failed and were treated as no finding.
	Degraded  []string  `json:"degraded,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Escalations returns the findings that must be alerted on.
func (c SafetyCheck) Escalations() []Finding {
	var out []Finding
	for _, f := range c.Findings {
		if f.Escalated() {
			out = append(out, f)
		}
	}
	return out
}
