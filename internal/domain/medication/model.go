// Package medication holds the medication administration record domain:
// prescriptions, administrations, side effects, schedules and the rule
// tables consulted by the safety checks.
package medication

import (
	"strings"
	"time"
)

// PrescriptionStatus is the lifecycle state of a standing prescription.
type PrescriptionStatus string

const (
	PrescriptionActive       PrescriptionStatus = "active"
	PrescriptionDiscontinued PrescriptionStatus = "discontinued"
	PrescriptionCompleted    PrescriptionStatus = "completed"
	PrescriptionOnHold       PrescriptionStatus = "on_hold"
)

// Valid reports whether s is a known prescription status.
func (s PrescriptionStatus) Valid() bool {
	switch s {
	case PrescriptionActive, PrescriptionDiscontinued, PrescriptionCompleted, PrescriptionOnHold:
		return true
	}
	return false
}

// AdministrationStatus is the state of a single dose.
type AdministrationStatus string

const (
	AdministrationScheduled    AdministrationStatus = "scheduled"
	AdministrationAdministered AdministrationStatus = "administered"
	AdministrationMissed       AdministrationStatus = "missed"
	AdministrationRefused      AdministrationStatus = "refused"
	AdministrationDelayed      AdministrationStatus = "delayed"
)

// Valid reports whether s is a known administration status.
func (s AdministrationStatus) Valid() bool {
	switch s {
	case AdministrationScheduled, AdministrationAdministered, AdministrationMissed,
		AdministrationRefused, AdministrationDelayed:
		return true
	}
	return false
}

// Terminal reports whether s is a recordable outcome. Only scheduled is not.
func (s AdministrationStatus) Terminal() bool {
	return s.Valid() && s != AdministrationScheduled
}

// ScheduleStatus summarizes a subject's day.
type ScheduleStatus string

const (
	SchedulePending    ScheduleStatus = "pending"
	ScheduleInProgress ScheduleStatus = "in_progress"
	ScheduleCompleted  ScheduleStatus = "completed"
	ScheduleOverdue    ScheduleStatus = "overdue"
)

// SideEffectSeverity grades an observed adverse reaction.
type SideEffectSeverity string

const (
	SideEffectMild            SideEffectSeverity = "mild"
	SideEffectModerate        SideEffectSeverity = "moderate"
	SideEffectSevere          SideEffectSeverity = "severe"
	SideEffectLifeThreatening SideEffectSeverity = "life_threatening"
)

// Valid reports whether s is a known side-effect severity.
func (s SideEffectSeverity) Valid() bool {
	switch s {
	case SideEffectMild, SideEffectModerate, SideEffectSevere, SideEffectLifeThreatening:
		return true
	}
	return false
}

// RequiresEscalation is true for severe and life-threatening effects.
func (s SideEffectSeverity) RequiresEscalation() bool {
	return s == SideEffectSevere || s == SideEffectLifeThreatening
}

// SideEffectStatus tracks whether an effect is still present.
type SideEffectStatus string

const (
	SideEffectActive     SideEffectStatus = "active"
	SideEffectResolved   SideEffectStatus = "resolved"
	SideEffectMonitoring SideEffectStatus = "monitoring"
)

// Valid reports whether s is a known side-effect status.
func (s SideEffectStatus) Valid() bool {
	switch s {
	case SideEffectActive, SideEffectResolved, SideEffectMonitoring:
		return true
	}
	return false
}

// SideEffectSource records how an effect entered the record.
type SideEffectSource string

const (
	SourceReported    SideEffectSource = "reported"
	SourceObservation SideEffectSource = "observation_pass"
)

// InteractionSeverity grades a drug-drug interaction rule.
type InteractionSeverity string

const (
	InteractionMinor           InteractionSeverity = "minor"
	InteractionModerate        InteractionSeverity = "moderate"
	InteractionMajor           InteractionSeverity = "major"
	InteractionContraindicated InteractionSeverity = "contraindicated"
)

// Valid reports whether s is a known interaction severity.
func (s InteractionSeverity) Valid() bool {
	switch s {
	case InteractionMinor, InteractionModerate, InteractionMajor, InteractionContraindicated:
		return true
	}
	return false
}

// AllergyType classifies an allergen.
type AllergyType string

const (
	AllergyMedication    AllergyType = "medication"
	AllergyFood          AllergyType = "food"
	AllergyEnvironmental AllergyType = "environmental"
	AllergyOther         AllergyType = "other"
)

// Valid reports whether t is a known allergy type.
func (t AllergyType) Valid() bool {
	switch t {
	case AllergyMedication, AllergyFood, AllergyEnvironmental, AllergyOther:
		return true
	}
	return false
}

// AllergySeverity is the declared severity of an allergy.
type AllergySeverity string

const (
	AllergyMild            AllergySeverity = "mild"
	AllergyModerate        AllergySeverity = "moderate"
	AllergySevere          AllergySeverity = "severe"
	AllergyLifeThreatening AllergySeverity = "life_threatening"
)

// Route is the administration route of a prescription.
type Route string

const (
	RouteOral        Route = "oral"
	RouteSublingual  Route = "sublingual"
	RouteTopical     Route = "topical"
	RouteInhalation  Route = "inhalation"
	RouteInjection   Route = "injection"
	RouteIntravenous Route = "intravenous"
	RouteRectal      Route = "rectal"
	RouteTransdermal Route = "transdermal"
	RouteOther       Route = "other"
)

// Medication is a catalog entry. Read-only to the engine.
type Medication struct {
	ID                string   `json:"id" yaml:"id"`
	Name              string   `json:"name" yaml:"name"`
	Category          string   `json:"category,omitempty" yaml:"category"`
	ActiveIngredients []string `json:"active_ingredients,omitempty" yaml:"active_ingredients"`
	AllergenTags      []string `json:"allergen_tags,omitempty" yaml:"allergen_tags"`
}

// Dosage is an amount per administration, e.g. 500 mg.
type Dosage struct {
	Amount float64 `json:"amount" yaml:"amount"`
	Unit   string  `json:"unit" yaml:"unit"`
}

// Prescription is a standing order for one subject and one medication.
type Prescription struct {
	ID                string             `json:"id" yaml:"id"`
	SubjectID         string             `json:"subject_id" yaml:"subject_id"`
	MedicationID      string             `json:"medication_id" yaml:"medication_id"`
	Dosage            Dosage             `json:"dosage" yaml:"dosage"`
	Frequency         Frequency          `json:"frequency" yaml:"frequency"`
	Route             Route              `json:"route" yaml:"route"`
	StartDate         Date               `json:"start_date" yaml:"start_date"`
	EndDate           *Date              `json:"end_date,omitempty" yaml:"end_date"`
	Status            PrescriptionStatus `json:"status" yaml:"status"`
	TotalQuantity     int                `json:"total_quantity" yaml:"total_quantity"`
	RemainingQuantity int                `json:"remaining_quantity" yaml:"remaining_quantity"`
	RefillCount       int                `json:"refill_count" yaml:"refill_count"`
	PrescribedBy      string             `json:"prescribed_by,omitempty" yaml:"prescribed_by"`
	Instructions      string             `json:"instructions,omitempty" yaml:"instructions"`
	CreatedAt         time.Time          `json:"created_at" yaml:"-"`
	UpdatedAt         time.Time          `json:"updated_at" yaml:"-"`
}

// ActiveOn reports whether the prescription is active and date falls within
// its start and optional end date, inclusive.
func (p Prescription) ActiveOn(date Date) bool {
	if p.Status != PrescriptionActive {
		return false
	}
	if date.Before(p.StartDate) {
		return false
	}
	if p.EndDate != nil && date.After(*p.EndDate) {
		return false
	}
	return true
}

// Validate checks the invariants a stored prescription must satisfy.
func (p Prescription) Validate() error {
	switch {
	case p.ID == "":
		return Validationf("prescription id is required")
	case p.SubjectID == "":
		return Validationf("prescription %s: subject id is required", p.ID)
	case p.MedicationID == "":
		return Validationf("prescription %s: medication id is required", p.ID)
	case !p.Status.Valid():
		return Validationf("prescription %s: invalid status %q", p.ID, p.Status)
	case !p.Frequency.Kind.Valid():
		return Validationf("prescription %s: invalid frequency %q", p.ID, p.Frequency.Kind)
	case p.Frequency.Kind == FrequencyCustom && len(p.Frequency.Times) == 0:
		return Validationf("prescription %s: custom frequency needs at least one time", p.ID)
	case p.TotalQuantity < 0:
		return Validationf("prescription %s: total quantity cannot be negative", p.ID)
	case p.RemainingQuantity < 0:
		return Validationf("prescription %s: remaining quantity cannot be negative", p.ID)
	case p.RemainingQuantity > p.TotalQuantity:
		return Validationf("prescription %s: remaining quantity %d exceeds total %d", p.ID, p.RemainingQuantity, p.TotalQuantity)
	case p.StartDate.IsZero():
		return Validationf("prescription %s: start date is required", p.ID)
	case p.EndDate != nil && p.EndDate.Before(p.StartDate):
		return Validationf("prescription %s: end date precedes start date", p.ID)
	}
	return nil
}

// VitalSigns captured at administration time. Zero means not measured.
type VitalSigns struct {
	SystolicBP       int     `json:"systolic_bp,omitempty"`
	DiastolicBP      int     `json:"diastolic_bp,omitempty"`
	HeartRate        int     `json:"heart_rate,omitempty"`
	RespiratoryRate  int     `json:"respiratory_rate,omitempty"`
	TemperatureC     float64 `json:"temperature_c,omitempty"`
	OxygenSaturation int     `json:"oxygen_saturation,omitempty"`
}

// SideEffect is an adverse reaction attached to an administration.
type SideEffect struct {
	ID         string             `json:"id"`
	Name       string             `json:"name"`
	Severity   SideEffectSeverity `json:"severity"`
	OnsetAt    time.Time          `json:"onset_at"`
	Duration   string             `json:"duration,omitempty"`
	Status     SideEffectStatus   `json:"status"`
	Notes      string             `json:"notes,omitempty"`
	Source     SideEffectSource   `json:"source"`
	ResolvedAt *time.Time         `json:"resolved_at,omitempty"`
}

// Administration is one recorded dose event.
type Administration struct {
	ID              string               `json:"id"`
	PrescriptionID  string               `json:"prescription_id"`
	SubjectID       string               `json:"subject_id"`
	MedicationID    string               `json:"medication_id"`
	ScheduledTime   time.Time            `json:"scheduled_time"`
	ActualTime      *time.Time           `json:"actual_time,omitempty"`
	Status          AdministrationStatus `json:"status"`
	DispensedUnits  int                  `json:"dispensed_units"`
	AdministeredBy  string               `json:"administered_by,omitempty"`
	Notes           string               `json:"notes,omitempty"`
	Vitals          *VitalSigns          `json:"vitals,omitempty"`
	Effectiveness   string               `json:"effectiveness,omitempty"`
	PatientResponse string               `json:"patient_response,omitempty"`
	SideEffects     []SideEffect         `json:"side_effects,omitempty"`
	RecordedAt      time.Time            `json:"recorded_at"`
}

// Clone returns a deep copy.
func (a Administration) Clone() Administration {
	out := a
	if a.ActualTime != nil {
		t := *a.ActualTime
		out.ActualTime = &t
	}
	if a.Vitals != nil {
		v := *a.Vitals
		out.Vitals = &v
	}
	if a.SideEffects != nil {
		out.SideEffects = make([]SideEffect, len(a.SideEffects))
		for i, se := range a.SideEffects {
			if se.ResolvedAt != nil {
				t := *se.ResolvedAt
				se.ResolvedAt = &t
			}
			out.SideEffects[i] = se
		}
	}
	return out
}

// Clone returns a deep copy.
func (p Prescription) Clone() Prescription {
	out := p
	if p.EndDate != nil {
		d := *p.EndDate
		out.EndDate = &d
	}
	out.Frequency = p.Frequency.Clone()
	return out
}

// ScheduledMedication is one slot of a subject's daily timetable.
type ScheduledMedication struct {
	PrescriptionID   string               `json:"prescription_id"`
	MedicationID     string               `json:"medication_id"`
	MedicationName   string               `json:"medication_name"`
	Dosage           Dosage               `json:"dosage"`
	Route            Route                `json:"route"`
	ScheduledTime    time.Time            `json:"scheduled_time"`
	Status           AdministrationStatus `json:"status"`
	AdministrationID string               `json:"administration_id,omitempty"`
}

// Schedule is the derived timetable for one subject and one date.
type Schedule struct {
	SubjectID    string                `json:"subject_id"`
	Date         Date                  `json:"date"`
	Timezone     string                `json:"timezone"`
	Items        []ScheduledMedication `json:"items"`
	Total        int                   `json:"total"`
	Administered int                   `json:"administered"`
	Missed       int                   `json:"missed"`
	Refused      int                   `json:"refused"`
	Delayed      int                   `json:"delayed"`
	Status       ScheduleStatus        `json:"status"`
	GeneratedAt  time.Time             `json:"generated_at"`
}

// Clone returns a deep copy.
func (s Schedule) Clone() Schedule {
	out := s
	out.Items = append([]ScheduledMedication(nil), s.Items...)
	return out
}

// Allergy is a declared allergy of a subject.
type Allergy struct {
	SubjectID string          `json:"subject_id" yaml:"subject_id"`
	Allergen  string          `json:"allergen" yaml:"allergen"`
	Type      AllergyType     `json:"type" yaml:"type"`
	Severity  AllergySeverity `json:"severity" yaml:"severity"`
	Reaction  string          `json:"reaction,omitempty" yaml:"reaction"`
	Active    bool            `json:"active" yaml:"active"`
}

// Matches reports whether the allergen names m or one of its active
// ingredients or allergen tags, compared case-insensitively as a substring.
func (a Allergy) Matches(m Medication) bool {
	allergen := strings.ToLower(strings.TrimSpace(a.Allergen))
	if allergen == "" {
		return false
	}
	if strings.Contains(strings.ToLower(m.Name), allergen) {
		return true
	}
	for _, s := range m.ActiveIngredients {
		if strings.Contains(strings.ToLower(s), allergen) {
			return true
		}
	}
	for _, s := range m.AllergenTags {
		if strings.Contains(strings.ToLower(s), allergen) {
			return true
		}
	}
	return false
}

// Interaction is a rule describing a drug-drug interaction between two medications.
type Interaction struct {
	MedicationA string              `json:"medication_a" yaml:"medication_a"`
	MedicationB string              `json:"medication_b" yaml:"medication_b"`
	Severity    InteractionSeverity `json:"severity" yaml:"severity"`
	Description string              `json:"description" yaml:"description"`
}

// PairKey returns an order-independent key for two medication ids.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}
