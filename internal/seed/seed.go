// Package seed loads rule tables and standing prescriptions from a YAML
// fixture. Reseeding the same fixture is harmless.
package seed

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/drfirst/go-emar/internal/domain/medication"
	"github.com/drfirst/go-emar/internal/infrastructure/memory"
	"github.com/drfirst/go-emar/internal/tracker"
)

// Fixture is the document read by Load.
type Fixture struct {
	Medications   []medication.Medication  `yaml:"medications"`
	Allergies     []medication.Allergy     `yaml:"allergies"`
	Interactions  []medication.Interaction `yaml:"interactions"`
	Prescriptions []Prescription           `yaml:"prescriptions"`
}

// Prescription is a fixture prescription. Leaving remaining_quantity out
// starts it with its full total quantity.
type Prescription struct {
	tracker.PrescriptionInput
}

func (p *Prescription) UnmarshalYAML(n *yaml.Node) error {
	if err := n.Decode(&p.Prescription); err != nil {
		return err
	}
	var explicit struct {
		Remaining *int `yaml:"remaining_quantity"`
	}
	if err := n.Decode(&explicit); err != nil {
		return err
	}
	p.RemainingQuantity = explicit.Remaining
	return nil
}

// RuleWriter stores rule table entries. *postgres.RuleTables implements it;
// wrap in-memory tables with Memory.
type RuleWriter interface {
	PutMedication(ctx context.Context, m medication.Medication) error
	AddAllergy(ctx context.Context, a medication.Allergy) error
	PutInteraction(ctx context.Context, i medication.Interaction) error
}

// PrescriptionWriter adds prescriptions. *tracker.Tracker implements it, so
// seeded prescriptions are safety checked like any other.
type PrescriptionWriter interface {
	AddPrescription(ctx context.Context, in tracker.PrescriptionInput) (*tracker.AddPrescriptionResult, error)
}

// Summary counts what Apply wrote.
type Summary struct {
	Medications   int
	Allergies     int
	Interactions  int
	Prescriptions int
	// Skipped counts prescriptions that already existed.
	Skipped int
	Alerts  int
}

// Load reads and validates a fixture file.
func Load(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a fixture.
func Parse(data []byte) (*Fixture, error) {
	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks rule entries. Prescriptions are validated when added.
func (f *Fixture) Validate() error {
	for i, m := range f.Medications {
		if m.ID == "" || m.Name == "" {
			return medication.Validationf("medications[%d]: id and name are required", i)
		}
	}
	for i, a := range f.Allergies {
		if a.SubjectID == "" || a.Allergen == "" {
			return medication.Validationf("allergies[%d]: subject_id and allergen are required", i)
		}
		if !a.Type.Valid() {
			return medication.Validationf("allergies[%d]: invalid type %q", i, a.Type)
		}
	}
	for i, in := range f.Interactions {
		if in.MedicationA == "" || in.MedicationB == "" || in.MedicationA == in.MedicationB {
			return medication.Validationf("interactions[%d]: two distinct medications are required", i)
		}
		if !in.Severity.Valid() {
			return medication.Validationf("interactions[%d]: invalid severity %q", i, in.Severity)
		}
	}
	return nil
}

// Apply writes rules first so that prescriptions are checked against them.
// Prescriptions are optional; pass a nil writer to seed rules only.
func Apply(ctx context.Context, f *Fixture, rules RuleWriter, prescriptions PrescriptionWriter, logger *zap.Logger) (Summary, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var s Summary

	for _, m := range f.Medications {
		if err := rules.PutMedication(ctx, m); err != nil {
			return s, fmt.Errorf("medication %s: %w", m.ID, err)
		}
		s.Medications++
	}
	for _, a := range f.Allergies {
		if err := rules.AddAllergy(ctx, a); err != nil {
			return s, fmt.Errorf("allergy %s/%s: %w", a.SubjectID, a.Allergen, err)
		}
		s.Allergies++
	}
	for _, in := range f.Interactions {
		if err := rules.PutInteraction(ctx, in); err != nil {
			return s, fmt.Errorf("interaction %s/%s: %w", in.MedicationA, in.MedicationB, err)
		}
		s.Interactions++
	}

	if prescriptions == nil {
		return s, nil
	}
	for _, p := range f.Prescriptions {
		res, err := prescriptions.AddPrescription(ctx, p.PrescriptionInput)
		if errors.Is(err, medication.ErrPrescriptionExists) {
			s.Skipped++
			continue
		}
		if err != nil {
			return s, fmt.Errorf("prescription %s: %w", p.ID, err)
		}
		s.Prescriptions++
		s.Alerts += len(res.Alerts)
		for _, a := range res.Alerts {
			logger.Warn("seeded prescription raised an alert",
				zap.String("prescription_id", res.Prescription.ID),
				zap.String("kind", string(a.Kind)),
				zap.String("severity", string(a.Severity)),
				zap.String("message", a.Message))
		}
	}

	logger.Info("fixture applied",
		zap.Int("medications", s.Medications),
		zap.Int("allergies", s.Allergies),
		zap.Int("interactions", s.Interactions),
		zap.Int("prescriptions", s.Prescriptions),
		zap.Int("skipped", s.Skipped))
	return s, nil
}

// Memory adapts in-memory rule tables to RuleWriter.
func Memory(r *memory.RuleTables) RuleWriter { return memoryRules{r} }

type memoryRules struct{ r *memory.RuleTables }

func (m memoryRules) PutMedication(_ context.Context, med medication.Medication) error {
	m.r.PutMedication(med)
	return nil
}

func (m memoryRules) AddAllergy(_ context.Context, a medication.Allergy) error {
	m.r.AddAllergy(a)
	return nil
}

func (m memoryRules) PutInteraction(_ context.Context, i medication.Interaction) error {
	m.r.PutInteraction(i)
	return nil
}
