// Package safety cross-checks an administered medication against the
// subject's other active prescriptions and declared allergies.
package safety

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-emar/internal/alert"
	"github.com/drfirst/go-emar/internal/domain/medication"
	"github.com/drfirst/go-emar/internal/observability/metrics"
)

// Config holds checker settings.
type Config struct {
	// LookupTimeout bounds each rule-table call.
	LookupTimeout time.Duration `mapstructure:"lookup_timeout"`
}

// DefaultConfig returns default checker settings.
func DefaultConfig() Config {
	return Config{LookupTimeout: 2 * time.Second}
}

// Target identifies what was administered (or prescribed).
type Target struct {
	SubjectID        string
	PrescriptionID   string
	MedicationID     string
	AdministrationID string
}

// Checker runs the interaction and allergy checks. It never fails: lookup
// errors are logged and recorded as degraded, and yield no finding.
type Checker struct {
	rules   medication.RuleTables
	config  Config
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// NewChecker returns a checker over rules.
func NewChecker(rules medication.RuleTables, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = DefaultConfig().LookupTimeout
	}
	return &Checker{
		rules:   rules,
		config:  cfg,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("safety-checker"),
		now:     time.Now,
	}
}

// Check runs both checks for target. others are the subject's prescriptions;
// inactive ones and target's own prescription are ignored.
func (c *Checker) Check(ctx context.Context, target Target, others []medication.Prescription) medication.SafetyCheck {
	ctx, span := c.tracer.Start(ctx, "safety.check",
		trace.WithAttributes(
			attribute.String("subject_id", target.SubjectID),
			attribute.String("medication_id", target.MedicationID),
		))
	defer span.End()

	result := medication.SafetyCheck{
		ID:               uuid.NewString(),
		SubjectID:        target.SubjectID,
		PrescriptionID:   target.PrescriptionID,
		MedicationID:     target.MedicationID,
		AdministrationID: target.AdministrationID,
		Findings:         []medication.Finding{},
		CheckedAt:        c.now().UTC(),
	}

	interactions, degraded := c.checkInteractions(ctx, target, others)
	result.Findings = append(result.Findings, interactions...)
	result.Degraded = append(result.Degraded, degraded...)

	allergies, degraded := c.checkAllergies(ctx, target)
	result.Findings = append(result.Findings, allergies...)
	result.Degraded = append(result.Degraded, degraded...)

	for _, f := range result.Findings {
		c.metrics.SafetyFinding(string(f.Kind), string(f.Escalation))
	}
	span.SetAttributes(
		attribute.Int("findings", len(result.Findings)),
		attribute.Int("escalations", len(result.Escalations())),
	)

	c.logger.Info("safety check completed",
		zap.String("check_id", result.ID),
		zap.String("subject_id", target.SubjectID),
		zap.String("prescription_id", target.PrescriptionID),
		zap.String("administration_id", target.AdministrationID),
		zap.Int("findings", len(result.Findings)),
		zap.Int("escalations", len(result.Escalations())),
		zap.Strings("degraded", result.Degraded))

	return result
}

func (c *Checker) checkInteractions(ctx context.Context, target Target, others []medication.Prescription) ([]medication.Finding, []string) {
	var (
		findings []medication.Finding
		degraded []string
		seen     = make(map[string]bool)
	)
	for _, other := range others {
		if other.ID == target.PrescriptionID || other.Status != medication.PrescriptionActive {
			continue
		}
		if seen[other.MedicationID] {
			continue
		}
		seen[other.MedicationID] = true

		rule, ok, err := c.lookupInteraction(ctx, target.MedicationID, other.MedicationID)
		if err != nil {
			degraded = append(degraded, "interaction:"+other.MedicationID)
			c.metrics.SafetyLookupDegraded("interaction")
			c.logger.Warn("interaction lookup failed, treating as no finding",
				zap.String("medication_a", target.MedicationID),
				zap.String("medication_b", other.MedicationID),
				zap.Error(err))
			continue
		}
		if !ok {
			continue
		}

		findings = append(findings, medication.Finding{
			Kind:                      medication.FindingInteraction,
			Escalation:                interactionEscalation(rule.Severity),
			Severity:                  string(rule.Severity),
			Detail:                    rule.Description,
			CounterpartMedicationID:   other.MedicationID,
			CounterpartPrescriptionID: other.ID,
		})
	}
	return findings, degraded
}

func (c *Checker) checkAllergies(ctx context.Context, target Target) ([]medication.Finding, []string) {
	lookupCtx, cancel := context.WithTimeout(ctx, c.config.LookupTimeout)
	defer cancel()

	allergies, err := c.rules.ActiveAllergies(lookupCtx, target.SubjectID)
	if err != nil {
		c.metrics.SafetyLookupDegraded("allergy")
		c.logger.Warn("allergy lookup failed, treating as no finding",
			zap.String("subject_id", target.SubjectID), zap.Error(err))
		return nil, []string{"allergy:" + target.SubjectID}
	}

	var candidates []medication.Allergy
	for _, a := range allergies {
		if a.Active && a.Type == medication.AllergyMedication {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	med, err := c.rules.GetMedication(lookupCtx, target.MedicationID)
	if err != nil {
		c.metrics.SafetyLookupDegraded("catalog")
		c.logger.Warn("catalog lookup failed, treating as no finding",
			zap.String("medication_id", target.MedicationID), zap.Error(err))
		return nil, []string{"catalog:" + target.MedicationID}
	}

	var findings []medication.Finding
	for _, a := range candidates {
		if !a.Matches(med) {
			continue
		}
		findings = append(findings, medication.Finding{
			Kind:       medication.FindingAllergyConflict,
			Escalation: allergyEscalation(a.Severity),
			Severity:   string(a.Severity),
			Allergen:   a.Allergen,
			Detail:     fmt.Sprintf("%s matches declared allergy %q", med.Name, a.Allergen),
		})
	}
	return findings, nil
}

func (c *Checker) lookupInteraction(ctx context.Context, a, b string) (medication.Interaction, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.LookupTimeout)
	defer cancel()
	return c.rules.Lookup(ctx, a, b)
}

// interactionEscalation maps major to high and contraindicated to critical.
// Minor and moderate interactions are recorded only.
func interactionEscalation(s medication.InteractionSeverity) medication.Escalation {
	switch s {
	case medication.InteractionContraindicated:
		return medication.EscalationCritical
	case medication.InteractionMajor:
		return medication.EscalationHigh
	default:
		return medication.EscalationNone
	}
}

// allergyEscalation always escalates a textual match.
func allergyEscalation(s medication.AllergySeverity) medication.Escalation {
	switch s {
	case medication.AllergySevere, medication.AllergyLifeThreatening:
		return medication.EscalationCritical
	default:
		return medication.EscalationHigh
	}
}

// Alerts converts the escalated findings of check into alerts.
func Alerts(check medication.SafetyCheck) []alert.Alert {
	var out []alert.Alert
	for _, f := range check.Escalations() {
		kind := alert.KindInteraction
		msg := fmt.Sprintf("%s interaction between %s and %s", f.Severity, check.MedicationID, f.CounterpartMedicationID)
		if f.Kind == medication.FindingAllergyConflict {
			kind = alert.KindAllergyConflict
			msg = "allergy conflict: " + f.Detail
		}
		a := alert.New(kind, alert.Severity(f.Escalation), check.SubjectID, msg, f, check.CheckedAt)
		a.PrescriptionID = check.PrescriptionID
		a.AdministrationID = check.AdministrationID
		a.MedicationID = check.MedicationID
		out = append(out, a)
	}
	return out
}
