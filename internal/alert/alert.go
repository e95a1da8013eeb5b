// Package alert carries safety and inventory alerts from the engine to the
// notification collaborator. Delivery is at-least-once; receivers dedupe on
// Alert.ID.
package alert

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Kind names what raised the alert.
type Kind string

const (
	KindInteraction     Kind = "interaction"
	KindAllergyConflict Kind = "allergy_conflict"
	KindSideEffect      Kind = "side_effect"
	KindLowStock        Kind = "low_stock"
	KindStockExhausted  Kind = "stock_exhausted"
)

// Severity is the escalation level requested of the collaborator.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Alert is the payload handed to a Dispatcher.
type Alert struct {
	ID               string          `json:"id"`
	Kind             Kind            `json:"kind"`
	Severity         Severity        `json:"severity"`
	SubjectID        string          `json:"subject_id"`
	PrescriptionID   string          `json:"prescription_id,omitempty"`
	AdministrationID string          `json:"administration_id,omitempty"`
	MedicationID     string          `json:"medication_id,omitempty"`
	Message          string          `json:"message"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	RaisedAt         time.Time       `json:"raised_at"`
}

// New builds an alert with a fresh id. payload is marshalled to JSON; a
// marshal failure leaves Payload empty rather than losing the alert.
func New(kind Kind, severity Severity, subjectID, message string, payload any, at time.Time) Alert {
	a := Alert{
		ID:        uuid.NewString(),
		Kind:      kind,
		Severity:  severity,
		SubjectID: subjectID,
		Message:   message,
		RaisedAt:  at.UTC(),
	}
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			a.Payload = b
		}
	}
	return a
}

// Key is the partition key used by broker-backed dispatchers so one
// subject's alerts stay ordered.
func (a Alert) Key() string { return a.SubjectID }

// Dispatcher delivers an alert. Implementations may block; callers that
// must not block wrap them in a Notifier.
type Dispatcher interface {
	RaiseAlert(ctx context.Context, a Alert) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, a Alert) error

func (f DispatcherFunc) RaiseAlert(ctx context.Context, a Alert) error { return f(ctx, a) }

// Multi fans an alert out to every dispatcher, attempting all of them and
// joining their errors.
func Multi(ds ...Dispatcher) Dispatcher {
	return DispatcherFunc(func(ctx context.Context, a Alert) error {
		var errs []error
		for _, d := range ds {
			if err := d.RaiseAlert(ctx, a); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}
