package medication

import (
	"errors"
	"fmt"
)

// Kind classifies engine errors for callers that map them onto a transport.
type Kind string

const (
	KindNotFound          Kind = "not_found"
	KindInvalidTransition Kind = "invalid_transition"
	KindValidation        Kind = "validation"
)

// Error is the engine's error type.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches another *Error by code, so sentinels work with errors.Is even
// after With has attached detail.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// With returns a copy of e carrying a more specific message.
func (e *Error) With(format string, args ...any) *Error {
	out := *e
	out.Message = fmt.Sprintf(format, args...)
	return &out
}

var (
	// ErrPrescriptionNotFound is returned for an unknown prescription id.
	ErrPrescriptionNotFound = &Error{Kind: KindNotFound, Code: "PrescriptionNotFound", Message: "prescription not found"}

	// ErrAdministrationNotFound is returned for an unknown administration id.
	ErrAdministrationNotFound = &Error{Kind: KindNotFound, Code: "AdministrationNotFound", Message: "administration not found"}

	// ErrSideEffectNotFound is returned for an unknown side-effect id.
	ErrSideEffectNotFound = &Error{Kind: KindNotFound, Code: "SideEffectNotFound", Message: "side effect not found"}

	// ErrMedicationNotFound is returned when the catalog has no such medication.
	ErrMedicationNotFound = &Error{Kind: KindNotFound, Code: "MedicationNotFound", Message: "medication not found"}

	// ErrAdministrationAlreadyFinalized is returned when a dose slot already has a terminal status.
	ErrAdministrationAlreadyFinalized = &Error{
		Kind:    KindInvalidTransition,
		Code:    "AdministrationAlreadyFinalized",
		Message: "administration already finalized",
	}

	// ErrPrescriptionExists is returned when adding a prescription id twice.
	ErrPrescriptionExists = &Error{Kind: KindInvalidTransition, Code: "PrescriptionExists", Message: "prescription already exists"}
)

// Validationf builds a ValidationError.
func Validationf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Code: "ValidationError", Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the Kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsNotFound reports whether err is a NotFound error.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsInvalidTransition reports whether err is an InvalidTransition error.
func IsInvalidTransition(err error) bool { return KindOf(err) == KindInvalidTransition }

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool { return KindOf(err) == KindValidation }
