/*
errors.go - Error taxonomy for the compliance engine

PURPOSE:
  All error kinds in one place. Every error leaving the service maps to exactly
  one Kind; storage failures that map to nothing become IntegrityViolation.

ERROR CATEGORIES:
  1. Lookup:      NotFound
  2. Access:      Forbidden, ForbiddenTransition
  3. Lifecycle:   InvalidState, InvalidSummary, IncompleteSnapshot
  4. Ledger:      InsufficientUnits
  5. Concurrency: ConcurrencyConflict (retryable)
  6. Storage:     IntegrityViolation
  7. Input:       Validation

USAGE:
  if errors.Is(err, compliance.ErrInsufficientUnits) {
      var iu *compliance.InsufficientUnitsError
      errors.As(err, &iu) // shortfall details
  }
*/
package compliance

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrNotFound            = errors.New("not found")
	ErrForbidden           = errors.New("forbidden")
	ErrForbiddenTransition = errors.New("forbidden transition")
	ErrInvalidState        = errors.New("invalid state")
	ErrInvalidSummary      = errors.New("invalid summary")
	ErrIncompleteSnapshot  = errors.New("incomplete organization snapshot")
	ErrInsufficientUnits   = errors.New("insufficient compliance units")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrIntegrityViolation  = errors.New("integrity violation")
	ErrValidation          = errors.New("validation failed")
)

// Kind is the language-neutral error class reported to callers.
type Kind string

const (
	KindNotFound            Kind = "NotFound"
	KindForbidden           Kind = "Forbidden"
	KindForbiddenTransition Kind = "ForbiddenTransition"
	KindInvalidState        Kind = "InvalidState"
	KindInvalidSummary      Kind = "InvalidSummary"
	KindIncompleteSnapshot  Kind = "IncompleteSnapshot"
	KindInsufficientUnits   Kind = "InsufficientUnits"
	KindConcurrencyConflict Kind = "ConcurrencyConflict"
	KindIntegrityViolation  Kind = "IntegrityViolation"
	KindValidation          Kind = "Validation"
)

var kindSentinels = []struct {
	kind Kind
	err  error
}{
	{KindNotFound, ErrNotFound},
	{KindForbiddenTransition, ErrForbiddenTransition},
	{KindForbidden, ErrForbidden},
	{KindInvalidState, ErrInvalidState},
	{KindInvalidSummary, ErrInvalidSummary},
	{KindIncompleteSnapshot, ErrIncompleteSnapshot},
	{KindInsufficientUnits, ErrInsufficientUnits},
	{KindConcurrencyConflict, ErrConcurrencyConflict},
	{KindValidation, ErrValidation},
	{KindIntegrityViolation, ErrIntegrityViolation},
}

// KindOf classifies err. Unknown errors are integrity violations.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for _, ks := range kindSentinels {
		if errors.Is(err, ks.err) {
			return ks.kind
		}
	}
	return KindIntegrityViolation
}

// Classify wraps errors that carry no business kind as IntegrityViolation.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != KindIntegrityViolation || errors.Is(err, ErrIntegrityViolation) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrIntegrityViolation, err)
}

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// TransitionError describes a rejected state-machine event.
type TransitionError struct {
	ReportID ReportID
	From     ReportStatus
	Event    Event
	Reason   string
	Err      error
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("cannot %s report %s in status %s", e.Event, e.ReportID, e.From)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *TransitionError) Unwrap() error { return e.Err }

// InsufficientUnitsError reports a debit the organization cannot cover.
type InsufficientUnitsError struct {
	OrganizationID OrganizationID
	Available      decimal.Decimal
	Requested      decimal.Decimal
	Shortfall      decimal.Decimal
}

func (e *InsufficientUnitsError) Error() string {
	return fmt.Sprintf("insufficient compliance units for %s: available %s, requested %s, shortfall %s",
		e.OrganizationID, e.Available, e.Requested, e.Shortfall)
}

func (e *InsufficientUnitsError) Unwrap() error { return ErrInsufficientUnits }

// IncompleteSnapshotError lists the snapshot fields that block submission.
type IncompleteSnapshotError struct {
	ReportID ReportID
	Missing  []string
}

func (e *IncompleteSnapshotError) Error() string {
	return fmt.Sprintf("organization snapshot for %s is missing: %s", e.ReportID, strings.Join(e.Missing, ", "))
}

func (e *IncompleteSnapshotError) Unwrap() error { return ErrIncompleteSnapshot }

// InvalidSummaryError carries the calculator problems behind can_sign = false.
type InvalidSummaryError struct {
	ReportID ReportID
	Problems []SummaryProblem
}

func (e *InvalidSummaryError) Error() string {
	msgs := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		msgs[i] = p.Message
	}
	return fmt.Sprintf("summary for %s cannot be signed: %s", e.ReportID, strings.Join(msgs, "; "))
}

func (e *InvalidSummaryError) Unwrap() error { return ErrInvalidSummary }

// ValidationError reports malformed input at the edges.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func notFound(what string, id any) error {
	return fmt.Errorf("%s %v: %w", what, id, ErrNotFound)
}

func forbidden(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrForbidden)
}

func invalidState(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrInvalidState)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the caller may safely re-issue the request.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// IsClientError returns true for business-rule rejections.
func IsClientError(err error) bool {
	switch KindOf(err) {
	case KindIntegrityViolation, "":
		return false
	}
	return true
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
