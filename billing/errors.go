/*
errors.go - Error taxonomy for the reconciliation engine

ERROR CATEGORIES:
  1. Validation errors  - malformed instruction, never retried
  2. Duplicate payments - conflicting check-number reuse, surfaced as a conflict
  3. Not found          - unknown line or invoice
  4. Persistence errors - transient store failures, safe to retry with the
                          same idempotency token

  Reduce and Resolve never fail: they only read validated data.

USAGE:
  if errors.Is(err, billing.ErrDuplicatePayment) { ... }

  var nf *billing.NotFoundError
  if errors.As(err, &nf) { ... }
*/
package billing

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned for instructions that can never succeed.
	ErrValidation = errors.New("validation failed")

	// ErrDuplicatePayment is returned when a check number is reused under a
	// different idempotency token.
	ErrDuplicatePayment = errors.New("duplicate payment")

	// ErrNotFound is returned for unknown lines and invoices.
	ErrNotFound = errors.New("not found")

	// ErrPersistence is returned when the store fails while reading or writing.
	ErrPersistence = errors.New("persistence failure")

	// ErrDuplicateIdempotencyKey is returned by stores when a payment token
	// already exists for the line. The engine turns it into a replay.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// DuplicatePaymentError points at the transaction that already used the check.
type DuplicatePaymentError struct {
	Line         LineKey
	Payer        Payer
	CheckNumber  string
	ExistingTxID TransactionID
}

func (e *DuplicatePaymentError) Error() string {
	return fmt.Sprintf("check %q already posted for %s on line %s (tx: %s)",
		e.CheckNumber, e.Payer, e.Line, e.ExistingTxID)
}

func (e *DuplicatePaymentError) Unwrap() error { return ErrDuplicatePayment }

type NotFoundError struct {
	Kind string // "line" or "invoice"
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %s not found", e.Kind, e.ID) }

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// PersistenceError wraps a store failure. It matches both ErrPersistence and
// the underlying cause.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }

// LineNotFound is the error stores return for a missing line.
func LineNotFound(key LineKey) error { return &NotFoundError{Kind: "line", ID: key.String()} }

// InvoiceNotFound is the error stores return for a missing document.
func InvoiceNotFound(key InvoiceKey) error {
	return &NotFoundError{Kind: "invoice", ID: key.String()}
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// persistence wraps store errors, leaving domain errors untouched.
func persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrDuplicatePayment) || errors.Is(err, ErrPersistence) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPersistence)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrDuplicatePayment)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict returns true for conflicting check-number reuse.
func IsConflict(err error) bool {
	return errors.Is(err, ErrDuplicatePayment)
}
