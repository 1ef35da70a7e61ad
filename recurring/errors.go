/*
errors.go - Centralized error types for the recurring engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers classify failures with errors.Is against the sentinels and pull
  retry context (task, client, period) out of the structured types with
  errors.As.

ERROR CATEGORIES:
  1. Validation    - Malformed input, missing ARN, bad dates. Never retried.
  2. Not found     - Unknown task, client or completion record. Terminal.
  3. Permission    - Role or assignment does not allow the operation.
  4. Partial       - Some items of a batch or fan-out failed.
  5. Dependency    - An external collaborator failed. Retryable.

SEE ALSO:
  - api/handlers.go: Maps these errors to HTTP status codes
*/
package recurring

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned for malformed input.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned when a referenced task, client or record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrPermissionDenied is returned when the principal may not perform the operation.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrPartialFailure marks a single failed item of a batch or fan-out.
	ErrPartialFailure = errors.New("partial failure")

	// ErrDependency is returned when an external collaborator fails.
	ErrDependency = errors.New("dependency failed")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NotFoundError names what was looked up.
type NotFoundError struct {
	Kind string // "task", "client", "completion"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// PermissionError names the denied action.
type PermissionError struct {
	SubjectID string
	Role      Role
	Action    string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("permission denied: %s (%s) may not %s", e.SubjectID, e.Role, e.Action)
}

func (e *PermissionError) Unwrap() error { return ErrPermissionDenied }

// DependencyError wraps a failure of an external collaborator.
type DependencyError struct {
	Collaborator string // "store", "profiles", "teams", "clients", "roster"
	Err          error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Collaborator, e.Err)
}

// Unwrap exposes both the sentinel and the underlying cause.
func (e *DependencyError) Unwrap() []error { return []error{ErrDependency, e.Err} }

// ItemError is the outcome of one failed item in a batch or fan-out.
// It carries enough context to retry by hand.
type ItemError struct {
	TaskID     TaskID
	ClientID   ClientID
	PeriodKey  string
	EmployeeID string // set for visit emission
	Err        error
}

func (e *ItemError) Error() string {
	if e.EmployeeID != "" {
		return fmt.Sprintf("task %s employee %s client %s period %s: %v", e.TaskID, e.EmployeeID, e.ClientID, e.PeriodKey, e.Err)
	}
	return fmt.Sprintf("task %s client %s period %s: %v", e.TaskID, e.ClientID, e.PeriodKey, e.Err)
}

func (e *ItemError) Unwrap() []error { return []error{ErrPartialFailure, e.Err} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrDependency)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func taskNotFound(id TaskID) error {
	return &NotFoundError{Kind: "task", ID: string(id)}
}

func storeErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrDependency) {
		return err
	}
	return &DependencyError{Collaborator: "store", Err: err}
}
