package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidCredential signals a bad signature, expired token or wrong issuer.
	ErrInvalidCredential = errors.New("invalid credential")
	// ErrInsufficientBudget signals that the ledger has no allocation left.
	ErrInsufficientBudget = errors.New("insufficient budget")
	// ErrBudgetDenied signals a terminal refresh denial; the lease will not be renewed.
	ErrBudgetDenied = fmt.Errorf("budget denied: %w", ErrInsufficientBudget)
	// ErrBudgetExceededLocally signals a fast local reject; retry after a refresh.
	ErrBudgetExceededLocally = errors.New("budget exceeded locally")
	// ErrTranslationFailed signals a broken credential invariant. Fatal for the runtime.
	ErrTranslationFailed = errors.New("translation failed")
	// ErrDependencyUnavailable signals that a dependency could not be reached.
	ErrDependencyUnavailable = errors.New("dependency unavailable")
	// ErrRequestTimeout signals a provider timeout.
	ErrRequestTimeout = errors.New("request timeout")

	// ErrSafetyRejected signals content rejected by the safety policy.
	ErrSafetyRejected = errors.New("safety rejected")
	// ErrToolForbidden signals a tool call the agent is not permitted to make.
	ErrToolForbidden = errors.New("tool forbidden")

	// ErrLeaseNotFound signals an unknown lease id.
	ErrLeaseNotFound = errors.New("lease not found")
	// ErrLeaseForbidden signals a lease owned by another agent or budget.
	ErrLeaseForbidden = errors.New("lease belongs to a different agent")
	// ErrLeaseSuperseded signals a refresh against a lease that is no longer current.
	ErrLeaseSuperseded = errors.New("lease superseded")
	// ErrBudgetNotFound signals a budget id with no allocation record.
	ErrBudgetNotFound = errors.New("budget not found")
	// ErrProviderKeyNotFound signals that no sealed key exists for the configured provider.
	ErrProviderKeyNotFound = errors.New("provider key not found")
	// ErrLeaseNotActive signals an operation on a lease that is not in a state to accept it.
	ErrLeaseNotActive = errors.New("lease not active")

	// ErrValidation signals a malformed request.
	ErrValidation = errors.New("validation failed")
)

// DependencyError wraps a dependency failure with the policy that applies to it.
type DependencyError struct {
	Dependency Dependency
	Policy     Policy
	Err        error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("%s (%s, %s): %v", ErrDependencyUnavailable.Error(), e.Dependency, e.Policy, e.Err)
}

// Is makes errors.Is(err, ErrDependencyUnavailable) hold for every DependencyError.
func (e *DependencyError) Is(target error) bool { return target == ErrDependencyUnavailable }

func (e *DependencyError) Unwrap() error { return e.Err }

// NewDependencyError wraps err for dep using the static policy table.
func NewDependencyError(dep Dependency, err error) error {
	return &DependencyError{Dependency: dep, Policy: PolicyFor(dep), Err: err}
}

// ValidationError describes a single rejected field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s %s", ErrValidation.Error(), e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NewValidationError creates a field validation error.
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
