package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrValidation indicates malformed or non-positive input.
	ErrValidation = errors.New("validation failed")
	// ErrUnauthenticated indicates no actor is attached to the call.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrUnauthorized indicates the actor lacks the required capability.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrConflict indicates an overlapping active budget period.
	ErrConflict = errors.New("conflict")
	// ErrBudgetExceeded indicates a charge or allocation does not fit the remaining budget.
	ErrBudgetExceeded = errors.New("budget exceeded")
	// ErrInvalidReduction indicates an allocation shrink below recognized spend.
	ErrInvalidReduction = errors.New("invalid allocation reduction")
	// ErrDuplicateAllocation indicates the member already holds an allocation in the budget.
	ErrDuplicateAllocation = errors.New("duplicate allocation")
	// ErrInvalidTransition indicates an illegal status move.
	ErrInvalidTransition = errors.New("invalid status transition")
)
