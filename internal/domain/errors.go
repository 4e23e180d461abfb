// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrValidation indicates a request failed input validation.
var ErrValidation = errors.New("validation failed")

// ErrBudgetExceeded indicates a pre-call check denied the request.
// The denial details travel alongside this error in budget.Denial.
var ErrBudgetExceeded = errors.New("budget exceeded")

// ErrDuplicateRecord indicates a cost record with the same request ID was
// already persisted. Callers treat it as a successful no-op.
var ErrDuplicateRecord = errors.New("duplicate cost record")
