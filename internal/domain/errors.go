// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict (optimistic locking).
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrValidation indicates input that fails domain validation rules.
var ErrValidation = errors.New("validation")

// ErrStateConflict indicates an operation whose precondition on the plan's
// current status is not met. The plan is left untouched.
var ErrStateConflict = errors.New("state conflict")

// ErrReplanBudget indicates the plan has consumed its replanning budget.
var ErrReplanBudget = errors.New("replan budget exhausted")
