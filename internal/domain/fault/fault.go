// Package fault defines the error taxonomy shared by the orchestrator,
// the agents, and the deployment backend.
package fault

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error by the local action it demands.
type Kind string

const (
	// KindTransient covers network timeouts, 5xx responses, throttling and
	// lock contention. Retried with backoff, bounded by the step retry cap.
	KindTransient Kind = "transient"
	// KindSemantic covers validation gaps, missing referenced resources and
	// schema mismatches. Escalates to replanning once retries run out.
	KindSemantic Kind = "semantic"
	// KindUnrecoverable covers permission denials and exhausted quotas.
	// Fails the step immediately, no retry, no replan.
	KindUnrecoverable Kind = "unrecoverable"
	// KindValidation means the guardrails rejected the artifact.
	KindValidation Kind = "validation"
	// KindStateConflict means an operation's precondition on plan state
	// is not met.
	KindStateConflict Kind = "state_conflict"
	// KindAuditUnavailable means the audit sink stayed unreachable beyond
	// its retry budget.
	KindAuditUnavailable Kind = "audit_unavailable"
	// KindReplanBudget means replan_count hit its cap.
	KindReplanBudget Kind = "replan_budget_exhausted"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindTransient, KindSemantic, KindUnrecoverable, KindValidation,
		KindStateConflict, KindAuditUnavailable, KindReplanBudget:
		return true
	}
	return false
}

// Error carries a classified failure. The zero Kind is treated as transient
// so that unclassified infrastructure errors stay retryable.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a kind.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Newf builds a classified error from a format string.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the kind from err. Deadline and cancellation errors are
// transient; anything unclassified is transient as well, so only errors an
// adapter deliberately tagged can short-circuit the retry path.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransient
	}
	return KindTransient
}

// Retryable reports whether an error of this kind may be retried in place.
func (k Kind) Retryable() bool { return k == KindTransient }
