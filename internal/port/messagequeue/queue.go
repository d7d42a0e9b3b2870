// Package messagequeue defines the message queue port (interface).
package messagequeue

import "context"

// Handler processes a message received from the queue.
// The context carries request-scoped values such as the request ID.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue is the port interface for publishing and subscribing to messages.
type Queue interface {
	// Publish sends a message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// The returned function cancels the subscription.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Drain gracefully drains all subscriptions before closing.
	// Pending messages are processed; no new messages are accepted.
	Drain() error

	// Close shuts down the queue connection immediately.
	Close() error

	// IsConnected reports whether the queue is currently connected.
	IsConnected() bool
}

// Subject constants for NATS subjects used by the orchestrator.
const (
	SubjectPlanCreated = "plans.created" // a new plan was submitted
	SubjectPlanStatus  = "plans.status"  // plan lifecycle transition
	SubjectPlanStep    = "plans.step"    // plans.step.{plan_id}, step progress for one plan
	SubjectPlanAudit   = "plans.audit"   // audit trail relay

	SubjectApprovalRequested = "approvals.requested" // plan is waiting on a human decision
	SubjectApprovalDecided   = "approvals.decided"   // a human approved or rejected a plan
	SubjectApprovalSubmit    = "approvals.submit"    // decision ingress from external integrations
)
