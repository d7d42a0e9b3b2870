// Package audit defines the immutable records written for every plan
// transition. Delivery is at-least-once; consumers deduplicate by
// (plan_id, timestamp, event_type).
package audit

import (
	"errors"
	"fmt"
	"time"
)

// EventType identifies the kind of plan transition a record captures.
type EventType string

const (
	EventIntentSubmitted   EventType = "intent_submitted"
	EventValidationPassed  EventType = "validation_passed"
	EventValidationFailed  EventType = "validation_failed"
	EventApprovalRequested EventType = "approval_requested"
	EventApproved          EventType = "approved"
	EventRejected          EventType = "rejected"
	EventStepStarted       EventType = "step_started"
	EventStepCompleted     EventType = "step_completed"
	EventStepFailed        EventType = "step_failed"
	EventStepRetried       EventType = "step_retried"
	EventReplan            EventType = "replan"
	EventDeployed          EventType = "deployed"
	EventFailed            EventType = "failed"
	EventPaused            EventType = "paused"
	EventRestarted         EventType = "restarted"
	EventDeleted           EventType = "deleted"
)

// EventTypes lists every valid audit event type.
var EventTypes = []EventType{
	EventIntentSubmitted, EventValidationPassed, EventValidationFailed,
	EventApprovalRequested, EventApproved, EventRejected,
	EventStepStarted, EventStepCompleted, EventStepFailed, EventStepRetried,
	EventReplan, EventDeployed, EventFailed, EventPaused, EventRestarted,
	EventDeleted,
}

// Valid reports whether t is a recognized event type.
func (t EventType) Valid() bool {
	for _, v := range EventTypes {
		if t == v {
			return true
		}
	}
	return false
}

// Record is one immutable audit fact about a plan.
type Record struct {
	PlanID    string         `json:"plan_id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      EventType      `json:"event_type"`
	Actor     string         `json:"actor"`
	Before    string         `json:"before,omitempty"`
	After     string         `json:"after,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// New builds a record stamped with the current time.
func New(planID string, typ EventType, actor string) Record {
	return Record{
		PlanID:    planID,
		Timestamp: time.Now().UTC(),
		Type:      typ,
		Actor:     actor,
	}
}

// Validate checks that a record is appendable.
func (r *Record) Validate() error {
	if r.PlanID == "" {
		return errors.New("plan_id is required")
	}
	if !r.Type.Valid() {
		return fmt.Errorf("unknown event type %q", r.Type)
	}
	if r.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}
	return nil
}

// DedupKey is the identity consumers use to drop at-least-once duplicates.
func (r *Record) DedupKey() string {
	return fmt.Sprintf("%s|%d|%s", r.PlanID, r.Timestamp.UnixNano(), r.Type)
}
